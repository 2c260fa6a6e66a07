// Package telegram relays Telegram Bot API chats through the same controller
// as the WhatsApp transport. The bot token is the only credential.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"wagpt/internal/domain"
)

const (
	telegramMaxMsgLen = 4000
	pollTimeout       = 30
)

var ErrNotConnected = errors.New("telegram: session not connected")

// Transport implements domain.Transport for the Telegram Bot API.
type Transport struct {
	endpoint string
	client   tgbotapi.HTTPClient
	logger   *slog.Logger
}

type TransportConfig struct {
	// Endpoint is the Bot API URL pattern; defaults to tgbotapi.APIEndpoint.
	Endpoint   string
	HTTPClient tgbotapi.HTTPClient
	Logger     *slog.Logger
}

func New(cfg TransportConfig) *Transport {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: (pollTimeout + 10) * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{endpoint: cfg.Endpoint, client: cfg.HTTPClient, logger: cfg.Logger}
}

func (t *Transport) Name() string { return "telegram" }

// Open starts connecting in the background. The returned session reports
// open once getMe succeeds, or closed 401 when the token is rejected.
func (t *Transport) Open(ctx context.Context, creds domain.Credentials, h domain.EventHandler) (domain.Session, error) {
	token, ok := creds.(string)
	if !ok || strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram: bot token is not configured")
	}
	s := &session{
		token:    token,
		endpoint: t.endpoint,
		client:   t.client,
		handler:  h,
		logger:   t.logger,
		done:     make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

type session struct {
	token    string
	endpoint string
	client   tgbotapi.HTTPClient
	handler  domain.EventHandler
	logger   *slog.Logger

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	closed bool
	done   chan struct{}
}

func (s *session) run(ctx context.Context) {
	s.handler.OnConnectionUpdate(domain.ConnectionEvent{State: domain.StateConnecting})
	bot, err := tgbotapi.NewBotAPIWithClient(s.token, s.endpoint, s.client)
	if err != nil {
		s.emitClosed(connectError(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.bot = bot
	s.mu.Unlock()

	s.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	s.handler.OnConnectionUpdate(domain.ConnectionEvent{State: domain.StateOpen})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case update, ok := <-updates:
			if !ok {
				s.emitClosed(domain.ConnectionEvent{
					State:      domain.StateClosed,
					StatusCode: domain.StatusConnectionClosed,
					Reason:     "update channel closed",
				})
				return
			}
			if msg, ok := inboundMessage(update, bot.Self.ID); ok {
				s.handler.OnMessageBatch([]domain.InboundMessage{msg})
			}
		}
	}
}

// emitClosed reports a close unless the session was closed locally.
func (s *session) emitClosed(evt domain.ConnectionEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.handler.OnConnectionUpdate(evt)
	}
}

// connectError maps a getMe failure to a close event. A rejected token is
// terminal, everything else is worth retrying.
func connectError(err error) domain.ConnectionEvent {
	evt := domain.ConnectionEvent{
		State:      domain.StateClosed,
		StatusCode: domain.StatusConnectionLost,
		Reason:     err.Error(),
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusNotFound:
			evt.StatusCode = domain.StatusLoggedOut
			evt.Reason = "bot token rejected: " + apiErr.Message
		case http.StatusForbidden:
			evt.StatusCode = domain.StatusForbidden
		}
	}
	return evt
}

// inboundMessage converts an update into an InboundMessage. Text maps to the
// plain field, a media caption to the extended field.
func inboundMessage(update tgbotapi.Update, selfID int64) (domain.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.Chat == nil {
		return domain.InboundMessage{}, false
	}
	msg := domain.InboundMessage{
		ID:           strconv.FormatInt(m.Chat.ID, 10) + ":" + strconv.Itoa(m.MessageID),
		SenderID:     strconv.FormatInt(m.Chat.ID, 10),
		Conversation: m.Text,
		ExtendedText: m.Caption,
		Timestamp:    time.Unix(int64(m.Date), 0),
	}
	if m.From != nil {
		msg.IsFromSelf = m.From.ID == selfID
		msg.PushName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}
	return msg, true
}

func (s *session) Send(ctx context.Context, reply domain.OutboundReply) error {
	s.mu.Lock()
	bot, closed := s.bot, s.closed
	s.mu.Unlock()
	if closed || bot == nil {
		return ErrNotConnected
	}

	chatID, err := strconv.ParseInt(reply.RecipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", reply.RecipientID, err)
	}
	for _, chunk := range splitMessage(reply.Text, telegramMaxMsgLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// Close stops polling. StopReceivingUpdates panics when called twice, so it
// runs at most once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.bot != nil {
		s.bot.StopReceivingUpdates()
	}
	return nil
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// TokenStore hands the configured bot token to the transport. Telegram has
// no rotating session material, so Save is a no-op.
type TokenStore struct {
	Token string
}

func (s TokenStore) Load(context.Context) (domain.Credentials, error) {
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("telegram: bot token is not configured")
	}
	return s.Token, nil
}

func (TokenStore) Save(context.Context, domain.Credentials) error { return nil }

func (TokenStore) Close() error { return nil }
