// Package whatsapp connects the relay to WhatsApp as a linked multi-device
// client. Pairing, encryption and the wire protocol belong to whatsmeow;
// this package only maps its events onto the relay's domain types.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"wagpt/internal/domain"
)

var (
	ErrSessionClosed = errors.New("whatsapp: session closed")
	ErrNotConnected  = errors.New("whatsapp: not connected")
)

// Transport implements domain.Transport on top of whatsmeow.
type Transport struct {
	logger   *slog.Logger
	waLogger waLog.Logger
}

type TransportConfig struct {
	Logger *slog.Logger
}

func New(cfg TransportConfig) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		logger:   cfg.Logger,
		waLogger: NewLogger(cfg.Logger, "whatsmeow"),
	}
}

func (t *Transport) Name() string { return "whatsapp" }

// Open builds a client for the device and connects in the background.
// Auto-reconnect stays off: the relay decides when to reconnect.
func (t *Transport) Open(ctx context.Context, creds domain.Credentials, h domain.EventHandler) (domain.Session, error) {
	device, ok := creds.(*store.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("whatsapp: unexpected credentials type %T", creds)
	}

	client := whatsmeow.NewClient(device, t.waLogger.Sub("client"))
	client.EnableAutoReconnect = false

	s := &session{client: client, handler: h, logger: t.logger}
	s.handlerID = client.AddEventHandler(s.handleEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			client.RemoveEventHandler(s.handlerID)
			return nil, fmt.Errorf("whatsapp: get QR channel: %w", err)
		}
		go s.forwardQR(qrChan)
	} else {
		t.logger.Debug("resuming linked device", "jid", client.Store.ID.String())
	}

	go s.connect(ctx)
	return s, nil
}

// connect dials the socket. A dial failure is reported as a lost connection.
func (s *session) connect(ctx context.Context) {
	if s.isClosed() {
		return
	}
	s.handler.OnConnectionUpdate(domain.ConnectionEvent{State: domain.StateConnecting})
	if err := s.client.ConnectContext(ctx); err != nil {
		if s.isClosed() {
			return
		}
		s.handler.OnConnectionUpdate(domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: domain.StatusConnectionLost,
			Reason:     "connect: " + err.Error(),
		})
	}
}

type session struct {
	client    *whatsmeow.Client
	handler   domain.EventHandler
	handlerID uint32
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) handleEvent(evt any) {
	if s.isClosed() {
		return
	}
	switch e := evt.(type) {
	case *events.Message:
		s.handler.OnMessageBatch([]domain.InboundMessage{inboundMessage(e)})
	case *events.PairSuccess:
		s.logger.Info("device paired", "jid", e.ID.String(), "platform", e.Platform)
		s.handler.OnCredentialsUpdate(s.client.Store)
	case *events.HistorySync:
		s.logger.Debug("history sync ignored")
	default:
		if ce, ok := connectionEvent(evt); ok {
			s.handler.OnConnectionUpdate(ce)
		}
	}
}

func (s *session) forwardQR(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		if s.isClosed() {
			continue
		}
		if evt, ok := qrEvent(item); ok {
			s.handler.OnConnectionUpdate(evt)
		}
	}
}

func (s *session) Send(ctx context.Context, reply domain.OutboundReply) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if !s.client.IsConnected() {
		return ErrNotConnected
	}
	jid, err := types.ParseJID(reply.RecipientID)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", reply.RecipientID, err)
	}
	if _, err := s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(reply.Text)}); err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.RemoveEventHandler(s.handlerID)
	s.client.Disconnect()
	return nil
}
