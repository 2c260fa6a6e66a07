// Package relay bridges transport events to the completion client: one reply
// per inbound text message, reconnect on recoverable closes, stop on logout.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wagpt/internal/bus"
	"wagpt/internal/domain"
	"wagpt/internal/metrics"
)

const (
	defaultMaxConcurrentMessages = 5
	defaultBusSize               = 100
)

var (
	ErrLoggedOut      = errors.New("session logged out, re-pairing required")
	ErrReconnectLimit = errors.New("reconnect attempts exhausted")
)

// State is the controller's view of the connection lifecycle.
type State string

const (
	StateInit       State = "init"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateTerminated State = "terminated"
)

// Config holds the collaborators and tuning parameters of a Controller.
type Config struct {
	Transport   domain.Transport
	Credentials domain.CredentialStore
	Completer   domain.Completer
	Deduper     domain.Deduper         // optional
	Pairing     domain.PairingRenderer // optional
	Bus         domain.EventBus        // optional, in-memory bus by default
	Reconnect   ReconnectPolicy
	Batch       BatchPolicy
	// MaxConcurrentMessages bounds parallel completion calls (default 5).
	MaxConcurrentMessages int
	// ExitOnLogout makes Run return once the controller is terminated
	// instead of idling until its context ends.
	ExitOnLogout bool
	Logger       *slog.Logger
}

// liveSession is the content of the session cell.
type liveSession struct {
	generation uint64
	session    domain.Session
}

// Controller owns the single active transport session.
type Controller struct {
	transport  domain.Transport
	creds      domain.CredentialStore
	completer  domain.Completer
	dedup      domain.Deduper
	pairing    domain.PairingRenderer
	bus        domain.EventBus
	ownBus     bool
	reconnect  ReconnectPolicy
	batch      BatchPolicy
	exitOnStop bool
	logger     *slog.Logger

	sem        chan struct{}
	inflight   sync.WaitGroup
	session    atomic.Pointer[liveSession]
	generation atomic.Uint64

	mu               sync.Mutex
	state            State
	attempts         int
	reconnectPending bool
	stopReconnect    func() bool
	termErr          error

	reconnectCh chan struct{}
	terminated  chan struct{}
	after       func(d time.Duration, fn func()) (stop func() bool)
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentMessages <= 0 {
		cfg.MaxConcurrentMessages = defaultMaxConcurrentMessages
	}
	if cfg.Reconnect == (ReconnectPolicy{}) {
		cfg.Reconnect = DefaultReconnectPolicy()
	}
	if cfg.Batch == "" {
		cfg.Batch = BatchFirst
	}
	c := &Controller{
		transport:   cfg.Transport,
		creds:       cfg.Credentials,
		completer:   cfg.Completer,
		dedup:       cfg.Deduper,
		pairing:     cfg.Pairing,
		bus:         cfg.Bus,
		reconnect:   cfg.Reconnect,
		batch:       cfg.Batch,
		exitOnStop:  cfg.ExitOnLogout,
		logger:      cfg.Logger,
		sem:         make(chan struct{}, cfg.MaxConcurrentMessages),
		state:       StateInit,
		reconnectCh: make(chan struct{}, 1),
		terminated:  make(chan struct{}),
		after: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
	}
	if c.bus == nil {
		c.bus = bus.New(defaultBusSize, cfg.Logger)
		c.ownBus = true
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run opens the first session and dispatches transport events until ctx is
// cancelled. After a terminal close it returns ErrLoggedOut or
// ErrReconnectLimit when ExitOnLogout is set, and idles otherwise.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("relay starting",
		"transport", c.transport.Name(),
		"batch_policy", string(c.batch),
		"reconnect_delay", c.reconnect.Delay,
	)
	defer c.shutdown()

	c.start(ctx)

	events := c.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("relay stopping")
			return nil
		case <-c.terminatedIfExiting():
			return c.terminalError()
		case <-c.reconnectCh:
			c.mu.Lock()
			c.reconnectPending = false
			c.stopReconnect = nil
			terminated := c.state == StateTerminated
			c.mu.Unlock()
			if !terminated {
				c.start(ctx)
			}
		case evt, ok := <-events:
			if !ok {
				c.logger.Info("event bus closed, relay stopping")
				return nil
			}
			c.dispatch(ctx, evt)
		}
	}
}

// terminatedIfExiting returns a channel that closes on termination, or nil
// (blocks forever) when the controller should idle instead.
func (c *Controller) terminatedIfExiting() <-chan struct{} {
	if !c.exitOnStop {
		return nil
	}
	return c.terminated
}

func (c *Controller) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// start loads credentials and opens a new session generation. Failures are
// treated like a recoverable close.
func (c *Controller) start(ctx context.Context) {
	c.setState(StateConnecting)
	gen := c.generation.Add(1)

	creds, err := c.creds.Load(ctx)
	if err != nil {
		c.logger.Error("failed to load credentials", "err", err)
		c.scheduleReconnect(0)
		return
	}

	s, err := c.transport.Open(ctx, creds, &sessionHandler{bus: c.bus, generation: gen})
	if err != nil {
		c.logger.Error("failed to open session", "transport", c.transport.Name(), "err", err)
		c.scheduleReconnect(0)
		return
	}

	if old := c.session.Swap(&liveSession{generation: gen, session: s}); old != nil {
		if err := old.session.Close(); err != nil {
			c.logger.Debug("closing previous session", "err", err)
		}
	}
	c.logger.Debug("session opened", "generation", gen)
}

func (c *Controller) dispatch(ctx context.Context, evt domain.Event) {
	switch evt.Kind {
	case domain.EventCredentials:
		c.OnCredentialsUpdate(evt.Credentials)
	case domain.EventConnection:
		if cur := c.generation.Load(); evt.Generation != cur {
			c.logger.Debug("ignoring event from stale session",
				"event", evt.Connection.String(), "generation", evt.Generation, "current", cur)
			return
		}
		c.OnConnectionUpdate(evt.Connection)
	case domain.EventMessages:
		batch := evt.Messages
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.sem <- struct{}{}
			defer func() { <-c.sem }()
			c.handleBatch(ctx, batch)
		}()
	default:
		c.logger.Warn("unknown event kind", "kind", evt.Kind)
	}
}

// OnCredentialsUpdate persists rotated credentials. A failed save is logged
// and left for the next update.
func (c *Controller) OnCredentialsUpdate(creds domain.Credentials) {
	if err := c.creds.Save(context.Background(), creds); err != nil {
		c.logger.Error("failed to save credentials", "err", err)
		return
	}
	metrics.CredentialSaves.Inc()
	c.logger.Debug("credentials saved")
}

// OnConnectionUpdate applies a connection event of the current session.
func (c *Controller) OnConnectionUpdate(evt domain.ConnectionEvent) {
	if c.State() == StateTerminated {
		c.logger.Debug("ignoring connection event after termination", "event", evt.String())
		return
	}

	if evt.PairingCode != "" {
		c.logger.Info("pairing code received, scan it with your phone")
		if c.pairing != nil {
			if err := c.pairing.Render(evt.PairingCode); err != nil {
				c.logger.Error("failed to render pairing code", "err", err)
			}
		}
	}

	switch evt.State {
	case domain.StateOpen:
		c.mu.Lock()
		c.state = StateOpen
		c.attempts = 0
		c.mu.Unlock()
		metrics.ConnectionOpen.Set(1)
		c.logger.Info("connection open")
	case domain.StateConnecting:
		c.setState(StateConnecting)
	case domain.StateClosed:
		metrics.ConnectionOpen.Set(0)
		if evt.Terminal() {
			c.logger.Error("connection closed: logged out, delete credentials and pair again",
				"status", evt.StatusCode, "reason", evt.Reason)
			c.terminate(ErrLoggedOut)
			return
		}
		c.logger.Warn("connection closed", "status", evt.StatusCode, "reason", evt.Reason)
		c.scheduleReconnect(evt.RetryAfter)
	}
}

// OnMessageBatch replies to the messages the batch policy selects. It blocks
// until every selected message was handled.
func (c *Controller) OnMessageBatch(batch []domain.InboundMessage) {
	c.handleBatch(context.Background(), batch)
}

func (c *Controller) handleBatch(ctx context.Context, batch []domain.InboundMessage) {
	selected := c.batch.Select(batch)
	if skipped := len(batch) - len(selected); skipped > 0 {
		metrics.MessagesIgnored.Add(int64(skipped))
		c.logger.Debug("batch trimmed by policy", "policy", string(c.batch), "skipped", skipped)
	}
	for _, msg := range selected {
		c.handleMessage(ctx, msg)
	}
}

func (c *Controller) handleMessage(ctx context.Context, msg domain.InboundMessage) {
	metrics.MessagesReceived.Inc()

	if msg.IsFromSelf {
		metrics.MessagesIgnored.Inc()
		return
	}
	if c.State() == StateTerminated {
		metrics.MessagesIgnored.Inc()
		return
	}
	if c.dedup != nil && c.dedup.Seen(ctx, msg.ID) {
		metrics.MessagesIgnored.Inc()
		c.logger.Debug("duplicate message ignored", "id", msg.ID)
		return
	}
	text, ok := msg.Text()
	if !ok {
		metrics.MessagesIgnored.Inc()
		c.logger.Debug("non-text message ignored", "id", msg.ID, "from", msg.SenderID)
		return
	}

	c.logger.Info("message received", "from", msg.SenderID, "name", msg.PushName, "text", text)

	metrics.InFlightMessages.Inc()
	completion := c.completer.Complete(ctx, text)
	metrics.InFlightMessages.Dec()
	if completion.Fallback {
		c.logger.Warn("replying with fallback text", "to", msg.SenderID, "err", completion.Err)
	}

	reply := domain.OutboundReply{RecipientID: msg.SenderID, Text: completion.Text}
	if err := c.send(ctx, reply); err != nil {
		metrics.SendFailures.Inc()
		c.logger.Error("failed to send reply", "to", msg.SenderID, "err", err)
		return
	}
	metrics.RepliesSent.Inc()
	c.logger.Info("reply sent", "to", msg.SenderID, "text", completion.Text)
}

// send reads the session cell at send time so a reply started before a
// reconnect goes out on the new session.
func (c *Controller) send(ctx context.Context, reply domain.OutboundReply) error {
	cur := c.session.Load()
	if cur == nil {
		return errors.New("no active session")
	}
	if err := cur.session.Send(ctx, reply); err != nil {
		return fmt.Errorf("session %d: %w", cur.generation, err)
	}
	return nil
}

// scheduleReconnect arms a single reconnect timer that fires no earlier than
// minDelay. Calls while a reconnect is already pending are no-ops.
func (c *Controller) scheduleReconnect(minDelay time.Duration) {
	c.mu.Lock()
	if c.state == StateTerminated || c.reconnectPending {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if c.reconnect.Exhausted(attempt) {
		c.mu.Unlock()
		c.logger.Error("giving up reconnecting", "attempts", attempt-1)
		c.terminate(ErrReconnectLimit)
		return
	}
	delay := max(c.reconnect.Backoff(attempt), minDelay)
	c.reconnectPending = true
	c.state = StateConnecting
	c.mu.Unlock()

	metrics.Reconnects.Inc()
	c.logger.Info("reconnecting", "in", delay, "attempt", attempt)

	stop := c.after(delay, func() {
		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
	})

	c.mu.Lock()
	if c.reconnectPending {
		c.stopReconnect = stop
	}
	c.mu.Unlock()
}

// terminate enters the absorbing terminated state and drops the session.
func (c *Controller) terminate(cause error) {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminated
	c.termErr = cause
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	c.reconnectPending = false
	c.mu.Unlock()

	c.closeSession()
	close(c.terminated)
	if !c.exitOnStop {
		c.logger.Warn("relay terminated, idling until stopped", "cause", cause)
	}
}

func (c *Controller) closeSession() {
	if old := c.session.Swap(nil); old != nil {
		if err := old.session.Close(); err != nil {
			c.logger.Debug("closing session", "err", err)
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	c.mu.Unlock()

	c.inflight.Wait()
	c.closeSession()
	metrics.ConnectionOpen.Set(0)
	if c.ownBus {
		c.bus.Close()
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTerminated {
		c.state = s
	}
}

// sessionHandler tags transport callbacks with the generation of the
// session that produced them and queues them for the Run loop.
type sessionHandler struct {
	bus        domain.EventBus
	generation uint64
}

func (h *sessionHandler) OnCredentialsUpdate(creds domain.Credentials) {
	h.bus.Publish(domain.Event{Kind: domain.EventCredentials, Generation: h.generation, Credentials: creds})
}

func (h *sessionHandler) OnConnectionUpdate(evt domain.ConnectionEvent) {
	h.bus.Publish(domain.Event{Kind: domain.EventConnection, Generation: h.generation, Connection: evt})
}

func (h *sessionHandler) OnMessageBatch(batch []domain.InboundMessage) {
	h.bus.Publish(domain.Event{Kind: domain.EventMessages, Generation: h.generation, Messages: batch})
}
