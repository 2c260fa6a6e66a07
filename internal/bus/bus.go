package bus

import (
	"log/slog"
	"sync"
	"time"

	"wagpt/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based event queue between transport callbacks
// and the relay loop.
type InMemoryBus struct {
	events  chan domain.Event
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		events:  make(chan domain.Event, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Publish blocks up to 10 seconds if the bus is full instead of dropping.
func (b *InMemoryBus) Publish(evt domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Debug("event published after bus closed", "kind", evt.Kind)
		return
	}

	select {
	case b.events <- evt:
	default:
		b.logger.Warn("event bus full, waiting...", "kind", evt.Kind)
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		select {
		case b.events <- evt:
			b.logger.Info("event delivered after wait", "kind", evt.Kind)
		case <-timer.C:
			b.logger.Error("event dropped: bus full", "kind", evt.Kind, "waited", b.timeout)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.Event {
	return b.events
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.events)
	}
}
