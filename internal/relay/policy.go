package relay

import (
	"fmt"
	"strings"
	"time"

	"wagpt/internal/domain"
)

const defaultReconnectDelay = 5 * time.Second

// ReconnectPolicy decides how long to wait before reopening a closed session.
// The zero value reconnects every 5 seconds forever.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxDelay    time.Duration // 0 means no cap
	Multiplier  float64       // <= 1 keeps the delay fixed
	MaxAttempts int           // consecutive failures before giving up, 0 means unbounded
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: defaultReconnectDelay, Multiplier: 1}
}

// Backoff returns the wait before the given attempt (1-based).
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	delay := p.Delay
	if delay < 0 {
		delay = 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if p.Multiplier > 1 {
		d := float64(delay)
		for i := 1; i < attempt; i++ {
			d *= p.Multiplier
			if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
				return p.MaxDelay
			}
		}
		delay = time.Duration(d)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt exceeds the configured cap.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// BatchPolicy selects which messages of a delivered batch get a reply.
type BatchPolicy string

const (
	BatchFirst BatchPolicy = "first"
	BatchLast  BatchPolicy = "last"
	BatchAll   BatchPolicy = "all"
)

func ParseBatchPolicy(s string) (BatchPolicy, error) {
	switch p := BatchPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return BatchFirst, nil
	case BatchFirst, BatchLast, BatchAll:
		return p, nil
	default:
		return "", fmt.Errorf("unknown batch policy %q (want first, last or all)", s)
	}
}

// Select returns the messages to process. Unknown policies behave like BatchFirst.
func (p BatchPolicy) Select(batch []domain.InboundMessage) []domain.InboundMessage {
	if len(batch) == 0 {
		return nil
	}
	switch p {
	case BatchAll:
		return batch
	case BatchLast:
		return batch[len(batch)-1:]
	default:
		return batch[:1]
	}
}
