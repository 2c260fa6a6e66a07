// Package dedup remembers which inbound message IDs were already answered so
// redelivered messages (history sync, reconnect replays) get no second reply.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Memory is a TTL cache of message IDs.
type Memory struct {
	mu    sync.Mutex
	cache map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = time.Hour
	}
	d := &Memory{
		cache: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go d.cleanupLoop()
	return d
}

// Seen returns true if this message ID was recorded within the TTL.
// If not, it records the ID and returns false. Empty IDs are never
// considered duplicates.
func (d *Memory) Seen(_ context.Context, id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, exists := d.cache[id]; exists && now.Sub(at) < d.ttl {
		return true
	}
	d.cache[id] = now
	return false
}

func (d *Memory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache)
}

func (d *Memory) Close() error {
	d.once.Do(func() { close(d.stop) })
	return nil
}

func (d *Memory) cleanupLoop() {
	ticker := time.NewTicker(d.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.prune()
		}
	}
}

func (d *Memory) prune() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.ttl)
	for k, t := range d.cache {
		if t.Before(cutoff) {
			delete(d.cache, k)
		}
	}
}
