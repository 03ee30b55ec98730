// Package eventbus fans job lifecycle events out to in-process consumers
// (alerts, the broker relay, debug logging).
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one lifecycle notification. Data is owned by the publisher's
// package; consumers type-assert it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers without blocking the publisher: a subscriber whose buffer
// is full misses the event and the drop is counted.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered channel. With types given, only
	// events of those types are delivered.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

// Counter is implemented by buses that track delivery.
type Counter interface {
	Stats() Stats
}

const defaultBuffer = 8

type subscription struct {
	ch    chan Event
	types []string
}

func (s *subscription) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[*subscription]struct{}{}}
}

type memBus struct {
	// Publish holds the read lock while sending so unsubscribe, which
	// closes the channel under the write lock, never races a send.
	mu   sync.RWMutex
	subs map[*subscription]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscription{ch: make(chan Event, buffer), types: slices.Clone(types)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, sync.OnceFunc(func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	})
}

func (b *memBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Published: b.published.Load(), Dropped: b.dropped.Load(), Subscribers: len(b.subs)}
}
