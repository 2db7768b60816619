// Package eventbus is the in-process fanout for projection and session
// lifecycle events. Publish never blocks; slow subscribers drop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypePublished     = "projection.published"
	TypeRejected      = "projection.rejected"
	TypeSessionOpened = "session.opened"
	TypeSessionClosed = "session.closed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Published is the Data of TypePublished.
type Published struct {
	Source        string
	Seq           uint64
	StartValue    float64
	GrowthPercent float64
}

// Rejected is the Data of TypeRejected.
type Rejected struct {
	Source string
	Reason string
}

// SessionChange is the Data of TypeSessionOpened and TypeSessionClosed.
type SessionChange struct {
	ID         uint64
	Label      string
	Discipline string
	Delivered  uint64
	Err        string
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events whose Type is in
	// types (all events when empty).
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sending under the read lock keeps unsubscribe from closing a channel
	// mid-send; sends are non-blocking so the lock is short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
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
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
