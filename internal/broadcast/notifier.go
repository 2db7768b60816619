package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Notifier is a broadcast wake-up primitive with a generation counter.
//
// Signal closes the current wake channel and installs a fresh one, so every
// goroutine parked on the old channel wakes at once. Generation and channel
// are read under the same mutex Signal holds, which makes the
// check-then-wait in Wait race-free.
type Notifier struct {
	mu  sync.Mutex
	gen uint64
	ch  chan struct{}

	waiters atomic.Int64
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Generation returns the number of signals so far.
func (n *Notifier) Generation() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen
}

// Signal advances the generation and wakes all current waiters.
func (n *Notifier) Signal() uint64 {
	n.mu.Lock()
	n.gen++
	gen := n.gen
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
	return gen
}

// Wait blocks until the generation moves past lastSeen, timeout elapses, or
// ctx is done. It returns immediately if the generation already advanced.
//
// Returns (generation, nil) on wake, (lastSeen, ErrWaitTimeout) on timeout and
// (lastSeen, ctx.Err()) on cancellation. timeout <= 0 disables the timeout.
func (n *Notifier) Wait(ctx context.Context, lastSeen uint64, timeout time.Duration) (uint64, error) {
	n.mu.Lock()
	if n.gen != lastSeen {
		gen := n.gen
		n.mu.Unlock()
		return gen, nil
	}
	ch := n.ch
	n.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	n.waiters.Add(1)
	defer n.waiters.Add(-1)

	select {
	case <-ch:
		return n.Generation(), nil
	case <-expired:
		return lastSeen, ErrWaitTimeout
	case <-ctx.Done():
		return lastSeen, ctx.Err()
	}
}

// Waiters is a best-effort count of goroutines currently parked in Wait.
func (n *Notifier) Waiters() int {
	return int(n.waiters.Load())
}
