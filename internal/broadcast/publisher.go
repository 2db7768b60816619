package broadcast

import (
	"sync"

	"projcast/internal/projection"
)

// Publisher is the single write path: validate, store, then signal.
type Publisher struct {
	// mu keeps write+signal pairs from interleaving, so signal generations
	// follow store sequence order.
	mu       sync.Mutex
	store    *Store
	notifier *Notifier
}

func NewPublisher(store *Store, notifier *Notifier) *Publisher {
	return &Publisher{store: store, notifier: notifier}
}

// Publish validates p, writes it and wakes all waiting sessions.
// On validation failure the store is untouched and the error wraps
// projection.ErrInvalidProjection.
func (p *Publisher) Publish(pr projection.Projection) (projection.Snapshot, error) {
	if err := pr.Validate(); err != nil {
		return projection.Snapshot{}, err
	}
	p.mu.Lock()
	snap := p.store.Write(pr)
	p.notifier.Signal()
	p.mu.Unlock()
	return snap, nil
}
