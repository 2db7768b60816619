package broadcast

import (
	"sync"
	"time"

	"projcast/internal/projection"
)

// Store holds the latest projection snapshot.
//
// It is a pure data holder: Write never notifies anyone.
type Store struct {
	mu  sync.RWMutex
	cur projection.Snapshot
	now func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// Write replaces all values and advances the sequence in one critical section.
// The caller is expected to have validated p.
func (s *Store) Write(p projection.Projection) projection.Snapshot {
	var vals [projection.Size]float64
	copy(vals[:], p)

	s.mu.Lock()
	s.cur = projection.Snapshot{
		Seq:       s.cur.Seq + 1,
		Set:       true,
		Values:    vals,
		UpdatedAt: s.now(),
	}
	out := s.cur
	s.mu.Unlock()
	return out
}

// Read returns a consistent copy of the current snapshot.
func (s *Store) Read() projection.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}
