package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"projcast/internal/projection"
)

// Hub owns one Store, Notifier and Publisher and tracks live Sessions.
//
// There is exactly one Hub per process; it is created at startup and passed
// to every ingress and transport that needs it.
type Hub struct {
	store     *Store
	notifier  *Notifier
	publisher *Publisher

	defMu    sync.RWMutex
	defaults SessionOptions

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   atomic.Uint64

	opened        atomic.Uint64
	transportErrs atomic.Uint64
	// totals of sessions that already closed
	closedDelivered  atomic.Uint64
	closedSuppressed atomic.Uint64
	closedPings      atomic.Uint64

	onOpen  func(SessionInfo)
	onClose func(SessionInfo, error)
}

type HubOption func(*Hub)

// WithDefaults sets the options applied to zero fields of SessionOptions.
func WithDefaults(o SessionOptions) HubOption {
	return func(h *Hub) { h.defaults = o.normalized() }
}

// WithSessionHook registers callbacks for session open/close. Hooks run on
// the session goroutine and must not block.
func WithSessionHook(onOpen func(SessionInfo), onClose func(SessionInfo, error)) HubOption {
	return func(h *Hub) {
		h.onOpen = onOpen
		h.onClose = onClose
	}
}

func NewHub(opts ...HubOption) *Hub {
	store := NewStore()
	notifier := NewNotifier()
	h := &Hub{
		store:     store,
		notifier:  notifier,
		publisher: NewPublisher(store, notifier),
		defaults:  SessionOptions{}.normalized(),
		sessions:  map[uint64]*Session{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) Store() *Store                { return h.store }
func (h *Hub) Notifier() *Notifier          { return h.notifier }
func (h *Hub) Publisher() *Publisher        { return h.publisher }
func (h *Hub) Current() projection.Snapshot { return h.store.Read() }

// Publish is a shorthand for Publisher().Publish.
func (h *Hub) Publish(p projection.Projection) (projection.Snapshot, error) {
	return h.publisher.Publish(p)
}

// SetDefaults replaces the session defaults. Running sessions keep the
// options they started with.
func (h *Hub) SetDefaults(o SessionOptions) {
	h.defMu.Lock()
	h.defaults = o.normalized()
	h.defMu.Unlock()
}

func (h *Hub) Defaults() SessionOptions {
	h.defMu.RLock()
	defer h.defMu.RUnlock()
	return h.defaults
}

// Serve runs a Session for sink until ctx is done or the sink fails.
func (h *Hub) Serve(ctx context.Context, sink Sink, opts SessionOptions) error {
	s := h.open(sink, opts)
	err := s.Run(ctx)
	h.close(s, err)
	return err
}

func (h *Hub) open(sink Sink, opts SessionOptions) *Session {
	id := h.nextID.Add(1)
	s := NewSession(id, h.store, h.notifier, sink, opts.withDefaults(h.Defaults()))

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
	h.opened.Add(1)

	if h.onOpen != nil {
		h.onOpen(s.Info())
	}
	return s
}

func (h *Hub) close(s *Session, err error) {
	// Counters move to the closed totals under the lock that drops the
	// session.
	info := s.Info()
	h.mu.Lock()
	h.closedDelivered.Add(info.Delivered)
	h.closedSuppressed.Add(info.Suppressed)
	h.closedPings.Add(info.Pings)
	delete(h.sessions, s.id)
	h.mu.Unlock()

	if errors.Is(err, ErrTransport) {
		h.transportErrs.Add(1)
	}
	if h.onClose != nil {
		h.onClose(info, err)
	}
}

// Sessions lists live sessions ordered by ID.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.Lock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.Info())
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HubStats is a best-effort operational view. Not a synchronization primitive.
type HubStats struct {
	Active          int    `json:"active"`
	Opened          uint64 `json:"opened"`
	Delivered       uint64 `json:"delivered"`
	Suppressed      uint64 `json:"suppressed"`
	Pings           uint64 `json:"pings"`
	TransportErrors uint64 `json:"transport_errors"`
	Seq             uint64 `json:"seq"`
	Generation      uint64 `json:"generation"`
	Waiters         int    `json:"waiters"`
}

func (h *Hub) Stats() HubStats {
	st := HubStats{
		Opened:          h.opened.Load(),
		TransportErrors: h.transportErrs.Load(),
		Seq:             h.store.Read().Seq,
		Generation:      h.notifier.Generation(),
		Waiters:         h.notifier.Waiters(),
	}
	h.mu.Lock()
	st.Delivered = h.closedDelivered.Load()
	st.Suppressed = h.closedSuppressed.Load()
	st.Pings = h.closedPings.Load()
	st.Active = len(h.sessions)
	for _, s := range h.sessions {
		st.Delivered += s.delivered.Load()
		st.Suppressed += s.suppressed.Load()
		st.Pings += s.pings.Load()
	}
	h.mu.Unlock()
	return st
}
