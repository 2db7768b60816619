package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"projcast/internal/projection"
)

// Discipline selects how a Session waits between deliveries.
type Discipline string

const (
	// DisciplinePush blocks on the Notifier and wakes exactly on write.
	DisciplinePush Discipline = "push"
	// DisciplinePoll re-reads the Store on a fixed interval.
	DisciplinePoll Discipline = "poll"
)

// ParseDiscipline maps "push"/"poll" (case-insensitive). Empty means push.
func ParseDiscipline(s string) (Discipline, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "push":
		return DisciplinePush, nil
	case "poll":
		return DisciplinePoll, nil
	default:
		return "", fmt.Errorf("unknown discipline %q (want push or poll)", s)
	}
}

const (
	DefaultKeepAlive    = 15 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
	MinPollInterval     = 50 * time.Millisecond
	MaxPollInterval     = time.Second
)

// SessionOptions tunes one Session. Zero fields take defaults.
type SessionOptions struct {
	Discipline   Discipline
	KeepAlive    time.Duration
	PollInterval time.Duration
	// Label is free-form (transport name, remote addr); logs and stats only.
	Label string
}

func (o SessionOptions) normalized() SessionOptions {
	if o.Discipline != DisciplinePoll {
		o.Discipline = DisciplinePush
	}
	// A bounded keep-alive is mandatory so dead connections surface.
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollInterval < MinPollInterval {
		o.PollInterval = MinPollInterval
	}
	if o.PollInterval > MaxPollInterval {
		o.PollInterval = MaxPollInterval
	}
	return o
}

// withDefaults fills zero fields of o from def.
func (o SessionOptions) withDefaults(def SessionOptions) SessionOptions {
	if o.Discipline == "" {
		o.Discipline = def.Discipline
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = def.KeepAlive
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	return o
}

// Sink is the transport side of a Session.
//
// Send pushes one snapshot; Ping is the keep-alive probe. Any error closes
// the Session.
type Sink interface {
	Send(ctx context.Context, snap projection.Snapshot) error
	Ping(ctx context.Context) error
}

// State is the delivery-loop state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateWaiting
	StateDelivering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWaiting:
		return "waiting"
	case StateDelivering:
		return "delivering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionInfo is a point-in-time view of a Session for stats output.
type SessionInfo struct {
	ID         uint64     `json:"id"`
	Label      string     `json:"label,omitempty"`
	Discipline Discipline `json:"discipline"`
	State      string     `json:"state"`
	OpenedAt   time.Time  `json:"opened_at"`
	Delivered  uint64     `json:"delivered"`
	Suppressed uint64     `json:"suppressed"`
	Pings      uint64     `json:"pings"`
	LastSeq    uint64     `json:"last_seq"`
}

// Session is the delivery loop for one connected reader.
//
// A Session is not safe for concurrent Run calls; its counters and State are
// safe to read from other goroutines.
type Session struct {
	id       uint64
	opts     SessionOptions
	store    *Store
	notifier *Notifier
	sink     Sink
	openedAt time.Time

	state      atomic.Int32
	delivered  atomic.Uint64
	suppressed atomic.Uint64
	pings      atomic.Uint64
	lastSeq    atomic.Uint64

	// owned by the Run goroutine
	last    projection.Snapshot
	hasLast bool
}

func NewSession(id uint64, store *Store, notifier *Notifier, sink Sink, opts SessionOptions) *Session {
	return &Session{
		id:       id,
		opts:     opts.normalized(),
		store:    store,
		notifier: notifier,
		sink:     sink,
		openedAt: time.Now(),
	}
}

func (s *Session) ID() uint64              { return s.id }
func (s *Session) Options() SessionOptions { return s.opts }
func (s *Session) State() State            { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         s.id,
		Label:      s.opts.Label,
		Discipline: s.opts.Discipline,
		State:      s.State().String(),
		OpenedAt:   s.openedAt,
		Delivered:  s.delivered.Load(),
		Suppressed: s.suppressed.Load(),
		Pings:      s.pings.Load(),
		LastSeq:    s.lastSeq.Load(),
	}
}

// Run delivers the current snapshot, then loops until ctx is done or the sink
// fails. Cancellation is a clean close (nil); sink failures return an error
// wrapping ErrTransport.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateClosed)

	// Sample the generation before the first read: a write landing in
	// between makes the first Wait return immediately.
	gen := s.notifier.Generation()
	if _, err := s.deliver(ctx); err != nil {
		return s.closeErr(ctx, err)
	}

	var err error
	if s.opts.Discipline == DisciplinePoll {
		err = s.runPoll(ctx)
	} else {
		err = s.runPush(ctx, gen)
	}
	return s.closeErr(ctx, err)
}

func (s *Session) runPush(ctx context.Context, gen uint64) error {
	for {
		s.setState(StateWaiting)
		next, err := s.notifier.Wait(ctx, gen, s.opts.KeepAlive)
		if errors.Is(err, ErrWaitTimeout) {
			if err := s.ping(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return nil
		}
		gen = next
		if _, err := s.deliver(ctx); err != nil {
			return err
		}
	}
}

func (s *Session) runPoll(ctx context.Context) error {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()

	lastActivity := time.Now()
	for {
		s.setState(StateWaiting)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		sent, err := s.deliver(ctx)
		if err != nil {
			return err
		}
		if sent {
			lastActivity = time.Now()
			continue
		}
		if time.Since(lastActivity) >= s.opts.KeepAlive {
			if err := s.ping(ctx); err != nil {
				return err
			}
			lastActivity = time.Now()
		}
	}
}

// deliver reads the store once and sends it unless it equals the last
// delivered snapshot.
func (s *Session) deliver(ctx context.Context) (bool, error) {
	s.setState(StateDelivering)
	snap := s.store.Read()
	if s.hasLast && snap.Equal(s.last) {
		s.suppressed.Add(1)
		return false, nil
	}
	if err := s.sink.Send(ctx, snap); err != nil {
		return false, fmt.Errorf("%w: send: %w", ErrTransport, err)
	}
	s.last = snap
	s.hasLast = true
	s.delivered.Add(1)
	s.lastSeq.Store(snap.Seq)
	return true, nil
}

func (s *Session) ping(ctx context.Context) error {
	if err := s.sink.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrTransport, err)
	}
	s.pings.Add(1)
	return nil
}

// closeErr hides transport errors caused by our own cancellation.
func (s *Session) closeErr(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return nil
	}
	return err
}
