package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"projcast/internal/projection"
)

func flat(v float64) projection.Projection { return projection.Compute(v, 0) }

func TestStoreReadAfterWrite(t *testing.T) {
	t.Parallel()
	s := NewStore()
	if got := s.Read(); got.Set || got.Seq != 0 {
		t.Fatalf("new store should be unset, got %+v", got)
	}
	p := projection.Compute(1000, 0.1)
	w := s.Write(p)
	r := s.Read()
	if w.Seq != 1 || r.Seq != 1 {
		t.Fatalf("seq write=%d read=%d, want 1", w.Seq, r.Seq)
	}
	for i := range p {
		if r.Values[i] != p[i] {
			t.Fatalf("%s = %v, want %v", projection.Months[i], r.Values[i], p[i])
		}
	}
	// Mutating the caller's slice must not leak into the store.
	p[0] = -1
	if s.Read().Values[0] == -1 {
		t.Fatal("store aliases caller slice")
	}
}

func TestStoreNoTornReads(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var torn atomic.Int64
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				snap := s.Read()
				for _, v := range snap.Values {
					if v != snap.Values[0] {
						torn.Add(1)
						return
					}
				}
			}
		}()
	}
	for i := 1; i <= 2000; i++ {
		s.Write(flat(float64(i)))
	}
	cancel()
	wg.Wait()
	if n := torn.Load(); n != 0 {
		t.Fatalf("observed %d torn reads", n)
	}
}

func TestNotifierWaitReturnsWhenAlreadyAdvanced(t *testing.T) {
	t.Parallel()
	n := NewNotifier()
	n.Signal()
	gen, err := n.Wait(context.Background(), 0, time.Hour)
	if err != nil || gen != 1 {
		t.Fatalf("Wait = (%d, %v), want (1, nil)", gen, err)
	}
}

func TestNotifierWaitTimeoutAndCancel(t *testing.T) {
	t.Parallel()
	n := NewNotifier()
	if _, err := n.Wait(context.Background(), 0, 20*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := n.Wait(ctx, 0, 0)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not release Wait")
	}
}

func TestNotifierSignalWakesAllWaiters(t *testing.T) {
	t.Parallel()
	const waiters = 100
	n := NewNotifier()
	woke := make(chan uint64, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			gen, err := n.Wait(context.Background(), 0, 5*time.Second)
			if err == nil {
				woke <- gen
			}
		}()
	}
	waitFor(t, time.Second, func() bool { return n.Waiters() == waiters })

	n.Signal()
	for i := 0; i < waiters; i++ {
		select {
		case gen := <-woke:
			if gen != 1 {
				t.Fatalf("woke with generation %d, want 1", gen)
			}
		case <-time.After(time.Second):
			t.Fatalf("only %d/%d waiters woke", i, waiters)
		}
	}
}

func TestPublishRejectsInvalidAndKeepsStore(t *testing.T) {
	t.Parallel()
	h := NewHub()
	prev, err := h.Publish(flat(7))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	gen := h.Notifier().Generation()

	for _, p := range []projection.Projection{{}, make(projection.Projection, 11)} {
		if _, err := h.Publish(p); !errors.Is(err, projection.ErrInvalidProjection) {
			t.Fatalf("len %d: err = %v, want ErrInvalidProjection", len(p), err)
		}
	}
	cur := h.Current()
	if cur.Seq != prev.Seq || !cur.Equal(prev) {
		t.Fatalf("store changed after invalid publish: %+v", cur)
	}
	if h.Notifier().Generation() != gen {
		t.Fatal("invalid publish signalled")
	}
}

func TestConcurrentPublishesKeepSignalOrder(t *testing.T) {
	t.Parallel()
	h := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			_, _ = h.Publish(flat(v))
		}(float64(i))
	}
	wg.Wait()
	if seq, gen := h.Current().Seq, h.Notifier().Generation(); seq != 50 || gen != 50 {
		t.Fatalf("seq=%d gen=%d, want 50/50", seq, gen)
	}
}

// ---- sessions ----

type recSink struct {
	ch       chan projection.Snapshot
	pings    atomic.Int64
	sendErr  error
	pingErr  error
	sendOnce bool // fail every Send after the first
	sends    atomic.Int64
}

func newRecSink() *recSink { return &recSink{ch: make(chan projection.Snapshot, 256)} }

func (r *recSink) Send(ctx context.Context, s projection.Snapshot) error {
	if r.sends.Add(1) > 1 && r.sendOnce {
		return errors.New("broken pipe")
	}
	if r.sendErr != nil {
		return r.sendErr
	}
	select {
	case r.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *recSink) Ping(context.Context) error {
	if r.pingErr != nil {
		return r.pingErr
	}
	r.pings.Add(1)
	return nil
}

func next(t *testing.T, r *recSink) projection.Snapshot {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return projection.Snapshot{}
	}
}

func noMore(t *testing.T, r *recSink, d time.Duration) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("unexpected extra delivery: seq=%d", s.Seq)
	case <-time.After(d):
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func serve(t *testing.T, h *Hub, sink Sink, opts SessionOptions) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, sink, opts) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSessionReceivesScenarioProjection(t *testing.T) {
	t.Parallel()
	h := NewHub()
	sink := newRecSink()
	serve(t, h, sink, SessionOptions{})

	if first := next(t, sink); first.Set {
		t.Fatalf("first delivery should be the unset marker, got %+v", first)
	}
	if _, err := h.Publish(projection.Compute(1000, 0.10)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := next(t, sink)
	want := [projection.Size]float64{1000.00, 1100.00, 1210.00, 1331.00, 1464.10, 1610.51, 1771.56, 1948.72, 2143.59, 2357.95, 2593.74, 2853.12}
	for i, v := range got.Values {
		if projection.Round2(v) != want[i] {
			t.Fatalf("%s = %.2f, want %.2f", projection.Months[i], v, want[i])
		}
	}
}

func TestSessionSuppressesIdenticalRepublish(t *testing.T) {
	t.Parallel()
	h := NewHub()
	sink := newRecSink()
	serve(t, h, sink, SessionOptions{})
	next(t, sink) // unset

	p := projection.Compute(500, 0)
	if _, err := h.Publish(p); err != nil {
		t.Fatal(err)
	}
	next(t, sink)
	if _, err := h.Publish(p); err != nil {
		t.Fatal(err)
	}
	noMore(t, sink, 100*time.Millisecond)

	waitFor(t, time.Second, func() bool { return h.Stats().Suppressed >= 1 })
}

func TestSessionConvergesToLatest(t *testing.T) {
	t.Parallel()
	h := NewHub()
	sink := newRecSink()
	serve(t, h, sink, SessionOptions{})
	next(t, sink)

	const n = 200
	for i := 1; i <= n; i++ {
		if _, err := h.Publish(flat(float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.After(2 * time.Second)
	var lastSeq uint64
	for {
		select {
		case s := <-sink.ch:
			if s.Seq <= lastSeq {
				t.Fatalf("seq went backwards: %d after %d", s.Seq, lastSeq)
			}
			lastSeq = s.Seq
			if s.Values[0] == n {
				return
			}
		case <-deadline:
			t.Fatalf("never converged, last seq %d", lastSeq)
		}
	}
}

func TestSessionTransportFailureIsIsolated(t *testing.T) {
	t.Parallel()
	h := NewHub()
	bad := newRecSink()
	bad.sendOnce = true
	good := newRecSink()

	_, badDone := serve(t, h, bad, SessionOptions{})
	serve(t, h, good, SessionOptions{})
	next(t, bad)
	next(t, good)

	if _, err := h.Publish(flat(1)); err != nil {
		t.Fatalf("publish must not see subscriber failures: %v", err)
	}
	select {
	case err := <-badDone:
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("err = %v, want ErrTransport", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broken session did not close")
	}
	if got := next(t, good); got.Values[0] != 1 {
		t.Fatalf("healthy session got %v", got.Values[0])
	}
	if _, err := h.Publish(flat(2)); err != nil {
		t.Fatal(err)
	}
	if got := next(t, good); got.Values[0] != 2 {
		t.Fatalf("healthy session got %v", got.Values[0])
	}
	waitFor(t, time.Second, func() bool { return h.Stats().TransportErrors == 1 })
}

// stallSink blocks every Send until the session context ends.
type stallSink struct {
	entered chan struct{}
	once    sync.Once
}

func (s *stallSink) Send(ctx context.Context, _ projection.Snapshot) error {
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallSink) Ping(context.Context) error { return nil }

func TestStalledSinkDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	h := NewHub()
	stalled := &stallSink{entered: make(chan struct{})}
	cancelStalled, stalledDone := serve(t, h, stalled, SessionOptions{})
	select {
	case <-stalled.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled session never reached Send")
	}
	good := newRecSink()
	serve(t, h, good, SessionOptions{})
	next(t, good)

	const n = 50
	started := time.Now()
	for i := 1; i <= n; i++ {
		if _, err := h.Publish(flat(float64(i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if took := time.Since(started); took > time.Second {
		t.Fatalf("%d publishes took %v with a stalled session", n, took)
	}

	deadline := time.After(2 * time.Second)
	for converged := false; !converged; {
		select {
		case s := <-good.ch:
			converged = s.Values[0] == n
		case <-deadline:
			t.Fatal("healthy session never converged")
		}
	}

	cancelStalled()
	select {
	case err := <-stalledDone:
		if err != nil {
			t.Fatalf("cancelled stalled session returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled session did not release on cancel")
	}
}

func TestSessionCancelReleasesWait(t *testing.T) {
	t.Parallel()
	h := NewHub()
	sink := newRecSink()
	cancel, done := serve(t, h, sink, SessionOptions{KeepAlive: time.Hour})
	next(t, sink)
	waitFor(t, time.Second, func() bool { return h.Notifier().Waiters() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancel should close cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("session did not exit after cancel")
	}
	if h.Stats().Active != 0 {
		t.Fatal("session still registered after close")
	}
}

func TestSessionKeepAliveDetectsDeadPeer(t *testing.T) {
	t.Parallel()
	h := NewHub()
	sink := newRecSink()
	sink.pingErr = errors.New("connection reset")
	_, done := serve(t, h, sink, SessionOptions{KeepAlive: 30 * time.Millisecond})
	next(t, sink)

	select {
	case err := <-done:
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("err = %v, want ErrTransport", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dead peer not detected within keep-alive bound")
	}
}

func TestSessionKeepAlivePings(t *testing.T) {
	t.Parallel()
	h := NewHub()
	sink := newRecSink()
	serve(t, h, sink, SessionOptions{KeepAlive: 20 * time.Millisecond})
	next(t, sink)
	waitFor(t, time.Second, func() bool { return sink.pings.Load() >= 2 })
}

func TestPollDisciplineDelivers(t *testing.T) {
	t.Parallel()
	h := NewHub()
	sink := newRecSink()
	serve(t, h, sink, SessionOptions{Discipline: DisciplinePoll, PollInterval: MinPollInterval})
	next(t, sink)

	if _, err := h.Publish(flat(3)); err != nil {
		t.Fatal(err)
	}
	if got := next(t, sink); got.Values[0] != 3 {
		t.Fatalf("got %v, want 3", got.Values[0])
	}
	if _, err := h.Publish(flat(3)); err != nil {
		t.Fatal(err)
	}
	noMore(t, sink, 3*MinPollInterval)
}

func TestHundredSessionsSeeOneSignal(t *testing.T) {
	t.Parallel()
	const subs = 100
	h := NewHub()
	sinks := make([]*recSink, subs)
	for i := range sinks {
		sinks[i] = newRecSink()
		serve(t, h, sinks[i], SessionOptions{})
	}
	for _, s := range sinks {
		next(t, s)
	}
	waitFor(t, 2*time.Second, func() bool { return h.Notifier().Waiters() == subs })

	if _, err := h.Publish(flat(9)); err != nil {
		t.Fatal(err)
	}
	for i, s := range sinks {
		if got := next(t, s); got.Values[0] != 9 {
			t.Fatalf("session %d got %v", i, got.Values[0])
		}
	}
	if st := h.Stats(); st.Active != subs || st.Opened != subs {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStatsDeliveredStableWhileSessionsClose(t *testing.T) {
	t.Parallel()
	h := NewHub()
	const subs = 30
	cancels := make([]context.CancelFunc, subs)
	dones := make([]<-chan error, subs)
	for i := range cancels {
		sink := newRecSink()
		cancels[i], dones[i] = serve(t, h, sink, SessionOptions{})
		next(t, sink)
	}
	waitFor(t, time.Second, func() bool { return h.Stats().Delivered == subs })

	stop := make(chan struct{})
	var short atomic.Bool
	var low atomic.Uint64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if d := h.Stats().Delivered; d < subs {
				low.Store(d)
				short.Store(true)
			}
		}
	}()

	for i, cancel := range cancels {
		cancel()
		<-dones[i]
	}
	close(stop)
	wg.Wait()

	if short.Load() {
		t.Fatalf("Stats reported Delivered=%d while sessions closed, want %d", low.Load(), subs)
	}
	if st := h.Stats(); st.Active != 0 || st.Delivered != subs {
		t.Fatalf("final stats = %+v", st)
	}
}

func TestParseDiscipline(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Discipline{"": DisciplinePush, "PUSH": DisciplinePush, " poll ": DisciplinePoll} {
		got, err := ParseDiscipline(raw)
		if err != nil || got != want {
			t.Fatalf("ParseDiscipline(%q) = (%q, %v), want %q", raw, got, err, want)
		}
	}
	if _, err := ParseDiscipline("websocket"); err == nil {
		t.Fatal("expected error for unknown discipline")
	}
}
