package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"projcast/internal/ingress"
	"projcast/internal/projection"
	"projcast/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
	}{
		{in: "*/5 * * * *", kind: SpecCron},
		{in: "@hourly", kind: SpecCron},
		{in: "0 30 2 * * *", kind: SpecCron},
		{in: "10m", kind: SpecInterval, every: 10 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute},
		{in: "every: 00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "cron: @daily", kind: SpecCron},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
		}
	}
	for _, bad := range []string{"", "soon", "00:00", "-5m", "61 * * * *", "01:75"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", bad)
		}
	}
}

type recSubmitter struct {
	mu   sync.Mutex
	reqs []ingress.Request
	hit  chan struct{}
}

func (r *recSubmitter) Submit(_ context.Context, req ingress.Request) (projection.Snapshot, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	select {
	case r.hit <- struct{}{}:
	default:
	}
	return projection.Snapshot{}, nil
}

func TestServiceFiresIntervalSchedule(t *testing.T) {
	t.Parallel()
	sub := &recSubmitter{hit: make(chan struct{}, 1)}
	svc := New(sub, logx.Nop())
	if err := svc.Apply([]Def{{Name: "tick", Spec: "1s", StartValue: 500, GrowthPercent: 2}}, "UTC"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	select {
	case <-sub.hit:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule never fired")
	}
	sub.mu.Lock()
	req := sub.reqs[0]
	sub.mu.Unlock()
	if req.Source != "schedule:tick" || req.StartValue != 500 || req.GrowthPercent != 2 {
		t.Fatalf("request = %+v", req)
	}

	entries := svc.Entries()
	if len(entries) != 1 || entries[0].Spec != "@every 1s" || entries[0].Next.IsZero() {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	t.Parallel()
	svc := New(&recSubmitter{hit: make(chan struct{}, 1)}, logx.Nop())
	if err := svc.Apply([]Def{{Name: "a", Spec: "@hourly"}}, ""); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := svc.Apply([]Def{{Name: "b", Spec: "@hourly"}, {Name: "c", Spec: "bogus"}}, ""); err == nil {
		t.Fatal("expected error")
	}
	if e := svc.Entries(); len(e) != 1 || e[0].Name != "a" {
		t.Fatalf("entries changed: %+v", e)
	}
	if err := Validate([]Def{{Name: "x", Spec: "nope"}}); err == nil {
		t.Fatal("Validate accepted bad spec")
	}
}
