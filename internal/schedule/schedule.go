// Package schedule publishes configured projections on cron or interval
// schedules through the ingress service.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"projcast/internal/ingress"
	"projcast/internal/projection"
	"projcast/pkg/logx"
)

const defaultTimeout = 10 * time.Second

// Submitter is the part of ingress.Service the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, req ingress.Request) (projection.Snapshot, error)
}

// Def is one scheduled publish.
type Def struct {
	Name          string
	Spec          string
	StartValue    float64
	GrowthPercent float64
	Timeout       time.Duration
}

// EntryInfo is the /stats view of a schedule.
type EntryInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev,omitzero"`
	Runs    uint64    `json:"runs"`
	LastErr string    `json:"last_err,omitempty"`
}

type entry struct {
	def    Def
	parsed ParsedSpec
	id     cron.EntryID

	mu      sync.Mutex
	runs    uint64
	lastErr string
}

type Service struct {
	submit Submitter
	log    logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	loc     *time.Location
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(submit Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{submit: submit, log: log, loc: time.Local, entries: map[string]*entry{}}
}

// Validate parses every def without touching the running set.
func Validate(defs []Def) error {
	var errs []error
	for _, d := range defs {
		if _, err := ParseSchedule(d.Spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Apply replaces the schedule set and timezone. Nothing changes when any def
// is invalid. Safe before or after Start.
func (s *Service) Apply(defs []Def, tz string) error {
	loc := time.Local
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
		loc = l
	}
	next := make(map[string]*entry, len(defs))
	for _, d := range defs {
		p, err := ParseSchedule(d.Spec)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", d.Name, err)
		}
		if d.Timeout <= 0 {
			d.Timeout = defaultTimeout
		}
		next[d.Name] = &entry{def: d, parsed: p}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = next
	s.loc = loc
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

// Start begins firing. Jobs run with a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.restartLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.log}),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	base := s.ctx
	for _, e := range s.entries {
		sched, err := e.parsed.schedule()
		if err != nil {
			s.log.Warn("schedule skipped", logx.String("name", e.def.Name), logx.Err(err))
			continue
		}
		e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(base, e) }))
	}
	s.c.Start()
}

// fire must not take s.mu: restartLocked waits for running jobs while
// holding it.
func (s *Service) fire(base context.Context, e *entry) {
	if base == nil || base.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, e.def.Timeout)
	defer cancel()

	_, err := s.submit.Submit(ctx, ingress.Request{
		Source:        "schedule:" + e.def.Name,
		StartValue:    e.def.StartValue,
		GrowthPercent: e.def.GrowthPercent,
	})
	e.mu.Lock()
	e.runs++
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()
}

// Stop halts firing and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Entries lists schedules by name.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := EntryInfo{Name: e.def.Name, Spec: e.parsed.String()}
		if s.c != nil && e.id != 0 {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		e.mu.Lock()
		info.Runs, info.LastErr = e.runs, e.lastErr
		e.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
