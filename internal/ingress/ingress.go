// Package ingress turns "start value + growth percent" requests from any
// transport into published projections.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"projcast/internal/broadcast"
	"projcast/internal/eventbus"
	"projcast/internal/projection"
	"projcast/internal/storage"
	"projcast/pkg/logx"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrRateLimited  = errors.New("rate limited")
)

const auditTimeout = 2 * time.Second

// Request is one publish attempt. GrowthPercent is a percentage (10 means
// +10% per month).
type Request struct {
	Source        string
	StartValue    float64
	GrowthPercent float64
}

type Service struct {
	hub   *broadcast.Hub
	audit storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	limMu sync.RWMutex
	lim   *rate.Limiter // nil = unlimited
}

type Option func(*Service)

func WithAudit(st storage.Store) Option { return func(s *Service) { s.audit = st } }
func WithBus(b eventbus.Bus) Option     { return func(s *Service) { s.bus = b } }
func WithLogger(l logx.Logger) Option   { return func(s *Service) { s.log = l } }

// WithRateLimit limits Submit across all sources.
func WithRateLimit(perSec float64, burst int) Option {
	return func(s *Service) { s.lim = newLimiter(perSec, burst) }
}

func New(hub *broadcast.Hub, opts ...Option) *Service {
	s := &Service{hub: hub, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), max(1, burst))
}

// SetRateLimit swaps the limiter on config reload. perSec <= 0 disables it.
func (s *Service) SetRateLimit(perSec float64, burst int) {
	lim := newLimiter(perSec, burst)
	s.limMu.Lock()
	s.lim = lim
	s.limMu.Unlock()
}

func (s *Service) allow() bool {
	s.limMu.RLock()
	lim := s.lim
	s.limMu.RUnlock()
	return lim == nil || lim.Allow()
}

// Submit computes and publishes the projection for req.
func (s *Service) Submit(ctx context.Context, req Request) (projection.Snapshot, error) {
	started := time.Now()
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		req.Source = "unknown"
	}

	snap, err := s.submit(req)
	s.record(ctx, req, snap, err, time.Since(started))
	return snap, err
}

func (s *Service) submit(req Request) (projection.Snapshot, error) {
	if !s.allow() {
		return projection.Snapshot{}, ErrRateLimited
	}
	if !finite(req.StartValue) || !finite(req.GrowthPercent) {
		return projection.Snapshot{}, fmt.Errorf("%w: start value and growth rate must be finite numbers", ErrInvalidInput)
	}
	p := projection.Compute(req.StartValue, req.GrowthPercent/100)
	return s.hub.Publish(p)
}

func (s *Service) record(ctx context.Context, req Request, snap projection.Snapshot, err error, took time.Duration) {
	log := s.log.With(logx.String("source", req.Source))
	if err != nil {
		log.Warn("publish rejected",
			logx.Float64("start_value", req.StartValue),
			logx.Float64("growth_percent", req.GrowthPercent),
			logx.Err(err),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeRejected, Data: eventbus.Rejected{Source: req.Source, Reason: err.Error()}})
		}
	} else {
		log.Info("projection published", logx.Uint64("seq", snap.Seq), logx.Duration("took", took))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypePublished, Data: eventbus.Published{
				Source:        req.Source,
				Seq:           snap.Seq,
				StartValue:    req.StartValue,
				GrowthPercent: req.GrowthPercent,
			}})
		}
	}

	if s.audit == nil {
		return
	}
	rec := storage.PublishRecord{
		At:            time.Now(),
		Source:        req.Source,
		StartValue:    req.StartValue,
		GrowthPercent: req.GrowthPercent,
		OK:            err == nil,
		Seq:           snap.Seq,
		TookMS:        took.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if aerr := s.audit.AppendPublish(actx, sanitize(rec)); aerr != nil {
		log.Warn("publish audit failed", logx.Err(aerr))
	}
}

// sanitize keeps non-finite inputs out of the audit (JSON cannot encode
// them).
func sanitize(r storage.PublishRecord) storage.PublishRecord {
	if !finite(r.StartValue) {
		r.StartValue = 0
	}
	if !finite(r.GrowthPercent) {
		r.GrowthPercent = 0
	}
	return r
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
