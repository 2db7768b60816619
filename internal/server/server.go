// Package server is projcast's HTTP surface: publish, current snapshot, the
// server-sent event stream, health, stats and optional pprof.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"projcast/internal/broadcast"
	"projcast/internal/ingress"
	"projcast/internal/projection"
	rtsup "projcast/internal/runtime/supervisor"
	"projcast/pkg/logx"
)

const DefaultAddr = ":8080"

type Config struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
	// WriteTimeout bounds each write on an event stream. The http.Server
	// itself has no write timeout so streams can stay open.
	WriteTimeout time.Duration
	Pprof        PprofConfig
}

type PprofConfig struct {
	Enabled bool
	Prefix  string
	Token   string
}

type Submitter interface {
	Submit(ctx context.Context, req ingress.Request) (projection.Snapshot, error)
}

type Deps struct {
	Hub     *broadcast.Hub
	Ingress Submitter
	// Stats adds top-level sections to GET /stats.
	Stats func() map[string]any
}

type Service struct {
	deps Deps
	log  logx.Logger

	handler atomic.Pointer[http.Handler]

	mu       sync.Mutex
	cfg      Config
	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	ready    chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{deps: deps, log: log, cfg: cfg}
	s.swapHandler(cfg)
	return s
}

func (s *Service) swapHandler(cfg Config) {
	h := s.buildHandler(cfg)
	s.handler.Store(&h)
}

// Handler is the live router; Reconfigure swaps it in place.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*s.handler.Load()).ServeHTTP(w, r)
	})
}

// Addr is the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Ready is closed once the listener is bound for the current run.
func (s *Service) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	return s.ready
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure applies cfg. Handler-level settings (pprof, stream write
// timeout) swap in place; listener settings restart the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	s.swapHandler(cfg)
	if running && needsRestart(prev, cfg) {
		s.log.Info("http listener settings changed; restarting", logx.String("addr", cfg.Addr))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return strings.TrimSpace(a.Addr) != strings.TrimSpace(b.Addr) ||
		a.ReadTimeout != b.ReadTimeout || a.IdleTimeout != b.IdleTimeout
}

// Start serves under a restart loop until Stop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the listener down and ends every open event stream.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone, s.ready = nil, nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	defer ln.Close()

	// Request contexts derive from streams so shutdown ends open event
	// streams instead of waiting on them.
	streams, endStreams := context.WithCancel(ctx)
	defer endStreams()
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return streams },
	}
	srv.RegisterOnShutdown(endStreams)

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	close(s.ready)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof.Enabled))
	err = srv.Serve(ln)

	s.mu.Lock()
	stopping := s.stopDone != nil
	if s.srv == srv {
		s.srv, s.ln = nil, nil
		s.ready = nil
	}
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
