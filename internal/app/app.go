// Package app wires projcast together: config, logging, the broadcast hub,
// ingress, HTTP server, scheduler and the optional Telegram bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"projcast/internal/broadcast"
	"projcast/internal/config"
	"projcast/internal/eventbus"
	"projcast/internal/ingress"
	"projcast/internal/runtime/supervisor"
	"projcast/internal/schedule"
	"projcast/internal/server"
	"projcast/internal/storage"
	"projcast/internal/transport/telegram"
	"projcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	hub     *broadcast.Hub
	ingress *ingress.Service
	server  *server.Service
	sched   *schedule.Service
	tg      *telegram.Adapter // nil when disabled

	startedAt time.Time
}

// New loads cfgPath and builds every component without starting anything.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	// The chat sink starts disabled: the sender does not exist until the bot
	// is built below.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))

	defaults, err := mapStreamDefaults(cfg)
	if err != nil {
		return nil, closeOnErr(nil, logSvc, err)
	}
	bus := eventbus.New()
	hub := broadcast.NewHub(
		broadcast.WithDefaults(defaults),
		broadcast.WithSessionHook(sessionOpened(bus), sessionClosed(bus)),
	)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, closeOnErr(nil, logSvc, err)
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, closeOnErr(nil, logSvc, fmt.Errorf("storage: %w", err))
	}
	if store != nil {
		log.Info("publish audit enabled", logx.String("driver", sc.Driver))
	}

	in := ingress.New(hub,
		ingress.WithAudit(store),
		ingress.WithBus(bus),
		ingress.WithLogger(root.With(logx.String("comp", "ingress"))),
		ingress.WithRateLimit(cfg.HTTP.RatePerSec, cfg.HTTP.Burst),
	)

	sched := schedule.New(in, root.With(logx.String("comp", "schedule")))
	defs, err := mapSchedules(cfg)
	if err != nil {
		return nil, closeOnErr(store, logSvc, err)
	}
	if err := sched.Apply(defs, cfg.Timezone); err != nil {
		return nil, closeOnErr(store, logSvc, err)
	}

	var tg *telegram.Adapter
	if cfg.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, closeOnErr(store, logSvc, err)
		}
		tg, err = telegram.New(tc, hub, in, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, closeOnErr(store, logSvc, fmt.Errorf("telegram: %w", err))
		}
		logSvc.SetSender(tg)
	}
	if tg != nil {
		logSvc.Apply(logCfg)
	} else if logCfg.Chat.Enabled {
		log.Warn("logging.chat enabled but telegram is disabled; chat sink stays off")
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		hub:     hub,
		ingress: in,
		sched:   sched,
		tg:      tg,
	}

	scfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, logSvc, err)
	}
	a.server = server.New(scfg, server.Deps{
		Hub:     hub,
		Ingress: in,
		Stats:   a.stats,
	}, root.With(logx.String("comp", "http")))
	return a, nil
}

// closeOnErr releases what build opened before failing with err.
func closeOnErr(store storage.Store, logs *logx.Service, err error) error {
	errs := []error{err}
	if store != nil {
		errs = append(errs, store.Close())
	}
	if logs != nil {
		errs = append(errs, logs.Close())
	}
	return errors.Join(errs...)
}

func sessionOpened(bus eventbus.Bus) func(broadcast.SessionInfo) {
	return func(info broadcast.SessionInfo) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeSessionOpened, Time: time.Now(), Data: eventbus.SessionChange{
			ID:         info.ID,
			Label:      info.Label,
			Discipline: string(info.Discipline),
		}})
	}
}

func sessionClosed(bus eventbus.Bus) func(broadcast.SessionInfo, error) {
	return func(info broadcast.SessionInfo, err error) {
		ch := eventbus.SessionChange{
			ID:         info.ID,
			Label:      info.Label,
			Discipline: string(info.Discipline),
			Delivered:  info.Delivered,
		}
		if err != nil {
			ch.Err = err.Error()
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeSessionClosed, Time: time.Now(), Data: ch})
	}
}

func (a *App) Hub() *broadcast.Hub     { return a.hub }
func (a *App) Server() *server.Service { return a.server }
func (a *App) Bus() eventbus.Bus       { return a.bus }
func (a *App) Logger() logx.Logger     { return a.log }
func (a *App) Config() *config.Manager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) stats() map[string]any {
	out := map[string]any{
		"uptime_sec": int64(time.Since(a.startedAt).Seconds()),
		"sessions":   a.hub.Sessions(),
		"schedules":  a.sched.Entries(),
		"eventbus":   map[string]any{"dropped": a.bus.Dropped()},
		"logging":    map[string]any{"chat_dropped": a.logs.Dropped()},
	}
	if a.sup != nil {
		out["tasks"] = a.sup.Tasks()
	}
	if a.tg != nil {
		out["telegram"] = map[string]any{"watching": a.tg.Commands().Watching()}
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional reload: a config that cannot be mapped never commits
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapServerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStreamDefaults(cfg); err != nil {
			return err
		}
		defs, err := mapSchedules(cfg)
		if err != nil {
			return err
		}
		return schedule.Validate(defs)
	})

	a.server.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd(a.cfgm.Get())
	a.log.Info("app started")
	return nil
}

// logEvent keeps bus traffic at debug; rejected publishes are already
// warned about by ingress.
func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
	switch d := e.Data.(type) {
	case eventbus.Published:
		fields = append(fields, logx.String("source", d.Source), logx.Uint64("seq", d.Seq))
	case eventbus.Rejected:
		fields = append(fields, logx.String("source", d.Source), logx.String("reason", d.Reason))
	case eventbus.SessionChange:
		fields = append(fields, logx.Uint64("session", d.ID), logx.String("label", d.Label), logx.Uint64("delivered", d.Delivered))
		if d.Err != "" {
			fields = append(fields, logx.String("err", d.Err))
		}
	}
	a.log.Debug("event", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// built but never started
		return closeOnErr(a.store, a.logs, nil)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "telegram", 3*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	a.step(ctx, "schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 5*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max (never past ctx's deadline).
// A step that overruns is left running and reported when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline passed)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
