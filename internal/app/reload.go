package app

import (
	"context"
	"strings"

	"projcast/internal/config"
	"projcast/pkg/logx"
)

// reloadLoop applies committed configs until ctx ends. Bursts coalesce to the
// newest config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			next = c
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		if next == nil {
			continue
		}
		a.applyConfig(ctx, lastApplied, next)
		lastApplied = next
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range config.RestartRequired(prev, next) {
		a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
	}

	// the chat sink needs the bot
	logCfg := mapLogConfig(next)
	if a.tg == nil {
		logCfg.Chat.Enabled = false
	}
	a.logs.Apply(logCfg)

	if defaults, err := mapStreamDefaults(next); err != nil {
		a.log.Warn("invalid stream config; keeping previous", logx.Err(err))
	} else {
		a.hub.SetDefaults(defaults)
	}

	a.ingress.SetRateLimit(next.HTTP.RatePerSec, next.HTTP.Burst)

	if scfg, err := mapServerConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(ctx, scfg)
	}

	if defs, err := mapSchedules(next); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(defs, next.Timezone); err != nil {
		a.log.Warn("schedules rejected; keeping previous", logx.Err(err))
	}

	if a.tg != nil {
		a.tg.Commands().SetAllowed(next.Telegram.AllowedIDs)
	}

	a.log.Info("config reloaded", fields...)
}
