package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"projcast/internal/config"
	"projcast/pkg/logx"
)

// startSystemd reports readiness and, when the unit has WatchdogSec set,
// pings the watchdog at half the interval. Outside systemd SdNotify is a
// no-op.
func (a *App) startSystemd(cfg *config.Config) {
	if cfg == nil || !cfg.Systemd.Notify {
		return
	}
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd ready notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	if !cfg.Systemd.Watchdog {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("systemd watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
}

func (a *App) notifyStopping() {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Systemd.Notify {
		return
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("systemd stopping notify failed", logx.Err(err))
	}
}
