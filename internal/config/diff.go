package config

import (
	"reflect"
	"sort"
	"strings"

	"projcast/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and log fields
// describing the new values. Secrets (tokens) are reported only as *_set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	section := func(name string, differs bool, fields ...logx.Field) {
		if differs {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}

	o, n := oldCfg.HTTP, newCfg.HTTP
	section("http",
		o.Addr != n.Addr || o.ReadTimeout != n.ReadTimeout || o.IdleTimeout != n.IdleTimeout ||
			o.WriteTimeout != n.WriteTimeout || o.RatePerSec != n.RatePerSec || o.Burst != n.Burst ||
			o.Pprof.Enabled != n.Pprof.Enabled || o.Pprof.Prefix != n.Pprof.Prefix ||
			isSet(o.Pprof.Token) != isSet(n.Pprof.Token),
		logx.String("http.addr", n.Addr),
		logx.Float64("http.rate_per_sec", n.RatePerSec),
		logx.Bool("http.pprof", n.Pprof.Enabled),
		logx.Bool("http.pprof_token_set", isSet(n.Pprof.Token)),
	)
	section("stream", oldCfg.Stream != newCfg.Stream,
		logx.String("stream.discipline", newCfg.Stream.Discipline),
		logx.String("stream.keep_alive", newCfg.Stream.KeepAlive),
		logx.String("stream.poll_interval", newCfg.Stream.PollInterval),
	)
	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout ||
			ot.LogChatID != nt.LogChatID || ot.RatePerSec != nt.RatePerSec ||
			!reflect.DeepEqual(ot.AllowedIDs, nt.AllowedIDs),
		logx.Bool("telegram.enabled", nt.Enabled),
		logx.Bool("telegram.token_set", isSet(nt.Token)),
		logx.Int("telegram.allowed_count", len(nt.AllowedIDs)),
	)
	section("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.path_set", isSet(newCfg.Storage.Path)),
	)
	section("schedules",
		!reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) || oldCfg.Timezone != newCfg.Timezone,
		logx.Int("schedules.count", len(newCfg.Schedules)),
		logx.String("timezone", newCfg.Timezone),
	)
	section("systemd", oldCfg.Systemd != newCfg.Systemd,
		logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
	)

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose change only takes effect after a
// process restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	var out []string
	if oldCfg == nil || newCfg == nil {
		return out
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.RatePerSec != nt.RatePerSec {
		out = append(out, "telegram")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		out = append(out, "systemd")
	}
	return out
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
