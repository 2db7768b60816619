package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	DefaultHTTPAddr = ":8080"
	DefaultPprof    = "/debug/pprof/"
)

// Validate checks everything that can be checked without building
// components. Problems are joined so one reload reports all of them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"http.read_timeout":     cfg.HTTP.ReadTimeout,
		"http.idle_timeout":     cfg.HTTP.IdleTimeout,
		"http.write_timeout":    cfg.HTTP.WriteTimeout,
		"stream.keep_alive":     cfg.Stream.KeepAlive,
		"stream.poll_interval":  cfg.Stream.PollInterval,
		"telegram.poll_timeout": cfg.Telegram.PollTimeout,
		"storage.busy_timeout":  cfg.Storage.BusyTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Stream.Discipline)) {
	case "", "push", "poll":
	default:
		add(fmt.Errorf("stream.discipline: unknown value %q (want push or poll)", cfg.Stream.Discipline))
	}

	if cfg.HTTP.RatePerSec < 0 || cfg.HTTP.Burst < 0 {
		add(errors.New("http.rate_per_sec and http.burst must be >= 0"))
	}
	if p := strings.TrimSpace(cfg.HTTP.Pprof.Prefix); p != "" && !strings.HasPrefix(p, "/") {
		add(fmt.Errorf("http.pprof.prefix: must start with '/' (got %q)", p))
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token: required when telegram.enabled"))
	}
	if cfg.Logging.Chat.Enabled && cfg.Telegram.LogChatID == 0 {
		add(errors.New("logging.chat: requires telegram.log_chat_id"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for file and sqlite drivers"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("timezone: %w", err))
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Schedules {
		p := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name: required", p))
		case seen[name]:
			add(fmt.Errorf("%s.name: duplicate %q", p, name))
		}
		seen[name] = true
		if strings.TrimSpace(s.Spec) == "" {
			add(fmt.Errorf("%s.spec: required", p))
		}
		if !finite(s.StartValue) || !finite(s.GrowthRate) {
			add(fmt.Errorf("%s: start_value and growth_rate must be finite", p))
		}
		_, err := ParseDurationField(p+".timeout", s.Timeout)
		add(err)
	}

	return errors.Join(errs...)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
