package app

import (
	"strings"
	"time"

	"projcast/internal/broadcast"
	"projcast/internal/config"
	"projcast/internal/schedule"
	"projcast/internal/server"
	"projcast/internal/storage"
	"projcast/internal/transport/telegram"
	"projcast/pkg/logx"
)

// The map* helpers turn the file config into component configs. They only
// fail on values config.Validate would also reject.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	prefix := strings.TrimSpace(cfg.HTTP.Pprof.Prefix)
	if prefix == "" {
		prefix = config.DefaultPprof
	}
	return server.Config{
		Addr:         addr,
		ReadTimeout:  read,
		IdleTimeout:  idle,
		WriteTimeout: write,
		Pprof: server.PprofConfig{
			Enabled: cfg.HTTP.Pprof.Enabled,
			Prefix:  prefix,
			Token:   cfg.HTTP.Pprof.Token,
		},
	}, nil
}

func mapStreamDefaults(cfg *config.Config) (broadcast.SessionOptions, error) {
	d, err := broadcast.ParseDiscipline(cfg.Stream.Discipline)
	if err != nil {
		return broadcast.SessionOptions{}, err
	}
	keepAlive, err := config.ParseDurationOrDefault("stream.keep_alive", cfg.Stream.KeepAlive, broadcast.DefaultKeepAlive)
	if err != nil {
		return broadcast.SessionOptions{}, err
	}
	poll, err := config.ParseDurationOrDefault("stream.poll_interval", cfg.Stream.PollInterval, broadcast.DefaultPollInterval)
	if err != nil {
		return broadcast.SessionOptions{}, err
	}
	return broadcast.SessionOptions{Discipline: d, KeepAlive: keepAlive, PollInterval: poll}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapSchedules(cfg *config.Config) ([]schedule.Def, error) {
	out := make([]schedule.Def, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		timeout, err := config.ParseDurationField("schedules."+s.Name+".timeout", s.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule.Def{
			Name:          strings.TrimSpace(s.Name),
			Spec:          s.Spec,
			StartValue:    s.StartValue,
			GrowthPercent: s.GrowthRate,
			Timeout:       timeout,
		})
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		AllowedIDs:  cfg.Telegram.AllowedIDs,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, nil
}
