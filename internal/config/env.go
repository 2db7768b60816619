package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are applied on top of the file. Unset variables leave the
// file value alone.
type envOverrides struct {
	HTTPAddr      string `env:"PROJCAST_HTTP_ADDR"`
	LogLevel      string `env:"PROJCAST_LOG_LEVEL"`
	TelegramToken string `env:"PROJCAST_TELEGRAM_TOKEN"`
	StorageDriver string `env:"PROJCAST_STORAGE_DRIVER"`
	StoragePath   string `env:"PROJCAST_STORAGE_PATH"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	return nil
}
