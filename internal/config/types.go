package config

// Config is the whole projcast configuration file.
//
// Durations are Go duration strings ("250ms", "15s", "1m").
type Config struct {
	HTTP      HTTPConfig       `json:"http"`
	Stream    StreamConfig     `json:"stream"`
	Logging   LoggingConfig    `json:"logging"`
	Telegram  TelegramConfig   `json:"telegram"`
	Storage   StorageConfig    `json:"storage"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Timezone  string           `json:"timezone,omitempty"`
	Systemd   SystemdConfig    `json:"systemd"`
}

// HTTPConfig controls the web server.
//
// WriteTimeout bounds each SSE frame write, not the whole stream.
type HTTPConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// Publish rate limit shared by every ingress. 0 disables it.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig mounts net/http/pprof on the main listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token   string `json:"token,omitempty"`  // bearer token; never logged
}

// StreamConfig holds session defaults for every transport.
type StreamConfig struct {
	Discipline   string `json:"discipline,omitempty"` // push (default) | poll
	KeepAlive    string `json:"keep_alive,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warn+ records to telegram.log_chat_id.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Enabled     bool    `json:"enabled"`
	Token       string  `json:"token"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
	AllowedIDs  []int64 `json:"allowed_ids,omitempty"` // empty = everyone
	LogChatID   int64   `json:"log_chat_id,omitempty"`
	// Outgoing message budget for /watch chats, per bot.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the publish audit backend.
//
//	"storage": { "driver": "sqlite", "path": "./projcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "" | none | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// ScheduleConfig publishes a fixed projection on a schedule.
type ScheduleConfig struct {
	Name       string  `json:"name"`
	Spec       string  `json:"spec"`
	StartValue float64 `json:"start_value"`
	GrowthRate float64 `json:"growth_rate"` // percent
	Timeout    string  `json:"timeout,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
