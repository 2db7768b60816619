package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config selects a driver. Empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 keeps the default
}

// PublishRecord is one publish attempt.
type PublishRecord struct {
	At            time.Time `json:"at"`
	Source        string    `json:"source"`
	StartValue    float64   `json:"start_value"`
	GrowthPercent float64   `json:"growth_percent"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	Seq           uint64    `json:"seq,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

type Store interface {
	AppendPublish(ctx context.Context, r PublishRecord) error
	Close() error
}
