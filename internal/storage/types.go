package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Store is the persistence API used by the scheduler and the outcome recorder.
type Store interface {
	PutPending(ctx context.Context, id string, earliest time.Time) error
	DeletePending(ctx context.Context, id string) error
	LoadPending(ctx context.Context) (map[string]time.Time, error)
	AppendOutcome(ctx context.Context, o Outcome) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": journal + snapshot next to Path
//   - "sqlite": SQLite database file at Path
//   - "redis": hash and list under Redis.Prefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// MaxOutcomes caps the outcome list; 0 means 1000.
	MaxOutcomes int
}

// Outcome records one finished execution.
type Outcome struct {
	At       time.Time `json:"at"`
	ExecID   string    `json:"exec_id"`
	Task     string    `json:"task"`
	Status   string    `json:"status"`
	Start    time.Time `json:"start"`
	Duration int64     `json:"duration_ms"`
	Error    string    `json:"error,omitempty"`
}
