package sequence

import (
	"log/slog"
	"time"
)

// Config holds configuration for the Store.
type Config struct {
	// CounterTable is the name of the table holding one counter item per sequence.
	// Default: "autoincrement"
	CounterTable string

	// CounterKeyAttribute is the string hash key of the counter table.
	// Default: "tableName"
	CounterKeyAttribute string

	// StartValue is the first value issued for a sequence with no counter item.
	// Default: 0
	StartValue int64

	// Step is added to the counter on every allocation. It must be positive.
	// Default: 1
	Step int64

	// MaxAttempts bounds the number of read-write cycles per call.
	// Default: 10
	MaxAttempts int

	// AttemptTimeout bounds each individual DynamoDB request. A request that
	// times out fails the call; it is not retried.
	// Default: 0 (only the caller's context applies)
	AttemptTimeout time.Duration

	// Backoff creates the delay schedule used between attempts.
	// Default: DefaultBackoff
	Backoff BackoffPolicy

	// Logger receives retry and exhaustion events.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns a configuration using an "autoincrement" counter table
// keyed by "tableName".
func DefaultConfig() Config {
	return Config{
		CounterTable:        "autoincrement",
		CounterKeyAttribute: "tableName",
		Step:                1,
		MaxAttempts:         10,
		Backoff:             DefaultBackoff,
	}
}

// validate fills unset fields with defaults. A negative Step is kept so that
// calls fail with ErrInvalidConfig instead of silently counting upwards.
func (c *Config) validate() {
	if c.CounterTable == "" {
		c.CounterTable = "autoincrement"
	}
	if c.CounterKeyAttribute == "" {
		c.CounterKeyAttribute = "tableName"
	}
	if c.Step == 0 {
		c.Step = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 10
	}
	if c.AttemptTimeout < 0 {
		c.AttemptTimeout = 0
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
