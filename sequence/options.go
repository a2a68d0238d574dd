package sequence

import (
	"fmt"
	"math"
	"time"
)

// Option overrides a Config default for a single call.
type Option func(*settings)

// settings is the resolved configuration of one call.
type settings struct {
	table          string
	keyAttr        string
	start          int64
	step           int64
	maxAttempts    int
	attemptTimeout time.Duration
	backoff        BackoffPolicy
}

// WithStartValue sets the first value issued when the counter doesn't exist yet.
func WithStartValue(v int64) Option {
	return func(s *settings) { s.start = v }
}

// WithStep sets the increment. Non-positive values fail with ErrInvalidConfig.
func WithStep(step int64) Option {
	return func(s *settings) { s.step = step }
}

// WithMaxAttempts sets the number of read-write cycles before giving up.
func WithMaxAttempts(n int) Option {
	return func(s *settings) { s.maxAttempts = n }
}

// WithBackoff sets the delay schedule between attempts.
func WithBackoff(p BackoffPolicy) Option {
	return func(s *settings) { s.backoff = p }
}

// WithAttemptTimeout bounds each DynamoDB request made by the call.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *settings) { s.attemptTimeout = d }
}

// WithTable sets the table the new item is written to.
// By default the sequence key is used as the table name.
func WithTable(name string) Option {
	return func(s *settings) { s.table = name }
}

// WithKeyAttribute names the item's hash key, which the insert is conditioned
// on. By default the assigned attribute is assumed to be the hash key. That
// default only guards tables keyed by the assigned attribute: on a table with
// another hash key, an existing item under the same key is overwritten unless
// it already holds the assigned attribute. Set this for any such table.
func WithKeyAttribute(name string) Option {
	return func(s *settings) { s.keyAttr = name }
}

func (c *Config) settings(sequenceKey, attributeName string, opts []Option) settings {
	s := settings{
		table:          sequenceKey,
		keyAttr:        attributeName,
		start:          c.StartValue,
		step:           c.Step,
		maxAttempts:    c.MaxAttempts,
		attemptTimeout: c.AttemptTimeout,
		backoff:        c.Backoff,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// check rejects settings that could break monotonicity. It runs before any
// request is made.
func (s *settings) check() error {
	if s.step <= 0 {
		return fmt.Errorf("%w: step must be positive, got %d", ErrInvalidConfig, s.step)
	}
	if s.maxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidConfig, s.maxAttempts)
	}
	if s.backoff == nil {
		return fmt.Errorf("%w: nil backoff policy", ErrInvalidConfig)
	}
	if s.table == "" || s.keyAttr == "" {
		return fmt.Errorf("%w: table and key attribute are required", ErrInvalidConfig)
	}
	if s.start < math.MinInt64+s.step {
		return fmt.Errorf("%w: start value %d is below the representable range for step %d", ErrOverflow, s.start, s.step)
	}
	return nil
}
