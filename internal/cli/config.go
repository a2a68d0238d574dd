package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/jacentio/autoinc/sequence"
)

// Config is the CLI configuration file.
type Config struct {
	AWS     AWSConfig     `yaml:"aws"`
	Logger  LoggerConfig  `yaml:"logger"`
	Counter CounterConfig `yaml:"counter"`
	Retry   RetryConfig   `yaml:"retry"`
}

type AWSConfig struct {
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type CounterConfig struct {
	Table        string `yaml:"table"`
	KeyAttribute string `yaml:"keyAttribute"`
}

// RetryConfig durations use time.ParseDuration syntax, e.g. "250ms".
type RetryConfig struct {
	MaxAttempts    int    `yaml:"maxAttempts"`
	AttemptTimeout string `yaml:"attemptTimeout"`
	InitialBackoff string `yaml:"initialBackoff"`
	MaxBackoff     string `yaml:"maxBackoff"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Logger: LoggerConfig{Level: "info"},
		Counter: CounterConfig{
			Table:        "autoincrement",
			KeyAttribute: "tableName",
		},
		Retry: RetryConfig{
			MaxAttempts:    10,
			InitialBackoff: "10ms",
			MaxBackoff:     "250ms",
		},
	}
}

// initConfig loads the YAML config at path. A missing file yields DefaultConfig.
func initConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// loadEnv reads .env files into the process environment. Missing files are
// ignored; variables already set win.
func loadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv overrides config values from AUTOINC_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("AUTOINC_REGION"); v != "" {
		c.AWS.Region = v
	}
	if v := os.Getenv("AUTOINC_PROFILE"); v != "" {
		c.AWS.Profile = v
	}
	if v := os.Getenv("AUTOINC_ENDPOINT"); v != "" {
		c.AWS.Endpoint = v
	}
	if v := os.Getenv("AUTOINC_COUNTER_TABLE"); v != "" {
		c.Counter.Table = v
	}
}

// initLogger builds the CLI logger (JSON or text) writing to w.
func initLogger(cfg LoggerConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// storeConfig converts the file configuration into a sequence.Config.
func (c Config) storeConfig(logger *slog.Logger) (sequence.Config, error) {
	sc := sequence.DefaultConfig()
	sc.CounterTable = c.Counter.Table
	sc.CounterKeyAttribute = c.Counter.KeyAttribute
	sc.MaxAttempts = c.Retry.MaxAttempts
	sc.Logger = logger

	var err error
	if sc.AttemptTimeout, err = parseDuration("retry.attemptTimeout", c.Retry.AttemptTimeout); err != nil {
		return sc, err
	}
	initial, err := parseDuration("retry.initialBackoff", c.Retry.InitialBackoff)
	if err != nil {
		return sc, err
	}
	maxInterval, err := parseDuration("retry.maxBackoff", c.Retry.MaxBackoff)
	if err != nil {
		return sc, err
	}
	if initial > 0 {
		if maxInterval < initial {
			maxInterval = initial
		}
		sc.Backoff = sequence.ExponentialBackoff(initial, maxInterval)
	} else {
		sc.Backoff = sequence.ConstantBackoff(0)
	}
	return sc, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
