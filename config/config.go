package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-relato/lifecycle"
	"github.com/goliatone/go-relato/progress"
	"github.com/goliatone/go-relato/retry"
	"github.com/goliatone/go-relato/runner"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "RELATO_CONFIG"

// ErrCodeInvalid is the text code of every configuration error.
const ErrCodeInvalid = "CONFIG_INVALID"

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config is the full engine configuration.
type Config struct {
	Retry     RetryConfig     `yaml:"retry"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Progress  ProgressConfig  `yaml:"progress"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type RetryConfig struct {
	// MaxAttempts overrides per-category retry ceilings.
	MaxAttempts map[string]int `yaml:"max_attempts"`
	Backoff     BackoffConfig  `yaml:"backoff"`
	Sweep       SweepConfig    `yaml:"sweep"`
}

type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Max    time.Duration `yaml:"max"`
}

type SweepConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Expression string        `yaml:"expression"`
	Limit      int           `yaml:"limit"`
	Window     time.Duration `yaml:"window"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ExecutorConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type ProgressConfig struct {
	Steps []progress.StepDefinition `yaml:"steps"`

	// SnapshotTTL bounds how long cached snapshots live in redis. Zero keeps them.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// LifecycleConfig replaces the default allow-table when Rules is set.
type LifecycleConfig struct {
	Rules []lifecycle.Rule `yaml:"rules"`
}

type StorageConfig struct {
	Driver string       `yaml:"driver"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Mongo  MongoConfig  `yaml:"mongo"`
	Redis  RedisConfig  `yaml:"redis"`
}

type SQLiteConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
}

// RedisConfig enables the redis snapshot cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	MeterName string `yaml:"meter_name"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		Retry: RetryConfig{
			MaxAttempts: map[string]int{},
			Backoff: BackoffConfig{
				Base:   retry.DefaultBackoff.Base,
				Factor: retry.DefaultBackoff.Factor,
				Max:    retry.DefaultBackoff.Max,
			},
			Sweep: SweepConfig{
				Enabled:    true,
				Expression: "@every 1m",
				Limit:      500,
				Timeout:    5 * time.Minute,
			},
		},
		Executor: ExecutorConfig{Timeout: 30 * time.Second},
		Storage: StorageConfig{
			Driver: DriverMemory,
			SQLite: SQLiteConfig{DSN: "file:relato.db?_busy_timeout=5000", Table: "effect_results"},
			Mongo: MongoConfig{
				URI:            "mongodb://localhost:27017",
				Database:       "relato",
				ConnectTimeout: 10 * time.Second,
				QueryTimeout:   5 * time.Second,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{MeterName: "github.com/goliatone/go-relato"},
	}
}

// Parse decodes YAML (or JSON) over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, errors.CategoryBadInput, "failed to parse config").
			WithTextCode(ErrCodeInvalid)
	}
	return cfg, cfg.Validate()
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), errors.Wrap(err, errors.CategoryBadInput, "failed to read config").
			WithTextCode(ErrCodeInvalid).
			WithMetadata(map[string]any{"path": path})
	}
	return Parse(data)
}

// LoadFromEnv loads the file named by RELATO_CONFIG, or the defaults when
// the variable is unset.
func LoadFromEnv() (Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvPath))
	if path == "" {
		cfg := Defaults()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// Validate checks every section.
func (c Config) Validate() error {
	for raw, n := range c.Retry.MaxAttempts {
		if !retry.Category(raw).Valid() {
			return invalid("retry.max_attempts", fmt.Sprintf("unknown failure category %q", raw))
		}
		if n < 0 {
			return invalid("retry.max_attempts", fmt.Sprintf("%s must not be negative", raw))
		}
	}
	b := c.Retry.Backoff
	if b.Base < 0 || b.Max < 0 || b.Factor < 0 {
		return invalid("retry.backoff", "values must not be negative")
	}
	if b.Max > 0 && b.Base > b.Max {
		return invalid("retry.backoff", "base exceeds max")
	}
	if c.Retry.Sweep.Enabled && strings.TrimSpace(c.Retry.Sweep.Expression) == "" {
		return invalid("retry.sweep.expression", "required when sweeps are enabled")
	}
	if c.Retry.Sweep.Limit < 0 || c.Retry.Sweep.Window < 0 || c.Retry.Sweep.Timeout < 0 {
		return invalid("retry.sweep", "values must not be negative")
	}
	if c.Executor.Timeout < 0 {
		return invalid("executor.timeout", "must not be negative")
	}
	if len(c.Progress.Steps) > 0 {
		if err := progress.ValidateSteps(c.Progress.Steps); err != nil {
			return errors.Wrap(err, errors.CategoryValidation, "invalid progress.steps").
				WithTextCode(ErrCodeInvalid)
		}
	}
	if len(c.Lifecycle.Rules) > 0 {
		if _, err := lifecycle.NewTable(c.Lifecycle.Rules); err != nil {
			return errors.Wrap(err, errors.CategoryValidation, "invalid lifecycle.rules").
				WithTextCode(ErrCodeInvalid)
		}
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.SQLite.DSN) == "" {
			return invalid("storage.sqlite.dsn", "required for the sqlite driver")
		}
	case DriverMongo:
		if strings.TrimSpace(c.Storage.Mongo.URI) == "" || strings.TrimSpace(c.Storage.Mongo.Database) == "" {
			return invalid("storage.mongo", "uri and database are required for the mongo driver")
		}
	default:
		return invalid("storage.driver", fmt.Sprintf("unsupported driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return invalid("logging.format", fmt.Sprintf("unsupported format %q", c.Logging.Format))
	}
	return nil
}

// Backoff returns the sweep backoff strategy.
func (c Config) Backoff() runner.RetryStrategy {
	return runner.ExponentialBackoffStrategy{
		Base:   c.Retry.Backoff.Base,
		Factor: c.Retry.Backoff.Factor,
		Max:    c.Retry.Backoff.Max,
	}
}

// Policy builds the retry policy from the configured thresholds and backoff.
func (c Config) Policy() *retry.TablePolicy {
	overrides := make(map[retry.Category]int, len(c.Retry.MaxAttempts))
	for raw, n := range c.Retry.MaxAttempts {
		overrides[retry.ParseCategory(raw)] = n
	}
	return retry.NewTablePolicy(overrides, c.Backoff())
}

// Steps returns the configured progress steps or the defaults.
func (c Config) Steps() []progress.StepDefinition {
	if len(c.Progress.Steps) == 0 {
		return progress.DefaultSteps()
	}
	return append([]progress.StepDefinition(nil), c.Progress.Steps...)
}

// Table returns the configured allow-table or the default one.
func (c Config) Table() (*lifecycle.Table, error) {
	if len(c.Lifecycle.Rules) == 0 {
		return lifecycle.DefaultTable(), nil
	}
	return lifecycle.NewTable(c.Lifecycle.Rules)
}

func invalid(field, msg string) error {
	return errors.New(field+": "+msg, errors.CategoryValidation).
		WithTextCode(ErrCodeInvalid).
		WithMetadata(map[string]any{"field": field})
}
