// Package config loads the service configuration from an optional YAML file
// with environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"catenary/internal/logging"
	"catenary/internal/opt"
)

type Server struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	RateRPS           float64       `yaml:"rateRPS"` // 0 disables rate limiting
	RateBurst         int           `yaml:"rateBurst"`
	AllowedOrigin     string        `yaml:"allowedOrigin"`
	AuthMode          string        `yaml:"authMode"` // dev or hmac
	AuthSecret        string        `yaml:"authSecret"`
}

type Store struct {
	DatabaseURL   string `yaml:"databaseURL"` // empty selects the in-memory store
	Migrate       bool   `yaml:"migrate"`
	MigrationsDir string `yaml:"migrationsDir"`
}

type Broker struct {
	RedisURL string `yaml:"redisURL"` // empty selects the in-process broker
}

type Jobs struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queueSize"`
}

type Webhooks struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout or none
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// Config is the full service configuration.
type Config struct {
	Server    Server         `yaml:"server"`
	Store     Store          `yaml:"store"`
	Broker    Broker         `yaml:"broker"`
	Jobs      Jobs           `yaml:"jobs"`
	Webhooks  Webhooks       `yaml:"webhooks"`
	Tracing   Tracing        `yaml:"tracing"`
	Log       logging.Config `yaml:"log"`
	Optimizer *opt.Overrides `yaml:"optimizer"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			RateRPS:           20,
			RateBurst:         40,
			AllowedOrigin:     "*",
			AuthMode:          "dev",
		},
		Store:    Store{MigrationsDir: "db/migrations"},
		Jobs:     Jobs{Workers: 2, QueueSize: 64},
		Webhooks: Webhooks{MaxAttempts: 10, PollInterval: time.Second},
		Tracing:  Tracing{Exporter: "stdout", ServiceName: "catenary", SampleRatio: 1},
		Log:      logging.Config{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) over Default, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v, ok := lookup("RATE_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_RPS: %w", err))
		} else {
			cfg.Server.RateRPS = f
		}
	}
	integer("RATE_BURST", &cfg.Server.RateBurst)
	str("ALLOW_ORIGINS", &cfg.Server.AllowedOrigin)
	str("AUTH_MODE", &cfg.Server.AuthMode)
	str("AUTH_HMAC_SECRET", &cfg.Server.AuthSecret)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	boolean("DB_MIGRATE", &cfg.Store.Migrate)
	str("REDIS_URL", &cfg.Broker.RedisURL)
	integer("JOB_WORKERS", &cfg.Jobs.Workers)
	integer("WEBHOOK_MAX_ATTEMPTS", &cfg.Webhooks.MaxAttempts)
	boolean("TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	return errors.Join(errs...)
}

// OptimizerDefaults is opt.DefaultConfig with the file's optimizer section
// applied.
func (c Config) OptimizerDefaults() opt.Config {
	return c.Optimizer.Apply(opt.DefaultConfig())
}

func (c Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("config: server.addr is required")
	case c.Server.RateRPS < 0 || c.Server.RateBurst < 0:
		return errors.New("config: rate limits must be >= 0")
	case c.Server.AuthMode != "dev" && c.Server.AuthMode != "hmac":
		return fmt.Errorf("config: unknown auth mode %q", c.Server.AuthMode)
	case c.Server.AuthMode == "hmac" && c.Server.AuthSecret == "":
		return errors.New("config: hmac auth needs a secret")
	case c.Jobs.Workers <= 0:
		return errors.New("config: jobs.workers must be > 0")
	case c.Jobs.QueueSize <= 0:
		return errors.New("config: jobs.queueSize must be > 0")
	case c.Webhooks.MaxAttempts <= 0:
		return errors.New("config: webhooks.maxAttempts must be > 0")
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return errors.New("config: tracing.sampleRatio must be in [0,1]")
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "stdout", "none":
	default:
		return fmt.Errorf("config: unsupported tracing exporter %q", c.Tracing.Exporter)
	}
	if err := c.OptimizerDefaults().Validate(); err != nil {
		return fmt.Errorf("config: optimizer: %w", err)
	}
	return nil
}
