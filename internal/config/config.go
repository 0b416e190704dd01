// Package config loads server settings. Precedence, lowest to highest:
// built-in defaults, a .env file in the working directory, then process
// environment variables prefixed with SHOOTLIVE_.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

const EnvPrefix = "SHOOTLIVE_"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr         string        `koanf:"http_addr"`
	StoreDriver      string        `koanf:"store_driver"`
	DatabaseURL      string        `koanf:"database_url"`
	AutoMigrate      bool          `koanf:"auto_migrate"`
	SeedFile         string        `koanf:"seed_file"`
	AuthSecret       string        `koanf:"auth_secret"`
	LogLevel         string        `koanf:"log_level"`
	LogFormat        string        `koanf:"log_format"`
	SubscriberBuffer int           `koanf:"subscriber_buffer"`
	PersistTimeout   time.Duration `koanf:"persist_timeout"`
	RecomputeTimeout time.Duration `koanf:"recompute_timeout"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
	MaxScore         string        `koanf:"max_score"`
}

func Default() Config {
	return Config{
		HTTPAddr:         ":8080",
		StoreDriver:      StoreMemory,
		LogLevel:         "info",
		LogFormat:        "json",
		SubscriberBuffer: 32,
		PersistTimeout:   5 * time.Second,
		RecomputeTimeout: 5 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		MaxScore:         "10.9",
	}
}

// Load reads the configuration. envFile may be empty to skip the .env file;
// a missing file is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	// SHOOTLIVE_PERSIST_TIMEOUT -> persist_timeout
	envProvider := env.Provider(EnvPrefix, ".", func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_driver %q", c.StoreDriver))
	}
	if c.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("subscriber_buffer must be at least 1"))
	}
	if c.PersistTimeout <= 0 || c.RecomputeTimeout <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if max, err := decimal.NewFromString(c.MaxScore); err != nil || !max.IsPositive() {
		errs = append(errs, fmt.Errorf("max_score %q must be a positive decimal", c.MaxScore))
	}
	return errors.Join(errs...)
}

// MaxScoreDecimal returns MaxScore parsed; call after Validate.
func (c Config) MaxScoreDecimal() decimal.Decimal {
	return decimal.RequireFromString(c.MaxScore)
}
