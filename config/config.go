/*
Package config reads process settings from the environment.

PURPOSE:
  One place that knows the environment variable names, their defaults
  and how they parse. Commands call Load once at startup and pass the
  values on; nothing else in the module reads os.Getenv.

SOURCES (later wins):
  1. Defaults below
  2. .env file in the working directory (or the files passed to Load);
     variables already set in the environment are never overwritten
  3. Process environment
  4. CLI flags (applied by cmd/attendanced after Load)

VARIABLES:
  PORT               HTTP listen port (8080)
  DB_PATH            SQLite file, ":memory:" for throwaway runs (attendance.db)
  POLICY_PATH        YAML policy file; empty serves the built-in default
  FACILITIES_PATH    YAML facility list seeded into the store at startup
  REDIS_ADDRESS      host:port; when set approvals go through Redis
  LOG_LEVEL          debug|info|warn|error (info)
  LOG_DEVELOPMENT    true for console-encoded, colored logs
  ROLLOVER_INTERVAL  how often the day rollover runs (1m)
  CORS_ORIGINS       comma-separated allowed origins
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Port             int
	DBPath           string
	PolicyPath       string
	FacilitiesPath   string
	RedisAddress     string
	LogLevel         string
	LogDevelopment   bool
	RolloverInterval time.Duration
	CORSOrigins      []string
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Port:             8080,
		DBPath:           "attendance.db",
		LogLevel:         "info",
		RolloverInterval: time.Minute,
		CORSOrigins:      []string{"http://localhost:5173", "http://localhost:8080"},
	}
}

// Load applies the .env files (default ".env") and then the environment on
// top of Default. Missing .env files are ignored; malformed values are not.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := Default()
	var errs []error

	if v, ok := lookup("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("PORT: invalid port %q", v))
		} else {
			cfg.Port = port
		}
	}
	if v, ok := lookup("DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := lookup("POLICY_PATH"); ok {
		cfg.PolicyPath = v
	}
	if v, ok := lookup("FACILITIES_PATH"); ok {
		cfg.FacilitiesPath = v
	}
	if v, ok := lookup("REDIS_ADDRESS"); ok {
		cfg.RedisAddress = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		if _, err := zapcore.ParseLevel(v); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		} else {
			cfg.LogLevel = v
		}
	}
	if v, ok := lookup("LOG_DEVELOPMENT"); ok {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_DEVELOPMENT: invalid bool %q", v))
		} else {
			cfg.LogDevelopment = dev
		}
	}
	if v, ok := lookup("ROLLOVER_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("ROLLOVER_INTERVAL: invalid duration %q", v))
		} else {
			cfg.RolloverInterval = d
		}
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitList(v)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the listen address for Port.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// lookup treats empty variables as unset.
func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// LOGGING
// =============================================================================

// NewLogger builds a zap logger. Production config writes JSON; development
// config writes console lines with stack traces on warnings.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log level: %w", err)
		}
		lvl = parsed
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Logger is NewLogger for c's settings.
func (c *Config) Logger() (*zap.Logger, error) {
	return NewLogger(c.LogLevel, c.LogDevelopment)
}
