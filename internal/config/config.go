// Package config loads service configuration from environment variables,
// an optional .env file, and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the binaries need to start.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// DSN selects the storage backend: postgres://... uses pgx, anything
	// else is treated as a SQLite file path.
	DSN string `yaml:"dsn"`

	MigrationsDir string `yaml:"migrations_dir"`

	// JWTSecret enables bearer-token verification when non-empty.
	JWTSecret string `yaml:"jwt_secret"`

	RateLimitPerSecond int `yaml:"rate_limit_per_second"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads configuration. A .env file in the working directory is applied
// first (missing file is fine), then the YAML file named by EB_CONFIG_FILE
// (if any), then individual environment variables override.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:         ":8080",
		DSN:                "envelopebudget.db",
		MigrationsDir:      "migrations",
		RateLimitPerSecond: 50,
		RateLimitBurst:     100,
		ShutdownTimeout:    10 * time.Second,
	}

	if path := os.Getenv("EB_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if v := os.Getenv("EB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("EB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("EB_MIGRATIONS_DIR"); v != "" {
		cfg.MigrationsDir = v
	}
	if v := os.Getenv("EB_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	var err error
	if cfg.RateLimitPerSecond, err = intEnv("EB_RATE_LIMIT_PER_SECOND", cfg.RateLimitPerSecond); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = intEnv("EB_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return nil, err
	}
	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
