// Package config loads server configuration from defaults, an optional YAML
// file and the environment, in that order of precedence (environment wins).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
)

// FileEnv names the variable pointing at an optional YAML config file.
const FileEnv = "LOOPGRID_CONFIG"

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds server configuration.
type Config struct {
	Addr      string          `yaml:"addr" env:"LOOPGRID_ADDR"`
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
	Database  DatabaseConfig  `yaml:"database"`
	Replay    ReplayConfig    `yaml:"replay"`
	Providers ProviderKeys    `yaml:"providers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Export    ExportConfig    `yaml:"export"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"LOOPGRID_DB_DRIVER"`
	URL    string `yaml:"url" env:"LOOPGRID_DATABASE_URL"`
}

type ReplayConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"LOOPGRID_REPLAY_TIMEOUT"`
	// PerMinute caps replay creation per client; zero disables the cap.
	PerMinute int `yaml:"per_minute" env:"LOOPGRID_REPLAY_RPM"`
}

// ProviderKeys enables live replay for each provider with a key.
type ProviderKeys struct {
	OpenAI    string `yaml:"openai" env:"OPENAI_API_KEY"`
	Anthropic string `yaml:"anthropic" env:"ANTHROPIC_API_KEY"`
	Gemini    string `yaml:"gemini" env:"GEMINI_API_KEY"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" env:"LOOPGRID_RATE_LIMIT_RPS"`
	Burst int     `yaml:"burst" env:"LOOPGRID_RATE_LIMIT_BURST"`
	// RedisAddr shares the replay cap across instances when set.
	RedisAddr string `yaml:"redis_addr" env:"LOOPGRID_REDIS_ADDR"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project" env:"LOOPGRID_PUBSUB_PROJECT"`
	PubSubTopic   string `yaml:"pubsub_topic" env:"LOOPGRID_PUBSUB_TOPIC"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"OTEL_ENABLED"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Environment  string `yaml:"environment" env:"LOOPGRID_ENV"`
}

type ExportConfig struct {
	Bucket   string `yaml:"bucket" env:"LOOPGRID_EXPORT_BUCKET"`
	Region   string `yaml:"region" env:"LOOPGRID_EXPORT_REGION"`
	Endpoint string `yaml:"endpoint" env:"LOOPGRID_EXPORT_ENDPOINT"`
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Addr:     ":8000",
		LogLevel: "INFO",
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			URL:    "file:loopgrid.db",
		},
		Replay: ReplayConfig{
			Timeout:   30 * time.Second,
			PerMinute: 60,
		},
		RateLimit: RateLimitConfig{
			RPS:   50,
			Burst: 100,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Environment:  "development",
		},
		Export: ExportConfig{
			Region: "us-east-1",
		},
	}
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(environ())
}

// LoadFrom reads configuration from the given environment map.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := Default()

	if path := environ[FileEnv]; path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("%w: parse env: %w", contracts.ErrConfiguration, err)
	}
	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", contracts.ErrConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %w", contracts.ErrConfiguration, path, err)
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: database url is required for driver %q", contracts.ErrConfiguration, c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown database driver %q", contracts.ErrConfiguration, c.Database.Driver)
	}
	if c.Replay.Timeout <= 0 {
		return fmt.Errorf("%w: replay timeout must be positive", contracts.ErrConfiguration)
	}
	if c.Replay.PerMinute < 0 {
		return fmt.Errorf("%w: replay rate must not be negative", contracts.ErrConfiguration)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", contracts.ErrConfiguration)
	}
	if (c.Events.PubSubProject == "") != (c.Events.PubSubTopic == "") {
		return fmt.Errorf("%w: pubsub project and topic must be set together", contracts.ErrConfiguration)
	}
	return nil
}

// SlogLevel parses LogLevel, falling back to INFO.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
