// Package config loads the gateway's unified YAML configuration: venue
// credentials, storage endpoints, and the sizing knobs for the event
// bus, archive retention, and gap-repair schedule.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment environment a process runs in.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// VenueCredentials binds one venue's API identity. Secrets are read
// from the environment variables named here rather than stored in the
// YAML file directly — APIKeyEnv/SecretKeyEnv/PassphraseEnv name the
// variables, Resolve reads them.
type VenueCredentials struct {
	APIKeyEnv     string `yaml:"api_key_env"`
	SecretKeyEnv  string `yaml:"secret_key_env"`
	PassphraseEnv string `yaml:"passphrase_env,omitempty"` // OKX only
	Testnet       bool   `yaml:"testnet"`
}

// Resolve reads the credential's actual secret values from the
// process environment.
func (c VenueCredentials) Resolve() (apiKey, secretKey, passphrase string, err error) {
	apiKey = os.Getenv(c.APIKeyEnv)
	secretKey = os.Getenv(c.SecretKeyEnv)
	if c.PassphraseEnv != "" {
		passphrase = os.Getenv(c.PassphraseEnv)
	}
	if apiKey == "" || secretKey == "" {
		return "", "", "", fmt.Errorf("config: credential env vars %q/%q are unset", c.APIKeyEnv, c.SecretKeyEnv)
	}
	return apiKey, secretKey, passphrase, nil
}

// EventbusConfig sizes the in-memory pub/sub bus.
type EventbusConfig struct {
	BufferSize    int `yaml:"buffer_size"`
	FanoutWorkers int `yaml:"fanout_workers"`
}

// RetentionOverride overrides one interval's archive cap/TTL; zero
// fields fall back to the compiled-in default for that interval.
type RetentionOverride struct {
	Interval  string `yaml:"interval"`
	MaxBars   int    `yaml:"max_bars"`
	TTLDays   int    `yaml:"ttl_days"`
}

// ArchiveConfig configures the Redis-backed bar archive.
type ArchiveConfig struct {
	RedisAddr     string              `yaml:"redis_addr"`
	RedisDB       int                 `yaml:"redis_db"`
	RetentionOverrides []RetentionOverride `yaml:"retention_overrides"`
}

// GapRepairConfig schedules the batch repair job per venue.
type GapRepairConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Interval    string `yaml:"interval"` // e.g. "15m", parsed with time.ParseDuration by the caller
	Concurrency int    `yaml:"concurrency"`
}

// GatewayConfig sizes the order gateway's worker queues and Postgres
// account-registration persistence.
type GatewayConfig struct {
	QueueDepth   int    `yaml:"queue_depth"`
	PostgresDSN  string `yaml:"postgres_dsn,omitempty"` // empty disables persistence
}

// TelemetryConfig configures the OTLP metrics pipeline.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// VenuesConfig names the credential sets for each supported venue. A
// zero-value VenueCredentials (both env names empty) leaves that venue
// unconfigured — the caller skips starting it.
type VenuesConfig struct {
	OKX     VenueCredentials `yaml:"okx"`
	Binance VenueCredentials `yaml:"binance"`
}

// AppConfig is the gateway's unified configuration, sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Venues      VenuesConfig    `yaml:"venues"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Archive     ArchiveConfig   `yaml:"archive"`
	GapRepair   GapRepairConfig `yaml:"gap_repair"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// DefaultAppConfig returns the baseline configuration used when no
// file is supplied or fields are left unset in a loaded one.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Eventbus:    EventbusConfig{BufferSize: 1024, FanoutWorkers: 8},
		Archive:     ArchiveConfig{RedisAddr: "127.0.0.1:6379", RedisDB: 0},
		GapRepair:   GapRepairConfig{Enabled: true, Interval: "15m", Concurrency: 4},
		Gateway:     GatewayConfig{QueueDepth: 256},
		Telemetry:   TelemetryConfig{Enabled: false},
	}
}

// Load reads and validates an AppConfig from the YAML file at path,
// filling any zero-valued sections from DefaultAppConfig.
func Load(path string) (AppConfig, error) {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	data, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads path if present, falling back to
// DefaultAppConfig when the file does not exist.
func LoadOrDefault(path string) (cfg AppConfig, fromFile bool, err error) {
	cfg, err = Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		def := DefaultAppConfig()
		def.normalize()
		if verr := def.Validate(); verr != nil {
			return AppConfig{}, false, verr
		}
		return def, false, nil
	}
	return AppConfig{}, false, err
}

func (c *AppConfig) normalize() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 1024
	}
	if c.Eventbus.FanoutWorkers <= 0 {
		c.Eventbus.FanoutWorkers = 8
	}
	if c.Archive.RedisAddr == "" {
		c.Archive.RedisAddr = "127.0.0.1:6379"
	}
	if c.GapRepair.Interval == "" {
		c.GapRepair.Interval = "15m"
	}
	if c.GapRepair.Concurrency <= 0 {
		c.GapRepair.Concurrency = 4
	}
	if c.Gateway.QueueDepth <= 0 {
		c.Gateway.QueueDepth = 256
	}
}

// Validate performs semantic validation beyond what defaulting covers.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("config: environment must be one of dev, staging, prod, got %q", c.Environment)
	}
	if c.Venues.OKX.APIKeyEnv == "" && c.Venues.Binance.APIKeyEnv == "" {
		return fmt.Errorf("config: at least one venue must be configured")
	}
	return nil
}

// Save persists cfg to path using an atomic temp-file-then-rename
// write, so a crash mid-write never leaves a truncated config on disk.
func Save(path string, cfg AppConfig) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return fmt.Errorf("config: path required")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	dir := filepath.Dir(trimmed)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "app-config-*.yaml")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, trimmed); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("config: replace file: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(clean) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("config: open %s: %w", clean, err)
	}
	return file, func() { _ = file.Close() }, nil
}
