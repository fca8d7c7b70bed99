// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// RetryConfig sets the backoff schedule applied to venue transactions.
type RetryConfig struct {
	MaxRetries    int     `yaml:"maxRetries"`
	DelayInitial  string  `yaml:"delayInitial"`
	DelayMax      string  `yaml:"delayMax"`
	BackoffFactor float64 `yaml:"backoffFactor"`
	Jitter        float64 `yaml:"jitter"`
}

// DelayInitialDuration returns the parsed initial delay.
func (c RetryConfig) DelayInitialDuration() time.Duration {
	return parseDurationOr(c.DelayInitial, time.Second)
}

// DelayMaxDuration returns the parsed delay cap.
func (c RetryConfig) DelayMaxDuration() time.Duration {
	return parseDurationOr(c.DelayMax, 10*time.Second)
}

// PoolConfig caps idle retry-manager reuse per execution client.
type PoolConfig struct {
	Size int `yaml:"size"`
}

// VenueConfig configures one venue account connection.
type VenueConfig struct {
	IndexerURL    string `yaml:"indexerUrl"`
	StreamURL     string `yaml:"streamUrl"`
	SignerURL     string `yaml:"signerUrl"`
	WalletAddress string `yaml:"walletAddress"`
	Subaccount    int    `yaml:"subaccount"`

	HTTPTimeout string  `yaml:"httpTimeout"`
	RateLimit   float64 `yaml:"rateLimit"`
	Burst       int     `yaml:"burst"`

	GoodTilBlocks       uint64 `yaml:"goodTilBlocks"`
	CancelGoodTilBlocks uint64 `yaml:"cancelGoodTilBlocks"`
}

// HTTPTimeoutDuration returns the parsed REST timeout.
func (c VenueConfig) HTTPTimeoutDuration() time.Duration {
	return parseDurationOr(c.HTTPTimeout, 10*time.Second)
}

// ReconcileConfig controls the startup reconciliation pass.
type ReconcileConfig struct {
	Lookback string `yaml:"lookback"`
	Timeout  string `yaml:"timeout"`
}

// LookbackDuration returns the parsed report lookback window.
func (c ReconcileConfig) LookbackDuration() time.Duration {
	return parseDurationOr(c.Lookback, time.Hour)
}

// TimeoutDuration returns the parsed reconciliation deadline.
func (c ReconcileConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(c.Timeout, 30*time.Second)
}

// DatabaseConfig configures the durable cache backend. An empty DSN keeps
// the cache in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment            `yaml:"environment"`
	Venues      map[string]VenueConfig `yaml:"venues"`
	Retry       RetryConfig            `yaml:"retry"`
	Pool        PoolConfig             `yaml:"pool"`
	Reconcile   ReconcileConfig        `yaml:"reconcile"`
	Database    DatabaseConfig         `yaml:"database"`
	Telemetry   TelemetryConfig        `yaml:"telemetry"`
}

// Default returns the configuration used when a field is absent from the
// YAML document.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Venues:      map[string]VenueConfig{},
		Retry: RetryConfig{
			MaxRetries:    3,
			DelayInitial:  "1s",
			DelayMax:      "10s",
			BackoffFactor: 2,
		},
		Pool:      PoolConfig{Size: 100},
		Reconcile: ReconcileConfig{Lookback: "1h", Timeout: "30s"},
		Telemetry: TelemetryConfig{ServiceName: "tidemark"},
	}
}

// Load reads, normalises, and validates an AppConfig from a YAML file,
// then applies environment variable overrides.
func Load(configPath string) (AppConfig, error) {
	raw, err := os.ReadFile(filepath.Clean(strings.TrimSpace(configPath)))
	if err != nil {
		return AppConfig{}, fmt.Errorf("open app config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))

	normalised := make(map[string]VenueConfig, len(c.Venues))
	for name, venue := range c.Venues {
		venue.IndexerURL = strings.TrimSpace(venue.IndexerURL)
		venue.StreamURL = strings.TrimSpace(venue.StreamURL)
		venue.SignerURL = strings.TrimSpace(venue.SignerURL)
		venue.WalletAddress = strings.TrimSpace(venue.WalletAddress)
		normalised[strings.ToLower(strings.TrimSpace(name))] = venue
	}
	c.Venues = normalised

	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	if c.Pool.Size <= 0 {
		c.Pool.Size = 100
	}
}

func (c *AppConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("TIDEMARK_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("TIDEMARK_DB_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TIDEMARK_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("TIDEMARK_RETRY_MAX")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			c.Retry.MaxRetries = parsed
		}
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue required")
	}
	for name, venue := range c.Venues {
		if venue.IndexerURL == "" {
			return fmt.Errorf("venue %s: indexerUrl required", name)
		}
		if venue.StreamURL == "" {
			return fmt.Errorf("venue %s: streamUrl required", name)
		}
		if venue.WalletAddress == "" {
			return fmt.Errorf("venue %s: walletAddress required", name)
		}
		if venue.Subaccount < 0 {
			return fmt.Errorf("venue %s: subaccount must be >= 0", name)
		}
		if _, err := time.ParseDuration(orDefault(venue.HTTPTimeout, "10s")); err != nil {
			return fmt.Errorf("venue %s: httpTimeout: %w", name, err)
		}
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry maxRetries must be >= 0")
	}
	if _, err := time.ParseDuration(orDefault(c.Retry.DelayInitial, "1s")); err != nil {
		return fmt.Errorf("retry delayInitial: %w", err)
	}
	if _, err := time.ParseDuration(orDefault(c.Retry.DelayMax, "10s")); err != nil {
		return fmt.Errorf("retry delayMax: %w", err)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be in [0, 1]")
	}

	if _, err := time.ParseDuration(orDefault(c.Reconcile.Lookback, "1h")); err != nil {
		return fmt.Errorf("reconcile lookback: %w", err)
	}
	if _, err := time.ParseDuration(orDefault(c.Reconcile.Timeout, "30s")); err != nil {
		return fmt.Errorf("reconcile timeout: %w", err)
	}

	if c.Telemetry.EnableMetrics {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry serviceName required")
		}
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry otlpEndpoint required when metrics enabled")
		}
	}
	return nil
}

// Venue returns the configuration for the named venue.
func (c AppConfig) Venue(name string) (VenueConfig, bool) {
	venue, ok := c.Venues[strings.ToLower(strings.TrimSpace(name))]
	return venue, ok
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
