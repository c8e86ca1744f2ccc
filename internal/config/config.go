// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port          string          `yaml:"port"`
	FrontendURL   string          `yaml:"frontend_url"`
	DBPath        string          `yaml:"db_path"`
	GalleryDBPath string          `yaml:"gallery_db_path"`
	SessionSecret string          `yaml:"session_secret"`
	Sandbox       SandboxConfig   `yaml:"sandbox"`
	Domains       DomainsConfig   `yaml:"domains"`
	Billing       BillingConfig   `yaml:"billing"`
	Analytics     AnalyticsConfig `yaml:"analytics"`
	Retry         RetryConfig     `yaml:"retry"`
	Timeout       TimeoutConfig   `yaml:"timeout"`
}

// SandboxConfig controls the docker-backed sandbox provider.
type SandboxConfig struct {
	Image            string        `yaml:"image"`
	Runtime          string        `yaml:"runtime"` // "" = default (runc), "runsc" = gVisor
	WorkDir          string        `yaml:"workdir"`
	TTL              time.Duration `yaml:"ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxSnapshotFiles int           `yaml:"max_snapshot_files"`
}

// DomainsConfig controls custom domain verification.
type DomainsConfig struct {
	Resolver string `yaml:"resolver"`
	TargetIP string `yaml:"target_ip"`
}

// BillingConfig holds payment processor credentials.
type BillingConfig struct {
	StripeSecretKey string `yaml:"stripe_secret_key"`
	Currency        string `yaml:"currency"`
}

// AnalyticsConfig toggles best-effort event tracking.
type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RetryConfig controls store write retries.
type RetryConfig struct {
	DatabaseMaxRetries     int           `yaml:"database_max_retries"`
	DatabaseRetryBaseDelay time.Duration `yaml:"database_retry_base_delay"`
}

// TimeoutConfig holds timeouts for background work.
type TimeoutConfig struct {
	HealthCheck time.Duration `yaml:"health_check"`
	SandboxStop time.Duration `yaml:"sandbox_stop"`
	DNSLookup   time.Duration `yaml:"dns_lookup"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:          "8080",
		DBPath:        "./data/relay.db",
		GalleryDBPath: "./data/gallery.db",
		Sandbox: SandboxConfig{
			Image:            "vibe-sandbox:latest",
			WorkDir:          "/app",
			TTL:              45 * time.Minute,
			SweepInterval:    5 * time.Minute,
			MaxSnapshotFiles: 500,
		},
		Domains: DomainsConfig{
			Resolver: "1.1.1.1:53",
			TargetIP: "76.76.21.21",
		},
		Billing:   BillingConfig{Currency: "usd"},
		Analytics: AnalyticsConfig{Enabled: true},
		Retry: RetryConfig{
			DatabaseMaxRetries:     5,
			DatabaseRetryBaseDelay: 20 * time.Millisecond,
		},
		Timeout: TimeoutConfig{
			HealthCheck: 5 * time.Second,
			SandboxStop: 30 * time.Second,
			DNSLookup:   5 * time.Second,
		},
	}
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) and then
// from environment variables, which take precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.GalleryDBPath = getEnv("GALLERY_DB_PATH", c.GalleryDBPath)
	c.SessionSecret = getEnv("SESSION_SECRET", c.SessionSecret)

	c.Sandbox.Image = getEnv("SANDBOX_IMAGE", c.Sandbox.Image)
	c.Sandbox.Runtime = getEnv("CONTAINER_RUNTIME", c.Sandbox.Runtime)
	c.Sandbox.WorkDir = getEnv("SANDBOX_WORKDIR", c.Sandbox.WorkDir)
	c.Sandbox.TTL = getEnvDuration("SANDBOX_TTL", c.Sandbox.TTL)
	c.Sandbox.SweepInterval = getEnvDuration("SANDBOX_SWEEP_INTERVAL", c.Sandbox.SweepInterval)
	c.Sandbox.MaxSnapshotFiles = getEnvInt("SANDBOX_MAX_SNAPSHOT_FILES", c.Sandbox.MaxSnapshotFiles)

	c.Domains.Resolver = getEnv("DNS_RESOLVER", c.Domains.Resolver)
	c.Domains.TargetIP = getEnv("DOMAIN_TARGET_IP", c.Domains.TargetIP)

	c.Billing.StripeSecretKey = getEnv("STRIPE_SECRET_KEY", c.Billing.StripeSecretKey)
	c.Billing.Currency = getEnv("BILLING_CURRENCY", c.Billing.Currency)

	c.Analytics.Enabled = getEnvBool("ANALYTICS_ENABLED", c.Analytics.Enabled)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.GalleryDBPath == "" {
		return fmt.Errorf("GALLERY_DB_PATH cannot be empty")
	}
	if !c.IsDevelopment() && len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 bytes outside development")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if !strings.HasPrefix(c.Sandbox.WorkDir, "/") {
		return fmt.Errorf("SANDBOX_WORKDIR must be an absolute path")
	}
	if c.Sandbox.TTL <= 0 {
		return fmt.Errorf("SANDBOX_TTL must be > 0")
	}
	if c.Sandbox.SweepInterval <= 0 {
		return fmt.Errorf("SANDBOX_SWEEP_INTERVAL must be > 0")
	}
	if c.Sandbox.MaxSnapshotFiles <= 0 {
		return fmt.Errorf("SANDBOX_MAX_SNAPSHOT_FILES must be > 0")
	}
	if c.Domains.TargetIP == "" {
		return fmt.Errorf("DOMAIN_TARGET_IP cannot be empty")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("retry.database_max_retries must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// BillingEnabled reports whether a payment processor key is configured.
func (c *Config) BillingEnabled() bool {
	return c.Billing.StripeSecretKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
