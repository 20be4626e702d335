package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"rentledger/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Server     ServerConfig     `yaml:"server"`
	Worker     WorkerConfig     `yaml:"worker"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Escrow     EscrowConfig     `yaml:"escrow"`
	Reminder   ReminderConfig   `yaml:"reminder"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Properties []PropertySeed   `yaml:"properties"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// GatewayConfig configures the external payment processor client.
// PlatformShareBps is the platform's cut of a split payment in basis
// points (500 = 5%).
type GatewayConfig struct {
	BaseURL          string `yaml:"base_url"`
	SecretKey        string `yaml:"secret_key"`
	WebhookSecret    string `yaml:"webhook_secret"`
	CallbackURL      string `yaml:"callback_url"`
	Timeout          string `yaml:"timeout"`
	PlatformShareBps int    `yaml:"platform_share_bps"`
}

type ServerConfig struct {
	Port           int     `yaml:"port"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

type WorkerConfig struct {
	Concurrency   int     `yaml:"concurrency"`
	MaxAttempts   int     `yaml:"max_attempts"`
	InitialDelay  string  `yaml:"initial_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

type ReconcilerConfig struct {
	Interval    string `yaml:"interval"`
	GracePeriod string `yaml:"grace_period"`
	MaxRetries  int    `yaml:"max_retries"`
}

type EscrowConfig struct {
	Interval    string `yaml:"interval"`
	GracePeriod string `yaml:"grace_period"`
}

type ReminderConfig struct {
	Hour int `yaml:"hour"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	HealthCheckPort   int  `yaml:"health_check_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// PropertySeed declares a listing and its units in config. Listing CRUD
// lives outside this engine; seeds are upserted into the ledger at boot.
type PropertySeed struct {
	ID             int64      `yaml:"id"`
	OwnerID        int64      `yaml:"owner_id"`
	Name           string     `yaml:"name"`
	PriceMinor     int64      `yaml:"price_minor"`
	SubaccountCode string     `yaml:"subaccount_code"`
	IsActive       bool       `yaml:"is_active"`
	Units          []UnitSeed `yaml:"units"`
}

type UnitSeed struct {
	Name       string `yaml:"name"`
	PriceMinor int64  `yaml:"price_minor"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; config values reference env vars via ${VAR}.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Gateway.SecretKey == "" {
		return errors.New("gateway secret key is required")
	}
	if c.Gateway.WebhookSecret == "" {
		return errors.New("gateway webhook secret is required")
	}
	if c.Gateway.PlatformShareBps < 0 || c.Gateway.PlatformShareBps > 10000 {
		return fmt.Errorf("platform share %d bps out of range", c.Gateway.PlatformShareBps)
	}
	for _, name := range []string{c.Gateway.Timeout, c.Worker.InitialDelay, c.Worker.MaxDelay,
		c.Reconciler.Interval, c.Reconciler.GracePeriod, c.Escrow.Interval, c.Escrow.GracePeriod} {
		if _, err := time.ParseDuration(name); err != nil {
			return fmt.Errorf("invalid duration %q: %w", name, err)
		}
	}
	return ValidateProperties(c.Properties)
}

func ValidateProperties(props []PropertySeed) error {
	ids := make(map[int64]bool)
	for _, p := range props {
		if p.ID == 0 {
			return fmt.Errorf("property '%s' has invalid ID 0", p.Name)
		}
		if ids[p.ID] {
			return fmt.Errorf("duplicate property ID found: %d", p.ID)
		}
		ids[p.ID] = true
		if p.PriceMinor <= 0 && len(p.Units) == 0 {
			return fmt.Errorf("property %d has neither a flat price nor units", p.ID)
		}
		for _, u := range p.Units {
			// Units without their own price inherit the property rate.
			if u.PriceMinor < 0 || (u.PriceMinor == 0 && p.PriceMinor <= 0) {
				return fmt.Errorf("property %d unit '%s' has no usable price", p.ID, u.Name)
			}
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "rentledger"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 20
	}
	if c.Gateway.Timeout == "" {
		c.Gateway.Timeout = "10s"
	}
	if c.Gateway.PlatformShareBps == 0 {
		c.Gateway.PlatformShareBps = 500
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 5
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.InitialDelay == "" {
		c.Worker.InitialDelay = "5s"
	}
	if c.Worker.MaxDelay == "" {
		c.Worker.MaxDelay = "2m"
	}
	if c.Worker.BackoffFactor == 0 {
		c.Worker.BackoffFactor = 2
	}
	if c.Reconciler.Interval == "" {
		c.Reconciler.Interval = "15m"
	}
	if c.Reconciler.GracePeriod == "" {
		c.Reconciler.GracePeriod = "5m"
	}
	if c.Reconciler.MaxRetries == 0 {
		c.Reconciler.MaxRetries = 3
	}
	if c.Escrow.Interval == "" {
		c.Escrow.Interval = "1h"
	}
	if c.Escrow.GracePeriod == "" {
		c.Escrow.GracePeriod = "24h"
	}
	if c.Reminder.Hour == 0 {
		c.Reminder.Hour = 9
	}
}

// Duration parses a config duration string, falling back to def when the
// value is empty or malformed.
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// SeedProperties converts config seeds into ledger models.
func (c *Config) SeedProperties() []models.Property {
	props := make([]models.Property, 0, len(c.Properties))
	for _, s := range c.Properties {
		props = append(props, models.Property{
			ID:             s.ID,
			OwnerID:        s.OwnerID,
			Name:           s.Name,
			PriceMinor:     s.PriceMinor,
			SubaccountCode: s.SubaccountCode,
			TotalUnits:     int64(len(s.Units)),
			AvailableUnits: int64(len(s.Units)),
			IsActive:       s.IsActive,
		})
	}
	return props
}

// SeedUnits converts config unit seeds into ledger models, keyed by
// property ID. Units without their own price inherit the property rate.
func (c *Config) SeedUnits() map[int64][]models.Unit {
	units := make(map[int64][]models.Unit, len(c.Properties))
	for _, s := range c.Properties {
		for _, u := range s.Units {
			price := u.PriceMinor
			if price == 0 {
				price = s.PriceMinor
			}
			units[s.ID] = append(units[s.ID], models.Unit{
				PropertyID: s.ID,
				Name:       u.Name,
				PriceMinor: price,
				Status:     models.UnitAvailable,
			})
		}
	}
	return units
}
