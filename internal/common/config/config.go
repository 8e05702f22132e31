// Package config provides configuration management for the task hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the task hub.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Broker   BrokerConfig   `mapstructure:"broker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. SQLite is the default backend;
// when Host is set the hub connects to PostgreSQL via pgx instead.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"` // SQLite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
// SecretKey signs and verifies result artifacts; the process refuses to start
// without it.
type AuthConfig struct {
	SecretKey string `mapstructure:"secretKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BrokerConfig holds dispatch and background-loop tuning.
type BrokerConfig struct {
	LeaseSeconds    int `mapstructure:"leaseSeconds"`    // default lease granted on dispatch
	SweepInterval   int `mapstructure:"sweepInterval"`   // lease sweeper cadence, seconds
	AgingInterval   int `mapstructure:"agingInterval"`   // priority ager cadence, seconds
	AgingThreshold  int `mapstructure:"agingThreshold"`  // PENDING wait before a bump, seconds
	AgingStep       int `mapstructure:"agingStep"`       // priority increment per bump
	MaxPriority     int `mapstructure:"maxPriority"`     // priority ceiling
	BackoffCapSec   int `mapstructure:"backoffCapSec"`   // retry backoff ceiling, seconds
	SignatureMaxAge int `mapstructure:"signatureMaxAge"` // artifact signed_at freshness window, seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LeaseDuration returns the default lease as a time.Duration.
func (b *BrokerConfig) LeaseDuration() time.Duration {
	return time.Duration(b.LeaseSeconds) * time.Second
}

// SweepIntervalDuration returns the sweeper cadence as a time.Duration.
func (b *BrokerConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(b.SweepInterval) * time.Second
}

// AgingIntervalDuration returns the ager cadence as a time.Duration.
func (b *BrokerConfig) AgingIntervalDuration() time.Duration {
	return time.Duration(b.AgingInterval) * time.Second
}

// AgingThresholdDuration returns the aging wait threshold as a time.Duration.
func (b *BrokerConfig) AgingThresholdDuration() time.Duration {
	return time.Duration(b.AgingThreshold) * time.Second
}

// SignatureMaxAgeDuration returns the signature freshness window as a time.Duration.
func (b *BrokerConfig) SignatureMaxAgeDuration() time.Duration {
	return time.Duration(b.SignatureMaxAge) * time.Second
}

// UsePostgres reports whether the PostgreSQL backend is selected.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKHUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means SQLite
	v.SetDefault("database.path", "taskhub.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskhub")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskhub")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskhub")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults - no secret; validated at startup
	v.SetDefault("auth.secretKey", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Broker defaults
	v.SetDefault("broker.leaseSeconds", 60)
	v.SetDefault("broker.sweepInterval", 10)
	v.SetDefault("broker.agingInterval", 60)
	v.SetDefault("broker.agingThreshold", 300)
	v.SetDefault("broker.agingStep", 1)
	v.SetDefault("broker.maxPriority", 3)
	v.SetDefault("broker.backoffCapSec", 3600)
	v.SetDefault("broker.signatureMaxAge", 300)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKHUB_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The artifact signing secret is conventionally provided as a bare
	// SECRET_KEY env var by deployment tooling.
	_ = v.BindEnv("auth.secretKey", "SECRET_KEY", "TASKHUB_AUTH_SECRET_KEY")
	_ = v.BindEnv("database.path", "TASKHUB_DB_PATH", "TASKHUB_DATABASE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskhub/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.UsePostgres() {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	} else if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required for the SQLite backend")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Broker.LeaseSeconds <= 0 {
		errs = append(errs, "broker.leaseSeconds must be positive")
	}
	if cfg.Broker.MaxPriority < 0 {
		errs = append(errs, "broker.maxPriority must not be negative")
	}
	if cfg.Broker.AgingStep <= 0 {
		errs = append(errs, "broker.agingStep must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
