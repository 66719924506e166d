// Package config loads and validates application configuration from the
// environment and an optional .env file using Viper. Token TTLs and signing
// secrets are validated here so a misconfigured process refuses to start
// instead of issuing bad credentials at runtime.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// Env is the application environment (development, staging, production).
	Env string `mapstructure:"APP_ENV"`
	// HTTPAddr is the address the operational HTTP server listens on.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	// Database connection settings.
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`

	// Token signing settings. Access and refresh secrets must be set and
	// must differ; TTLs are whole seconds and must be positive.
	AccessTokenSecret      string `mapstructure:"ACCESS_TOKEN_SECRET"`
	RefreshTokenSecret     string `mapstructure:"REFRESH_TOKEN_SECRET"`
	AccessTokenTTLSeconds  int    `mapstructure:"ACCESS_TOKEN_TTL_SECONDS"`
	RefreshTokenTTLSeconds int    `mapstructure:"REFRESH_TOKEN_TTL_SECONDS"`
	JWTIssuer              string `mapstructure:"JWT_ISSUER"`

	// AuditBufferSize bounds the in-flight audit event queue.
	AuditBufferSize int `mapstructure:"AUDIT_BUFFER_SIZE"`
	// AuditRetentionDays is how long login history and token activity rows
	// are kept before the retention sweep deletes them.
	AuditRetentionDays int `mapstructure:"AUDIT_RETENTION_DAYS"`

	// MinPasswordLength is the strength floor enforced on password change.
	MinPasswordLength int `mapstructure:"MIN_PASSWORD_LENGTH"`

	// Logging settings.
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	LogOutput string `mapstructure:"LOG_OUTPUT"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Missing .env is ignored (e.g. in CI); env vars override .env.
// Any validation failure here is fatal to startup by contract.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore a missing .env

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "widenaturals_erp")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("ACCESS_TOKEN_SECRET", "")
	v.SetDefault("REFRESH_TOKEN_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_SECONDS", 900)      // 15m
	v.SetDefault("REFRESH_TOKEN_TTL_SECONDS", 604800)  // 7d
	v.SetDefault("JWT_ISSUER", "widenaturals-erp")
	v.SetDefault("AUDIT_BUFFER_SIZE", 256)
	v.SetDefault("AUDIT_RETENTION_DAYS", 90)
	v.SetDefault("MIN_PASSWORD_LENGTH", 12)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_OUTPUT", "stdout")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DBHost == "" || c.DBPort == "" || c.DBUser == "" || c.DBName == "" {
		return errors.New("config: DB_HOST, DB_PORT, DB_USER and DB_NAME must be set")
	}
	if c.AccessTokenSecret == "" {
		return errors.New("config: ACCESS_TOKEN_SECRET must be set")
	}
	if c.RefreshTokenSecret == "" {
		return errors.New("config: REFRESH_TOKEN_SECRET must be set")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return errors.New("config: ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.AccessTokenTTLSeconds <= 0 {
		return errors.New("config: ACCESS_TOKEN_TTL_SECONDS must be a positive integer")
	}
	if c.RefreshTokenTTLSeconds <= 0 {
		return errors.New("config: REFRESH_TOKEN_TTL_SECONDS must be a positive integer")
	}
	if c.AccessTokenTTLSeconds >= c.RefreshTokenTTLSeconds {
		return errors.New("config: ACCESS_TOKEN_TTL_SECONDS must be shorter than REFRESH_TOKEN_TTL_SECONDS")
	}
	if c.AuditBufferSize <= 0 {
		return errors.New("config: AUDIT_BUFFER_SIZE must be a positive integer")
	}
	if c.AuditRetentionDays <= 0 {
		return errors.New("config: AUDIT_RETENTION_DAYS must be a positive integer")
	}
	if c.MinPasswordLength <= 0 {
		return errors.New("config: MIN_PASSWORD_LENGTH must be a positive integer")
	}
	return nil
}

// AuditRetention returns the configured audit retention window.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// AccessTokenTTL returns the configured access token lifetime.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLSeconds) * time.Second
}

// RefreshTokenTTL returns the configured refresh token lifetime.
func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLSeconds) * time.Second
}

// DSN returns the keyword/value PostgreSQL connection string used by pgx.
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + c.DBPort +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}

// URL returns the URL-form PostgreSQL connection string used by database/sql
// and the migration tool.
func (c *Config) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}
