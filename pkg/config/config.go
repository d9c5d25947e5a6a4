package config

import (
	"fmt"
	"time"
)

// Config holds runtime configuration for the fuel control engine.
type Config struct {
	AppEnv string `mapstructure:"app_env"`

	Logger   LoggerConfig   `mapstructure:"logger"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Engine   EngineConfig   `mapstructure:"engine"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

// LoggerConfig controls log output format and the optional rotating file.
type LoggerConfig struct {
	Level  string     `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string     `mapstructure:"format" validate:"omitempty,oneof=text json"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig configures the rotating log file sink.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SentryConfig controls error reporting.
type SentryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn" validate:"required_if=Enabled true"`
}

// DatabaseConfig describes the postgres connection.
type DatabaseConfig struct {
	Host          string `mapstructure:"host" validate:"required"`
	Port          string `mapstructure:"port" validate:"required"`
	User          string `mapstructure:"user" validate:"required"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name" validate:"required"`
	SSLMode       string `mapstructure:"ssl_mode"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// DSN returns the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig describes the shared state store connection.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// EngineConfig tunes the burn loop and its guards.
type EngineConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval" validate:"omitempty,min=100ms"`
	DebounceWindow    time.Duration `mapstructure:"debounce_window"`
	KeepAggregateDays int           `mapstructure:"keep_aggregate_days" validate:"omitempty,min=1"`
}

// HTTPConfig describes the metrics and health endpoint server.
type HTTPConfig struct {
	Port            string        `mapstructure:"port" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}
