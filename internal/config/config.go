// Package config provides configuration management for the migrator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Cutover modes
const (
	CutoverModeNone  = "none"
	CutoverModeRedis = "redis"
)

// Config holds all configuration for a migration run.
type Config struct {
	Source          DatabaseConfig        `mapstructure:"source"`
	Target          DatabaseConfig        `mapstructure:"target"`
	Migration       MigrationConfig       `mapstructure:"migration"`
	CheckpointStore CheckpointStoreConfig `mapstructure:"checkpoint_store"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Cutover         CutoverConfig         `mapstructure:"cutover"`
	Reporter        ReporterConfig        `mapstructure:"reporter"`
	Metrics         MetricsConfig         `mapstructure:"metrics"`
	Logging         LoggingConfig         `mapstructure:"logging"`
}

// DatabaseConfig describes one side of the migration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// MigrationConfig holds batch sizing and rollback trigger thresholds.
type MigrationConfig struct {
	BatchSize              int           `mapstructure:"batch_size"`
	ErrorThreshold         int           `mapstructure:"error_threshold"`
	MaxDuration            time.Duration `mapstructure:"max_duration"`
	ValidationFailureLimit int           `mapstructure:"validation_failure_limit"`
	ValidationAttempts     int           `mapstructure:"validation_attempts"`
	MaxReportedRecords     int           `mapstructure:"max_reported_records"`
	Tables                 []string      `mapstructure:"tables"`
	ExcludeTables          []string      `mapstructure:"exclude_tables"`
}

// CheckpointStoreConfig holds the PostgreSQL checkpoint history configuration.
type CheckpointStoreConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig holds the Redis connection used for status and cutover keys.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
	Channel   string        `mapstructure:"channel"`
}

// CutoverConfig selects how traffic is switched to the target.
type CutoverConfig struct {
	Mode      string `mapstructure:"mode"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ReporterConfig holds progress reporter configuration.
type ReporterConfig struct {
	Console bool   `mapstructure:"console"`
	LogFile string `mapstructure:"log_file"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Migration defaults, shared by the loader and WithDefaults.
const (
	DefaultBatchSize              = 1000
	DefaultErrorThreshold         = 5
	DefaultMaxDuration            = 24 * time.Hour
	DefaultValidationFailureLimit = 3
	DefaultValidationAttempts     = 3
	DefaultMaxReportedRecords     = 100
)

// WithDefaults returns a copy with every unset threshold replaced by its default.
// A zero MaxDuration would otherwise trigger a rollback after the first stage.
func (m MigrationConfig) WithDefaults() MigrationConfig {
	if m.BatchSize <= 0 {
		m.BatchSize = DefaultBatchSize
	}
	if m.ErrorThreshold <= 0 {
		m.ErrorThreshold = DefaultErrorThreshold
	}
	if m.MaxDuration <= 0 {
		m.MaxDuration = DefaultMaxDuration
	}
	if m.ValidationFailureLimit <= 0 {
		m.ValidationFailureLimit = DefaultValidationFailureLimit
	}
	if m.ValidationAttempts <= 0 {
		m.ValidationAttempts = DefaultValidationAttempts
	}
	if m.MaxReportedRecords <= 0 {
		m.MaxReportedRecords = DefaultMaxReportedRecords
	}
	return m
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Target.validate("target"); err != nil {
		return err
	}

	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("migration.batch_size must be positive")
	}
	if c.Migration.ErrorThreshold <= 0 {
		return fmt.Errorf("migration.error_threshold must be positive")
	}
	if c.Migration.MaxDuration <= 0 {
		return fmt.Errorf("migration.max_duration must be positive")
	}
	if c.Migration.ValidationFailureLimit <= 0 {
		return fmt.Errorf("migration.validation_failure_limit must be positive")
	}
	if c.Migration.ValidationAttempts <= 0 {
		return fmt.Errorf("migration.validation_attempts must be positive")
	}
	if c.Migration.MaxReportedRecords < 0 {
		return fmt.Errorf("migration.max_reported_records must not be negative")
	}

	if c.CheckpointStore.Enabled {
		if _, err := pgx.ParseConfig(c.CheckpointStore.DSN); err != nil {
			return fmt.Errorf("invalid checkpoint_store.dsn: %w", err)
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required when redis is enabled")
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
		}
	}

	switch c.Cutover.Mode {
	case CutoverModeNone:
	case CutoverModeRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("cutover.mode redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("cutover.mode must be one of: none, redis")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	return nil
}

func (d *DatabaseConfig) validate(side string) error {
	if d.DSN == "" {
		return fmt.Errorf("%s.dsn is required", side)
	}
	switch d.Driver {
	case DriverSQLite:
	case DriverMySQL:
		if _, err := mysql.ParseDSN(d.DSN); err != nil {
			return fmt.Errorf("invalid %s.dsn: %w", side, err)
		}
	case DriverPostgres:
		if _, err := pgx.ParseConfig(d.DSN); err != nil {
			return fmt.Errorf("invalid %s.dsn: %w", side, err)
		}
	default:
		return fmt.Errorf("%s.driver must be one of: sqlite3, mysql, postgres", side)
	}
	if d.ConnectTimeout <= 0 {
		return fmt.Errorf("%s.connect_timeout must be positive", side)
	}
	return nil
}

// TableSelected reports whether a source table takes part in the run.
func (m *MigrationConfig) TableSelected(table string) bool {
	for _, excluded := range m.ExcludeTables {
		if strings.EqualFold(excluded, table) {
			return false
		}
	}
	if len(m.Tables) == 0 {
		return true
	}
	for _, included := range m.Tables {
		if strings.EqualFold(included, table) {
			return true
		}
	}
	return false
}
