package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("migrator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tablemover/")
	}

	// Read environment variables
	v.SetEnvPrefix("MIGRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found, use defaults/env)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Source defaults
	v.SetDefault("source.driver", DriverSQLite)
	v.SetDefault("source.dsn", "file:db.sqlite3?mode=ro")
	v.SetDefault("source.max_open_conns", 4)
	v.SetDefault("source.max_idle_conns", 2)
	v.SetDefault("source.conn_max_lifetime", "30m")
	v.SetDefault("source.connect_timeout", "10s")

	// Target defaults
	v.SetDefault("target.driver", DriverMySQL)
	v.SetDefault("target.dsn", "root@tcp(localhost:3306)/app?parseTime=true")
	v.SetDefault("target.max_open_conns", 8)
	v.SetDefault("target.max_idle_conns", 4)
	v.SetDefault("target.conn_max_lifetime", "30m")
	v.SetDefault("target.connect_timeout", "10s")

	// Migration defaults
	v.SetDefault("migration.batch_size", DefaultBatchSize)
	v.SetDefault("migration.error_threshold", DefaultErrorThreshold)
	v.SetDefault("migration.max_duration", DefaultMaxDuration)
	v.SetDefault("migration.validation_failure_limit", DefaultValidationFailureLimit)
	v.SetDefault("migration.validation_attempts", DefaultValidationAttempts)
	v.SetDefault("migration.max_reported_records", DefaultMaxReportedRecords)
	v.SetDefault("migration.tables", []string{})
	v.SetDefault("migration.exclude_tables", []string{"django_migrations"})

	// Checkpoint store defaults
	v.SetDefault("checkpoint_store.enabled", false)
	v.SetDefault("checkpoint_store.dsn", "postgres://migrator@localhost:5432/migrator")
	v.SetDefault("checkpoint_store.max_connections", 4)
	v.SetDefault("checkpoint_store.min_connections", 1)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.status_ttl", "168h")
	v.SetDefault("redis.channel", "migration:events")

	// Cutover defaults
	v.SetDefault("cutover.mode", CutoverModeNone)
	v.SetDefault("cutover.key_prefix", "tablemover")

	// Reporter defaults
	v.SetDefault("reporter.console", true)
	v.SetDefault("reporter.log_file", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
