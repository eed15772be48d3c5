package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/tablemover/internal/config"
	"github.com/devrev/pairdb/tablemover/internal/cutover"
	"github.com/devrev/pairdb/tablemover/internal/database"
	"github.com/devrev/pairdb/tablemover/internal/health"
	"github.com/devrev/pairdb/tablemover/internal/ledger"
	"github.com/devrev/pairdb/tablemover/internal/metrics"
	"github.com/devrev/pairdb/tablemover/internal/migrator"
	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/reporter"
	"github.com/devrev/pairdb/tablemover/internal/service"
	"github.com/devrev/pairdb/tablemover/internal/statuscache"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the migration config file")
	statusFormat := flag.String("status-format", "json", "final status output format: json or yaml")
	migrationID := flag.String("migration-id", "", "run identifier (generated when empty)")
	flag.Parse()

	if *statusFormat != "json" && *statusFormat != "yaml" {
		fmt.Fprintf(os.Stderr, "invalid -status-format %q: must be json or yaml\n", *statusFormat)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	ok, err := run(cfg, *migrationID, *statusFormat, logger)
	if err != nil {
		logger.Error("Migration run aborted", zap.Error(err))
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

func run(cfg *config.Config, migrationID, statusFormat string, logger *zap.Logger) (bool, error) {
	logger.Info("Starting table migration",
		zap.String("source_driver", cfg.Source.Driver),
		zap.String("target_driver", cfg.Target.Driver),
		zap.Int("batch_size", cfg.Migration.BatchSize),
		zap.String("cutover_mode", cfg.Cutover.Mode))

	// Initialize databases
	source, err := database.NewSQLDatabase("source", cfg.Source, logger)
	if err != nil {
		return false, err
	}
	target, err := database.NewSQLDatabase("target", cfg.Target, logger)
	if err != nil {
		return false, err
	}
	tables := migrator.NewTableMigrator(source, target, cfg.Migration.BatchSize, cfg.Migration.MaxReportedRecords, logger)
	// Connections stay open until the run has fully ended so a late rollback can still reach the target
	defer func() {
		if err := tables.Close(); err != nil {
			logger.Warn("Failed to close database connections", zap.Error(err))
		}
	}()

	if migrationID == "" {
		migrationID = uuid.New().String()
	}
	checkers := []health.Checker{source, target}
	opts := []service.Option{service.WithMigrationID(migrationID)}

	// Initialize checkpoint store (PostgreSQL)
	if cfg.CheckpointStore.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := ledger.NewPostgresStore(ctx, cfg.CheckpointStore.DSN,
			cfg.CheckpointStore.MaxConnections, cfg.CheckpointStore.MinConnections, logger)
		if err == nil {
			err = store.EnsureSchema(ctx)
			if err != nil {
				store.Close()
			}
		}
		cancel()
		if err != nil {
			return false, fmt.Errorf("failed to initialize checkpoint store: %w", err)
		}
		defer store.Close()
		opts = append(opts, service.WithCheckpointStore(store))
		checkers = append(checkers, store)
		logger.Info("Checkpoint store initialized")
	}

	// Initialize Redis
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = statuscache.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return false, err
		}
		defer redisClient.Close()
		checkers = append(checkers, health.NewRedisChecker("redis", redisClient))
		logger.Info("Redis client initialized", zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	}

	var traffic cutover.Switch
	if cfg.Cutover.Mode == config.CutoverModeRedis {
		traffic = cutover.NewRedisSwitch(redisClient, cfg.Cutover.KeyPrefix, migrationID, logger)
	}
	svc := service.NewMigrationService(cfg.Migration, tables, traffic, logger, opts...)

	// Observers
	if cfg.Redis.Enabled {
		publisher := statuscache.NewRedisPublisher(redisClient, svc, cfg.Redis.StatusTTL, cfg.Redis.Channel, logger)
		svc.AddProgressObserver(publisher)
		svc.AddCheckpointObserver(publisher)
	}

	var console io.Writer
	if cfg.Reporter.Console {
		console = os.Stdout
	}
	rep, err := reporter.New(console, cfg.Reporter.LogFile, logger)
	if err != nil {
		return false, err
	}
	defer rep.Close()
	svc.AddProgressObserver(rep)

	if cfg.Metrics.Enabled {
		m := metrics.NewMetrics(prometheus.DefaultRegisterer)
		svc.AddProgressObserver(m)
		svc.AddCheckpointObserver(m)
		svc.AddErrorObserver(m)

		server := metrics.NewServer(metrics.ServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, svc, health.NewHealthChecker(logger, checkers...), logger)
		if err := server.Start(); err != nil {
			return false, err
		}
		defer server.Stop()
	}

	// Stop at the next stage boundary on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal, stopping after the current stage", zap.String("signal", sig.String()))
			svc.StopMigration()
		case <-ctx.Done():
		}
	}()

	ok, err := svc.ExecuteMigration(ctx)

	status := svc.GetMigrationStatus()
	if printErr := printStatus(os.Stdout, status, statusFormat); printErr != nil {
		logger.Warn("Failed to print final status", zap.Error(printErr))
	}

	if err != nil {
		return false, err
	}
	if ok {
		logger.Info("Migration completed successfully")
	} else {
		logger.Error("Migration did not complete",
			zap.String("stage", string(status.CurrentStage)),
			zap.String("rollback_reason", status.RollbackReason))
	}
	return ok, nil
}

func printStatus(w io.Writer, status model.MigrationStatus, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(status); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid logging.level: %w", err)
		}
		level = parsed
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
