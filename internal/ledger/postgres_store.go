package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/model"
)

const createCheckpointTable = `
	CREATE TABLE IF NOT EXISTS migration_checkpoints (
		migration_id       TEXT        NOT NULL,
		seq                INTEGER     NOT NULL,
		stage              TEXT        NOT NULL,
		status             TEXT        NOT NULL,
		validation_results JSONB       NOT NULL DEFAULT '{}'::jsonb,
		error_message      TEXT        NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (migration_id, seq)
	)
`

// PostgresStore persists checkpoints in PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to PostgreSQL and verifies the connection
func NewPostgresStore(ctx context.Context, connString string, maxConns, minConns int, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		config.MinConns = int32(minConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// Name identifies the store in health reports
func (s *PostgresStore) Name() string {
	return "checkpoint_store"
}

// EnsureSchema creates the checkpoint table when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createCheckpointTable); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// Save stores one checkpoint; a repeated (migration_id, seq) is ignored
func (s *PostgresStore) Save(ctx context.Context, migrationID string, seq int, checkpoint model.MigrationCheckpoint) error {
	results, err := json.Marshal(checkpoint.ValidationResults)
	if err != nil {
		return fmt.Errorf("failed to marshal validation results: %w", err)
	}

	query := `
		INSERT INTO migration_checkpoints (
			migration_id, seq, stage, status, validation_results, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (migration_id, seq) DO NOTHING
	`

	_, err = s.pool.Exec(ctx, query,
		migrationID,
		seq,
		string(checkpoint.Stage),
		string(checkpoint.Status),
		results,
		checkpoint.ErrorMessage,
		checkpoint.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// List returns the checkpoints of a run in append order
func (s *PostgresStore) List(ctx context.Context, migrationID string) ([]model.MigrationCheckpoint, error) {
	query := `
		SELECT stage, status, validation_results, error_message, created_at
		FROM migration_checkpoints
		WHERE migration_id = $1
		ORDER BY seq ASC
	`

	rows, err := s.pool.Query(ctx, query, migrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := make([]model.MigrationCheckpoint, 0)
	for rows.Next() {
		var (
			cp      model.MigrationCheckpoint
			stage   string
			status  string
			results []byte
		)
		if err := rows.Scan(&stage, &status, &results, &cp.ErrorMessage, &cp.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Stage = model.MigrationStage(stage)
		cp.Status = model.CheckpointStatus(status)
		cp.ValidationResults = map[string]interface{}{}
		if err := json.Unmarshal(results, &cp.ValidationResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation results: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

// Ping checks the connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}
