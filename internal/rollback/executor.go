package rollback

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/cutover"
	migerrors "github.com/devrev/pairdb/tablemover/internal/errors"
	"github.com/devrev/pairdb/tablemover/internal/model"
)

// TableRestorer restores target tables from captured rollback data
type TableRestorer interface {
	RollbackTables() []string
	RollbackTable(ctx context.Context, table string) error
}

// CheckpointRecorder appends checkpoints to the run's history
type CheckpointRecorder interface {
	CreateCheckpoint(ctx context.Context, stage model.MigrationStage, status model.CheckpointStatus, results map[string]interface{}, errMsg string) model.MigrationCheckpoint
}

// Executor reverses the changes of a failed run. It never resumes forward migration.
type Executor struct {
	tables  TableRestorer
	ledger  CheckpointRecorder
	traffic cutover.Switch
	logger  *zap.Logger
}

// NewExecutor creates a rollback executor; traffic may be nil
func NewExecutor(tables TableRestorer, ledger CheckpointRecorder, traffic cutover.Switch, logger *zap.Logger) *Executor {
	return &Executor{
		tables:  tables,
		ledger:  ledger,
		traffic: traffic,
		logger:  logger,
	}
}

// ExecuteRollback restores every table with captured rollback data, reverts the
// traffic switch if it is engaged and records one terminal checkpoint for stage.
// It returns true when everything was restored; the error aggregates what was not.
//
// Once traffic runs against the target, the target tables may hold writes that
// exist nowhere else. The rollback is then refused: nothing is reverted or dropped.
func (e *Executor) ExecuteRollback(ctx context.Context, stage model.MigrationStage) (bool, error) {
	e.logger.Warn("Executing rollback", zap.String("stage", string(stage)))

	if e.traffic != nil && e.traffic.Applied() {
		kept := e.tables.RollbackTables()
		refused := migerrors.RollbackRefused("traffic already runs against the target")
		e.ledger.CreateCheckpoint(ctx, stage, model.CheckpointFailed, map[string]interface{}{
			"rollback":           false,
			"traffic_reverted":   false,
			"tables_rolled_back": []string{},
			"tables_kept":        kept,
		}, refused.Error())
		e.logger.Error("Rollback refused, target tables kept",
			zap.Strings("tables_kept", kept))
		return false, refused
	}

	var errs error
	results := make(map[string]interface{})

	if e.traffic != nil && e.traffic.Engaged() {
		if err := e.traffic.Revert(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("revert traffic: %w", err))
			results["traffic_reverted"] = false
		} else {
			results["traffic_reverted"] = true
		}
	}

	tables := e.tables.RollbackTables()
	rolledBack := make([]string, 0, len(tables))
	failed := make([]string, 0)

	// Undo in reverse capture order
	for i := len(tables) - 1; i >= 0; i-- {
		table := tables[i]
		if err := e.tables.RollbackTable(ctx, table); err != nil {
			e.logger.Error("Failed to roll back table",
				zap.String("table", table),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("table %s: %w", table, err))
			failed = append(failed, table)
			continue
		}
		rolledBack = append(rolledBack, table)
	}

	results["rollback"] = true
	results["tables_rolled_back"] = rolledBack
	results["tables_failed"] = failed

	if errs != nil {
		rbErr := migerrors.RollbackFailed(errs)
		e.ledger.CreateCheckpoint(ctx, stage, model.CheckpointFailed, results, rbErr.Error())
		e.logger.Error("Rollback incomplete",
			zap.Int("tables_rolled_back", len(rolledBack)),
			zap.Int("tables_failed", len(failed)),
			zap.Error(errs))
		return false, rbErr
	}

	e.ledger.CreateCheckpoint(ctx, stage, model.CheckpointPassed, results, "")
	e.logger.Info("Rollback completed successfully",
		zap.Int("tables_rolled_back", len(rolledBack)))
	return true, nil
}
