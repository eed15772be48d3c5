package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	migerrors "github.com/devrev/pairdb/tablemover/internal/errors"
	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/schema"
	"github.com/devrev/pairdb/tablemover/internal/tracker"
)

// stagePreparation connects both databases, selects the tables to move and counts their rows
func (s *MigrationService) stagePreparation(ctx context.Context) (map[string]interface{}, error) {
	if err := s.tables.Connect(ctx); err != nil {
		if migerrors.CodeOf(err) == migerrors.ErrCodeUnexpected {
			return nil, migerrors.Connectivity("source or target", err)
		}
		return nil, err
	}

	all, err := s.tables.ListTables(ctx)
	if err != nil {
		return nil, migerrors.Connectivity("source", err)
	}

	selected := make([]string, 0, len(all))
	for _, table := range all {
		if s.cfg.TableSelected(table) {
			selected = append(selected, table)
		}
	}

	counts := make(map[string]int64, len(selected))
	var total int64
	for _, table := range selected {
		n, err := s.tables.CountSourceRows(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to count rows of %s: %w", table, err)
		}
		counts[table] = n
		total += n
	}

	s.mu.Lock()
	s.selected = selected
	s.mu.Unlock()

	s.tracker.Update(tracker.WithTotals(len(selected), total))

	s.logger.Info("Preparation finished",
		zap.Int("tables", len(selected)),
		zap.Int("skipped_tables", len(all)-len(selected)),
		zap.Int64("total_records", total))

	return map[string]interface{}{
		"tables":         len(selected),
		"skipped_tables": len(all) - len(selected),
		"total_records":  total,
		"table_counts":   counts,
	}, nil
}

// stageSchemaSync creates every selected table on the target and remembers its layout
func (s *MigrationService) stageSchemaSync(ctx context.Context) (map[string]interface{}, error) {
	tables := s.selectedTables()
	fingerprints := make(map[string]string, len(tables))

	for _, table := range tables {
		columns, err := s.tables.GetTableSchema(ctx, table)
		if err != nil {
			return map[string]interface{}{"tables_created": len(fingerprints)},
				migerrors.SchemaTranslation(table, err)
		}
		if err := s.tables.CreateTargetTable(ctx, table, columns); err != nil {
			if migerrors.CodeOf(err) == migerrors.ErrCodeUnexpected {
				err = migerrors.SchemaTranslation(table, err)
			}
			return map[string]interface{}{"tables_created": len(fingerprints)}, err
		}
		fingerprints[table] = schema.Fingerprint(columns)
	}

	s.mu.Lock()
	for table, fp := range fingerprints {
		s.fingerprints[table] = fp
	}
	s.mu.Unlock()

	return map[string]interface{}{
		"tables_created": len(fingerprints),
		"fingerprints":   fingerprints,
	}, nil
}

// stageInitialDataSync copies every table. A table that does not complete is counted
// as an error and the remaining tables still run; the stage fails at the end.
func (s *MigrationService) stageInitialDataSync(ctx context.Context) (map[string]interface{}, error) {
	tables := s.selectedTables()
	perTable := make(map[string]interface{}, len(tables))
	failed := make([]string, 0)

	var migrated int64
	processed := 0
	for _, table := range tables {
		base := migrated
		progress := s.tables.MigrateTableData(ctx, table, s.cfg.BatchSize, func(_ string, done, _ int64) {
			s.tracker.Update(tracker.WithRecordsMigrated(base + done))
		})
		perTable[table] = progress
		migrated += progress.MigratedRecords

		if progress.Status != model.TableStatusCompleted {
			failed = append(failed, table)
			var cause error
			if progress.Error != "" {
				cause = errors.New(progress.Error)
			}
			copyErr := migerrors.PartialCopy(table, progress.MigratedRecords, progress.TotalRecords, cause).
				WithStage(string(model.StageInitialDataSync))
			s.tracker.Update(tracker.WithRecordsMigrated(migrated), tracker.AddErrors(1))
			s.notifyError(copyErr, model.StageInitialDataSync)
			continue
		}

		processed++
		s.tracker.Update(tracker.WithRecordsMigrated(migrated), tracker.WithTablesProcessed(processed))
	}

	results := map[string]interface{}{
		"tables":           perTable,
		"tables_processed": processed,
		"records_migrated": migrated,
		"failed_tables":    failed,
	}
	if len(failed) > 0 {
		return results, migerrors.NewMigrationError(migerrors.ErrCodePartialCopy,
			fmt.Sprintf("%d of %d tables did not complete", len(failed), len(tables)), nil).
			WithDetail("tables", failed)
	}
	return results, nil
}

// stageValidation checks every table, catching up rows written during the copy
// between attempts. Each failed attempt before the last records its own failed checkpoint.
func (s *MigrationService) stageValidation(ctx context.Context) (map[string]interface{}, error) {
	attempts := s.cfg.ValidationAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		results, invalid, err := s.validateAll(ctx, exactMatch)
		if err != nil {
			return results, err
		}
		results["attempt"] = attempt
		if len(invalid) == 0 {
			return results, nil
		}

		mismatch := mismatchError(invalid)
		if attempt >= attempts {
			return results, mismatch
		}

		s.ledger.CreateCheckpoint(ctx, model.StageValidation, model.CheckpointFailed, results, mismatch.Error())
		s.tracker.Update(tracker.AddWarnings(1))
		s.logger.Warn("Validation attempt failed, catching up",
			zap.Int("attempt", attempt),
			zap.Int("invalid_tables", len(invalid)))

		for _, result := range invalid {
			if _, err := s.catchUp(ctx, result.Table); err != nil {
				return results, err
			}
		}
	}
}

// stageCutoverPreparation verifies the source schema has not drifted, freezes writes
// and reconciles every table with the now stable source, row values included.
func (s *MigrationService) stageCutoverPreparation(ctx context.Context) (map[string]interface{}, error) {
	tables := s.selectedTables()

	s.mu.RLock()
	expected := make(map[string]string, len(s.fingerprints))
	for k, v := range s.fingerprints {
		expected[k] = v
	}
	s.mu.RUnlock()

	for _, table := range tables {
		columns, err := s.tables.GetTableSchema(ctx, table)
		if err != nil {
			return nil, err
		}
		if schema.Fingerprint(columns) != expected[table] {
			return map[string]interface{}{"drifted_table": table}, migerrors.SchemaDrift(table)
		}
	}

	if err := s.traffic.Prepare(ctx); err != nil {
		return nil, migerrors.Cutover("prepare", err)
	}

	reconciled := make(map[string]interface{}, len(tables))
	var changed int64
	for _, table := range tables {
		result, err := s.tables.ReconcileTable(ctx, table)
		if err != nil {
			return map[string]interface{}{"reconciled": reconciled},
				migerrors.Unexpected(fmt.Sprintf("failed to reconcile table %s", table), err)
		}
		reconciled[table] = result
		changed += result.Changed()
		s.addCaughtUp(result)
	}

	return map[string]interface{}{
		"schema_checked":  len(tables),
		"reconciled":      reconciled,
		"changed_records": changed,
	}, nil
}

// stageCutover switches application traffic to the target
func (s *MigrationService) stageCutover(ctx context.Context) (map[string]interface{}, error) {
	if err := s.traffic.Cutover(ctx); err != nil {
		return nil, migerrors.Cutover("switch", err)
	}
	return map[string]interface{}{"traffic_switched": true}, nil
}

// stagePostCutoverValidation checks every table once more. Once traffic is on the
// target the application may already have written to it, so only coverage of the
// source is required.
func (s *MigrationService) stagePostCutoverValidation(ctx context.Context) (map[string]interface{}, error) {
	mode := exactMatch
	if s.traffic.Applied() {
		mode = coversSource
	}
	results, invalid, err := s.validateAll(ctx, mode)
	if err != nil {
		return results, err
	}
	if len(invalid) > 0 {
		return results, mismatchError(invalid)
	}
	return results, nil
}

// stageCleanup finalizes the switch. It never fails the run; problems become warnings.
func (s *MigrationService) stageCleanup(ctx context.Context) (map[string]interface{}, error) {
	warnings := make([]string, 0)
	if err := s.traffic.Finalize(ctx); err != nil {
		warnings = append(warnings, err.Error())
		s.tracker.Update(tracker.AddWarnings(1))
		s.logger.Warn("Cleanup had issues", zap.Error(err))
	}
	return map[string]interface{}{"warnings": warnings}, nil
}

type validationMode string

const (
	// exactMatch requires equal counts and key sets
	exactMatch validationMode = "exact"
	// coversSource allows rows that only the target holds
	coversSource validationMode = "covers_source"
)

// validateAll validates every selected table and returns the invalid ones
func (s *MigrationService) validateAll(ctx context.Context, mode validationMode) (map[string]interface{}, []model.ValidationResult, error) {
	tables := s.selectedTables()
	perTable := make(map[string]interface{}, len(tables))
	invalid := make([]model.ValidationResult, 0)

	for _, table := range tables {
		result, err := s.tables.ValidateMigration(ctx, table)
		if err != nil {
			return map[string]interface{}{"tables": perTable}, nil,
				migerrors.Unexpected(fmt.Sprintf("failed to validate table %s", table), err)
		}
		if mode == coversSource {
			result.IsValid = result.CoversSource()
		}
		perTable[table] = result
		if !result.IsValid {
			invalid = append(invalid, result)
		}
	}

	return map[string]interface{}{
		"tables":          perTable,
		"invalid_tables":  len(invalid),
		"validation_mode": string(mode),
	}, invalid, nil
}

// catchUp brings the keys of a table in line with the source and counts the copied rows as migrated
func (s *MigrationService) catchUp(ctx context.Context, table string) (model.SyncResult, error) {
	result, err := s.tables.SyncMissingRecords(ctx, table)
	if err != nil {
		return result, migerrors.Unexpected(fmt.Sprintf("failed to catch up table %s", table), err)
	}
	s.addCaughtUp(result)
	return result, nil
}

func (s *MigrationService) addCaughtUp(result model.SyncResult) {
	added := result.Inserted
	if result.Refreshed {
		added = result.Inserted - result.Deleted
	}
	if added <= 0 {
		return
	}
	m, _ := s.tracker.Snapshot()
	s.tracker.Update(tracker.WithRecordsMigrated(m.RecordsMigrated + added))
}

func (s *MigrationService) selectedTables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.selected))
	copy(out, s.selected)
	return out
}

func mismatchError(invalid []model.ValidationResult) *migerrors.MigrationError {
	first := invalid[0]
	tables := make([]string, len(invalid))
	for i, r := range invalid {
		tables[i] = r.Table
	}
	return migerrors.ValidationMismatch(first.Table, first.SourceCount, first.TargetCount).
		WithDetail("invalid_tables", tables).
		WithDetail("missing_records", first.MissingRecords).
		WithDetail("extra_records", first.ExtraRecords)
}
