package migrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/tablemover/internal/database"
	migerrors "github.com/devrev/pairdb/tablemover/internal/errors"
	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/schema"
)

// ProgressFunc is called after every copied batch
type ProgressFunc func(table string, processed, total int64)

// TableMigrator moves one table at a time from the source to the target database.
// It owns both connections for the duration of a run.
type TableMigrator struct {
	source      database.Database
	target      database.Database
	maxReported int
	batchSize   int
	logger      *zap.Logger

	mu            sync.RWMutex
	rollbackData  map[string]model.RollbackData
	rollbackOrder []string
}

// NewTableMigrator creates a new table migrator
func NewTableMigrator(source, target database.Database, batchSize, maxReported int, logger *zap.Logger) *TableMigrator {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if maxReported <= 0 {
		maxReported = 100
	}
	return &TableMigrator{
		source:       source,
		target:       target,
		maxReported:  maxReported,
		batchSize:    batchSize,
		logger:       logger,
		rollbackData: make(map[string]model.RollbackData),
	}
}

// Source returns the source database
func (m *TableMigrator) Source() database.Database {
	return m.source
}

// Target returns the target database
func (m *TableMigrator) Target() database.Database {
	return m.target
}

// Connect connects both databases concurrently
func (m *TableMigrator) Connect(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.source.Connect(gctx) })
	g.Go(func() error { return m.target.Connect(gctx) })
	return g.Wait()
}

// Close releases both connections
func (m *TableMigrator) Close() error {
	srcErr := m.source.Close()
	tgtErr := m.target.Close()
	if srcErr != nil {
		return srcErr
	}
	return tgtErr
}

// ListTables returns the source tables
func (m *TableMigrator) ListTables(ctx context.Context) ([]string, error) {
	return m.source.ListTables(ctx)
}

// CountSourceRows returns the row count of a source table
func (m *TableMigrator) CountSourceRows(ctx context.Context, table string) (int64, error) {
	return m.source.CountRows(ctx, table)
}

// GetTableSchema returns the source column descriptors of a table
func (m *TableMigrator) GetTableSchema(ctx context.Context, table string) ([]model.ColumnDescriptor, error) {
	return m.source.GetSchema(ctx, table)
}

// CreateTargetTable creates the table on the target. Rollback data is captured before
// anything is created; an existing empty table is reused, a non-empty one is refused.
func (m *TableMigrator) CreateTargetTable(ctx context.Context, table string, columns []model.ColumnDescriptor) error {
	exists, err := m.target.TableExists(ctx, table)
	if err != nil {
		return migerrors.SchemaTranslation(table, err)
	}

	if exists {
		count, err := m.target.CountRows(ctx, table)
		if err != nil {
			return migerrors.SchemaTranslation(table, err)
		}
		if count > 0 {
			return migerrors.SchemaTranslation(table,
				fmt.Errorf("target table already contains %d rows", count))
		}
	}

	m.captureRollbackData(table, exists)

	if exists {
		m.logger.Info("Target table already exists and is empty, reusing it",
			zap.String("table", table))
		return nil
	}

	stmt, err := schema.CreateTableSQL(m.source.Dialect(), m.target.Dialect(), table, columns)
	if err != nil {
		return migerrors.SchemaTranslation(table, err)
	}
	if err := m.target.Exec(ctx, stmt); err != nil {
		return migerrors.SchemaTranslation(table, err)
	}

	m.logger.Info("Created target table",
		zap.String("table", table),
		zap.Int("columns", len(columns)))
	return nil
}

func (m *TableMigrator) captureRollbackData(table string, existed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rollbackData[table]; ok {
		return
	}
	m.rollbackData[table] = model.RollbackData{
		Table:         table,
		TargetExisted: existed,
		CapturedAt:    time.Now(),
	}
	m.rollbackOrder = append(m.rollbackOrder, table)
}

// RollbackTables returns the tables with captured rollback data in capture order
func (m *TableMigrator) RollbackTables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tables := make([]string, len(m.rollbackOrder))
	copy(tables, m.rollbackOrder)
	return tables
}

// RollbackData returns the captured rollback data of a table
func (m *TableMigrator) RollbackData(table string) (model.RollbackData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.rollbackData[table]
	return data, ok
}

// RollbackTable restores the target table to its state before the run:
// tables created by the run are dropped, pre-existing ones are emptied.
func (m *TableMigrator) RollbackTable(ctx context.Context, table string) error {
	data, ok := m.RollbackData(table)
	if !ok {
		return fmt.Errorf("no rollback data captured for table %s", table)
	}

	if data.TargetExisted {
		if err := m.target.DeleteAll(ctx, table); err != nil {
			return fmt.Errorf("failed to empty table %s: %w", table, err)
		}
	} else {
		if err := m.target.DropTable(ctx, table); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}

	m.logger.Info("Rolled back table",
		zap.String("table", table),
		zap.Bool("target_existed", data.TargetExisted))
	return nil
}

// MigrateTableData copies all rows of a table in batches. Batches commit independently,
// so a failure leaves the rows copied so far in place.
func (m *TableMigrator) MigrateTableData(ctx context.Context, table string, batchSize int, progress ProgressFunc) model.MigrationProgress {
	start := time.Now()
	if batchSize <= 0 {
		batchSize = m.batchSize
	}

	result := model.MigrationProgress{
		Table:  table,
		Status: model.TableStatusInProgress,
	}
	fail := func(err error) model.MigrationProgress {
		result.Status = model.TableStatusFailed
		result.Error = err.Error()
		result.DurationSeconds = time.Since(start).Seconds()
		m.logger.Error("Table data migration failed",
			zap.String("table", table),
			zap.Int64("migrated", result.MigratedRecords),
			zap.Int64("total", result.TotalRecords),
			zap.Error(err))
		return result
	}

	total, err := m.source.CountRows(ctx, table)
	if err != nil {
		return fail(err)
	}
	result.TotalRecords = total

	columns, err := m.source.GetSchema(ctx, table)
	if err != nil {
		return fail(err)
	}
	names := model.ColumnNames(columns)
	keyColumn, keyIndex := singleKey(columns)

	query := database.BatchQuery{
		Table:     table,
		Columns:   names,
		KeyColumn: keyColumn,
		Limit:     batchSize,
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		rows, err := m.source.ReadBatch(ctx, query)
		if err != nil {
			return fail(err)
		}
		if len(rows) == 0 {
			break
		}

		if err := m.target.InsertBatch(ctx, table, names, rows); err != nil {
			return fail(err)
		}

		result.MigratedRecords += int64(len(rows))
		if progress != nil {
			progress(table, result.MigratedRecords, total)
		}

		if len(rows) < batchSize {
			break
		}
		if keyColumn != "" {
			query.After = rows[len(rows)-1][keyIndex]
		} else {
			query.Offset += len(rows)
		}
	}

	result.Status = model.TableStatusCompleted
	result.DurationSeconds = time.Since(start).Seconds()

	m.logger.Info("Table data migrated",
		zap.String("table", table),
		zap.Int64("records", result.MigratedRecords),
		zap.Float64("duration_seconds", result.DurationSeconds))
	return result
}

// ValidateMigration compares a table on both sides: row counts always, and the key
// sets when the table has a single-column primary key.
func (m *TableMigrator) ValidateMigration(ctx context.Context, table string) (model.ValidationResult, error) {
	result := model.ValidationResult{Table: table}

	sourceCount, err := m.source.CountRows(ctx, table)
	if err != nil {
		return result, err
	}
	targetCount, err := m.target.CountRows(ctx, table)
	if err != nil {
		return result, err
	}
	result.SourceCount = sourceCount
	result.TargetCount = targetCount

	columns, err := m.source.GetSchema(ctx, table)
	if err != nil {
		return result, err
	}
	keyColumn, _ := singleKey(columns)
	if keyColumn == "" {
		result.RecordCheck = model.RecordCheckCountOnly
		result.MissingRecords = []string{}
		result.ExtraRecords = []string{}
		if sourceCount > targetCount {
			result.MissingCount = sourceCount - targetCount
		} else {
			result.ExtraCount = targetCount - sourceCount
		}
		result.IsValid = sourceCount == targetCount
		return result, nil
	}

	result.RecordCheck = model.RecordCheckKeys
	missing, extra, err := m.diffKeys(ctx, table, keyColumn)
	if err != nil {
		return result, err
	}

	result.MissingRecords = keyStrings(missing, m.maxReported)
	result.ExtraRecords = keyStrings(extra, m.maxReported)
	result.MissingCount = int64(len(missing))
	result.ExtraCount = int64(len(extra))
	result.IsValid = sourceCount == targetCount && len(missing) == 0 && len(extra) == 0

	if !result.IsValid {
		m.logger.Warn("Table validation mismatch",
			zap.String("table", table),
			zap.Int64("source_count", sourceCount),
			zap.Int64("target_count", targetCount),
			zap.Int("missing", len(missing)),
			zap.Int("extra", len(extra)))
	}
	return result, nil
}

// SyncMissingRecords copies source rows whose keys are absent from the target and
// removes target rows whose keys are gone from the source, picking up inserts and
// deletes made on the live source while the bulk copy ran.
func (m *TableMigrator) SyncMissingRecords(ctx context.Context, table string) (model.SyncResult, error) {
	result := model.SyncResult{Table: table}

	columns, err := m.source.GetSchema(ctx, table)
	if err != nil {
		return result, err
	}
	keyColumn, _ := singleKey(columns)
	if keyColumn == "" {
		m.logger.Debug("Table has no single-column key, skipping catch-up sync",
			zap.String("table", table))
		return result, nil
	}

	missing, extra, err := m.diffKeys(ctx, table, keyColumn)
	if err != nil {
		return result, err
	}

	names := model.ColumnNames(columns)
	for start := 0; start < len(missing); start += m.batchSize {
		end := min(start+m.batchSize, len(missing))
		rows, err := m.source.FetchByKeys(ctx, table, names, keyColumn, missing[start:end])
		if err != nil {
			return result, err
		}
		if err := m.target.InsertBatch(ctx, table, names, rows); err != nil {
			return result, err
		}
		result.Inserted += int64(len(rows))
	}

	if err := m.deleteExtra(ctx, table, keyColumn, extra); err != nil {
		return result, err
	}
	result.Deleted = int64(len(extra))

	if result.Changed() > 0 {
		m.logger.Info("Caught up changes made during copy",
			zap.String("table", table),
			zap.Int64("inserted", result.Inserted),
			zap.Int64("deleted", result.Deleted))
	}
	return result, nil
}

// ReconcileTable makes the target table equal to the source, row values included.
// Keyed tables are compared batch by batch and only differing rows are rewritten;
// tables without a single-column key are emptied and copied again. It is meant to
// run while writes to the source are frozen.
func (m *TableMigrator) ReconcileTable(ctx context.Context, table string) (model.SyncResult, error) {
	result := model.SyncResult{Table: table}

	columns, err := m.source.GetSchema(ctx, table)
	if err != nil {
		return result, err
	}
	names := model.ColumnNames(columns)
	keyColumn, keyIndex := singleKey(columns)
	if keyColumn == "" {
		return m.refreshTable(ctx, table)
	}

	query := database.BatchQuery{
		Table:     table,
		Columns:   names,
		KeyColumn: keyColumn,
		Limit:     m.batchSize,
	}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rows, err := m.source.ReadBatch(ctx, query)
		if err != nil {
			return result, err
		}
		if len(rows) == 0 {
			break
		}

		keys := make([]interface{}, len(rows))
		for i, row := range rows {
			keys[i] = row[keyIndex]
		}
		current, err := m.target.FetchByKeys(ctx, table, names, keyColumn, keys)
		if err != nil {
			return result, err
		}
		onTarget := make(map[string]string, len(current))
		for _, row := range current {
			onTarget[database.KeyString(row[keyIndex])] = database.RowString(row)
		}

		stale := make([]database.Row, 0)
		for _, row := range rows {
			have, ok := onTarget[database.KeyString(row[keyIndex])]
			switch {
			case !ok:
				result.Inserted++
			case have != database.RowString(row):
				result.Updated++
			default:
				continue
			}
			stale = append(stale, row)
		}
		if err := m.target.ReplaceBatch(ctx, table, names, keyColumn, stale); err != nil {
			return result, err
		}

		if len(rows) < m.batchSize {
			break
		}
		query.After = rows[len(rows)-1][keyIndex]
	}

	_, extra, err := m.diffKeys(ctx, table, keyColumn)
	if err != nil {
		return result, err
	}
	if err := m.deleteExtra(ctx, table, keyColumn, extra); err != nil {
		return result, err
	}
	result.Deleted = int64(len(extra))

	m.logger.Info("Table reconciled",
		zap.String("table", table),
		zap.Int64("inserted", result.Inserted),
		zap.Int64("updated", result.Updated),
		zap.Int64("deleted", result.Deleted))
	return result, nil
}

// refreshTable replaces the whole target table with a fresh copy of the source
func (m *TableMigrator) refreshTable(ctx context.Context, table string) (model.SyncResult, error) {
	result := model.SyncResult{Table: table, Refreshed: true}

	previous, err := m.target.CountRows(ctx, table)
	if err != nil {
		return result, err
	}
	if err := m.target.DeleteAll(ctx, table); err != nil {
		return result, err
	}
	result.Deleted = previous

	progress := m.MigrateTableData(ctx, table, m.batchSize, nil)
	result.Inserted = progress.MigratedRecords
	if progress.Status != model.TableStatusCompleted {
		return result, fmt.Errorf("failed to copy table %s again: %s", table, progress.Error)
	}

	m.logger.Info("Table without single-column key copied again",
		zap.String("table", table),
		zap.Int64("records", result.Inserted))
	return result, nil
}

func (m *TableMigrator) deleteExtra(ctx context.Context, table, keyColumn string, extra []interface{}) error {
	for start := 0; start < len(extra); start += m.batchSize {
		end := min(start+m.batchSize, len(extra))
		if err := m.target.DeleteByKeys(ctx, table, keyColumn, extra[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// diffKeys returns the source keys missing from the target and the target keys absent from the source
func (m *TableMigrator) diffKeys(ctx context.Context, table, keyColumn string) ([]interface{}, []interface{}, error) {
	sourceKeys, err := m.source.FetchKeys(ctx, table, keyColumn)
	if err != nil {
		return nil, nil, err
	}
	targetKeys, err := m.target.FetchKeys(ctx, table, keyColumn)
	if err != nil {
		return nil, nil, err
	}

	inSource := make(map[string]struct{}, len(sourceKeys))
	for _, k := range sourceKeys {
		inSource[database.KeyString(k)] = struct{}{}
	}
	inTarget := make(map[string]struct{}, len(targetKeys))
	for _, k := range targetKeys {
		inTarget[database.KeyString(k)] = struct{}{}
	}

	missing := make([]interface{}, 0)
	for _, k := range sourceKeys {
		if _, ok := inTarget[database.KeyString(k)]; !ok {
			missing = append(missing, k)
		}
	}
	extra := make([]interface{}, 0)
	for _, k := range targetKeys {
		if _, ok := inSource[database.KeyString(k)]; !ok {
			extra = append(extra, k)
		}
	}
	return missing, extra, nil
}

// singleKey returns the primary key column and its index when the key has exactly one column
func singleKey(columns []model.ColumnDescriptor) (string, int) {
	keys := model.PrimaryKeyColumns(columns)
	if len(keys) != 1 {
		return "", -1
	}
	for i, c := range columns {
		if c.Name == keys[0] {
			return c.Name, i
		}
	}
	return "", -1
}

func keyStrings(keys []interface{}, limit int) []string {
	n := len(keys)
	if n > limit {
		n = limit
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = database.KeyString(keys[i])
	}
	return out
}
