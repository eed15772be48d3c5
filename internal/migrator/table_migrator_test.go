package migrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/config"
	"github.com/devrev/pairdb/tablemover/internal/database"
	migerrors "github.com/devrev/pairdb/tablemover/internal/errors"
	"github.com/devrev/pairdb/tablemover/internal/model"
)

func openSQLite(t *testing.T, dir, name string) *database.SQLDatabase {
	t.Helper()
	db, err := database.NewSQLDatabase(name, config.DatabaseConfig{
		Driver:         config.DriverSQLite,
		DSN:            "file:" + filepath.Join(dir, name+".sqlite3"),
		ConnectTimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return db
}

// newTestMigrator returns a connected migrator over two SQLite files
func newTestMigrator(t *testing.T, batchSize int) (*TableMigrator, *database.SQLDatabase, *database.SQLDatabase) {
	t.Helper()
	dir := t.TempDir()
	source := openSQLite(t, dir, "source")
	target := openSQLite(t, dir, "target")

	m := NewTableMigrator(source, target, batchSize, 5, zap.NewNop())
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { m.Close() })
	return m, source, target
}

func seedOrders(t *testing.T, db database.Database, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Exec(ctx, `CREATE TABLE orders (
		id integer NOT NULL PRIMARY KEY,
		customer varchar(64) NOT NULL,
		total decimal(10, 2) NOT NULL
	)`))
	insertOrders(t, db, 1, n)
}

func insertOrders(t *testing.T, db database.Database, from, to int) {
	t.Helper()
	if to < from {
		return
	}
	rows := make([]database.Row, 0, to-from+1)
	for i := from; i <= to; i++ {
		rows = append(rows, database.Row{int64(i), fmt.Sprintf("customer-%d", i), float64(i)})
	}
	require.NoError(t, db.InsertBatch(context.Background(), "orders", []string{"id", "customer", "total"}, rows))
}

func prepareTarget(t *testing.T, m *TableMigrator, table string) {
	t.Helper()
	ctx := context.Background()
	columns, err := m.GetTableSchema(ctx, table)
	require.NoError(t, err)
	require.NoError(t, m.CreateTargetTable(ctx, table, columns))
}

func TestTableMigrator_MigrateTableData(t *testing.T) {
	m, _, target := newTestMigrator(t, 10)
	seedOrders(t, m.Source(), 35)
	prepareTarget(t, m, "orders")

	var calls []int64
	progress := m.MigrateTableData(context.Background(), "orders", 10, func(table string, processed, total int64) {
		assert.Equal(t, "orders", table)
		assert.Equal(t, int64(35), total)
		calls = append(calls, processed)
	})

	assert.Equal(t, model.TableStatusCompleted, progress.Status)
	assert.Equal(t, int64(35), progress.MigratedRecords)
	assert.Equal(t, int64(35), progress.TotalRecords)
	assert.Empty(t, progress.Error)
	assert.Equal(t, []int64{10, 20, 30, 35}, calls)

	count, err := target.CountRows(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(35), count)
}

func TestTableMigrator_MigrateKeylessTable(t *testing.T) {
	m, _, target := newTestMigrator(t, 4)
	ctx := context.Background()

	require.NoError(t, m.Source().Exec(ctx, `CREATE TABLE audit_log (event text NOT NULL, at integer NOT NULL)`))
	rows := make([]database.Row, 0, 9)
	for i := 0; i < 9; i++ {
		rows = append(rows, database.Row{fmt.Sprintf("event-%d", i), int64(i)})
	}
	require.NoError(t, m.Source().InsertBatch(ctx, "audit_log", []string{"event", "at"}, rows))
	prepareTarget(t, m, "audit_log")

	progress := m.MigrateTableData(ctx, "audit_log", 0, nil)
	assert.Equal(t, model.TableStatusCompleted, progress.Status)
	assert.Equal(t, int64(9), progress.MigratedRecords)

	count, err := target.CountRows(ctx, "audit_log")
	require.NoError(t, err)
	assert.Equal(t, int64(9), count)

	result, err := m.ValidateMigration(ctx, "audit_log")
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, model.RecordCheckCountOnly, result.RecordCheck)
}

// failingTarget fails InsertBatch after a number of successful batches
type failingTarget struct {
	database.Database
	allowed int
}

func (f *failingTarget) InsertBatch(ctx context.Context, table string, columns []string, rows []database.Row) error {
	if f.allowed <= 0 {
		return errors.New("disk full")
	}
	f.allowed--
	return f.Database.InsertBatch(ctx, table, columns, rows)
}

func TestTableMigrator_PartialCopyLeavesRowsInPlace(t *testing.T) {
	dir := t.TempDir()
	source := openSQLite(t, dir, "source")
	target := openSQLite(t, dir, "target")
	ctx := context.Background()

	m := NewTableMigrator(source, &failingTarget{Database: target, allowed: 2}, 10, 5, zap.NewNop())
	require.NoError(t, m.Connect(ctx))
	defer m.Close()

	seedOrders(t, source, 50)
	prepareTarget(t, m, "orders")

	progress := m.MigrateTableData(ctx, "orders", 10, nil)
	assert.Equal(t, model.TableStatusFailed, progress.Status)
	assert.Equal(t, int64(20), progress.MigratedRecords)
	assert.Contains(t, progress.Error, "disk full")

	count, err := target.CountRows(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)
}

func TestTableMigrator_ValidateMigration(t *testing.T) {
	m, _, target := newTestMigrator(t, 100)
	ctx := context.Background()
	seedOrders(t, m.Source(), 20)
	prepareTarget(t, m, "orders")

	progress := m.MigrateTableData(ctx, "orders", 100, nil)
	require.Equal(t, model.TableStatusCompleted, progress.Status)

	result, err := m.ValidateMigration(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, int64(20), result.SourceCount)
	assert.Equal(t, int64(20), result.TargetCount)
	assert.Empty(t, result.MissingRecords)
	assert.Empty(t, result.ExtraRecords)
	assert.Equal(t, model.RecordCheckKeys, result.RecordCheck)

	// Same count, different keys
	require.NoError(t, target.Exec(ctx, `DELETE FROM orders WHERE id = 3`))
	insertOrders(t, target, 100, 100)

	result, err = m.ValidateMigration(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, result.SourceCount, result.TargetCount)
	assert.Equal(t, []string{"3"}, result.MissingRecords)
	assert.Equal(t, []string{"100"}, result.ExtraRecords)
}

func TestTableMigrator_ValidateCapsReportedRecords(t *testing.T) {
	m, _, _ := newTestMigrator(t, 100)
	ctx := context.Background()
	seedOrders(t, m.Source(), 12)
	prepareTarget(t, m, "orders")

	result, err := m.ValidateMigration(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, int64(0), result.TargetCount)
	assert.Len(t, result.MissingRecords, 5)
	assert.Equal(t, int64(12), result.MissingCount)
}

func TestTableMigrator_SyncMissingRecords(t *testing.T) {
	m, _, _ := newTestMigrator(t, 7)
	ctx := context.Background()
	seedOrders(t, m.Source(), 30)
	prepareTarget(t, m, "orders")

	progress := m.MigrateTableData(ctx, "orders", 7, nil)
	require.Equal(t, model.TableStatusCompleted, progress.Status)

	// Rows written to and deleted from the live source after the copy
	insertOrders(t, m.Source(), 31, 45)
	require.NoError(t, m.Source().Exec(ctx, `DELETE FROM orders WHERE id IN (4, 5)`))

	result, err := m.ValidateMigration(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, int64(2), result.ExtraCount)

	synced, err := m.SyncMissingRecords(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(15), synced.Inserted)
	assert.Equal(t, int64(2), synced.Deleted)

	result, err = m.ValidateMigration(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, result.IsValid)

	synced, err = m.SyncMissingRecords(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, synced.Changed())
}

func TestTableMigrator_ReconcileTable(t *testing.T) {
	m, _, target := newTestMigrator(t, 4)
	ctx := context.Background()
	seedOrders(t, m.Source(), 10)
	prepareTarget(t, m, "orders")

	progress := m.MigrateTableData(ctx, "orders", 4, nil)
	require.Equal(t, model.TableStatusCompleted, progress.Status)

	// Changes on the live source that key validation cannot see, plus an insert and a delete
	require.NoError(t, m.Source().Exec(ctx, `UPDATE orders SET customer = 'updated' WHERE id = 3`))
	require.NoError(t, m.Source().Exec(ctx, `UPDATE orders SET total = 99.5 WHERE id = 8`))
	require.NoError(t, m.Source().Exec(ctx, `DELETE FROM orders WHERE id = 6`))
	insertOrders(t, m.Source(), 11, 11)

	result, err := m.ReconcileTable(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, model.SyncResult{Table: "orders", Inserted: 1, Updated: 2, Deleted: 1}, result)

	rows, err := target.FetchByKeys(ctx, "orders", []string{"customer", "total"}, "id", []interface{}{int64(3), int64(8)})
	require.NoError(t, err)
	got := make([]string, 0, len(rows))
	for _, row := range rows {
		got = append(got, database.RowString(row))
	}
	assert.ElementsMatch(t, []string{
		database.RowString(database.Row{"updated", float64(3)}),
		database.RowString(database.Row{"customer-8", 99.5}),
	}, got)

	validation, err := m.ValidateMigration(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, validation.IsValid)

	result, err = m.ReconcileTable(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, result.Changed())
}

func TestTableMigrator_ReconcileKeylessTable(t *testing.T) {
	m, _, target := newTestMigrator(t, 4)
	ctx := context.Background()

	require.NoError(t, m.Source().Exec(ctx, `CREATE TABLE audit_log (event text NOT NULL, at integer NOT NULL)`))
	require.NoError(t, m.Source().InsertBatch(ctx, "audit_log", []string{"event", "at"},
		[]database.Row{{"created", int64(1)}, {"paid", int64(2)}}))
	prepareTarget(t, m, "audit_log")
	require.Equal(t, model.TableStatusCompleted, m.MigrateTableData(ctx, "audit_log", 0, nil).Status)

	require.NoError(t, m.Source().Exec(ctx, `UPDATE audit_log SET event = 'refunded' WHERE at = 2`))

	result, err := m.ReconcileTable(ctx, "audit_log")
	require.NoError(t, err)
	assert.True(t, result.Refreshed)
	assert.Equal(t, int64(2), result.Deleted)
	assert.Equal(t, int64(2), result.Inserted)

	rows, err := target.ReadBatch(ctx, database.BatchQuery{Table: "audit_log", Columns: []string{"event", "at"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "refunded", database.KeyString(rows[1][0]))
}

func TestTableMigrator_CreateTargetTable(t *testing.T) {
	t.Run("refuses non-empty target table", func(t *testing.T) {
		m, _, target := newTestMigrator(t, 10)
		seedOrders(t, m.Source(), 3)
		seedOrders(t, target, 1)

		columns, err := m.GetTableSchema(context.Background(), "orders")
		require.NoError(t, err)

		err = m.CreateTargetTable(context.Background(), "orders", columns)
		require.Error(t, err)
		assert.Equal(t, migerrors.ErrCodeSchemaTranslation, migerrors.CodeOf(err))
		assert.Empty(t, m.RollbackTables())
	})

	t.Run("reuses empty target table", func(t *testing.T) {
		m, _, target := newTestMigrator(t, 10)
		seedOrders(t, m.Source(), 3)
		seedOrders(t, target, 0)

		prepareTarget(t, m, "orders")
		data, ok := m.RollbackData("orders")
		require.True(t, ok)
		assert.True(t, data.TargetExisted)
	})

	t.Run("captures rollback data once", func(t *testing.T) {
		m, _, _ := newTestMigrator(t, 10)
		seedOrders(t, m.Source(), 3)

		prepareTarget(t, m, "orders")
		first, ok := m.RollbackData("orders")
		require.True(t, ok)
		assert.False(t, first.TargetExisted)

		// Second call sees the table the run created but keeps the original capture
		prepareTarget(t, m, "orders")
		second, _ := m.RollbackData("orders")
		assert.Equal(t, first, second)
		assert.Equal(t, []string{"orders"}, m.RollbackTables())
	})
}

func TestTableMigrator_RollbackTable(t *testing.T) {
	m, _, target := newTestMigrator(t, 10)
	ctx := context.Background()

	seedOrders(t, m.Source(), 5)
	require.NoError(t, m.Source().Exec(ctx, `CREATE TABLE customers (id integer PRIMARY KEY, name text)`))
	require.NoError(t, target.Exec(ctx, `CREATE TABLE customers (id integer PRIMARY KEY, name text)`))

	prepareTarget(t, m, "orders")
	prepareTarget(t, m, "customers")
	require.NoError(t, target.InsertBatch(ctx, "customers", []string{"id", "name"}, []database.Row{{int64(1), "ada"}}))
	m.MigrateTableData(ctx, "orders", 10, nil)

	assert.Equal(t, []string{"orders", "customers"}, m.RollbackTables())

	require.NoError(t, m.RollbackTable(ctx, "orders"))
	exists, err := target.TableExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists, "table created by the run is dropped")

	require.NoError(t, m.RollbackTable(ctx, "customers"))
	exists, err = target.TableExists(ctx, "customers")
	require.NoError(t, err)
	assert.True(t, exists, "pre-existing table is kept")
	count, err := target.CountRows(ctx, "customers")
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.Error(t, m.RollbackTable(ctx, "unknown"))
}
