package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/config"
	migerrors "github.com/devrev/pairdb/tablemover/internal/errors"
	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/schema"
)

// maxBindParams keeps multi-row statements under SQLite's historical bind limit
const maxBindParams = 999

// SQLDatabase implements Database over database/sql
type SQLDatabase struct {
	name    string
	dialect schema.Dialect
	cfg     config.DatabaseConfig
	logger  *zap.Logger

	// connMu serializes Connect and Close; readers load db without locking
	connMu sync.Mutex
	db     atomic.Pointer[sql.DB]
}

// NewSQLDatabase creates a database handle; no connection is made until Connect
func NewSQLDatabase(name string, cfg config.DatabaseConfig, logger *zap.Logger) (*SQLDatabase, error) {
	dialect, err := schema.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, migerrors.Configuration(fmt.Sprintf("%s: %v", name, err))
	}
	return &SQLDatabase{
		name:    name,
		dialect: dialect,
		cfg:     cfg,
		logger:  logger.With(zap.String("database", name), zap.String("dialect", string(dialect))),
	}, nil
}

// Name returns the role of the database in the run (source or target)
func (d *SQLDatabase) Name() string {
	return d.name
}

// Dialect returns the SQL dialect
func (d *SQLDatabase) Dialect() schema.Dialect {
	return d.dialect
}

// Connect opens the pool and verifies the connection
func (d *SQLDatabase) Connect(ctx context.Context) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	if d.db.Load() != nil {
		return nil
	}

	db, err := sql.Open(d.dialect.DriverName(), d.cfg.DSN)
	if err != nil {
		return migerrors.Connectivity(d.name, err)
	}
	if d.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.cfg.MaxOpenConns)
	}
	if d.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(d.cfg.MaxIdleConns)
	}
	if d.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(d.cfg.ConnMaxLifetime)
	}

	timeout := d.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return migerrors.Connectivity(d.name, err)
	}

	d.db.Store(db)
	d.logger.Info("Database connected")
	return nil
}

// Ping checks the connection
func (d *SQLDatabase) Ping(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close closes the pool
func (d *SQLDatabase) Close() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	db := d.db.Swap(nil)
	if db == nil {
		return nil
	}
	return db.Close()
}

func (d *SQLDatabase) conn() (*sql.DB, error) {
	db := d.db.Load()
	if db == nil {
		return nil, ErrNotConnected
	}
	return db, nil
}

// ListTables returns the user tables ordered by name
func (d *SQLDatabase) ListTables(ctx context.Context) ([]string, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	var query string
	switch d.dialect {
	case schema.SQLite:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	case schema.MySQL:
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`
	case schema.Postgres:
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableExists reports whether the table is present
func (d *SQLDatabase) TableExists(ctx context.Context, table string) (bool, error) {
	tables, err := d.ListTables(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == table {
			return true, nil
		}
	}
	return false, nil
}

// GetSchema returns the column descriptors of a table in declaration order
func (d *SQLDatabase) GetSchema(ctx context.Context, table string) ([]model.ColumnDescriptor, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}
	if d.dialect == schema.SQLite {
		return d.sqliteSchema(ctx, db, table)
	}

	var query string
	switch d.dialect {
	case schema.MySQL:
		query = `SELECT column_name, column_type, is_nullable = 'YES', column_default, column_key = 'PRI', ordinal_position
			FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ?
			ORDER BY ordinal_position`
	case schema.Postgres:
		query = `SELECT c.column_name,
				CASE
					WHEN c.character_maximum_length IS NOT NULL THEN c.data_type || '(' || c.character_maximum_length || ')'
					WHEN c.data_type = 'numeric' AND c.numeric_precision IS NOT NULL THEN 'numeric(' || c.numeric_precision || ',' || c.numeric_scale || ')'
					ELSE c.data_type
				END,
				c.is_nullable = 'YES',
				c.column_default,
				EXISTS (
					SELECT 1 FROM information_schema.table_constraints tc
					JOIN information_schema.key_column_usage k
						ON tc.constraint_name = k.constraint_name AND tc.table_schema = k.table_schema
					WHERE tc.constraint_type = 'PRIMARY KEY'
						AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
						AND k.column_name = c.column_name
				),
				c.ordinal_position
			FROM information_schema.columns c
			WHERE c.table_schema = current_schema() AND c.table_name = $1
			ORDER BY c.ordinal_position`
	}

	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	defer rows.Close()

	columns := make([]model.ColumnDescriptor, 0)
	for rows.Next() {
		var (
			col  model.ColumnDescriptor
			dflt sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &dflt, &col.PrimaryKey, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		if dflt.Valid {
			v := dflt.String
			col.Default = &v
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found on %s", table, d.name)
	}
	return columns, nil
}

func (d *SQLDatabase) sqliteSchema(ctx context.Context, db *sql.DB, table string) ([]model.ColumnDescriptor, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.dialect.QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	defer rows.Close()

	columns := make([]model.ColumnDescriptor, 0)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		col := model.ColumnDescriptor{
			Name:       name,
			Type:       typ,
			Nullable:   notNull == 0,
			PrimaryKey: pk > 0,
			Position:   cid + 1,
		}
		if dflt.Valid {
			v := dflt.String
			col.Default = &v
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found on %s", table, d.name)
	}
	return columns, nil
}

// Exec runs a statement that returns no rows
func (d *SQLDatabase) Exec(ctx context.Context, stmt string) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, stmt)
	return err
}

// DropTable drops the table if it exists
func (d *SQLDatabase) DropTable(ctx context.Context, table string) error {
	return d.Exec(ctx, "DROP TABLE IF EXISTS "+d.dialect.QuoteIdent(table))
}

// DeleteAll removes every row of the table
func (d *SQLDatabase) DeleteAll(ctx context.Context, table string) error {
	return d.Exec(ctx, "DELETE FROM "+d.dialect.QuoteIdent(table))
}

// CountRows returns the number of rows in the table
func (d *SQLDatabase) CountRows(ctx context.Context, table string) (int64, error) {
	db, err := d.conn()
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.dialect.QuoteIdent(table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	return count, nil
}

// ReadBatch returns one page of rows
func (d *SQLDatabase) ReadBatch(ctx context.Context, q BatchQuery) ([]Row, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	var (
		b    strings.Builder
		args []interface{}
	)
	fmt.Fprintf(&b, "SELECT %s FROM %s", d.dialect.QuoteIdents(q.Columns), d.dialect.QuoteIdent(q.Table))
	if q.KeyColumn != "" {
		key := d.dialect.QuoteIdent(q.KeyColumn)
		if q.After != nil {
			fmt.Fprintf(&b, " WHERE %s > %s", key, d.dialect.Placeholder(1))
			args = append(args, q.After)
		}
		fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", key, q.Limit)
	} else {
		fmt.Fprintf(&b, " ORDER BY %s LIMIT %d OFFSET %d", d.dialect.QuoteIdents(q.Columns), q.Limit, q.Offset)
	}

	return d.queryRows(ctx, db, b.String(), len(q.Columns), args...)
}

// InsertBatch inserts rows in a single transaction
func (d *SQLDatabase) InsertBatch(ctx context.Context, table string, columns []string, rows []Row) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert into %s: %w", table, err)
	}
	if err := d.insertRows(ctx, tx, table, columns, rows); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert into %s: %w", table, err)
	}
	return nil
}

// ReplaceBatch overwrites the target rows sharing a key with rows
func (d *SQLDatabase) ReplaceBatch(ctx context.Context, table string, columns []string, keyColumn string, rows []Row) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	keyIndex := -1
	for i, c := range columns {
		if c == keyColumn {
			keyIndex = i
			break
		}
	}
	if keyIndex < 0 {
		return fmt.Errorf("key column %s not among the columns of %s", keyColumn, table)
	}
	keys := make([]interface{}, len(rows))
	for i, row := range rows {
		keys[i] = row[keyIndex]
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin replace in %s: %w", table, err)
	}
	if err := d.deleteKeys(ctx, tx, table, keyColumn, keys); err != nil {
		tx.Rollback()
		return err
	}
	if err := d.insertRows(ctx, tx, table, columns, rows); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace in %s: %w", table, err)
	}
	return nil
}

// DeleteByKeys removes the rows whose key is in keys
func (d *SQLDatabase) DeleteByKeys(ctx context.Context, table, keyColumn string, keys []interface{}) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete from %s: %w", table, err)
	}
	if err := d.deleteKeys(ctx, tx, table, keyColumn, keys); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete from %s: %w", table, err)
	}
	return nil
}

func (d *SQLDatabase) deleteKeys(ctx context.Context, tx *sql.Tx, table, keyColumn string, keys []interface{}) error {
	for start := 0; start < len(keys); start += maxBindParams {
		end := start + maxBindParams
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			d.dialect.QuoteIdent(table),
			d.dialect.QuoteIdent(keyColumn),
			d.dialect.Placeholders(1, len(chunk)))
		if _, err := tx.ExecContext(ctx, stmt, chunk...); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func (d *SQLDatabase) insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows []Row) error {
	perStatement := maxBindParams / len(columns)
	if perStatement < 1 {
		perStatement = 1
	}
	for start := 0; start < len(rows); start += perStatement {
		end := start + perStatement
		if end > len(rows) {
			end = len(rows)
		}
		stmt, args := d.insertStatement(table, columns, rows[start:end])
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

func (d *SQLDatabase) insertStatement(table string, columns []string, rows []Row) (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.dialect.QuoteIdent(table), d.dialect.QuoteIdents(columns))

	args := make([]interface{}, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		b.WriteString(d.dialect.Placeholders(len(args)+1, len(columns)))
		b.WriteString(")")
		args = append(args, row...)
	}
	return b.String(), args
}

// FetchKeys returns every value of the key column
func (d *SQLDatabase) FetchKeys(ctx context.Context, table, keyColumn string) ([]interface{}, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}
	key := d.dialect.QuoteIdent(keyColumn)
	rows, err := d.queryRows(ctx, db, fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", key, d.dialect.QuoteIdent(table), key), 1)
	if err != nil {
		return nil, err
	}
	keys := make([]interface{}, len(rows))
	for i, r := range rows {
		keys[i] = r[0]
	}
	return keys, nil
}

// FetchByKeys returns the rows whose key is in keys
func (d *SQLDatabase) FetchByKeys(ctx context.Context, table string, columns []string, keyColumn string, keys []interface{}) ([]Row, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	result := make([]Row, 0, len(keys))
	for start := 0; start < len(keys); start += maxBindParams {
		end := start + maxBindParams
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			d.dialect.QuoteIdents(columns),
			d.dialect.QuoteIdent(table),
			d.dialect.QuoteIdent(keyColumn),
			d.dialect.Placeholders(1, len(chunk)))
		rows, err := d.queryRows(ctx, db, query, len(columns), chunk...)
		if err != nil {
			return nil, err
		}
		result = append(result, rows...)
	}
	return result, nil
}

func (d *SQLDatabase) queryRows(ctx context.Context, db *sql.DB, query string, width int, args ...interface{}) ([]Row, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query on %s failed: %w", d.name, err)
	}
	defer rows.Close()

	result := make([]Row, 0)
	for rows.Next() {
		values := make(Row, width)
		ptrs := make([]interface{}, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row on %s: %w", d.name, err)
		}
		result = append(result, values)
	}
	return result, rows.Err()
}
