package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/schema"
)

// ErrNotConnected is returned when an operation runs before Connect
var ErrNotConnected = errors.New("database not connected")

// Row is one table row in column order
type Row []interface{}

// BatchQuery selects one page of rows from a table
type BatchQuery struct {
	Table   string
	Columns []string
	// KeyColumn enables keyset pagination; rows with key greater than After are returned
	KeyColumn string
	After     interface{}
	// Offset is used when KeyColumn is empty
	Offset int
	Limit  int
}

// Database is one side of a migration
type Database interface {
	// Connection management
	Name() string
	Dialect() schema.Dialect
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Schema operations
	ListTables(ctx context.Context) ([]string, error)
	TableExists(ctx context.Context, table string) (bool, error)
	GetSchema(ctx context.Context, table string) ([]model.ColumnDescriptor, error)
	Exec(ctx context.Context, stmt string) error
	DropTable(ctx context.Context, table string) error

	// Data operations
	CountRows(ctx context.Context, table string) (int64, error)
	ReadBatch(ctx context.Context, q BatchQuery) ([]Row, error)
	InsertBatch(ctx context.Context, table string, columns []string, rows []Row) error
	FetchKeys(ctx context.Context, table, keyColumn string) ([]interface{}, error)
	FetchByKeys(ctx context.Context, table string, columns []string, keyColumn string, keys []interface{}) ([]Row, error)
	// ReplaceBatch deletes the rows sharing a key with rows and inserts rows, in one transaction
	ReplaceBatch(ctx context.Context, table string, columns []string, keyColumn string, rows []Row) error
	DeleteByKeys(ctx context.Context, table, keyColumn string, keys []interface{}) error
	DeleteAll(ctx context.Context, table string) error
}

// RowString renders a row so equal rows read from different drivers compare equal
func RowString(row Row) string {
	var b strings.Builder
	for i, v := range row {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		if v == nil {
			b.WriteByte(0)
			continue
		}
		b.WriteString(KeyString(v))
	}
	return b.String()
}

// KeyString renders a key value so keys read from different drivers compare equal
func KeyString(v interface{}) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case []byte:
		return string(k)
	case int64:
		return strconv.FormatInt(k, 10)
	case int32:
		return strconv.FormatInt(int64(k), 10)
	case int:
		return strconv.Itoa(k)
	case uint64:
		return strconv.FormatUint(k, 10)
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64)
	case time.Time:
		return k.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return k.String()
	default:
		return fmt.Sprint(k)
	}
}
