package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/tablemover/internal/model"
)

type kind int

const (
	kindSmallInt kind = iota
	kindInt
	kindBigInt
	kindBool
	kindVarchar
	kindChar
	kindText
	kindFloat
	kindDecimal
	kindDateTime
	kindDate
	kindTime
	kindBlob
	kindUUID
	kindJSON
)

// columnType is the dialect-neutral form of a declared column type
type columnType struct {
	kind      kind
	length    int
	precision int
	scale     int
	unsigned  bool
}

var declaredTypeRe = regexp.MustCompile(`^([a-z][a-z0-9 _]*?)\s*(?:\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\))?\s*(unsigned)?(?:\s+check\s*\(.*\))?$`)

// Translate renders the column type declared on the from dialect for the to dialect
func Translate(from, to Dialect, col model.ColumnDescriptor) (string, error) {
	ct, err := parseType(from, col.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", col.Name, err)
	}
	return render(to, ct, col.PrimaryKey), nil
}

func parseType(from Dialect, declared string) (columnType, error) {
	decl := strings.ToLower(strings.TrimSpace(declared))
	if decl == "" {
		if from == SQLite {
			return columnType{kind: kindBlob}, nil
		}
		return columnType{}, fmt.Errorf("empty column type")
	}

	m := declaredTypeRe.FindStringSubmatch(decl)
	if m == nil {
		if from == SQLite {
			return affinity(decl), nil
		}
		return columnType{}, fmt.Errorf("cannot parse column type %q", declared)
	}

	base := strings.Join(strings.Fields(m[1]), " ")
	n1, _ := strconv.Atoi(m[2])
	n2, _ := strconv.Atoi(m[3])
	ct := columnType{unsigned: m[4] != ""}

	switch base {
	case "smallint", "int2", "tinyint":
		ct.kind = kindSmallInt
		if base == "tinyint" && n1 == 1 {
			ct.kind = kindBool
		}
	case "int", "int4", "mediumint":
		ct.kind = kindInt
	case "integer":
		// SQLite integers are 64-bit
		if from == SQLite {
			ct.kind = kindBigInt
		} else {
			ct.kind = kindInt
		}
	case "bigint", "int8", "bigserial":
		ct.kind = kindBigInt
	case "serial":
		ct.kind = kindInt
	case "bool", "boolean":
		ct.kind = kindBool
	case "varchar", "character varying", "nvarchar", "varying character":
		ct.kind = kindVarchar
		ct.length = n1
	case "char", "character", "nchar":
		ct.kind = kindChar
		ct.length = n1
	case "text", "clob", "longtext", "mediumtext", "tinytext":
		ct.kind = kindText
	case "real", "float", "double", "double precision", "float4", "float8":
		ct.kind = kindFloat
	case "decimal", "numeric":
		ct.kind = kindDecimal
		ct.precision = n1
		ct.scale = n2
	case "datetime", "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz":
		ct.kind = kindDateTime
	case "date":
		ct.kind = kindDate
	case "time", "time without time zone":
		ct.kind = kindTime
	case "blob", "bytea", "longblob", "binary", "varbinary":
		ct.kind = kindBlob
	case "uuid":
		ct.kind = kindUUID
	case "json", "jsonb":
		ct.kind = kindJSON
	default:
		if from == SQLite {
			return affinity(decl), nil
		}
		return columnType{}, fmt.Errorf("unsupported column type %q", declared)
	}
	return ct, nil
}

// affinity applies SQLite's type affinity rules to an unrecognised declaration
func affinity(decl string) columnType {
	switch {
	case strings.Contains(decl, "int"):
		return columnType{kind: kindBigInt}
	case strings.Contains(decl, "char"), strings.Contains(decl, "clob"), strings.Contains(decl, "text"):
		return columnType{kind: kindText}
	case strings.Contains(decl, "blob"):
		return columnType{kind: kindBlob}
	case strings.Contains(decl, "real"), strings.Contains(decl, "floa"), strings.Contains(decl, "doub"):
		return columnType{kind: kindFloat}
	default:
		return columnType{kind: kindDecimal}
	}
}

func render(to Dialect, ct columnType, primaryKey bool) string {
	switch to {
	case MySQL:
		return renderMySQL(ct, primaryKey)
	case Postgres:
		return renderPostgres(ct)
	default:
		return renderSQLite(ct)
	}
}

func renderMySQL(ct columnType, primaryKey bool) string {
	unsigned := ""
	if ct.unsigned {
		unsigned = " UNSIGNED"
	}
	switch ct.kind {
	case kindSmallInt:
		return "SMALLINT" + unsigned
	case kindInt:
		return "INT" + unsigned
	case kindBigInt:
		return "BIGINT" + unsigned
	case kindBool:
		return "TINYINT(1)"
	case kindVarchar:
		return fmt.Sprintf("VARCHAR(%d)", lengthOr(ct.length, 255))
	case kindChar:
		return fmt.Sprintf("CHAR(%d)", lengthOr(ct.length, 1))
	case kindText:
		// MySQL cannot key a TEXT column without a prefix length
		if primaryKey {
			return "VARCHAR(255)"
		}
		return "LONGTEXT"
	case kindFloat:
		return "DOUBLE"
	case kindDecimal:
		return decimal("DECIMAL", ct)
	case kindDateTime:
		return "DATETIME(6)"
	case kindDate:
		return "DATE"
	case kindTime:
		return "TIME(6)"
	case kindBlob:
		if primaryKey {
			return "VARBINARY(255)"
		}
		return "LONGBLOB"
	case kindUUID:
		return "CHAR(32)"
	case kindJSON:
		return "JSON"
	}
	return "LONGTEXT"
}

func renderPostgres(ct columnType) string {
	switch ct.kind {
	case kindSmallInt:
		return "SMALLINT"
	case kindInt:
		if ct.unsigned {
			return "BIGINT"
		}
		return "INTEGER"
	case kindBigInt:
		return "BIGINT"
	case kindBool:
		return "BOOLEAN"
	case kindVarchar:
		return fmt.Sprintf("VARCHAR(%d)", lengthOr(ct.length, 255))
	case kindChar:
		return fmt.Sprintf("CHAR(%d)", lengthOr(ct.length, 1))
	case kindText:
		return "TEXT"
	case kindFloat:
		return "DOUBLE PRECISION"
	case kindDecimal:
		if ct.precision == 0 {
			return "NUMERIC"
		}
		return decimal("NUMERIC", ct)
	case kindDateTime:
		return "TIMESTAMP"
	case kindDate:
		return "DATE"
	case kindTime:
		return "TIME"
	case kindBlob:
		return "BYTEA"
	case kindUUID:
		return "UUID"
	case kindJSON:
		return "JSONB"
	}
	return "TEXT"
}

func renderSQLite(ct columnType) string {
	switch ct.kind {
	case kindSmallInt, kindInt, kindBigInt:
		return "INTEGER"
	case kindBool:
		return "BOOL"
	case kindVarchar:
		return fmt.Sprintf("VARCHAR(%d)", lengthOr(ct.length, 255))
	case kindChar:
		return fmt.Sprintf("CHAR(%d)", lengthOr(ct.length, 1))
	case kindText, kindJSON:
		return "TEXT"
	case kindFloat:
		return "REAL"
	case kindDecimal:
		return "DECIMAL"
	case kindDateTime:
		return "DATETIME"
	case kindDate:
		return "DATE"
	case kindTime:
		return "TIME"
	case kindBlob:
		return "BLOB"
	case kindUUID:
		return "CHAR(32)"
	}
	return "TEXT"
}

func decimal(name string, ct columnType) string {
	precision := ct.precision
	scale := ct.scale
	if precision == 0 {
		precision, scale = 38, 10
	}
	return fmt.Sprintf("%s(%d, %d)", name, precision, scale)
}

func lengthOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

// CreateTableSQL renders a CREATE TABLE statement for the target dialect
func CreateTableSQL(from, to Dialect, table string, columns []model.ColumnDescriptor) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", table)
	}

	keys := model.PrimaryKeyColumns(columns)
	defs := make([]string, 0, len(columns)+1)
	for _, col := range columns {
		typ, err := Translate(from, to, col)
		if err != nil {
			return "", err
		}
		def := to.QuoteIdent(col.Name) + " " + typ
		if !col.Nullable || col.PrimaryKey {
			def += " NOT NULL"
		}
		if d, ok := literalDefault(col.Default); ok && !strings.Contains(typ, "TEXT") && !strings.Contains(typ, "BLOB") {
			def += " DEFAULT " + d
		}
		if to == MySQL && len(keys) == 1 && col.PrimaryKey && isIntegerType(typ) {
			def += " AUTO_INCREMENT"
		}
		defs = append(defs, "  "+def)
	}
	if len(keys) > 0 {
		defs = append(defs, "  PRIMARY KEY ("+to.QuoteIdents(keys)+")")
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (\n%s\n)", to.QuoteIdent(table), strings.Join(defs, ",\n"))
	if to == MySQL {
		stmt += " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}
	return stmt, nil
}

func isIntegerType(typ string) bool {
	return strings.HasPrefix(typ, "BIGINT") || strings.HasPrefix(typ, "INT") || strings.HasPrefix(typ, "SMALLINT")
}

var literalRe = regexp.MustCompile(`^(-?\d+(\.\d+)?|'[^']*'|NULL|null|TRUE|FALSE|true|false)$`)

// literalDefault keeps only plain literals; expression defaults are not portable
func literalDefault(def *string) (string, bool) {
	if def == nil {
		return "", false
	}
	v := strings.TrimSpace(*def)
	if !literalRe.MatchString(v) {
		return "", false
	}
	return v, true
}

// Fingerprint returns a stable digest of a table's column layout, used to detect drift
func Fingerprint(columns []model.ColumnDescriptor) string {
	h := sha256.New()
	for _, c := range columns {
		fmt.Fprintf(h, "%s|%s|%t|%t\n", strings.ToLower(c.Name), strings.ToLower(c.Type), c.Nullable, c.PrimaryKey)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
