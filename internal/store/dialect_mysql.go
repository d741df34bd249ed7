package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
)

// MySQLDialect implements Dialect for MySQL and MariaDB via go-sql-driver/mysql.
type MySQLDialect struct{}

func (d *MySQLDialect) Name() string       { return "mysql" }
func (d *MySQLDialect) DriverName() string { return "mysql" }

func (d *MySQLDialect) PlaceholderFormat() squirrel.PlaceholderFormat { return squirrel.Question }

func (d *MySQLDialect) QuoteIdent(ident string) string { return quoteWith(ident, "`", "`") }

func (d *MySQLDialect) NowExpr() string      { return "CURRENT_TIMESTAMP(6)" }
func (d *MySQLDialect) Nulls() NullsSupport  { return NullsSimulated }
func (d *MySQLDialect) SupportsArrays() bool { return false }
func (d *MySQLDialect) SupportsJSONB() bool  { return false }
func (d *MySQLDialect) HasILike() bool       { return false }
func (d *MySQLDialect) NeedsBoolFix() bool   { return true }

func (d *MySQLDialect) ColumnType(fieldType string, precision int) string {
	switch fieldType {
	case "string", "enum":
		return "VARCHAR(255)"
	case "text":
		return "TEXT"
	case "int", "integer":
		return "INT"
	case "bigint":
		return "BIGINT"
	case "float", "double":
		return "DOUBLE"
	case "decimal", "numeric":
		if precision > 0 {
			return fmt.Sprintf("DECIMAL(18,%d)", precision)
		}
		return "DECIMAL(18,4)"
	case "boolean", "bool":
		return "TINYINT(1)"
	case "uuid":
		return "CHAR(36)"
	case "datetime", "timestamp", "timestamptz":
		return "DATETIME(6)"
	case "date":
		return "DATE"
	case "time":
		return "TIME"
	case "json", "jsonb":
		return "JSON"
	default:
		return "TEXT"
	}
}

func (d *MySQLDialect) TableExists(ctx context.Context, q Querier, tableName string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		tableName,
	).Scan(&n)
	return n > 0, err
}

func (d *MySQLDialect) GetColumns(ctx context.Context, q Querier, tableName string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?",
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = dataType
	}
	return cols, rows.Err()
}

func (d *MySQLDialect) ArrayParam(values []any) any {
	b, _ := json.Marshal(values)
	return string(b)
}

func (d *MySQLDialect) ScanArray(src any) ([]string, error) {
	return (&SQLiteDialect{}).ScanArray(src)
}

func (d *MySQLDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		case 1205, 1213:
			return fmt.Errorf("%w: %w", ErrSerialization, err)
		}
	}
	return err
}

var _ Dialect = (*MySQLDialect)(nil)
