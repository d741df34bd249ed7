package store

import (
	"context"
	"encoding/json"

	"github.com/Masterminds/squirrel"
)

// GenericDialect renders ANSI SQL for databases without a dedicated
// dialect. It has no NULLS FIRST/LAST, array or jsonb support.
type GenericDialect struct{}

func (d *GenericDialect) Name() string       { return "generic" }
func (d *GenericDialect) DriverName() string { return "" }

func (d *GenericDialect) PlaceholderFormat() squirrel.PlaceholderFormat { return squirrel.Question }

func (d *GenericDialect) QuoteIdent(ident string) string { return quoteWith(ident, `"`, `"`) }

func (d *GenericDialect) NowExpr() string      { return "CURRENT_TIMESTAMP" }
func (d *GenericDialect) Nulls() NullsSupport  { return NullsUnsupported }
func (d *GenericDialect) SupportsArrays() bool { return false }
func (d *GenericDialect) SupportsJSONB() bool  { return false }
func (d *GenericDialect) HasILike() bool       { return false }
func (d *GenericDialect) NeedsBoolFix() bool   { return false }

func (d *GenericDialect) ColumnType(fieldType string, precision int) string {
	switch fieldType {
	case "int", "integer":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "float", "double":
		return "DOUBLE PRECISION"
	case "decimal", "numeric":
		return "DECIMAL"
	case "boolean", "bool":
		return "BOOLEAN"
	case "datetime", "timestamp", "timestamptz":
		return "TIMESTAMP"
	case "date":
		return "DATE"
	default:
		return "VARCHAR(255)"
	}
}

func (d *GenericDialect) TableExists(ctx context.Context, q Querier, tableName string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?",
		tableName,
	).Scan(&n)
	return n > 0, err
}

func (d *GenericDialect) GetColumns(ctx context.Context, q Querier, tableName string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_name = ?",
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

func (d *GenericDialect) ArrayParam(values []any) any {
	b, _ := json.Marshal(values)
	return string(b)
}

func (d *GenericDialect) ScanArray(src any) ([]string, error) {
	return (&SQLiteDialect{}).ScanArray(src)
}

func (d *GenericDialect) MapError(err error) error { return err }

var _ Dialect = (*GenericDialect)(nil)
