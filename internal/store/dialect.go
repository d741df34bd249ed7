package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
)

// NullsSupport describes how a database can place NULLs in ORDER BY.
type NullsSupport int

const (
	// NullsNative databases accept NULLS FIRST / NULLS LAST.
	NullsNative NullsSupport = iota
	// NullsSimulated databases need an IS NULL sort key ahead of the column.
	NullsSimulated
	// NullsUnsupported databases fall back to their natural NULL ordering.
	NullsUnsupported
)

func (n NullsSupport) String() string {
	switch n {
	case NullsNative:
		return "native"
	case NullsSimulated:
		return "simulated"
	default:
		return "none"
	}
}

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns "postgres", "mysql", "sqlite" or "generic".
	Name() string

	// DriverName returns the database/sql driver name.
	DriverName() string

	// PlaceholderFormat returns the squirrel placeholder format for bound parameters.
	PlaceholderFormat() squirrel.PlaceholderFormat

	// QuoteIdent quotes an identifier. Dotted names are quoted per segment.
	QuoteIdent(ident string) string

	// NowExpr returns the SQL expression for the current timestamp.
	NowExpr() string

	// ColumnType maps a metadata field type to the database DDL type.
	ColumnType(fieldType string, precision int) string

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, q Querier, tableName string) (bool, error)

	// GetColumns returns existing column names and types for a table.
	GetColumns(ctx context.Context, q Querier, tableName string) (map[string]string, error)

	// Nulls reports how NULLS FIRST / NULLS LAST ordering is rendered.
	Nulls() NullsSupport

	// SupportsArrays reports whether array columns can be queried.
	SupportsArrays() bool

	// SupportsJSONB reports whether jsonb key and containment operators exist.
	SupportsJSONB() bool

	// HasILike reports whether the database has a case-insensitive LIKE operator.
	HasILike() bool

	// ArrayParam encodes a list of values for an array operator.
	ArrayParam(values []any) any

	// ScanArray decodes an array column value into []string.
	ScanArray(src any) ([]string, error)

	// MapError inspects a driver error and returns a well-known sentinel error if applicable.
	MapError(err error) error

	// NeedsBoolFix returns true if boolean columns come back as integers.
	NeedsBoolFix() bool
}

// NewDialect creates a Dialect for the given driver name. Unknown names
// produce the generic dialect.
func NewDialect(driver string) Dialect {
	switch driver {
	case "postgres", "pgx":
		return &PostgresDialect{}
	case "mysql":
		return &MySQLDialect{}
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &GenericDialect{}
	}
}

// StatementBuilder returns a squirrel builder using the dialect's placeholders.
func StatementBuilder(d Dialect) squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(d.PlaceholderFormat())
}

func quoteWith(ident string, open, close string) string {
	if ident == "*" {
		return ident
	}
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if p == "*" {
			continue
		}
		p = strings.ReplaceAll(p, close, close+close)
		parts[i] = open + p + close
	}
	return strings.Join(parts, ".")
}

// validIdent reports whether name is safe to interpolate into DDL.
func validIdent(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, c := range name {
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}

func checkIdent(name string) error {
	if !validIdent(name) {
		return fmt.Errorf("invalid identifier: %q", name)
	}
	return nil
}
