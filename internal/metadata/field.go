package metadata

import (
	"fmt"
	"sort"
	"strings"
)

// Field describes one column of a model as reported by the schema.
type Field struct {
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"` // storage type tag: string, integer, decimal, boolean, datetime, array, jsonb, ...
	Precision int    `json:"precision,omitempty" yaml:"precision,omitempty"`
	Default   string `json:"default,omitempty" yaml:"default,omitempty"` // column default for new rows
}

// Category is the semantic type that drives which predicates and sorts a
// field gets.
type Category string

const (
	CategoryString   Category = "string"
	CategoryNumeric  Category = "numeric"
	CategoryBoolean  Category = "boolean"
	CategoryTemporal Category = "temporal"
	CategoryArray    Category = "array"
	CategoryJSONB    Category = "jsonb"
)

// Capabilities is the part of a database dialect the classifier needs.
type Capabilities interface {
	Name() string
	SupportsArrays() bool
	SupportsJSONB() bool
}

var storageCategories = map[string]Category{
	"string":      CategoryString,
	"text":        CategoryString,
	"citext":      CategoryString,
	"varchar":     CategoryString,
	"char":        CategoryString,
	"uuid":        CategoryString,
	"enum":        CategoryString,
	"integer":     CategoryNumeric,
	"int":         CategoryNumeric,
	"bigint":      CategoryNumeric,
	"smallint":    CategoryNumeric,
	"decimal":     CategoryNumeric,
	"numeric":     CategoryNumeric,
	"float":       CategoryNumeric,
	"double":      CategoryNumeric,
	"real":        CategoryNumeric,
	"boolean":     CategoryBoolean,
	"bool":        CategoryBoolean,
	"date":        CategoryTemporal,
	"datetime":    CategoryTemporal,
	"timestamp":   CategoryTemporal,
	"timestamptz": CategoryTemporal,
	"time":        CategoryTemporal,
	"array":       CategoryArray,
	"jsonb":       CategoryJSONB,
	"json":        CategoryJSONB,
}

// Classify maps a field's storage type to its semantic category. Array and
// jsonb fields are rejected for dialects that cannot query them.
func Classify(f Field, caps Capabilities) (Category, error) {
	tag := strings.ToLower(strings.TrimSpace(f.Type))
	if strings.HasSuffix(tag, "[]") {
		tag = "array"
	}
	cat, ok := storageCategories[tag]
	if !ok {
		return "", &ConfigurationError{
			Subject: f.Name,
			Message: fmt.Sprintf("unsupported storage type %q", f.Type),
		}
	}
	switch cat {
	case CategoryArray:
		if caps == nil || !caps.SupportsArrays() {
			return "", &ConfigurationError{
				Subject: f.Name,
				Message: fmt.Sprintf("array fields are not supported by the %s dialect", dialectName(caps)),
			}
		}
	case CategoryJSONB:
		if caps == nil || !caps.SupportsJSONB() {
			return "", &ConfigurationError{
				Subject: f.Name,
				Message: fmt.Sprintf("jsonb fields are not supported by the %s dialect", dialectName(caps)),
			}
		}
	}
	return cat, nil
}

func dialectName(caps Capabilities) string {
	if caps == nil {
		return "generic"
	}
	return caps.Name()
}

// FieldsFromColumns converts introspected column types (information_schema
// data_type, SQLite PRAGMA type, MySQL DATA_TYPE) into fields with storage
// tags. Columns are returned sorted by name.
func FieldsFromColumns(cols map[string]string) []Field {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, Field{Name: name, Type: normalizeColumnType(cols[name])})
	}
	return fields
}

func normalizeColumnType(dbType string) string {
	t := strings.ToLower(strings.TrimSpace(dbType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch {
	case t == "array" || strings.HasSuffix(t, "[]"):
		return "array"
	case t == "jsonb" || t == "json":
		return "jsonb"
	case t == "boolean" || t == "bool":
		return "boolean"
	case strings.HasPrefix(t, "timestamp"), t == "datetime":
		return "datetime"
	case t == "date":
		return "date"
	case strings.HasPrefix(t, "time"):
		return "time"
	case t == "integer" || t == "int" || t == "int4" || t == "smallint" || t == "tinyint" || t == "mediumint":
		return "integer"
	case t == "bigint" || t == "int8":
		return "bigint"
	case t == "numeric" || t == "decimal" || t == "real" || t == "float" || t == "double" || t == "double precision":
		return "decimal"
	case t == "uuid":
		return "uuid"
	case t == "text" || t == "varchar" || t == "character varying" || t == "char" || t == "character" ||
		t == "citext" || t == "longtext" || t == "mediumtext" || t == "enum":
		return "string"
	default:
		return t
	}
}
