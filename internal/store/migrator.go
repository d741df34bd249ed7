package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
)

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate ensures the table matches the model metadata.
// Creates the table if it doesn't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, model *metadata.Model) error {
	if err := checkIdent(model.Table); err != nil {
		return err
	}
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, model.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		return m.createTable(ctx, model)
	}
	return m.alterTable(ctx, model)
}

// MigrateJoinTable creates the join table of a many-to-many association if it doesn't exist.
func (m *Migrator) MigrateJoinTable(ctx context.Context, assoc *metadata.Association, source, target *metadata.Model) error {
	if !assoc.IsManyToMany() {
		return nil
	}
	if err := checkIdent(assoc.JoinTable); err != nil {
		return err
	}
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, assoc.JoinTable)
	if err != nil {
		return fmt.Errorf("check join table exists: %w", err)
	}
	if exists {
		return nil
	}

	d := m.store.Dialect
	ddl := fmt.Sprintf(
		"CREATE TABLE %s (\n  %s %s NOT NULL,\n  %s %s NOT NULL,\n  PRIMARY KEY (%s, %s)\n)",
		d.QuoteIdent(assoc.JoinTable),
		d.QuoteIdent(assoc.SourceJoinKey), m.keyType(source),
		d.QuoteIdent(assoc.TargetJoinKey), m.keyType(target),
		d.QuoteIdent(assoc.SourceJoinKey), d.QuoteIdent(assoc.TargetJoinKey),
	)
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create join table %s: %w", assoc.JoinTable, err)
	}
	return nil
}

func (m *Migrator) createTable(ctx context.Context, model *metadata.Model) error {
	d := m.store.Dialect
	pk := model.PK()

	var cols []string
	if !model.HasField(pk) {
		cols = append(cols, d.QuoteIdent(pk)+" "+serialPrimaryKey(d))
	}
	for _, f := range model.Fields {
		cols = append(cols, m.buildColumnDef(model, f))
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.QuoteIdent(model.Table), strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", model.Table, err)
	}
	m.store.logger.Info("created table", "model", model.Name, "table", model.Table)
	return nil
}

func (m *Migrator) alterTable(ctx context.Context, model *metadata.Model) error {
	d := m.store.Dialect
	existing, err := d.GetColumns(ctx, m.store.DB, model.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", model.Table, err)
	}

	for _, f := range model.Fields {
		if _, ok := existing[f.Name]; ok {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
			d.QuoteIdent(model.Table), m.buildColumnDef(model, f))
		if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", model.Table, f.Name, err)
		}
		m.store.logger.Info("added column", "table", model.Table, "column", f.Name)
	}
	return nil
}

func (m *Migrator) buildColumnDef(model *metadata.Model, f metadata.Field) string {
	d := m.store.Dialect
	if f.Name == model.PK() {
		if isIntegerType(f.Type) {
			return d.QuoteIdent(f.Name) + " " + serialPrimaryKey(d)
		}
		return d.QuoteIdent(f.Name) + " " + d.ColumnType(f.Type, f.Precision) + " PRIMARY KEY"
	}
	def := d.QuoteIdent(f.Name) + " " + d.ColumnType(f.Type, f.Precision)
	if f.Default != "" {
		def += " DEFAULT " + quoteLiteral(f.Default)
	}
	return def
}

// quoteLiteral renders s as a SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (m *Migrator) keyType(model *metadata.Model) string {
	d := m.store.Dialect
	if f := model.GetField(model.PK()); f != nil && !isIntegerType(f.Type) {
		return d.ColumnType(f.Type, f.Precision)
	}
	return d.ColumnType("bigint", 0)
}

func isIntegerType(t string) bool {
	switch t {
	case "int", "integer", "bigint":
		return true
	}
	return false
}

func serialPrimaryKey(d Dialect) string {
	switch d.Name() {
	case "postgres":
		return "BIGSERIAL PRIMARY KEY"
	case "mysql":
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY"
	}
}
