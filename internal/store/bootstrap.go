package store

import (
	"context"
	"fmt"
)

// DefaultTransitionsTable is the table state transitions are recorded in
// when no other name is configured.
const DefaultTransitionsTable = "state_transitions"

// BootstrapTransitions creates the state transition history table and its
// lookup index if the table doesn't exist yet.
func (s *Store) BootstrapTransitions(ctx context.Context, table string) error {
	if table == "" {
		table = DefaultTransitionsTable
	}
	if err := checkIdent(table); err != nil {
		return err
	}
	exists, err := s.Dialect.TableExists(ctx, s.DB, table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}
	if exists {
		return nil
	}

	d := s.Dialect
	str := d.ColumnType("string", 0)
	ddl := fmt.Sprintf(`CREATE TABLE %s (
    id          %s PRIMARY KEY,
    model       %s NOT NULL,
    record_id   %s NOT NULL,
    event       %s NOT NULL,
    from_state  %s NOT NULL,
    to_state    %s NOT NULL,
    metadata    %s,
    created_at  %s NOT NULL DEFAULT %s
)`,
		d.QuoteIdent(table),
		d.ColumnType("uuid", 0), str, str, str, str, str,
		d.ColumnType("text", 0),
		d.ColumnType("datetime", 0), d.NowExpr(),
	)
	if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("bootstrap %s: %w", table, err)
	}

	index := fmt.Sprintf("CREATE INDEX %s ON %s (%s, %s, %s)",
		d.QuoteIdent("idx_"+table+"_record"), d.QuoteIdent(table),
		d.QuoteIdent("model"), d.QuoteIdent("record_id"), d.QuoteIdent("created_at"))
	if _, err := s.DB.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("bootstrap %s index: %w", table, err)
	}

	s.logger.Info("created transitions table", "table", table)
	return nil
}
