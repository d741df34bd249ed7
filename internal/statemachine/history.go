package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// TransitionRecord is the append-only history entry written for every
// executed transition.
type TransitionRecord struct {
	ID        string         `json:"id"`
	Model     string         `json:"model"`
	RecordID  string         `json:"record_id"`
	Event     string         `json:"event"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

var historyColumns = []string{"id", "model", "record_id", "event", "from_state", "to_state", "metadata", "created_at"}

func (m *Machine) quoted(cols []string) []string {
	return lo.Map(cols, func(c string, _ int) string { return m.dialect.QuoteIdent(c) })
}

func (m *Machine) insertHistory(ctx context.Context, ev *Event) (*TransitionRecord, error) {
	// v7 ids sort by creation, so rows sharing a timestamp keep firing order.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate transition id: %w", err)
	}
	tr := &TransitionRecord{
		ID:        id.String(),
		Model:     m.model.Name,
		RecordID:  fmt.Sprint(ev.Record[m.model.PK()]),
		Event:     ev.Name,
		FromState: ev.From,
		ToState:   ev.To,
		Metadata:  ev.Metadata,
		CreatedAt: m.opts.Now().UTC(),
	}

	var meta any
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode transition metadata: %w", err)
		}
		meta = string(b)
	}

	sqlStr, args, err := store.StatementBuilder(m.dialect).
		Insert(m.dialect.QuoteIdent(m.opts.HistoryTable)).
		Columns(m.quoted(historyColumns)...).
		Values(tr.ID, tr.Model, tr.RecordID, tr.Event, tr.FromState, tr.ToState, meta, tr.CreatedAt).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history insert: %w", err)
	}
	if _, err := store.Exec(ctx, ev.Tx, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("record transition: %w", m.dialect.MapError(err))
	}
	return tr, nil
}

// History returns the transitions recorded for one record, oldest first.
func (m *Machine) History(ctx context.Context, q store.Querier, recordID any) ([]TransitionRecord, error) {
	d := m.dialect
	sqlStr, args, err := store.StatementBuilder(d).
		Select(m.quoted(historyColumns)...).
		From(d.QuoteIdent(m.opts.HistoryTable)).
		Where(squirrel.Eq{
			d.QuoteIdent("model"):     m.model.Name,
			d.QuoteIdent("record_id"): fmt.Sprint(recordID),
		}).
		OrderBy(d.QuoteIdent("created_at"), d.QuoteIdent("id")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}
	rows, err := store.QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", d.MapError(err))
	}

	out := make([]TransitionRecord, 0, len(rows))
	for _, row := range rows {
		tr := TransitionRecord{
			ID:        text(row["id"]),
			Model:     text(row["model"]),
			RecordID:  text(row["record_id"]),
			Event:     text(row["event"]),
			FromState: text(row["from_state"]),
			ToState:   text(row["to_state"]),
		}
		if ts, ok := row["created_at"].(time.Time); ok {
			tr.CreatedAt = ts.UTC()
		}
		if raw := text(row["metadata"]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &tr.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of transition %s: %w", tr.ID, err)
			}
		}
		out = append(out, tr)
	}
	return out, nil
}

func text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}
