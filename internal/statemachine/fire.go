package statemachine

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"reflect"
	"strconv"

	"github.com/Masterminds/squirrel"

	"github.com/alessiobussolari/better-model-sub003/internal/instrument"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// TxRunner runs fn in a database transaction, committing when it returns
// nil. *store.Store implements it.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Fire executes event on rec inside one transaction: around callbacks,
// guards, validations, before callbacks, the state update, the history
// record and after callbacks. On any error the transaction is rolled back
// and rec is restored to what it held before the call.
func (m *Machine) Fire(ctx context.Context, db TxRunner, rec Record, event string, meta map[string]any) (tr *TransitionRecord, err error) {
	id := rec[m.model.PK()]
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "statemachine", "transition")
	span.SetEntity(m.model.Name, fmt.Sprint(id))
	span.SetMetadata("event", event)
	defer func() {
		if err != nil {
			span.SetStatus("error")
			span.SetMetadata("error", err.Error())
		} else {
			span.SetStatus("ok")
		}
		span.End()
	}()

	if id == nil {
		return nil, fmt.Errorf("fire %q on %s: %w", event, m.model.Name, ErrRecordNotPersisted)
	}
	from := m.State(rec)
	t, err := m.lookup(from, event)
	if err != nil {
		return nil, err
	}

	snapshot := maps.Clone(rec)
	err = db.RunInTx(ctx, func(tx *sql.Tx) error {
		ev := &Event{Name: event, From: from, To: t.To, Record: rec, Metadata: meta, Tx: tx}
		run := wrapAround(t.Around, ev, func(ctx context.Context) error {
			var err error
			tr, err = m.execute(ctx, t, ev, snapshot)
			return err
		})
		return run(ctx)
	})
	if err != nil {
		clear(rec)
		maps.Copy(rec, snapshot)
		m.logger.Debug("transition failed", "event", event, "from", from, "id", id, "error", err)
		return nil, err
	}

	m.logger.Info("transition", "event", event, "from", from, "to", t.To, "id", id)
	return tr, nil
}

// wrapAround nests the around callbacks around inner, first declared
// outermost. A callback that returns without calling next halts the
// transition. A callback cannot swallow a failure of what it wraps.
func wrapAround(arounds []AroundCallback, ev *Event, inner func(context.Context) error) func(context.Context) error {
	next := inner
	for i := len(arounds) - 1; i >= 0; i-- {
		around, proceed := arounds[i], next
		next = func(ctx context.Context) error {
			var (
				called   bool
				innerErr error
			)
			err := around(ctx, ev, func(ctx context.Context) error {
				called = true
				innerErr = proceed(ctx)
				return innerErr
			})
			switch {
			case err != nil:
				return err
			case !called:
				return ErrTransitionHalted
			default:
				return innerErr
			}
		}
	}
	return next
}

func (m *Machine) execute(ctx context.Context, t *Transition, ev *Event, snapshot Record) (*TransitionRecord, error) {
	guard, err := m.checkGuards(ctx, t, ev.Record)
	if err != nil {
		return nil, err
	}
	if guard != "" {
		return nil, &GuardFailedError{Event: t.Event, Guard: guard}
	}

	var details []FieldError
	for _, validate := range t.Validations {
		details = append(details, validate(ctx, ev)...)
	}
	if len(details) > 0 {
		return nil, &ValidationFailedError{Event: t.Event, Details: details}
	}

	for _, cb := range t.Before {
		if err := cb(ctx, ev); err != nil {
			return nil, fmt.Errorf("before %s: %w", t.Event, err)
		}
	}

	ev.Record[m.field] = t.To
	if err := m.persist(ctx, ev.Tx, ev.Record, snapshot, ev.From); err != nil {
		return nil, err
	}
	tr, err := m.insertHistory(ctx, ev)
	if err != nil {
		return nil, err
	}

	for _, cb := range t.After {
		if err := cb(ctx, ev); err != nil {
			return nil, fmt.Errorf("after %s: %w", t.Event, err)
		}
	}
	return tr, nil
}

// persist writes the new state and any field the before callbacks changed.
// The update only matches while the stored state (and lock version) still
// equal what the transition was resolved against.
func (m *Machine) persist(ctx context.Context, q store.Querier, rec, snapshot Record, from string) error {
	d := m.dialect
	pk := m.model.PK()
	lock := m.opts.LockColumn

	set := make(map[string]any)
	for _, f := range m.model.Fields {
		if f.Name == pk || f.Name == lock {
			continue
		}
		v, ok := rec[f.Name]
		if !ok {
			continue
		}
		if old, had := snapshot[f.Name]; !had || !reflect.DeepEqual(old, v) {
			set[d.QuoteIdent(f.Name)] = v
		}
	}
	where := squirrel.Eq{
		d.QuoteIdent(pk):      rec[pk],
		d.QuoteIdent(m.field): from,
	}

	var version int64
	if lock != "" {
		current := snapshot[lock]
		n, err := toInt64(current)
		if err != nil {
			return fmt.Errorf("%s: %w", lock, err)
		}
		version = n + 1
		where[d.QuoteIdent(lock)] = current
		set[d.QuoteIdent(lock)] = version
	}

	sqlStr, args, err := store.StatementBuilder(d).
		Update(d.QuoteIdent(m.model.Table)).
		SetMap(set).
		Where(where).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	n, err := store.Exec(ctx, q, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", m.model.Table, d.MapError(err))
	}
	if n == 0 {
		return &StaleStateError{Model: m.model.Name, RecordID: rec[pk], Expected: from}
	}
	if lock != "" {
		rec[lock] = version
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("expected an integer version, got %T", v)
}
