package statemachine

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

func historyOf(t *testing.T, m *Machine, s *store.Store, id any) []TransitionRecord {
	t.Helper()
	h, err := m.History(context.Background(), s.DB, id)
	require.NoError(t, err)
	return h
}

func TestFire(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	var persistedInAfter any
	opts := testOptions()
	tick := 0
	opts.Now = func() time.Time {
		tick++
		return fixedNow.Add(time.Duration(tick) * time.Minute)
	}
	m := orderMachine(t, s.Dialect, opts, Transition{
		Guards: []Guard{{Name: "has total", Check: hasTotal}},
		Before: []Callback{func(ctx context.Context, ev *Event) error {
			ev.Record["sent_at"] = fixedNow
			return nil
		}},
		After: []Callback{func(ctx context.Context, ev *Event) error {
			persistedInAfter = loadOrder(t, ev.Tx, ev.Record["id"])["status"]
			return nil
		}},
	})

	rec := insertOrder(t, s, map[string]any{"id": 1, "status": "draft", "total": 40.5, "lock_version": 0})
	tr, err := m.Fire(ctx, s, rec, "send", map[string]any{"by": "ada"})
	require.NoError(t, err)

	assert.Equal(t, "sent", persistedInAfter)
	assert.Equal(t, "sent", rec["status"])
	assert.Equal(t, "send", tr.Event)
	assert.Equal(t, "draft", tr.FromState)
	assert.Equal(t, "sent", tr.ToState)
	assert.Equal(t, "1", tr.RecordID)
	assert.NotEmpty(t, tr.ID)

	stored := loadOrder(t, s.DB, 1)
	assert.Equal(t, "sent", stored["status"])
	assert.True(t, fixedNow.Equal(stored["sent_at"].(time.Time)))

	history := historyOf(t, m, s, 1)
	require.Len(t, history, 1)
	assert.Equal(t, tr.ID, history[0].ID)
	assert.Equal(t, "order", history[0].Model)
	assert.Equal(t, map[string]any{"by": "ada"}, history[0].Metadata)
	assert.True(t, fixedNow.Add(time.Minute).Equal(history[0].CreatedAt))

	_, err = m.Fire(ctx, s, rec, "pay", nil)
	require.NoError(t, err)
	history = historyOf(t, m, s, 1)
	require.Len(t, history, 2)
	assert.Equal(t, "pay", history[1].Event)
	assert.Nil(t, history[1].Metadata)
	assert.True(t, m.Is(rec, "paid"))
}

func TestFire_HistoryKeepsFiringOrderWithinOneInstant(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	m := orderMachine(t, s.Dialect, testOptions(), Transition{})

	for i := 0; i < 5; i++ {
		rec := insertOrder(t, s, map[string]any{"id": 1, "status": "draft"})
		_, err := m.Fire(ctx, s, rec, "send", nil)
		require.NoError(t, err)
		_, err = m.Fire(ctx, s, rec, "pay", nil)
		require.NoError(t, err)

		history := historyOf(t, m, s, 1)
		require.Len(t, history, 2)
		assert.Equal(t, "send", history[0].Event)
		assert.Equal(t, "pay", history[1].Event)
		assert.True(t, history[0].CreatedAt.Equal(history[1].CreatedAt))
		assert.Less(t, history[0].ID, history[1].ID)

		_, err = s.DB.ExecContext(ctx, `DELETE FROM orders`)
		require.NoError(t, err)
		_, err = s.DB.ExecContext(ctx, `DELETE FROM state_transitions`)
		require.NoError(t, err)
	}
}

func TestFire_AfterCallbackFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	boom := errors.New("boom")
	m := orderMachine(t, s.Dialect, testOptions(), Transition{
		Before: []Callback{func(ctx context.Context, ev *Event) error {
			ev.Record["note"] = "changed"
			return nil
		}},
		After: []Callback{func(ctx context.Context, ev *Event) error { return boom }},
	})

	rec := insertOrder(t, s, map[string]any{"id": 1, "status": "draft", "note": "original"})
	_, err := m.Fire(ctx, s, rec, "send", map[string]any{"by": "ada"})
	require.ErrorIs(t, err, boom)

	stored := loadOrder(t, s.DB, 1)
	assert.Equal(t, "draft", stored["status"])
	assert.Equal(t, "original", stored["note"])
	assert.Empty(t, historyOf(t, m, s, 1))

	assert.Equal(t, "draft", rec["status"])
	assert.Equal(t, "original", rec["note"])
}

func TestFire_GuardsShortCircuit(t *testing.T) {
	s := setupStore(t)
	var secondRan, beforeRan bool
	m := orderMachine(t, s.Dialect, testOptions(), Transition{
		Guards: []Guard{
			{Name: "G1", Check: func(context.Context, Record) (bool, error) { return false, nil }},
			{Name: "G2", Check: func(context.Context, Record) (bool, error) {
				secondRan = true
				return false, errors.New("should not run")
			}},
		},
		Before: []Callback{func(context.Context, *Event) error {
			beforeRan = true
			return nil
		}},
	})

	rec := insertOrder(t, s, map[string]any{"id": 1, "status": "draft"})
	_, err := m.Fire(context.Background(), s, rec, "send", nil)

	var guardErr *GuardFailedError
	require.ErrorAs(t, err, &guardErr)
	assert.Equal(t, "G1", guardErr.Guard)
	assert.Equal(t, "send", guardErr.Event)
	assert.False(t, secondRan)
	assert.False(t, beforeRan)
	assert.Equal(t, "draft", loadOrder(t, s.DB, 1)["status"])
}

func TestFire_ValidationFailed(t *testing.T) {
	s := setupStore(t)
	m := orderMachine(t, s.Dialect, testOptions(), Transition{
		Validations: []Validation{
			func(ctx context.Context, ev *Event) []FieldError {
				if _, ok := toFloat(ev.Record["total"]); !ok {
					return []FieldError{{Field: "total", Message: "is required"}}
				}
				return nil
			},
			func(ctx context.Context, ev *Event) []FieldError {
				return []FieldError{{Field: "note", Message: "is required"}}
			},
		},
	})

	rec := insertOrder(t, s, map[string]any{"id": 1, "status": "draft"})
	_, err := m.Fire(context.Background(), s, rec, "send", nil)

	var valErr *ValidationFailedError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, []FieldError{
		{Field: "total", Message: "is required"},
		{Field: "note", Message: "is required"},
	}, valErr.Details)
	assert.Equal(t, "VALIDATION_FAILED", valErr.Code())
	assert.Equal(t, "draft", loadOrder(t, s.DB, 1)["status"])
}

func TestFire_InvalidTransition(t *testing.T) {
	s := setupStore(t)
	m := orderMachine(t, s.Dialect, testOptions(), Transition{})
	rec := insertOrder(t, s, map[string]any{"id": 1, "status": "draft"})

	var invalid *InvalidTransitionError
	_, err := m.Fire(context.Background(), s, rec, "pay", nil)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, InvalidTransitionError{Event: "pay", From: "draft", To: "paid"}, *invalid)

	_, err = m.Fire(context.Background(), s, rec, "refund", nil)
	require.ErrorAs(t, err, &invalid)
	assert.Empty(t, invalid.To)

	_, err = m.Fire(context.Background(), s, Record{"status": "draft"}, "send", nil)
	assert.ErrorIs(t, err, ErrRecordNotPersisted)
}

func TestFire_StaleState(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	t.Run("state changed underneath", func(t *testing.T) {
		m := orderMachine(t, s.Dialect, testOptions(), Transition{})
		rec := insertOrder(t, s, map[string]any{"id": 1, "status": "draft"})
		_, err := s.DB.ExecContext(ctx, `UPDATE "orders" SET "status" = 'void' WHERE "id" = 1`)
		require.NoError(t, err)

		_, err = m.Fire(ctx, s, rec, "send", nil)
		var stale *StaleStateError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, "draft", stale.Expected)
		assert.Equal(t, "draft", rec["status"])
		assert.Empty(t, historyOf(t, m, s, 1))
	})

	t.Run("lock version", func(t *testing.T) {
		opts := testOptions()
		opts.LockColumn = "lock_version"
		m := orderMachine(t, s.Dialect, opts, Transition{})

		rec := insertOrder(t, s, map[string]any{"id": 2, "status": "draft", "lock_version": 0})
		_, err := m.Fire(ctx, s, rec, "send", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec["lock_version"])
		assert.Equal(t, int64(1), loadOrder(t, s.DB, 2)["lock_version"])

		stale := loadOrder(t, s.DB, 2)
		_, err = s.DB.ExecContext(ctx, `UPDATE "orders" SET "lock_version" = 5 WHERE "id" = 2`)
		require.NoError(t, err)

		_, err = m.Fire(ctx, s, stale, "pay", nil)
		var staleErr *StaleStateError
		require.ErrorAs(t, err, &staleErr)
		assert.Equal(t, int64(1), stale["lock_version"])
		assert.Equal(t, "sent", loadOrder(t, s.DB, 2)["status"])
	})
}

func TestFire_AroundCallbacks(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	var trace []string
	wrap := func(name string) AroundCallback {
		return func(ctx context.Context, ev *Event, next func(context.Context) error) error {
			trace = append(trace, name+">")
			err := next(ctx)
			trace = append(trace, "<"+name)
			return err
		}
	}
	step := func(name string) Callback {
		return func(context.Context, *Event) error {
			trace = append(trace, name)
			return nil
		}
	}

	t.Run("nesting order", func(t *testing.T) {
		trace = nil
		m := orderMachine(t, s.Dialect, testOptions(), Transition{
			Guards: []Guard{{Name: "traced", Check: func(context.Context, Record) (bool, error) {
				trace = append(trace, "guard")
				return true, nil
			}}},
			Before: []Callback{step("before")},
			After:  []Callback{step("after")},
			Around: []AroundCallback{wrap("outer"), wrap("inner")},
		})
		rec := insertOrder(t, s, map[string]any{"id": 1, "status": "draft"})
		_, err := m.Fire(ctx, s, rec, "send", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"outer>", "inner>", "guard", "before", "after", "<inner", "<outer"}, trace)
	})

	t.Run("halt without next", func(t *testing.T) {
		trace = nil
		m := orderMachine(t, s.Dialect, testOptions(), Transition{
			Before: []Callback{step("before")},
			Around: []AroundCallback{func(context.Context, *Event, func(context.Context) error) error { return nil }},
		})
		rec := insertOrder(t, s, map[string]any{"id": 2, "status": "draft"})
		_, err := m.Fire(ctx, s, rec, "send", nil)
		require.ErrorIs(t, err, ErrTransitionHalted)
		assert.Empty(t, trace)
		assert.Equal(t, "draft", loadOrder(t, s.DB, 2)["status"])
	})

	t.Run("failure is not swallowed", func(t *testing.T) {
		boom := errors.New("boom")
		m := orderMachine(t, s.Dialect, testOptions(), Transition{
			After: []Callback{func(context.Context, *Event) error { return boom }},
			Around: []AroundCallback{func(ctx context.Context, ev *Event, next func(context.Context) error) error {
				_ = next(ctx)
				return nil
			}},
		})
		rec := insertOrder(t, s, map[string]any{"id": 3, "status": "draft"})
		_, err := m.Fire(ctx, s, rec, "send", nil)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, "draft", loadOrder(t, s.DB, 3)["status"])
		assert.Empty(t, historyOf(t, m, s, 3))
	})
}

func TestFire_PostgresStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := store.NewWithDB(db, store.NewDialect("postgres"), quietLogger())

	opts := testOptions()
	opts.LockColumn = "lock_version"
	m := orderMachine(t, s.Dialect, opts, Transition{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE "orders" SET "lock_version" = $1, "status" = $2 WHERE "id" = $3 AND "lock_version" = $4 AND "status" = $5`)).
		WithArgs(int64(4), "sent", 7, 3, "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "state_transitions" ("id","model","record_id","event","from_state","to_state","metadata","created_at")`)).
		WithArgs(sqlmock.AnyArg(), "order", "7", "send", "draft", "sent", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := Record{"id": 7, "status": "draft", "lock_version": 3, "total": 10.0}
	_, err = m.Fire(context.Background(), s, rec, "send", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec["lock_version"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFire_RollbackOnStaleUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := store.NewWithDB(db, store.NewDialect("postgres"), quietLogger())
	m := orderMachine(t, s.Dialect, testOptions(), Transition{})

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "orders"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = m.Fire(context.Background(), s, Record{"id": 7, "status": "draft"}, "send", nil)
	var stale *StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, 7, stale.RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
