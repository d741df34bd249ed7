package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/alessiobussolari/better-model-sub003/internal/config"
	"github.com/alessiobussolari/better-model-sub003/internal/engine"
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/query"
	"github.com/alessiobussolari/better-model-sub003/internal/statemachine"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// migrate creates or extends the tables of every registered model, the
// many-to-many join tables and the transition history tables. Models without
// declared fields describe existing tables and are left alone.
func migrate(ctx context.Context, db *store.Store, reg *metadata.Registry, cfg config.StateMachineConfig) error {
	applyStateDefaults(reg, cfg)
	migrator := store.NewMigrator(db)
	for _, m := range reg.AllModels() {
		if len(m.Fields) == 0 {
			continue
		}
		if err := migrator.Migrate(ctx, m); err != nil {
			return fmt.Errorf("migrate %s: %w", m.Name, err)
		}
	}
	for _, m := range reg.AllModels() {
		for i := range m.Associations {
			a := &m.Associations[i]
			if !a.IsManyToMany() {
				continue
			}
			target := reg.GetModel(a.Target)
			if target == nil {
				return fmt.Errorf("migrate %s.%s: unknown target model %q", m.Name, a.Name, a.Target)
			}
			if err := migrator.MigrateJoinTable(ctx, a, m, target); err != nil {
				return fmt.Errorf("migrate %s.%s: %w", m.Name, a.Name, err)
			}
		}
	}

	tables := map[string]bool{cfg.HistoryTable: true}
	for _, def := range reg.AllStateMachines() {
		if def.HistoryTable != "" {
			tables[def.HistoryTable] = true
		}
	}
	for table := range tables {
		if err := db.BootstrapTransitions(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// introspectModels reads the live columns of every model. Models without
// declared fields take their fields from the table. Declared fields whose
// column classifies differently are logged.
func introspectModels(ctx context.Context, db *store.Store, reg *metadata.Registry, logger *slog.Logger) error {
	for _, m := range reg.AllModels() {
		cols, err := db.Introspect(ctx, m.Table)
		if err != nil {
			return fmt.Errorf("introspect %s: %w", m.Name, err)
		}
		live := metadata.FieldsFromColumns(cols)
		if len(m.Fields) == 0 {
			m.Fields = live
			logger.Info("introspected model", "model", m.Name, "table", m.Table, "fields", len(live))
			continue
		}
		for _, col := range live {
			declared := m.GetField(col.Name)
			if declared == nil {
				continue
			}
			want, err := metadata.Classify(*declared, db.Dialect)
			if err != nil {
				continue
			}
			got, err := metadata.Classify(col, db.Dialect)
			if err != nil || got != want {
				logger.Warn("declared field type differs from column",
					"model", m.Name, "field", col.Name, "declared", declared.Type, "column", cols[col.Name])
			}
		}
	}
	return nil
}

// applyStateDefaults makes new rows of every state machine model start in the
// initial state, and at lock version 0 when a lock column is configured.
// Declared defaults are kept. Columns that already exist are not altered.
func applyStateDefaults(reg *metadata.Registry, cfg config.StateMachineConfig) {
	for _, def := range reg.AllStateMachines() {
		m := reg.GetModel(def.Model)
		if m == nil {
			continue
		}
		field := def.Field
		if field == "" {
			field = "state"
		}
		if f := m.GetField(field); f != nil && f.Default == "" {
			f.Default = def.Initial
		}
		lock := def.LockColumn
		if lock == "" {
			lock = cfg.LockColumn
		}
		if f := m.GetField(lock); lock != "" && f != nil && f.Default == "" {
			f.Default = "0"
		}
	}
}

// schemaCustomizers add hand-written predicates, sorts and policies on top
// of the generated registry of a model.
var schemaCustomizers = map[string]func(b *engine.Builder) *engine.Builder{
	"article": func(b *engine.Builder) *engine.Builder {
		return b.
			RegisterComplexPredicate("popular", popularArticles).
			RegisterComplexSort("status_then_newest", func(rel *query.Relation) *query.Relation {
				return rel.OrderSQL(rel.Col("status")+" ASC", rel.Col("published_at")+" DESC")
			}).
			RequirePredicatesForScope("author", "author_id_eq").
			DefaultOrder("published_at_newest")
	},
}

// popularArticles matches articles with at least arg views, 100 by default.
func popularArticles(arg any) (query.Condition, error) {
	views := int64(100)
	switch v := arg.(type) {
	case nil, bool:
	case int:
		views = int64(v)
	case int64:
		views = v
	case float64:
		views = int64(v)
	case string:
		if v == "true" {
			break
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.New("expects a number of views")
		}
		views = n
	default:
		return nil, fmt.Errorf("expects a number of views, got %T", arg)
	}
	return squirrel.GtOrEq{`"articles"."view_count"`: views}, nil
}

// buildSchemas compiles a search schema for every model. Every field the
// dialect can query gets predicates and sorts.
func buildSchemas(reg *metadata.Registry, d store.Dialect, opts engine.Options) ([]*engine.Schema, error) {
	opts.Catalog = reg
	var (
		schemas []*engine.Schema
		errs    []error
	)
	for _, m := range reg.AllModels() {
		var fields []string
		for _, f := range m.Fields {
			if _, err := metadata.Classify(f, d); err == nil {
				fields = append(fields, f.Name)
			}
		}
		b := engine.NewBuilder(m, d, opts).Predicates(fields...).Sorts(fields...)
		if customize, ok := schemaCustomizers[m.Name]; ok {
			b = customize(b)
		}
		s, err := b.Build()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		schemas = append(schemas, s)
	}
	return schemas, errors.Join(errs...)
}

// transitionCallbacks are the named guards and callbacks definitions may refer to.
func transitionCallbacks(now func() time.Time, logger *slog.Logger) statemachine.Callbacks {
	return statemachine.Callbacks{
		Guards: map[string]func(context.Context, statemachine.Record) (bool, error){
			"has_title": func(_ context.Context, rec statemachine.Record) (bool, error) {
				title, _ := rec["title"].(string)
				return title != "", nil
			},
		},
		Validations: map[string]statemachine.Validation{
			"has_author": func(_ context.Context, ev *statemachine.Event) []statemachine.FieldError {
				if ev.Record["author_id"] == nil {
					return []statemachine.FieldError{{Field: "author_id", Message: "is required to publish"}}
				}
				return nil
			},
		},
		Callbacks: map[string]statemachine.Callback{
			"stamp_published_at": func(_ context.Context, ev *statemachine.Event) error {
				ev.Record["published_at"] = now().UTC()
				return nil
			},
		},
		Around: map[string]statemachine.AroundCallback{
			"log_duration": func(ctx context.Context, ev *statemachine.Event, next func(context.Context) error) error {
				start := now()
				err := next(ctx)
				logger.Debug("transition timing", "event", ev.Name, "duration", now().Sub(start), "error", err)
				return err
			},
		},
	}
}

// buildMachines compiles every registered state machine definition.
func buildMachines(reg *metadata.Registry, d store.Dialect, opts statemachine.Options) ([]*statemachine.Machine, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cbs := transitionCallbacks(now, logger)

	var (
		machines []*statemachine.Machine
		errs     []error
	)
	for _, def := range reg.AllStateMachines() {
		m, err := statemachine.FromDefinition(def, reg.GetModel(def.Model), d, cbs, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		machines = append(machines, m)
	}
	return machines, errors.Join(errs...)
}
