package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/alessiobussolari/better-model-sub003/internal/config"
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// Record is one row of the machine's model, keyed by column name.
type Record map[string]any

// Event is handed to callbacks and validations while a transition runs.
// Tx is the transaction the transition executes in.
type Event struct {
	Name     string
	From     string
	To       string
	Record   Record
	Metadata map[string]any
	Tx       store.Querier
}

// Guard is a named precondition. Check must not have side effects; it also
// runs for Can.
type Guard struct {
	Name  string
	Check func(ctx context.Context, rec Record) (bool, error)
}

type Validation func(ctx context.Context, ev *Event) []FieldError

type Callback func(ctx context.Context, ev *Event) error

// AroundCallback wraps the rest of the transition and must call next for
// it to proceed.
type AroundCallback func(ctx context.Context, ev *Event, next func(context.Context) error) error

// Transition moves a record from any of From to To when Event fires.
type Transition struct {
	Event       string
	From        []string
	To          string
	Guards      []Guard
	Validations []Validation
	Before      []Callback
	After       []Callback
	Around      []AroundCallback
}

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	// HistoryTable receives one row per executed transition.
	HistoryTable string
	// LockColumn, when set, is an integer version column checked and
	// incremented on every transition.
	LockColumn string
}

func OptionsFromConfig(cfg config.StateMachineConfig, logger *slog.Logger) Options {
	return Options{
		Logger:       logger,
		HistoryTable: cfg.HistoryTable,
		LockColumn:   cfg.LockColumn,
	}
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.HistoryTable == "" {
		o.HistoryTable = store.DefaultTransitionsTable
	}
	return o
}

type key struct {
	from  string
	event string
}

// Builder collects states and transitions for one model.
type Builder struct {
	model       *metadata.Model
	dialect     store.Dialect
	opts        Options
	field       string
	states      []string
	initials    []string
	transitions []Transition
	errs        []error
}

// NewBuilder starts a machine over model's "state" column.
func NewBuilder(model *metadata.Model, d store.Dialect, opts Options) *Builder {
	return &Builder{model: model, dialect: d, opts: opts, field: "state"}
}

// Field sets the column holding the state.
func (b *Builder) Field(name string) *Builder {
	b.field = name
	return b
}

func (b *Builder) State(names ...string) *Builder {
	b.states = append(b.states, names...)
	return b
}

// InitialState declares the state new records start in.
func (b *Builder) InitialState(name string) *Builder {
	b.initials = append(b.initials, name)
	b.states = append(b.states, name)
	return b
}

func (b *Builder) Transition(t Transition) *Builder {
	b.transitions = append(b.transitions, t)
	return b
}

func (b *Builder) fail(subject, format string, args ...any) {
	b.errs = append(b.errs, &ConfigurationError{
		Model:   b.model.Name,
		Subject: subject,
		Message: fmt.Sprintf(format, args...),
	})
}

// Build validates every declaration and returns the compiled machine. All
// problems are reported together.
func (b *Builder) Build() (*Machine, error) {
	opts := b.opts.withDefaults()
	errs := append([]error(nil), b.errs...)
	fail := func(subject, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Model: b.model.Name, Subject: subject, Message: fmt.Sprintf(format, args...)})
	}

	if !b.model.HasField(b.field) {
		fail(b.field, "state field is not a field of the model")
	}
	if opts.LockColumn != "" && !b.model.HasField(opts.LockColumn) {
		fail(opts.LockColumn, "lock column is not a field of the model")
	}

	initials := lo.Uniq(b.initials)
	switch len(initials) {
	case 0:
		fail("", "no initial state declared")
	case 1:
	default:
		fail("", "multiple initial states: %v", initials)
	}

	states := lo.Uniq(b.states)
	known := lo.SliceToMap(states, func(s string) (string, bool) { return s, true })

	table := make(map[key]*Transition)
	var events []string
	for i := range b.transitions {
		t := b.transitions[i]
		if t.Event == "" {
			fail("", "transition without an event name")
			continue
		}
		if len(t.From) == 0 {
			fail(t.Event, "transition has no from states")
		}
		if !known[t.To] {
			fail(t.Event, "unknown to state %q", t.To)
		}
		for _, g := range t.Guards {
			if g.Check == nil {
				fail(t.Event, "guard %q has no check", g.Name)
			}
		}
		t.From = lo.Uniq(t.From)
		for _, from := range t.From {
			if !known[from] {
				fail(t.Event, "unknown from state %q", from)
				continue
			}
			k := key{from: from, event: t.Event}
			if _, dup := table[k]; dup {
				fail(t.Event, "duplicate transition from %q", from)
				continue
			}
			table[k] = &t
		}
		events = append(events, t.Event)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Machine{
		model:   b.model,
		dialect: b.dialect,
		opts:    opts,
		logger:  opts.Logger.With("model", b.model.Name),
		field:   b.field,
		initial: initials[0],
		states:  states,
		table:   table,
		events:  lo.Uniq(events),
	}, nil
}

// Machine is a compiled, immutable state machine. It is safe for
// concurrent use.
type Machine struct {
	model   *metadata.Model
	dialect store.Dialect
	opts    Options
	logger  *slog.Logger
	field   string
	initial string
	states  []string
	table   map[key]*Transition
	events  []string
}

func (m *Machine) Model() *metadata.Model { return m.model }
func (m *Machine) Field() string          { return m.field }
func (m *Machine) InitialState() string   { return m.initial }

// States returns the declared states in declaration order.
func (m *Machine) States() []string { return append([]string(nil), m.states...) }

// Events returns the declared event names in declaration order.
func (m *Machine) Events() []string { return append([]string(nil), m.events...) }

// State returns the record's current state, or "" if it has none.
func (m *Machine) State(rec Record) string {
	switch v := rec[m.field].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (m *Machine) Is(rec Record, state string) bool {
	return m.State(rec) == state
}

// Initialize puts a record without a state into the initial state.
func (m *Machine) Initialize(rec Record) {
	if m.State(rec) == "" {
		rec[m.field] = m.initial
	}
}

// lookup resolves the transition for event from the given state.
func (m *Machine) lookup(from, event string) (*Transition, error) {
	if t, ok := m.table[key{from: from, event: event}]; ok {
		return t, nil
	}
	err := &InvalidTransitionError{Event: event, From: from}
	for _, s := range m.states {
		if t, ok := m.table[key{from: s, event: event}]; ok {
			err.To = t.To
			break
		}
	}
	return nil, err
}

// Can reports whether event could fire now. Only guards run; nothing is
// written and no callbacks are called.
func (m *Machine) Can(ctx context.Context, rec Record, event string) (bool, error) {
	t, err := m.lookup(m.State(rec), event)
	if err != nil {
		return false, nil
	}
	guard, err := m.checkGuards(ctx, t, rec)
	if err != nil {
		return false, err
	}
	return guard == "", nil
}

// AvailableEvents lists the events with a transition out of the record's
// current state, in declaration order. Guards are not evaluated.
func (m *Machine) AvailableEvents(rec Record) []string {
	from := m.State(rec)
	return lo.Filter(m.events, func(event string, _ int) bool {
		_, ok := m.table[key{from: from, event: event}]
		return ok
	})
}

// checkGuards runs guards in order and returns the name of the first one
// that fails. Later guards are not run.
func (m *Machine) checkGuards(ctx context.Context, t *Transition, rec Record) (string, error) {
	for _, g := range t.Guards {
		ok, err := g.Check(ctx, rec)
		if err != nil {
			return "", fmt.Errorf("guard %q: %w", g.Name, err)
		}
		if !ok {
			return g.Name, nil
		}
	}
	return "", nil
}
