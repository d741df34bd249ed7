package statemachine

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// Callbacks holds the Go functions a declarative definition refers to by
// name.
type Callbacks struct {
	Guards      map[string]func(ctx context.Context, rec Record) (bool, error)
	Validations map[string]Validation
	Callbacks   map[string]Callback
	Around      map[string]AroundCallback
}

// FromDefinition compiles a declarative state machine. Guard expressions
// are compiled with expr and see the record as "record"; named guards,
// validations and callbacks are looked up in cbs. Table and lock column
// settings in def override opts.
func FromDefinition(def *metadata.StateMachineDefinition, model *metadata.Model, d store.Dialect, cbs Callbacks, opts Options) (*Machine, error) {
	if def.HistoryTable != "" {
		opts.HistoryTable = def.HistoryTable
	}
	if def.LockColumn != "" {
		opts.LockColumn = def.LockColumn
	}

	b := NewBuilder(model, d, opts).Field(def.StateField())
	if def.Initial != "" {
		b.InitialState(def.Initial)
	}
	b.State(def.States...)

	for _, ed := range def.Events {
		t := Transition{Event: ed.Name, From: ed.From, To: ed.To}

		if ed.Guard != "" {
			g, err := compileGuard(ed.Guard)
			if err != nil {
				b.fail(ed.Name, "compile guard %q: %v", ed.Guard, err)
			} else {
				t.Guards = append(t.Guards, g)
			}
		}
		for _, name := range ed.Guards {
			if fn, ok := cbs.Guards[name]; ok {
				t.Guards = append(t.Guards, Guard{Name: name, Check: fn})
			} else {
				b.fail(ed.Name, "unknown guard %q", name)
			}
		}
		t.Validations = lookupAll(b, ed.Name, "validation", ed.Validate, cbs.Validations)
		t.Before = lookupAll(b, ed.Name, "callback", ed.Before, cbs.Callbacks)
		t.After = lookupAll(b, ed.Name, "callback", ed.After, cbs.Callbacks)
		t.Around = lookupAll(b, ed.Name, "around callback", ed.Around, cbs.Around)

		b.Transition(t)
	}
	return b.Build()
}

func lookupAll[F any](b *Builder, event, kind string, names []string, fns map[string]F) []F {
	var out []F
	for _, name := range names {
		fn, ok := fns[name]
		if !ok {
			b.fail(event, "unknown %s %q", kind, name)
			continue
		}
		out = append(out, fn)
	}
	return out
}

// compileGuard turns a boolean expression over the record into a guard
// named after its source.
func compileGuard(src string) (Guard, error) {
	prog, err := expr.Compile(src, expr.AsBool())
	if err != nil {
		return Guard{}, err
	}
	return Guard{
		Name: src,
		Check: func(ctx context.Context, rec Record) (bool, error) {
			return runGuard(prog, rec)
		},
	}, nil
}

func runGuard(prog *vm.Program, rec Record) (bool, error) {
	out, err := expr.Run(prog, map[string]any{"record": map[string]any(rec)})
	if err != nil {
		return false, fmt.Errorf("evaluate guard: %w", err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("guard returned %T, not bool", out)
	}
	return ok, nil
}
