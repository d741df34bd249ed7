package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/alessiobussolari/better-model-sub003/internal/config"
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// reservedOr is the predicate-map key that holds OR-ed sibling groups.
const reservedOr = "or"

// Options tune a compiled schema. The zero value is strict with no limits
// beyond the paging defaults.
type Options struct {
	// Lenient logs and skips unknown predicate and sort names instead of failing.
	Lenient bool
	Logger  *slog.Logger
	// Now is the clock for within and the calendar helpers.
	Now             func() time.Time
	DefaultPerPage  int
	MaxPerPage      int
	MaxPredicates   int // 0 = unlimited
	MaxOrConditions int // 0 = unlimited
	// Catalog resolves association targets for preload and joins.
	Catalog *metadata.Registry
}

// DefaultOptions returns strict options with 25 rows per page, capped at 100.
func DefaultOptions() Options {
	return Options{DefaultPerPage: 25, MaxPerPage: 100}
}

// OptionsFromConfig maps the search config section onto schema options.
func OptionsFromConfig(cfg config.SearchConfig, logger *slog.Logger) Options {
	return Options{
		Lenient:         !cfg.Strict,
		Logger:          logger,
		DefaultPerPage:  cfg.DefaultPerPage,
		MaxPerPage:      cfg.MaxPerPage,
		MaxPredicates:   cfg.MaxPredicates,
		MaxOrConditions: cfg.MaxOrConditions,
	}
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MaxPerPage <= 0 {
		o.MaxPerPage = 100
	}
	if o.DefaultPerPage <= 0 {
		o.DefaultPerPage = 25
	}
	if o.DefaultPerPage > o.MaxPerPage {
		o.DefaultPerPage = o.MaxPerPage
	}
	return o
}

type namedPredicate struct {
	name string
	fn   ComplexPredicateFunc
}

type namedSort struct {
	name string
	fn   ComplexSortFunc
}

type scopeRule struct {
	scope string
	names []string
}

// Builder collects a model's search declarations. Build validates them all
// at once and returns an immutable Schema.
type Builder struct {
	model           *metadata.Model
	dialect         store.Dialect
	opts            Options
	predicateFields []string
	sortFields      []string
	complexPreds    []namedPredicate
	complexSorts    []namedSort
	rules           []scopeRule
	defaultOrder    []string
	defaultOrderSQL []string
}

func NewBuilder(model *metadata.Model, d store.Dialect, opts Options) *Builder {
	return &Builder{model: model, dialect: d, opts: opts}
}

// Predicates generates the category's predicates for each field.
func (b *Builder) Predicates(fields ...string) *Builder {
	b.predicateFields = append(b.predicateFields, fields...)
	return b
}

// Sorts generates the category's sorts for each field.
func (b *Builder) Sorts(fields ...string) *Builder {
	b.sortFields = append(b.sortFields, fields...)
	return b
}

func (b *Builder) RegisterComplexPredicate(name string, fn ComplexPredicateFunc) *Builder {
	b.complexPreds = append(b.complexPreds, namedPredicate{name: name, fn: fn})
	return b
}

func (b *Builder) RegisterComplexSort(name string, fn ComplexSortFunc) *Builder {
	b.complexSorts = append(b.complexSorts, namedSort{name: name, fn: fn})
	return b
}

// RequirePredicatesForScope makes names mandatory for every search run under scope.
func (b *Builder) RequirePredicatesForScope(scope string, names ...string) *Builder {
	b.rules = append(b.rules, scopeRule{scope: scope, names: names})
	return b
}

// DefaultOrder applies the named sorts when a search carries no ordering.
func (b *Builder) DefaultOrder(sortNames ...string) *Builder {
	b.defaultOrder = append(b.defaultOrder, sortNames...)
	return b
}

// DefaultOrderSQL applies raw ORDER BY fragments after DefaultOrder. The
// fragments are not qualified; with joins they may be ambiguous.
func (b *Builder) DefaultOrderSQL(fragments ...string) *Builder {
	b.defaultOrderSQL = append(b.defaultOrderSQL, fragments...)
	return b
}

// Build compiles the declarations. Every problem found is reported, joined.
func (b *Builder) Build() (*Schema, error) {
	if b.model == nil {
		return nil, &ConfigurationError{Message: "model is required"}
	}
	if b.dialect == nil {
		return nil, &ConfigurationError{Model: b.model.Name, Message: "dialect is required"}
	}

	opts := b.opts.withDefaults()
	s := &Schema{
		model:          b.model,
		dialect:        b.dialect,
		opts:           opts,
		logger:         opts.Logger.With("model", b.model.Name),
		fields:         make(map[string]FieldDescriptor),
		predicates:     make(map[string]*PredicateDefinition),
		sorts:          make(map[string]*SortDefinition),
		sortableFields: make(map[string]bool),
		required:       make(requiredPolicy),
	}

	var errs []error
	fail := func(subject, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Model: b.model.Name, Subject: subject, Message: fmt.Sprintf(format, args...)})
	}

	describe := func(name string) (FieldDescriptor, bool) {
		if fd, ok := s.fields[name]; ok {
			return fd, true
		}
		f := b.model.GetField(name)
		if f == nil {
			fail(name, "unknown field")
			return FieldDescriptor{}, false
		}
		fd, err := describeField(*f, b.dialect)
		if err != nil {
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) && cfgErr.Model == "" {
				cfgErr.Model = b.model.Name
			}
			errs = append(errs, err)
			return FieldDescriptor{}, false
		}
		s.fields[name] = fd
		return fd, true
	}

	addPredicate := func(def *PredicateDefinition) {
		if def.Name == "" || def.Name == reservedOr {
			fail(def.Name, "predicate name %q is reserved", def.Name)
			return
		}
		if _, dup := s.predicates[def.Name]; dup {
			fail(def.Name, "duplicate predicate %q", def.Name)
			return
		}
		s.predicates[def.Name] = def
	}
	addSort := func(def *SortDefinition) {
		if def.Name == "" {
			fail(def.Name, "sort name is required")
			return
		}
		if _, dup := s.sorts[def.Name]; dup {
			fail(def.Name, "duplicate sort %q", def.Name)
			return
		}
		s.sorts[def.Name] = def
	}

	for _, name := range lo.Uniq(b.predicateFields) {
		if fd, ok := describe(name); ok {
			for _, def := range generatePredicates(fd) {
				addPredicate(def)
			}
		}
	}
	for _, cp := range b.complexPreds {
		if cp.fn == nil {
			fail(cp.name, "complex predicate %q has no builder", cp.name)
			continue
		}
		addPredicate(&PredicateDefinition{Name: cp.name, Op: OpComplex, fn: cp.fn})
	}

	for _, name := range lo.Uniq(b.sortFields) {
		if fd, ok := describe(name); ok {
			s.sortableFields[name] = true
			for _, def := range generateSorts(fd) {
				addSort(def)
			}
		}
	}
	for _, cs := range b.complexSorts {
		if cs.fn == nil {
			fail(cs.name, "complex sort %q has no builder", cs.name)
			continue
		}
		addSort(&SortDefinition{Name: cs.name, fn: cs.fn})
	}

	for _, rule := range b.rules {
		if isDefaultScope(rule.scope) {
			fail(rule.scope, "required predicates cannot be declared for the default scope")
			continue
		}
		for _, name := range rule.names {
			if _, ok := s.predicates[name]; !ok {
				fail(rule.scope, "required predicate %q is not defined", name)
				continue
			}
			if !lo.Contains(s.required[rule.scope], name) {
				s.required[rule.scope] = append(s.required[rule.scope], name)
			}
		}
	}

	for _, name := range b.defaultOrder {
		def, ok := s.sorts[name]
		if !ok {
			fail(name, "default order %q is not a defined sort", name)
			continue
		}
		s.defaultOrder = append(s.defaultOrder, def)
	}
	s.defaultOrderSQL = append([]string(nil), b.defaultOrderSQL...)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	s.predicateNames = sortedKeys(s.predicates)
	s.sortNames = sortedKeys(s.sorts)
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// Schema is a compiled, immutable search surface for one model. It is safe
// for concurrent use.
type Schema struct {
	model           *metadata.Model
	dialect         store.Dialect
	opts            Options
	logger          *slog.Logger
	fields          map[string]FieldDescriptor
	predicates      map[string]*PredicateDefinition
	sorts           map[string]*SortDefinition
	sortableFields  map[string]bool
	required        requiredPolicy
	defaultOrder    []*SortDefinition
	defaultOrderSQL []string
	predicateNames  []string
	sortNames       []string
}

func (s *Schema) Model() *metadata.Model { return s.model }
func (s *Schema) Dialect() store.Dialect { return s.dialect }

// PredicateNames returns every predicate name, sorted.
func (s *Schema) PredicateNames() []string { return append([]string(nil), s.predicateNames...) }

// SortNames returns every sort name, sorted.
func (s *Schema) SortNames() []string { return append([]string(nil), s.sortNames...) }

func (s *Schema) IsValidPredicate(name string) bool {
	_, ok := s.predicates[name]
	return ok
}

func (s *Schema) IsValidSort(name string) bool {
	_, ok := s.sorts[name]
	return ok
}

// Predicate returns the definition registered under name.
func (s *Schema) Predicate(name string) (*PredicateDefinition, bool) {
	def, ok := s.predicates[name]
	return def, ok
}

func (s *Schema) Sort(name string) (*SortDefinition, bool) {
	def, ok := s.sorts[name]
	return def, ok
}

// Fields returns the descriptors of every declared field, sorted by name.
func (s *Schema) Fields() []FieldDescriptor {
	out := lo.Values(s.fields)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RequiredPredicates returns the mandatory predicates of scope.
func (s *Schema) RequiredPredicates(scope string) []string {
	return append([]string(nil), s.required[scope]...)
}

// Scopes returns every scope with a required-predicate rule, sorted.
func (s *Schema) Scopes() []string { return s.required.scopes() }

func (s *Schema) col(field string) string {
	return s.dialect.QuoteIdent(s.model.Table + "." + field)
}
