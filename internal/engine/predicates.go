package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/query"
)

// Op identifies a generated predicate operation.
type Op int

const (
	OpEq Op = iota + 1
	OpNotEq
	OpMatches
	OpStart
	OpEnd
	OpCont
	OpNotCont
	OpICont
	OpNotICont
	OpIn
	OpNotIn
	OpPresent
	OpBlank
	OpNull
	OpLt
	OpLteq
	OpGt
	OpGteq
	OpBetween
	OpNotBetween
	OpWithin
	OpToday
	OpThisWeek
	OpThisMonth
	OpThisYear
	OpOverlaps
	OpContains
	OpContainedBy
	OpHasKey
	OpHasAnyKey
	OpHasAllKeys
	OpJSONBContains
	OpComplex
)

var opNames = map[Op]string{
	OpEq:            "eq",
	OpNotEq:         "not_eq",
	OpMatches:       "matches",
	OpStart:         "start",
	OpEnd:           "end",
	OpCont:          "cont",
	OpNotCont:       "not_cont",
	OpICont:         "i_cont",
	OpNotICont:      "not_i_cont",
	OpIn:            "in",
	OpNotIn:         "not_in",
	OpPresent:       "present",
	OpBlank:         "blank",
	OpNull:          "null",
	OpLt:            "lt",
	OpLteq:          "lteq",
	OpGt:            "gt",
	OpGteq:          "gteq",
	OpBetween:       "between",
	OpNotBetween:    "not_between",
	OpWithin:        "within",
	OpToday:         "today",
	OpThisWeek:      "this_week",
	OpThisMonth:     "this_month",
	OpThisYear:      "this_year",
	OpOverlaps:      "overlaps",
	OpContains:      "contains",
	OpContainedBy:   "contained_by",
	OpHasKey:        "has_key",
	OpHasAnyKey:     "has_any_key",
	OpHasAllKeys:    "has_all_keys",
	OpJSONBContains: "jsonb_contains",
	OpComplex:       "complex",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Arity values. ArityFlag predicates take an explicit bool.
const (
	ArityFlag = 0
	ArityOne  = 1
	ArityTwo  = 2
	ArityList = -1
)

// Arity returns how many arguments the operation expects.
func (o Op) Arity() int {
	switch o {
	case OpPresent, OpBlank, OpNull, OpToday, OpThisWeek, OpThisMonth, OpThisYear:
		return ArityFlag
	case OpBetween, OpNotBetween:
		return ArityTwo
	case OpIn, OpNotIn, OpOverlaps, OpContains, OpContainedBy, OpHasAnyKey, OpHasAllKeys:
		return ArityList
	default:
		return ArityOne
	}
}

var numericOps = []Op{OpEq, OpNotEq, OpLt, OpLteq, OpGt, OpGteq, OpBetween, OpNotBetween, OpIn, OpNotIn, OpPresent, OpNull}

var categoryPredicates = map[metadata.Category][]Op{
	metadata.CategoryString: {
		OpEq, OpNotEq, OpMatches, OpStart, OpEnd, OpCont, OpNotCont, OpICont, OpNotICont,
		OpIn, OpNotIn, OpPresent, OpBlank, OpNull,
	},
	metadata.CategoryNumeric:  numericOps,
	metadata.CategoryBoolean:  {OpEq, OpNotEq, OpPresent, OpNull},
	metadata.CategoryTemporal: append(append([]Op{}, numericOps...), OpWithin, OpToday, OpThisWeek, OpThisMonth, OpThisYear),
	metadata.CategoryArray:    {OpOverlaps, OpContains, OpContainedBy},
	metadata.CategoryJSONB:    {OpHasKey, OpHasAnyKey, OpHasAllKeys, OpJSONBContains},
}

// PredicateOps returns the operations generated for a category, in order.
func PredicateOps(cat metadata.Category) []Op {
	return append([]Op(nil), categoryPredicates[cat]...)
}

// ComplexPredicateFunc builds a condition from a caller-supplied argument.
type ComplexPredicateFunc func(arg any) (query.Condition, error)

// PredicateDefinition is one entry of a schema's predicate registry.
type PredicateDefinition struct {
	Name     string
	Field    string
	Category metadata.Category
	Op       Op
	fn       ComplexPredicateFunc
}

func (p *PredicateDefinition) Arity() int {
	if p.Op == OpComplex {
		return ArityOne
	}
	return p.Op.Arity()
}

func (p *PredicateDefinition) IsComplex() bool { return p.Op == OpComplex }

func generatePredicates(f FieldDescriptor) []*PredicateDefinition {
	ops := categoryPredicates[f.Category]
	defs := make([]*PredicateDefinition, 0, len(ops))
	for _, op := range ops {
		defs = append(defs, &PredicateDefinition{
			Name:     f.Name + "_" + op.String(),
			Field:    f.Name,
			Category: f.Category,
			Op:       op,
		})
	}
	return defs
}

// condition turns a predicate and its argument into a WHERE fragment.
// A nil condition with a nil error means the predicate is skipped.
func (s *Schema) condition(def *PredicateDefinition, arg any) (query.Condition, error) {
	if def.Arity() == ArityFlag {
		if isNil(arg) {
			return nil, argError(def.Name, "expects true or false, got nil")
		}
		flag, ok := arg.(bool)
		if !ok {
			return nil, argError(def.Name, "expects true or false, got %T", arg)
		}
		return s.flagCondition(def, flag), nil
	}
	if isNil(arg) {
		return nil, nil
	}
	if def.IsComplex() {
		cond, err := def.fn(arg)
		if err != nil {
			return nil, fmt.Errorf("predicate %s: %w", def.Name, err)
		}
		return cond, nil
	}

	col := s.col(def.Field)
	switch def.Op {
	case OpEq, OpNotEq, OpLt, OpLteq, OpGt, OpGteq:
		v, err := s.scalarArg(def, arg)
		if err != nil {
			return nil, err
		}
		return squirrel.Expr(col+" "+comparisonOps[def.Op]+" ?", v), nil

	case OpMatches, OpStart, OpEnd, OpCont, OpNotCont, OpICont, OpNotICont:
		str, ok := arg.(string)
		if !ok {
			return nil, argError(def.Name, "expects a string, got %T", arg)
		}
		return s.likeCondition(def.Op, col, str), nil

	case OpIn, OpNotIn:
		list, err := listArg(def.Name, arg)
		if err != nil {
			return nil, err
		}
		for i, v := range list {
			if list[i], err = s.scalarArg(def, v); err != nil {
				return nil, err
			}
		}
		if def.Op == OpIn {
			return squirrel.Eq{col: list}, nil
		}
		return squirrel.NotEq{col: list}, nil

	case OpBetween, OpNotBetween:
		low, high, err := s.rangeArg(def, arg)
		if err != nil {
			return nil, err
		}
		if def.Op == OpBetween {
			return squirrel.Expr(col+" BETWEEN ? AND ?", low, high), nil
		}
		return squirrel.Expr(col+" NOT BETWEEN ? AND ?", low, high), nil

	case OpWithin:
		d, err := durationArg(def.Name, arg)
		if err != nil {
			return nil, err
		}
		return squirrel.Expr(col+" >= ?", s.opts.Now().Add(-d).UTC()), nil

	case OpOverlaps, OpContains, OpContainedBy:
		list, err := listArg(def.Name, arg)
		if err != nil {
			return nil, err
		}
		return squirrel.Expr(col+" "+arrayOps[def.Op]+" ?", s.dialect.ArrayParam(list)), nil

	case OpHasKey:
		key, ok := arg.(string)
		if !ok {
			return nil, argError(def.Name, "expects a string key, got %T", arg)
		}
		return squirrel.Expr("jsonb_exists("+col+", ?)", key), nil

	case OpHasAnyKey, OpHasAllKeys:
		list, err := listArg(def.Name, arg)
		if err != nil {
			return nil, err
		}
		keys := make([]any, len(list))
		for i, k := range list {
			str, ok := k.(string)
			if !ok {
				return nil, argError(def.Name, "expects string keys, got %T", k)
			}
			keys[i] = str
		}
		fn := "jsonb_exists_any"
		if def.Op == OpHasAllKeys {
			fn = "jsonb_exists_all"
		}
		return squirrel.Expr(fn+"("+col+", ?)", s.dialect.ArrayParam(keys)), nil

	case OpJSONBContains:
		doc, err := jsonArg(def.Name, arg)
		if err != nil {
			return nil, err
		}
		return squirrel.Expr(col+" @> ?::jsonb", doc), nil
	}
	return nil, argError(def.Name, "unsupported operation %s", def.Op)
}

var comparisonOps = map[Op]string{
	OpEq:    "=",
	OpNotEq: "<>",
	OpLt:    "<",
	OpLteq:  "<=",
	OpGt:    ">",
	OpGteq:  ">=",
}

var arrayOps = map[Op]string{
	OpOverlaps:    "&&",
	OpContains:    "@>",
	OpContainedBy: "<@",
}

func (s *Schema) flagCondition(def *PredicateDefinition, flag bool) query.Condition {
	col := s.col(def.Field)
	switch def.Op {
	case OpPresent, OpBlank:
		present := flag
		if def.Op == OpBlank {
			present = !flag
		}
		if def.Category == metadata.CategoryString {
			if present {
				return squirrel.Expr("(" + col + " IS NOT NULL AND TRIM(" + col + ") <> '')")
			}
			return squirrel.Expr("(" + col + " IS NULL OR TRIM(" + col + ") = '')")
		}
		if present {
			return squirrel.Expr(col + " IS NOT NULL")
		}
		return squirrel.Expr(col + " IS NULL")
	case OpNull:
		if flag {
			return squirrel.Expr(col + " IS NULL")
		}
		return squirrel.Expr(col + " IS NOT NULL")
	}

	start, end := period(def.Op, s.opts.Now())
	if flag {
		return squirrel.Expr("("+col+" >= ? AND "+col+" < ?)", start.UTC(), end.UTC())
	}
	return squirrel.Expr("("+col+" < ? OR "+col+" >= ?)", start.UTC(), end.UTC())
}

// period returns the [start, end) window of a calendar helper in now's location.
// Weeks start on Monday.
func period(op Op, now time.Time) (time.Time, time.Time) {
	y, m, d := now.Date()
	loc := now.Location()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)
	switch op {
	case OpThisWeek:
		start := day.AddDate(0, 0, -((int(now.Weekday()) + 6) % 7))
		return start, start.AddDate(0, 0, 7)
	case OpThisMonth:
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	case OpThisYear:
		start := time.Date(y, 1, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(1, 0, 0)
	default:
		return day, day.AddDate(0, 0, 1)
	}
}

// escapeLike escapes LIKE wildcards with '!' as the escape character.
func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

func (s *Schema) likeCondition(op Op, col, value string) query.Condition {
	switch op {
	case OpMatches:
		return squirrel.Expr(col+" LIKE ?", value)
	case OpStart:
		return squirrel.Expr(col+" LIKE ? ESCAPE '!'", escapeLike(value)+"%")
	case OpEnd:
		return squirrel.Expr(col+" LIKE ? ESCAPE '!'", "%"+escapeLike(value))
	case OpCont:
		return squirrel.Expr(col+" LIKE ? ESCAPE '!'", "%"+escapeLike(value)+"%")
	case OpNotCont:
		return squirrel.Expr(col+" NOT LIKE ? ESCAPE '!'", "%"+escapeLike(value)+"%")
	}

	not := ""
	if op == OpNotICont {
		not = "NOT "
	}
	if s.dialect.HasILike() {
		return squirrel.Expr(col+" "+not+"ILIKE ? ESCAPE '!'", "%"+escapeLike(value)+"%")
	}
	return squirrel.Expr("LOWER("+col+") "+not+"LIKE ? ESCAPE '!'", "%"+escapeLike(strings.ToLower(value))+"%")
}

// scalarArg validates and normalizes a single value for the predicate's category.
func (s *Schema) scalarArg(def *PredicateDefinition, v any) (any, error) {
	if isNil(v) {
		return nil, argError(def.Name, "expects a value, got nil")
	}
	if isList(v) {
		return nil, argError(def.Name, "expects a single value, got %T", v)
	}
	switch def.Category {
	case metadata.CategoryNumeric:
		return numericArg(def.Name, v)
	case metadata.CategoryTemporal:
		return temporalArg(def.Name, v)
	case metadata.CategoryBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, argError(def.Name, "expects true or false, got %T", v)
		}
		return b, nil
	}
	if _, ok := v.(map[string]any); ok {
		return nil, argError(def.Name, "expects a single value, got %T", v)
	}
	return v, nil
}

func numericArg(name string, v any) (any, error) {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return n, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, argError(name, "expects a number, got %q", n.String())
		}
		return f, nil
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, argError(name, "expects a number, got %q", n)
		}
		return f, nil
	}
	return nil, argError(name, "expects a number, got %T", v)
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func temporalArg(name string, v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return nil, argError(name, "expects a time, got nil")
		}
		return t.UTC(), nil
	case string:
		parsed, ok := parseTime(t)
		if !ok {
			return nil, argError(name, "expects a time, got %q", t)
		}
		return parsed.UTC(), nil
	}
	return nil, argError(name, "expects a time, got %T", v)
}

// Range is an explicit two-bound argument for between and not_between.
type Range struct {
	Low  any
	High any
}

func (s *Schema) rangeArg(def *PredicateDefinition, arg any) (any, any, error) {
	var lowRaw, highRaw any
	switch r := arg.(type) {
	case Range:
		lowRaw, highRaw = r.Low, r.High
	case *Range:
		if r == nil {
			return nil, nil, argError(def.Name, "expects two values, got nil")
		}
		lowRaw, highRaw = r.Low, r.High
	default:
		list, err := listArg(def.Name, arg)
		if err != nil {
			return nil, nil, err
		}
		if len(list) != 2 {
			return nil, nil, argError(def.Name, "expects exactly two values, got %d", len(list))
		}
		lowRaw, highRaw = list[0], list[1]
	}
	low, err := s.scalarArg(def, lowRaw)
	if err != nil {
		return nil, nil, err
	}
	high, err := s.scalarArg(def, highRaw)
	if err != nil {
		return nil, nil, err
	}
	if greater(low, high) {
		return nil, nil, argError(def.Name, "lower bound %v is greater than upper bound %v", low, high)
	}
	return low, high, nil
}

// greater reports a > b for comparable bound pairs. Incomparable pairs are
// left to the database.
func greater(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa > fb
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.After(tb)
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa > sb
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// durationArg accepts a time.Duration, a number of days, or a string holding
// either a number of days or a Go duration ("36h").
func durationArg(name string, v any) (time.Duration, error) {
	var d time.Duration
	switch t := v.(type) {
	case time.Duration:
		d = t
	case string:
		if days, err := strconv.ParseFloat(t, 64); err == nil {
			d = time.Duration(days * float64(24*time.Hour))
		} else if parsed, err := time.ParseDuration(t); err == nil {
			d = parsed
		} else {
			return 0, argError(name, "expects a duration or a number of days, got %q", t)
		}
	default:
		days, ok := toFloat(v)
		if !ok {
			return 0, argError(name, "expects a duration or a number of days, got %T", v)
		}
		d = time.Duration(days * float64(24*time.Hour))
	}
	if d < 0 {
		return 0, argError(name, "duration must not be negative")
	}
	return d, nil
}

func jsonArg(name string, v any) (string, error) {
	if str, ok := v.(string); ok {
		if !json.Valid([]byte(str)) {
			return "", argError(name, "expects a JSON document")
		}
		return str, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", argError(name, "cannot encode value as JSON: %v", err)
	}
	return string(b), nil
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.([]byte); ok {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func listArg(name string, v any) ([]any, error) {
	if !isList(v) {
		return nil, argError(name, "expects a list, got %T", v)
	}
	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// isNil reports whether v is nil or a typed nil pointer, slice or map.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
