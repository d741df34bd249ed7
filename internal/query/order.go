package query

import (
	"fmt"

	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// Direction of an ORDER BY term.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// ParseDirection accepts "asc"/"desc" in any case.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "asc", "ASC", "Asc":
		return Asc, nil
	case "desc", "DESC", "Desc":
		return Desc, nil
	}
	return "", fmt.Errorf("invalid sort direction %q", s)
}

// Nulls places NULL values in an ORDER BY term.
type Nulls int

const (
	NullsDefault Nulls = iota
	NullsFirst
	NullsLast
)

// OrderTerm is one ORDER BY entry. Expr is a quoted column or raw SQL.
type OrderTerm struct {
	Expr  string
	Dir   Direction
	Nulls Nulls
}

// Render produces the ORDER BY fragments for the dialect. Dialects that
// simulate NULL placement get a leading CASE sort key; dialects without
// support keep the database's natural NULL order.
func (t OrderTerm) Render(d store.Dialect) []string {
	dir := t.Dir
	if dir == "" {
		dir = Asc
	}
	plain := t.Expr + " " + string(dir)
	if t.Nulls == NullsDefault {
		return []string{plain}
	}

	switch d.Nulls() {
	case store.NullsNative:
		if t.Nulls == NullsLast {
			return []string{plain + " NULLS LAST"}
		}
		return []string{plain + " NULLS FIRST"}
	case store.NullsSimulated:
		if t.Nulls == NullsLast {
			return []string{fmt.Sprintf("CASE WHEN %s IS NULL THEN 1 ELSE 0 END", t.Expr), plain}
		}
		return []string{fmt.Sprintf("CASE WHEN %s IS NULL THEN 0 ELSE 1 END", t.Expr), plain}
	default:
		return []string{plain}
	}
}
