// Package query holds an immutable, composable SELECT over one table.
// Every method returns a new Relation; the receiver is never modified.
package query

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// Condition is a WHERE fragment. Any squirrel expression satisfies it.
type Condition = squirrel.Sqlizer

type join struct {
	clause string
	args   []any
}

// Relation is a lazily executed query against a single root table.
type Relation struct {
	dialect store.Dialect
	table   string
	columns []string
	joins   []join
	where   []Condition
	orders  []OrderTerm
	limit   *uint64
	offset  *uint64
}

// New starts a relation selecting every column of table.
func New(d store.Dialect, table string) *Relation {
	return &Relation{dialect: d, table: table}
}

func (r *Relation) clone() *Relation {
	c := *r
	c.columns = append([]string(nil), r.columns...)
	c.joins = append([]join(nil), r.joins...)
	c.where = append([]Condition(nil), r.where...)
	c.orders = append([]OrderTerm(nil), r.orders...)
	return &c
}

func (r *Relation) Dialect() store.Dialect { return r.dialect }
func (r *Relation) Table() string          { return r.table }

// Col returns the quoted, table-qualified column name.
func (r *Relation) Col(name string) string {
	return r.dialect.QuoteIdent(r.table + "." + name)
}

// Where adds a condition ANDed with the existing ones.
func (r *Relation) Where(c Condition) *Relation {
	if c == nil {
		return r
	}
	n := r.clone()
	n.where = append(n.where, c)
	return n
}

// WhereSQL adds a raw condition with ? placeholders.
func (r *Relation) WhereSQL(sql string, args ...any) *Relation {
	return r.Where(squirrel.Expr(sql, args...))
}

// Order appends ORDER BY terms.
func (r *Relation) Order(terms ...OrderTerm) *Relation {
	n := r.clone()
	n.orders = append(n.orders, terms...)
	return n
}

// OrderSQL appends a raw ORDER BY fragment.
func (r *Relation) OrderSQL(fragments ...string) *Relation {
	n := r.clone()
	for _, f := range fragments {
		n.orders = append(n.orders, OrderTerm{Expr: f, Dir: orderRaw})
	}
	return n
}

// HasOrder reports whether any ORDER BY term is set.
func (r *Relation) HasOrder() bool { return len(r.orders) > 0 }

// Unordered drops every ORDER BY term.
func (r *Relation) Unordered() *Relation {
	n := r.clone()
	n.orders = nil
	return n
}

// Select adds extra columns after the root table's columns.
func (r *Relation) Select(cols ...string) *Relation {
	n := r.clone()
	n.columns = append(n.columns, cols...)
	return n
}

// LeftJoin adds a LEFT OUTER JOIN clause.
func (r *Relation) LeftJoin(clause string, args ...any) *Relation {
	n := r.clone()
	n.joins = append(n.joins, join{clause: clause, args: args})
	return n
}

// Limit caps the number of rows.
func (r *Relation) Limit(n uint64) *Relation {
	c := r.clone()
	c.limit = &n
	return c
}

// Offset skips rows.
func (r *Relation) Offset(n uint64) *Relation {
	c := r.clone()
	c.offset = &n
	return c
}

// orderRaw marks a term whose Expr already carries its direction.
const orderRaw Direction = "raw"

func (r *Relation) base(columns ...string) squirrel.SelectBuilder {
	b := store.StatementBuilder(r.dialect).
		Select(columns...).
		From(r.dialect.QuoteIdent(r.table))
	for _, j := range r.joins {
		b = b.LeftJoin(j.clause, j.args...)
	}
	for _, c := range r.where {
		b = b.Where(c)
	}
	return b
}

// Builder returns the full squirrel select, including order and paging.
func (r *Relation) Builder() squirrel.SelectBuilder {
	cols := append([]string{r.dialect.QuoteIdent(r.table + ".*")}, r.columns...)
	b := r.base(cols...)
	for _, t := range r.orders {
		if t.Dir == orderRaw {
			b = b.OrderBy(t.Expr)
			continue
		}
		b = b.OrderBy(t.Render(r.dialect)...)
	}
	if r.limit != nil {
		b = b.Limit(*r.limit)
	}
	if r.offset != nil {
		b = b.Offset(*r.offset)
	}
	return b
}

// ToSQL renders the SELECT statement and its bound arguments.
func (r *Relation) ToSQL() (string, []any, error) {
	return r.Builder().ToSql()
}

// CountSQL renders a COUNT(*) over the same joins and conditions, ignoring
// order, limit and offset.
func (r *Relation) CountSQL() (string, []any, error) {
	return r.base("COUNT(*)").ToSql()
}

// All executes the relation and returns every row.
func (r *Relation) All(ctx context.Context, q store.Querier) ([]map[string]any, error) {
	sqlStr, args, err := r.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select for %s: %w", r.table, err)
	}
	rows, err := store.QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, r.dialect.MapError(err)
	}
	return rows, nil
}

// Count executes the COUNT(*) form of the relation.
func (r *Relation) Count(ctx context.Context, q store.Querier) (int64, error) {
	sqlStr, args, err := r.CountSQL()
	if err != nil {
		return 0, fmt.Errorf("build count for %s: %w", r.table, err)
	}
	n, err := store.QueryInt(ctx, q, sqlStr, args...)
	if err != nil {
		return 0, r.dialect.MapError(err)
	}
	return n, nil
}
