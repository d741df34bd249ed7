package engine

import (
	"context"
	"sync"

	"github.com/alessiobussolari/better-model-sub003/internal/instrument"
	"github.com/alessiobussolari/better-model-sub003/internal/query"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// ResultSet is a composed search. Rows and counts are read on demand; the
// total count is queried at most once.
type ResultSet struct {
	schema    *Schema
	rel       *query.Relation
	joins     []joinSpec
	preload   []*preloadNode
	paginated bool
	page      int
	perPage   int

	mu      sync.Mutex
	counted bool
	count   int64
}

// Relation returns the composed relation, including order and paging.
func (r *ResultSet) Relation() *query.Relation { return r.rel }

// SQL renders the SELECT statement the result set will run.
func (r *ResultSet) SQL() (string, []any, error) { return r.rel.ToSQL() }

// Rows executes the search and eager-loads the requested associations.
func (r *ResultSet) Rows(ctx context.Context, q store.Querier) (rows []map[string]any, err error) {
	s := r.schema
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "search.rows")
	span.SetEntity(s.model.Name, "")
	defer func() {
		if err != nil {
			span.SetStatus("error")
			span.SetMetadata("error", err.Error())
		} else {
			span.SetStatus("ok")
			span.SetMetadata("rows", len(rows))
		}
		span.End()
	}()

	sqlStr, args, err := r.rel.ToSQL()
	if err != nil {
		return nil, err
	}
	s.logger.Debug("search", "sql", sqlStr, "args", len(args))

	rows, err = store.QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, s.dialect.MapError(err)
	}
	if err := s.normalize(s.model, rows); err != nil {
		return nil, err
	}
	if err := s.nestJoins(rows, r.joins); err != nil {
		return nil, err
	}
	if err := s.loadPreloads(ctx, q, rows, r.preload); err != nil {
		return nil, err
	}
	return rows, nil
}

// TotalCount returns the number of rows matching the predicates, ignoring
// paging. A successful count is memoized.
func (r *ResultSet) TotalCount(ctx context.Context, q store.Querier) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counted {
		return r.count, nil
	}

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "search.count")
	span.SetEntity(r.schema.model.Name, "")
	defer span.End()

	n, err := r.rel.Count(ctx, q)
	if err != nil {
		span.SetStatus("error")
		return 0, err
	}
	span.SetStatus("ok")
	r.count, r.counted = n, true
	return n, nil
}

// TotalPages derives the page count from TotalCount. An unpaginated result
// with rows is one page.
func (r *ResultSet) TotalPages(ctx context.Context, q store.Querier) (int, error) {
	n, err := r.TotalCount(ctx, q)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if !r.paginated {
		return 1, nil
	}
	per := int64(r.perPage)
	return int((n + per - 1) / per), nil
}

// CurrentPage is 1 for unpaginated results.
func (r *ResultSet) CurrentPage() int {
	if !r.paginated {
		return 1
	}
	return r.page
}

// PerPage is 0 for unpaginated results.
func (r *ResultSet) PerPage() int { return r.perPage }

func (r *ResultSet) Paginated() bool { return r.paginated }
