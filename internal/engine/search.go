package engine

import (
	"math"

	"github.com/Masterminds/squirrel"

	"github.com/alessiobussolari/better-model-sub003/internal/query"
)

// Pagination selects one page of results. Pages are 1-based.
type Pagination struct {
	Page    int
	PerPage int
}

// OrderSpec is either a registered sort name or an explicit field and
// direction ("asc" or "desc").
type OrderSpec struct {
	Sort      string
	Field     string
	Direction string
}

// SearchRequest is everything one search call carries.
type SearchRequest struct {
	// Predicates maps predicate names to arguments. The "or" key holds a
	// list of sibling maps that are OR-ed together.
	Predicates map[string]any
	Orders     []OrderSpec
	Preload    []string
	Joins      []string
	Pagination *Pagination
	Scope      string
}

type SearchOption func(*SearchRequest)

// WithOrders applies registered sorts as cumulative tiebreaks.
func WithOrders(sortNames ...string) SearchOption {
	return func(r *SearchRequest) {
		for _, name := range sortNames {
			r.Orders = append(r.Orders, OrderSpec{Sort: name})
		}
	}
}

// WithOrder orders by a sortable field directly.
func WithOrder(field, direction string) SearchOption {
	return func(r *SearchRequest) {
		r.Orders = append(r.Orders, OrderSpec{Field: field, Direction: direction})
	}
}

// WithPreload loads associations with one extra query per level. Paths may
// be dotted ("author.company").
func WithPreload(paths ...string) SearchOption {
	return func(r *SearchRequest) { r.Preload = append(r.Preload, paths...) }
}

// WithJoins loads singular associations through LEFT OUTER JOIN.
func WithJoins(assocs ...string) SearchOption {
	return func(r *SearchRequest) { r.Joins = append(r.Joins, assocs...) }
}

func WithPage(page, perPage int) SearchOption {
	return func(r *SearchRequest) { r.Pagination = &Pagination{Page: page, PerPage: perPage} }
}

// WithScope enforces the scope's required predicates.
func WithScope(scope string) SearchOption {
	return func(r *SearchRequest) { r.Scope = scope }
}

// Search validates the predicates and options and composes a lazy result set.
// Nothing touches the database until the result set is read.
func (s *Schema) Search(predicates map[string]any, opts ...SearchOption) (*ResultSet, error) {
	req := SearchRequest{Predicates: predicates}
	for _, opt := range opts {
		opt(&req)
	}
	return s.Compose(req)
}

// Compose turns a request into a result set.
func (s *Schema) Compose(req SearchRequest) (*ResultSet, error) {
	if err := s.required.validate(req.Scope, req.Predicates); err != nil {
		return nil, err
	}
	if err := s.checkLimits(req.Predicates); err != nil {
		return nil, err
	}
	if err := s.checkNames(req.Predicates); err != nil {
		return nil, err
	}

	rel := query.New(s.dialect, s.model.Table)
	cond, err := s.resolve(req.Predicates)
	if err != nil {
		return nil, err
	}
	rel = rel.Where(cond)

	if rel, err = s.applyOrders(rel, req.Orders); err != nil {
		return nil, err
	}

	joins, err := s.resolveJoins(req.Joins)
	if err != nil {
		return nil, err
	}
	rel = s.applyJoins(rel, joins)

	preload, err := s.resolvePreload(req.Preload)
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{schema: s, joins: joins, preload: preload}
	if req.Pagination != nil {
		page, perPage, err := s.paginate(req.Pagination)
		if err != nil {
			return nil, err
		}
		rs.paginated = true
		rs.page = page
		rs.perPage = perPage
		rel = rel.Limit(uint64(perPage)).Offset(uint64((page - 1) * perPage))
	}
	rs.rel = rel
	return rs, nil
}

// checkLimits enforces MaxPredicates on the top level and MaxOrConditions on
// every "or" list.
func (s *Schema) checkLimits(preds map[string]any) error {
	if s.opts.MaxPredicates > 0 {
		n := 0
		for k := range preds {
			if k != reservedOr {
				n++
			}
		}
		if n > s.opts.MaxPredicates {
			return &SearchLimitError{Limit: "predicates", Max: s.opts.MaxPredicates, Got: n}
		}
	}
	return s.walkOr(preds, func(siblings []map[string]any) error {
		if s.opts.MaxOrConditions > 0 && len(siblings) > s.opts.MaxOrConditions {
			return &SearchLimitError{Limit: "or conditions", Max: s.opts.MaxOrConditions, Got: len(siblings)}
		}
		return nil
	})
}

// checkNames rejects unknown predicate names anywhere in the tree before
// any condition is built. Lenient schemas skip them later instead.
func (s *Schema) checkNames(preds map[string]any) error {
	if s.opts.Lenient {
		return nil
	}
	if err := s.unknownName(preds); err != nil {
		return err
	}
	return s.walkOr(preds, func(siblings []map[string]any) error {
		for _, sib := range siblings {
			if err := s.unknownName(sib); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Schema) unknownName(preds map[string]any) error {
	for _, k := range sortedKeys(preds) {
		if k == reservedOr {
			continue
		}
		if _, ok := s.predicates[k]; !ok {
			return &InvalidPredicateError{Model: s.model.Name, Name: k, Valid: s.PredicateNames()}
		}
	}
	return nil
}

func (s *Schema) walkOr(preds map[string]any, visit func([]map[string]any) error) error {
	raw, ok := preds[reservedOr]
	if !ok || isNil(raw) {
		return nil
	}
	siblings, err := orSiblings(raw)
	if err != nil {
		return err
	}
	if err := visit(siblings); err != nil {
		return err
	}
	for _, sib := range siblings {
		if err := s.walkOr(sib, visit); err != nil {
			return err
		}
	}
	return nil
}

func orSiblings(raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, argError(reservedOr, "expects a list of predicate maps, got %T element", item)
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, argError(reservedOr, "expects a list of predicate maps, got %T", raw)
}

// resolve ANDs every predicate of one map, in sorted key order. A nil
// condition means the map contributes nothing.
func (s *Schema) resolve(preds map[string]any) (query.Condition, error) {
	var conds squirrel.And
	for _, k := range sortedKeys(preds) {
		v := preds[k]
		if k == reservedOr {
			c, err := s.resolveOr(v)
			if err != nil {
				return nil, err
			}
			if c != nil {
				conds = append(conds, c)
			}
			continue
		}
		def, ok := s.predicates[k]
		if !ok {
			if s.opts.Lenient {
				s.logger.Warn("skipping unknown predicate", "predicate", k)
				continue
			}
			return nil, &InvalidPredicateError{Model: s.model.Name, Name: k, Valid: s.PredicateNames()}
		}
		c, err := s.condition(def, v)
		if err != nil {
			return nil, err
		}
		if c != nil {
			conds = append(conds, c)
		}
	}
	switch len(conds) {
	case 0:
		return nil, nil
	case 1:
		return conds[0], nil
	}
	return conds, nil
}

func (s *Schema) resolveOr(raw any) (query.Condition, error) {
	if isNil(raw) {
		return nil, nil
	}
	siblings, err := orSiblings(raw)
	if err != nil {
		return nil, err
	}
	var group squirrel.Or
	for _, sib := range siblings {
		c, err := s.resolve(sib)
		if err != nil {
			return nil, err
		}
		if c != nil {
			group = append(group, c)
		}
	}
	switch len(group) {
	case 0:
		return nil, nil
	case 1:
		return group[0], nil
	}
	return group, nil
}

func (s *Schema) applyOrders(rel *query.Relation, orders []OrderSpec) (*query.Relation, error) {
	for _, o := range orders {
		if o.Sort != "" {
			def, ok := s.sorts[o.Sort]
			if !ok {
				if s.opts.Lenient {
					s.logger.Warn("skipping unknown sort", "sort", o.Sort)
					continue
				}
				return nil, &InvalidOrderError{Model: s.model.Name, Name: o.Sort, Valid: s.SortNames()}
			}
			rel = s.applySort(rel, def)
			continue
		}

		if !s.sortableFields[o.Field] {
			if s.opts.Lenient {
				s.logger.Warn("skipping order on unsortable field", "field", o.Field)
				continue
			}
			return nil, &InvalidOrderError{Model: s.model.Name, Name: o.Field, Valid: sortedKeys(s.sortableFields)}
		}
		dir := query.Asc
		if o.Direction != "" {
			var err error
			if dir, err = query.ParseDirection(o.Direction); err != nil {
				return nil, argError(o.Field, "%v", err)
			}
		}
		rel = rel.Order(query.OrderTerm{Expr: rel.Col(o.Field), Dir: dir})
	}

	if !rel.HasOrder() {
		for _, def := range s.defaultOrder {
			rel = s.applySort(rel, def)
		}
		rel = rel.OrderSQL(s.defaultOrderSQL...)
	}
	return rel, nil
}

// paginate validates the page and clamps perPage to [1, MaxPerPage]. A zero
// perPage selects the default. The offset must fit in a signed 64-bit integer.
func (s *Schema) paginate(p *Pagination) (int, int, error) {
	if p.Page <= 0 {
		return 0, 0, &PaginationError{Page: p.Page, Message: "page must be >= 1"}
	}
	perPage := p.PerPage
	switch {
	case perPage == 0:
		perPage = s.opts.DefaultPerPage
	case perPage < 1:
		perPage = 1
	case perPage > s.opts.MaxPerPage:
		perPage = s.opts.MaxPerPage
	}
	if int64(p.Page-1) > math.MaxInt64/int64(perPage) {
		return 0, 0, &PaginationError{Page: p.Page, Message: "page is out of range"}
	}
	return p.Page, perPage, nil
}
