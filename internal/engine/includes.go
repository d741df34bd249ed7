package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/query"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// joinColumnSep separates the association name from the column in the
// aliases of joined columns ("author__name").
const joinColumnSep = "__"

type preloadNode struct {
	assoc    *metadata.Association
	source   *metadata.Model
	target   *metadata.Model
	children []*preloadNode
}

type joinSpec struct {
	assoc   *metadata.Association
	target  *metadata.Model
	columns []string
}

func (s *Schema) target(path string, from *metadata.Model, name string) (*metadata.Association, *metadata.Model, error) {
	assoc := from.GetAssociation(name)
	if assoc == nil {
		return nil, nil, argError(path, "unknown association %q on %s", name, from.Name)
	}
	if s.opts.Catalog == nil {
		return nil, nil, argError(path, "no model catalog configured for associations")
	}
	target := s.opts.Catalog.GetModel(assoc.Target)
	if target == nil {
		return nil, nil, argError(path, "association %q targets unknown model %q", name, assoc.Target)
	}
	return assoc, target, nil
}

// resolvePreload turns dotted paths into a tree of associations. Shared
// prefixes are loaded once.
func (s *Schema) resolvePreload(paths []string) ([]*preloadNode, error) {
	var roots []*preloadNode
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		level := &roots
		from := s.model
		for _, seg := range strings.Split(path, ".") {
			node, found := lo.Find(*level, func(n *preloadNode) bool { return n.assoc.Name == seg })
			if !found {
				assoc, target, err := s.target(path, from, seg)
				if err != nil {
					return nil, err
				}
				node = &preloadNode{assoc: assoc, source: from, target: target}
				*level = append(*level, node)
			}
			level = &node.children
			from = node.target
		}
	}
	return roots, nil
}

// resolveJoins validates associations loaded through LEFT OUTER JOIN. Only
// single-level belongs_to and has_one associations can be joined.
func (s *Schema) resolveJoins(names []string) ([]joinSpec, error) {
	var specs []joinSpec
	for _, name := range lo.Uniq(names) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.Contains(name, ".") {
			return nil, argError(name, "nested joins are not supported, use preload")
		}
		assoc, target, err := s.target(name, s.model, name)
		if err != nil {
			return nil, err
		}
		if !assoc.IsSingular() {
			return nil, argError(name, "%s associations cannot be joined, use preload", assoc.Type)
		}
		cols := target.FieldNames()
		if !lo.Contains(cols, target.PK()) {
			cols = append([]string{target.PK()}, cols...)
		}
		specs = append(specs, joinSpec{assoc: assoc, target: target, columns: cols})
	}
	return specs, nil
}

func (s *Schema) applyJoins(rel *query.Relation, joins []joinSpec) *query.Relation {
	q := s.dialect.QuoteIdent
	for _, j := range joins {
		alias := j.assoc.Name
		var on string
		if j.assoc.IsBelongsTo() {
			on = q(alias+"."+j.target.PK()) + " = " + s.col(j.assoc.ForeignKey)
		} else {
			on = q(alias+"."+j.assoc.ForeignKey) + " = " + s.col(s.model.PK())
		}
		rel = rel.LeftJoin(q(j.target.Table) + " AS " + q(alias) + " ON " + on)
		for _, c := range j.columns {
			rel = rel.Select(q(alias+"."+c) + " AS " + q(alias+joinColumnSep+c))
		}
	}
	return rel
}

// nestJoins moves aliased join columns into one map per association. A row
// with no joined match gets nil.
func (s *Schema) nestJoins(rows []map[string]any, joins []joinSpec) error {
	for _, j := range joins {
		nested := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			m := make(map[string]any, len(j.columns))
			matched := false
			for _, c := range j.columns {
				key := j.assoc.Name + joinColumnSep + c
				v := row[key]
				delete(row, key)
				m[c] = v
				if v != nil {
					matched = true
				}
			}
			if matched {
				row[j.assoc.Name] = m
				nested = append(nested, m)
			} else {
				row[j.assoc.Name] = nil
			}
		}
		if err := s.normalize(j.target, nested); err != nil {
			return err
		}
	}
	return nil
}

// normalize converts driver representations of booleans and arrays for the
// model's fields.
func (s *Schema) normalize(m *metadata.Model, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	var bools, arrays []string
	for _, f := range m.Fields {
		cat, err := metadata.Classify(f, s.dialect)
		if err != nil {
			continue
		}
		switch cat {
		case metadata.CategoryBoolean:
			bools = append(bools, f.Name)
		case metadata.CategoryArray:
			arrays = append(arrays, f.Name)
		}
	}
	if s.dialect.NeedsBoolFix() {
		store.NormalizeBooleans(rows, bools)
	}
	return store.NormalizeArrays(s.dialect, rows, arrays)
}

// loadPreloads runs one batched query per association level and attaches
// the results to rows.
func (s *Schema) loadPreloads(ctx context.Context, q store.Querier, rows []map[string]any, nodes []*preloadNode) error {
	if len(rows) == 0 {
		return nil
	}
	for _, n := range nodes {
		loaded, err := s.loadAssociation(ctx, q, n, rows)
		if err != nil {
			return fmt.Errorf("preload %s: %w", n.assoc.Name, err)
		}
		if len(n.children) > 0 {
			if err := s.loadPreloads(ctx, q, loaded, n.children); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Schema) loadAssociation(ctx context.Context, q store.Querier, n *preloadNode, rows []map[string]any) ([]map[string]any, error) {
	name := n.assoc.Name
	switch n.assoc.Type {
	case metadata.BelongsTo:
		fks := collectValues(rows, n.assoc.ForeignKey)
		targets, err := s.fetch(ctx, q, n.target, n.target.PK(), fks)
		if err != nil {
			return nil, err
		}
		byPK := lo.KeyBy(targets, func(r map[string]any) string { return key(r[n.target.PK()]) })
		for _, row := range rows {
			if t, ok := byPK[key(row[n.assoc.ForeignKey])]; ok && row[n.assoc.ForeignKey] != nil {
				row[name] = t
			} else {
				row[name] = nil
			}
		}
		return targets, nil

	case metadata.HasOne, metadata.HasMany:
		pks := collectValues(rows, n.source.PK())
		children, err := s.fetch(ctx, q, n.target, n.assoc.ForeignKey, pks)
		if err != nil {
			return nil, err
		}
		grouped := lo.GroupBy(children, func(r map[string]any) string { return key(r[n.assoc.ForeignKey]) })
		for _, row := range rows {
			group := grouped[key(row[n.source.PK()])]
			if n.assoc.Type == metadata.HasOne {
				if len(group) > 0 {
					row[name] = group[0]
				} else {
					row[name] = nil
				}
				continue
			}
			if group == nil {
				group = []map[string]any{}
			}
			row[name] = group
		}
		return children, nil

	case metadata.ManyToMany:
		return s.loadManyToMany(ctx, q, n, rows)
	}
	return nil, fmt.Errorf("unsupported association type %q", n.assoc.Type)
}

func (s *Schema) loadManyToMany(ctx context.Context, q store.Querier, n *preloadNode, rows []map[string]any) ([]map[string]any, error) {
	name := n.assoc.Name
	src, dst := n.assoc.SourceJoinKey, n.assoc.TargetJoinKey
	pks := collectValues(rows, n.source.PK())

	var links []map[string]any
	if len(pks) > 0 {
		sqlStr, args, err := store.StatementBuilder(s.dialect).
			Select(s.dialect.QuoteIdent(src), s.dialect.QuoteIdent(dst)).
			From(s.dialect.QuoteIdent(n.assoc.JoinTable)).
			Where(squirrel.Eq{s.dialect.QuoteIdent(src): pks}).
			ToSql()
		if err != nil {
			return nil, err
		}
		if links, err = store.QueryRows(ctx, q, sqlStr, args...); err != nil {
			return nil, s.dialect.MapError(err)
		}
	}

	targets, err := s.fetch(ctx, q, n.target, n.target.PK(), collectValues(links, dst))
	if err != nil {
		return nil, err
	}
	byPK := lo.KeyBy(targets, func(r map[string]any) string { return key(r[n.target.PK()]) })

	bySource := make(map[string][]map[string]any)
	for _, link := range links {
		if t, ok := byPK[key(link[dst])]; ok {
			sid := key(link[src])
			bySource[sid] = append(bySource[sid], t)
		}
	}
	for _, row := range rows {
		group := bySource[key(row[n.source.PK()])]
		if group == nil {
			group = []map[string]any{}
		}
		row[name] = group
	}
	return targets, nil
}

// fetch loads every row of m whose col is in values, ordered by primary key.
func (s *Schema) fetch(ctx context.Context, q store.Querier, m *metadata.Model, col string, values []any) ([]map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	rel := query.New(s.dialect, m.Table)
	rel = rel.Where(squirrel.Eq{rel.Col(col): values}).
		Order(query.OrderTerm{Expr: rel.Col(m.PK()), Dir: query.Asc})
	rows, err := rel.All(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := s.normalize(m, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func key(v any) string { return fmt.Sprintf("%v", v) }

func collectValues(rows []map[string]any, field string) []any {
	seen := make(map[string]bool)
	var values []any
	for _, row := range rows {
		v := row[field]
		if v == nil {
			continue
		}
		k := key(v)
		if !seen[k] {
			seen[k] = true
			values = append(values, v)
		}
	}
	return values
}
