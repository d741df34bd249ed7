package engine

import (
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
)

// ParseSearchParams reads a search request from query parameters:
//
//	q[title_cont]=go              predicate
//	q[or][0][status_eq]=draft     OR group sibling 0
//	order=title_asc,view_count:desc
//	preload=author,tags  joins=author
//	page=2&per_page=10
//
// Lists are comma separated. Values are coerced by the predicate's category;
// blank values are ignored. HTTP searches are always paginated.
func ParseSearchParams(c *fiber.Ctx, schema *Schema) (SearchRequest, error) {
	req := SearchRequest{
		Predicates: make(map[string]any),
		Pagination: &Pagination{Page: 1},
	}
	orGroups := make(map[int]map[string]any)

	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "q[") || !strings.HasSuffix(key, "]") {
			continue
		}
		parts := strings.Split(key[2:len(key)-1], "][")
		switch {
		case len(parts) == 1 && parts[0] != reservedOr:
			v, err := coerceParam(schema, parts[0], val)
			if err != nil {
				return req, err
			}
			if v != nil {
				req.Predicates[parts[0]] = v
			}
		case len(parts) == 3 && parts[0] == reservedOr:
			idx, err := strconv.Atoi(parts[1])
			if err != nil || idx < 0 {
				return req, argError(key, "or group index must be a non-negative integer")
			}
			v, err := coerceParam(schema, parts[2], val)
			if err != nil {
				return req, err
			}
			if v == nil {
				continue
			}
			if orGroups[idx] == nil {
				orGroups[idx] = make(map[string]any)
			}
			orGroups[idx][parts[2]] = v
		default:
			return req, argError(key, "malformed search parameter")
		}
	}
	if len(orGroups) > 0 {
		indexes := lo.Keys(orGroups)
		sort.Ints(indexes)
		siblings := make([]any, 0, len(indexes))
		for _, i := range indexes {
			siblings = append(siblings, orGroups[i])
		}
		req.Predicates[reservedOr] = siblings
	}

	for _, item := range splitList(c.Query("order")) {
		if field, dir, ok := strings.Cut(item, ":"); ok {
			req.Orders = append(req.Orders, OrderSpec{Field: field, Direction: dir})
			continue
		}
		req.Orders = append(req.Orders, OrderSpec{Sort: item})
	}
	req.Preload = splitList(c.Query("preload"))
	req.Joins = splitList(c.Query("joins"))

	if p := c.Query("page"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil {
			return req, argError("page", "must be an integer, got %q", p)
		}
		req.Pagination.Page = v
	}
	if pp := c.Query("per_page"); pp != "" {
		v, err := strconv.Atoi(pp)
		if err != nil {
			return req, argError("per_page", "must be an integer, got %q", pp)
		}
		req.Pagination.PerPage = v
	}
	return req, nil
}

// coerceParam converts a raw parameter for the named predicate. Unknown
// names pass through untouched so the schema can reject or skip them.
func coerceParam(schema *Schema, name, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	def, ok := schema.Predicate(name)
	if !ok || def.IsComplex() {
		return raw, nil
	}

	switch def.Arity() {
	case ArityFlag:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, argError(name, "expects true or false, got %q", raw)
		}
		return b, nil
	case ArityList, ArityTwo:
		items := splitList(raw)
		out := make([]any, len(items))
		for i, item := range items {
			v, err := coerceScalar(def, item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return coerceScalar(def, raw)
}

// coerceScalar only handles booleans; numbers and times are parsed from
// strings when the condition is built.
func coerceScalar(def *PredicateDefinition, raw string) (any, error) {
	if def.Category != metadata.CategoryBoolean {
		return raw, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, argError(def.Name, "expects true or false, got %q", raw)
	}
	return b, nil
}

func splitList(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
