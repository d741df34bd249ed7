package engine

import (
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/query"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// ComplexSortFunc adds arbitrary ordering to a relation.
type ComplexSortFunc func(rel *query.Relation) *query.Relation

// SortDefinition is one entry of a schema's sort registry.
type SortDefinition struct {
	Name            string
	Field           string
	Direction       query.Direction
	Nulls           query.Nulls
	CaseInsensitive bool
	fn              ComplexSortFunc
}

func (d *SortDefinition) IsComplex() bool { return d.fn != nil }

type sortVariant struct {
	suffix          string
	dir             query.Direction
	nulls           query.Nulls
	caseInsensitive bool
}

var (
	plainSorts = []sortVariant{
		{suffix: "asc", dir: query.Asc},
		{suffix: "desc", dir: query.Desc},
	}
	stringSorts = append(append([]sortVariant{}, plainSorts...),
		sortVariant{suffix: "asc_i", dir: query.Asc, caseInsensitive: true},
		sortVariant{suffix: "desc_i", dir: query.Desc, caseInsensitive: true},
	)
	numericSorts = append(append([]sortVariant{}, plainSorts...),
		sortVariant{suffix: "asc_nulls_last", dir: query.Asc, nulls: query.NullsLast},
		sortVariant{suffix: "desc_nulls_last", dir: query.Desc, nulls: query.NullsLast},
		sortVariant{suffix: "asc_nulls_first", dir: query.Asc, nulls: query.NullsFirst},
		sortVariant{suffix: "desc_nulls_first", dir: query.Desc, nulls: query.NullsFirst},
	)
	temporalSorts = append(append([]sortVariant{}, numericSorts...),
		sortVariant{suffix: "newest", dir: query.Desc},
		sortVariant{suffix: "oldest", dir: query.Asc},
	)
)

var categorySorts = map[metadata.Category][]sortVariant{
	metadata.CategoryString:   stringSorts,
	metadata.CategoryNumeric:  numericSorts,
	metadata.CategoryTemporal: temporalSorts,
	metadata.CategoryBoolean:  plainSorts,
	metadata.CategoryArray:    plainSorts,
	metadata.CategoryJSONB:    plainSorts,
}

func generateSorts(f FieldDescriptor) []*SortDefinition {
	variants := categorySorts[f.Category]
	defs := make([]*SortDefinition, 0, len(variants))
	for _, v := range variants {
		defs = append(defs, &SortDefinition{
			Name:            f.Name + "_" + v.suffix,
			Field:           f.Name,
			Direction:       v.dir,
			Nulls:           v.nulls,
			CaseInsensitive: v.caseInsensitive,
		})
	}
	return defs
}

// applySort appends the definition's ordering to rel.
func (s *Schema) applySort(rel *query.Relation, def *SortDefinition) *query.Relation {
	if def.IsComplex() {
		return def.fn(rel)
	}
	expr := rel.Col(def.Field)
	if def.CaseInsensitive {
		expr = "LOWER(" + expr + ")"
	}
	if def.Nulls != query.NullsDefault && s.dialect.Nulls() == store.NullsUnsupported {
		s.logger.Warn("NULL ordering not supported by dialect, using natural order",
			"model", s.model.Name, "sort", def.Name, "dialect", s.dialect.Name())
	}
	return rel.Order(query.OrderTerm{Expr: expr, Dir: def.Direction, Nulls: def.Nulls})
}
