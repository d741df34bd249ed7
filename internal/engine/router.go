package engine

import (
	"github.com/gofiber/fiber/v2"

	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// Route exposes one schema at Path under an optional required-predicate scope.
type Route struct {
	Path   string
	Schema *Schema
	Scope  string
}

func RegisterSearchRoutes(r fiber.Router, db store.Querier, routes ...Route) {
	for _, rt := range routes {
		r.Get(rt.Path, SearchHandler(rt.Schema, db, rt.Scope))
	}
}
