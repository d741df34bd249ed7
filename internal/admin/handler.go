package admin

import (
	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"github.com/alessiobussolari/better-model-sub003/internal/engine"
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/statemachine"
)

// Handler describes the registered models, their search registries and
// state machines. It is read-only.
type Handler struct {
	registry *metadata.Registry
	schemas  map[string]*engine.Schema
	machines map[string]*statemachine.Machine
}

func NewHandler(reg *metadata.Registry, schemas []*engine.Schema, machines []*statemachine.Machine) *Handler {
	return &Handler{
		registry: reg,
		schemas:  lo.KeyBy(schemas, func(s *engine.Schema) string { return s.Model().Name }),
		machines: lo.KeyBy(machines, func(m *statemachine.Machine) string { return m.Model().Name }),
	}
}

func RegisterAdminRoutes(r fiber.Router, h *Handler) {
	admin := r.Group("/_admin")

	admin.Get("/models", h.ListModels)
	admin.Get("/models/:name", h.GetModel)
	admin.Get("/models/:name/search", h.GetSearch)
	admin.Get("/models/:name/state_machine", h.GetStateMachine)
}

type modelSummary struct {
	Name         string `json:"name"`
	Table        string `json:"table"`
	Searchable   bool   `json:"searchable"`
	StateMachine bool   `json:"state_machine"`
}

func (h *Handler) ListModels(c *fiber.Ctx) error {
	models := lo.Map(h.registry.AllModels(), func(m *metadata.Model, _ int) modelSummary {
		_, searchable := h.schemas[m.Name]
		_, machine := h.machines[m.Name]
		return modelSummary{Name: m.Name, Table: m.Table, Searchable: searchable, StateMachine: machine}
	})
	return c.JSON(fiber.Map{"data": models})
}

func (h *Handler) GetModel(c *fiber.Ctx) error {
	name := c.Params("name")
	m := h.registry.GetModel(name)
	if m == nil {
		return notFound(c, "Model not found: "+name)
	}
	return c.JSON(fiber.Map{"data": m})
}

type predicateInfo struct {
	Name     string `json:"name"`
	Field    string `json:"field,omitempty"`
	Category string `json:"category,omitempty"`
	Op       string `json:"op"`
	Arity    int    `json:"arity"`
}

type sortInfo struct {
	Name      string `json:"name"`
	Field     string `json:"field,omitempty"`
	Direction string `json:"direction,omitempty"`
	Complex   bool   `json:"complex,omitempty"`
}

// GetSearch lists the predicates, sorts and required-predicate scopes a
// model can be searched with.
func (h *Handler) GetSearch(c *fiber.Ctx) error {
	name := c.Params("name")
	s, ok := h.schemas[name]
	if !ok {
		return notFound(c, "No search schema for model: "+name)
	}

	preds := lo.FilterMap(s.PredicateNames(), func(n string, _ int) (predicateInfo, bool) {
		p, ok := s.Predicate(n)
		if !ok {
			return predicateInfo{}, false
		}
		return predicateInfo{Name: p.Name, Field: p.Field, Category: string(p.Category), Op: p.Op.String(), Arity: p.Arity()}, true
	})
	sorts := lo.FilterMap(s.SortNames(), func(n string, _ int) (sortInfo, bool) {
		d, ok := s.Sort(n)
		if !ok {
			return sortInfo{}, false
		}
		return sortInfo{Name: d.Name, Field: d.Field, Direction: string(d.Direction), Complex: d.IsComplex()}, true
	})
	scopes := lo.SliceToMap(s.Scopes(), func(scope string) (string, []string) {
		return scope, s.RequiredPredicates(scope)
	})

	return c.JSON(fiber.Map{"data": fiber.Map{
		"predicates": preds,
		"sorts":      sorts,
		"scopes":     scopes,
	}})
}

func (h *Handler) GetStateMachine(c *fiber.Ctx) error {
	name := c.Params("name")
	m, ok := h.machines[name]
	if !ok {
		return notFound(c, "No state machine for model: "+name)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"field":   m.Field(),
		"initial": m.InitialState(),
		"states":  m.States(),
		"events":  m.Events(),
	}})
}

func notFound(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": msg}})
}
