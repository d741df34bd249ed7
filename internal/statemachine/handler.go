package statemachine

import (
	"context"
	"errors"
	"strconv"

	"github.com/Masterminds/squirrel"
	"github.com/gofiber/fiber/v2"

	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

type fireRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// RegisterTransitionRoutes exposes each machine under /<table>/:id:
//
//	GET  /<table>/:id/events          current state and available events
//	POST /<table>/:id/events/:event   fire an event
//	GET  /<table>/:id/transitions     transition history
func RegisterTransitionRoutes(r fiber.Router, s *store.Store, machines ...*Machine) {
	for _, m := range machines {
		g := r.Group("/" + m.model.Table + "/:id")
		g.Get("/events", m.eventsHandler(s))
		g.Post("/events/:event", m.fireHandler(s))
		g.Get("/transitions", m.historyHandler(s))
	}
}

func (m *Machine) eventsHandler(s *store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rec, err := m.Load(c.UserContext(), s.DB, m.parseID(c.Params("id")))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"data": fiber.Map{
			"state":  m.State(rec),
			"events": m.AvailableEvents(rec),
		}})
	}
}

func (m *Machine) fireHandler(s *store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body fireRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fiber.Map{
					"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
			}
		}

		ctx := c.UserContext()
		rec, err := m.Load(ctx, s.DB, m.parseID(c.Params("id")))
		if err != nil {
			return respondError(c, err)
		}
		tr, err := m.Fire(ctx, s, rec, c.Params("event"), body.Metadata)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"data": rec, "transition": tr})
	}
}

func (m *Machine) historyHandler(s *store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		rec, err := m.Load(ctx, s.DB, m.parseID(c.Params("id")))
		if err != nil {
			return respondError(c, err)
		}
		history, err := m.History(ctx, s.DB, rec[m.model.PK()])
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"data": history})
	}
}

// parseID converts a path parameter to the primary key's Go type.
func (m *Machine) parseID(raw string) any {
	if f := m.model.GetField(m.model.PK()); f != nil && (f.Type == "integer" || f.Type == "bigint") {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	return raw
}

// Load reads one record of the machine's model by primary key.
func (m *Machine) Load(ctx context.Context, q store.Querier, id any) (Record, error) {
	d := m.dialect
	sqlStr, args, err := store.StatementBuilder(d).
		Select("*").
		From(d.QuoteIdent(m.model.Table)).
		Where(squirrel.Eq{d.QuoteIdent(m.model.PK()): id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	row, err := store.QueryRow(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, d.MapError(err)
	}
	return Record(row), nil
}

func respondError(c *fiber.Ctx, err error) error {
	var (
		status  int
		code    string
		details []FieldError
	)
	var (
		invalid *InvalidTransitionError
		guard   *GuardFailedError
		valErr  *ValidationFailedError
		stale   *StaleStateError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = fiber.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &invalid):
		status, code = fiber.StatusUnprocessableEntity, invalid.Code()
	case errors.As(err, &guard):
		status, code = fiber.StatusUnprocessableEntity, guard.Code()
	case errors.As(err, &valErr):
		status, code, details = fiber.StatusUnprocessableEntity, valErr.Code(), valErr.Details
	case errors.As(err, &stale):
		status, code = fiber.StatusConflict, stale.Code()
	case errors.Is(err, ErrTransitionHalted):
		status, code = fiber.StatusConflict, "TRANSITION_HALTED"
	default:
		return err
	}
	body := fiber.Map{"code": code, "message": err.Error()}
	if len(details) > 0 {
		body["details"] = details
	}
	return c.Status(status).JSON(fiber.Map{"error": body})
}
