package engine

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

// SearchHandler serves a schema over GET. The scope is fixed per route and
// never taken from the request.
func SearchHandler(schema *Schema, db store.Querier, scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := ParseSearchParams(c, schema)
		if err != nil {
			return handleSearchError(c, err)
		}
		req.Scope = scope

		rs, err := schema.Compose(req)
		if err != nil {
			return handleSearchError(c, err)
		}

		ctx := c.UserContext()
		rows, err := rs.Rows(ctx, db)
		if err != nil {
			return handleSearchError(c, fmt.Errorf("search %s: %w", schema.Model().Name, err))
		}
		total, err := rs.TotalCount(ctx, db)
		if err != nil {
			return handleSearchError(c, fmt.Errorf("count %s: %w", schema.Model().Name, err))
		}
		pages, err := rs.TotalPages(ctx, db)
		if err != nil {
			return handleSearchError(c, err)
		}

		return c.JSON(fiber.Map{
			"data": rows,
			"meta": fiber.Map{
				"page":        rs.CurrentPage(),
				"per_page":    rs.PerPage(),
				"total":       total,
				"total_pages": pages,
			},
		})
	}
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

// handleSearchError writes known errors as JSON and hands the rest to
// fiber's error handler.
func handleSearchError(c *fiber.Ctx, err error) error {
	if appErr := ToAppError(err); appErr != nil {
		return respondError(c, appErr)
	}
	return err
}
