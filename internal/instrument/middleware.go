package instrument

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Middleware injects inst into each request's context and wraps the request
// in a root "http" span. Spans opened by handlers nest under it.
func Middleware(inst Instrumenter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := WithInstrumenter(c.UserContext(), inst)
		ctx, span := inst.StartSpan(ctx, "http", "request")
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		span.SetMetadata("status_code", status)
		if status >= 400 {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()
		return err
	}
}
