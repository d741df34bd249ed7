package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/alessiobussolari/better-model-sub003/internal/admin"
	"github.com/alessiobussolari/better-model-sub003/internal/config"
	"github.com/alessiobussolari/better-model-sub003/internal/engine"
	"github.com/alessiobussolari/better-model-sub003/internal/instrument"
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/statemachine"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(log)
	log.Info("config loaded", "port", cfg.Server.Port, "driver", cfg.Database.Driver, "db", cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// 3. Load definitions
	reg := metadata.NewRegistry()
	if err := metadata.LoadInto(cfg.Definitions, reg); err != nil {
		log.Error("failed to load definitions", "error", err)
		os.Exit(1)
	}

	// 4. Create tables
	if err := migrate(ctx, db, reg, cfg.StateMachine); err != nil {
		log.Error("failed to migrate", "error", err)
		os.Exit(1)
	}

	// 5. Read live columns
	if err := introspectModels(ctx, db, reg, log); err != nil {
		log.Error("failed to introspect tables", "error", err)
		os.Exit(1)
	}

	// 6. Compile schemas and state machines, build the app
	app, err := newApp(cfg, db, reg, log)
	if err != nil {
		log.Error("failed to build registries", "error", err)
		os.Exit(1)
	}

	// 7. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info("starting server", "addr", addr)
	if err := app.Listen(addr); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// newApp compiles the search schemas and state machines of every registered
// model and mounts their routes under /api.
func newApp(cfg *config.Config, db *store.Store, reg *metadata.Registry, log *slog.Logger) (*fiber.App, error) {
	schemas, err := buildSchemas(reg, db.Dialect, engine.OptionsFromConfig(cfg.Search, log))
	if err != nil {
		return nil, err
	}
	machines, err := buildMachines(reg, db.Dialect, statemachine.OptionsFromConfig(cfg.StateMachine, log))
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler(log),
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(instrument.NewLogInstrumenter(log)))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")
	engine.RegisterSearchRoutes(api, db.DB, searchRoutes(schemas)...)
	statemachine.RegisterTransitionRoutes(api, db, machines...)
	admin.RegisterAdminRoutes(api, admin.NewHandler(reg, schemas, machines))

	return app, nil
}

// searchRoutes mounts every schema at its table name, plus one route per
// scope the schema declares.
func searchRoutes(schemas []*engine.Schema) []engine.Route {
	var routes []engine.Route
	for _, s := range schemas {
		table := s.Model().Table
		routes = append(routes, engine.Route{Path: "/" + table, Schema: s})
		for _, scope := range s.Scopes() {
			routes = append(routes, engine.Route{Path: "/" + table + "/by_" + scope, Schema: s, Scope: scope})
		}
	}
	return routes
}

func errorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if appErr := engine.ToAppError(err); appErr != nil {
			return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(engine.ErrorResponse{
				Error: &engine.AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
			})
		}

		log.Error("unhandled error", "method", c.Method(), "path", c.Path(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(engine.ErrorResponse{
			Error: &engine.AppError{
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			},
		})
	}
}
