package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessiobussolari/better-model-sub003/internal/config"
	"github.com/alessiobussolari/better-model-sub003/internal/engine"
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Definitions: "../../definitions.yaml",
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   ":memory:",
			Name:   "server_" + strings.ReplaceAll(t.Name(), "/", "_"),
		},
		Search: config.SearchConfig{
			DefaultPerPage:  25,
			MaxPerPage:      100,
			MaxPredicates:   50,
			MaxOrConditions: 20,
			Strict:          true,
		},
		StateMachine: config.StateMachineConfig{HistoryTable: "state_transitions"},
	}
}

func setupServer(t *testing.T) (*fiber.App, *store.Store) {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.New(ctx, cfg.Database, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	reg := metadata.NewRegistry()
	require.NoError(t, metadata.LoadInto(cfg.Definitions, reg))
	require.NoError(t, migrate(ctx, db, reg, cfg.StateMachine))
	// migrating twice is a no-op
	require.NoError(t, migrate(ctx, db, reg, cfg.StateMachine))
	require.NoError(t, introspectModels(ctx, db, reg, logger))

	app, err := newApp(cfg, db, reg, logger)
	require.NoError(t, err)
	return app, db
}

func seed(t *testing.T, db *store.Store, table string, row map[string]any) {
	t.Helper()
	sqlStr, args, err := store.StatementBuilder(db.Dialect).Insert(table).SetMap(row).ToSql()
	require.NoError(t, err)
	_, err = db.DB.ExecContext(context.Background(), sqlStr, args...)
	require.NoError(t, err)
}

func request(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func titlesOf(body map[string]any) []string {
	var titles []string
	for _, row := range body["data"].([]any) {
		titles = append(titles, row.(map[string]any)["title"].(string))
	}
	return titles
}

func errorCodeOf(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func seedArticles(t *testing.T, db *store.Store) {
	t.Helper()
	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, db, "users", map[string]any{"id": 1, "name": "ada", "active": true})
	seed(t, db, "articles", map[string]any{"id": 1, "title": "hello", "body": "text", "status": "draft", "view_count": 150, "author_id": 1, "lock_version": 0})
	seed(t, db, "articles", map[string]any{"id": 2, "title": "", "status": "draft", "view_count": 5, "lock_version": 0})
	seed(t, db, "articles", map[string]any{"id": 3, "title": "old", "body": "text", "status": "published", "view_count": 300, "author_id": 1, "published_at": published, "lock_version": 0})
	seed(t, db, "articles", map[string]any{"id": 4, "title": "orphan", "body": "text", "status": "review", "lock_version": 0})
}

func TestHealth(t *testing.T) {
	app, _ := setupServer(t)
	status, body := request(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestSearchRoutes(t *testing.T) {
	app, db := setupServer(t)
	seedArticles(t, db)

	search := func(path string, params url.Values) (int, map[string]any) {
		return request(t, app, http.MethodGet, path+"?"+params.Encode(), "")
	}

	t.Run("custom predicate", func(t *testing.T) {
		status, body := search("/api/articles", url.Values{"q[popular]": {"true"}, "order": {"title_asc"}})
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, []string{"hello", "old"}, titlesOf(body))

		status, body = search("/api/articles", url.Values{"q[popular]": {"200"}})
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, []string{"old"}, titlesOf(body))
	})

	t.Run("custom sort", func(t *testing.T) {
		status, body := search("/api/articles", url.Values{"q[title_present]": {"true"}, "order": {"status_then_newest,id_asc"}})
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, []string{"hello", "old", "orphan"}, titlesOf(body))
	})

	t.Run("scoped route", func(t *testing.T) {
		status, body := search("/api/articles/by_author", url.Values{})
		assert.Equal(t, fiber.StatusBadRequest, status)
		assert.Equal(t, "REQUIRED_PREDICATE_MISSING", errorCodeOf(body))

		status, body = search("/api/articles/by_author", url.Values{"q[author_id_eq]": {"1"}, "order": {"title_asc"}})
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, []string{"hello", "old"}, titlesOf(body))
	})

	t.Run("preload", func(t *testing.T) {
		status, body := search("/api/users", url.Values{"preload": {"articles"}})
		require.Equal(t, fiber.StatusOK, status)
		rows := body["data"].([]any)
		require.Len(t, rows, 1)
		assert.Len(t, rows[0].(map[string]any)["articles"], 2)
	})
}

func TestArticleLifecycle(t *testing.T) {
	app, db := setupServer(t)
	seedArticles(t, db)

	status, body := request(t, app, http.MethodGet, "/api/articles/1/events", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []any{"submit", "archive"}, body["data"].(map[string]any)["events"])

	status, body = request(t, app, http.MethodPost, "/api/articles/2/events/submit", "")
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "GUARD_FAILED", errorCodeOf(body))

	status, body = request(t, app, http.MethodPost, "/api/articles/1/events/submit", `{"metadata": {"by": "ada"}}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "review", body["data"].(map[string]any)["status"])

	status, body = request(t, app, http.MethodPost, "/api/articles/1/events/publish", "")
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "published", data["status"])
	assert.NotNil(t, data["published_at"])
	assert.EqualValues(t, 2, data["lock_version"])

	status, body = request(t, app, http.MethodPost, "/api/articles/4/events/publish", "")
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCodeOf(body))

	status, body = request(t, app, http.MethodGet, "/api/articles/1/transitions", "")
	require.Equal(t, fiber.StatusOK, status)
	history := body["data"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, "submit", history[0].(map[string]any)["event"])
	assert.Equal(t, "publish", history[1].(map[string]any)["event"])

	status, body = request(t, app, http.MethodGet, "/api/articles/99/events", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCodeOf(body))
}

func TestArticleLifecycle_NewRecordStartsInInitialState(t *testing.T) {
	app, db := setupServer(t)
	seed(t, db, "articles", map[string]any{"id": 9, "title": "fresh"})

	status, body := request(t, app, http.MethodGet, "/api/articles/9/events", "")
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "draft", data["state"])
	assert.Equal(t, []any{"submit", "archive"}, data["events"])

	status, body = request(t, app, http.MethodPost, "/api/articles/9/events/submit", "")
	require.Equal(t, fiber.StatusOK, status)
	data = body["data"].(map[string]any)
	assert.Equal(t, "review", data["status"])
	assert.EqualValues(t, 1, data["lock_version"])
}

func TestIntrospectModels(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	db, err := store.New(ctx, cfg.Database, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	for _, ddl := range []string{
		`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT, created_at DATETIME)`,
		`CREATE TABLE flags (id INTEGER PRIMARY KEY, enabled TEXT)`,
	} {
		_, err := db.DB.ExecContext(ctx, ddl)
		require.NoError(t, err)
	}

	reg := metadata.NewRegistry()
	require.NoError(t, reg.Register(&metadata.Model{Name: "note", Table: "notes"}))
	require.NoError(t, reg.Register(&metadata.Model{Name: "flag", Table: "flags", Fields: []metadata.Field{
		{Name: "id", Type: "integer"},
		{Name: "enabled", Type: "boolean"},
	}}))
	require.NoError(t, migrate(ctx, db, reg, cfg.StateMachine))
	require.NoError(t, introspectModels(ctx, db, reg, logger))

	assert.Equal(t, []metadata.Field{
		{Name: "body", Type: "string"},
		{Name: "created_at", Type: "datetime"},
		{Name: "id", Type: "integer"},
	}, reg.GetModel("note").Fields)
	assert.Contains(t, logs.String(), "declared field type differs from column")

	opts := engine.DefaultOptions()
	opts.Logger = logger
	schemas, err := buildSchemas(reg, db.Dialect, opts)
	require.NoError(t, err)
	var note *engine.Schema
	for _, s := range schemas {
		if s.Model().Name == "note" {
			note = s
		}
	}
	require.NotNil(t, note)
	assert.True(t, note.IsValidPredicate("body_cont"))
	assert.True(t, note.IsValidSort("created_at_newest"))

	require.NoError(t, reg.Register(&metadata.Model{Name: "ghost", Table: "ghosts"}))
	err = introspectModels(ctx, db, reg, logger)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdminRoutes(t *testing.T) {
	app, _ := setupServer(t)
	status, body := request(t, app, http.MethodGet, "/api/_admin/models/article/state_machine", "")
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "status", data["field"])
	assert.Equal(t, "draft", data["initial"])
	assert.Equal(t, []any{"submit", "publish", "reject", "revise", "archive"}, data["events"])

	status, body = request(t, app, http.MethodGet, "/api/_admin/models", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["data"], 4)
}

func TestErrorHandler(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))})
	app.Get("/boom", func(c *fiber.Ctx) error { return io.ErrUnexpectedEOF })
	app.Get("/gone", func(c *fiber.Ctx) error { return store.ErrNotFound })

	status, body := request(t, app, http.MethodGet, "/boom", "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL_ERROR", errorCodeOf(body))

	status, body = request(t, app, http.MethodGet, "/gone", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCodeOf(body))

	status, body = request(t, app, http.MethodGet, "/missing", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "HTTP_ERROR", errorCodeOf(body))
}
