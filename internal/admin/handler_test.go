package admin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessiobussolari/better-model-sub003/internal/engine"
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
	"github.com/alessiobussolari/better-model-sub003/internal/query"
	"github.com/alessiobussolari/better-model-sub003/internal/statemachine"
	"github.com/alessiobussolari/better-model-sub003/internal/store"
)

func newApp(t *testing.T) *fiber.App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := store.NewDialect("sqlite")

	reg := metadata.NewRegistry()
	article := &metadata.Model{
		Name:  "article",
		Table: "articles",
		Fields: []metadata.Field{
			{Name: "id", Type: "integer"},
			{Name: "title", Type: "string"},
			{Name: "status", Type: "string"},
			{Name: "tenant_id", Type: "integer"},
		},
	}
	require.NoError(t, reg.Register(article))
	require.NoError(t, reg.Register(&metadata.Model{Name: "tag", Table: "tags", Fields: []metadata.Field{{Name: "name", Type: "string"}}}))

	opts := engine.DefaultOptions()
	opts.Logger = logger
	schema, err := engine.NewBuilder(article, d, opts).
		Predicates("title", "tenant_id").
		Sorts("title").
		RegisterComplexPredicate("recent", func(any) (query.Condition, error) { return nil, nil }).
		RequirePredicatesForScope("tenant", "tenant_id_eq").
		Build()
	require.NoError(t, err)

	machine, err := statemachine.NewBuilder(article, d, statemachine.Options{Logger: logger}).
		Field("status").
		InitialState("draft").
		State("published").
		Transition(statemachine.Transition{Event: "publish", From: []string{"draft"}, To: "published"}).
		Build()
	require.NoError(t, err)

	app := fiber.New()
	RegisterAdminRoutes(app.Group("/api"), NewHandler(reg, []*engine.Schema{schema}, []*statemachine.Machine{machine}))
	return app
}

func getJSON(t *testing.T, app *fiber.App, target string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestListModels(t *testing.T) {
	status, body := getJSON(t, newApp(t), "/api/_admin/models")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []any{
		map[string]any{"name": "article", "table": "articles", "searchable": true, "state_machine": true},
		map[string]any{"name": "tag", "table": "tags", "searchable": false, "state_machine": false},
	}, body["data"])
}

func TestGetModel(t *testing.T) {
	app := newApp(t)
	status, body := getJSON(t, app, "/api/_admin/models/article")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "articles", body["data"].(map[string]any)["table"])

	status, _ = getJSON(t, app, "/api/_admin/models/nope")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestGetSearch(t *testing.T) {
	app := newApp(t)
	status, body := getJSON(t, app, "/api/_admin/models/article/search")
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]any)

	preds := map[string]map[string]any{}
	for _, p := range data["predicates"].([]any) {
		p := p.(map[string]any)
		preds[p["name"].(string)] = p
	}
	assert.Equal(t, "cont", preds["title_cont"]["op"])
	assert.Equal(t, "string", preds["title_cont"]["category"])
	assert.EqualValues(t, 2, preds["tenant_id_between"]["arity"])
	assert.Equal(t, "complex", preds["recent"]["op"])
	assert.NotContains(t, preds, "status_eq")

	var sorts []string
	for _, s := range data["sorts"].([]any) {
		sorts = append(sorts, s.(map[string]any)["name"].(string))
	}
	assert.Contains(t, sorts, "title_asc")
	assert.Contains(t, sorts, "title_desc_i")

	assert.Equal(t, map[string]any{"tenant": []any{"tenant_id_eq"}}, data["scopes"])

	status, _ = getJSON(t, app, "/api/_admin/models/tag/search")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestGetStateMachine(t *testing.T) {
	status, body := getJSON(t, newApp(t), "/api/_admin/models/article/state_machine")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, map[string]any{
		"field":   "status",
		"initial": "draft",
		"states":  []any{"draft", "published"},
		"events":  []any{"publish"},
	}, body["data"])
}
