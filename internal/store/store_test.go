package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alessiobussolari/better-model-sub003/internal/config"
	"github.com/alessiobussolari/better-model-sub003/internal/metadata"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DatabaseConfig{
		Driver: "sqlite",
		Path:   ":memory:",
		Name:   strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()),
	}
	s, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewDialect(t *testing.T) {
	assert.Equal(t, "postgres", NewDialect("postgres").Name())
	assert.Equal(t, "mysql", NewDialect("mysql").Name())
	assert.Equal(t, "sqlite", NewDialect("sqlite").Name())
	assert.Equal(t, "generic", NewDialect("oracle").Name())

	assert.Equal(t, NullsNative, NewDialect("postgres").Nulls())
	assert.Equal(t, NullsNative, NewDialect("sqlite").Nulls())
	assert.Equal(t, NullsSimulated, NewDialect("mysql").Nulls())
	assert.Equal(t, NullsUnsupported, NewDialect("generic").Nulls())

	assert.Equal(t, "NOW()", NewDialect("postgres").NowExpr())
	assert.Equal(t, "CURRENT_TIMESTAMP(6)", NewDialect("mysql").NowExpr())
	assert.Equal(t, "CURRENT_TIMESTAMP", NewDialect("sqlite").NowExpr())
	assert.Equal(t, "CURRENT_TIMESTAMP", NewDialect("generic").NowExpr())
	assert.True(t, NewDialect("sqlite").NeedsBoolFix())
	assert.False(t, NewDialect("sqlite").HasILike())
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"articles"."title"`, NewDialect("postgres").QuoteIdent("articles.title"))
	assert.Equal(t, "`articles`.`title`", NewDialect("mysql").QuoteIdent("articles.title"))
	assert.Equal(t, `"articles".*`, NewDialect("sqlite").QuoteIdent("articles.*"))
	assert.Equal(t, `"we""ird"`, NewDialect("generic").QuoteIdent(`we"ird`))
}

func TestStatementBuilder_Placeholders(t *testing.T) {
	sqlStr, args, err := StatementBuilder(NewDialect("postgres")).
		Select("id").From("articles").Where("title = ?", "Go").ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM articles WHERE title = $1", sqlStr)
	assert.Equal(t, []any{"Go"}, args)

	sqlStr, _, err = StatementBuilder(NewDialect("mysql")).
		Select("id").From("articles").Where("title = ?", "Go").ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM articles WHERE title = ?", sqlStr)
}

func TestMapError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505"}
	assert.ErrorIs(t, NewDialect("postgres").MapError(pgErr), ErrUniqueViolation)
	assert.ErrorIs(t, NewDialect("postgres").MapError(&pgconn.PgError{Code: "40001"}), ErrSerialization)

	myErr := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.ErrorIs(t, NewDialect("mysql").MapError(myErr), ErrUniqueViolation)
	assert.ErrorIs(t, NewDialect("mysql").MapError(&mysql.MySQLError{Number: 1213}), ErrSerialization)

	assert.ErrorIs(t, NewDialect("sqlite").MapError(errors.New("UNIQUE constraint failed: articles.slug")), ErrUniqueViolation)

	plain := errors.New("boom")
	assert.Equal(t, plain, NewDialect("generic").MapError(plain))
	assert.NoError(t, MapError(NewDialect("postgres"), nil))
}

func TestPostgresArrayParam(t *testing.T) {
	d := &PostgresDialect{}
	assert.Equal(t, []string{"go", "sql"}, d.ArrayParam([]any{"go", "sql"}))
	assert.Equal(t, []int64{1, 2}, d.ArrayParam([]any{1, int64(2)}))
	assert.Equal(t, []string{"1", "x"}, d.ArrayParam([]any{1, "x"}))
}

func TestPostgresScanArray(t *testing.T) {
	d := &PostgresDialect{}
	got, err := d.ScanArray([]byte(`{go,"sql"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "sql"}, got)

	got, err = d.ScanArray("{}")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgresTableExists_SQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM information_schema.tables WHERE table_name = \$1`).
		WithArgs("articles").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := NewDialect("postgres").TableExists(context.Background(), db, "articles")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func articleModel() *metadata.Model {
	return &metadata.Model{
		Name:  "article",
		Table: "articles",
		Fields: []metadata.Field{
			{Name: "id", Type: "integer"},
			{Name: "title", Type: "string"},
			{Name: "published", Type: "boolean"},
			{Name: "created_at", Type: "datetime"},
		},
	}
}

func TestMigrator_CreateAndAlter(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	m := NewMigrator(s)

	model := articleModel()
	require.NoError(t, m.Migrate(ctx, model))

	cols, err := s.Introspect(ctx, "articles")
	require.NoError(t, err)
	assert.Len(t, cols, 4)

	model.Fields = append(model.Fields, metadata.Field{Name: "view_count", Type: "integer"})
	require.NoError(t, m.Migrate(ctx, model))

	cols, err = s.Introspect(ctx, "articles")
	require.NoError(t, err)
	assert.Equal(t, "INTEGER", cols["view_count"])

	fields := metadata.FieldsFromColumns(cols)
	types := map[string]string{}
	for _, f := range fields {
		types[f.Name] = f.Type
	}
	assert.Equal(t, "boolean", types["published"])
	assert.Equal(t, "datetime", types["created_at"])
}

func TestMigrator_ColumnDefault(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	m := NewMigrator(s)

	model := articleModel()
	model.Fields = append(model.Fields, metadata.Field{Name: "status", Type: "string", Default: "it's draft"})
	require.NoError(t, m.Migrate(ctx, model))

	model.Fields = append(model.Fields, metadata.Field{Name: "lock_version", Type: "integer", Default: "0"})
	require.NoError(t, m.Migrate(ctx, model))

	_, err := Exec(ctx, s.DB, `INSERT INTO articles (title) VALUES (?)`, "fresh")
	require.NoError(t, err)
	row, err := QueryRow(ctx, s.DB, `SELECT status, lock_version FROM articles WHERE title = ?`, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "it's draft", row["status"])
	assert.EqualValues(t, 0, row["lock_version"])
}

func TestMigrator_JoinTable(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	m := NewMigrator(s)

	article := articleModel()
	tag := &metadata.Model{Name: "tag", Table: "tags", Fields: []metadata.Field{{Name: "id", Type: "integer"}, {Name: "name", Type: "string"}}}
	assoc := &metadata.Association{Name: "tags", Type: metadata.ManyToMany, Target: "tag",
		JoinTable: "article_tags", SourceJoinKey: "article_id", TargetJoinKey: "tag_id"}

	require.NoError(t, m.MigrateJoinTable(ctx, assoc, article, tag))
	require.NoError(t, m.MigrateJoinTable(ctx, assoc, article, tag))

	cols, err := s.Introspect(ctx, "article_tags")
	require.NoError(t, err)
	assert.Contains(t, cols, "article_id")
	assert.Contains(t, cols, "tag_id")
}

func TestIntrospect_MissingTable(t *testing.T) {
	s := newSQLiteStore(t)
	_, err := s.Introspect(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunInTx(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	require.NoError(t, NewMigrator(s).Migrate(ctx, articleModel()))

	err := s.RunInTx(ctx, func(tx *sql.Tx) error {
		_, err := Exec(ctx, tx, `INSERT INTO articles (title, published) VALUES (?, ?)`, "kept", true)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.RunInTx(ctx, func(tx *sql.Tx) error {
		if _, err := Exec(ctx, tx, `INSERT INTO articles (title, published) VALUES (?, ?)`, "dropped", false); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rows, err := QueryRows(ctx, s.DB, `SELECT title, published FROM articles ORDER BY id`)
	require.NoError(t, err)
	NormalizeBooleans(rows, []string{"published"})
	require.Len(t, rows, 1)
	assert.Equal(t, "kept", rows[0]["title"])
	assert.Equal(t, true, rows[0]["published"])

	_, err = QueryRow(ctx, s.DB, `SELECT title FROM articles WHERE title = ?`, "dropped")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := QueryInt(ctx, s.DB, `SELECT COUNT(*) FROM articles`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBootstrapTransitions(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, s.BootstrapTransitions(ctx, ""))
	require.NoError(t, s.BootstrapTransitions(ctx, ""))

	cols, err := s.Introspect(ctx, DefaultTransitionsTable)
	require.NoError(t, err)
	for _, c := range []string{"id", "model", "record_id", "event", "from_state", "to_state", "metadata", "created_at"} {
		assert.Contains(t, cols, c)
	}

	_, err = Exec(ctx, s.DB, `INSERT INTO state_transitions (id, model, record_id, event, from_state, to_state)
		VALUES (?, ?, ?, ?, ?, ?)`, "t1", "order", "1", "send", "draft", "sent")
	require.NoError(t, err)
	row, err := QueryRow(ctx, s.DB, `SELECT created_at FROM state_transitions WHERE id = ?`, "t1")
	require.NoError(t, err)
	assert.IsType(t, time.Time{}, row["created_at"])

	assert.Error(t, s.BootstrapTransitions(ctx, "bad-name"))
}

func TestNormalizeArrays(t *testing.T) {
	rows := []map[string]any{{"tags": "{go,sql}"}, {"tags": nil}}
	require.NoError(t, NormalizeArrays(&PostgresDialect{}, rows, []string{"tags"}))
	assert.Equal(t, []string{"go", "sql"}, rows[0]["tags"])
	assert.Nil(t, rows[1]["tags"])
}
