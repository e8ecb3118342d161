package backend

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/okapi-tech/okapi/core/csql"
	"github.com/okapi-tech/okapi/core/model"
)

func testSchema() *model.Schema {
	return model.NewSchema(
		&model.EntityType{
			Name: "author",
			Key:  model.Attribute{Name: "author_id", Kind: model.UUID},
			Attributes: []model.Attribute{
				{Name: "name", Kind: model.String},
				{Name: "email", Kind: model.String},
			},
			Relationships: []model.Relationship{
				{Name: "posts", Target: "post", ToMany: true, MappedBy: "author"},
			},
		},
		&model.EntityType{
			Name: "post",
			Key:  model.Attribute{Name: "post_id", Kind: model.UUID},
			Attributes: []model.Attribute{
				{Name: "title", Kind: model.String},
				{Name: "body", Kind: model.String, Nullable: true},
				{Name: "published_at", Kind: model.Time, Nullable: true},
				{Name: "views", Kind: model.Int64, Nullable: true},
			},
			Relationships: []model.Relationship{
				{Name: "author", Target: "author", Column: "author_id"},
				{Name: "comments", Target: "comment", ToMany: true, MappedBy: "post"},
			},
		},
		&model.EntityType{
			Name: "comment",
			Key:  model.Attribute{Name: "comment_id", Kind: model.UUID},
			Attributes: []model.Attribute{
				{Name: "message", Kind: model.String},
				{Name: "created_at", Kind: model.Time, Nullable: true},
			},
			Relationships: []model.Relationship{
				{Name: "post", Target: "post", Column: "post_id"},
				{Name: "author", Target: "author", Column: "author_id"},
			},
		},
	)
}

func newTestBackend(t *testing.T) (*Backend, sqlmock.Sqlmock, *mux.Router) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	router := mux.NewRouter()
	b := New(&Builder{
		Registry: NewRegistry(
			ResourceType{
				Name:   "authors",
				Entity: "author",
				UniqueTuples: map[string][]string{
					"email": {"email"},
				},
			},
			ResourceType{
				Name:   "posts",
				Entity: "post",
			},
			ResourceType{
				Name:    "comments",
				Entity:  "comment",
				Methods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			},
		),
		Schema: testSchema(),
		DB:     csql.WrapDB(db, "backend_unit"),
		Router: router,
	})
	return b, mock, router
}

// newTestBackendWithReaders is newTestBackend with a custom string reader
// for the views attribute of posts.
func newTestBackendWithReaders(t *testing.T) *Backend {
	t.Helper()
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(&Builder{
		Registry: NewRegistry(
			ResourceType{Name: "authors", Entity: "author"},
			ResourceType{
				Name:   "posts",
				Entity: "post",
				Readers: map[string]IDReader{
					"views": func(s string) (interface{}, error) {
						n, err := strconv.ParseInt(s, 10, 64)
						if err != nil {
							return nil, err
						}
						return n, nil
					},
				},
			},
			ResourceType{Name: "comments", Entity: "comment"},
		),
		Schema: testSchema(),
		DB:     csql.WrapDB(db, "backend_unit"),
		Router: mux.NewRouter(),
	})
}

func doRequest(router *mux.Router, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	for key, value := range header {
		r.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

// scan columns of the posts resource, in selection order
var postColumns = []string{"post_id", "body", "published_at", "title", "views", "author_id"}

// same plus the count aggregates of a plain list fetch
var postColumnsCounted = append(append([]string{}, postColumns...), "ct_author", "ct_comments")

var commentColumns = []string{"comment_id", "created_at", "message", "post_id", "author_id"}

var authorColumns = []string{"author_id", "email", "name"}

var authorColumnsCounted = append(append([]string{}, authorColumns...), "ct_posts")

func TestNewPanicsOnDefectiveConfiguration(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.Panics(t, func() {
		New(&Builder{
			Registry: NewRegistry(ResourceType{Name: "things", Entity: "no_such_entity"}),
			Schema:   testSchema(),
			DB:       csql.WrapDB(db, "backend_unit"),
			Router:   mux.NewRouter(),
		})
	})

	require.Panics(t, func() {
		New(&Builder{
			Registry: NewRegistry(
				ResourceType{Name: "posts", Entity: "post"},
				ResourceType{Name: "posts", Entity: "comment"},
			),
			Schema: testSchema(),
			DB:     csql.WrapDB(db, "backend_unit"),
			Router: mux.NewRouter(),
		})
	})

	require.Panics(t, func() {
		New(&Builder{Schema: testSchema()})
	})
}
