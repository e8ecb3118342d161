package backend

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuery(t *testing.T, resource string, raw url.Values) *InternalQuery {
	t.Helper()
	b, _, _ := newTestBackend(t)
	meta, ok := b.Meta(resource)
	require.True(t, ok)
	return b.newInternalQuery(meta, raw)
}

func TestWindowDefaults(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{})
	first, max := q.Window()
	assert.Equal(t, 0, first)
	assert.Equal(t, -1, max)
}

func TestWindowOffsetLimit(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"page[offset]": {"20"}, "page[limit]": {"5"}})
	first, max := q.Window()
	assert.Equal(t, 20, first)
	assert.Equal(t, 5, max)

	// a missing half of the pair falls back to the default window
	q = newTestQuery(t, "posts", url.Values{"page[offset]": {"20"}})
	first, max = q.Window()
	assert.Equal(t, 20, first)
	assert.Equal(t, defaultWindowSize, max)

	q = newTestQuery(t, "posts", url.Values{"page[limit]": {"3"}})
	first, max = q.Window()
	assert.Equal(t, 0, first)
	assert.Equal(t, 3, max)
}

func TestWindowNumberSize(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"page[number]": {"3"}, "page[size]": {"5"}})
	first, max := q.Window()
	assert.Equal(t, 10, first)
	assert.Equal(t, 5, max)

	q = newTestQuery(t, "posts", url.Values{"page[number]": {"2"}})
	first, max = q.Window()
	assert.Equal(t, defaultWindowSize, first)
	assert.Equal(t, defaultWindowSize, max)
}

func TestWindowOffsetLimitWinsOverNumberSize(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{
		"page[offset]": {"4"}, "page[limit]": {"2"},
		"page[number]": {"9"}, "page[size]": {"9"},
	})
	first, max := q.Window()
	assert.Equal(t, 4, first)
	assert.Equal(t, 2, max)
}

func TestWindowRejectsGarbage(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"page[limit]": {"lots"}})
	violations := q.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, "page[limit]", violations[0].Source.Parameter)
}

func TestFieldsAllowList(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"fields[posts]": {"title,author"}})
	assert.True(t, q.AllowsField("posts", "title"))
	assert.True(t, q.AllowsField("posts", "author"))
	assert.False(t, q.AllowsField("posts", "body"))
	// types without a fieldset allow everything
	assert.True(t, q.AllowsField("comments", "message"))
}

func TestFieldsEmptyValueAllowsNone(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"fields[posts]": {""}})
	assert.False(t, q.AllowsField("posts", "title"))
	assert.False(t, q.AllowsField("posts", "author"))
}

func TestFieldsRejectsUnknownTypeAndField(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{
		"fields[widgets]": {"x"},
		"fields[posts]":   {"title,bogus"},
	})
	violations := q.Violations()
	assert.Len(t, violations, 2)
}

func TestFilterCoercesValues(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"filter[views]": {"10"}})
	require.Empty(t, q.Violations())
	filters := q.Filters()
	require.Len(t, filters, 1)
	assert.Equal(t, int64(10), filters[0].Arg)

	q = newTestQuery(t, "posts", url.Values{"filter[views]": {"many"}})
	violations := q.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, "filter[views]", violations[0].Source.Parameter)
}

func TestFilterNullSentinels(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"filter[body]": {"null"}})
	filters := q.Filters()
	require.Len(t, filters, 1)
	assert.True(t, filters[0].IsNull())
	assert.False(t, filters[0].IsNotNull())

	q = newTestQuery(t, "posts", url.Values{"filter[body]": {"!null"}})
	filters = q.Filters()
	require.Len(t, filters, 1)
	assert.True(t, filters[0].IsNotNull())
}

func TestFilterDottedPathWithOuterJoin(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"filter[+author.name]": {"Jo"}})
	require.Empty(t, q.Violations())
	filters := q.Filters()
	require.Len(t, filters, 1)
	require.Len(t, filters[0].Steps, 1)
	assert.Equal(t, "author", filters[0].Steps[0].Rel.Name)
	assert.True(t, filters[0].Steps[0].Outer)
	assert.Equal(t, "name", filters[0].Attribute.Name)
}

func TestFilterIDRewrite(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"filter[author.id]": {"not-a-uuid"}})
	// the final segment "id" resolves to the exposed id, so the value must
	// parse as one
	violations := q.Violations()
	require.Len(t, violations, 1)
}

func TestIncludeValidation(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"include": {"comments,comments,author"}})
	require.Empty(t, q.Violations())
	assert.Equal(t, []string{"comments", "author"}, q.Include())
	assert.True(t, q.Includes("comments"))
	assert.False(t, q.Includes("posts"))

	q = newTestQuery(t, "posts", url.Values{"include": {"comments.author"}})
	violations := q.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, "include", violations[0].Source.Parameter)
}

func TestSortValidation(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"sort": {"-views,title"}})
	require.Empty(t, q.Violations())
	sort := q.Sort()
	require.Len(t, sort, 2)
	assert.Equal(t, "views", sort[0].Attribute.Name)
	assert.True(t, sort[0].Desc)
	assert.Equal(t, "title", sort[1].Attribute.Name)
	assert.False(t, sort[1].Desc)

	// sorting by a relationship is rejected
	q = newTestQuery(t, "posts", url.Values{"sort": {"author"}})
	assert.Len(t, q.Violations(), 1)

	// "id" is rewritten to the exposed id
	q = newTestQuery(t, "posts", url.Values{"sort": {"id"}})
	require.Empty(t, q.Violations())
	require.Len(t, q.Sort(), 1)
	assert.Equal(t, "post_id", q.Sort()[0].Attribute.Name)
}

func TestUnrecognizedParameter(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"fancy": {"1"}})
	violations := q.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, "fancy", violations[0].Source.Parameter)
}

func TestParseIsMemoized(t *testing.T) {
	q := newTestQuery(t, "posts", url.Values{"sort": {"bogus"}})
	first := q.Violations()
	second := q.Violations()
	require.Len(t, first, 1)
	assert.Len(t, second, 1)
	// accessors never re-parse and never duplicate violations
	q.Filters()
	q.Include()
	assert.Len(t, q.Violations(), 1)
}
