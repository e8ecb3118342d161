package backend

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okapi-tech/okapi/core/model"
)

func TestParseDocumentShape(t *testing.T) {
	doc, violations := parseDocument([]byte(`{"data":{"type":"posts"}}`))
	require.Empty(t, violations)
	assert.Contains(t, doc, "data")

	_, violations = parseDocument([]byte(`not json`))
	require.Len(t, violations, 1)

	_, violations = parseDocument([]byte(`{"meta":{}}`))
	require.Len(t, violations, 1)
	assert.Equal(t, "/data", violations[0].Source.Pointer)

	_, violations = parseDocument([]byte(`{"data":{"type":"posts"},"surprise":true}`))
	require.Len(t, violations, 1)
	assert.Equal(t, "/surprise", violations[0].Source.Pointer)
}

func TestResourceDataChecks(t *testing.T) {
	doc := map[string]interface{}{
		"data": map[string]interface{}{"type": "posts", "id": "abc"},
	}
	data, violations := resourceData(doc, "posts", "abc")
	require.Empty(t, violations)
	assert.Equal(t, "posts", data["type"])

	// type mismatch
	_, violations = resourceData(doc, "comments", "abc")
	require.Len(t, violations, 1)
	assert.Equal(t, "/data/type", violations[0].Source.Pointer)

	// id mismatch against the path
	_, violations = resourceData(doc, "posts", "other")
	require.Len(t, violations, 1)
	assert.Equal(t, "/data/id", violations[0].Source.Pointer)

	// primary data must be an object
	_, violations = resourceData(map[string]interface{}{"data": []interface{}{}}, "posts", "")
	require.Len(t, violations, 1)
	assert.Equal(t, "/data", violations[0].Source.Pointer)
}

func TestApplyAttributes(t *testing.T) {
	b, _, _ := newTestBackend(t)
	meta := b.metaByResource["posts"]
	rec := model.NewRecord(meta.EntityType())

	violations := applyAttributes(meta, rec, map[string]interface{}{
		"attributes": map[string]interface{}{
			"title": "ok",
			"views": 12.0,
		},
	})
	require.Empty(t, violations)
	title, _ := rec.Get("title")
	assert.Equal(t, "ok", title)
	views, _ := rec.Get("views")
	assert.Equal(t, int64(12), views)

	violations = applyAttributes(meta, rec, map[string]interface{}{
		"attributes": map[string]interface{}{
			"bogus": 1,
			"title": 17.0,
		},
	})
	require.Len(t, violations, 2)
	pointers := map[string]bool{}
	for _, v := range violations {
		pointers[v.Source.Pointer] = true
	}
	assert.True(t, pointers["/data/attributes/bogus"])
	assert.True(t, pointers["/data/attributes/title"])
}

func TestApplyToManyReplacementDiff(t *testing.T) {
	b, mock, _ := newTestBackend(t)
	meta := b.metaByResource["authors"]
	authorID := uuid.New()
	newPostID := uuid.New()
	oldPostID := uuid.New()

	rec := model.NewRecord(meta.EntityType())
	rec.SetScanned("author_id", authorID)

	mock.ExpectQuery(`SELECT .+ FROM backend_unit\."post" t0 WHERE t0\."post_id" = \$1`).
		WillReturnRows(sqlmock.NewRows(postColumns).
			AddRow(newPostID.String(), nil, nil, "new", nil, nil))
	mock.ExpectQuery(`SELECT .+ FROM backend_unit\."post" t0 WHERE t0\."author_id" = \$1`).
		WillReturnRows(sqlmock.NewRows(postColumns).
			AddRow(oldPostID.String(), nil, nil, "old", nil, authorID.String()))

	ctx := &Context{Meta: meta}
	rel, ok := meta.Relationship("posts")
	require.True(t, ok)
	targetMeta := b.metaByEntity["post"]

	linkage := []interface{}{map[string]interface{}{"type": "posts", "id": newPostID.String()}}
	violations, err := b.applyToMany(ctx, rec, rel, targetMeta, "/data/relationships/posts", linkage, false)
	require.NoError(t, err)
	require.Empty(t, violations)

	added, removed := rec.ToManyDiff("posts")
	require.Len(t, added, 1)
	require.Len(t, removed, 1)
	assert.Equal(t, newPostID, added[0].ID())
	assert.Equal(t, oldPostID, removed[0].ID())

	// the inverse to-one follows the membership change on both sides
	target, set := added[0].ToOne("author")
	require.True(t, set)
	assert.Equal(t, rec, target)
	target, set = removed[0].ToOne("author")
	require.True(t, set)
	assert.Nil(t, target)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyToOneReassignsOwner(t *testing.T) {
	b, mock, _ := newTestBackend(t)
	meta := b.metaByResource["posts"]
	prevAuthorID := uuid.New()
	newAuthorID := uuid.New()

	rec := model.NewRecord(meta.EntityType())
	rec.SetScanned("post_id", uuid.New())
	rec.SetScanned("author_id", prevAuthorID)

	// the new target is resolved first, then the previous owner is loaded so
	// its collection can be adjusted
	mock.ExpectQuery(`SELECT .+ FROM backend_unit\."author" t0 WHERE t0\."author_id" = \$1`).
		WithArgs(newAuthorID).
		WillReturnRows(sqlmock.NewRows(authorColumns).
			AddRow(newAuthorID.String(), "new@example.com", "New"))
	mock.ExpectQuery(`SELECT .+ FROM backend_unit\."author" t0 WHERE t0\."author_id" = \$1`).
		WithArgs(prevAuthorID).
		WillReturnRows(sqlmock.NewRows(authorColumns).
			AddRow(prevAuthorID.String(), "prev@example.com", "Prev"))

	ctx := &Context{Meta: meta}
	rel, ok := meta.Relationship("author")
	require.True(t, ok)
	targetMeta := b.metaByEntity["author"]

	relData := map[string]interface{}{"type": "authors", "id": newAuthorID.String()}
	violations, err := b.applyToOne(ctx, rec, rel, targetMeta, "/data/relationships/author", relData)
	require.NoError(t, err)
	require.Empty(t, violations)

	target, set := rec.ToOne("author")
	require.True(t, set)
	assert.Equal(t, newAuthorID, target.ID())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyAttributesCustomReader(t *testing.T) {
	b := newTestBackendWithReaders(t)
	meta := b.metaByResource["posts"]
	rec := model.NewRecord(meta.EntityType())

	violations := applyAttributes(meta, rec, map[string]interface{}{
		"attributes": map[string]interface{}{"views": "21"},
	})
	require.Empty(t, violations)
	views, _ := rec.Get("views")
	assert.Equal(t, int64(21), views)

	// a reader only accepts strings, and must produce a value
	violations = applyAttributes(meta, rec, map[string]interface{}{
		"attributes": map[string]interface{}{"views": 21.0},
	})
	require.Len(t, violations, 1)
	assert.Equal(t, "/data/attributes/views", violations[0].Source.Pointer)

	violations = applyAttributes(meta, rec, map[string]interface{}{
		"attributes": map[string]interface{}{"views": "many"},
	})
	require.Len(t, violations, 1)
}
