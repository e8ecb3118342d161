package backend

import (
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okapi-tech/okapi/core/model"
)

func newPostEntity(t *testing.T, b *Backend, id uuid.UUID, title string) *model.Entity {
	t.Helper()
	post, ok := b.schema.Type("post")
	require.True(t, ok)
	rec := model.NewRecord(post)
	rec.SetScanned("post_id", id)
	rec.SetScanned("title", title)
	e := model.NewInstance("posts", rec)
	for _, name := range b.metaByResource["posts"].Relationships() {
		e.Rels[name] = model.RelValue{State: model.RelUnfetched}
	}
	return e
}

func newCommentEntity(t *testing.T, b *Backend, id uuid.UUID, message string) *model.Entity {
	t.Helper()
	comment, ok := b.schema.Type("comment")
	require.True(t, ok)
	rec := model.NewRecord(comment)
	rec.SetScanned("comment_id", id)
	rec.SetScanned("message", message)
	return model.NewInstance("comments", rec)
}

func TestSerializeRelationshipShapes(t *testing.T) {
	b, _, _ := newTestBackend(t)
	postID := uuid.New()
	self := "/posts/" + postID.String()

	// unfetched: links only
	obj := b.serializeRelationship(self, "comments", true, model.RelValue{State: model.RelUnfetched})
	assert.Nil(t, obj.Data)
	assert.Nil(t, obj.Meta)
	assert.Equal(t, self+"/relationships/comments", obj.Links["self"])
	assert.Equal(t, self+"/comments", obj.Links["related"])

	// counted to-many: a count, no linkage, even when empty
	obj = b.serializeRelationship(self, "comments", true, model.RelValue{State: model.RelCount, Count: 3})
	assert.Nil(t, obj.Data)
	assert.Equal(t, 3, obj.Meta["count"])
	obj = b.serializeRelationship(self, "comments", true, model.RelValue{State: model.RelCount, Count: 0})
	assert.Nil(t, obj.Data)

	// counted to-one: count zero means the linkage is known to be null
	obj = b.serializeRelationship(self, "author", false, model.RelValue{State: model.RelCount, Count: 0})
	assert.Equal(t, 0, obj.Meta["count"])
	require.NotNil(t, obj.Data)
	assert.Nil(t, *obj.Data)
	obj = b.serializeRelationship(self, "author", false, model.RelValue{State: model.RelCount, Count: 1})
	assert.Nil(t, obj.Data)

	// materialized to-one: explicit linkage, null when absent
	obj = b.serializeRelationship(self, "author", false, model.RelValue{State: model.RelOne})
	require.NotNil(t, obj.Data)
	assert.Nil(t, *obj.Data)

	// materialized to-many: identifier array
	commentID := uuid.New()
	member := newCommentEntity(t, b, commentID, "hi")
	obj = b.serializeRelationship(self, "comments", true, model.RelValue{State: model.RelMany, Many: []*model.Entity{member}})
	require.NotNil(t, obj.Data)
	identifiers := (*obj.Data).([]resourceIdentifier)
	require.Len(t, identifiers, 1)
	assert.Equal(t, resourceIdentifier{Type: "comments", ID: commentID.String()}, identifiers[0])
}

func TestSerializeEntityHonorsSparseFieldsets(t *testing.T) {
	b, _, _ := newTestBackend(t)
	meta := b.metaByResource["posts"]
	e := newPostEntity(t, b, uuid.New(), "Sparse")
	e.Record().SetScanned("views", int64(9))

	q := b.newInternalQuery(meta, url.Values{"fields[posts]": {"title"}})
	obj := b.serializeEntity(q, e)

	assert.Equal(t, "Sparse", obj.Attributes["title"])
	_, hasViews := obj.Attributes["views"]
	assert.False(t, hasViews)
	assert.Nil(t, obj.Relationships)
}

func TestSerializeEntityFormatsValues(t *testing.T) {
	b, _, _ := newTestBackend(t)
	e := newPostEntity(t, b, uuid.New(), "Formats")
	published := time.Date(2026, 5, 1, 8, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	e.Record().SetScanned("published_at", published)

	obj := b.serializeEntity(nil, e)
	assert.Equal(t, "2026-05-01T06:30:00Z", obj.Attributes["published_at"])
}

func TestCollectIncludedDeduplicates(t *testing.T) {
	b, _, _ := newTestBackend(t)
	meta := b.metaByResource["posts"]

	commentID := uuid.New()
	shared := newCommentEntity(t, b, commentID, "shared")

	first := newPostEntity(t, b, uuid.New(), "one")
	second := newPostEntity(t, b, uuid.New(), "two")
	first.Rels["comments"] = model.RelValue{State: model.RelMany, Many: []*model.Entity{shared}}
	second.Rels["comments"] = model.RelValue{State: model.RelMany, Many: []*model.Entity{shared}}

	q := b.newInternalQuery(meta, url.Values{"include": {"comments"}})
	included := b.collectIncluded(q, []*model.Entity{first, second})

	// the same resource reached from two parents appears exactly once
	require.Len(t, included, 1)
	assert.Equal(t, "comments", included[0].Type)
	assert.Equal(t, commentID.String(), included[0].ID)
}

func TestCollectIncludedSkipsPrimaryData(t *testing.T) {
	b, _, _ := newTestBackend(t)
	meta := b.metaByResource["comments"]

	// a comment listing that includes its post; one included post is also
	// primary data and must not be duplicated
	primary := newPostEntity(t, b, uuid.New(), "self-referenced")
	comment := newCommentEntity(t, b, uuid.New(), "on it")
	comment.Rels["post"] = model.RelValue{State: model.RelOne, One: primary}

	q := b.newInternalQuery(meta, url.Values{"include": {"post"}})
	included := b.collectIncluded(q, []*model.Entity{comment})
	require.Len(t, included, 1)

	// now the post itself is part of the primary data
	included = b.collectIncluded(q, []*model.Entity{comment, primary})
	assert.Empty(t, included)
}

func TestListDocumentShape(t *testing.T) {
	b, _, _ := newTestBackend(t)
	e := newPostEntity(t, b, uuid.New(), "Doc")

	doc := b.listDocument(nil, []*model.Entity{e}, 42)
	assert.Equal(t, map[string]string{"version": "1.0"}, doc.JSONAPI)
	assert.Equal(t, 42, doc.Meta["totalResults"])

	doc = b.listDocument(nil, nil, -1)
	assert.Nil(t, doc.Meta)
	data, ok := doc.Data.([]*resourceObject)
	require.True(t, ok)
	assert.Empty(t, data)
}
