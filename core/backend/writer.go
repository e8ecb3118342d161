package backend

import (
	"time"

	"github.com/google/uuid"

	"github.com/okapi-tech/okapi/core/model"
)

// formatValue converts an in-memory attribute value to its wire form.
func formatValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case uuid.UUID:
		return t.String()
	}
	return v
}

// serializeEntity turns one entity into a resource object, honoring the
// sparse fieldsets of the query. Attributes appear in sorted order; the
// relationship shape follows the fetched state: unfetched relationships
// carry links only, counted relationships a count, materialized
// relationships linkage data.
func (b *Backend) serializeEntity(q *InternalQuery, e *model.Entity) *resourceObject {
	meta := b.metaByResource[e.Resource]
	id := model.Key(meta.ExposedIDValue(e))
	self := meta.Path() + "/" + id

	obj := &resourceObject{
		Type:  e.Resource,
		ID:    id,
		Links: map[string]string{"self": self},
	}

	for _, name := range meta.Attributes() {
		if q != nil && !q.AllowsField(e.Resource, name) {
			continue
		}
		v, ok := e.Attr(name)
		if !ok {
			continue
		}
		if obj.Attributes == nil {
			obj.Attributes = map[string]interface{}{}
		}
		obj.Attributes[name] = formatValue(v)
	}

	for _, name := range meta.Relationships() {
		if q != nil && !q.AllowsField(e.Resource, name) {
			continue
		}
		rel, _ := meta.Relationship(name)
		if obj.Relationships == nil {
			obj.Relationships = map[string]*relationshipObject{}
		}
		obj.Relationships[name] = b.serializeRelationship(self, name, rel.ToMany, e.Rels[name])
	}

	return obj
}

func (b *Backend) serializeRelationship(self, name string, toMany bool, value model.RelValue) *relationshipObject {
	obj := &relationshipObject{
		Links: map[string]string{
			"self":    self + "/relationships/" + name,
			"related": self + "/" + name,
		},
	}
	switch value.State {
	case model.RelCount:
		obj.Meta = map[string]interface{}{"count": value.Count}
		// a to-one counted down to zero is a known null linkage
		if !toMany && value.Count == 0 {
			var data interface{}
			obj.Data = &data
		}
	case model.RelOne:
		var data interface{}
		if value.One != nil {
			data = b.identifier(value.One)
		}
		obj.Data = &data
	case model.RelMany:
		identifiers := make([]resourceIdentifier, 0, len(value.Many))
		for _, member := range value.Many {
			identifiers = append(identifiers, b.identifier(member))
		}
		var data interface{} = identifiers
		obj.Data = &data
	}
	return obj
}

func (b *Backend) identifier(e *model.Entity) resourceIdentifier {
	meta := b.metaByResource[e.Resource]
	return resourceIdentifier{Type: e.Resource, ID: model.Key(meta.ExposedIDValue(e))}
}

// collectIncluded gathers the materialized relationship members of the
// primary entities into a deduplicated included set, in include-list order.
// An entity that already appears as primary data is never duplicated into
// included.
func (b *Backend) collectIncluded(q *InternalQuery, primary []*model.Entity) []*resourceObject {
	if q == nil || len(q.Include()) == 0 {
		return nil
	}
	seen := map[string]bool{}
	isPrimary := func(e *model.Entity) bool {
		for _, p := range primary {
			if e.Same(p) {
				return true
			}
		}
		return false
	}

	var included []*resourceObject
	add := func(e *model.Entity) {
		if e == nil || isPrimary(e) {
			return
		}
		key := e.Resource + "/" + model.Key(e.ID())
		if seen[key] {
			return
		}
		seen[key] = true
		included = append(included, b.serializeEntity(q, e))
	}

	for _, name := range q.Include() {
		for _, e := range primary {
			value := e.Rels[name]
			switch value.State {
			case model.RelOne:
				add(value.One)
			case model.RelMany:
				for _, member := range value.Many {
					add(member)
				}
			}
		}
	}
	return included
}

// listDocument assembles the response document of a collection fetch.
// total, when non-negative, becomes meta.totalResults.
func (b *Backend) listDocument(q *InternalQuery, entities []*model.Entity, total int) *document {
	data := make([]*resourceObject, 0, len(entities))
	for _, e := range entities {
		data = append(data, b.serializeEntity(q, e))
	}
	doc := newDocument(data)
	doc.Included = b.collectIncluded(q, entities)
	if total >= 0 {
		doc.Meta = map[string]interface{}{"totalResults": total}
	}
	return doc
}

// singleDocument assembles the response document of a single-resource fetch.
func (b *Backend) singleDocument(q *InternalQuery, e *model.Entity) *document {
	doc := newDocument(b.serializeEntity(q, e))
	doc.Included = b.collectIncluded(q, []*model.Entity{e})
	return doc
}

// linkageDocument assembles the response document of a relationship-linkage
// fetch: resource identifiers only.
func (b *Backend) linkageDocument(owner *model.Entity, name string, toMany bool, members []*model.Entity) *document {
	meta := b.metaByResource[owner.Resource]
	self := meta.Path() + "/" + model.Key(meta.ExposedIDValue(owner))

	var data interface{}
	if toMany {
		identifiers := make([]resourceIdentifier, 0, len(members))
		for _, member := range members {
			identifiers = append(identifiers, b.identifier(member))
		}
		data = identifiers
	} else if len(members) > 0 {
		data = b.identifier(members[0])
	}

	doc := newDocument(data)
	doc.Links = map[string]string{
		"self":    self + "/relationships/" + name,
		"related": self + "/" + name,
	}
	return doc
}
