package model

import (
	"fmt"
)

// RelState tells how much of a relationship has been fetched for an entity.
type RelState int

const (
	// RelUnfetched marks a relationship the caller did not ask for.
	RelUnfetched RelState = iota
	// RelCount marks a relationship for which only the member count was fetched.
	RelCount
	// RelOne marks a materialized to-one relationship.
	RelOne
	// RelMany marks a materialized to-many relationship.
	RelMany
)

// RelValue is the fetched state of one relationship of one entity.
type RelValue struct {
	State RelState
	Count int
	One   *Entity
	Many  []*Entity
}

// Entity is the unit of serialization: a resource type name plus either a
// live record or a projection of already fetched values. Identity is
// (resource type, id) regardless of which representation backs it.
type Entity struct {
	// Resource is the externally exposed resource type name.
	Resource string
	// Rels holds the fetched relationship state, keyed by relationship name.
	Rels map[string]RelValue

	rec        *Record
	projID     interface{}
	projValues map[string]interface{}
}

// NewInstance creates an entity backed by a live record.
func NewInstance(resource string, rec *Record) *Entity {
	return &Entity{Resource: resource, Rels: map[string]RelValue{}, rec: rec}
}

// NewProjection creates an entity backed by an identifier and a flat map of
// already fetched values.
func NewProjection(resource string, id interface{}, values map[string]interface{}) *Entity {
	if values == nil {
		values = map[string]interface{}{}
	}
	return &Entity{Resource: resource, Rels: map[string]RelValue{}, projID: id, projValues: values}
}

// IsLive reports whether the entity is backed by a live record.
func (e *Entity) IsLive() bool {
	return e.rec != nil
}

// Record returns the backing record, or nil for projections.
func (e *Entity) Record() *Record {
	return e.rec
}

// ID returns the storage primary key value.
func (e *Entity) ID() interface{} {
	if e.rec != nil {
		return e.rec.ID()
	}
	return e.projID
}

// Attr returns the value of the named attribute.
func (e *Entity) Attr(name string) (interface{}, bool) {
	if e.rec != nil {
		return e.rec.Get(name)
	}
	v, ok := e.projValues[name]
	return v, ok
}

// Same reports whether two entities denote the same resource, i.e. have the
// same resource type and the same id.
func (e *Entity) Same(other *Entity) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Resource == other.Resource && Key(e.ID()) == Key(other.ID())
}

// Key returns the canonical string form of an id value, used for identity
// comparison and set deduplication.
func Key(id interface{}) string {
	return fmt.Sprintf("%v", id)
}
