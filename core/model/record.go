package model

import (
	"fmt"
)

// Record is a live instance of an entity type: a typed value map plus
// relationship state. Relationship mutations are tracked as diffs so the
// persistence engine can flush them.
type Record struct {
	entityType *EntityType
	values     map[string]interface{}
	toOne      map[string]*Record
	toOneSet   map[string]bool
	added      map[string][]*Record
	removed    map[string][]*Record
	discarded  bool
}

// NewRecord creates an empty record for the given entity type.
func NewRecord(t *EntityType) *Record {
	return &Record{
		entityType: t,
		values:     map[string]interface{}{},
		toOne:      map[string]*Record{},
		toOneSet:   map[string]bool{},
		added:      map[string][]*Record{},
		removed:    map[string][]*Record{},
	}
}

// EntityType returns the record's entity type.
func (r *Record) EntityType() *EntityType {
	return r.entityType
}

// ID returns the primary key value, or nil if not set yet.
func (r *Record) ID() interface{} {
	return r.values[r.entityType.Key.Name]
}

// Get returns the value of the named scalar attribute.
func (r *Record) Get(name string) (interface{}, bool) {
	acc, ok := r.entityType.Accessor(name)
	if !ok {
		return nil, false
	}
	return acc.Get(r)
}

// Set coerces and stores the value of the named scalar attribute.
func (r *Record) Set(name string, v interface{}) error {
	acc, ok := r.entityType.Accessor(name)
	if !ok {
		return fmt.Errorf("entity type %s has no attribute %s", r.entityType.Name, name)
	}
	return acc.Set(r, v)
}

// SetScanned stores an already typed value without coercion. Used when
// scanning rows from the store.
func (r *Record) SetScanned(name string, v interface{}) {
	r.values[name] = v
}

// Scanned returns a raw scanned column value, bypassing the accessor table.
// This is how the persistence engine reads foreign key columns, which are
// not exposed as attributes.
func (r *Record) Scanned(name string) interface{} {
	return r.values[name]
}

// SetToOne replaces the target of an owning to-one relationship. A nil
// target clears the relationship.
func (r *Record) SetToOne(name string, target *Record) {
	r.toOne[name] = target
	r.toOneSet[name] = true
}

// ToOne returns the assigned target of a to-one relationship and whether
// the relationship was assigned at all.
func (r *Record) ToOne(name string) (*Record, bool) {
	return r.toOne[name], r.toOneSet[name]
}

// AddToMany records the addition of a member to a to-many relationship.
func (r *Record) AddToMany(name string, member *Record) {
	r.added[name] = append(r.added[name], member)
}

// RemoveFromToMany records the removal of a member from a to-many relationship.
func (r *Record) RemoveFromToMany(name string, member *Record) {
	r.removed[name] = append(r.removed[name], member)
}

// ToManyDiff returns the members added to and removed from a to-many
// relationship since the record was loaded.
func (r *Record) ToManyDiff(name string) (added, removed []*Record) {
	return r.added[name], r.removed[name]
}

// DirtyToMany returns the names of to-many relationships with pending diffs.
func (r *Record) DirtyToMany() []string {
	names := map[string]bool{}
	for name := range r.added {
		names[name] = true
	}
	for name := range r.removed {
		names[name] = true
	}
	var result []string
	for _, rel := range r.entityType.Relationships {
		if names[rel.Name] {
			result = append(result, rel.Name)
		}
	}
	return result
}

// Discard marks the record as discarded. A discarded record must never be
// flushed; this is how a rejected update is detached so a later flush cannot
// accidentally persist it.
func (r *Record) Discard() {
	r.discarded = true
}

// Discarded reports whether the record has been discarded.
func (r *Record) Discarded() bool {
	return r.discarded
}
