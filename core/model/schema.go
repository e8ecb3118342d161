/*Package model provides the storage-side metamodel.

A Schema describes entity types the way they live in the relational store:
a key attribute, scalar attributes and relationships. Freeze() resolves the
inverse of every relationship once, at build time; afterwards the schema is
read-only and safe for unsynchronized concurrent reads.
*/
package model

import (
	"fmt"
)

// Kind is the declared type of a scalar attribute.
type Kind int

// all supported attribute kinds
const (
	String Kind = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
	Decimal
	Time
	UUID
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Bool:
		return "bool"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Decimal:
		return "decimal"
	case Time:
		return "time"
	case UUID:
		return "uuid"
	}
	return "unknown"
}

// SQLType returns the postgres column type for the kind.
func (k Kind) SQLType() string {
	switch k {
	case Bool:
		return "boolean"
	case Int8, Int16:
		return "smallint"
	case Int32:
		return "integer"
	case Int64:
		return "bigint"
	case Float32:
		return "real"
	case Float64:
		return "double precision"
	case Decimal:
		return "numeric"
	case Time:
		return "timestamp"
	case UUID:
		return "uuid"
	}
	return "varchar"
}

// Attribute is a scalar attribute of an entity type. The attribute name is
// also the column name.
type Attribute struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Relationship is an association between two entity types.
//
// An owning to-one relationship carries the foreign key in Column. A
// relationship with MappedBy set is the inverse side; MappedBy names the
// owning relationship on the target type.
type Relationship struct {
	Name     string
	Target   string
	ToMany   bool
	Column   string
	MappedBy string

	owner   *EntityType
	inverse *Relationship
}

// Inverse returns the precomputed inverse relationship, or nil if the
// relationship has none. Only valid after Schema.Freeze().
func (r *Relationship) Inverse() *Relationship {
	return r.inverse
}

// Owner returns the entity type this relationship is declared on.
// Only valid after Schema.Freeze().
func (r *Relationship) Owner() *EntityType {
	return r.owner
}

// EntityType describes one entity type of the storage schema. The type name
// is also the table name.
type EntityType struct {
	Name          string
	Key           Attribute
	Attributes    []Attribute
	Relationships []Relationship

	attrIndex map[string]*Attribute
	relIndex  map[string]*Relationship
	accessors map[string]Accessor
}

// Attribute returns the named scalar attribute. The key attribute is
// found under its own name as well.
func (t *EntityType) Attribute(name string) (*Attribute, bool) {
	a, ok := t.attrIndex[name]
	return a, ok
}

// Relationship returns the named relationship.
func (t *EntityType) Relationship(name string) (*Relationship, bool) {
	r, ok := t.relIndex[name]
	return r, ok
}

// Accessor returns the typed accessor pair for the named attribute.
func (t *EntityType) Accessor(name string) (Accessor, bool) {
	a, ok := t.accessors[name]
	return a, ok
}

// Schema is the storage metamodel, a frozen set of entity types.
type Schema struct {
	types  []*EntityType
	index  map[string]*EntityType
	frozen bool
}

// NewSchema creates a schema from the given entity types. The schema must be
// frozen with Freeze() before use.
func NewSchema(types ...*EntityType) *Schema {
	s := &Schema{index: map[string]*EntityType{}}
	for _, t := range types {
		s.types = append(s.types, t)
		s.index[t.Name] = t
	}
	return s
}

// Type returns the named entity type.
func (s *Schema) Type(name string) (*EntityType, bool) {
	t, ok := s.index[name]
	return t, ok
}

// Types returns all entity types in declaration order.
func (s *Schema) Types() []*EntityType {
	return s.types
}

// Freeze indexes all types, builds the accessor tables and resolves the
// concrete inverse of every relationship. A relationship that references an
// unknown target, or an inverse side whose owning relationship cannot be
// found, is a modeling defect and makes Freeze fail.
func (s *Schema) Freeze() error {
	if s.frozen {
		return nil
	}
	for _, t := range s.types {
		t.attrIndex = map[string]*Attribute{t.Key.Name: &t.Key}
		t.relIndex = map[string]*Relationship{}
		for i := range t.Attributes {
			a := &t.Attributes[i]
			if _, ok := t.attrIndex[a.Name]; ok {
				return fmt.Errorf("entity type %s: duplicate attribute %s", t.Name, a.Name)
			}
			t.attrIndex[a.Name] = a
		}
		for i := range t.Relationships {
			r := &t.Relationships[i]
			r.owner = t
			if _, ok := t.relIndex[r.Name]; ok {
				return fmt.Errorf("entity type %s: duplicate relationship %s", t.Name, r.Name)
			}
			if _, ok := t.attrIndex[r.Name]; ok {
				return fmt.Errorf("entity type %s: relationship %s collides with attribute", t.Name, r.Name)
			}
			t.relIndex[r.Name] = r
		}
		t.accessors = buildAccessors(t)
	}

	// second pass: resolve targets and inverses
	for _, t := range s.types {
		for i := range t.Relationships {
			r := &t.Relationships[i]
			target, ok := s.index[r.Target]
			if !ok {
				return fmt.Errorf("entity type %s: relationship %s references unknown type %s", t.Name, r.Name, r.Target)
			}
			if r.MappedBy != "" {
				owning, ok := target.relIndex[r.MappedBy]
				if !ok || owning.Column == "" || owning.Target != t.Name {
					return fmt.Errorf("entity type %s: relationship %s is mapped by %s.%s which is not an owning relationship back to %s",
						t.Name, r.Name, r.Target, r.MappedBy, t.Name)
				}
				r.inverse = owning
				continue
			}
			if r.Column == "" {
				return fmt.Errorf("entity type %s: relationship %s has neither a column nor a mapped-by side", t.Name, r.Name)
			}
			if r.ToMany {
				return fmt.Errorf("entity type %s: to-many relationship %s must be mapped by its owning side", t.Name, r.Name)
			}
			// owning side: the inverse is the target relationship mapped by us, if any
			for j := range target.Relationships {
				candidate := &target.Relationships[j]
				if candidate.MappedBy == r.Name && candidate.Target == t.Name {
					r.inverse = candidate
					break
				}
			}
		}
	}
	s.frozen = true
	return nil
}
