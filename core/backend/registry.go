package backend

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/okapi-tech/okapi/core/model"
)

// IDReader converts the external string form of an identifier or attribute
// value to its typed value.
type IDReader func(s string) (interface{}, error)

// ResourceType is one registry entry: the static configuration of an
// exposed resource type. Immutable once the backend is built.
type ResourceType struct {
	// Name is the externally exposed resource type name. Mandatory, unique.
	Name string
	// Entity is the name of the backing entity type in the storage schema.
	// Mandatory.
	Entity string
	// Methods is the set of allowed HTTP methods. Empty means all.
	Methods []string
	// ExposedID is the attribute used as external identifier. Empty means
	// the storage primary key.
	ExposedID string
	// IDReader is a custom string reader for the exposed identifier.
	// Optional; by default the value is parsed according to the attribute's
	// declared kind.
	IDReader IDReader
	// Relationships is the whitelist of exposed relationship names. Empty
	// means every relationship of the backing entity type is exposed.
	Relationships []string
	// Readers are custom string decoders for individual attributes, keyed
	// by attribute name.
	Readers map[string]IDReader
	// UniqueTuples are named unique attribute tuples, checked on create and
	// update.
	UniqueTuples map[string][]string
	// PrincipalPath is a dotted attribute path used for row scoping: when a
	// request carries a principal, only rows whose path value equals the
	// principal name are visible. Optional.
	PrincipalPath string
	// Listeners are lifecycle listeners, invoked in registration order.
	Listeners []Listener
}

// Registry is the static set of resource types of a backend. Built once at
// process start and passed into the backend builder; never mutated
// afterwards.
type Registry struct {
	types []ResourceType
}

// NewRegistry creates a registry from the given resource types.
func NewRegistry(types ...ResourceType) *Registry {
	return &Registry{types: types}
}

// Types returns all resource types in registration order.
func (r *Registry) Types() []ResourceType {
	return r.types
}

// allMethods is what an empty ResourceType.Methods expands to.
var allMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete,
}

// EntityMeta supplies all type-level facts about one registered resource
// type: its scalar attributes, exposed relationships, id handling and
// listeners. Derived once when the backend is built; read-only afterwards.
type EntityMeta struct {
	config        ResourceType
	entityType    *model.EntityType
	attributes    []string
	attributeSet  map[string]bool
	relationships map[string]*model.Relationship
	relNames      []string
	methods       map[string]bool
	exposedID     *model.Attribute
	scanCols      []model.Attribute
}

func newEntityMeta(config ResourceType, schema *model.Schema) (*EntityMeta, error) {
	entityType, ok := schema.Type(config.Entity)
	if !ok {
		return nil, fmt.Errorf("resource type %s: unknown entity type %s", config.Name, config.Entity)
	}

	meta := &EntityMeta{
		config:        config,
		entityType:    entityType,
		attributeSet:  map[string]bool{},
		relationships: map[string]*model.Relationship{},
		methods:       map[string]bool{},
	}

	exposedName := config.ExposedID
	if exposedName == "" {
		exposedName = entityType.Key.Name
	}
	exposed, ok := entityType.Attribute(exposedName)
	if !ok {
		return nil, fmt.Errorf("resource type %s: exposed id %s is not an attribute of %s", config.Name, exposedName, entityType.Name)
	}
	meta.exposedID = exposed

	for _, a := range entityType.Attributes {
		if a.Name == exposedName {
			continue
		}
		meta.attributes = append(meta.attributes, a.Name)
		meta.attributeSet[a.Name] = true
	}
	sort.Strings(meta.attributes)

	if len(config.Relationships) == 0 {
		for i := range entityType.Relationships {
			rel := &entityType.Relationships[i]
			meta.relationships[rel.Name] = rel
			meta.relNames = append(meta.relNames, rel.Name)
		}
	} else {
		for _, name := range config.Relationships {
			rel, ok := entityType.Relationship(name)
			if !ok {
				return nil, fmt.Errorf("resource type %s: unknown relationship %s", config.Name, name)
			}
			meta.relationships[name] = rel
			meta.relNames = append(meta.relNames, name)
		}
	}

	methods := config.Methods
	if len(methods) == 0 {
		methods = allMethods
	}
	for _, m := range methods {
		meta.methods[m] = true
	}

	for attr := range config.Readers {
		if !meta.attributeSet[attr] && attr != exposedName {
			return nil, fmt.Errorf("resource type %s: reader for unknown attribute %s", config.Name, attr)
		}
	}
	for name, tuple := range config.UniqueTuples {
		for _, attr := range tuple {
			if _, ok := entityType.Attribute(attr); !ok {
				return nil, fmt.Errorf("resource type %s: unique tuple %s names unknown attribute %s", config.Name, name, attr)
			}
		}
	}

	// the scan column set: key, exposed id, scalar attributes and the
	// foreign key columns of owning to-one relationships
	seen := map[string]bool{entityType.Key.Name: true}
	meta.scanCols = append(meta.scanCols, entityType.Key)
	if exposed.Name != entityType.Key.Name {
		meta.scanCols = append(meta.scanCols, *exposed)
		seen[exposed.Name] = true
	}
	for _, name := range meta.attributes {
		if a, ok := entityType.Attribute(name); ok && !seen[a.Name] {
			meta.scanCols = append(meta.scanCols, *a)
			seen[a.Name] = true
		}
	}
	for _, name := range meta.relNames {
		rel := meta.relationships[name]
		if rel.Column == "" || seen[rel.Column] {
			continue
		}
		kind := model.UUID
		if target, ok := schema.Type(rel.Target); ok {
			kind = target.Key.Kind
		}
		meta.scanCols = append(meta.scanCols, model.Attribute{Name: rel.Column, Kind: kind, Nullable: true})
		seen[rel.Column] = true
	}

	return meta, nil
}

// ScanColumns returns the columns a scalar fetch of this resource selects:
// the storage key, the exposed id, all scalar attributes and the foreign
// key columns of owning to-one relationships.
func (m *EntityMeta) ScanColumns() []model.Attribute {
	return m.scanCols
}

// Name returns the exposed resource type name.
func (m *EntityMeta) Name() string {
	return m.config.Name
}

// EntityType returns the backing storage entity type.
func (m *EntityMeta) EntityType() *model.EntityType {
	return m.entityType
}

// Attributes returns the exposed scalar attribute names, sorted. The
// exposed id and associations are excluded.
func (m *EntityMeta) Attributes() []string {
	return m.attributes
}

// HasAttribute returns true if name is an exposed scalar attribute.
func (m *EntityMeta) HasAttribute(name string) bool {
	return m.attributeSet[name]
}

// IsRelatedTo returns true if name is an exposed relationship.
func (m *EntityMeta) IsRelatedTo(name string) bool {
	_, ok := m.relationships[name]
	return ok
}

// IsField returns true if name is an exposed attribute or relationship.
func (m *EntityMeta) IsField(name string) bool {
	return m.HasAttribute(name) || m.IsRelatedTo(name)
}

// Relationships returns the exposed relationship names in declaration order.
func (m *EntityMeta) Relationships() []string {
	return m.relNames
}

// Relationship returns the named exposed relationship.
func (m *EntityMeta) Relationship(name string) (*model.Relationship, bool) {
	rel, ok := m.relationships[name]
	return rel, ok
}

// RelatedEntityType resolves the storage-level target type of an exposed
// relationship; returns false if name is not an exposed relationship.
func (m *EntityMeta) RelatedEntityType(name string, schema *model.Schema) (*model.EntityType, bool) {
	rel, ok := m.relationships[name]
	if !ok {
		return nil, false
	}
	return schema.Type(rel.Target)
}

// ExposedID returns the attribute chosen for external exposure. This may
// differ from the storage primary key.
func (m *EntityMeta) ExposedID() *model.Attribute {
	return m.exposedID
}

// ReadID converts the external string form of an identifier to its typed
// value. Fails with an error if the configured reader rejects the value.
func (m *EntityMeta) ReadID(s string) (interface{}, error) {
	if m.config.IDReader != nil {
		v, err := m.config.IDReader(s)
		if err != nil {
			return nil, fmt.Errorf("invalid identifier %q: %w", s, err)
		}
		if v == nil {
			return nil, fmt.Errorf("invalid identifier %q", s)
		}
		return v, nil
	}
	v, err := model.ParseString(*m.exposedID, s)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier %q: %w", s, err)
	}
	return v, nil
}

// IDValue returns the storage primary key of an entity.
func (m *EntityMeta) IDValue(e *model.Entity) interface{} {
	return e.ID()
}

// ExposedIDValue returns the externally exposed identifier of an entity,
// which may differ from the storage primary key.
func (m *EntityMeta) ExposedIDValue(e *model.Entity) interface{} {
	if m.exposedID.Name == m.entityType.Key.Name {
		return e.ID()
	}
	v, _ := e.Attr(m.exposedID.Name)
	return v
}

// Reader returns the custom string decoder for an attribute, if configured.
func (m *EntityMeta) Reader(attribute string) (IDReader, bool) {
	reader, ok := m.config.Readers[attribute]
	return reader, ok
}

// AllowsMethod returns true if the HTTP method is in the configured
// allowed-method set.
func (m *EntityMeta) AllowsMethod(method string) bool {
	return m.methods[method]
}

// PrincipalPath returns the configured row-scoping path, or "".
func (m *EntityMeta) PrincipalPath() string {
	return m.config.PrincipalPath
}

// Listeners returns the lifecycle listeners in registration order.
func (m *EntityMeta) Listeners() []Listener {
	return m.config.Listeners
}

// Path returns the route path of the resource type.
func (m *EntityMeta) Path() string {
	return "/" + m.config.Name
}

// UniqueTuples returns the configured unique attribute tuples.
func (m *EntityMeta) UniqueTuples() map[string][]string {
	return m.config.UniqueTuples
}
