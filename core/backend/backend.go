/*Package backend implements a generic JSON:API backend over a relational
store. A backend is built once from a static resource registry and an entity
schema; afterwards it serves list, read, create, update and delete requests
for every registered resource type, including related-resource listings and
relationship linkage.
*/
package backend

import (
	"fmt"
	"strings"

	"github.com/gorilla/mux"

	"github.com/okapi-tech/okapi/core/csql"
	"github.com/okapi-tech/okapi/core/logger"
	"github.com/okapi-tech/okapi/core/model"
	"github.com/okapi-tech/okapi/core/validate"
)

// Backend is the generic JSON:API backend.
type Backend struct {
	registry  *Registry
	schema    *model.Schema
	db        *csql.DB
	router    *mux.Router
	validator validate.Validator

	metaByResource map[string]*EntityMeta
	metaByEntity   map[string]*EntityMeta
}

// Builder is a builder helper for the Backend.
type Builder struct {
	// Registry is the static set of resource types. This is mandatory.
	Registry *Registry
	// Schema is the entity schema backing the resource types. It is frozen
	// during New if the caller did not freeze it already. This is mandatory.
	Schema *model.Schema
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Validator validates request documents before anything is flushed to
	// the store. This is optional.
	Validator validate.Validator
	// UpdateSchema creates the sql relations and unique indexes for the
	// registered entity types if they do not exist yet.
	UpdateSchema bool
}

// New realizes the actual backend. It derives the per-resource metadata,
// optionally creates the sql relations, and adds routes to the router.
// Configuration defects are programming errors and panic.
func New(bb *Builder) *Backend {
	if bb.Registry == nil {
		panic("Registry is missing")
	}
	if bb.Schema == nil {
		panic("Schema is missing")
	}
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	if err := bb.Schema.Freeze(); err != nil {
		panic(fmt.Errorf("defective entity schema: %s", err))
	}

	b := &Backend{
		registry:       bb.Registry,
		schema:         bb.Schema,
		db:             bb.DB,
		router:         bb.Router,
		validator:      bb.Validator,
		metaByResource: map[string]*EntityMeta{},
		metaByEntity:   map[string]*EntityMeta{},
	}

	for _, config := range bb.Registry.Types() {
		meta, err := newEntityMeta(config, bb.Schema)
		if err != nil {
			panic(fmt.Errorf("defective backend configuration: %s", err))
		}
		if _, dup := b.metaByResource[config.Name]; dup {
			panic(fmt.Errorf("duplicate resource type %s", config.Name))
		}
		if _, dup := b.metaByEntity[config.Entity]; dup {
			panic(fmt.Errorf("entity type %s is exposed by more than one resource type", config.Entity))
		}
		b.metaByResource[config.Name] = meta
		b.metaByEntity[config.Entity] = meta
	}

	if bb.UpdateSchema {
		if err := b.createRelations(); err != nil {
			panic(fmt.Errorf("cannot create sql relations: %s", err))
		}
	}

	b.handleRoutes(b.router)
	return b
}

// Meta returns the metadata of a registered resource type.
func (b *Backend) Meta(resource string) (*EntityMeta, bool) {
	meta, ok := b.metaByResource[resource]
	return meta, ok
}

// createRelations creates one table per registered entity type: the primary
// key, all scalar attributes and the foreign key columns of owning to-one
// relationships. Unique tuples become unique indexes so the store enforces
// them even under concurrent writers.
func (b *Backend) createRelations() error {
	rlog := logger.Default()
	for _, meta := range b.metaByResource {
		entityType := meta.EntityType()

		var columns []string
		key := entityType.Key
		keyCol := `"` + key.Name + `" ` + key.Kind.SQLType()
		if key.Kind == model.UUID {
			keyCol += " DEFAULT uuid_generate_v4()"
		}
		columns = append(columns, keyCol+" PRIMARY KEY")

		for _, a := range entityType.Attributes {
			if a.Name == key.Name {
				continue
			}
			c := `"` + a.Name + `" ` + a.Kind.SQLType()
			if !a.Nullable {
				c += " NOT NULL"
			}
			columns = append(columns, c)
		}
		for i := range entityType.Relationships {
			rel := &entityType.Relationships[i]
			if rel.Column == "" {
				continue
			}
			target, ok := b.schema.Type(rel.Target)
			if !ok {
				return fmt.Errorf("relationship %s of %s targets unknown entity type %s", rel.Name, entityType.Name, rel.Target)
			}
			columns = append(columns, `"`+rel.Column+`" `+target.Key.Kind.SQLType())
		}

		ddl := "CREATE TABLE IF NOT EXISTS " + b.table(entityType) +
			" (" + strings.Join(columns, ", ") + ");"
		rlog.Debugln("create table:", ddl)
		if _, err := b.db.Exec(ddl); err != nil {
			return err
		}

		for name, tuple := range meta.UniqueTuples() {
			quoted := make([]string, len(tuple))
			for i, attr := range tuple {
				quoted[i] = `"` + attr + `"`
			}
			index := "CREATE UNIQUE INDEX IF NOT EXISTS " +
				`"` + entityType.Name + "_" + name + `" ON ` + b.table(entityType) +
				" (" + strings.Join(quoted, ", ") + ");"
			if _, err := b.db.Exec(index); err != nil {
				return err
			}
		}
	}
	return nil
}
