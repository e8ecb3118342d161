package backend

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/okapi-tech/okapi/core/access"
	"github.com/okapi-tech/okapi/core/model"
)

// fetchSpec describes one fetch against the store.
type fetchSpec struct {
	meta  *EntityMeta
	query *InternalQuery
	// id, when non-nil, scopes to the row whose exposed id equals it.
	id interface{}
	// principal scopes rows along the resource type's principal path.
	principal *access.Principal
	// injection adds one extra equality predicate on the root row. Used to
	// join a related listing back to its owning resource.
	injection *relationInjection
	// withCounts selects a distinct count aggregate for every relationship
	// not in the include list.
	withCounts bool
}

type relationInjection struct {
	column string
	value  interface{}
}

func (b *Backend) table(t *model.EntityType) string {
	return b.db.Schema + `."` + t.Name + `"`
}

func col(alias, name string) string {
	return alias + `."` + name + `"`
}

// joinBuilder accumulates relationship joins. The alias of a join is
// derived deterministically from the path, so repeated predicates against
// the same path reuse one join instead of duplicating it.
type joinBuilder struct {
	b       *Backend
	root    *model.EntityType
	joins   []string
	aliases map[string]bool
}

func newJoinBuilder(b *Backend, root *model.EntityType) *joinBuilder {
	return &joinBuilder{b: b, root: root, aliases: map[string]bool{}}
}

// join walks the relationship steps and returns the alias of the last hop.
func (jb *joinBuilder) join(steps []FilterStep) string {
	alias := "t0"
	path := ""
	current := jb.root
	for _, step := range steps {
		path += "_" + step.Rel.Name
		next := "f" + path
		target, _ := jb.b.schema.Type(step.Rel.Target)
		if !jb.aliases[next] {
			joinType := "JOIN"
			if step.Outer {
				joinType = "LEFT JOIN"
			}
			var condition string
			if step.Rel.Column != "" {
				condition = col(next, target.Key.Name) + " = " + col(alias, step.Rel.Column)
			} else {
				condition = col(next, step.Rel.Inverse().Column) + " = " + col(alias, current.Key.Name)
			}
			jb.joins = append(jb.joins, joinType+" "+jb.b.table(target)+" "+next+" ON "+condition)
			jb.aliases[next] = true
		}
		alias = next
		current = target
	}
	return alias
}

// buildFetch assembles the primary select for a fetch. It returns the SQL
// text, its arguments, the scanned scalar columns and the names of the
// relationships a count aggregate was selected for.
func (b *Backend) buildFetch(spec fetchSpec) (string, []interface{}, []model.Attribute, []string, error) {
	meta := spec.meta
	entityType := meta.EntityType()
	jb := newJoinBuilder(b, entityType)

	var args []interface{}
	param := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	cols := meta.ScanColumns()
	selects := make([]string, 0, len(cols))
	for _, c := range cols {
		selects = append(selects, col("t0", c.Name))
	}

	// one distinct count aggregate per relationship not being included
	var counted []string
	if spec.withCounts {
		for _, name := range meta.Relationships() {
			if spec.query != nil && spec.query.Includes(name) {
				continue
			}
			rel, _ := meta.Relationship(name)
			target, _ := b.schema.Type(rel.Target)
			alias := "ct_" + name
			var condition string
			if rel.Column != "" {
				condition = col(alias, target.Key.Name) + " = " + col("t0", rel.Column)
			} else {
				condition = col(alias, rel.Inverse().Column) + " = " + col("t0", entityType.Key.Name)
			}
			jb.joins = append(jb.joins, "LEFT JOIN "+b.table(target)+" "+alias+" ON "+condition)
			selects = append(selects, "count(DISTINCT "+col(alias, target.Key.Name)+`) AS "`+alias+`"`)
			counted = append(counted, name)
		}
	}

	where, err := b.buildPredicates(spec, jb, param)
	if err != nil {
		return "", nil, nil, nil, err
	}

	sqlText := "SELECT " + strings.Join(selects, ", ") + " FROM " + b.table(entityType) + " t0"
	if len(jb.joins) > 0 {
		sqlText += " " + strings.Join(jb.joins, " ")
	}
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	if len(counted) > 0 {
		groups := make([]string, 0, len(cols))
		for _, c := range cols {
			groups = append(groups, col("t0", c.Name))
		}
		sqlText += " GROUP BY " + strings.Join(groups, ", ")
	}

	first, max := 0, -1
	if spec.query != nil {
		first, max = spec.query.Window()
	}
	var orders []string
	if spec.query != nil {
		for _, key := range spec.query.Sort() {
			direction := " ASC"
			if key.Desc {
				direction = " DESC"
			}
			orders = append(orders, col("t0", key.Attribute.Name)+direction)
		}
	}
	if len(orders) == 0 && max >= 0 {
		// stable pagination needs a deterministic order
		orders = append(orders, col("t0", entityType.Key.Name)+" ASC")
	}
	if len(orders) > 0 {
		sqlText += " ORDER BY " + strings.Join(orders, ", ")
	}
	if max >= 0 {
		sqlText += " LIMIT " + param(max)
	}
	if first > 0 {
		sqlText += " OFFSET " + param(first)
	}

	return sqlText, args, cols, counted, nil
}

// buildPredicates applies the shared row-scoping primitive: principal path,
// id equality, relation injection and every validated filter.
func (b *Backend) buildPredicates(spec fetchSpec, jb *joinBuilder, param func(interface{}) string) ([]string, error) {
	meta := spec.meta
	var where []string

	if path := meta.PrincipalPath(); path != "" && spec.principal != nil {
		steps, attribute, err := b.resolvePath(meta, path)
		if err != nil {
			return nil, fmt.Errorf("principal path %q: %w", path, err)
		}
		alias := jb.join(steps)
		where = append(where, col(alias, attribute.Name)+" = "+param(spec.principal.Name))
	}

	if spec.id != nil {
		where = append(where, col("t0", meta.ExposedID().Name)+" = "+param(spec.id))
	}

	if spec.injection != nil {
		where = append(where, col("t0", spec.injection.column)+" = "+param(spec.injection.value))
	}

	if spec.query != nil {
		for _, filter := range spec.query.Filters() {
			alias := jb.join(filter.Steps)
			column := col(alias, filter.Attribute.Name)
			switch {
			case filter.IsNull():
				where = append(where, column+" IS NULL")
			case filter.IsNotNull():
				where = append(where, column+" IS NOT NULL")
			default:
				where = append(where, column+" = "+param(filter.Arg))
			}
		}
	}

	return where, nil
}

// buildCount assembles the parallel count query: same predicates, no
// aggregates, counting distinct root rows.
func (b *Backend) buildCount(spec fetchSpec) (string, []interface{}, error) {
	meta := spec.meta
	entityType := meta.EntityType()
	jb := newJoinBuilder(b, entityType)

	var args []interface{}
	param := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	where, err := b.buildPredicates(spec, jb, param)
	if err != nil {
		return "", nil, err
	}

	sqlText := "SELECT count(DISTINCT " + col("t0", entityType.Key.Name) + ") FROM " + b.table(entityType) + " t0"
	if len(jb.joins) > 0 {
		sqlText += " " + strings.Join(jb.joins, " ")
	}
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	return sqlText, args, nil
}

// scanDest returns a scan destination for a column of the given kind.
func scanDest(a model.Attribute) interface{} {
	switch a.Kind {
	case model.Bool:
		return &sql.NullBool{}
	case model.Int8, model.Int16, model.Int32, model.Int64:
		return &sql.NullInt64{}
	case model.Float32, model.Float64:
		return &sql.NullFloat64{}
	case model.Time:
		return &sql.NullTime{}
	case model.UUID:
		return &uuid.NullUUID{}
	}
	return &sql.NullString{}
}

// scannedValue unwraps a scan destination into the in-memory representation
// of the column's kind. Null becomes nil.
func scannedValue(a model.Attribute, dest interface{}) interface{} {
	switch d := dest.(type) {
	case *sql.NullBool:
		if !d.Valid {
			return nil
		}
		return d.Bool
	case *sql.NullInt64:
		if !d.Valid {
			return nil
		}
		switch a.Kind {
		case model.Int8:
			return int8(d.Int64)
		case model.Int16:
			return int16(d.Int64)
		case model.Int32:
			return int32(d.Int64)
		}
		return d.Int64
	case *sql.NullFloat64:
		if !d.Valid {
			return nil
		}
		if a.Kind == model.Float32 {
			return float32(d.Float64)
		}
		return d.Float64
	case *sql.NullTime:
		if !d.Valid {
			return nil
		}
		return d.Time.UTC()
	case *uuid.NullUUID:
		if !d.Valid {
			return nil
		}
		return d.UUID
	case *sql.NullString:
		if !d.Valid {
			return nil
		}
		return d.String
	}
	return nil
}

// fetchEntities runs the primary query of a fetch and assembles entities
// with their relationship-map prototype: every exposed relationship starts
// as an explicit unfetched marker, counted relationships are overwritten
// with their count, included relationships are materialized afterwards.
func (b *Backend) fetchEntities(spec fetchSpec) ([]*model.Entity, error) {
	sqlText, args, cols, counted, err := b.buildFetch(spec)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.Query(sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot execute query `%s`: %w", sqlText, err)
	}
	defer rows.Close()

	entityType := spec.meta.EntityType()
	var entities []*model.Entity
	for rows.Next() {
		dests := make([]interface{}, 0, len(cols)+len(counted))
		for _, c := range cols {
			dests = append(dests, scanDest(c))
		}
		counts := make([]*int64, len(counted))
		for i := range counted {
			counts[i] = new(int64)
			dests = append(dests, counts[i])
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("cannot scan values: %w", err)
		}

		rec := model.NewRecord(entityType)
		for i, c := range cols {
			rec.SetScanned(c.Name, scannedValue(c, dests[i]))
		}
		entity := model.NewInstance(spec.meta.Name(), rec)
		for _, name := range spec.meta.Relationships() {
			entity.Rels[name] = model.RelValue{State: model.RelUnfetched}
		}
		for i, name := range counted {
			entity.Rels[name] = model.RelValue{State: model.RelCount, Count: int(*counts[i])}
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if spec.query != nil && len(entities) > 0 {
		if err := b.resolveIncludes(spec, entities); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

// fetchOne fetches a single row by id with full scoping, scalar attributes
// only. Returns nil if no row matches.
func (b *Backend) fetchOne(meta *EntityMeta, id interface{}, principal *access.Principal) (*model.Entity, error) {
	entities, err := b.fetchEntities(fetchSpec{meta: meta, id: id, principal: principal})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return entities[0], nil
}

// resolveIncludes materializes every include path with one additional query
// keyed by the set of primary-row ids, so include resolution stays at one
// query per path regardless of the number of primary rows.
func (b *Backend) resolveIncludes(spec fetchSpec, entities []*model.Entity) error {
	meta := spec.meta
	entityType := meta.EntityType()

	ids := make([]interface{}, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID())
	}

	for _, name := range spec.query.Include() {
		rel, _ := meta.Relationship(name)
		target, _ := b.schema.Type(rel.Target)
		targetMeta, ok := b.metaByEntity[rel.Target]
		if !ok {
			return fmt.Errorf("relationship %s targets unregistered entity type %s", name, rel.Target)
		}

		cols := targetMeta.ScanColumns()
		selects := make([]string, 0, len(cols)+1)
		for _, c := range cols {
			selects = append(selects, col("t0", c.Name))
		}

		var sqlText string
		if rel.Column == "" {
			// inverse side: the foreign key lives on the target
			inverse := rel.Inverse()
			selects = append(selects, col("t0", inverse.Column))
			sqlText = "SELECT " + strings.Join(selects, ", ") +
				" FROM " + b.table(target) + " t0" +
				" WHERE " + col("t0", inverse.Column) + " = ANY($1)" +
				" ORDER BY " + col("t0", target.Key.Name) + " ASC"
		} else {
			// owning side: join back to the primary type via the inverse
			if rel.Inverse() == nil {
				return fmt.Errorf("relationship %s of %s has no inverse, cannot resolve include", name, entityType.Name)
			}
			selects = append(selects, col("p", entityType.Key.Name))
			sqlText = "SELECT " + strings.Join(selects, ", ") +
				" FROM " + b.table(target) + " t0" +
				" JOIN " + b.table(entityType) + " p ON " + col("p", rel.Column) + " = " + col("t0", target.Key.Name) +
				" WHERE " + col("p", entityType.Key.Name) + " = ANY($1)" +
				" ORDER BY " + col("t0", target.Key.Name) + " ASC"
		}

		rows, err := b.db.Query(sqlText, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("cannot execute include query `%s`: %w", sqlText, err)
		}

		parentKeyAttr := entityType.Key
		grouped := map[string][]*model.Entity{}
		for rows.Next() {
			dests := make([]interface{}, 0, len(cols)+1)
			for _, c := range cols {
				dests = append(dests, scanDest(c))
			}
			var parentAttr model.Attribute
			if rel.Column == "" {
				parentAttr = model.Attribute{Name: "", Kind: parentKeyAttr.Kind, Nullable: true}
			} else {
				parentAttr = parentKeyAttr
			}
			parentDest := scanDest(parentAttr)
			dests = append(dests, parentDest)
			if err := rows.Scan(dests...); err != nil {
				rows.Close()
				return fmt.Errorf("cannot scan include values: %w", err)
			}

			rec := model.NewRecord(target)
			for i, c := range cols {
				rec.SetScanned(c.Name, scannedValue(c, dests[i]))
			}
			included := model.NewInstance(targetMeta.Name(), rec)
			for _, relName := range targetMeta.Relationships() {
				included.Rels[relName] = model.RelValue{State: model.RelUnfetched}
			}
			parent := model.Key(scannedValue(parentAttr, parentDest))
			grouped[parent] = append(grouped[parent], included)
		}
		closeErr := rows.Err()
		rows.Close()
		if closeErr != nil {
			return closeErr
		}

		// merge deterministically keyed by primary id, not arrival order
		for _, e := range entities {
			members := grouped[model.Key(e.ID())]
			if rel.ToMany {
				if members == nil {
					members = []*model.Entity{}
				}
				e.Rels[name] = model.RelValue{State: model.RelMany, Many: members}
			} else {
				var one *model.Entity
				if len(members) > 0 {
					one = members[0]
				}
				e.Rels[name] = model.RelValue{State: model.RelOne, One: one}
			}
		}
	}
	return nil
}

// totalResults runs the parallel count query for a bounded list fetch.
func (b *Backend) totalResults(spec fetchSpec) (int, error) {
	sqlText, args, err := b.buildCount(spec)
	if err != nil {
		return 0, err
	}
	var total int
	if err := b.db.QueryRow(sqlText, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("cannot execute count query `%s`: %w", sqlText, err)
	}
	return total, nil
}
