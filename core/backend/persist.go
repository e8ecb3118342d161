package backend

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/okapi-tech/okapi/core/access"
	"github.com/okapi-tech/okapi/core/model"
)

// isConflict classifies a storage error as an integrity-constraint
// conflict (postgres error class 23).
func isConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "23")
	}
	return false
}

// checkUnique verifies the configured unique attribute tuples against the
// store. excludeKey, when non-nil, exempts the row being updated. One
// violation per failing tuple.
func (b *Backend) checkUnique(meta *EntityMeta, rec *model.Record, excludeKey interface{}) ([]ErrorObject, error) {
	var violations []ErrorObject
	entityType := meta.EntityType()
	for name, tuple := range meta.UniqueTuples() {
		var args []interface{}
		var where []string
		for _, attr := range tuple {
			v, _ := rec.Get(attr)
			if v == nil {
				where = append(where, col("t0", attr)+" IS NULL")
				continue
			}
			args = append(args, v)
			where = append(where, col("t0", attr)+" = $"+strconv.Itoa(len(args)))
		}
		if excludeKey != nil {
			args = append(args, excludeKey)
			where = append(where, col("t0", entityType.Key.Name)+" <> $"+strconv.Itoa(len(args)))
		}
		sqlText := "SELECT count(*) FROM " + b.table(entityType) + " t0 WHERE " + strings.Join(where, " AND ")
		var count int
		if err := b.db.QueryRow(sqlText, args...).Scan(&count); err != nil {
			return nil, fmt.Errorf("cannot execute uniqueness query `%s`: %w", sqlText, err)
		}
		if count > 0 {
			violations = append(violations, inputViolation("/data/attributes",
				fmt.Sprintf("Values for %s must be unique (%s).", strings.Join(tuple, ", "), name)))
		}
	}
	return violations, nil
}

// insertRecord persists a new record and scans the assigned key back into
// it. The flush happens immediately so write failures surface before the
// response is built.
func (b *Backend) insertRecord(meta *EntityMeta, rec *model.Record) error {
	entityType := meta.EntityType()
	var columns []string
	var args []interface{}

	if id := rec.ID(); id != nil {
		columns = append(columns, entityType.Key.Name)
		args = append(args, id)
	}
	for _, a := range entityType.Attributes {
		if v, ok := rec.Get(a.Name); ok {
			columns = append(columns, a.Name)
			args = append(args, v)
		}
	}
	// owning to-one assignments become foreign key values
	for _, name := range meta.Relationships() {
		rel, _ := meta.Relationship(name)
		if rel.Column == "" {
			continue
		}
		target, assigned := rec.ToOne(name)
		if !assigned {
			continue
		}
		columns = append(columns, rel.Column)
		if target == nil {
			args = append(args, nil)
		} else {
			args = append(args, target.ID())
		}
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = `"` + c + `"`
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	sqlText := "INSERT INTO " + b.table(entityType) + " (" + strings.Join(quoted, ", ") + ")" +
		" VALUES (" + strings.Join(placeholders, ", ") + ")" +
		` RETURNING "` + entityType.Key.Name + `"`

	keyDest := scanDest(entityType.Key)
	if err := b.db.QueryRow(sqlText, args...).Scan(keyDest); err != nil {
		return err
	}
	rec.SetScanned(entityType.Key.Name, scannedValue(entityType.Key, keyDest))

	return b.flushToMany(meta, rec)
}

// updateRecord flushes a loaded, mutated record back to the store.
func (b *Backend) updateRecord(meta *EntityMeta, rec *model.Record) error {
	if rec.Discarded() {
		return fmt.Errorf("refusing to flush discarded record of %s", meta.Name())
	}
	entityType := meta.EntityType()
	var sets []string
	var args []interface{}

	for _, a := range entityType.Attributes {
		if v, ok := rec.Get(a.Name); ok {
			args = append(args, v)
			sets = append(sets, `"`+a.Name+`" = $`+strconv.Itoa(len(args)))
		}
	}
	for _, name := range meta.Relationships() {
		rel, _ := meta.Relationship(name)
		if rel.Column == "" {
			continue
		}
		target, assigned := rec.ToOne(name)
		if !assigned {
			continue
		}
		if target == nil {
			args = append(args, nil)
		} else {
			args = append(args, target.ID())
		}
		sets = append(sets, `"`+rel.Column+`" = $`+strconv.Itoa(len(args)))
	}

	if len(sets) > 0 {
		args = append(args, rec.ID())
		sqlText := "UPDATE " + b.table(entityType) + " SET " + strings.Join(sets, ", ") +
			` WHERE "` + entityType.Key.Name + `" = $` + strconv.Itoa(len(args))
		if _, err := b.db.Exec(sqlText, args...); err != nil {
			return err
		}
	}
	return b.flushToMany(meta, rec)
}

// flushToMany persists pending to-many diffs by moving the foreign key on
// the member side: added members point at the owner, removed members are
// cleared.
func (b *Backend) flushToMany(meta *EntityMeta, rec *model.Record) error {
	for _, name := range rec.DirtyToMany() {
		rel, ok := meta.Relationship(name)
		if !ok || rel.Column != "" {
			continue
		}
		inverse := rel.Inverse()
		target, _ := b.schema.Type(rel.Target)
		added, removed := rec.ToManyDiff(name)

		if len(added) > 0 {
			keys := make([]interface{}, 0, len(added))
			for _, member := range added {
				keys = append(keys, member.ID())
			}
			sqlText := "UPDATE " + b.table(target) + ` SET "` + inverse.Column + `" = $1` +
				` WHERE "` + target.Key.Name + `" = ANY($2)`
			if _, err := b.db.Exec(sqlText, rec.ID(), pq.Array(keys)); err != nil {
				return err
			}
		}
		if len(removed) > 0 {
			keys := make([]interface{}, 0, len(removed))
			for _, member := range removed {
				keys = append(keys, member.ID())
			}
			sqlText := "UPDATE " + b.table(target) + ` SET "` + inverse.Column + `" = NULL` +
				` WHERE "` + target.Key.Name + `" = ANY($1)`
			if _, err := b.db.Exec(sqlText, pq.Array(keys)); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteRecord removes the row matching id under full row scoping. Returns
// false if no row matched.
func (b *Backend) deleteRecord(meta *EntityMeta, id interface{}, principal *access.Principal) (bool, error) {
	entity, err := b.fetchOne(meta, id, principal)
	if err != nil {
		return false, err
	}
	if entity == nil {
		return false, nil
	}
	entityType := meta.EntityType()
	sqlText := "DELETE FROM " + b.table(entityType) + ` WHERE "` + entityType.Key.Name + `" = $1`
	if _, err := b.db.Exec(sqlText, entity.ID()); err != nil {
		return false, err
	}
	return true, nil
}

// lookupTarget resolves a relationship identifier to a live entity, scoped
// by the same row-scoping rules as a direct fetch: a target the principal
// cannot see is treated as not found.
func (b *Backend) lookupTarget(meta *EntityMeta, rawID string, principal *access.Principal) (*model.Entity, error) {
	id, err := meta.ReadID(rawID)
	if err != nil {
		return nil, nil
	}
	return b.fetchOne(meta, id, principal)
}

// currentMembers returns the storage keys of the current members of a
// mapped to-many relationship of the given owner row.
func (b *Backend) currentMembers(meta *EntityMeta, rel *model.Relationship, ownerKey interface{}) (map[string]*model.Entity, error) {
	target, _ := b.schema.Type(rel.Target)
	targetMeta, ok := b.metaByEntity[rel.Target]
	if !ok {
		return nil, fmt.Errorf("relationship %s targets unregistered entity type %s", rel.Name, rel.Target)
	}
	inverse := rel.Inverse()

	cols := targetMeta.ScanColumns()
	selects := make([]string, 0, len(cols))
	for _, c := range cols {
		selects = append(selects, col("t0", c.Name))
	}
	sqlText := "SELECT " + strings.Join(selects, ", ") + " FROM " + b.table(target) + " t0" +
		` WHERE ` + col("t0", inverse.Column) + ` = $1`

	rows, err := b.db.Query(sqlText, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("cannot execute members query `%s`: %w", sqlText, err)
	}
	defer rows.Close()

	members := map[string]*model.Entity{}
	for rows.Next() {
		dests := make([]interface{}, 0, len(cols))
		for _, c := range cols {
			dests = append(dests, scanDest(c))
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		rec := model.NewRecord(target)
		for i, c := range cols {
			rec.SetScanned(c.Name, scannedValue(c, dests[i]))
		}
		entity := model.NewInstance(targetMeta.Name(), rec)
		members[model.Key(entity.ID())] = entity
	}
	return members, rows.Err()
}
