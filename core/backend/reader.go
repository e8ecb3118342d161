package backend

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/okapi-tech/okapi/core/model"
)

var topLevelKeys = map[string]bool{
	"data": true, "errors": true, "meta": true, "jsonapi": true, "included": true,
}

// parseDocument decodes a request body and checks the top-level document
// shape. All structural violations are collected, never just the first.
func parseDocument(body []byte) (map[string]interface{}, []ErrorObject) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, []ErrorObject{structureViolation("", "The request body is not a valid JSON object.")}
	}
	var violations []ErrorObject
	for key := range doc {
		if !topLevelKeys[key] {
			violations = append(violations, structureViolation("/"+key,
				fmt.Sprintf("Unexpected top-level member %q.", key)))
		}
	}
	if _, ok := doc["data"]; !ok {
		violations = append(violations, structureViolation("/data", "The document must contain a data member."))
	}
	return doc, violations
}

// resourceData checks the shape of the primary data object of a single
// resource operation: an object with a type matching the requested resource
// and, for updates, an id matching the request path.
func resourceData(doc map[string]interface{}, resource, pathID string) (map[string]interface{}, []ErrorObject) {
	raw, ok := doc["data"]
	if !ok {
		return nil, nil // already reported by parseDocument
	}
	data, ok := raw.(map[string]interface{})
	if !ok {
		return nil, []ErrorObject{structureViolation("/data", "Primary data must be a single resource object.")}
	}
	var violations []ErrorObject
	typeName, ok := data["type"].(string)
	if !ok || typeName == "" {
		violations = append(violations, structureViolation("/data", "Primary data must contain a type member."))
	} else if typeName != resource {
		violations = append(violations, structureViolation("/data/type",
			fmt.Sprintf("Resource type %q does not match the request.", typeName)))
	}
	if id, ok := data["id"]; ok {
		idString, isString := id.(string)
		if !isString {
			violations = append(violations, structureViolation("/data/id", "The id member must be a string."))
		} else if pathID != "" && idString != pathID {
			violations = append(violations, structureViolation("/data/id",
				"The id member does not match the request."))
		}
	}
	if attrs, ok := data["attributes"]; ok {
		if _, isObject := attrs.(map[string]interface{}); !isObject {
			violations = append(violations, structureViolation("/data/attributes", "Attributes must be an object."))
		}
	}
	if rels, ok := data["relationships"]; ok {
		if _, isObject := rels.(map[string]interface{}); !isObject {
			violations = append(violations, structureViolation("/data/relationships", "Relationships must be an object."))
		}
	}
	return data, violations
}

// applyAttributes copies the attributes object onto a record, coercing each
// value according to the declared attribute kind. One violation per bad
// attribute, all collected.
func applyAttributes(meta *EntityMeta, rec *model.Record, data map[string]interface{}) []ErrorObject {
	raw, ok := data["attributes"].(map[string]interface{})
	if !ok {
		return nil
	}
	var violations []ErrorObject
	for name, value := range raw {
		pointer := "/data/attributes/" + name
		if !meta.HasAttribute(name) {
			violations = append(violations, inputViolation(pointer,
				fmt.Sprintf("Unknown attribute %q.", name)))
			continue
		}
		if reader, hasReader := meta.Reader(name); hasReader {
			s, isString := value.(string)
			if !isString {
				violations = append(violations, inputViolation(pointer, "Expected a string value."))
				continue
			}
			decoded, err := reader(s)
			if err != nil || decoded == nil {
				violations = append(violations, inputViolation(pointer,
					fmt.Sprintf("Invalid value %q.", s)))
				continue
			}
			value = decoded
		}
		if err := rec.Set(name, value); err != nil {
			violations = append(violations, inputViolation(pointer, err.Error()))
		}
	}
	return violations
}

// applyRelationships applies the relationships object onto a record.
// Relationship targets are resolved through the persistence engine under the
// same row scoping as a direct fetch. Every unresolved identifier
// accumulates a violation keyed by its exact position; to-many replacement
// is a diff that keeps both sides of a bidirectional association consistent.
func (b *Backend) applyRelationships(ctx *Context, rec *model.Record, data map[string]interface{}, isCreate bool) ([]ErrorObject, error) {
	raw, ok := data["relationships"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	meta := ctx.Meta
	var violations []ErrorObject
	for name, value := range raw {
		pointer := "/data/relationships/" + name
		rel, ok := meta.Relationship(name)
		if !ok {
			violations = append(violations, inputViolation(pointer,
				fmt.Sprintf("Unknown relationship %q.", name)))
			continue
		}
		entry, ok := value.(map[string]interface{})
		if !ok {
			violations = append(violations, inputViolation(pointer, "A relationship must be an object."))
			continue
		}
		relData, hasData := entry["data"]
		if !hasData {
			violations = append(violations, inputViolation(pointer, "A relationship must contain a data member."))
			continue
		}

		targetMeta, ok := b.metaByEntity[rel.Target]
		if !ok {
			return nil, fmt.Errorf("relationship %s targets unregistered entity type %s", name, rel.Target)
		}

		if rel.ToMany {
			v, err := b.applyToMany(ctx, rec, rel, targetMeta, pointer, relData, isCreate)
			if err != nil {
				return nil, err
			}
			violations = append(violations, v...)
		} else {
			v, err := b.applyToOne(ctx, rec, rel, targetMeta, pointer, relData)
			if err != nil {
				return nil, err
			}
			violations = append(violations, v...)
		}
	}
	return violations, nil
}

// resolveIdentifier resolves one resource-identifier object to a live
// entity, or reports why it cannot.
func (b *Backend) resolveIdentifier(ctx *Context, targetMeta *EntityMeta, pointer string, value interface{}) (*model.Entity, *ErrorObject, error) {
	identifier, ok := value.(map[string]interface{})
	if !ok {
		v := inputViolation(pointer, "Expected a resource identifier object.")
		return nil, &v, nil
	}
	typeName, _ := identifier["type"].(string)
	id, _ := identifier["id"].(string)
	if typeName != targetMeta.Name() || id == "" {
		v := inputViolation(pointer, "Invalid resource identifier.")
		return nil, &v, nil
	}
	target, err := b.lookupTarget(targetMeta, id, ctx.Principal)
	if err != nil {
		return nil, nil, err
	}
	if target == nil {
		v := inputViolation(pointer, fmt.Sprintf("Resource %s/%s does not exist.", typeName, id))
		return nil, &v, nil
	}
	return target, nil, nil
}

func (b *Backend) applyToMany(ctx *Context, rec *model.Record, rel *model.Relationship, targetMeta *EntityMeta, pointer string, relData interface{}, isCreate bool) ([]ErrorObject, error) {
	list, ok := relData.([]interface{})
	if !ok {
		return []ErrorObject{inputViolation(pointer+"/data", "A to-many relationship must be an array.")}, nil
	}

	var violations []ErrorObject
	replacement := map[string]*model.Entity{}
	var order []string
	for i, item := range list {
		itemPointer := pointer + "/data/" + strconv.Itoa(i)
		target, violation, err := b.resolveIdentifier(ctx, targetMeta, itemPointer, item)
		if err != nil {
			return nil, err
		}
		if violation != nil {
			violations = append(violations, *violation)
			continue
		}
		key := model.Key(target.ID())
		if _, dup := replacement[key]; !dup {
			replacement[key] = target
			order = append(order, key)
		}
	}
	if len(violations) > 0 {
		return violations, nil
	}

	current := map[string]*model.Entity{}
	if !isCreate {
		var err error
		current, err = b.currentMembers(ctx.Meta, rel, rec.ID())
		if err != nil {
			return nil, err
		}
	}

	inverse := rel.Inverse()
	inverseExposed := inverse != nil && targetMeta.IsRelatedTo(inverse.Name)

	// members present but absent from the new set are removed, members in
	// the new set but absent are added; the inverse side is updated
	// symmetrically
	for key, member := range current {
		if _, keep := replacement[key]; keep {
			continue
		}
		rec.RemoveFromToMany(rel.Name, member.Record())
		if inverseExposed {
			member.Record().SetToOne(inverse.Name, nil)
		}
	}
	for _, key := range order {
		if _, have := current[key]; have {
			continue
		}
		member := replacement[key]
		rec.AddToMany(rel.Name, member.Record())
		if inverseExposed {
			member.Record().SetToOne(inverse.Name, rec)
		}
	}
	return nil, nil
}

func (b *Backend) applyToOne(ctx *Context, rec *model.Record, rel *model.Relationship, targetMeta *EntityMeta, pointer string, relData interface{}) ([]ErrorObject, error) {
	if rel.Column == "" {
		return []ErrorObject{inputViolation(pointer+"/data", "The relationship is owned by the target resource and cannot be modified here.")}, nil
	}

	var target *model.Entity
	if relData != nil {
		var violation *ErrorObject
		var err error
		target, violation, err = b.resolveIdentifier(ctx, targetMeta, pointer+"/data", relData)
		if err != nil {
			return nil, err
		}
		if violation != nil {
			return []ErrorObject{*violation}, nil
		}
	}

	inverse := rel.Inverse()
	inverseExposed := inverse != nil && targetMeta.IsRelatedTo(inverse.Name)

	// reassigning an owning to-one moves the foreign key; the inverse
	// collection of the previous target loses this record, the one of the
	// new target gains it
	if inverseExposed {
		prevKey := rec.Scanned(rel.Column)
		if prevKey != nil && (target == nil || model.Key(prevKey) != model.Key(target.ID())) {
			targetType := targetMeta.EntityType()
			prev, err := b.fetchEntities(fetchSpec{
				meta:      targetMeta,
				injection: &relationInjection{column: targetType.Key.Name, value: prevKey},
			})
			if err != nil {
				return nil, err
			}
			if len(prev) > 0 {
				prev[0].Record().RemoveFromToMany(inverse.Name, rec)
			}
		}
		if target != nil {
			target.Record().AddToMany(inverse.Name, rec)
		}
	}

	if target == nil {
		rec.SetToOne(rel.Name, nil)
	} else {
		rec.SetToOne(rel.Name, target.Record())
	}
	return nil, nil
}
