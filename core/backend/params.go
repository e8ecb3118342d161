package backend

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/okapi-tech/okapi/core/model"
)

// defaultWindowSize fills in the missing half of an offset/limit or
// number/size pagination pair.
const defaultWindowSize = 10

// FilterStep is one relationship hop of a dotted filter path. Outer steps
// join with a left join so rows without the relationship survive.
type FilterStep struct {
	Rel   *model.Relationship
	Outer bool
}

// null sentinels for filter values
const (
	filterNull    = "null"
	filterNotNull = "!null"
)

// Filter is one validated filter predicate: zero or more relationship hops
// followed by an attribute comparison. The literal values "null" and
// "!null" mean "attribute is (not) null" instead of equality.
type Filter struct {
	Steps     []FilterStep
	Attribute *model.Attribute
	Value     string
	Arg       interface{}
	Parameter string
}

// IsNull returns true for the "null" sentinel.
func (f Filter) IsNull() bool { return f.Value == filterNull }

// IsNotNull returns true for the "!null" sentinel.
func (f Filter) IsNotNull() bool { return f.Value == filterNotNull }

// SortKey is one validated sort criterion.
type SortKey struct {
	Attribute *model.Attribute
	Desc      bool
}

// InternalQuery is the parsed, validated view of a request's query
// parameters. Raw parameters are parsed exactly once; all accessors are
// idempotent. Violations are aggregated over the entire input, never
// fail-fast.
type InternalQuery struct {
	b    *Backend
	meta *EntityMeta
	raw  url.Values

	parsed      bool
	violations  []ErrorObject
	fields      map[string]map[string]bool
	filters     []Filter
	include     []string
	includeSet  map[string]bool
	sort        []SortKey
	firstResult int
	maxResults  int
}

func (b *Backend) newInternalQuery(meta *EntityMeta, raw url.Values) *InternalQuery {
	return &InternalQuery{b: b, meta: meta, raw: raw, maxResults: -1}
}

// Violations returns every invalid parameter found, one error per bad
// parameter.
func (q *InternalQuery) Violations() []ErrorObject {
	q.parse()
	return q.violations
}

// Fields returns the per-type field allow-lists. A type absent from the map
// allows all fields; a present type with an empty set allows none.
func (q *InternalQuery) Fields() map[string]map[string]bool {
	q.parse()
	return q.fields
}

// AllowsField returns true if the field survives the field-selection for
// the given resource type.
func (q *InternalQuery) AllowsField(resource, field string) bool {
	q.parse()
	allowed, ok := q.fields[resource]
	if !ok {
		return true
	}
	return allowed[field]
}

// Filters returns the validated filter predicates.
func (q *InternalQuery) Filters() []Filter {
	q.parse()
	return q.filters
}

// Include returns the validated include list.
func (q *InternalQuery) Include() []string {
	q.parse()
	return q.include
}

// Includes returns true if the relationship name is in the include list.
// An included relationship is materialized, not merely counted.
func (q *InternalQuery) Includes(name string) bool {
	q.parse()
	return q.includeSet[name]
}

// Sort returns the validated sort keys.
func (q *InternalQuery) Sort() []SortKey {
	q.parse()
	return q.sort
}

// Window returns the pagination window. maxResults is -1 when unbounded.
func (q *InternalQuery) Window() (firstResult, maxResults int) {
	q.parse()
	return q.firstResult, q.maxResults
}

func (q *InternalQuery) parse() {
	if q.parsed {
		return
	}
	q.parsed = true
	q.fields = map[string]map[string]bool{}
	q.includeSet = map[string]bool{}

	for key, values := range q.raw {
		switch {
		case strings.HasPrefix(key, "fields[") && strings.HasSuffix(key, "]"):
			q.parseFields(key, values)
		case strings.HasPrefix(key, "filter[") && strings.HasSuffix(key, "]"):
			q.parseFilter(key, values)
		case key == "include":
			q.parseInclude(key, values)
		case key == "sort":
			q.parseSort(key, values)
		case key == "page[offset]", key == "page[limit]", key == "page[number]", key == "page[size]":
			// handled below, pairwise
		default:
			q.violations = append(q.violations, parameterViolation(key, "Unrecognized query parameter."))
		}
	}
	q.parsePage()
}

func (q *InternalQuery) parseFields(key string, values []string) {
	resource := key[len("fields[") : len(key)-1]
	if _, ok := q.b.metaByResource[resource]; !ok {
		q.violations = append(q.violations, parameterViolation(key,
			fmt.Sprintf("Invalid resource type %q.", resource)))
		return
	}
	allowed, ok := q.fields[resource]
	if !ok {
		allowed = map[string]bool{}
		q.fields[resource] = allowed
	}
	meta := q.b.metaByResource[resource]
	for _, value := range values {
		if value == "" {
			continue // explicit empty list allows none
		}
		for _, field := range strings.Split(value, ",") {
			if !meta.IsField(field) {
				q.violations = append(q.violations, parameterViolation(key,
					fmt.Sprintf("Invalid field %q for resource type %q.", field, resource)))
				continue
			}
			allowed[field] = true
		}
	}
}

func (q *InternalQuery) parseFilter(key string, values []string) {
	path := key[len("filter[") : len(key)-1]
	steps, attribute, err := q.b.resolvePath(q.meta, path)
	if err != nil {
		q.violations = append(q.violations, parameterViolation(key, err.Error()))
		return
	}
	for _, value := range values {
		filter := Filter{
			Steps:     steps,
			Attribute: attribute,
			Value:     value,
			Parameter: key,
		}
		if value != filterNull && value != filterNotNull {
			arg, err := model.ParseString(*attribute, value)
			if err != nil {
				q.violations = append(q.violations, parameterViolation(key,
					fmt.Sprintf("Invalid value %q for attribute %q.", value, attribute.Name)))
				continue
			}
			filter.Arg = arg
		}
		q.filters = append(q.filters, filter)
	}
}

func (q *InternalQuery) parseInclude(key string, values []string) {
	for _, value := range values {
		for _, name := range strings.Split(value, ",") {
			if name == "" {
				continue
			}
			if strings.ContainsRune(name, '.') {
				q.violations = append(q.violations, parameterViolation(key,
					fmt.Sprintf("Compound include path %q is not supported.", name)))
				continue
			}
			if !q.meta.IsRelatedTo(name) {
				q.violations = append(q.violations, parameterViolation(key,
					fmt.Sprintf("Invalid relationship %q.", name)))
				continue
			}
			if !q.includeSet[name] {
				q.includeSet[name] = true
				q.include = append(q.include, name)
			}
		}
	}
}

func (q *InternalQuery) parseSort(key string, values []string) {
	for _, value := range values {
		for _, name := range strings.Split(value, ",") {
			if name == "" {
				continue
			}
			desc := false
			if strings.HasPrefix(name, "-") {
				desc = true
				name = name[1:]
			}
			if q.meta.IsRelatedTo(name) {
				q.violations = append(q.violations, parameterViolation(key,
					fmt.Sprintf("Cannot sort by relationship %q.", name)))
				continue
			}
			attribute := q.resolveAttribute(name)
			if attribute == nil {
				q.violations = append(q.violations, parameterViolation(key,
					fmt.Sprintf("Invalid sort attribute %q.", name)))
				continue
			}
			q.sort = append(q.sort, SortKey{Attribute: attribute, Desc: desc})
		}
	}
}

// resolveAttribute resolves an exposed attribute name; "id" is rewritten to
// the exposed-id attribute.
func (q *InternalQuery) resolveAttribute(name string) *model.Attribute {
	if name == "id" || name == q.meta.ExposedID().Name {
		return q.meta.ExposedID()
	}
	if !q.meta.HasAttribute(name) {
		return nil
	}
	a, ok := q.meta.EntityType().Attribute(name)
	if !ok {
		return nil
	}
	return a
}

func (q *InternalQuery) parsePage() {
	get := func(key string) (int, bool) {
		values, ok := q.raw[key]
		if !ok || len(values) == 0 {
			return 0, false
		}
		n, err := strconv.Atoi(values[0])
		if err != nil || n < 0 {
			q.violations = append(q.violations, parameterViolation(key,
				fmt.Sprintf("Invalid numeric value %q.", values[0])))
			return 0, false
		}
		return n, true
	}

	_, hasOffsetRaw := q.raw["page[offset]"]
	_, hasLimitRaw := q.raw["page[limit]"]
	_, hasNumberRaw := q.raw["page[number]"]
	_, hasSizeRaw := q.raw["page[size]"]

	offset, okOffset := get("page[offset]")
	limit, okLimit := get("page[limit]")
	number, okNumber := get("page[number]")
	size, okSize := get("page[size]")

	switch {
	case hasOffsetRaw || hasLimitRaw:
		q.firstResult = 0
		if okOffset {
			q.firstResult = offset
		}
		q.maxResults = defaultWindowSize
		if okLimit {
			q.maxResults = limit
		}
	case hasNumberRaw || hasSizeRaw:
		pageSize := defaultWindowSize
		if okSize {
			pageSize = size
		}
		pageNumber := 1
		if okNumber && number > 0 {
			pageNumber = number
		}
		q.firstResult = (pageNumber - 1) * pageSize
		q.maxResults = pageSize
	default:
		q.firstResult = 0
		q.maxResults = -1
	}
}

// resolvePath walks a dotted path: intermediate segments are exposed
// relationship names, each optionally prefixed with '+' to request a left
// join; the final segment is an attribute ("id" is rewritten to the exposed
// id of the type reached).
func (b *Backend) resolvePath(meta *EntityMeta, path string) ([]FilterStep, *model.Attribute, error) {
	segments := strings.Split(path, ".")
	var steps []FilterStep
	current := meta
	for i := 0; i < len(segments)-1; i++ {
		segment := segments[i]
		outer := false
		if strings.HasPrefix(segment, "+") {
			outer = true
			segment = segment[1:]
		}
		rel, ok := current.Relationship(segment)
		if !ok {
			return nil, nil, fmt.Errorf("unknown relationship %q in path %q", segment, path)
		}
		next, ok := b.metaByEntity[rel.Target]
		if !ok {
			return nil, nil, fmt.Errorf("relationship %q in path %q targets an unregistered type", segment, path)
		}
		steps = append(steps, FilterStep{Rel: rel, Outer: outer})
		current = next
	}

	final := segments[len(segments)-1]
	if final == "id" || final == current.ExposedID().Name {
		return steps, current.ExposedID(), nil
	}
	if !current.HasAttribute(final) {
		return nil, nil, fmt.Errorf("unknown attribute %q in path %q", final, path)
	}
	attribute, ok := current.EntityType().Attribute(final)
	if !ok {
		return nil, nil, fmt.Errorf("unknown attribute %q in path %q", final, path)
	}
	return steps, attribute, nil
}
