package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/okapi-tech/okapi/core/logger"
)

// Accessor is a typed get/set pair for one attribute. The set side performs
// wire-value coercion for the attribute's declared kind. Accessor tables are
// built once when the schema is frozen.
type Accessor struct {
	Get func(r *Record) (interface{}, bool)
	Set func(r *Record, v interface{}) error
}

func buildAccessors(t *EntityType) map[string]Accessor {
	accessors := map[string]Accessor{}
	bind := func(a *Attribute) {
		attr := a
		accessors[attr.Name] = Accessor{
			Get: func(r *Record) (interface{}, bool) {
				v, ok := r.values[attr.Name]
				return v, ok
			},
			Set: func(r *Record, v interface{}) error {
				coerced, err := Coerce(*attr, v)
				if err != nil {
					return err
				}
				r.values[attr.Name] = coerced
				return nil
			},
		}
	}
	bind(&t.Key)
	for i := range t.Attributes {
		bind(&t.Attributes[i])
	}
	return accessors
}

// Coerce converts a decoded JSON value to the in-memory representation of
// the attribute's declared kind.
//
// Booleans accept true/false, and null for nullable targets. Numeric kinds
// accept a JSON number; integral targets truncate through an intermediate
// int64 conversion, so an out-of-range value wraps rather than erroring.
// Unknown kinds log and null out.
func Coerce(attr Attribute, v interface{}) (interface{}, error) {
	if v == nil {
		if !attr.Nullable {
			return nil, fmt.Errorf("attribute %s must not be null", attr.Name)
		}
		return nil, nil
	}
	switch attr.Kind {
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("attribute %s expects a string", attr.Name)
		}
		return s, nil
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("attribute %s expects a boolean", attr.Name)
		}
		return b, nil
	case Int8, Int16, Int32, Int64:
		i, err := toInt64(attr, v)
		if err != nil {
			return nil, err
		}
		switch attr.Kind {
		case Int8:
			return int8(i), nil
		case Int16:
			return int16(i), nil
		case Int32:
			return int32(i), nil
		}
		return i, nil
	case Float32:
		f, err := toFloat64(attr, v)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case Float64:
		return toFloat64(attr, v)
	case Decimal:
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		case string:
			if _, err := strconv.ParseFloat(n, 64); err != nil {
				return nil, fmt.Errorf("attribute %s expects a number", attr.Name)
			}
			return n, nil
		}
		return nil, fmt.Errorf("attribute %s expects a number", attr.Name)
	case Time:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("attribute %s expects an RFC3339 timestamp", attr.Name)
			}
			return parsed.UTC(), nil
		}
		return nil, fmt.Errorf("attribute %s expects an RFC3339 timestamp", attr.Name)
	case UUID:
		switch id := v.(type) {
		case uuid.UUID:
			return id, nil
		case string:
			parsed, err := uuid.Parse(id)
			if err != nil {
				return nil, fmt.Errorf("attribute %s expects a uuid", attr.Name)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("attribute %s expects a uuid", attr.Name)
	}
	logger.Default().Warnf("attribute %s has unsupported kind %v, value dropped", attr.Name, attr.Kind)
	return nil, nil
}

func toInt64(attr Attribute, v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	}
	return 0, fmt.Errorf("attribute %s expects a number", attr.Name)
}

func toFloat64(attr Attribute, v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("attribute %s expects a number", attr.Name)
}

// ParseString converts the string representation of a value to the
// attribute's kind. This is the default id reader for exposed identifiers.
func ParseString(attr Attribute, s string) (interface{}, error) {
	switch attr.Kind {
	case String:
		return s, nil
	case Bool:
		return strconv.ParseBool(s)
	case Int8, Int16, Int32, Int64:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return Coerce(attr, i)
	case Float32, Float64, Decimal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return Coerce(attr, f)
	case Time:
		return Coerce(attr, s)
	case UUID:
		return uuid.Parse(s)
	}
	return s, nil
}
