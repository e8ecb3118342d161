/*Package validate defines the constraint-validation capability the engine
consumes. The engine only sees the violation list; how violations are
produced is up to the implementation.
*/
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Violation is one failed constraint, addressed by a JSON pointer into the
// request document.
type Violation struct {
	Pointer string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Pointer, v.Message)
}

// Validator validates a resource document for a given resource type and
// HTTP method and returns all violations found. An empty result means the
// document is valid.
type Validator interface {
	Validate(ctx context.Context, resource string, document map[string]interface{}, method string) []Violation
}

// Func adapts a plain function to the Validator interface.
type Func func(ctx context.Context, resource string, document map[string]interface{}, method string) []Violation

// Validate implements Validator.
func (f Func) Validate(ctx context.Context, resource string, document map[string]interface{}, method string) []Violation {
	return f(ctx, resource, document, method)
}

// List runs several validators in order and concatenates their violations.
type List []Validator

// Validate implements Validator.
func (l List) Validate(ctx context.Context, resource string, document map[string]interface{}, method string) []Violation {
	var all []Violation
	for _, v := range l {
		all = append(all, v.Validate(ctx, resource, document, method)...)
	}
	return all
}

// SchemaValidator validates resource attributes against JSON schemas, one
// schema per resource type.
type SchemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaValidator compiles one JSON schema per resource type. The map
// key is the resource type name, the value the schema source.
func NewSchemaValidator(schemas map[string]string) (*SchemaValidator, error) {
	v := &SchemaValidator{schemas: map[string]*gojsonschema.Schema{}}
	for resource, src := range schemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema for %s: %w", resource, err)
		}
		v.schemas[resource] = schema
	}
	return v, nil
}

// HasSchema returns true if a schema is registered for the resource type.
func (v *SchemaValidator) HasSchema(resource string) bool {
	_, ok := v.schemas[resource]
	return ok
}

// Validate implements Validator. Resource types without a registered schema
// pass. Schema errors are mapped to JSON-pointer violations below
// /data/attributes.
func (v *SchemaValidator) Validate(ctx context.Context, resource string, document map[string]interface{}, method string) []Violation {
	schema, ok := v.schemas[resource]
	if !ok {
		return nil
	}
	jsonData, err := json.Marshal(document)
	if err != nil {
		return []Violation{{Pointer: "/data/attributes", Message: err.Error()}}
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return []Violation{{Pointer: "/data/attributes", Message: err.Error()}}
	}
	var violations []Violation
	for _, e := range result.Errors() {
		pointer := "/data/attributes"
		if field := e.Field(); field != "" && field != "(root)" {
			pointer = "/" + strings.ReplaceAll(field, ".", "/")
		}
		violations = append(violations, Violation{Pointer: pointer, Message: e.Description()})
	}
	return violations
}
