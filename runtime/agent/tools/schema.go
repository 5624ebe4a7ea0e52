package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ParamValidator validates a tool call's raw JSON arguments against a
// ToolSpec's declared Payload.Schema. Validation is pure: identical
// (schema, params) always yields the identical verdict, which is what the
// runtime relies on for retry-hint generation and for the "determinism of
// parameter validation" property.
type ParamValidator struct {
	mu     sync.RWMutex
	schema map[Ident]*jsonschema.Schema
}

// NewParamValidator returns a validator with no compiled schemas. Call
// Register for each ToolSpec whose Payload.Schema should be enforced;
// tools registered with an empty schema are accepted unconditionally by
// Validate, and Validate returns an error for a tool never registered.
func NewParamValidator() *ParamValidator {
	return &ParamValidator{schema: make(map[Ident]*jsonschema.Schema)}
}

// Register compiles spec.Payload.Schema and associates it with spec.Name.
// A tool declared with an empty schema is registered as unconstrained.
func (v *ParamValidator) Register(spec *ToolSpec) error {
	if spec == nil {
		return fmt.Errorf("tools: nil ToolSpec")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(spec.Payload.Schema) == 0 {
		v.schema[spec.Name] = nil
		return nil
	}
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(spec.Payload.Schema, &doc); err != nil {
		return fmt.Errorf("tools: decode schema for %s: %w", spec.Name, err)
	}
	resourceName := string(spec.Name) + ".json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return fmt.Errorf("tools: add schema resource for %s: %w", spec.Name, err)
	}
	sch, err := c.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", spec.Name, err)
	}
	v.schema[spec.Name] = sch
	return nil
}

// Issue describes one schema-validation failure against a field.
type Issue = FieldIssue

// Validate checks raw (a tool call's JSON-encoded arguments) against the
// schema registered for name. It returns the decoded issues on a schema
// violation (callers surface these as a "schema" ActionResult error per the
// runtime's error-kind contract) and a plain error only for malformed JSON
// or an unregistered tool.
func (v *ParamValidator) Validate(name Ident, raw []byte) ([]Issue, error) {
	v.mu.RLock()
	sch, ok := v.schema[name]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: no schema registered for %s", name)
	}
	if sch == nil {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("tools: decode arguments for %s: %w", name, err)
	}
	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return nil, err
		}
		return issuesFromValidationError(ve), nil
	}
	return nil, nil
}

func issuesFromValidationError(ve *jsonschema.ValidationError) []Issue {
	var issues []Issue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := "/"
			if len(e.InstanceLocation) > 0 {
				field = "/" + joinPath(e.InstanceLocation)
			}
			issues = append(issues, Issue{
				Field:      field,
				Constraint: e.Error(),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return issues
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}
