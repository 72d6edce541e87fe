package mock

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchema wraps a compiled JSON Schema document for the JSON_SCHEMA
// body match mode.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// CompileSchema parses and compiles a JSON Schema document, caching the
// result on the BodyMatcher so repeated matches against the same
// expectation don't recompile it.
func (m *BodyMatcher) CompileSchema() (*compiledSchema, error) {
	if m.schema != nil {
		return m.schema, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("expectation.json", bytes.NewReader([]byte(m.String))); err != nil {
		return nil, fmt.Errorf("compile body schema: %w", err)
	}
	sch, err := c.Compile("expectation.json")
	if err != nil {
		return nil, fmt.Errorf("compile body schema: %w", err)
	}
	m.schema = &compiledSchema{schema: sch}
	return m.schema, nil
}

// Validate reports whether the decoded JSON value satisfies the schema.
func (cs *compiledSchema) Validate(value any) bool {
	return cs.schema.Validate(value) == nil
}
