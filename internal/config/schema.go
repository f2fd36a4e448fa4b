package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("invalid schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("schema.json")
	})
	return schema, schemaErr
}

// Schema returns the JSON schema configuration documents must satisfy.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

// checkSchema decodes data generically and validates it against the schema.
// YAML documents are normalized through JSON so the validator sees the same
// value types either way.
func checkSchema(data []byte, unmarshal func([]byte, interface{}) error) error {
	var doc interface{}
	if err := unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		// Empty document
		return nil
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	var value interface{}
	if err := json.Unmarshal(normalized, &value); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(value); err != nil {
		return &ValidationErrors{Errors: schemaErrors(err)}
	}
	return nil
}

// schemaErrors flattens a jsonschema validation error into field errors.
func schemaErrors(err error) []*ValidationError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []*ValidationError{{Message: err.Error()}}
	}

	var out []*ValidationError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, &ValidationError{Field: e.InstanceLocation, Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}
