// Package validation checks JSON arguments against JSON Schemas compiled with
// santhosh-tekuri/jsonschema and cached by name.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator validates payloads against named schemas.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator returns a validator with an empty schema cache.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles definition eagerly so a broken schema fails at startup.
func (v *SchemaValidator) Register(name string, definition []byte) error {
	if name == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(definition) == 0 {
		return fmt.Errorf("schema %s: definition is required", name)
	}

	compiled, err := compile(name, definition)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[name] = compiled
	return nil
}

// Has reports whether a schema is registered under name.
func (v *SchemaValidator) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.cache[name]
	return ok
}

// Validate ensures the payload matches the schema registered under name.
// An empty payload is validated as an empty object.
func (v *SchemaValidator) Validate(name string, payload []byte) error {
	v.mu.RLock()
	compiled, ok := v.cache[name]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for %s", name)
	}

	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = []byte("{}")
	}

	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if err := compiled.Validate(document); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	return nil
}

func compile(name string, definition []byte) (*jsonschema.Schema, error) {
	key := cacheKey(name)

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(key, bytes.NewReader(definition)); err != nil {
		return nil, fmt.Errorf("register schema %s: %w", name, err)
	}

	compiled, err := compiler.Compile(key)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

func cacheKey(name string) string {
	return fmt.Sprintf("memory://schemas/%s.json", name)
}
