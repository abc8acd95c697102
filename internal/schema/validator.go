package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates message content against JSON schemas
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates a new schema validator
func NewValidator() *Validator {
	return &Validator{
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Validate validates a payload against a schema definition
func (v *Validator) Validate(payload []byte, schemaDefinition []byte) error {
	var payloadJSON interface{}
	if err := json.Unmarshal(payload, &payloadJSON); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	compiled, err := v.CompileSchema(schemaDefinition)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	if err := compiled.Validate(payloadJSON); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// CompileSchema compiles a schema definition and caches it
func (v *Validator) CompileSchema(schemaDefinition []byte) (*jsonschema.Schema, error) {
	cacheKey := string(schemaDefinition)

	v.mu.RLock()
	if compiled, exists := v.compiled[cacheKey]; exists {
		v.mu.RUnlock()
		return compiled, nil
	}
	v.mu.RUnlock()

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaDefinition)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	v.mu.Lock()
	v.compiled[cacheKey] = compiled
	v.mu.Unlock()

	return compiled, nil
}

// ClearCache clears the compiled schema cache
func (v *Validator) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.compiled = make(map[string]*jsonschema.Schema)
}
