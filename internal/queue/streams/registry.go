package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry stores compiled JSON Schemas keyed by event type and payload version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry constructs an empty registry instance.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// NewBaseRegistry returns a registry preloaded with the conversation event schemas.
func NewBaseRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func schemaKey(eventType, version string) string { return eventType + "@" + version }

// Register compiles and stores a JSON schema for the given event type and version.
func (r *SchemaRegistry) Register(eventType, version string, schemaBytes []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("event type and version must be provided")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schema for %s is empty", eventType)
	}
	url := schemaKey(eventType, version) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	r.mu.Lock()
	r.schemas[schemaKey(eventType, version)] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload bytes against the registered schema for event type/version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[schemaKey(eventType, version)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for event %q version %q", eventType, version)
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload validation failed: %w", err)
	}
	return nil
}
