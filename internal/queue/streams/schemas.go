package streams

import "fmt"

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventSnapshot,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["conv_id", "snapshot"],
  "properties": {
    "conv_id": {"type": "string", "minLength": 1},
    "snapshot": {"type": "string"}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventDone,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["conv_id"],
  "properties": {
    "conv_id": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`),
	},
}

// RegisterBaseSchemas loads the conversation event schemas into reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
