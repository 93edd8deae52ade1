package engine

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed reasoning_output.json
var outputSchemaJSON string

var (
	compileOnce  sync.Once
	outputSchema *jsonschema.Schema
	compileErr   error
)

// OutputSchema returns the compiled schema of the model's decision object.
func OutputSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("reasoning_output.json", strings.NewReader(outputSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("reasoning_output.json")
		if err != nil {
			compileErr = fmt.Errorf("compile reasoning output schema: %w", err)
			return
		}
		outputSchema = schema
	})
	return outputSchema, compileErr
}

// ValidateOutput checks raw JSON against the decision schema.
func ValidateOutput(raw string) error {
	schema, err := OutputSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("model output is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("model output does not match schema: %w", err)
	}
	return nil
}
