package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/data-config-v1.json
var dataConfigSchemaJSON string

// DataConfigValidator checks a device group's data_config against the
// embedded JSON schema.
type DataConfigValidator struct {
	schema *jsonschema.Schema
}

func NewDataConfigValidator() (*DataConfigValidator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("data-config-v1.json",
		strings.NewReader(dataConfigSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("data-config-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &DataConfigValidator{schema: schema}, nil
}

func (v *DataConfigValidator) Validate(dataConfig map[string]any) error {
	if dataConfig == nil {
		return nil
	}

	// Round trip through JSON so YAML ints and nested maps become the
	// generic types the validator expects.
	data, err := json.Marshal(dataConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal data_config: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	for key, raw := range doc.(map[string]interface{}) {
		if !strings.HasSuffix(key, "_range") {
			continue
		}
		bounds, ok := raw.([]interface{})
		if !ok || len(bounds) != 2 {
			continue
		}
		lo, _ := bounds[0].(float64)
		hi, _ := bounds[1].(float64)
		if lo > hi {
			return fmt.Errorf("%s: lower bound %g exceeds upper bound %g", key, lo, hi)
		}
	}

	return nil
}
