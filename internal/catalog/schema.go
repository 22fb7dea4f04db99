package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchema = `{
	"type": "object",
	"required": ["tools"],
	"properties": {
		"tools": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"condition": {"enum": ["private_data", "untrusted_content", "exfiltration_vector", "", null]},
					"description": {"type": "string"}
				}
			}
		},
		"conditions": {
			"type": "object",
			"propertyNames": {"enum": ["private_data", "untrusted_content", "exfiltration_vector"]},
			"additionalProperties": {"type": "object"}
		}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func catalogSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
		if err != nil {
			schemaErr = fmt.Errorf("catalog schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("catalog.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("catalog schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("catalog.schema.json")
	})
	return compiledSchema, schemaErr
}

// validateDocument checks a decoded catalog against the schema and returns
// its JSON encoding for typed decoding.
func validateDocument(raw map[string]any) ([]byte, error) {
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog is not JSON-compatible: %w", err)
	}

	sch, err := catalogSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalized))
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("catalog schema validation failed: %w", err)
	}
	return normalized, nil
}
