package httpapi

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const recordSchemaURL = "https://labsync.local/schemas/record.json"

// DefaultRecordSchema accepts any record with an id, an RFC 3339 updatedAt and an object
// payload. Deployments can narrow it per collection with ServerConfig.RecordSchema.
var DefaultRecordSchema = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "updatedAt"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 200},
    "updatedAt": {"type": "string", "minLength": 1},
    "ownerId": {"type": "string"},
    "payload": {"type": ["object", "null"]}
  }
}`)

func compileRecordSchema(doc []byte) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		doc = DefaultRecordSchema
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse record schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(recordSchemaURL, parsed); err != nil {
		return nil, fmt.Errorf("load record schema: %w", err)
	}
	schema, err := compiler.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return schema, nil
}

// validateRecordBody checks a raw request body against the record schema. A record
// written to /records/{id} may omit its id; pathID fills it in before validation.
func validateRecordBody(schema *jsonschema.Schema, body []byte, pathID string) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	if obj, ok := instance.(map[string]any); ok && pathID != "" {
		if _, has := obj["id"]; !has {
			obj["id"] = pathID
		}
	}
	return schema.Validate(instance)
}
