package prd

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// prdSchema is the JSON Schema every PRD file must satisfy before any
// structural validation runs. Keeping it strict here means the rest of the
// package can assume well-typed input.
const prdSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["project", "branchName", "userStories"],
  "properties": {
    "project": {"type": "string"},
    "branchName": {"type": "string", "minLength": 1},
    "userStories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "priority"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "acceptanceCriteria": {"type": "array", "items": {"type": "string"}},
          "priority": {"type": "integer"},
          "blockedBy": {"type": "array", "items": {"type": "string"}},
          "passes": {"type": "boolean"},
          "notes": {"type": "string"},
          "status": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("prd.schema.json", prdSchema)

// validateSchema checks raw PRD bytes against the embedded schema.
// Returns ErrMalformedInput-wrapped errors for both bad JSON and schema
// violations so callers only need one sentinel.
func validateSchema(data []byte) error {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return nil
}
