package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Parameter schemas for the built-in methods.
const (
	chatSendSchema = `{
		"type": "object",
		"required": ["thread", "text"],
		"additionalProperties": false,
		"properties": {
			"thread": {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9._:-]+$"},
			"text":   {"type": "string", "minLength": 1, "maxLength": 16000},
			"author": {"type": "string", "maxLength": 128}
		}
	}`

	emptySchema = `{"type": "object", "additionalProperties": false}`
)

// compileSchema parses a JSON schema document.
func compileSchema(doc string) (*gojsonschema.Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

// validateParams checks params against schema. A nil schema accepts
// anything.
func validateParams(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}
