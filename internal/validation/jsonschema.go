package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/deriva/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	itemsSchemaURL    = "https://deriva.dev/schemas/items.json"
	bindingsSchemaURL = "https://deriva.dev/schemas/bindings.json"
)

// MaxBindings caps the number of preview variable bindings.
const MaxBindings = 200

// itemsSchemaJSON accepts either a bare array of items or the
// {"items": [...], "itemsEditor": [...]} envelope. Unknown item fields are
// tolerated so editors can store their own metadata.
const itemsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://deriva.dev/schemas/items.json",
  "oneOf": [
    { "$ref": "#/$defs/itemArray" },
    {
      "type": "object",
      "properties": {
        "items": { "$ref": "#/$defs/itemArray" },
        "itemsEditor": { "$ref": "#/$defs/itemArray" }
      }
    }
  ],
  "$defs": {
    "itemArray": {
      "type": "array",
      "items": { "$ref": "#/$defs/item" }
    },
    "optionalNumber": {
      "type": ["number", "null"]
    },
    "input": {
      "type": "object",
      "properties": {
        "key": { "type": "string" },
        "sourceState": { "type": "string" },
        "jsonPath": { "type": "string" },
        "noNegative": { "type": "boolean" }
      }
    },
    "item": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "name": { "type": "string" },
        "group": { "type": "string" },
        "targetId": { "type": "string" },
        "mode": { "type": "string", "enum": ["", "source", "formula"] },
        "sourceState": { "type": "string" },
        "jsonPath": { "type": "string" },
        "formula": { "type": "string" },
        "inputs": {
          "type": "array",
          "items": { "$ref": "#/$defs/input" }
        },
        "type": { "type": "string", "enum": ["", "number", "boolean", "string", "mixed"] },
        "noNegative": { "type": "boolean" },
        "clamp": { "type": "boolean" },
        "min": { "$ref": "#/$defs/optionalNumber" },
        "max": { "$ref": "#/$defs/optionalNumber" },
        "role": { "type": "string" },
        "unit": { "type": "string" },
        "_title": { "type": "string" }
      }
    }
  }
}`

// bindingsSchemaJSON constrains preview variable names.
const bindingsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://deriva.dev/schemas/bindings.json",
  "type": "object",
  "maxProperties": 200,
  "propertyNames": {
    "pattern": "^[A-Za-z_][A-Za-z0-9_]*$",
    "not": { "enum": ["__proto__", "prototype", "constructor"] }
  }
}`

// JSONSchemaValidator implements Validator. It is safe for concurrent use:
// compiled schemas are immutable.
type JSONSchemaValidator struct {
	itemsSchema    *jsonschema.Schema
	bindingsSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with both schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, src := range map[string]string{
		itemsSchemaURL:    itemsSchemaJSON,
		bindingsSchemaURL: bindingsSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	items, err := c.Compile(itemsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile items schema: %w", err)
	}
	bindings, err := c.Compile(bindingsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile bindings schema: %w", err)
	}

	return &JSONSchemaValidator{itemsSchema: items, bindingsSchema: bindings}, nil
}

// ValidateItems validates a raw item list document.
func (v *JSONSchemaValidator) ValidateItems(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "item list is empty")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "item list is not valid JSON").WithCause(err)
	}
	if err := v.itemsSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}

	return nil
}

// ValidateBindings validates preview variable names and count.
func (v *JSONSchemaValidator) ValidateBindings(vars map[string]any) error {
	if vars == nil {
		return nil
	}
	names := make(map[string]any, len(vars))
	for k := range vars {
		names[k] = true
	}
	doc, err := toJSONValue(names)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize bindings").WithCause(err)
	}
	if err := v.bindingsSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a schema.Error
// listing each violation with its instance location.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)
