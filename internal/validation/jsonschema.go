package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/spiral/pkg/schema"
)

const workflowSchemaURL = "https://spiral.rendis.dev/schemas/workflow.json"

// workflowSchemaJSON is the structural schema of a workflow document.
// Kinds and operators are left open here: unknown values are configuration
// errors reported by the semantic stage.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://spiral.rendis.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "trigger", "actions"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1, "maxLength": 200 },
    "description": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "enabled": { "type": "boolean" },
    "trigger": { "$ref": "#/$defs/trigger" },
    "actions": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/action" }
    },
    "variables": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/variable" }
    },
    "rate_limit": {
      "type": ["object", "null"],
      "required": ["max_executions", "window_ms"],
      "properties": {
        "max_executions": { "type": "integer", "minimum": 1 },
        "window_ms": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "security": {
      "type": ["object", "null"],
      "properties": {
        "allowed_hosts": { "type": ["array", "null"], "items": { "type": "string", "minLength": 1 } },
        "max_payload_bytes": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "owner": { "type": "string" },
    "stats": { "type": "object" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^(([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+|.*\\{\\{.*\\}\\}.*)$"
    },
    "trigger": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "minLength": 1 },
        "config": {},
        "conditions": { "$ref": "#/$defs/conditions" }
      },
      "additionalProperties": false
    },
    "conditions": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/condition" }
    },
    "condition": {
      "type": "object",
      "properties": {
        "field": { "type": "string" },
        "operator": { "type": "string" },
        "value": {},
        "logic": { "type": "string" },
        "conditions": { "$ref": "#/$defs/conditions" },
        "expression": { "type": "string" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "kind": { "type": "string", "minLength": 1 },
        "config": {},
        "conditions": { "$ref": "#/$defs/conditions" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" },
        "continue_on_error": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": ["object", "null"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "strategy": { "type": "string", "enum": ["", "fixed", "linear", "exponential"] },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "variable": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["", "string", "number", "integer", "boolean", "object", "array"] },
        "default": {},
        "required": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow documents against the embedded
// schema and payloads against schemas compiled on demand.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a workflow, or its raw JSON encoding, against the
// workflow schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.ValidationError("workflow document is nil")
	}
	var (
		value any
		err   error
	)
	switch d := doc.(type) {
	case []byte:
		value, err = jsonschema.UnmarshalJSON(strings.NewReader(string(d)))
	case json.RawMessage:
		value, err = jsonschema.UnmarshalJSON(strings.NewReader(string(d)))
	default:
		value, err = toJSONValue(d)
	}
	if err != nil {
		return schema.ValidationError("workflow document is not valid JSON").WithCause(err)
	}
	if err := v.workflowSchema.Validate(value); err != nil {
		return toSpiralError(err)
	}
	return nil
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid payload schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.ValidationError("payload is not serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSpiralError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("https://spiral.rendis.dev/schemas/payload/%d.json", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toSpiralError(err error) *schema.SpiralError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.ValidationError("%s", err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.ValidationError("%s", verr.Error())
	case 1:
		return schema.ValidationError("%s", violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.ValidationError("validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens the error tree into leaf messages prefixed with
// their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
