package validation

import (
	"encoding/json"
	"sort"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/pkg/schema"
)

// VariablesSchema derives the JSON Schema a trigger payload must satisfy
// from the declared variables. Required variables with a default are not
// required in the payload. Returns nil when nothing is declared.
func VariablesSchema(vars []schema.Variable) []byte {
	if len(vars) == 0 {
		return nil
	}
	props := make(map[string]any, len(vars))
	var required []string
	for _, v := range vars {
		prop := map[string]any{}
		if v.Type != "" {
			prop["type"] = v.Type
		}
		props[v.Name] = prop
		if v.Required && v.Default == nil {
			required = append(required, v.Name)
		}
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}
	b, _ := json.Marshal(doc)
	return b
}

// ValidatePayload checks payload against the schema derived from vars.
func (v *JSONSchemaValidator) ValidatePayload(vars []schema.Variable, payload map[string]any) error {
	return v.ValidateInput(payload, VariablesSchema(vars))
}

// CheckPayloadSize rejects payloads whose JSON encoding exceeds maxBytes.
// A non-positive limit disables the check.
func CheckPayloadSize(payload map[string]any, maxBytes int) error {
	if maxBytes <= 0 || payload == nil {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return schema.ValidationError("payload is not serializable").WithCause(err)
	}
	if len(b) > maxBytes {
		return schema.ValidationError("payload is %d bytes, limit is %d", len(b), maxBytes).
			WithDetails(map[string]any{"size": len(b), "limit": maxBytes})
	}
	return nil
}

// Defaults returns the declared default of every variable that has one.
func Defaults(vars []schema.Variable) map[string]any {
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		if v.Default != nil {
			out[v.Name] = execution.CopyValue(v.Default)
		}
	}
	return out
}
