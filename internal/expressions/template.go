package expressions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/spiral/pkg/schema"
)

// LookupFunc resolves a field path. The boolean is false for missing paths.
type LookupFunc func(path string) (any, bool)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// HasTemplate reports whether s contains a {{...}} reference.
func HasTemplate(s string) bool {
	return strings.Contains(s, openDelim)
}

// Render substitutes every {{path}} in s with its stringified value.
// Missing paths render as the empty string.
func Render(s string, lookup LookupFunc) (string, error) {
	if !HasTemplate(s) {
		return s, nil
	}

	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openDelim)
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])

		start := i + idx + len(openDelim)
		end := strings.Index(s[start:], closeDelim)
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed %s in %q", openDelim, s)
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		if path == "" {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation, "empty reference in %q", s)
		}
		if strings.Contains(path, openDelim) {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation, "nested reference in %q", s)
		}

		if val, ok := lookup(path); ok {
			out.WriteString(Stringify(val))
		}
		i = end + len(closeDelim)
	}
	return out.String(), nil
}

// wholeReference returns the path when s is exactly one {{path}} reference.
func wholeReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, openDelim) || !strings.HasSuffix(t, closeDelim) {
		return "", false
	}
	inner := t[len(openDelim) : len(t)-len(closeDelim)]
	if strings.Contains(inner, openDelim) || strings.Contains(inner, closeDelim) {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	return inner, inner != ""
}

// ResolveValue walks maps and lists and renders every string in v.
// A string that is a single reference keeps the referenced value's native type.
func ResolveValue(v any, lookup LookupFunc) (any, error) {
	switch val := v.(type) {
	case string:
		if path, ok := wholeReference(val); ok {
			resolved, found := lookup(path)
			if !found {
				return nil, nil
			}
			return resolved, nil
		}
		return Render(val, lookup)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := ResolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ResolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveConfig renders raw action configuration and decodes it into out.
func ResolveConfig(raw json.RawMessage, lookup LookupFunc, out any) error {
	if len(raw) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid config: %s", err.Error()).WithCause(err)
	}
	resolved, err := ResolveValue(decoded, lookup)
	if err != nil {
		return err
	}
	resolved = coerceStrings(resolved, reflect.TypeOf(out))
	buf, err := json.Marshal(resolved)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInterpolation, "re-encode config: %s", err.Error()).WithCause(err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "config does not match action shape: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Stringify renders a value for embedding in text. Maps and lists become JSON,
// nil becomes the empty string.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any, []any:
		buf, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(buf)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// coerceStrings stringifies values that landed on string-typed fields of t,
// such as a whole {{path}} reference to a number or an object.
func coerceStrings(v any, t reflect.Type) any {
	if v == nil || t == nil {
		return v
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		if _, ok := v.(string); !ok {
			return Stringify(v)
		}
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := jsonName(f)
			if name == "" {
				continue
			}
			for k, item := range m {
				if strings.EqualFold(k, name) {
					m[k] = coerceStrings(item, f.Type)
				}
			}
		}
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return v
		}
		if list, ok := v.([]any); ok {
			for i := range list {
				list[i] = coerceStrings(list[i], t.Elem())
			}
		}
	case reflect.Map:
		if m, ok := v.(map[string]any); ok && t.Key().Kind() == reflect.String {
			for k, item := range m {
				m[k] = coerceStrings(item, t.Elem())
			}
		}
	}
	return v
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return f.Name
}
