package execution

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// Namespaces addressable by dot paths.
const (
	NSPayload   = "payload"
	NSVariables = "variables"
	NSImpact    = "impact"
	NSRun       = "run"
)

// Resolve walks a dot path ("a.b.0.c") through nested maps and lists.
// Numeric segments index into lists. The boolean is false when any segment
// is missing.
func Resolve(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	current := root
	for _, seg := range strings.Split(path, ".") {
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(current any, seg string) (any, bool) {
	switch v := current.(type) {
	case map[string]any:
		val, ok := v[seg]
		return val, ok
	case map[string]float64:
		val, ok := v[seg]
		return val, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, false
		}
		return step(decoded, seg)
	default:
		return nil, false
	}
}

// LookupJSONPath evaluates a "$."-prefixed JSONPath expression against doc.
func LookupJSONPath(doc map[string]any, expr string) (any, bool) {
	val, err := jsonpath.JsonPathLookup(doc, expr)
	if err != nil {
		return nil, false
	}
	return val, true
}
