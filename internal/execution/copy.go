package execution

import "encoding/json"

// CopyMap returns a deep copy of m.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = CopyValue(v)
	}
	return cp
}

// CopyValue recursively copies maps, lists and raw JSON. Scalars are returned as is.
func CopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = CopyValue(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

func copyImpact(m map[string]float64) map[string]float64 {
	cp := make(map[string]float64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
