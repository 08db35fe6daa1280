package storage

import "encoding/json"

// Flatten converts a nested payload into a flat mapping of dotted-path
// keys to scalar values. Nested objects are recursed into with their key
// joined by "."; arrays are serialized whole to a JSON string at their
// path, never element-by-element.
// Example: {"test": {"foo": "bar"}} becomes {"test.foo": "bar"}.
func Flatten(doc map[string]any) map[string]any {
	flat := make(map[string]any, len(doc))
	flattenInto(flat, "", doc)
	return flat
}

func flattenInto(dst map[string]any, prefix string, obj map[string]any) {
	for key, value := range obj {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		switch v := value.(type) {
		case map[string]any:
			flattenInto(dst, path, v)
		case []any:
			b, _ := json.Marshal(v)
			dst[path] = string(b)
		default:
			dst[path] = value
		}
	}
}
