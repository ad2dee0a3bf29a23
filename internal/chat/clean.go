package chat

import (
	"fmt"
	"reflect"
	"sort"
)

// Clean recursively rewrites set-typed values (maps with empty-struct
// elements) into sorted slices so the structure can be JSON-encoded.
// Mappings and slices are rebuilt preserving their structure; scalars pass
// through unchanged. Clean is pure and idempotent; input containing no sets
// comes back deep-equal.
func Clean(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = Clean(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Clean(val)
		}
		return out
	case map[string]struct{}:
		return sortedSetKeys(v)
	case nil:
		return nil
	}

	// Set maps with non-string keys only show up via reflection.
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Map && isEmptyStruct(rv.Type().Elem()) {
		out := make([]any, 0, rv.Len())
		for _, key := range rv.MapKeys() {
			out = append(out, key.Interface())
		}
		sort.Slice(out, func(i, j int) bool {
			return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
		})
		return out
	}
	return value
}

func sortedSetKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isEmptyStruct(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && t.NumField() == 0
}
