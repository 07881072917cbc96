// ABOUTME: Structural diff of raw configuration trees
// ABOUTME: Emits sorted dot-paths of changed leaves; arrays are compared as a whole

package reload

import (
	"reflect"
	"sort"
)

// Diff returns the sorted dot-paths whose values differ between prev and next.
func Diff(prev, next map[string]any) []string {
	var out []string
	diffInto(&out, "", prev, next)
	sort.Strings(out)
	return out
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func diffInto(out *[]string, prefix string, prev, next map[string]any) {
	for key, a := range prev {
		b, ok := next[key]
		if !ok {
			leaves(out, join(prefix, key), a)
			continue
		}
		diffValue(out, join(prefix, key), a, b)
	}
	for key, b := range next {
		if _, ok := prev[key]; !ok {
			leaves(out, join(prefix, key), b)
		}
	}
}

func diffValue(out *[]string, path string, a, b any) {
	am, aIsMap := asMap(a)
	bm, bIsMap := asMap(b)
	if aIsMap && bIsMap {
		diffInto(out, path, am, bm)
		return
	}
	if !reflect.DeepEqual(a, b) {
		*out = append(*out, path)
	}
}

// leaves records every leaf under v, or path itself when v has none.
func leaves(out *[]string, path string, v any) {
	m, ok := asMap(v)
	if !ok || len(m) == 0 {
		*out = append(*out, path)
		return
	}
	for key, child := range m {
		leaves(out, join(path, key), child)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		conv := make(map[string]any, len(m))
		for k, val := range m {
			if s, ok := k.(string); ok {
				conv[s] = val
			}
		}
		return conv, true
	}
	return nil, false
}
