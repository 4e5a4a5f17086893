package engine

import "strings"

// ResolveMapping computes a target's incoming partial input from an
// upstream's output and the edge's declared mapping. A mapping value
// is either a dotted path into output or, if unresolvable as a path, a
// literal. An unknown key or a non-map value along a path walk makes the
// path unresolvable, so the literal is used; it never errors or panics.
func ResolveMapping(mapping map[string]string, output interface{}) map[string]interface{} {
	resolved := make(map[string]interface{}, len(mapping))
	for targetKey, sourcePath := range mapping {
		if value, ok := walkPath(output, sourcePath); ok {
			resolved[targetKey] = value
		} else {
			// Not a resolvable path against this output shape: treat the
			// raw mapping value as a literal.
			resolved[targetKey] = sourcePath
		}
	}
	return resolved
}

// propagated is the payload an edge delivers downstream: the resolved
// mapping when one is declared, otherwise the whole output passed through
// unmapped. Primitive outputs pass through as-is so the merge policy can
// wrap them rather than losing them in an empty map.
func propagated(mapping map[string]string, output interface{}) interface{} {
	if len(mapping) > 0 {
		return ResolveMapping(mapping, output)
	}
	return output
}

// walkPath resolves a dotted path (e.g. "foo.bar") against a value that is
// expected to be a map. Returns ok=false if any segment is missing or the
// value at any point is not a map, so the caller can fall back to treating
// the path string as a literal.
func walkPath(value interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	current := value
	for _, seg := range segments {
		asMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		next, exists := asMap[seg]
		if !exists {
			return nil, false
		}
		current = next
	}
	return current, true
}
