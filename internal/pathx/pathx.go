// Package pathx resolves dot-separated paths inside decoded JSON trees.
package pathx

import "strings"

// Resolve returns the non-empty string found at the dot-separated path in
// tree. It reports false when a segment is missing, when the path walks
// into something that is not an object, or when the final value is not a
// non-empty string.
func Resolve(tree map[string]any, path string) (string, bool) {
	if tree == nil || path == "" {
		return "", false
	}
	var cur any = tree
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return "", false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return "", false
			}
			cur = v
		default:
			return "", false
		}
	}
	s, ok := cur.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
