package predicates

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// errUnresolved is the sentinel returned by Extract when a path segment is
// missing or an array index is out of range.
var errUnresolved = fmt.Errorf("json path: unresolved")

// Extract evaluates a dot-separated JSON path (with optional "name[index]"
// array indexing per segment) against doc, which must be valid JSON.
// Returns errUnresolved when any segment cannot be resolved.
func Extract(doc []byte, path string) (any, error) {
	var root any
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("json path: invalid document: %w", err)
	}
	if path == "" {
		return root, nil
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		key, idx, hasIdx := splitSegment(seg)
		if key != "" {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, errUnresolved
			}
			v, ok := m[key]
			if !ok {
				return nil, errUnresolved
			}
			cur = v
		}
		if hasIdx {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, errUnresolved
			}
			cur = arr[idx]
		}
	}
	return cur, nil
}

// splitSegment parses "name[idx]" into ("name", idx, true), "name" into
// ("name", 0, false), and "[idx]" into ("", idx, true).
func splitSegment(seg string) (key string, idx int, hasIdx bool) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, 0, false
	}
	close := strings.IndexByte(seg, ']')
	if close < open {
		return seg, 0, false
	}
	key = seg[:open]
	n, err := strconv.Atoi(seg[open+1 : close])
	if err != nil {
		return seg, 0, false
	}
	return key, n, true
}
