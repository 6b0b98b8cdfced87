package store

import (
	"encoding/json"
	"strings"
)

// The store keeps values as JSON trees: nested map[string]any nodes with
// scalar leaves. All backends share these helpers so path semantics
// (including slash-keyed batched updates) stay identical across them.

func splitPath(path string) ([]string, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 1 && segs[0] == "" {
		return nil, ErrInvalidPath
	}
	for _, s := range segs {
		if s == "" {
			return nil, ErrInvalidPath
		}
	}
	return segs, nil
}

// normalize round-trips a value through JSON so the tree only ever holds
// map[string]any nodes, []any, float64, string, bool and nil.
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func getNode(root map[string]any, segs []string) (any, bool) {
	var node any = root
	for _, seg := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// setNode writes value at segs, creating (or overwriting) intermediate
// nodes along the way.
func setNode(root map[string]any, segs []string, value any) {
	node := root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[seg] = child
		}
		node = child
	}
	node[segs[len(segs)-1]] = value
}

func removeNode(root map[string]any, segs []string) {
	node := root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			return
		}
		node = child
	}
	delete(node, segs[len(segs)-1])
}

// applyFields merges fields at base. Field keys may contain slashes and are
// resolved relative to base.
func applyFields(root map[string]any, base []string, fields map[string]any) error {
	for key, value := range fields {
		segs, err := splitPath(key)
		if err != nil {
			return err
		}
		normalized, err := normalize(value)
		if err != nil {
			return err
		}
		setNode(root, append(append([]string{}, base...), segs...), normalized)
	}
	return nil
}

// marshalNode renders the subtree at segs, or nil when absent.
func marshalNode(root map[string]any, segs []string) (json.RawMessage, error) {
	node, ok := getNode(root, segs)
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// decodeDoc parses a stored JSON document into a mutable tree. Absent or
// null documents decode to an empty tree.
func decodeDoc(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// isRelated reports whether a mutation at one path affects the value
// observed at the other: true when either path is a prefix of the other.
func isRelated(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
