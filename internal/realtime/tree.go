package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SplitPath validates a path and returns its segments. The empty path (or
// "/") addresses the root.
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("realtime: invalid path %q: empty segment", path)
		}
		if strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("realtime: invalid path %q: illegal character in %q", path, s)
		}
	}
	return segs, nil
}

// JoinPath joins path segments with slashes, skipping empty ones.
func JoinPath(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// Overlaps reports whether a write at one path can change the value seen at
// the other, i.e. one is a prefix of the other.
func Overlaps(a, b []string) bool {
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

// Normalize converts v into the store's canonical form: JSON objects become
// map[string]any, numbers json.Number, empty objects and nulls are dropped,
// and ServerTimestamp sentinels resolve to nowMillis.
func Normalize(v any, nowMillis int64) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode value: %w", err)
	}
	out, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	return prune(resolve(out, nowMillis)), nil
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("realtime: decode value: %w", err)
	}
	return out, nil
}

func resolve(v any, now int64) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 && t[".sv"] == "timestamp" {
			return json.Number(strconv.FormatInt(now, 10))
		}
		for k, c := range t {
			t[k] = resolve(c, now)
		}
	case []any:
		for i, c := range t {
			t[i] = resolve(c, now)
		}
	}
	return v
}

func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, c := range m {
		if c = prune(c); c == nil {
			delete(m, k)
		} else {
			m[k] = c
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Flatten returns the leaves of v keyed by their full path under prefix.
// Arrays and scalars are leaves.
func Flatten(prefix string, v any) map[string]any {
	leaves := make(map[string]any)
	flattenInto(leaves, prefix, v)
	return leaves
}

func flattenInto(leaves map[string]any, prefix string, v any) {
	m, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			leaves[prefix] = v
		}
		return
	}
	for k, c := range m {
		flattenInto(leaves, JoinPath(prefix, k), c)
	}
}

// Assemble rebuilds the value at base from leaves keyed by full path.
func Assemble(base []string, leaves map[string]any) any {
	var root any
	for path, v := range leaves {
		segs, err := SplitPath(path)
		if err != nil || len(segs) < len(base) {
			continue
		}
		rel := segs[len(base):]
		if len(rel) == 0 {
			return deepCopy(v)
		}
		if root == nil {
			root = map[string]any{}
		}
		root = setAt(root, rel, deepCopy(v))
	}
	return root
}

// getAt returns the value at segs, or nil.
func getAt(root any, segs []string) any {
	cur := root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[s]
	}
	return cur
}

// setAt writes v at segs below root and returns the (possibly new) root.
// A nil v deletes and prunes empty parents.
func setAt(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := root.(map[string]any)
	if !ok {
		if v == nil {
			return root
		}
		m = map[string]any{}
	}
	child := setAt(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = deepCopy(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = deepCopy(c)
		}
		return out
	default:
		return v
	}
}

// canonical returns a stable encoding of v used to suppress duplicate
// deliveries. encoding/json sorts map keys.
func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
