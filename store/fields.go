package store

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Fields is a document body or a partial write. Keys may be dotted paths.
type Fields map[string]any

// Inc is a write sentinel that atomically adds N to a numeric field.
// An absent field counts as 0.
type Inc struct {
	N int64
}

// Increment returns an Inc sentinel adding n.
func Increment(n int64) Inc { return Inc{N: n} }

// CreateOnly is a write sentinel whose value is written only when the write
// produces a fresh document body: a create, an upsert of a missing document
// or a replace. Merges into an existing document skip it.
type CreateOnly struct {
	Value any
}

// OnCreate wraps v so it is only written on document creation.
func OnCreate(v any) CreateOnly { return CreateOnly{Value: v} }

// Changes is a flattened write split by how each leaf is applied.
type Changes struct {
	Set         map[string]any
	Inc         map[string]int64
	SetOnInsert map[string]any
}

// Empty reports whether the write has no leaves at all.
func (c Changes) Empty() bool {
	return len(c.Set) == 0 && len(c.Inc) == 0 && len(c.SetOnInsert) == 0
}

// Split flattens data and sorts every leaf into set, increment and
// create-only buckets.
func Split(data Fields) Changes {
	c := Changes{
		Set:         make(map[string]any),
		Inc:         make(map[string]int64),
		SetOnInsert: make(map[string]any),
	}
	for k, v := range data.Flatten() {
		switch tv := v.(type) {
		case Inc:
			c.Inc[k] += tv.N
		case CreateOnly:
			c.SetOnInsert[k] = tv.Value
		default:
			c.Set[k] = v
		}
	}
	return c
}

// Flatten returns a copy of f where nested maps are expanded into dotted
// leaf keys. Empty nested maps stay leaves.
func (f Fields) Flatten() Fields {
	out := make(Fields, len(f))
	flattenInto(out, "", f)
	return out
}

func flattenInto(out Fields, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		nested, ok := asMap(v)
		if ok && len(nested) > 0 {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// Lookup walks a dotted key through nested maps.
func (f Fields) Lookup(key string) (any, bool) {
	if v, ok := f[key]; ok {
		return v, true
	}
	var cur any = map[string]any(f)
	for _, part := range strings.Split(key, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes v at a dotted key, creating intermediate maps and replacing
// non-map intermediates.
func (f Fields) SetPath(key string, v any) {
	parts := strings.Split(key, ".")
	cur := map[string]any(f)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// Clone returns a deep copy of f. Nested maps and slices are copied; other
// values are shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return Fields(cloneMap(f))
}

// Keys returns the top-level keys of f in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case Fields:
		return Fields(cloneMap(tv))
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch tv := v.(type) {
	case Fields:
		return tv, true
	case map[string]any:
		return tv, true
	default:
		return nil, false
	}
}

// ToInt64 converts the numeric types backends and decoders produce into an
// int64. Fractional floats are truncated.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// ──────────────────────────────────────────────────
// Paths
// ──────────────────────────────────────────────────

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitPath splits a document path into its collection path and document id.
func SplitPath(path string) (collection, docID string, err error) {
	segs, err := segments(path)
	if err != nil {
		return "", "", err
	}
	if len(segs)%2 != 0 {
		return "", "", fmt.Errorf("store: %q is not a document path", path)
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// ValidateCollection checks that collection names a collection, which has an
// odd number of segments.
func ValidateCollection(collection string) error {
	segs, err := segments(collection)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return fmt.Errorf("store: %q is not a collection path", collection)
	}
	return nil
}

func segments(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("store: empty path")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("store: %q has an empty segment", path)
		}
	}
	return segs, nil
}
