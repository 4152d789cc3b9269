package remote

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/cockroachdb/errors"
)

const (
	serverValueKey       = ".sv"
	serverValueTimestamp = "timestamp"
)

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is an immutable view of the node at Path.
type Snapshot struct {
	Path  string
	Value any
}

// Key returns the last segment of the snapshot's path.
func (s Snapshot) Key() string { return Key(s.Path) }

// Exists reports whether the node holds any data.
func (s Snapshot) Exists() bool { return s.Value != nil }

// Decode unmarshals the snapshot value into v.
func (s Snapshot) Decode(v any) error {
	return Decode(s.Value, v)
}

// Child returns the snapshot of a direct child.
func (s Snapshot) Child(key string) Snapshot {
	m, _ := s.Value.(map[string]any)
	return Snapshot{Path: Join(s.Path, key), Value: m[key]}
}

// Children returns the direct children ordered by key.
func (s Snapshot) Children() []Snapshot {
	m, _ := s.Value.(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Path: Join(s.Path, k), Value: m[k]})
	}
	return out
}

// ============================================================================
// Value model
// ============================================================================

// Normalize converts v into the JSON-shaped form a Store holds: maps of
// string keys, slices, strings, float64 and bool. Nil entries and empty maps
// are dropped, so an empty value normalizes to nil.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "normalize value")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "normalize value")
	}
	return prune(out), nil
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			if p := prune(c); p == nil {
				delete(t, k)
			} else {
				t[k] = p
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		if len(t) == 0 {
			return nil
		}
		for i, c := range t {
			t[i] = prune(c)
		}
		return t
	default:
		return v
	}
}

// Decode unmarshals a JSON-shaped value into dst.
func Decode(src any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return errors.Wrap(err, "decode value")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrap(err, "decode value")
	}
	return nil
}

// Equal reports whether two normalized values are identical.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Clone deep-copies a normalized value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = Clone(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = Clone(c)
		}
		return out
	default:
		return v
	}
}

// Lookup returns the node below v at the given segments, or nil.
func Lookup(v any, segs []string) any {
	for _, s := range segs {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[s]
	}
	return v
}

// ResolveServerValues replaces every server-value sentinel in a normalized
// value with nowMillis. The value is modified in place and returned.
func ResolveServerValues(v any, nowMillis int64) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 && t[serverValueKey] == serverValueTimestamp {
			return float64(nowMillis)
		}
		for k, c := range t {
			t[k] = ResolveServerValues(c, nowMillis)
		}
		return t
	case []any:
		for i, c := range t {
			t[i] = ResolveServerValues(c, nowMillis)
		}
		return t
	default:
		return v
	}
}
