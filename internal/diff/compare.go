// Package diff computes and stores structural differences between the
// normalized facts of two versions.
package diff

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/google/go-cmp/cmp"
)

// Change classifies one difference.
type Change string

const (
	Added       Change = "added"
	Removed     Change = "removed"
	Changed     Change = "changed"
	TypeChanged Change = "type"
)

// ParseChange validates a change name.
func ParseChange(s string) (Change, bool) {
	switch c := Change(s); c {
	case Added, Removed, Changed, TypeChanged:
		return c, true
	}
	return "", false
}

// decode reads a stored value. Text that is not valid JSON is compared as
// a plain string.
func decode(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// normalize returns a comparable form of v. Object key order never
// matters; with unordered set, array order does not matter either.
func normalize(v any, unordered bool) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalize(item, unordered)
		}
		return out
	case []any:
		if !unordered {
			out := make([]any, len(x))
			for i, item := range x {
				out[i] = normalize(item, unordered)
			}
			return out
		}
		out := make([]string, len(x))
		for i, item := range x {
			data, _ := json.Marshal(normalize(item, unordered))
			out[i] = string(data)
		}
		sort.Strings(out)
		return out
	default:
		return v
	}
}

// Classify compares the stored values of one key present in both
// versions. ok is false when they are structurally equal.
func Classify(before, after string, unordered bool) (change Change, ok bool) {
	b, a := decode(before), decode(after)
	if reflect.TypeOf(b) != reflect.TypeOf(a) {
		return TypeChanged, true
	}
	if cmp.Equal(normalize(b, unordered), normalize(a, unordered)) {
		return "", false
	}
	return Changed, true
}
