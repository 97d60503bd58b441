// Package flatten decodes separator-joined flat keys back into nested values.
// Query results come back as flat rows whose keys encode the relation path of
// each column ("customers:addresses:street"); this package rebuilds the
// nested object graph those paths describe.
package flatten

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsafeKey indicates a flat key contained a reserved property-name
// segment. Keys originate from declared column names, so a reserved segment
// means the declaration itself is unsafe to materialize.
var ErrUnsafeKey = errors.New("unsafe key segment")

// reservedSegments are property names that must never become map keys.
// They mirror the prototype-pollution guard of dynamic-language codecs that
// share this wire format.
var reservedSegments = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// Key joins path segments into a single flat key.
func Key(sep string, segments ...string) string {
	return strings.Join(segments, sep)
}

// Unflatten rebuilds the nested value encoded in v's separator-joined keys.
// Maps are decoded key by key, slices element-wise; scalars pass through
// unchanged. A numeric path segment produces a slice index, any other
// segment a map key.
func Unflatten(v any, sep string) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return unflattenMap(val, sep)
	case []map[string]any:
		out := make([]any, len(val))
		for i, elem := range val {
			decoded, err := unflattenMap(elem, sep)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			decoded, err := Unflatten(elem, sep)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}

// Row decodes a single flat row into its nested form.
func Row(row map[string]any, sep string) (map[string]any, error) {
	return unflattenMap(row, sep)
}

// Rows decodes a sequence of flat rows element-wise.
func Rows(rows []map[string]any, sep string) ([]map[string]any, error) {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		decoded, err := unflattenMap(row, sep)
		if err != nil {
			return nil, err
		}
		out[i] = decoded
	}
	return out, nil
}

func unflattenMap(row map[string]any, sep string) (map[string]any, error) {
	result := make(map[string]any, len(row))
	for key, value := range row {
		nested, err := Unflatten(value, sep)
		if err != nil {
			return nil, err
		}

		segments := []string{key}
		if sep != "" {
			segments = strings.Split(key, sep)
		}
		assigned, err := assign(result, segments, nested)
		if err != nil {
			return nil, err
		}
		result = assigned.(map[string]any)
	}
	return result, nil
}

// assign walks or creates the container path described by segments and sets
// value at the final segment. It returns the (possibly re-allocated)
// container so slice growth propagates back to the parent.
func assign(container any, segments []string, value any) (any, error) {
	seg := segments[0]
	if _, reserved := reservedSegments[seg]; reserved {
		return nil, fmt.Errorf("%w: %q", ErrUnsafeKey, seg)
	}

	if m, ok := container.(map[string]any); ok || container == nil {
		if idx, numeric := sliceIndex(seg); numeric && container == nil {
			return assignIndex(nil, idx, segments, value)
		}
		if m == nil {
			m = make(map[string]any)
		}
		if len(segments) == 1 {
			m[seg] = value
			return m, nil
		}
		child, err := assign(m[seg], segments[1:], value)
		if err != nil {
			return nil, err
		}
		m[seg] = child
		return m, nil
	}

	if s, ok := container.([]any); ok {
		idx, numeric := sliceIndex(seg)
		if !numeric {
			return nil, fmt.Errorf("cannot use key %q to index a sequence", seg)
		}
		return assignIndex(s, idx, segments, value)
	}

	// A scalar already occupies this path; the deeper key wins.
	return assign(nil, segments, value)
}

func assignIndex(s []any, idx int, segments []string, value any) (any, error) {
	for len(s) <= idx {
		s = append(s, nil)
	}
	if len(segments) == 1 {
		s[idx] = value
		return s, nil
	}
	child, err := assign(s[idx], segments[1:], value)
	if err != nil {
		return nil, err
	}
	s[idx] = child
	return s, nil
}

func sliceIndex(seg string) (int, bool) {
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
