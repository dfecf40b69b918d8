// Package compact shrinks JSON payloads for publishing.
package compact

import (
	"errors"
	"fmt"
	"math"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
)

const DefaultThreshold = 1024

var writeOptions = ojg.Options{Sort: true}

// ErrUnrepresentable marks valid JSON holding a number that cannot be
// re-encoded without changing it, such as 1e400.
var ErrUnrepresentable = errors.New("number out of range")

// Compact drops object members whose value is null, "", [] or {} (after
// compacting the value itself) and emits the result without whitespace. Array
// elements are compacted but never removed, so indexes stay stable.
func Compact(data []byte) ([]byte, error) {
	v, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if !finite(v) {
		return nil, ErrUnrepresentable
	}
	v = strip(v)
	return []byte(oj.JSON(v, &writeOptions)), nil
}

// Validate reports whether data parses as JSON.
func Validate(data []byte) error {
	if _, err := oj.Parse(data); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	return nil
}

// ShouldCompact reports whether a payload of size bytes is worth compacting.
func ShouldCompact(enabled bool, size int, threshold int) bool {
	if !enabled {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return size >= threshold
}

func strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			child = strip(child)
			if isEmpty(child) {
				delete(t, k)
				continue
			}
			t[k] = child
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = strip(child)
		}
		return t
	default:
		return v
	}
}

func finite(v any) bool {
	switch t := v.(type) {
	case float64:
		return !math.IsInf(t, 0) && !math.IsNaN(t)
	case map[string]any:
		for _, child := range t {
			if !finite(child) {
				return false
			}
		}
	case []any:
		for _, child := range t {
			if !finite(child) {
				return false
			}
		}
	}
	return true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
