// Package query models agent-authored query parameter trees and validates
// them against schema maps and permission grants. Parameter trees are tagged
// recursive values (object/array/scalar) walked with explicit visitors, so
// validation never relies on reflection over caller types.
package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return "unknown"
}

// Value is one node of a parameter tree. Exactly the fields implied by Kind
// are meaningful; everything else is zero.
type Value struct {
	Kind   Kind
	Str    string
	Num    float64
	Bool   bool
	Object map[string]Value
	Array  []Value
}

// Null is the zero Value.
var Null = Value{Kind: KindNull}

// String wraps a string scalar.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number wraps a numeric scalar.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Bool wraps a boolean scalar.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Object wraps a map of child values.
func Object(fields map[string]Value) Value { return Value{Kind: KindObject, Object: fields} }

// Array wraps a slice of child values.
func Array(items ...Value) Value { return Value{Kind: KindArray, Array: items} }

// FromAny converts a decoded-JSON value (map[string]any, []any, scalars) into
// a tagged Value. Unsupported Go types are rejected rather than coerced.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, child := range t {
			cv, err := FromAny(child)
			if err != nil {
				return Null, fmt.Errorf("field %q: %w", k, err)
			}
			fields[k] = cv
		}
		return Object(fields), nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, child := range t {
			cv, err := FromAny(child)
			if err != nil {
				return Null, fmt.Errorf("index %d: %w", i, err)
			}
			items = append(items, cv)
		}
		return Value{Kind: KindArray, Array: items}, nil
	default:
		return Null, fmt.Errorf("unsupported parameter type %T", v)
	}
}

// Interface converts the Value back into plain decoded-JSON shapes.
func (v Value) Interface() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for k, child := range v.Object {
			out[k] = child.Interface()
		}
		return out
	case KindArray:
		out := make([]any, len(v.Array))
		for i, child := range v.Array {
			out[i] = child.Interface()
		}
		return out
	}
	return nil
}

// Field returns the named child of an object value. The second return is
// false for non-objects and missing keys.
func (v Value) Field(name string) (Value, bool) {
	if v.Kind != KindObject {
		return Null, false
	}
	child, ok := v.Object[name]
	return child, ok
}

// IsEmptyObject reports whether v is an object with no fields (or null).
func (v Value) IsEmptyObject() bool {
	if v.Kind == KindNull {
		return true
	}
	return v.Kind == KindObject && len(v.Object) == 0
}

// SortedKeys returns the object's keys in lexical order. Walking objects in
// sorted order is what makes validation output and cache keys deterministic.
func (v Value) SortedKeys() []string {
	if v.Kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.Object))
	for k := range v.Object {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Canonical serializes the value into a deterministic form with object keys
// sorted lexically. Used for cache keys and params hashes.
func (v Value) Canonical() string {
	var b strings.Builder
	v.writeCanonical(&b)
	return b.String()
}

func (v Value) writeCanonical(b *strings.Builder) {
	switch v.Kind {
	case KindNull:
		b.WriteString("null")
	case KindString:
		b.WriteString(strconv.Quote(v.Str))
	case KindNumber:
		b.WriteString(strconv.FormatFloat(v.Num, 'g', -1, 64))
	case KindBool:
		b.WriteString(strconv.FormatBool(v.Bool))
	case KindObject:
		b.WriteByte('{')
		for i, k := range v.SortedKeys() {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			child := v.Object[k]
			child.writeCanonical(b)
		}
		b.WriteByte('}')
	case KindArray:
		b.WriteByte('[')
		for i, child := range v.Array {
			if i > 0 {
				b.WriteByte(',')
			}
			child.writeCanonical(b)
		}
		b.WriteByte(']')
	}
}

// isISODate reports whether s parses as an ISO-8601 date or timestamp.
// Date-typed schema fields accept such strings.
func isISODate(s string) bool {
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
