package metadata

import (
	"fmt"
	"math"
)

// FromAny converts a Go value into a typed Value.
//
// This exists as an adapter layer for user input decoded from JSON or YAML.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case float64:
		return Float(x), nil
	case float32:
		return Float(float64(x)), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return fromUint64(uint64(x))
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return fromUint64(x)
	case []Value:
		return Array(x), nil
	case []any:
		arr := make([]Value, len(x))
		for i := range x {
			vv, err := FromAny(x[i])
			if err != nil {
				return Value{}, err
			}
			arr[i] = vv
		}
		return Array(arr), nil
	case []string:
		arr := make([]Value, len(x))
		for i := range x {
			arr[i] = String(x[i])
		}
		return Array(arr), nil
	case []int:
		arr := make([]Value, len(x))
		for i := range x {
			arr[i] = Int(int64(x[i]))
		}
		return Array(arr), nil
	case []float64:
		arr := make([]Value, len(x))
		for i := range x {
			arr[i] = Float(x[i])
		}
		return Array(arr), nil
	default:
		return Value{}, fmt.Errorf("unsupported metadata value type %T", v)
	}
}

func fromUint64(x uint64) (Value, error) {
	if x > math.MaxInt64 {
		return Value{}, fmt.Errorf("metadata uint64 out of range: %d", x)
	}
	return Int(int64(x)), nil
}

// FromMap converts a plain map into a Document.
func FromMap(m map[string]any) (Document, error) {
	if m == nil {
		return nil, nil
	}
	doc := make(Document, len(m))
	for k, v := range m {
		val, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("metadata key %q: %w", k, err)
		}
		doc[k] = val
	}
	return doc, nil
}

// ToMap converts d into a plain map.
func (d Document) ToMap() map[string]any {
	if d == nil {
		return nil
	}
	m := make(map[string]any, len(d))
	for k, v := range d {
		m[k] = v.Interface()
	}
	return m
}
