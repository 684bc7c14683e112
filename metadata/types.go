package metadata

import (
	"math"
	"strconv"
	"strings"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindInt represents an integer value.
	KindInt
	// KindFloat represents a float value.
	KindFloat
	// KindString represents a string value.
	KindString
	// KindBool represents a boolean value.
	KindBool
	// KindArray represents an array value.
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	default:
		return "invalid"
	}
}

// Value is a small typed value used for metadata documents and filters.
//
// NOTE: This is also used for persistence; keep it stable.
type Value struct {
	Kind Kind    `json:"k"`
	I64  int64   `json:"i,omitempty"`
	F64  float64 `json:"f,omitempty"`
	S    string  `json:"s,omitempty"`
	B    bool    `json:"b,omitempty"`
	A    []Value `json:"a,omitempty"`
}

// Key returns a stable string representation for use in maps.
func (v Value) Key() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return "i:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return "f:" + strconv.FormatUint(math.Float64bits(v.F64), 16)
	case KindString:
		return "s:" + v.S
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	case KindArray:
		parts := make([]string, len(v.A))
		for i := range v.A {
			parts[i] = v.A[i].Key()
		}
		return "a:" + strings.Join(parts, "\x1f")
	default:
		return "invalid"
	}
}

// AsInt64 returns the int64 value if Kind is KindInt.
func (v Value) AsInt64() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I64, true
}

// AsFloat64 returns the float64 value if Kind is KindFloat.
func (v Value) AsFloat64() (float64, bool) {
	if v.Kind != KindFloat {
		return 0, false
	}
	return v.F64, true
}

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.S, true
}

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

// AsArray returns the array value if Kind is KindArray.
func (v Value) AsArray() ([]Value, bool) {
	if v.Kind != KindArray {
		return nil, false
	}
	return v.A, true
}

// Interface converts v back into a plain Go value.
func (v Value) Interface() any {
	switch v.Kind {
	case KindInt:
		return v.I64
	case KindFloat:
		return v.F64
	case KindString:
		return v.S
	case KindBool:
		return v.B
	case KindArray:
		out := make([]any, len(v.A))
		for i := range v.A {
			out[i] = v.A[i].Interface()
		}
		return out
	default:
		return nil
	}
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an int64 Value.
func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }

// Float returns a float64 Value.
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }

// String returns a string Value.
func String(v string) Value { return Value{Kind: KindString, S: v} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }

// Array returns an array Value.
func Array(v []Value) Value { return Value{Kind: KindArray, A: v} }

// Document is a typed metadata document.
type Document map[string]Value

// Clone creates a deep copy of the metadata document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = v.clone()
	}
	return clone
}

func (v Value) clone() Value {
	if v.Kind != KindArray || len(v.A) == 0 {
		return v
	}
	arrayCopy := make([]Value, len(v.A))
	for i := range v.A {
		arrayCopy[i] = v.A[i].clone()
	}
	v.A = arrayCopy
	return v
}

// Merge returns a copy of d with the keys of patch applied.
// A null value in patch removes the key.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	if out == nil {
		out = make(Document, len(patch))
	}
	for k, v := range patch {
		if v.Kind == KindNull {
			delete(out, k)
			continue
		}
		out[k] = v.clone()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Operator represents a comparison operator for filtering.
type Operator string

const (
	// OpEqual represents the equality operator.
	OpEqual Operator = "$eq"
	// OpNotEqual represents the inequality operator.
	OpNotEqual Operator = "$ne"
	// OpGreaterThan represents the greater than operator.
	OpGreaterThan Operator = "$gt"
	// OpGreaterEqual represents the greater than or equal operator.
	OpGreaterEqual Operator = "$gte"
	// OpLessThan represents the less than operator.
	OpLessThan Operator = "$lt"
	// OpLessEqual represents the less than or equal operator.
	OpLessEqual Operator = "$lte"
	// OpIn represents the in list operator.
	OpIn Operator = "$in"
	// OpNotIn represents the not in list operator.
	OpNotIn Operator = "$nin"
	// OpContains represents the contains substring operator.
	OpContains Operator = "$contains"
)

// Filter represents a single metadata filter condition.
type Filter struct {
	Key      string
	Operator Operator
	Value    Value
}

// FilterSet matches when every filter in Filters matches and, if Or is
// non-empty, at least one nested set in Or matches.
type FilterSet struct {
	Filters []Filter
	Or      []*FilterSet
}

// NewFilterSet creates a new filter set.
func NewFilterSet(filters ...Filter) *FilterSet {
	return &FilterSet{Filters: filters}
}

// AnyOf returns a filter set matching documents that match at least one of sets.
func AnyOf(sets ...*FilterSet) *FilterSet {
	return &FilterSet{Or: sets}
}

// Eq returns an equality filter.
func Eq(key string, v Value) Filter { return Filter{Key: key, Operator: OpEqual, Value: v} }

// Ne returns an inequality filter.
func Ne(key string, v Value) Filter { return Filter{Key: key, Operator: OpNotEqual, Value: v} }

// Gt returns a greater-than filter.
func Gt(key string, v Value) Filter { return Filter{Key: key, Operator: OpGreaterThan, Value: v} }

// Gte returns a greater-or-equal filter.
func Gte(key string, v Value) Filter { return Filter{Key: key, Operator: OpGreaterEqual, Value: v} }

// Lt returns a less-than filter.
func Lt(key string, v Value) Filter { return Filter{Key: key, Operator: OpLessThan, Value: v} }

// Lte returns a less-or-equal filter.
func Lte(key string, v Value) Filter { return Filter{Key: key, Operator: OpLessEqual, Value: v} }

// In returns a membership filter.
func In(key string, vs ...Value) Filter {
	return Filter{Key: key, Operator: OpIn, Value: Array(vs)}
}

// Nin returns a non-membership filter.
func Nin(key string, vs ...Value) Filter {
	return Filter{Key: key, Operator: OpNotIn, Value: Array(vs)}
}

// Contains returns a substring filter on a string value.
func Contains(key, substr string) Filter {
	return Filter{Key: key, Operator: OpContains, Value: String(substr)}
}
