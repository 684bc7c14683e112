package metadata

import (
	"fmt"
	"strings"
)

// Validate reports malformed filters, such as unknown operators or
// membership filters without an array operand.
func (fs *FilterSet) Validate() error {
	if fs == nil {
		return nil
	}
	for _, f := range fs.Filters {
		if f.Key == "" {
			return fmt.Errorf("metadata filter: empty key")
		}
		switch f.Operator {
		case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		case OpIn, OpNotIn:
			if f.Value.Kind != KindArray {
				return fmt.Errorf("metadata filter %s on %q: operand must be an array", f.Operator, f.Key)
			}
		case OpContains:
			if f.Value.Kind != KindString {
				return fmt.Errorf("metadata filter %s on %q: operand must be a string", f.Operator, f.Key)
			}
		default:
			return fmt.Errorf("metadata filter on %q: unknown operator %q", f.Key, f.Operator)
		}
	}
	for _, sub := range fs.Or {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches checks if the provided metadata matches this filter.
func (f *Filter) Matches(doc Document) bool {
	value, exists := doc[f.Key]
	if !exists {
		// A missing key is "not equal" to anything and "not in" any list.
		return f.Operator == OpNotEqual || f.Operator == OpNotIn
	}

	switch f.Operator {
	case OpEqual:
		return compareEqual(value, f.Value)
	case OpNotEqual:
		return !compareEqual(value, f.Value)
	case OpGreaterThan:
		return compareGreater(value, f.Value)
	case OpGreaterEqual:
		return compareGreater(value, f.Value) || compareEqual(value, f.Value)
	case OpLessThan:
		return compareLess(value, f.Value)
	case OpLessEqual:
		return compareLess(value, f.Value) || compareEqual(value, f.Value)
	case OpIn:
		return compareIn(value, f.Value)
	case OpNotIn:
		return !compareIn(value, f.Value)
	case OpContains:
		return compareContains(value, f.Value)
	default:
		return false
	}
}

// Matches checks if the provided metadata matches the set.
// A nil set matches everything.
func (fs *FilterSet) Matches(doc Document) bool {
	if fs == nil {
		return true
	}
	for i := range fs.Filters {
		if !fs.Filters[i].Matches(doc) {
			return false
		}
	}
	if len(fs.Or) == 0 {
		return true
	}
	for _, sub := range fs.Or {
		if sub.Matches(doc) {
			return true
		}
	}
	return false
}

func compareEqual(a, b Value) bool {
	if a.Kind == KindNull && b.Kind == KindNull {
		return true
	}
	if a.Kind == KindNull || b.Kind == KindNull {
		return false
	}

	if isNumber(a) && isNumber(b) {
		if a.Kind == KindInt && b.Kind == KindInt {
			return a.I64 == b.I64
		}
		return asFloat64(a) == asFloat64(b)
	}

	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindString:
		return a.S == b.S
	case KindBool:
		return a.B == b.B
	case KindArray:
		if len(a.A) != len(b.A) {
			return false
		}
		for i := range a.A {
			if !compareEqual(a.A[i], b.A[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compareGreater(a, b Value) bool {
	if isNumber(a) && isNumber(b) {
		return asFloat64(a) > asFloat64(b)
	}
	if a.Kind == KindString && b.Kind == KindString {
		return a.S > b.S
	}
	return false
}

func compareLess(a, b Value) bool {
	if isNumber(a) && isNumber(b) {
		return asFloat64(a) < asFloat64(b)
	}
	if a.Kind == KindString && b.Kind == KindString {
		return a.S < b.S
	}
	return false
}

func compareIn(a, b Value) bool {
	if b.Kind != KindArray {
		return false
	}
	for _, item := range b.A {
		if compareEqual(a, item) {
			return true
		}
	}
	return false
}

func compareContains(a, b Value) bool {
	if b.Kind != KindString {
		return false
	}
	switch a.Kind {
	case KindString:
		return strings.Contains(a.S, b.S)
	case KindArray:
		for _, item := range a.A {
			if item.Kind == KindString && item.S == b.S {
				return true
			}
		}
	}
	return false
}

func isNumber(v Value) bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

func asFloat64(v Value) float64 {
	switch v.Kind {
	case KindInt:
		return float64(v.I64)
	case KindFloat:
		return v.F64
	default:
		return 0
	}
}
