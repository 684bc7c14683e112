// Package distance provides the distance functions and exact top-k selection
// used by collection queries.
package distance

import (
	"fmt"
	"math"
	"strings"
)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float64) float64 {
	return math.Sqrt(Dot(v, v))
}

// Cosine returns the cosine distance 1 - cos(a, b).
// If either vector has zero norm the distance is 1.
func Cosine(a, b []float64) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - Dot(a, b)/(na*nb)
}

// InnerProduct returns the inner-product distance 1 - dot(a, b).
func InnerProduct(a, b []float64) float64 {
	return 1 - Dot(a, b)
}

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricL2 Metric = iota
	MetricCosine
	MetricInnerProduct
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "l2"
	case MetricCosine:
		return "cosine"
	case MetricInnerProduct:
		return "ip"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m >= MetricL2 && m <= MetricInnerProduct
}

// ParseMetric parses the names returned by Metric.String.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(s) {
	case "", "l2":
		return MetricL2, nil
	case "cosine":
		return MetricCosine, nil
	case "ip":
		return MetricInnerProduct, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Metric) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("unknown metric %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Metric) UnmarshalText(text []byte) error {
	v, err := ParseMetric(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Func is a function type for distance calculation.
type Func func(a, b []float64) float64

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return Cosine, nil
	case MetricInnerProduct:
		return InnerProduct, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
