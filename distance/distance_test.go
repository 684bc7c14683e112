package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float64
		expected float64
	}{
		{"Simple", []float64{1, 2, 3}, []float64{4, 5, 6}, 32},
		{"Zero", []float64{0, 0, 0}, []float64{0, 0, 0}, 0},
		{"Mixed", []float64{1, -1, 2}, []float64{1, 1, -2}, -4},
		{"Empty", []float64{}, []float64{}, 0},
		{"Single", []float64{2}, []float64{3}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-12)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float64
		expected float64
	}{
		{"Simple", []float64{1, 2, 3}, []float64{4, 5, 6}, 27},
		{"Zero", []float64{0, 0, 0}, []float64{0, 0, 0}, 0},
		{"Identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 0},
		{"Mixed", []float64{1, -1}, []float64{-1, 1}, 8},
		{"Empty", []float64{}, []float64{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SquaredL2(tt.a, tt.b), 1e-12)
		})
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 0, Cosine([]float64{1, 0}, []float64{2, 0}), 1e-12)
	assert.InDelta(t, 1, Cosine([]float64{1, 0}, []float64{0, 3}), 1e-12)
	assert.InDelta(t, 2, Cosine([]float64{1, 0}, []float64{-1, 0}), 1e-12)
	assert.Equal(t, 1.0, Cosine([]float64{0, 0}, []float64{1, 0}))
	assert.Equal(t, 1.0, Cosine([]float64{0, 0}, []float64{0, 0}))
}

func TestInnerProduct(t *testing.T) {
	assert.InDelta(t, 0, InnerProduct([]float64{1, 0}, []float64{1, 0}), 1e-12)
	assert.InDelta(t, 1, InnerProduct([]float64{1, 0}, []float64{0, 1}), 1e-12)
}

func TestSymmetry(t *testing.T) {
	a := []float64{0.3, -1.2, 4.5, 0}
	b := []float64{2.2, 0.1, -0.5, 9}
	for _, m := range []Metric{MetricL2, MetricCosine, MetricInnerProduct} {
		fn, err := Provider(m)
		require.NoError(t, err)
		assert.Equal(t, fn(a, b), fn(b, a), m.String())
	}
}

func TestMetric(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricInnerProduct} {
		text, err := m.MarshalText()
		require.NoError(t, err)

		var got Metric
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, m, got)
	}

	got, err := ParseMetric("COSINE")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, got)

	_, err = ParseMetric("hamming")
	assert.Error(t, err)
	_, err = Metric(42).MarshalText()
	assert.Error(t, err)
	_, err = Provider(Metric(42))
	assert.Error(t, err)
	assert.False(t, Metric(-1).Valid())
}

func TestNorm(t *testing.T) {
	assert.InDelta(t, 5, Norm([]float64{3, 4}), 1e-12)
	assert.True(t, math.IsInf(Norm([]float64{math.Inf(1)}), 1))
}
