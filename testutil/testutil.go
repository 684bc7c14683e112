package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/hupe1980/vecstore/distance"
)

// SearchResult represents a search result.
type SearchResult struct {
	ID       string
	Distance float64
}

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// FillUniform fills dst with random values in range [0, 1).
// Locks only once per call (preferred over calling Float64 in a loop).
func (r *RNG) FillUniform(dst []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float64()
	}
}

// FillUniformRange fills dst with random values in range [minVal, maxVal).
func (r *RNG) FillUniformRange(dst []float64, minVal, maxVal float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span := maxVal - minVal
	for i := range dst {
		dst[i] = minVal + r.rand.Float64()*span
	}
}

// UniformVectors generates random vectors with values in range [0, 1).
// Uses a single backing array for efficiency.
func (r *RNG) UniformVectors(num int, dimensions int) [][]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float64, num*dimensions)
	vectors := make([][]float64, num)

	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = r.rand.Float64()
		}
		vectors[i] = vec
	}

	return vectors
}

// UniformRangeVectors generates random vectors with values in range [-1, 1).
func (r *RNG) UniformRangeVectors(num int, dimensions int) [][]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float64, num*dimensions)
	vectors := make([][]float64, num)

	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = r.rand.Float64()*2 - 1
		}
		vectors[i] = vec
	}

	return vectors
}

// UnitVectors generates L2-normalized vectors with Gaussian directions.
func (r *RNG) UnitVectors(num int, dimensions int) [][]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([][]float64, num)
	for i := range num {
		vectors[i] = r.unitVectorLocked(dimensions)
	}
	return vectors
}

// UnitVector generates a single L2-normalized random vector.
func (r *RNG) UnitVector(dimensions int) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unitVectorLocked(dimensions)
}

func (r *RNG) unitVectorLocked(dimensions int) []float64 {
	vec := make([]float64, dimensions)
	var norm float64
	for j := range vec {
		v := r.rand.NormFloat64()
		vec[j] = v
		norm += v * v
	}
	if norm == 0 {
		norm = 1
	}
	inv := 1 / math.Sqrt(norm)
	for j := range vec {
		vec[j] *= inv
	}
	return vec
}

// ClusteredVectors generates vectors clustered around random unit centroids.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float64) [][]float64 {
	// UnitVectors takes the lock itself.
	centroids := r.UnitVectors(clusters, dim)

	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([][]float64, num)
	for i := range num {
		centroid := centroids[i%clusters]
		vec := make([]float64, dim)
		for j := range dim {
			vec[j] = centroid[j] + r.rand.NormFloat64()*spread
		}
		vectors[i] = vec
	}

	return vectors
}

// SparseMetadata reports for each of n records whether a metadata field is
// present. missingRate is the probability that it is missing.
func (r *RNG) SparseMetadata(n int, missingRate float64) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make([]bool, n)
	for i := range n {
		present[i] = r.rand.Float64() >= missingRate
	}

	return present
}

// IDs returns n record ids of the form prefix-000000.
func IDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%06d", prefix, i)
	}
	return ids
}

// BruteForceSearch performs exact search for ground truth. Results are
// ordered by distance, ties by id.
func BruteForceSearch(ids []string, vectors [][]float64, query []float64, k int, fn distance.Func) []SearchResult {
	results := make([]SearchResult, len(vectors))
	for i, v := range vectors {
		results[i] = SearchResult{ID: ids[i], Distance: fn(query, v)}
	}

	slices.SortFunc(results, func(a, b SearchResult) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	if k < 0 {
		k = 0
	}
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// ComputeRecall computes recall@k of approximate against groundTruth.
func ComputeRecall(groundTruth, approximate []SearchResult) float64 {
	if len(groundTruth) == 0 || len(approximate) == 0 {
		if len(groundTruth) == 0 && len(approximate) == 0 {
			return 1.0
		}
		return 0.0
	}

	k := min(len(approximate), len(groundTruth))

	truthSet := make(map[string]struct{}, k)
	for i := range k {
		truthSet[groundTruth[i].ID] = struct{}{}
	}

	hits := 0
	for _, r := range approximate[:k] {
		if _, ok := truthSet[r.ID]; ok {
			hits++
		}
	}

	return float64(hits) / float64(k)
}
