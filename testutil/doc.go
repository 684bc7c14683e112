// Package testutil provides testing utilities for vecstore.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating deterministic random embeddings,
// record ids and exact nearest neighbors.
//
// # Random Embedding Generation
//
//	rng := testutil.NewRNG(seed)
//	vec := make([]float64, 128)
//	rng.FillUniform(vec)      // uniform [0, 1)
//	vecs := rng.UnitVectors(100, 128)
//
// # Exact Search (Ground Truth)
//
//	results := testutil.BruteForceSearch(ids, vectors, query, k, distance.SquaredL2)
package testutil
