// Package distance provides vector distance calculations over float64.
//
// # Supported Metrics
//
//   - MetricL2: squared Euclidean distance (default)
//   - MetricCosine: 1 - cosine similarity; 1 when either vector is zero
//   - MetricInnerProduct: 1 - dot product
//
// Smaller distances are closer for every metric.
//
// # Usage
//
//	fn, _ := distance.Provider(distance.MetricCosine)
//	top := distance.NewTopK[string](10)
//	for id, vec := range candidates {
//		top.Push(id, fn(query, vec), id)
//	}
//	neighbors := top.Results()
package distance
