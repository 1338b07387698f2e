// Package distance provides the vector distance functions used by the index.
//
// Single pair functions are backed by github.com/viterin/vek (SIMD accelerated
// on amd64); batch scoring of one query against many centroids uses the BLAS
// level 2 routine Gemv from gonum.
//
// # Supported Metrics
//
//   - MetricL2: squared Euclidean distance (default)
//   - MetricCosine: 1 - dot product; inputs are expected to be unit length
//   - MetricInnerProduct: negated dot product
//
// For every metric a lower value means closer, so callers can rank
// candidates uniformly.
//
// # Usage
//
//	fn, _ := distance.Provider(distance.MetricL2)
//	d := fn(a, b)
package distance
