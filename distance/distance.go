package distance

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/viterin/vek/vek32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Dot(a, b)
}

// SquaredL2 calculates the squared Euclidean distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	d := vek32.Distance(a, b)
	return d * d
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := vek32.Dot(v, v)
	if norm2 == 0 {
		return false
	}
	vek32.MulNumber_Inplace(v, float32(1/math.Sqrt(float64(norm2))))
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
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
		return "L2"
	case MetricCosine:
		return "Cosine"
	case MetricInnerProduct:
		return "InnerProduct"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// ParseMetric parses a metric name as produced by Metric.String.
// Matching is case-insensitive; "ip" and "dot" are accepted for inner product.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "l2", "euclidean":
		return MetricL2, nil
	case "cosine":
		return MetricCosine, nil
	case "innerproduct", "inner_product", "ip", "dot":
		return MetricInnerProduct, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

// Valid reports whether m is a supported metric.
func (m Metric) Valid() bool {
	return m >= MetricL2 && m <= MetricInnerProduct
}

// Func is a function type for distance calculation.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return cosineDistance, nil
	case MetricInnerProduct:
		return negativeDot, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

func cosineDistance(a, b []float32) float32 {
	return 1 - Dot(a, b)
}

func negativeDot(a, b []float32) float32 {
	return -Dot(a, b)
}

// FromDot converts a precomputed dot product into the metric's distance.
// qNorm2 and cNorm2 are the squared norms of the two operands and are only
// consulted for MetricL2.
func (m Metric) FromDot(dot, qNorm2, cNorm2 float32) float32 {
	switch m {
	case MetricCosine:
		return 1 - dot
	case MetricInnerProduct:
		return -dot
	default:
		d := qNorm2 + cNorm2 - 2*dot
		if d < 0 {
			return 0
		}
		return d
	}
}

// BatchDot computes out[i] = dot(rows[i*dim:(i+1)*dim], q) for n rows.
// rows is a row-major n x dim matrix and out must hold at least n values.
func BatchDot(q, rows []float32, n, dim int, out []float32) {
	if n == 0 || dim == 0 {
		return
	}
	blas32.Gemv(
		blas.NoTrans,
		1.0,
		blas32.General{Rows: n, Cols: dim, Stride: dim, Data: rows[:n*dim]},
		blas32.Vector{N: dim, Inc: 1, Data: q},
		0.0,
		blas32.Vector{N: n, Inc: 1, Data: out[:n]},
	)
}

// SquaredNorm returns the squared L2 norm of v.
func SquaredNorm(v []float32) float32 {
	return Dot(v, v)
}
