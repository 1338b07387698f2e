package testutil

import (
	"cmp"
	"math/rand"
	"slices"
	"sync"

	"github.com/hupe1980/lire/distance"
)

// SearchResult is one ground-truth hit.
type SearchResult struct {
	ID       uint64
	Distance float32
}

// RNG is a seeded, goroutine-safe source of test vectors.
type RNG struct {
	mu   sync.Mutex
	src  *rand.Rand
	seed int64
}

// NewRNG returns an RNG seeded with seed.
func NewRNG(seed int64) *RNG {
	return &RNG{src: rand.New(rand.NewSource(seed)), seed: seed} //nolint:gosec
}

// Reset rewinds the RNG to its seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src = rand.New(rand.NewSource(r.seed)) //nolint:gosec
}

// Intn returns a value in [0, n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Intn(n)
}

// Perm returns a permutation of [0, n).
func (r *RNG) Perm(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Perm(n)
}

// Float32 returns a value in [0, 1).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float32()
}

// UniformVectors returns num vectors with components in [0, 1), backed by
// one allocation.
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	return r.fill(num, dim, func(int, []float32) float32 { return r.src.Float32() })
}

// UnitVectors returns num vectors distributed uniformly on the unit sphere.
func (r *RNG) UnitVectors(num, dim int) [][]float32 {
	out := r.fill(num, dim, func(int, []float32) float32 { return float32(r.src.NormFloat64()) })
	for _, v := range out {
		distance.NormalizeL2InPlace(v)
	}
	return out
}

// ClusteredVectors returns num vectors spread with Gaussian noise of the
// given deviation around clusters random unit centers. Vector i belongs to
// center i%clusters, which makes partition skew reproducible.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	centers := r.UnitVectors(clusters, dim)
	return r.fill(num, dim, func(i int, v []float32) float32 {
		c := centers[i%clusters]
		return c[len(v)] + float32(r.src.NormFloat64())*spread
	})
}

// fill builds num vectors, calling next for each component under the lock.
// next receives the vector index and the components filled so far.
func (r *RNG) fill(num, dim int, next func(i int, v []float32) float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	out := make([][]float32, num)
	for i := range out {
		v := data[i*dim : i*dim : (i+1)*dim]
		for range dim {
			v = append(v, next(i, v))
		}
		out[i] = v
	}
	return out
}

// Sequence returns the ids start..start+n-1.
func Sequence(start uint64, n int) []uint64 {
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = start + uint64(i)
	}
	return ids
}

// ExactTopK returns the k nearest vectors to query by brute force, ordered by
// distance then id. ids[i] names vectors[i]; a nil ids uses the position.
func ExactTopK(query []float32, vectors [][]float32, ids []uint64, k int, dist distance.Func) []SearchResult {
	all := make([]SearchResult, len(vectors))
	for i, v := range vectors {
		id := uint64(i)
		if ids != nil {
			id = ids[i]
		}
		all[i] = SearchResult{ID: id, Distance: dist(query, v)}
	}
	slices.SortFunc(all, func(a, b SearchResult) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return all[:min(k, len(all))]
}

// ComputeRecall returns the share of the first min(len(truth), len(got))
// true neighbors that appear in got. Two empty lists have recall 1.
func ComputeRecall(truth, got []SearchResult) float64 {
	if len(truth) == 0 || len(got) == 0 {
		if len(truth) == len(got) {
			return 1
		}
		return 0
	}
	k := min(len(truth), len(got))
	want := make(map[uint64]struct{}, k)
	for _, r := range truth[:k] {
		want[r.ID] = struct{}{}
	}
	hits := 0
	for _, r := range got {
		if _, ok := want[r.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(k)
}
