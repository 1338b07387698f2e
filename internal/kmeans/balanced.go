package kmeans

import (
	"math/rand"
	"sort"

	"github.com/hupe1980/lire/distance"
)

// Split is the result of a balanced two-way clustering.
type Split struct {
	// Side holds 0 or 1 for every input vector.
	Side []uint8
	// Centroids are the means of the two sides.
	Centroids [2][]float32
	// Sizes are the number of vectors on each side.
	Sizes [2]int
}

// TwoMeans splits vectors into two clusters. Each side receives at least
// floor(n/3) vectors: after every assignment step points are ranked by how
// much closer they are to the first centroid and the cut point is clamped
// into [n/3, n-n/3].
//
// n must be at least 2.
func TwoMeans(vectors []float32, dim int, metric distance.Metric, maxIter int, seed int64) (*Split, error) {
	if dim <= 0 || len(vectors)%dim != 0 {
		return nil, ErrInvalidInput
	}
	n := len(vectors) / dim
	if n < 2 {
		return nil, ErrInvalidInput
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	vec := func(i int) []float32 { return vectors[i*dim : (i+1)*dim] }

	// Seed with a random point and the point farthest from it, then the
	// point farthest from that one.
	a := rng.Intn(n)
	b := farthest(vectors, dim, vec(a), distFunc)
	a = farthest(vectors, dim, vec(b), distFunc)
	if a == b {
		a = (b + 1) % n
	}

	c0 := append([]float32(nil), vec(a)...)
	c1 := append([]float32(nil), vec(b)...)

	type ranked struct {
		idx   int
		delta float32
	}
	order := make([]ranked, n)
	side := make([]uint8, n)

	lo := n / 3
	hi := n - lo

	if maxIter <= 0 {
		maxIter = 1
	}

	for iter := 0; iter < maxIter; iter++ {
		for i := 0; i < n; i++ {
			v := vec(i)
			order[i] = ranked{idx: i, delta: distFunc(v, c0) - distFunc(v, c1)}
		}
		sort.Slice(order, func(i, j int) bool {
			if order[i].delta != order[j].delta {
				return order[i].delta < order[j].delta
			}
			return order[i].idx < order[j].idx
		})

		cut := sort.Search(n, func(i int) bool { return order[i].delta > 0 })
		cut = max(lo, min(cut, hi))

		changed := iter == 0
		for r, o := range order {
			s := uint8(1)
			if r < cut {
				s = 0
			}
			if side[o.idx] != s {
				side[o.idx] = s
				changed = true
			}
		}

		c0, c1 = sideMeans(vectors, dim, side, metric)
		if !changed {
			break
		}
	}

	res := &Split{Side: side, Centroids: [2][]float32{c0, c1}}
	for _, s := range side {
		res.Sizes[s]++
	}

	return res, nil
}

func farthest(vectors []float32, dim int, from []float32, distFunc distance.Func) int {
	n := len(vectors) / dim
	best := 0
	bestDist := float32(-1)
	for i := 0; i < n; i++ {
		d := distFunc(from, vectors[i*dim:(i+1)*dim])
		if d > bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func sideMeans(vectors []float32, dim int, side []uint8, metric distance.Metric) ([]float32, []float32) {
	sums := [2][]float32{make([]float32, dim), make([]float32, dim)}
	var counts [2]int
	for i, s := range side {
		v := vectors[i*dim : (i+1)*dim]
		sum := sums[s]
		for d := range v {
			sum[d] += v[d]
		}
		counts[s]++
	}
	for s := 0; s < 2; s++ {
		if counts[s] == 0 {
			continue
		}
		scale := 1 / float32(counts[s])
		for d := range sums[s] {
			sums[s][d] *= scale
		}
		if metric == distance.MetricCosine {
			distance.NormalizeL2InPlace(sums[s])
		}
	}
	return sums[0], sums[1]
}
