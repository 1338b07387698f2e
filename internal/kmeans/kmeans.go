package kmeans

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/lire/distance"
)

// ErrInvalidInput is returned when the vector set does not match the dimension.
var ErrInvalidInput = errors.New("kmeans: invalid input")

// TrainKMeans trains k centroids from the given vectors using Lloyd's algorithm.
// It returns the flattened centroids (k * dim). When there are fewer vectors
// than k it returns nil centroids and no error.
//
// For MetricCosine the centroids are renormalized after every update step.
func TrainKMeans(ctx context.Context, vectors []float32, dim int, k int, metric distance.Metric, maxIter int, seed int64) ([]float32, error) {
	if dim <= 0 || len(vectors)%dim != 0 || k <= 0 {
		return nil, ErrInvalidInput
	}
	if _, err := distance.Provider(metric); err != nil {
		return nil, err
	}

	n := len(vectors) / dim
	if n < k {
		return nil, nil // Not enough vectors to cluster
	}

	rng := rand.New(rand.NewSource(seed)) //nolint:gosec

	centroids := make([]float32, k*dim)

	// Initialize centroids randomly from data points
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := Assign(ctx, vectors, dim, centroids, metric, 0)
		if err != nil {
			return nil, err
		}

		changed := false
		for i, c := range next {
			if assignments[i] != c {
				assignments[i] = c
				changed = true
			}
		}

		if !changed {
			break
		}

		// Update step
		clear(sums)
		clear(counts)

		for i := 0; i < n; i++ {
			cluster := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			sum := sums[cluster*dim : (cluster+1)*dim]
			for d := range vec {
				sum[d] += vec[d]
			}
			counts[cluster]++
		}

		for j := 0; j < k; j++ {
			center := centroids[j*dim : (j+1)*dim]
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					center[d] = sums[j*dim+d] * scale
				}
				if metric == distance.MetricCosine {
					distance.NormalizeL2InPlace(center)
				}
			} else {
				// Re-initialize empty cluster with a random point
				idx := rng.Intn(n)
				copy(center, vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return centroids, nil
}

// Assign returns the index of the nearest centroid for every vector.
// Scoring is done with one matrix-vector product per vector; threads <= 0
// uses GOMAXPROCS workers.
func Assign(ctx context.Context, vectors []float32, dim int, centroids []float32, metric distance.Metric, threads int) ([]int, error) {
	if dim <= 0 || len(vectors)%dim != 0 || len(centroids)%dim != 0 {
		return nil, ErrInvalidInput
	}

	n := len(vectors) / dim
	k := len(centroids) / dim
	out := make([]int, n)
	if k == 0 {
		for i := range out {
			out[i] = -1
		}
		return out, nil
	}

	norms := make([]float32, k)
	for j := 0; j < k; j++ {
		norms[j] = distance.SquaredNorm(centroids[j*dim : (j+1)*dim])
	}

	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	chunk := (n + threads - 1) / threads
	if chunk < 64 {
		chunk = 64
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)

	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			dots := make([]float32, k)
			for i := start; i < end; i++ {
				if (i-start)%1024 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				vec := vectors[i*dim : (i+1)*dim]
				distance.BatchDot(vec, centroids, k, dim, dots)
				qn := distance.SquaredNorm(vec)

				best := 0
				bestDist := float32(math.MaxFloat32)
				for j := 0; j < k; j++ {
					d := metric.FromDot(dots[j], qn, norms[j])
					if d < bestDist {
						bestDist = d
						best = j
					}
				}
				out[i] = best
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// AssignPartition finds the closest centroid for a vector.
func AssignPartition(vec []float32, centroids []float32, dim int, metric distance.Metric) (int, error) {
	k := len(centroids) / dim
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return -1, err
	}

	bestCluster := -1
	minDist := float32(math.MaxFloat32)

	for j := 0; j < k; j++ {
		center := centroids[j*dim : (j+1)*dim]
		d := distFunc(vec, center)
		if d < minDist {
			minDist = d
			bestCluster = j
		}
	}

	return bestCluster, nil
}

type centroidDist struct {
	id   int
	dist float32
}

// FindClosestCentroids returns the indices of the n closest centroids to the query vector.
// Ties are broken by centroid index.
func FindClosestCentroids(query []float32, centroids []float32, dim int, n int, metric distance.Metric) ([]int, error) {
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		center := centroids[i*dim : (i+1)*dim]
		dists[i] = centroidDist{id: i, dist: distFunc(query, center)}
	}

	sort.Slice(dists, func(i, j int) bool {
		if dists[i].dist != dists[j].dist {
			return dists[i].dist < dists[j].dist
		}
		return dists[i].id < dists[j].id
	})

	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = dists[i].id
	}

	return result, nil
}

// Mean returns the mean of the given vectors. For MetricCosine the mean is
// normalized to unit length.
func Mean(vectors []float32, dim int, metric distance.Metric) []float32 {
	out := make([]float32, dim)
	n := len(vectors) / dim
	if n == 0 {
		return out
	}
	for i := 0; i < n; i++ {
		vec := vectors[i*dim : (i+1)*dim]
		for d := range vec {
			out[d] += vec[d]
		}
	}
	scale := 1 / float32(n)
	for d := range out {
		out[d] *= scale
	}
	if metric == distance.MetricCosine {
		distance.NormalizeL2InPlace(out)
	}
	return out
}
