package kmeans

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lire/distance"
)

func TestTrainKMeans(t *testing.T) {
	ctx := context.Background()
	// 2 clusters: (0,0) and (10,10)
	vecs := []float32{
		0, 0, 0, 1, 1, 0, // near 0,0
		10, 10, 10, 11, 11, 10, // near 10,10
	}
	k := 2
	dim := 2

	centroids, err := TrainKMeans(ctx, vecs, dim, k, distance.MetricL2, 100, 1)
	require.NoError(t, err)
	assert.Len(t, centroids, k*dim)

	// Verify assignments
	p1, err := AssignPartition([]float32{0.5, 0.5}, centroids, dim, distance.MetricL2)
	require.NoError(t, err)

	p2, err := AssignPartition([]float32{10.5, 10.5}, centroids, dim, distance.MetricL2)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
}

func TestTrainKMeans_NotEnoughVectors(t *testing.T) {
	ctx := context.Background()
	vecs := []float32{0, 0}
	centroids, err := TrainKMeans(ctx, vecs, 2, 2, distance.MetricL2, 10, 1)
	require.NoError(t, err)
	assert.Nil(t, centroids)
}

func TestTrainKMeans_Error(t *testing.T) {
	ctx := context.Background()
	_, err := TrainKMeans(ctx, []float32{0, 0}, 2, 1, distance.Metric(999), 10, 1)
	assert.Error(t, err)

	_, err = TrainKMeans(ctx, []float32{0, 0, 0}, 2, 1, distance.MetricL2, 10, 1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTrainKMeans_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	// Large enough to require iteration
	vecs := make([]float32, 1000*2)
	for i := range vecs {
		vecs[i] = float32(i)
	}

	_, err := TrainKMeans(ctx, vecs, 2, 10, distance.MetricL2, 1000, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssign(t *testing.T) {
	centroids := []float32{
		0, 0,
		10, 10,
	}
	vecs := []float32{
		1, 1,
		9, 9,
		-1, 0,
		12, 11,
	}

	got, err := Assign(context.Background(), vecs, 2, centroids, distance.MetricL2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 1}, got)
}

func TestFindClosestCentroids(t *testing.T) {
	centroids := []float32{
		0, 0, // 0
		10, 10, // 1
		20, 20, // 2
	}
	dim := 2

	// Query close to 0,0
	res, err := FindClosestCentroids([]float32{1, 1}, centroids, dim, 2, distance.MetricL2)
	require.NoError(t, err)
	assert.Len(t, res, 2)
	assert.Equal(t, 0, res[0])
	assert.Equal(t, 1, res[1])

	// Query close to 20,20
	res, err = FindClosestCentroids([]float32{19, 19}, centroids, dim, 1, distance.MetricL2)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Equal(t, 2, res[0])

	// Error case (invalid metric)
	_, err = FindClosestCentroids([]float32{0, 0}, centroids, dim, 1, distance.Metric(999))
	assert.Error(t, err)
}

func TestAssignPartition_Error(t *testing.T) {
	_, err := AssignPartition([]float32{0, 0}, []float32{0, 0}, 2, distance.Metric(999))
	assert.Error(t, err)
}

func TestTwoMeans_SeparatesClusters(t *testing.T) {
	vecs := []float32{
		0, 0, 0, 1, 1, 0, 1, 1,
		50, 50, 50, 51, 51, 50, 51, 51,
	}

	split, err := TwoMeans(vecs, 2, distance.MetricL2, 10, 7)
	require.NoError(t, err)
	assert.Equal(t, [2]int{4, 4}, split.Sizes)

	for i := 1; i < 4; i++ {
		assert.Equal(t, split.Side[0], split.Side[i])
	}
	for i := 5; i < 8; i++ {
		assert.Equal(t, split.Side[4], split.Side[i])
	}
	assert.NotEqual(t, split.Side[0], split.Side[4])
}

func TestTwoMeans_Balanced(t *testing.T) {
	// One outlier and a dense blob: an unbalanced 2-means would isolate
	// the outlier.
	dim := 2
	n := 30
	vecs := make([]float32, 0, n*dim)
	for i := 0; i < n-1; i++ {
		vecs = append(vecs, float32(i%5)*0.01, float32(i/5)*0.01)
	}
	vecs = append(vecs, 1000, 1000)

	split, err := TwoMeans(vecs, dim, distance.MetricL2, 10, 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, split.Sizes[0], n/3)
	assert.GreaterOrEqual(t, split.Sizes[1], n/3)
	assert.Equal(t, n, split.Sizes[0]+split.Sizes[1])
}

func TestTwoMeans_InvalidInput(t *testing.T) {
	_, err := TwoMeans([]float32{1, 2}, 2, distance.MetricL2, 5, 1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMean(t *testing.T) {
	m := Mean([]float32{0, 2, 2, 4}, 2, distance.MetricL2)
	assert.InDeltaSlice(t, []float32{1, 3}, m, 1e-6)
}
