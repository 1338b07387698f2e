package lire

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lire/blobstore"
	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/manifest"
	"github.com/hupe1980/lire/testutil"
)

const testDim = 16

func testOptions() Options {
	o := DefaultOptions()
	o.BlockSize = 1024
	o.BlocksPerFile = 4096
	o.TargetPartitionSize = 64
	o.MinPartitionSize = 8
	o.MaxPartitionSize = 128
	o.RebalanceWorkers = 1
	o.RetryBackoff = time.Millisecond
	o.ScanInterval = 0
	o.CheckpointInterval = 0
	o.Durability = "async"
	o.SearchFanout = 8
	o.Threads = 4
	o.Seed = 3
	return o
}

func buildIndex(t *testing.T, dir string, vectors [][]float32, opts ...Option) *Index {
	t.Helper()
	idx, err := New(testDim, Float32, append([]Option{WithOptions(testOptions())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, idx.Build(context.Background(), vectors, dir, BuildOptions{Threads: 4}))
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func ids(results []Result) []uint64 {
	out := make([]uint64, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(0, Float32)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dimension", ce.Field)

	_, err = New(8, ValueType(9))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "value_type", ce.Field)

	o := DefaultOptions()
	o.MinPartitionSize = 100
	o.MaxPartitionSize = 200
	_, err = New(8, Float32, WithOptions(o))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "min_partition_size", ce.Field)
}

func TestIndex_NotBuilt(t *testing.T) {
	ctx := context.Background()
	idx, err := New(testDim, Float32)
	require.NoError(t, err)

	var nf *NotFoundError
	_, err = idx.Search(ctx, make([]float32, testDim), 1)
	assert.ErrorAs(t, err, &nf)
	assert.ErrorAs(t, idx.Insert(ctx, nil, nil, 1), &nf)
	assert.ErrorAs(t, idx.Remove(ctx, []uint64{1}, 1), &nf)
	_, err = idx.Stats()
	assert.ErrorAs(t, err, &nf)
	assert.NoError(t, idx.Close())
	assert.Equal(t, "", idx.Path())

	_, err = Open(ctx, t.TempDir())
	assert.ErrorAs(t, err, &nf)
}

func TestBuild_Validation(t *testing.T) {
	ctx := context.Background()
	idx, err := New(testDim, Float32, WithOptions(testOptions()))
	require.NoError(t, err)

	var ce *ConfigurationError
	err = idx.Build(ctx, [][]float32{make([]float32, testDim-1)}, t.TempDir(), BuildOptions{})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dimension", ce.Field)

	err = idx.Build(ctx, [][]float32{make([]float32, testDim)}, t.TempDir(), BuildOptions{IDs: []uint64{1, 2}})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ids", ce.Field)

	err = idx.Build(ctx, nil, "", BuildOptions{})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "output_path", ce.Field)

	// A regular file where a parent directory should be.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	err = idx.Build(ctx, testutil.NewRNG(1).UniformVectors(50, testDim), filepath.Join(blocker, "idx"), BuildOptions{})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "output_path", ce.Field)
	var se *StorageIOError
	assert.NotErrorAs(t, err, &se)

	dir := t.TempDir()
	buildIndex(t, dir, testutil.NewRNG(1).UniformVectors(50, testDim))
	err = idx.Build(ctx, testutil.NewRNG(1).UniformVectors(50, testDim), dir, BuildOptions{})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "path", ce.Field)
}

func TestEndToEnd(t *testing.T) {
	const dim = 128
	ctx := context.Background()
	rng := testutil.NewRNG(42)
	base := rng.UniformVectors(10000, dim)

	o := testOptions()
	o.BlockSize = 4096
	idx, err := New(dim, Float32, WithOptions(o))
	require.NoError(t, err)
	require.NoError(t, idx.Build(ctx, base, t.TempDir(), BuildOptions{Threads: 4}))
	defer idx.Close()
	require.Equal(t, 10000, idx.Len())

	extra := rng.UniformVectors(1000, dim)
	require.NoError(t, idx.Insert(ctx, extra, testutil.Sequence(10000, 1000), 4))
	require.Equal(t, 11000, idx.Len())
	require.NoError(t, idx.Quiesce(ctx))

	query := base[1000]
	res, err := idx.Search(ctx, query, 5, WithFanout(1<<20))
	require.NoError(t, err)
	require.Len(t, res, 5)
	for _, r := range res {
		assert.Less(t, r.ID, uint64(11000))
	}
	assert.Equal(t, uint64(1000), res[0].ID)
	assert.Zero(t, res[0].Distance)

	require.NoError(t, idx.Remove(ctx, []uint64{1000, 1001, 1002}, 2))
	assert.Equal(t, 10997, idx.Len())
	require.NoError(t, idx.Quiesce(ctx))

	for _, q := range [][]float32{base[1000], base[1001], base[1002]} {
		res, err = idx.Search(ctx, q, 5, WithFanout(1<<20))
		require.NoError(t, err)
		require.Len(t, res, 5)
		for _, r := range res {
			assert.NotContains(t, []uint64{1000, 1001, 1002}, r.ID)
			assert.Less(t, r.ID, uint64(11000))
		}
	}

	for i := 10000; i < 10010; i++ {
		res, err = idx.Search(ctx, extra[i-10000], 1, WithFanout(1<<20))
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, uint64(i), res[0].ID)
	}
}

func TestRecall(t *testing.T) {
	if testing.Short() {
		t.Skip("recall check builds 10k vectors")
	}
	const (
		n        = 10000
		dim      = 128
		k        = 5
		clusters = 100
		fanout   = 8
	)
	ctx := context.Background()
	// Queries are held-out points of the same clusters as the index.
	all := testutil.NewRNG(2024).ClusteredVectors(n+50, dim, clusters, 0.05)
	vectors, queries := all[:n], all[n:]

	o := testOptions()
	o.TargetPartitionSize = 200
	o.MinPartitionSize = 16
	o.MaxPartitionSize = 400
	o.BlockSize = 4096
	idx, err := New(dim, Float32, WithOptions(o))
	require.NoError(t, err)
	require.NoError(t, idx.Build(ctx, vectors, t.TempDir(), BuildOptions{Threads: 4}))
	defer idx.Close()

	info, err := idx.Stats()
	require.NoError(t, err)
	require.Greater(t, info.Partitions, 2*fanout)

	var total float64
	for _, q := range queries {
		var st SearchStats
		res, err := idx.Search(ctx, q, k, WithFanout(fanout), WithSearchStats(&st))
		require.NoError(t, err)
		// Each query scans less than half of the partitions.
		require.LessOrEqual(t, st.PartitionsProbed, fanout)
		require.Less(t, st.PartitionsProbed, info.Partitions)

		approx := make([]testutil.SearchResult, len(res))
		for i, r := range res {
			approx[i] = testutil.SearchResult{ID: r.ID, Distance: r.Distance}
		}
		truth := testutil.ExactTopK(q, vectors, nil, k, distance.SquaredL2)
		total += testutil.ComputeRecall(truth, approx)
	}
	recall := total / float64(len(queries))
	assert.GreaterOrEqual(t, recall, 0.95, "recall@%d = %.3f scanning %d of %d partitions", k, recall, fanout, info.Partitions)
}

func TestInsert_Errors(t *testing.T) {
	ctx := context.Background()
	idx := buildIndex(t, t.TempDir(), testutil.NewRNG(5).UniformVectors(100, testDim))
	vec := testutil.NewRNG(6).UniformVectors(2, testDim)

	var ce *ConfigurationError
	require.ErrorAs(t, idx.Insert(ctx, vec, []uint64{500}, 1), &ce)
	assert.Equal(t, "ids", ce.Field)

	require.ErrorAs(t, idx.Insert(ctx, [][]float32{{1, 2}}, []uint64{500}, 1), &ce)
	assert.Equal(t, "dimension", ce.Field)

	var dup *DuplicateIDError
	require.ErrorAs(t, idx.Insert(ctx, vec[:1], []uint64{7}, 1), &dup)
	assert.Equal(t, uint64(7), dup.ID)

	assert.NoError(t, idx.Remove(ctx, []uint64{12345, 99999}, 2))
	assert.Equal(t, 100, idx.Len())
}

func TestSearch_Options(t *testing.T) {
	ctx := context.Background()
	vectors := testutil.NewRNG(9).UniformVectors(400, testDim)
	idx := buildIndex(t, t.TempDir(), vectors)

	var ce *ConfigurationError
	_, err := idx.Search(ctx, vectors[0], 0)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "k", ce.Field)
	_, err = idx.Search(ctx, vectors[0][:3], 1)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dimension", ce.Field)

	var st SearchStats
	res, err := idx.Search(ctx, vectors[0], 3, WithFanout(2), WithSearchStats(&st))
	require.NoError(t, err)
	assert.Len(t, res, 3)
	assert.Equal(t, 2, st.PartitionsProbed)
	assert.False(t, st.Truncated)

	res, err = idx.Search(ctx, vectors[0], 10, WithFanout(100), WithMaxDistanceOps(1), WithSearchStats(&st))
	require.NoError(t, err)
	assert.True(t, st.Truncated)
	assert.LessOrEqual(t, len(res), 10)

	res, err = idx.Search(ctx, vectors[0], 1000, WithFanout(1000))
	require.NoError(t, err)
	assert.Len(t, res, 400)
	assert.True(t, slices.IsSortedFunc(res, func(a, b Result) int {
		if a.Distance < b.Distance {
			return -1
		}
		if a.Distance > b.Distance {
			return 1
		}
		return 0
	}))
}

func TestSearchBatch(t *testing.T) {
	ctx := context.Background()
	vectors := testutil.NewRNG(10).UniformVectors(300, testDim)
	idx := buildIndex(t, t.TempDir(), vectors)

	batch, err := idx.SearchBatch(ctx, vectors[:20], 1, 4, WithFanout(1000))
	require.NoError(t, err)
	require.Len(t, batch, 20)
	for i, res := range batch {
		require.Len(t, res, 1)
		assert.Equal(t, uint64(i), res[0].ID)
	}

	_, err = idx.SearchBatch(ctx, [][]float32{vectors[0], {1}}, 1, 2)
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := testutil.NewRNG(11)
	vectors := rng.UniformVectors(500, testDim)

	idx, err := New(testDim, Float16, WithOptions(testOptions()))
	require.NoError(t, err)
	require.NoError(t, idx.Build(ctx, vectors, dir, BuildOptions{IDs: testutil.Sequence(1000, 500)}))
	require.NoError(t, idx.Insert(ctx, rng.UniformVectors(20, testDim), testutil.Sequence(5000, 20), 2))
	require.NoError(t, idx.Remove(ctx, []uint64{1000, 1001}, 1))

	before, err := idx.Search(ctx, vectors[10], 10, WithFanout(1000))
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = idx.Search(ctx, vectors[10], 10)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	reopened, err := Open(ctx, dir, WithOptions(testOptions()))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, testDim, reopened.Dimension())
	assert.Equal(t, Float16, reopened.ValueType())
	assert.Equal(t, 518, reopened.Len())
	assert.False(t, reopened.Contains(1000))
	assert.True(t, reopened.Contains(5019))

	after, err := reopened.Search(ctx, vectors[10], 10, WithFanout(1000))
	require.NoError(t, err)
	assert.Equal(t, ids(before), ids(after))
}

func TestOpen_IncompatibleVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := buildIndex(t, dir, testutil.NewRNG(12).UniformVectors(40, testDim))
	require.NoError(t, idx.Close())

	current, err := os.ReadFile(filepath.Join(dir, manifest.CurrentFileName))
	require.NoError(t, err)
	name := filepath.Join(dir, string(current))
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	data[4] = 99
	require.NoError(t, os.WriteFile(name, data, 0o644))

	_, err = Open(ctx, dir)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(14)
	vectors := rng.UniformVectors(300, testDim)
	idx := buildIndex(t, t.TempDir(), vectors)
	require.NoError(t, idx.Insert(ctx, rng.UniformVectors(10, testDim), testutil.Sequence(900, 10), 1))
	require.NoError(t, idx.Remove(ctx, []uint64{3}, 1))

	store := blobstore.NewMemoryStore()
	require.NoError(t, idx.Backup(ctx, store, "backups/one"))

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, Restore(ctx, store, "backups/one", dst))

	var ce *ConfigurationError
	assert.ErrorAs(t, Restore(ctx, store, "backups/one", dst), &ce)
	var nf *NotFoundError
	assert.ErrorAs(t, Restore(ctx, store, "backups/none", t.TempDir()), &nf)

	restored, err := Open(ctx, dst, WithOptions(testOptions()))
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, 309, restored.Len())
	assert.False(t, restored.Contains(3))

	want, err := idx.Search(ctx, vectors[5], 5, WithFanout(1000))
	require.NoError(t, err)
	got, err := restored.Search(ctx, vectors[5], 5, WithFanout(1000))
	require.NoError(t, err)
	assert.Equal(t, ids(want), ids(got))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	idx := buildIndex(t, t.TempDir(), testutil.NewRNG(15).UniformVectors(600, testDim))
	require.NoError(t, idx.Remove(ctx, []uint64{1, 2, 3}, 1))
	require.NoError(t, idx.Quiesce(ctx))

	st, err := idx.Stats()
	require.NoError(t, err)
	assert.Equal(t, 597, st.Vectors)
	assert.Positive(t, st.Partitions)
	assert.LessOrEqual(t, st.MaxPartitionSize, int64(128))
	assert.GreaterOrEqual(t, st.Gini, 0.0)
	assert.Less(t, st.Gini, 1.0)
	assert.Positive(t, st.ManifestID)
	// A merge during Quiesce may have dropped the copies of some.
	assert.LessOrEqual(t, st.DeletedIDs, uint64(3))
	assert.Zero(t, st.PendingFixups)
}

func TestMetricsCollector(t *testing.T) {
	ctx := context.Background()
	mc := &BasicMetricsCollector{}
	idx := buildIndex(t, t.TempDir(), testutil.NewRNG(16).UniformVectors(100, testDim), WithMetricsCollector(mc))

	require.NoError(t, idx.Insert(ctx, testutil.NewRNG(17).UniformVectors(3, testDim), []uint64{200, 201, 202}, 1))
	require.NoError(t, idx.Remove(ctx, []uint64{200}, 1))
	_, err := idx.Search(ctx, make([]float32, testDim), 3)
	require.NoError(t, err)
	require.NoError(t, idx.Checkpoint(ctx))

	st := mc.GetStats()
	assert.Equal(t, int64(3), st.InsertCount)
	assert.Equal(t, int64(1), st.DeleteCount)
	assert.Equal(t, int64(1), st.SearchCount)
	assert.Zero(t, st.SearchErrors)
	assert.GreaterOrEqual(t, st.CommitCount, int64(2))
	assert.Positive(t, st.Partitions)
}
