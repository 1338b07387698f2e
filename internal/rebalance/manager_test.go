package rebalance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/directory"
	"github.com/hupe1980/lire/internal/fs"
	"github.com/hupe1980/lire/internal/kmeans"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/posting"
	"github.com/hupe1980/lire/internal/quantization"
	"github.com/hupe1980/lire/internal/resource"
	"github.com/hupe1980/lire/internal/router"
	"github.com/hupe1980/lire/testutil"
)

const dim = 2

type fixture struct {
	fs      *fs.FaultyFS
	blocks  *blockstore.Store
	posts   *posting.Store
	router  *router.Router
	dir     *directory.Directory
	clock   *model.Clock
	m       *Manager
	commits atomic.Int32
	fixups  atomic.Int32
	failed  atomic.Int32
}

func newFixture(t *testing.T, minSize, maxSize int, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{fs: fs.NewFaultyFS(nil), dir: directory.New(), clock: &model.Clock{}}

	blocks, err := blockstore.Open(t.TempDir(), blockstore.State{}, blockstore.Options{BlockSize: 512, BlocksPerFile: 256, FS: f.fs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = blocks.Close() })
	f.blocks = blocks

	f.posts, err = posting.New(posting.Options{
		Codec:  quantization.NewFloat32Codec(dim),
		Blocks: blocks,
		Clock:  f.clock,
	})
	require.NoError(t, err)

	f.router, err = router.New(router.Options{Dim: dim, Metric: distance.MetricL2})
	require.NoError(t, err)

	opts := Options{
		Dim:           dim,
		Metric:        distance.MetricL2,
		MinSize:       minSize,
		MaxSize:       maxSize,
		RetryBackoff:  time.Millisecond,
		Seed:          42,
		Router:        f.router,
		Postings:      f.posts,
		Directory:     f.dir,
		Clock:         f.clock,
		Resources:     resource.NewController(resource.Config{MaxBackgroundWorkers: 2}),
		Commit:        func(context.Context) error { f.commits.Add(1); return nil },
		OnFixup: func(_ Kind, err error) {
			f.fixups.Add(1)
			if err != nil {
				f.failed.Add(1)
			}
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.m, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(f.m.Stop)
	return f
}

// create writes a partition holding vecs under ids firstID, firstID+1, ...
func (f *fixture) create(t *testing.T, centroid []float32, vecs [][]float32, firstID uint64) model.PartitionID {
	t.Helper()
	id := f.posts.AllocID()
	entries := make([]model.Entry, len(vecs))
	for i, v := range vecs {
		entries[i] = model.Entry{ID: model.ID(firstID + uint64(i)), Stamp: model.Stamp(f.clock.Next()), Vector: v}
	}
	require.NoError(t, f.posts.Create(context.Background(), id, centroid, entries))
	require.NoError(t, f.router.Insert(id, centroid))
	for _, e := range entries {
		f.dir.Set(e.ID, model.Location{Partition: id, Stamp: e.Stamp})
	}
	return id
}

func line(n int, x0 float32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{x0 + float32(i)*0.01, 0}
	}
	return out
}

func live(t *testing.T, f *fixture, id model.PartitionID) int64 {
	t.Helper()
	n, ok := f.posts.Live(id)
	require.True(t, ok, "partition %d", id)
	return n
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Dim: 2, MinSize: 20, MaxSize: 30})
	assert.Error(t, err, "MinSize*3 > MaxSize")
	_, err = New(Options{Dim: 2, MinSize: 1, MaxSize: 30})
	assert.Error(t, err, "missing components")
	_, err = New(Options{Dim: 0, MinSize: 1, MaxSize: 30})
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	f := newFixture(t, 5, 30, nil)
	ctx := context.Background()
	vecs := append(line(20, 0), line(20, 100)...)
	old := f.create(t, []float32{50, 0}, vecs, 0)

	require.NoError(t, f.m.split(ctx, old))

	_, ok := f.posts.Live(old)
	assert.False(t, ok, "old partition retired")
	ids := f.posts.IDs()
	require.Len(t, ids, 2)
	assert.ElementsMatch(t, ids, f.router.IDs())
	assert.Equal(t, int64(20), live(t, f, ids[0]))
	assert.Equal(t, int64(20), live(t, f, ids[1]))

	left, _ := f.dir.Get(0)
	right, _ := f.dir.Get(20)
	assert.NotEqual(t, left.Partition, right.Partition)
	for i := 0; i < 40; i++ {
		loc, ok := f.dir.Get(model.ID(i))
		require.True(t, ok)
		if i < 20 {
			assert.Equal(t, left.Partition, loc.Partition)
		} else {
			assert.Equal(t, right.Partition, loc.Partition)
		}
	}

	assert.Equal(t, int32(1), f.commits.Load())
	assert.Equal(t, int64(1), f.m.Stats().Splits)
	assert.Positive(t, f.m.Pending(), "checks queued")

	require.NoError(t, f.m.drain(ctx))
	assert.Zero(t, f.m.Pending())
	assert.Zero(t, f.m.Stats().Reassigns)
}

func TestSplit_WithinBoundsIsNoop(t *testing.T) {
	f := newFixture(t, 5, 30, nil)
	old := f.create(t, []float32{0, 0}, line(30, 0), 0)

	require.NoError(t, f.m.split(context.Background(), old))
	assert.Equal(t, []model.PartitionID{old}, f.posts.IDs())
	require.NoError(t, f.m.split(context.Background(), 999))
	assert.Zero(t, f.commits.Load())
}

func TestRewrite_PlacesTail(t *testing.T) {
	f := newFixture(t, 5, 30, nil)
	ctx := context.Background()
	old := f.create(t, []float32{50, 0}, append(line(20, 0), line(20, 100)...), 0)

	owned, from, err := f.m.snapshot(ctx, old)
	require.NoError(t, err)
	require.Len(t, owned, 40)

	// Writes that land between the snapshot and the rewrite.
	stamp := model.Stamp(f.clock.Next())
	require.NoError(t, f.posts.Append(ctx, old, model.Entry{ID: 100, Stamp: stamp, Vector: []float32{100.5, 0}}, func() {
		f.dir.Set(100, model.Location{Partition: old, Stamp: stamp})
	}))
	loc0, _ := f.dir.Get(0)
	require.NoError(t, f.posts.MarkDeleted(ctx, old, 0, loc0.Stamp, func() bool {
		return f.dir.CompareAndDelete(0, loc0)
	}))

	targets := []target{{centroid: []float32{0, 0}}, {centroid: []float32{100, 0}}}
	for _, e := range owned {
		i := 0
		if e.Vector[0] > 50 {
			i = 1
		}
		targets[i].entries = append(targets[i].entries, e)
		targets[i].from = append(targets[i].from, old)
	}

	staged, err := f.m.rewrite(ctx, []model.PartitionID{old}, map[model.PartitionID]uint64{old: from}, targets)
	require.NoError(t, err)
	assert.Equal(t, int64(19), staged[0].Live())
	assert.Equal(t, int64(21), staged[1].Live())

	loc, ok := f.dir.Get(100)
	require.True(t, ok)
	assert.Equal(t, model.Location{Partition: staged[1].ID(), Stamp: stamp}, loc)
	_, ok = f.dir.Get(0)
	assert.False(t, ok)

	got, err := f.posts.Read(ctx, staged[0].ID(), posting.Live)
	require.NoError(t, err)
	assert.Len(t, got, 19)
	for _, e := range got {
		assert.NotEqual(t, model.ID(0), e.ID)
	}
}

func TestSplit_Compacts(t *testing.T) {
	f := newFixture(t, 2, 16, nil)
	ctx := context.Background()
	old := f.create(t, []float32{0, 0}, line(40, 0), 0)
	for i := 0; i < 30; i++ {
		loc, _ := f.dir.Get(model.ID(i))
		require.NoError(t, f.posts.MarkDeleted(ctx, old, model.ID(i), loc.Stamp, func() bool {
			return f.dir.CompareAndDelete(model.ID(i), loc)
		}))
	}

	f.m.Observe(old)
	assert.Equal(t, 1, f.m.Pending())
	require.NoError(t, f.m.drain(ctx))

	ids := f.posts.IDs()
	require.Len(t, ids, 1)
	assert.NotEqual(t, old, ids[0])
	length, _ := f.posts.Length(ids[0])
	assert.Equal(t, uint64(10), length)
	assert.Equal(t, int64(10), live(t, f, ids[0]))
	assert.Equal(t, int64(1), f.m.Stats().Compactions)
}

func TestMerge(t *testing.T) {
	f := newFixture(t, 5, 30, nil)
	ctx := context.Background()
	small := f.create(t, []float32{0, 0}, line(3, 0), 0)
	sibling := f.create(t, []float32{10, 0}, line(10, 10), 10)
	far := f.create(t, []float32{1000, 0}, line(10, 1000), 20)

	require.NoError(t, f.m.merge(ctx, small))

	ids := f.posts.IDs()
	require.Len(t, ids, 2)
	assert.Contains(t, ids, far)
	assert.NotContains(t, ids, small)
	assert.NotContains(t, ids, sibling)
	assert.ElementsMatch(t, ids, f.router.IDs())

	merged := ids[0]
	if merged == far {
		merged = ids[1]
	}
	assert.Equal(t, int64(13), live(t, f, merged))
	for _, id := range []model.ID{0, 1, 2, 10, 19} {
		loc, ok := f.dir.Get(id)
		require.True(t, ok)
		assert.Equal(t, merged, loc.Partition)
	}
	assert.Equal(t, int64(1), f.m.Stats().Merges)
}

func TestMerge_Noop(t *testing.T) {
	f := newFixture(t, 5, 30, nil)
	only := f.create(t, []float32{0, 0}, line(3, 0), 0)

	// A single partition holds the remainder.
	require.NoError(t, f.m.merge(context.Background(), only))
	assert.Equal(t, []model.PartitionID{only}, f.posts.IDs())

	big := f.create(t, []float32{10, 0}, line(10, 10), 10)
	require.NoError(t, f.m.merge(context.Background(), big))
	assert.Len(t, f.posts.IDs(), 2)
	assert.Zero(t, f.m.Stats().Merges)
}

func TestMerge_CascadesIntoSplit(t *testing.T) {
	f := newFixture(t, 5, 30, nil)
	ctx := context.Background()
	small := f.create(t, []float32{0, 0}, line(3, 0), 0)
	f.create(t, []float32{10, 0}, line(29, 10), 10)

	require.NoError(t, f.m.merge(ctx, small))
	require.NoError(t, f.m.Quiesce(ctx))

	assert.Equal(t, int64(1), f.m.Stats().Merges)
	assert.Equal(t, int64(1), f.m.Stats().Splits)
	total := int64(0)
	for _, id := range f.posts.IDs() {
		n := live(t, f, id)
		assert.GreaterOrEqual(t, n, int64(5))
		assert.LessOrEqual(t, n, int64(30))
		total += n
	}
	assert.Equal(t, int64(32), total)
}

func TestReassign(t *testing.T) {
	f := newFixture(t, 1, 30, func(o *Options) { o.ReassignFanout = 1 })
	ctx := context.Background()
	p1 := f.create(t, []float32{0, 0}, append(line(6, 0), []float32{99, 0}), 0)
	p2 := f.create(t, []float32{100, 0}, line(6, 100), 10)
	before, _ := f.dir.Get(6)

	require.NoError(t, f.m.check(ctx, p1))
	assert.Equal(t, 1, f.m.Pending())
	require.NoError(t, f.m.drain(ctx))

	loc, ok := f.dir.Get(6)
	require.True(t, ok)
	assert.Equal(t, p2, loc.Partition)
	assert.Greater(t, loc.Stamp, before.Stamp)
	assert.Equal(t, int64(6), live(t, f, p1))
	assert.Equal(t, int64(7), live(t, f, p2))
	assert.Equal(t, int64(1), f.m.Stats().Reassigns)

	got, err := f.posts.Read(ctx, p2, posting.Live)
	require.NoError(t, err)
	assert.Equal(t, model.ID(6), got[len(got)-1].ID)

	// The record already moved: replaying the old move is a no-op.
	require.NoError(t, f.m.reassign(ctx, 6, before, []float32{99, 0}))
	assert.Equal(t, int64(1), f.m.Stats().Reassigns)
	assert.Equal(t, int64(7), live(t, f, p2))
}

func TestQuiesce(t *testing.T) {
	f := newFixture(t, 4, 32, nil)
	ctx := context.Background()

	rng := testutil.NewRNG(7)
	vecs := rng.ClusteredVectors(200, dim, 8, 0.05)
	flat := make([]float32, 0, len(vecs)*dim)
	for _, v := range vecs {
		flat = append(flat, v...)
	}
	f.create(t, kmeans.Mean(flat, dim, distance.MetricL2), vecs, 0)

	require.NoError(t, f.m.Quiesce(ctx))
	assert.Zero(t, f.m.Pending())

	total := int64(0)
	counts := f.dir.CountByPartition()
	for _, id := range f.posts.IDs() {
		n := live(t, f, id)
		assert.GreaterOrEqual(t, n, int64(4), "partition %d", id)
		assert.LessOrEqual(t, n, int64(32), "partition %d", id)
		assert.Equal(t, counts[id], n, "partition %d", id)
		total += n
	}
	assert.Equal(t, int64(200), total)
	assert.Equal(t, 200, f.dir.Len())
	assert.ElementsMatch(t, f.posts.IDs(), f.router.IDs())
}

func TestFixups_DedupAndLimit(t *testing.T) {
	f := newFixture(t, 1, 30, func(o *Options) { o.MaxPending = 2 })

	f.m.EnqueueSplit(1)
	f.m.EnqueueSplit(1)
	assert.Equal(t, 1, f.m.Pending())
	f.m.EnqueueMerge(1)
	assert.Equal(t, 2, f.m.Pending())
	f.m.EnqueueCheck(3)
	f.m.EnqueueReassign(9, model.Location{Partition: 1, Stamp: 1}, []float32{0, 0})
	assert.Equal(t, 2, f.m.Pending())
	assert.Equal(t, int64(2), f.m.Stats().Dropped)

	// Fixups for partitions that no longer exist are no-ops.
	require.NoError(t, f.m.drain(context.Background()))
	assert.Zero(t, f.m.Pending())
	assert.Equal(t, int32(2), f.fixups.Load())
	assert.Zero(t, f.failed.Load())
}

func TestSplit_FailureLeavesSourceAuthoritative(t *testing.T) {
	f := newFixture(t, 5, 30, func(o *Options) { o.RetryAttempts = 1 })
	ctx := context.Background()
	old := f.create(t, []float32{50, 0}, append(line(20, 0), line(20, 100)...), 0)

	f.fs.AddRule("blocks-", fs.Fault{FailAfterBytes: -1, FailOnWrite: true})
	f.m.EnqueueSplit(old)
	require.NoError(t, f.m.drain(ctx))

	assert.Equal(t, int64(1), f.m.Stats().Failures)
	assert.Equal(t, int32(1), f.failed.Load())
	assert.Equal(t, []model.PartitionID{old}, f.posts.IDs())
	assert.Equal(t, []model.PartitionID{old}, f.router.IDs())
	assert.Equal(t, int64(40), live(t, f, old))
	for i := 0; i < 40; i++ {
		loc, ok := f.dir.Get(model.ID(i))
		require.True(t, ok)
		assert.Equal(t, old, loc.Partition)
	}
	got, err := f.posts.Read(ctx, old, posting.Live)
	require.NoError(t, err)
	assert.Len(t, got, 40)

	f.fs.ClearRules()
	require.NoError(t, f.m.split(ctx, old))
	assert.Len(t, f.posts.IDs(), 2)
}

func TestStart_BackgroundWorkers(t *testing.T) {
	f := newFixture(t, 5, 30, func(o *Options) { o.Workers = 2 })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f.m.Start(ctx)
	old := f.create(t, []float32{50, 0}, append(line(20, 0), line(20, 100)...), 0)
	f.m.Observe(old)

	require.NoError(t, f.m.Wait(ctx))
	assert.Len(t, f.posts.IDs(), 2)
	f.m.Stop()
}

func TestDrain_LeavesLaterFixups(t *testing.T) {
	var f *fixture
	var b model.PartitionID
	var requeued atomic.Bool
	f = newFixture(t, 1, 30, func(o *Options) {
		o.OnFixup = func(Kind, error) {
			if !requeued.Swap(true) {
				f.m.EnqueueCheck(b)
			}
		}
	})
	a := f.create(t, []float32{0, 0}, line(3, 0), 0)
	b = f.create(t, []float32{10, 0}, line(3, 10), 10)

	f.m.EnqueueCheck(a)
	require.NoError(t, f.m.drain(context.Background()))
	assert.Equal(t, 1, f.m.Pending(), "check queued while draining")

	require.NoError(t, f.m.drain(context.Background()))
	assert.Zero(t, f.m.Pending())
}

func TestQuiesce_ReturnsUnderConstantScan(t *testing.T) {
	f := newFixture(t, 4, 30, func(o *Options) {
		o.Workers = 2
		o.ScanInterval = time.Millisecond
		o.ScanBatch = 4
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ids []model.PartitionID
	for i := range 8 {
		x := float32(i * 10)
		ids = append(ids, f.create(t, []float32{x, 0}, line(10, x), uint64(i*100)))
	}
	big := f.create(t, []float32{200, 0}, append(line(30, 200), line(30, 300)...), 5000)
	f.m.Start(ctx)

	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, id := range ids {
				f.m.EnqueueCheck(id)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- f.m.Quiesce(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, ErrNotQuiescent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Quiesce did not return while checks kept arriving")
	}
	close(stop)
	<-churned

	require.NoError(t, f.m.Quiesce(ctx))
	_, ok := f.posts.Live(big)
	assert.False(t, ok, "oversized partition split")
	for _, id := range f.posts.IDs() {
		assert.LessOrEqual(t, live(t, f, id), int64(30), "partition %d", id)
	}
	f.m.Stop()
}

func TestScanOnce_RoundRobin(t *testing.T) {
	f := newFixture(t, 1, 30, func(o *Options) { o.ScanBatch = 2 })
	a := f.create(t, []float32{0, 0}, line(3, 0), 0)
	b := f.create(t, []float32{10, 0}, line(3, 10), 10)
	c := f.create(t, []float32{20, 0}, line(3, 20), 20)

	assert.Equal(t, []model.PartitionID{a, b}, f.m.scanOnce())
	assert.Equal(t, []model.PartitionID{c, a}, f.m.scanOnce())
	assert.Equal(t, 3, f.m.Pending())
}

func TestApply_StopsOnCancel(t *testing.T) {
	f := newFixture(t, 5, 30, func(o *Options) { o.RetryAttempts = 5; o.RetryBackoff = time.Hour })
	old := f.create(t, []float32{50, 0}, append(line(20, 0), line(20, 100)...), 0)
	f.fs.AddRule("blocks-", fs.Fault{FailAfterBytes: -1, FailOnWrite: true})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := f.m.apply(ctx, fixup{kind: KindSplit, partition: old})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "split", KindSplit.String())
	assert.Equal(t, "reassign", KindReassign.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}
