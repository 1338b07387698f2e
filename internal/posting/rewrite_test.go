package posting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lire/internal/model"
)

func TestUpdate_SplitRewrite(t *testing.T) {
	f := newFixture(t, 4, nil)
	ctx := context.Background()

	var initial []model.Entry
	for i := 0; i < 10; i++ {
		initial = append(initial, entry(uint64(i), uint64(i+1)))
	}
	require.NoError(t, f.store.Create(ctx, 1, make([]float32, testDim), initial))

	// Snapshot, then a concurrent append lands before the rewrite locks.
	snap, err := f.store.Read(ctx, 1, Live)
	require.NoError(t, err)
	from := uint64(len(snap))
	require.NoError(t, f.store.Append(ctx, 1, entry(100, 20), nil))
	require.NoError(t, f.store.MarkDeleted(ctx, 1, 0, 1, nil))

	left, err := f.store.Stage(ctx, f.store.AllocID(), []float32{0, 0, 0, 0}, snap[:5])
	require.NoError(t, err)
	right, err := f.store.Stage(ctx, f.store.AllocID(), []float32{9, 9, 9, 9}, snap[5:])
	require.NoError(t, err)
	assert.NotEqual(t, left.ID(), right.ID())

	err = f.store.Update(ctx, []model.PartitionID{1}, func(tx *Tx) error {
		tail, err := tx.Tail(ctx, 1, from)
		if err != nil {
			return err
		}
		require.Len(t, tail, 2)
		require.NoError(t, right.Append(ctx, tail[0]))
		require.NoError(t, left.Append(ctx, tail[1]))

		tx.Publish(left, right)
		return tx.Retire(1)
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.store.Append(ctx, 1, entry(7, 30), nil), ErrNotFound)
	_, err = f.store.Read(ctx, 1, Live)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.store.Read(ctx, left.ID(), Live)
	require.NoError(t, err)
	assert.Equal(t, []model.ID{1, 2, 3, 4}, ids(got))
	assert.Equal(t, int64(4), left.Live())

	got, err = f.store.Read(ctx, right.ID(), Live)
	require.NoError(t, err)
	assert.Equal(t, []model.ID{5, 6, 7, 8, 9, 100}, ids(got))

	// The old posting had no readers, so its extents wait for a checkpoint.
	assert.Greater(t, f.blocks.Stats().RetiredBlocks, uint64(0))
	assert.Equal(t, 2, f.store.Len())
}

func TestUpdate_ReaderDelaysFree(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, 1, make([]float32, testDim), []model.Entry{entry(1, 1)}))

	p, ok := f.store.lookup(1)
	require.True(t, ok)
	require.True(t, p.acquire())

	require.NoError(t, f.store.Update(ctx, []model.PartitionID{1}, func(tx *Tx) error {
		return tx.Retire(1)
	}))
	assert.Zero(t, f.blocks.Stats().RetiredBlocks)

	// A reader that already holds the posting can still read it.
	got, err := f.store.readRange(p.state.Load(), 0, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	f.store.release(p)
	assert.Greater(t, f.blocks.Stats().RetiredBlocks, uint64(0))
	assert.False(t, p.acquire(), "freed postings cannot be acquired")
}

func TestUpdate_Errors(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, 1, make([]float32, testDim), nil))

	err := f.store.Update(ctx, []model.PartitionID{1, 2}, func(*Tx) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	err = f.store.Update(ctx, []model.PartitionID{1}, func(tx *Tx) error {
		_, err := tx.Tail(ctx, 2, 0)
		return err
	})
	assert.Error(t, err)

	// The posting is still usable after a failed update.
	require.NoError(t, f.store.Append(ctx, 1, entry(1, 1), nil))
}

func TestStage_Discard(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()

	st, err := f.store.Stage(ctx, 5, make([]float32, testDim), []model.Entry{entry(1, 1)})
	require.NoError(t, err)
	used := f.blocks.Stats().UsedBlocks
	assert.Greater(t, used, uint64(0))

	st.Discard()
	st.Discard()
	assert.Zero(t, f.blocks.Stats().UsedBlocks)
	assert.Equal(t, 0, f.store.Len())

	_, err = f.store.Stage(ctx, 6, []float32{1}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
