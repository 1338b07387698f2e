package directory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lire/internal/model"
)

func loc(p, s uint64) model.Location {
	return model.Location{Partition: model.PartitionID(p), Stamp: model.Stamp(s)}
}

func TestDirectory_Basic(t *testing.T) {
	d := New()
	_, ok := d.Get(1)
	assert.False(t, ok)

	d.Set(1, loc(10, 5))
	got, ok := d.Get(1)
	require.True(t, ok)
	assert.Equal(t, loc(10, 5), got)
	assert.Equal(t, 1, d.Len())

	assert.True(t, d.Visible(1, 5))
	assert.False(t, d.Visible(1, 4))
	assert.False(t, d.Visible(2, 5))

	assert.False(t, d.Reserve(1, loc(11, 6)))
	assert.True(t, d.Reserve(2, loc(11, 6)))

	prev, ok := d.Delete(2)
	require.True(t, ok)
	assert.Equal(t, loc(11, 6), prev)
	_, ok = d.Delete(2)
	assert.False(t, ok)
}

func TestDirectory_CompareAndSwap(t *testing.T) {
	d := New()
	d.Set(7, loc(1, 3))

	assert.False(t, d.CompareAndSwap(7, loc(2, 3), loc(4, 3)))
	assert.True(t, d.CompareAndSwap(7, loc(1, 3), loc(4, 3)))
	got, _ := d.Get(7)
	assert.Equal(t, loc(4, 3), got)

	assert.False(t, d.CompareAndSwap(8, loc(1, 1), loc(2, 2)), "absent ids never swap")

	assert.False(t, d.CompareAndDelete(7, loc(1, 3)))
	assert.True(t, d.CompareAndDelete(7, loc(4, 3)))
	assert.Equal(t, 0, d.Len())
}

func TestDirectory_Observe(t *testing.T) {
	d := New()
	assert.True(t, d.Observe(1, loc(1, 5)))
	assert.False(t, d.Observe(1, loc(2, 3)), "lower stamp loses")
	assert.False(t, d.Observe(1, loc(2, 5)), "equal stamp keeps the first")
	assert.True(t, d.Observe(1, loc(3, 9)))

	got, _ := d.Get(1)
	assert.Equal(t, loc(3, 9), got)
}

func TestDirectory_ScanAndCount(t *testing.T) {
	d := New()
	for i := 0; i < 10; i++ {
		d.Set(model.ID(9-i), loc(uint64(i%3), uint64(i+1)))
	}

	var ids []model.ID
	d.Scan(func(id model.ID, _ model.Location) bool {
		ids = append(ids, id)
		return id < 4
	})
	assert.Equal(t, []model.ID{0, 1, 2, 3, 4}, ids)

	counts := d.CountByPartition()
	assert.Equal(t, map[model.PartitionID]int64{0: 4, 1: 3, 2: 3}, counts)
}

func TestDirectory_ConcurrentCAS(t *testing.T) {
	d := New()
	d.Set(1, loc(1, 1))

	var wg sync.WaitGroup
	wins := make(chan int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if d.CompareAndSwap(1, loc(1, 1), loc(uint64(i+2), 1)) {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	assert.Equal(t, 1, n)
}

func TestDirectory_StripeLock(t *testing.T) {
	d := New()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Lock(42)
			counter++
			d.Unlock(42)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
