package directory

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/hupe1980/lire/internal/model"
)

const stripes = 256

type item struct {
	id  model.ID
	loc model.Location
}

func itemLess(a, b item) bool { return a.id < b.id }

// Directory is an ordered id -> Location map safe for concurrent use.
type Directory struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[item]

	locks [stripes]sync.Mutex
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		tree: btree.NewBTreeGOptions(itemLess, btree.Options{NoLocks: true}),
	}
}

// Lock acquires the stripe lock of id.
func (d *Directory) Lock(id model.ID) {
	d.locks[stripe(id)].Lock()
}

// Unlock releases the stripe lock of id.
func (d *Directory) Unlock(id model.ID) {
	d.locks[stripe(id)].Unlock()
}

func stripe(id model.ID) uint64 {
	// Fibonacci hashing spreads sequential ids over the stripes.
	return (uint64(id) * 0x9E3779B97F4A7C15) >> 56
}

// Get returns the location of id.
func (d *Directory) Get(id model.ID) (model.Location, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	it, ok := d.tree.Get(item{id: id})
	return it.loc, ok
}

// Visible reports whether a record copy of id placed under stamp is the
// authoritative one.
func (d *Directory) Visible(id model.ID, stamp model.Stamp) bool {
	loc, ok := d.Get(id)
	return ok && loc.Stamp == stamp
}

// Len returns the number of ids.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Len()
}

// Set stores loc for id unconditionally.
func (d *Directory) Set(id model.ID, loc model.Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tree.Set(item{id: id, loc: loc})
}

// Observe stores loc unless id already maps to a location with a higher
// or equal stamp. It is used while rebuilding the directory from postings.
func (d *Directory) Observe(id model.ID, loc model.Location) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.tree.Get(item{id: id}); ok && cur.loc.Stamp >= loc.Stamp {
		return false
	}
	d.tree.Set(item{id: id, loc: loc})
	return true
}

// Reserve stores loc for id if id is absent.
func (d *Directory) Reserve(id model.ID, loc model.Location) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tree.Get(item{id: id}); ok {
		return false
	}
	d.tree.Set(item{id: id, loc: loc})
	return true
}

// CompareAndSwap replaces the location of id with next if it is still old.
func (d *Directory) CompareAndSwap(id model.ID, old, next model.Location) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.tree.Get(item{id: id})
	if !ok || cur.loc != old {
		return false
	}
	d.tree.Set(item{id: id, loc: next})
	return true
}

// CompareAndDelete removes id if it still maps to old.
func (d *Directory) CompareAndDelete(id model.ID, old model.Location) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.tree.Get(item{id: id})
	if !ok || cur.loc != old {
		return false
	}
	d.tree.Delete(item{id: id})
	return true
}

// Delete removes id and returns its previous location.
func (d *Directory) Delete(id model.ID) (model.Location, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.tree.Delete(item{id: id})
	return it.loc, ok
}

// Scan calls fn for every id in ascending order until fn returns false.
// fn must not call back into the directory.
func (d *Directory) Scan(fn func(id model.ID, loc model.Location) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.tree.Scan(func(it item) bool {
		return fn(it.id, it.loc)
	})
}

// CountByPartition returns the number of ids owned by every partition.
func (d *Directory) CountByPartition() map[model.PartitionID]int64 {
	counts := make(map[model.PartitionID]int64)
	d.Scan(func(_ model.ID, loc model.Location) bool {
		counts[loc.Partition]++
		return true
	})
	return counts
}
