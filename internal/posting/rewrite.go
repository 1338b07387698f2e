package posting

import (
	"context"
	"fmt"
	"slices"

	"github.com/hupe1980/lire/internal/model"
)

// Staged is a written posting that is not yet visible in the table.
type Staged struct {
	s         *Store
	p         *posting
	published bool
	discarded bool
}

// ID returns the partition id of the staged posting.
func (st *Staged) ID() model.PartitionID { return st.p.id }

// Centroid returns the centroid of the staged posting.
func (st *Staged) Centroid() []float32 { return st.p.centroid }

// Len returns the number of entries written so far.
func (st *Staged) Len() uint64 { return st.p.state.Load().length }

// Live returns the live record count.
func (st *Staged) Live() int64 { return st.p.live.Load() }

// AddLive adjusts the live count, e.g. for records whose move lost a race.
func (st *Staged) AddLive(delta int64) { st.p.live.Add(delta) }

// Append writes more entries. Tombstones are allowed.
func (st *Staged) Append(ctx context.Context, entries ...model.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	st.p.mu.Lock()
	defer st.p.mu.Unlock()
	if err := st.s.appendLocked(st.p, entries); err != nil {
		return fmt.Errorf("staged posting %d: %w", st.p.id, err)
	}
	for _, e := range entries {
		if e.Deleted {
			st.p.live.Add(-1)
		}
	}
	return nil
}

// Discard drops a staged posting and its extents. A posting that was
// already published is removed from the table again; it must not own any
// records yet.
func (st *Staged) Discard() {
	if st == nil || st.discarded {
		return
	}
	st.discarded = true
	if st.published {
		st.s.unpublish(st.p)
		st.s.retire(st.p)
		return
	}
	st.s.blocks.Release(st.p.state.Load().extents...)
}

// Stage writes a new posting holding entries without publishing it.
func (s *Store) Stage(ctx context.Context, id model.PartitionID, centroid []float32, entries []model.Entry) (*Staged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(centroid) != s.dim {
		return nil, fmt.Errorf("%w: centroid %d != %d", ErrDimensionMismatch, len(centroid), s.dim)
	}

	// Leave room for appends before the first growth.
	capacity := uint64(len(entries)) + uint64(len(entries))/4 + 8
	exts, err := s.allocate(s.entryOffset(capacity))
	if err != nil {
		return nil, err
	}

	p := &posting{id: id, centroid: slices.Clone(centroid)}
	p.state.Store(&layout{extents: exts, capacity: s.capacity(exts)})
	p.refs.Store(1)
	st := &Staged{s: s, p: p}

	if err := s.writeSpan(exts, 0, encodeHeader(id, p.centroid, s.entrySize)); err != nil {
		st.Discard()
		return nil, fmt.Errorf("staged posting %d: %w", id, err)
	}
	if err := st.Append(ctx, entries...); err != nil {
		st.Discard()
		return nil, err
	}
	return st, nil
}

// Tx gives an Update callback exclusive access to the locked postings.
type Tx struct {
	s      *Store
	locked map[model.PartitionID]*posting
}

func (tx *Tx) get(id model.PartitionID) (*posting, error) {
	p, ok := tx.locked[id]
	if !ok {
		return nil, fmt.Errorf("posting: partition %d not locked by this update", id)
	}
	return p, nil
}

// Length returns the published entry count of a locked posting.
func (tx *Tx) Length(id model.PartitionID) uint64 {
	p, ok := tx.locked[id]
	if !ok {
		return 0
	}
	return p.state.Load().length
}

// Tail returns the entries of a locked posting appended at or after index
// from, tombstones included.
func (tx *Tx) Tail(ctx context.Context, id model.PartitionID, from uint64) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := tx.get(id)
	if err != nil {
		return nil, err
	}
	st := p.state.Load()
	if from >= st.length {
		return nil, nil
	}
	out, err := tx.s.readRange(st, from, st.length)
	if err != nil {
		return nil, fmt.Errorf("posting %d: %w", id, err)
	}
	return out, nil
}

// Publish makes staged postings visible.
func (tx *Tx) Publish(staged ...*Staged) {
	tx.s.publish(staged...)
}

// Retire removes locked postings from the table. Later appends to them fail
// with ErrRetired; readers that already hold them finish undisturbed.
func (tx *Tx) Retire(ids ...model.PartitionID) error {
	ps := make([]*posting, 0, len(ids))
	for _, id := range ids {
		p, err := tx.get(id)
		if err != nil {
			return err
		}
		if !p.retired() {
			ps = append(ps, p)
		}
	}
	tx.s.unpublish(ps...)
	for _, p := range ps {
		tx.s.retire(p)
	}
	return nil
}

// Update locks the given postings in ascending id order and runs fn. The
// postings must exist and must not be retired.
func (s *Store) Update(ctx context.Context, ids []model.PartitionID, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	ps := make([]*posting, 0, len(ids))
	for _, id := range ids {
		p, ok := s.lookup(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		ps = append(ps, p)
	}

	tx := &Tx{s: s, locked: make(map[model.PartitionID]*posting, len(ps))}
	for _, p := range ps {
		p.mu.Lock()
		defer p.mu.Unlock()
		tx.locked[p.id] = p
	}
	for _, p := range ps {
		if p.retired() {
			return fmt.Errorf("%w: %d", ErrRetired, p.id)
		}
	}
	return fn(tx)
}
