package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/lire/internal/kmeans"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/posting"
)

// target is one posting produced by a rewrite.
type target struct {
	centroid []float32
	entries  []model.Entry
	from     []model.PartitionID // source partition of every entry
}

// ref locates a record copy placed by a rewrite.
type ref struct {
	stamp  model.Stamp
	from   model.PartitionID
	target int
	dead   bool
}

// owned returns the authoritative live records of a posting snapshot.
func (m *Manager) owned(entries []model.Entry) []model.Entry {
	seen := make(map[model.ID]struct{}, len(entries))
	out := make([]model.Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		if !e.Deleted && m.opts.Directory.Visible(e.ID, e.Stamp) {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out
}

// snapshot reads a posting and returns its owned records and the length
// the tail of a later rewrite starts at.
func (m *Manager) snapshot(ctx context.Context, id model.PartitionID) ([]model.Entry, uint64, error) {
	if length, ok := m.opts.Postings.Length(id); ok {
		if err := m.acquireIO(ctx, length); err != nil {
			return nil, 0, err
		}
	}
	entries, err := m.opts.Postings.Read(ctx, id, posting.All)
	if err != nil {
		return nil, 0, err
	}
	return m.owned(entries), uint64(len(entries)), nil
}

// gone reports whether err means the partition was already replaced.
func gone(err error) bool {
	return errors.Is(err, posting.ErrNotFound) || errors.Is(err, posting.ErrRetired)
}

// split divides an oversized partition with balanced 2-means, or rewrites
// a partition that is mostly garbage into a single compacted posting.
func (m *Manager) split(ctx context.Context, id model.PartitionID) error {
	live, ok := m.opts.Postings.Live(id)
	if !ok {
		return nil
	}
	length, _ := m.opts.Postings.Length(id)
	if live <= int64(m.opts.MaxSize) && !m.garbage(length, live) {
		return nil
	}
	centroid, ok := m.opts.Router.Centroid(id)
	if !ok {
		return nil
	}

	owned, from, err := m.snapshot(ctx, id)
	if gone(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rebalance: reading partition %d: %w", id, err)
	}

	sources := []model.PartitionID{id}
	froms := map[model.PartitionID]uint64{id: from}

	// The live count drifted or the posting is mostly garbage: one
	// compacted posting with exact counts.
	if len(owned) <= m.opts.MaxSize {
		staged, err := m.rewrite(ctx, sources, froms, []target{{centroid: centroid, entries: owned, from: fill(id, len(owned))}})
		if err != nil {
			return fmt.Errorf("rebalance: compacting partition %d: %w", id, err)
		}
		m.compactions.Add(1)
		m.logger.Debug("rebalance: compacted partition", "partition", id, "into", staged[0].ID(), "live", staged[0].Live(), "length", length)
		m.commit(ctx)
		m.Observe(staged[0].ID())
		return nil
	}

	dim := m.opts.Dim
	flat := make([]float32, 0, len(owned)*dim)
	for _, e := range owned {
		flat = append(flat, e.Vector...)
	}
	sp, err := kmeans.TwoMeans(flat, dim, m.opts.Metric, m.opts.KMeansIters, m.opts.Seed+m.seq.Add(1))
	if err != nil {
		return fmt.Errorf("rebalance: clustering partition %d: %w", id, err)
	}

	targets := []target{{centroid: sp.Centroids[0]}, {centroid: sp.Centroids[1]}}
	for i, e := range owned {
		t := &targets[sp.Side[i]]
		t.entries = append(t.entries, e)
		t.from = append(t.from, id)
	}

	staged, err := m.rewrite(ctx, sources, froms, targets)
	if err != nil {
		return fmt.Errorf("rebalance: splitting partition %d: %w", id, err)
	}
	m.splits.Add(1)
	m.logger.Debug("rebalance: split partition", "partition", id,
		"left", staged[0].ID(), "left_live", staged[0].Live(),
		"right", staged[1].ID(), "right_live", staged[1].Live())
	m.commit(ctx)

	for _, st := range staged {
		m.Observe(st.ID())
		m.EnqueueCheck(st.ID())
	}
	// Records of nearby partitions may now be closer to a new centroid.
	for _, c := range m.opts.Router.Route(centroid, m.opts.ReassignNeighbors+len(staged)) {
		if c.ID != staged[0].ID() && c.ID != staged[1].ID() {
			m.EnqueueCheck(c.ID)
		}
	}
	return nil
}

// merge folds an undersized partition and its nearest sibling into one new
// partition. The result may be split again.
func (m *Manager) merge(ctx context.Context, id model.PartitionID) error {
	live, ok := m.opts.Postings.Live(id)
	if !ok || live >= int64(m.opts.MinSize) || m.opts.Postings.Len() < 2 {
		return nil
	}
	centroid, ok := m.opts.Router.Centroid(id)
	if !ok {
		return nil
	}

	var sibling model.PartitionID
	found := false
	for _, c := range m.opts.Router.Route(centroid, 2) {
		if c.ID != id {
			sibling, found = c.ID, true
			break
		}
	}
	if !found {
		return nil
	}

	small, fromSmall, err := m.snapshot(ctx, id)
	if err == nil {
		var big []model.Entry
		var fromBig uint64
		big, fromBig, err = m.snapshot(ctx, sibling)
		if err == nil {
			return m.mergeInto(ctx, id, sibling, small, big, fromSmall, fromBig)
		}
	}
	if gone(err) {
		return nil
	}
	return fmt.Errorf("rebalance: merging partition %d: %w", id, err)
}

func (m *Manager) mergeInto(ctx context.Context, id, sibling model.PartitionID, small, big []model.Entry, fromSmall, fromBig uint64) error {
	t := target{
		entries: make([]model.Entry, 0, len(small)+len(big)),
		from:    make([]model.PartitionID, 0, len(small)+len(big)),
	}
	seen := make(map[model.ID]struct{}, len(big))
	for _, e := range big {
		seen[e.ID] = struct{}{}
		t.entries = append(t.entries, e)
		t.from = append(t.from, sibling)
	}
	for _, e := range small {
		if _, dup := seen[e.ID]; !dup {
			t.entries = append(t.entries, e)
			t.from = append(t.from, id)
		}
	}

	flat := make([]float32, 0, len(t.entries)*m.opts.Dim)
	for _, e := range t.entries {
		flat = append(flat, e.Vector...)
	}
	if len(t.entries) > 0 {
		t.centroid = kmeans.Mean(flat, m.opts.Dim, m.opts.Metric)
	} else {
		t.centroid, _ = m.opts.Router.Centroid(sibling)
	}

	sources := []model.PartitionID{id, sibling}
	froms := map[model.PartitionID]uint64{id: fromSmall, sibling: fromBig}
	staged, err := m.rewrite(ctx, sources, froms, []target{t})
	if gone(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rebalance: merging partition %d into %d: %w", id, sibling, err)
	}
	m.merges.Add(1)
	m.logger.Debug("rebalance: merged partition", "partition", id, "sibling", sibling, "into", staged[0].ID(), "live", staged[0].Live())
	m.commit(ctx)

	m.Observe(staged[0].ID())
	m.EnqueueCheck(staged[0].ID())
	return nil
}

// rewrite replaces the sources by new postings holding targets. Records
// appended to the sources since their snapshots are placed in the nearest
// target under the source locks; records whose directory entry moved away
// in the meantime stay behind as stale copies.
//
// On failure the staged postings are discarded and the sources remain
// authoritative.
func (m *Manager) rewrite(ctx context.Context, sources []model.PartitionID, froms map[model.PartitionID]uint64, targets []target) ([]*posting.Staged, error) {
	posts := m.opts.Postings
	staged := make([]*posting.Staged, len(targets))
	discard := func() {
		for _, st := range staged {
			st.Discard()
		}
	}

	where := make(map[model.ID]ref)
	for i, t := range targets {
		if err := m.acquireIO(ctx, uint64(len(t.entries))); err != nil {
			discard()
			return nil, err
		}
		st, err := posts.Stage(ctx, posts.AllocID(), t.centroid, t.entries)
		if err != nil {
			discard()
			return nil, err
		}
		staged[i] = st
		for j, e := range t.entries {
			where[e.ID] = ref{stamp: e.Stamp, from: t.from[j], target: i}
		}
	}

	m.opts.Barrier.RLock()
	defer m.opts.Barrier.RUnlock()

	err := posts.Update(ctx, sources, func(tx *posting.Tx) error {
		for _, src := range sources {
			tail, err := tx.Tail(ctx, src, froms[src])
			if err != nil {
				return err
			}
			if err := m.placeTail(ctx, src, tail, targets, staged, where); err != nil {
				return err
			}
		}

		ids := make([]model.PartitionID, len(staged))
		centroids := make([]float32, 0, len(staged)*m.opts.Dim)
		for i, st := range staged {
			ids[i] = st.ID()
			centroids = append(centroids, st.Centroid()...)
		}
		// Publish first: writers routed to a source block on its lock and
		// see ErrRetired once we are done, then find the new postings.
		tx.Publish(staged...)
		if err := m.opts.Router.Replace(sources, ids, centroids); err != nil {
			return err
		}

		for id, r := range where {
			if r.dead {
				continue
			}
			next := model.Location{Partition: staged[r.target].ID(), Stamp: r.stamp}
			if !m.opts.Directory.CompareAndSwap(id, model.Location{Partition: r.from, Stamp: r.stamp}, next) {
				staged[r.target].AddLive(-1)
			}
		}
		return tx.Retire(sources...)
	})
	if err != nil {
		discard()
		return nil, err
	}
	return staged, nil
}

// placeTail moves the records appended to src after its snapshot.
func (m *Manager) placeTail(ctx context.Context, src model.PartitionID, tail []model.Entry, targets []target, staged []*posting.Staged, where map[model.ID]ref) error {
	for _, e := range tail {
		if e.Deleted {
			r, ok := where[e.ID]
			if !ok || r.dead || r.stamp != e.Stamp {
				continue
			}
			if err := staged[r.target].Append(ctx, e); err != nil {
				return err
			}
			r.dead = true
			where[e.ID] = r
			continue
		}
		if !m.opts.Directory.Visible(e.ID, e.Stamp) {
			continue
		}
		i := m.nearest(e.Vector, targets)
		if err := staged[i].Append(ctx, e); err != nil {
			return err
		}
		// A visible newer copy makes the earlier one stale.
		if prev, ok := where[e.ID]; ok && !prev.dead {
			staged[prev.target].AddLive(-1)
		}
		where[e.ID] = ref{stamp: e.Stamp, from: src, target: i}
	}
	return nil
}

func (m *Manager) nearest(vec []float32, targets []target) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for i, t := range targets {
		if d := m.dist(vec, t.centroid); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func fill(id model.PartitionID, n int) []model.PartitionID {
	out := make([]model.PartitionID, n)
	for i := range out {
		out[i] = id
	}
	return out
}
