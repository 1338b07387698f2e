package rebalance

import (
	"context"
	"fmt"

	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/router"
)

// check queues a reassignment for every record of a partition that is not
// among its ReassignFanout nearest partitions.
func (m *Manager) check(ctx context.Context, id model.PartitionID) error {
	owned, _, err := m.snapshot(ctx, id)
	if gone(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rebalance: checking partition %d: %w", id, err)
	}

	queued := 0
	for _, e := range owned {
		if err := ctx.Err(); err != nil {
			return err
		}
		routes := m.opts.Router.Route(e.Vector, m.opts.ReassignFanout)
		if len(routes) == 0 || routed(routes, id) {
			continue
		}
		m.EnqueueReassign(e.ID, model.Location{Partition: id, Stamp: e.Stamp}, e.Vector)
		queued++
	}
	if queued > 0 {
		m.logger.Debug("rebalance: queued reassignments", "partition", id, "records", queued)
	}
	return nil
}

// reassign moves the record copy at from to the nearest partition. The copy
// is appended under a fresh stamp and the directory is swapped over; if the
// record changed in the meantime the move is a no-op.
func (m *Manager) reassign(ctx context.Context, id model.ID, from model.Location, vec []float32) error {
	dir := m.opts.Directory
	dir.Lock(id)
	defer dir.Unlock(id)

	if loc, ok := dir.Get(id); !ok || loc != from {
		return nil
	}
	routes := m.opts.Router.Route(vec, m.opts.ReassignFanout)
	if len(routes) == 0 || routed(routes, from.Partition) {
		return nil
	}
	dst := routes[0].ID

	if err := m.acquireIO(ctx, 1); err != nil {
		return err
	}
	stamp := model.Stamp(m.opts.Clock.Next())
	moved := false
	err := m.opts.Postings.Append(ctx, dst, model.Entry{ID: id, Stamp: stamp, Vector: vec}, func() {
		moved = dir.CompareAndSwap(id, from, model.Location{Partition: dst, Stamp: stamp})
	})
	if gone(err) {
		// Routed to a partition that is being rewritten; a later check
		// finds the record again.
		return nil
	}
	if err != nil {
		return fmt.Errorf("rebalance: reassigning %d to partition %d: %w", id, dst, err)
	}

	if !moved {
		// A concurrent rewrite moved the record first: the new copy is stale.
		m.opts.Postings.AddLive(dst, -1)
		return nil
	}
	m.opts.Postings.AddLive(from.Partition, -1)
	m.reassigns.Add(1)

	m.Observe(dst)
	m.Observe(from.Partition)
	return nil
}

func routed(routes []router.Candidate, id model.PartitionID) bool {
	for _, c := range routes {
		if c.ID == id {
			return true
		}
	}
	return false
}
