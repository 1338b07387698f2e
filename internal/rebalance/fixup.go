package rebalance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/lire/internal/model"
)

// Kind enumerates the different kinds of fixups.
type Kind int

const (
	// KindSplit divides an oversized partition, or compacts a partition
	// that is mostly garbage.
	KindSplit Kind = iota + 1
	// KindMerge folds an undersized partition into its nearest sibling.
	KindMerge
	// KindCheck routes the records of a partition again and queues
	// reassignments for drifted ones.
	KindCheck
	// KindReassign moves one record to its nearest partition.
	KindReassign
)

func (k Kind) String() string {
	switch k {
	case KindSplit:
		return "split"
	case KindMerge:
		return "merge"
	case KindCheck:
		return "check"
	case KindReassign:
		return "reassign"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// fixup describes an index fixup so that it can be enqueued for processing.
// Each kind needs some subset of the fields.
type fixup struct {
	kind      Kind
	partition model.PartitionID
	// Reassign only.
	id     model.ID
	from   model.Location
	vector []float32
}

// partitionKey is used as a key in a uniqueness map for partition fixups.
type partitionKey struct {
	kind      Kind
	partition model.PartitionID
}

// EnqueueSplit queues a split of a partition.
func (m *Manager) EnqueueSplit(id model.PartitionID) {
	m.add(fixup{kind: KindSplit, partition: id})
}

// EnqueueMerge queues a merge of a partition.
func (m *Manager) EnqueueMerge(id model.PartitionID) {
	m.add(fixup{kind: KindMerge, partition: id})
}

// EnqueueCheck queues a reassignment check of a partition.
func (m *Manager) EnqueueCheck(id model.PartitionID) {
	m.add(fixup{kind: KindCheck, partition: id})
}

// EnqueueReassign queues a move of the record copy at from.
func (m *Manager) EnqueueReassign(id model.ID, from model.Location, vector []float32) {
	m.add(fixup{kind: KindReassign, id: id, from: from, vector: vector})
}

// Pending returns the number of queued or running fixups.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.partitions) + len(m.mu.vectors)
}

// add enqueues the given fixup, unless a duplicate is already pending or the
// pending limit has been reached.
func (m *Manager) add(f fixup) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.mu.partitions)+len(m.mu.vectors) >= m.opts.MaxPending {
		m.dropped.Add(1)
		m.limitHit.Do(func() {
			m.logger.Warn("rebalance: reached limit of pending fixups", "limit", m.opts.MaxPending)
		})
		return
	}

	if f.kind == KindReassign {
		if _, ok := m.mu.vectors[f.id]; ok {
			return
		}
		m.mu.ticket++
		m.mu.vectors[f.id] = m.mu.ticket
	} else {
		key := partitionKey{kind: f.kind, partition: f.partition}
		if _, ok := m.mu.partitions[key]; ok {
			return
		}
		m.mu.ticket++
		m.mu.partitions[key] = m.mu.ticket
	}

	// The send never blocks: the channel has MaxPending capacity.
	m.fixups <- f
}

// done removes a processed fixup from its pending map, even if it failed,
// and wakes waiters.
func (m *Manager) done(f fixup) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.kind == KindReassign {
		delete(m.mu.vectors, f.id)
	} else {
		delete(m.mu.partitions, partitionKey{kind: f.kind, partition: f.partition})
	}

	if m.mu.idle != nil {
		close(m.mu.idle)
		m.mu.idle = nil
	}
}

// pendingThroughLocked reports whether a fixup queued with a ticket at or below
// horizon is still pending. The caller holds m.mu.
func (m *Manager) pendingThroughLocked(horizon uint64) bool {
	for _, t := range m.mu.partitions {
		if t <= horizon {
			return true
		}
	}
	for _, t := range m.mu.vectors {
		if t <= horizon {
			return true
		}
	}
	return false
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for m.run(ctx, true) {
	}
}

// run processes the next fixup in the queue and returns true. If wait is
// false, run returns false when the queue is empty. If wait is true, run
// blocks until it has processed a fixup or ctx is canceled.
func (m *Manager) run(ctx context.Context, wait bool) bool {
	var next fixup
	if wait {
		select {
		case next = <-m.fixups:
		case <-ctx.Done():
			return false
		}
	} else {
		select {
		case next = <-m.fixups:
		default:
			return false
		}
	}

	err := m.opts.Resources.Background(ctx, func(ctx context.Context) error {
		return m.apply(ctx, next)
	})
	if err != nil && ctx.Err() == nil {
		m.failures.Add(1)
		m.logger.Error("rebalance: fixup failed", "kind", next.kind, "partition", next.partition, "error", err)
	}
	if m.opts.OnFixup != nil {
		m.opts.OnFixup(next.kind, err)
	}
	m.done(next)
	return true
}

// apply runs a fixup, retrying failures with exponential backoff. Every
// attempt re-derives its inputs from the current state.
func (m *Manager) apply(ctx context.Context, f fixup) error {
	backoff := m.opts.RetryBackoff
	var err error
	for attempt := 0; attempt <= m.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			m.logger.Warn("rebalance: retrying fixup", "kind", f.kind, "partition", f.partition, "attempt", attempt, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		switch f.kind {
		case KindSplit:
			err = m.split(ctx, f.partition)
		case KindMerge:
			err = m.merge(ctx, f.partition)
		case KindCheck:
			err = m.check(ctx, f.partition)
		case KindReassign:
			err = m.reassign(ctx, f.id, f.from, f.vector)
		default:
			return fmt.Errorf("rebalance: unknown fixup %d", f.kind)
		}
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return err
}

// drain applies the fixups queued when it is called. It runs them on the
// calling goroutine and waits for the ones held by workers. Fixups queued
// later, by workers or the scan, are left for the next drain.
func (m *Manager) drain(ctx context.Context) error {
	m.mu.Lock()
	horizon := m.mu.ticket
	m.mu.Unlock()
	budget := len(m.fixups)

	for {
		for ; budget > 0 && m.run(ctx, false); budget-- {
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.Lock()
		if !m.pendingThroughLocked(horizon) {
			m.mu.Unlock()
			return nil
		}
		if m.mu.idle == nil {
			m.mu.idle = make(chan struct{})
		}
		idle := m.mu.idle
		m.mu.Unlock()

		// Workers may enqueue follow-up fixups while we wait.
		select {
		case <-idle:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until no fixups are pending. It does not run fixups itself.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		if len(m.mu.partitions) == 0 && len(m.mu.vectors) == 0 {
			m.mu.Unlock()
			return nil
		}
		if m.mu.idle == nil {
			m.mu.idle = make(chan struct{})
		}
		idle := m.mu.idle
		m.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) scanner(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.quiescing.Load() == 0 {
				m.scanOnce()
			}
		}
	}
}

// scanOnce queues checks for the next ScanBatch partitions, round robin,
// and rediscovers size violations whose fixups were dropped.
func (m *Manager) scanOnce() []model.PartitionID {
	ids := m.opts.Postings.IDs()
	if len(ids) == 0 {
		return nil
	}

	m.mu.Lock()
	cursor := m.mu.cursor
	m.mu.Unlock()

	start := 0
	for start < len(ids) && ids[start] < cursor {
		start++
	}
	n := min(m.opts.ScanBatch, len(ids))
	batch := make([]model.PartitionID, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, ids[(start+i)%len(ids)])
	}

	m.mu.Lock()
	m.mu.cursor = batch[len(batch)-1] + 1
	m.mu.Unlock()

	for _, id := range batch {
		m.Observe(id)
		m.EnqueueCheck(id)
	}
	return batch
}
