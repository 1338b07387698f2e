package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/posting"
	"github.com/hupe1980/lire/internal/wal"
)

// maxAttempts bounds the retries of a write that raced with rewrites.
const maxAttempts = 16

// Insert adds vectors under ids with up to threads concurrent writers. The
// batch is checked up front: a count mismatch, a wrong dimension or an id
// that is live or repeated fails it before anything is written.
func (e *Engine) Insert(ctx context.Context, vectors [][]float32, ids []model.ID, threads int) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(vectors) != len(ids) {
		return fmt.Errorf("%w: %d vectors for %d ids", ErrInvalidArgument, len(vectors), len(ids))
	}

	prepared := make([][]float32, len(vectors))
	seen := make(map[model.ID]struct{}, len(ids))
	for i, v := range vectors {
		p, err := e.prepare(v)
		if err != nil {
			return fmt.Errorf("vector %d: %w", i, err)
		}
		prepared[i] = p

		if _, dup := seen[ids[i]]; dup || e.Contains(ids[i]) {
			return &DuplicateIDError{ID: ids[i]}
		}
		seen[ids[i]] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(threads, 1))
	for i := range prepared {
		g.Go(func() error {
			return e.insert(gctx, ids[i], prepared[i])
		})
	}
	return g.Wait()
}

func (e *Engine) insert(ctx context.Context, id model.ID, vec []float32) (err error) {
	start := time.Now()
	defer func() { e.obs.OnInsert(time.Since(start), err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	e.apply.RLock()
	defer e.apply.RUnlock()
	e.dir.Lock(id)
	defer e.dir.Unlock(id)

	if _, ok := e.dir.Get(id); ok {
		return &DuplicateIDError{ID: id}
	}

	rec := &wal.Record{Type: wal.RecordTypeInsert, ID: id, Vector: vec}
	if err := e.wal.Append(rec); err != nil {
		return ioError("append", filepath.Join(e.path, walDir), err)
	}
	return e.place(ctx, id, vec, model.Stamp(rec.LSN))
}

// place appends a record copy to the nearest partition and points the
// directory at it. The caller holds apply and the stripe lock of id.
func (e *Engine) place(ctx context.Context, id model.ID, vec []float32, stamp model.Stamp) error {
	var (
		pid model.PartitionID
		err error
	)
	for attempt := 0; ; attempt++ {
		pid, err = e.target(ctx, vec)
		if err != nil {
			return err
		}
		loc := model.Location{Partition: pid, Stamp: stamp}
		err = e.posts.Append(ctx, pid, model.Entry{ID: id, Stamp: stamp, Vector: vec}, func() {
			e.dir.Set(id, loc)
		})
		if err == nil {
			break
		}
		if !gone(err) || attempt+1 >= maxAttempts {
			return ioError("append", e.path, err)
		}
	}

	e.setDeleted(id, false)

	e.rebal.Observe(pid)
	return nil
}

// target returns the partition nearest to vec. The first insert into an
// empty index creates a partition centered on it.
func (e *Engine) target(ctx context.Context, vec []float32) (model.PartitionID, error) {
	if routes := e.router.Route(vec, 1); len(routes) > 0 {
		return routes[0].ID, nil
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()
	if routes := e.router.Route(vec, 1); len(routes) > 0 {
		return routes[0].ID, nil
	}

	id := e.posts.AllocID()
	centroid := slices.Clone(vec)
	if err := e.posts.Create(ctx, id, centroid, nil); err != nil {
		return 0, ioError("create", e.path, err)
	}
	if err := e.router.Insert(id, centroid); err != nil {
		return 0, err
	}
	e.logger.Debug("created first partition", "partition", id)
	return id, nil
}

// Remove deletes ids with up to threads concurrent writers. Ids that are
// not live are skipped.
func (e *Engine) Remove(ctx context.Context, ids []model.ID, threads int) error {
	if e.closed.Load() {
		return ErrClosed
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(threads, 1))
	for _, id := range ids {
		g.Go(func() error {
			return e.remove(gctx, id)
		})
	}
	return g.Wait()
}

func (e *Engine) remove(ctx context.Context, id model.ID) (err error) {
	start := time.Now()
	defer func() { e.obs.OnDelete(time.Since(start), err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	e.apply.RLock()
	defer e.apply.RUnlock()
	e.dir.Lock(id)
	defer e.dir.Unlock(id)

	if _, ok := e.dir.Get(id); !ok {
		return nil
	}

	rec := &wal.Record{Type: wal.RecordTypeDelete, ID: id}
	if err := e.wal.Append(rec); err != nil {
		return ioError("append", filepath.Join(e.path, walDir), err)
	}
	return e.tombstone(ctx, id)
}

// tombstone marks the current copy of id deleted and drops it from the
// directory. A copy moved by a concurrent rewrite or reassignment is
// followed to its new location.
func (e *Engine) tombstone(ctx context.Context, id model.ID) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		loc, ok := e.dir.Get(id)
		if !ok {
			return nil
		}
		err := e.posts.MarkDeleted(ctx, loc.Partition, id, loc.Stamp, func() bool {
			return e.dir.CompareAndDelete(id, loc)
		})
		switch {
		case err == nil:
			e.setDeleted(id, true)
			e.rebal.Observe(loc.Partition)
			return nil
		case gone(err) || errors.Is(err, posting.ErrStale):
			continue
		default:
			return ioError("delete", e.path, err)
		}
	}
	return fmt.Errorf("engine: deleting %d: record kept moving", id)
}

// replay applies a log record. Records already contained in the loaded
// state are skipped, so replaying twice yields the same index.
func (e *Engine) replay(ctx context.Context, rec *wal.Record) error {
	stamp := model.Stamp(rec.LSN)
	switch rec.Type {
	case wal.RecordTypeInsert:
		if len(rec.Vector) != e.cfg.Dim {
			return fmt.Errorf("%w: log record %d has dimension %d", ErrInvalidArgument, rec.LSN, len(rec.Vector))
		}
		prev, ok := e.dir.Get(rec.ID)
		if ok && prev.Stamp >= stamp {
			return nil
		}
		if err := e.place(ctx, rec.ID, rec.Vector, stamp); err != nil {
			return err
		}
		if ok {
			e.posts.AddLive(prev.Partition, -1)
		}
	case wal.RecordTypeDelete:
		loc, ok := e.dir.Get(rec.ID)
		if !ok || loc.Stamp > stamp {
			return nil
		}
		return e.tombstone(ctx, rec.ID)
	default:
		return fmt.Errorf("engine: unknown log record type %d", rec.Type)
	}
	return nil
}

func gone(err error) bool {
	return errors.Is(err, posting.ErrNotFound) || errors.Is(err, posting.ErrRetired)
}
