package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/lire/blobstore"
	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/directory"
	"github.com/hupe1980/lire/internal/manifest"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/posting"
	"github.com/hupe1980/lire/internal/quantization"
	"github.com/hupe1980/lire/internal/rebalance"
	"github.com/hupe1980/lire/internal/resource"
	"github.com/hupe1980/lire/internal/router"
	"github.com/hupe1980/lire/internal/search"
	"github.com/hupe1980/lire/internal/wal"
)

const walDir = "wal"

// Engine is a disk-resident partitioned vector index.
// All methods are safe for concurrent use.
type Engine struct {
	path   string
	cfg    Config
	logger *slog.Logger
	obs    Observer
	clock  *model.Clock

	blocks    *blockstore.Store
	codec     quantization.Codec
	posts     *posting.Store
	router    *router.Router
	dir       *directory.Directory
	res       *resource.Controller
	rebal     *rebalance.Manager
	searcher  *search.Engine
	manifests *manifest.Store
	wal       *wal.WAL

	current atomic.Pointer[manifest.Manifest]

	// apply is held shared by writers and rewrites, exclusively by the
	// checkpoint capture.
	apply    sync.RWMutex
	commitMu sync.Mutex
	createMu sync.Mutex

	deletedMu sync.Mutex
	deleted   *roaring64.Bitmap
	touched   *roaring64.Bitmap // ids whose deletion changed while a prune runs
	pruneMark int64             // rewrites seen by the last prune; guarded by commitMu

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// assemble builds the in-memory components on top of an open block store.
// The codec must be trained.
func assemble(path string, cfg Config, blocks *blockstore.Store, codec quantization.Codec, clock *model.Clock) (*Engine, error) {
	e := &Engine{
		path:      path,
		cfg:       cfg,
		logger:    cfg.Logger,
		obs:       cfg.Observer,
		clock:     clock,
		blocks:    blocks,
		codec:     codec,
		dir:       directory.New(),
		deleted:   roaring64.New(),
		manifests: manifest.NewStore(blobstore.NewLocalStoreFS(path, cfg.FS), manifest.Options{Compression: cfg.Compression}),
	}

	e.res = resource.NewController(resource.Config{
		MemoryLimitBytes:     cfg.MemoryLimitBytes,
		MaxBackgroundWorkers: int64(max(cfg.RebalanceWorkers, 1)),
		IOLimitBytesPerSec:   cfg.IOLimitBytesPerSec,
	})

	var err error
	e.posts, err = posting.New(posting.Options{
		Codec:     codec,
		Blocks:    blocks,
		Clock:     clock,
		CacheSize: cfg.CacheSize,
		Resources: e.res,
		Logger:    e.logger,
	})
	if err != nil {
		return nil, err
	}

	e.router, err = router.New(router.Options{
		Dim:    cfg.Dim,
		Metric: cfg.Metric,
		Seed:   cfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	e.searcher, err = search.New(search.Options{
		Dim:       cfg.Dim,
		Metric:    cfg.Metric,
		Router:    e.router,
		Postings:  e.posts,
		Directory: e.dir,
		Logger:    e.logger,
	})
	if err != nil {
		return nil, err
	}

	e.rebal, err = rebalance.New(rebalance.Options{
		Dim:               cfg.Dim,
		Metric:            cfg.Metric,
		MinSize:           cfg.MinPartitionSize,
		MaxSize:           cfg.MaxPartitionSize,
		ReassignFanout:    cfg.ReassignFanout,
		ReassignNeighbors: cfg.ReassignNeighbors,
		Workers:           cfg.RebalanceWorkers,
		MaxPending:        cfg.MaxPendingFixups,
		ScanInterval:      cfg.ScanInterval,
		ScanBatch:         cfg.ScanBatch,
		RetryAttempts:     cfg.RetryAttempts,
		RetryBackoff:      cfg.RetryBackoff,
		KMeansIters:       cfg.KMeansIterations,
		Seed:              cfg.Seed,
		Router:            e.router,
		Postings:          e.posts,
		Directory:         e.dir,
		Clock:             clock,
		Resources:         e.res,
		Barrier:           &e.apply,
		Commit:            e.Checkpoint,
		OnFixup: func(kind rebalance.Kind, err error) {
			e.obs.OnFixup(kind.String(), err)
			e.obs.OnQueueDepth(e.rebal.Pending())
		},
		Logger: e.logger,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// openWAL opens the mutation log of the index.
func (e *Engine) openWAL() error {
	w, err := wal.Open(e.cfg.FS, filepath.Join(e.path, walDir), wal.Options{
		Durability:  e.cfg.Durability,
		SegmentSize: e.cfg.WALSegmentSize,
		Clock:       e.clock,
		Logger:      e.logger,
	})
	if err != nil {
		return ioError("open", filepath.Join(e.path, walDir), err)
	}
	e.wal = w
	return nil
}

// start launches the rebalancer and the periodic checkpoint.
func (e *Engine) start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.rebal.Start(ctx)
	e.obs.OnPartitions(e.posts.Len())

	if e.cfg.CheckpointInterval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Checkpoint(ctx); err != nil && ctx.Err() == nil {
					e.logger.Error("checkpoint failed", "error", err)
				}
			}
		}
	}()
}

// Close stops background work, commits a final checkpoint and releases
// the files. Pending fixups are dropped; the next Open finds the
// violations again.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.rebal.Stop()
	e.wg.Wait()

	var errs []error
	if err := e.checkpoint(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			errs = append(errs, ioError("close", filepath.Join(e.path, walDir), err))
		}
	}
	if err := e.blocks.Close(); err != nil {
		errs = append(errs, ioError("close", e.path, err))
	}
	e.logger.Info("engine closed", "path", e.path)
	return errors.Join(errs...)
}

// abort releases the files of an engine that never started.
func (e *Engine) abort() {
	if e.wal != nil {
		_ = e.wal.Close()
	}
	_ = e.blocks.Close()
}

// Path returns the index directory.
func (e *Engine) Path() string { return e.path }

// Dim returns the vector dimension.
func (e *Engine) Dim() int { return e.cfg.Dim }

// Config returns the effective settings.
func (e *Engine) Config() Config { return e.cfg }

// Len returns the number of live vectors.
func (e *Engine) Len() int { return e.dir.Len() }

// Contains reports whether id is live.
func (e *Engine) Contains(id model.ID) bool {
	_, ok := e.dir.Get(id)
	return ok
}

// Quiesce applies fixups until every partition is within its size bounds
// and commits the result.
func (e *Engine) Quiesce(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.rebal.Quiesce(ctx); err != nil {
		return err
	}
	return e.Checkpoint(ctx)
}

func (e *Engine) prepare(vec []float32) ([]float32, error) {
	if len(vec) != e.cfg.Dim {
		return nil, fmt.Errorf("%w: dimension mismatch: expected %d, got %d", ErrInvalidArgument, e.cfg.Dim, len(vec))
	}
	if !e.cfg.normalize() {
		return vec, nil
	}
	out, ok := distance.NormalizeL2Copy(vec)
	if !ok {
		return nil, fmt.Errorf("%w: cannot normalize a zero vector", ErrInvalidArgument)
	}
	return out, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// retry runs fn up to RetryAttempts+1 times, doubling RetryBackoff between
// attempts. Context errors and invalid arguments end it early. fn must undo
// its partial effects before it fails.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	backoff := e.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			e.logger.Warn("retrying", "op", op, "attempt", attempt, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		err = fn()
		if err == nil || isContextErr(err) || errors.Is(err, ErrInvalidArgument) {
			return err
		}
	}
	return err
}
