package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/lire/blobstore"
	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/manifest"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/posting"
	"github.com/hupe1980/lire/internal/quantization"
	"github.com/hupe1980/lire/internal/wal"
)

// Open opens the index in path and recovers the writes logged after its
// last checkpoint. The index shape is taken from the manifest.
func Open(ctx context.Context, path string, cfg Config) (*Engine, error) {
	start := time.Now()
	cfg.setDefaults()

	manifests := manifest.NewStore(blobstore.NewLocalStoreFS(path, cfg.FS), manifest.Options{Compression: cfg.Compression})
	m, err := manifests.Load(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotBuilt, path)
		}
		return nil, ioError("load", filepath.Join(path, manifest.CurrentFileName), incompatible(err))
	}

	if cfg.Dim != 0 && cfg.Dim != m.Dim {
		return nil, fmt.Errorf("%w: index dimension is %d, got %d", ErrInvalidArgument, m.Dim, cfg.Dim)
	}
	cfg.Dim = m.Dim
	if cfg.Metric, err = distance.ParseMetric(m.Metric); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncompatibleFormat, err)
	}
	cfg.Codec = quantization.Kind(m.Codec)
	cfg.Normalize = m.Normalize
	cfg.BlockSize = int(m.BlockSize)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	codec, err := quantization.New(cfg.Codec, cfg.Dim)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncompatibleFormat, err)
	}
	if err := codec.UnmarshalBinary(m.CodecState); err != nil {
		return nil, fmt.Errorf("%w: codec state: %w", ErrIncompatibleFormat, err)
	}

	blocks, err := blockstore.Open(path, blockstore.State{Files: m.Files, Free: m.Free}, blockstore.Options{
		BlockSize:     cfg.BlockSize,
		BlocksPerFile: cfg.BlocksPerFile,
		FS:            cfg.FS,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, ioError("open", path, incompatible(err))
	}
	if freed := blocks.Reconcile(m.ReferencedExtents()); freed > 0 {
		cfg.Logger.Info("reclaimed unreferenced blocks", "blocks", freed)
	}

	clock := &model.Clock{}
	clock.AdvanceTo(m.Clock)
	e, err := assemble(path, cfg, blocks, codec, clock)
	if err != nil {
		_ = blocks.Close()
		return nil, err
	}
	e.current.Store(m)

	replayed, err := e.recover(ctx, m)
	if err != nil {
		e.abort()
		return nil, err
	}
	if err := e.checkpoint(ctx); err != nil {
		e.abort()
		return nil, err
	}
	e.start()

	e.logger.Info("index opened",
		"path", path,
		"manifest", m.ID,
		"vectors", e.dir.Len(),
		"partitions", e.posts.Len(),
		"replayed", replayed,
		"duration", time.Since(start),
	)
	return e, nil
}

// recover rebuilds the in-memory state from the manifest and the log and
// returns the number of replayed records.
func (e *Engine) recover(ctx context.Context, m *manifest.Manifest) (int, error) {
	deleted, err := e.readDeleted(m.Deleted)
	if err != nil {
		return 0, err
	}
	e.deleted = deleted

	infos := make([]posting.Info, len(m.Partitions))
	for i, p := range m.Partitions {
		infos[i] = posting.Info{ID: p.ID, Length: p.Length, Live: int64(p.Live), Extents: p.Extents}
	}
	if err := e.posts.Load(ctx, infos, e.cfg.Threads); err != nil {
		return 0, ioError("load", e.path, incompatible(err))
	}
	e.posts.SetNextID(m.NextPartitionID)

	maxStamp, err := e.rebuildDirectory(ctx, m.Clock, deleted)
	if err != nil {
		return 0, err
	}

	snap := e.posts.Snapshot()
	ids := make([]model.PartitionID, len(snap))
	centroids := make([]float32, 0, len(snap)*e.cfg.Dim)
	for i, in := range snap {
		ids[i] = in.ID
		centroids = append(centroids, in.Centroid...)
	}
	if err := e.router.Load(ids, centroids); err != nil {
		return 0, err
	}
	e.clock.AdvanceTo(uint64(maxStamp))

	if err := e.openWAL(); err != nil {
		return 0, err
	}
	replayed := 0
	_, err = e.wal.Replay(m.AppliedLSN, func(rec *wal.Record) error {
		replayed++
		return e.replay(ctx, rec)
	})
	if err != nil {
		return replayed, ioError("replay", filepath.Join(e.path, walDir), incompatible(err))
	}
	return replayed, nil
}

type copyState struct {
	loc     model.Location
	deleted bool
}

// rebuildDirectory scans every posting and keeps the newest copy of each
// id. A tombstone wins over the copy it names. Ids in the deleted set are
// dropped unless a copy was placed after the manifest was captured.
func (e *Engine) rebuildDirectory(ctx context.Context, capturedAt uint64, deleted *roaring64.Bitmap) (model.Stamp, error) {
	var (
		mu       sync.Mutex
		best     = make(map[model.ID]copyState)
		maxStamp model.Stamp
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Threads)
	for _, pid := range e.posts.IDs() {
		g.Go(func() error {
			entries, err := e.posts.Read(gctx, pid, posting.All)
			if err != nil {
				return ioError("read", e.path, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, en := range entries {
				maxStamp = max(maxStamp, en.Stamp)
				cur, ok := best[en.ID]
				switch {
				case !ok || en.Stamp > cur.loc.Stamp:
					best[en.ID] = copyState{loc: model.Location{Partition: pid, Stamp: en.Stamp}, deleted: en.Deleted}
				case en.Stamp == cur.loc.Stamp && en.Deleted:
					cur.deleted = true
					best[en.ID] = cur
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for id, st := range best {
		if st.deleted {
			continue
		}
		if deleted.Contains(uint64(id)) && uint64(st.loc.Stamp) <= capturedAt {
			continue
		}
		e.dir.Set(id, st.loc)
	}
	e.posts.SetLive(e.dir.CountByPartition())
	return maxStamp, nil
}
