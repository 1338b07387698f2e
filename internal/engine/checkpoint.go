package engine

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/compress"
	"github.com/hupe1980/lire/internal/manifest"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/posting"
)

// Checkpoint commits the current state to a new manifest and truncates the
// mutation log up to it.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.checkpoint(ctx)
}

func (e *Engine) checkpoint(ctx context.Context) (err error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	start := time.Now()
	defer func() { e.obs.OnCommit(time.Since(start), err) }()

	// Writers hold apply until their directory update is done, so every
	// log record at or below the watermark is contained in the capture.
	e.apply.Lock()
	watermark := e.clock.Now()
	infos := e.posts.Snapshot()
	nextID := e.posts.NextID()
	rewrites := e.rewrites()
	e.deletedMu.Lock()
	deleted := e.deleted.Clone()
	prune := rewrites != e.pruneMark && !deleted.IsEmpty()
	if prune {
		e.touched = roaring64.New()
	}
	e.deletedMu.Unlock()
	e.apply.Unlock()

	if prune && e.prune(ctx, infos, watermark, deleted) {
		e.pruneMark = rewrites
	}

	ref, err := e.writeDeleted(deleted)
	if err != nil {
		return err
	}
	state := e.blocks.State(watermark)
	if err := e.blocks.Sync(); err != nil {
		e.blocks.Release(ref.Extents...)
		return ioError("sync", e.path, err)
	}

	prev := e.current.Load()
	m := prev.Clone()
	m.NextPartitionID = nextID
	m.Clock = watermark
	m.AppliedLSN = watermark
	m.Partitions = partitionInfos(infos)
	m.Files = state.Files
	m.Free = state.Free
	m.Deleted = ref
	if err := e.manifests.Save(ctx, m); err != nil {
		e.blocks.Release(ref.Extents...)
		return ioError("save", filepath.Join(e.path, manifest.CurrentFileName), err)
	}
	e.current.Store(m)

	e.blocks.Retire(watermark, prev.Deleted.Extents...)
	freed := e.blocks.Reclaim(watermark)

	if _, err := e.manifests.Prune(ctx, e.cfg.ManifestRetention); err != nil {
		e.logger.Warn("manifest prune failed", "error", err)
	}
	if e.wal != nil {
		if _, err := e.wal.Truncate(watermark); err != nil {
			e.logger.Warn("log truncation failed", "error", err)
		}
	}

	e.obs.OnPartitions(len(infos))
	e.logger.Debug("checkpoint committed",
		"manifest", m.ID,
		"watermark", watermark,
		"partitions", len(infos),
		"deleted", deleted.GetCardinality(),
		"freed_blocks", freed,
	)
	return nil
}

func partitionInfos(infos []posting.Info) []manifest.PartitionInfo {
	out := make([]manifest.PartitionInfo, len(infos))
	for i, in := range infos {
		out[i] = manifest.PartitionInfo{
			ID:      in.ID,
			Length:  in.Length,
			Live:    uint32(min(max(in.Live, 0), math.MaxUint32)),
			Extents: in.Extents,
		}
	}
	return out
}

// setDeleted adds id to or removes it from the deleted set.
func (e *Engine) setDeleted(id model.ID, deleted bool) {
	e.deletedMu.Lock()
	defer e.deletedMu.Unlock()
	if deleted {
		e.deleted.Add(uint64(id))
	} else {
		e.deleted.Remove(uint64(id))
	}
	if e.touched != nil {
		e.touched.Add(uint64(id))
	}
}

// rewrites counts the structural changes that dropped posting entries.
func (e *Engine) rewrites() int64 {
	st := e.rebal.Stats()
	return st.Splits + st.Merges + st.Compactions
}

// prune drops from deleted, and from the live set, the ids of which no
// captured posting holds a copy at or below the watermark. Recovery only
// consults the set for such copies. Ids deleted or inserted again since the
// capture stay. A posting retired since the capture cannot be read, and the
// prune is skipped until the next checkpoint. It reports whether it ran.
func (e *Engine) prune(ctx context.Context, infos []posting.Info, watermark uint64, deleted *roaring64.Bitmap) bool {
	defer func() {
		e.deletedMu.Lock()
		e.touched = nil
		e.deletedMu.Unlock()
	}()

	var (
		mu  sync.Mutex
		ref = roaring64.New()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Threads)
	for _, in := range infos {
		g.Go(func() error {
			entries, err := e.posts.Read(gctx, in.ID, posting.All)
			if err != nil {
				return err
			}
			local := roaring64.New()
			for _, en := range entries[:min(uint64(len(entries)), in.Length)] {
				if uint64(en.Stamp) <= watermark && deleted.Contains(uint64(en.ID)) {
					local.Add(uint64(en.ID))
				}
			}
			mu.Lock()
			ref.Or(local)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Debug("deleted set prune skipped", "error", err)
		return false
	}

	e.deletedMu.Lock()
	defer e.deletedMu.Unlock()
	unref := deleted.Clone()
	unref.AndNot(ref)
	unref.AndNot(e.touched)
	if !unref.IsEmpty() {
		e.deleted.AndNot(unref)
		deleted.AndNot(unref)
		e.logger.Debug("deleted set pruned", "ids", unref.GetCardinality(), "remaining", deleted.GetCardinality())
	}
	return true
}

// writeDeleted stores the deleted-id set in fresh extents.
func (e *Engine) writeDeleted(b *roaring64.Bitmap) (manifest.BlobRef, error) {
	if b.IsEmpty() {
		return manifest.BlobRef{}, nil
	}
	raw, err := b.MarshalBinary()
	if err != nil {
		return manifest.BlobRef{}, err
	}
	data, err := compress.Encode(raw, e.cfg.Compression)
	if err != nil {
		return manifest.BlobRef{}, err
	}

	bs := e.blocks.BlockSize()
	var exts []blockstore.Extent
	for off := 0; off < len(data); {
		blocks := min((len(data)-off+bs-1)/bs, int(e.blocks.MaxExtentBlocks()))
		ext, err := e.blocks.Alloc(uint32(blocks))
		if err != nil {
			e.blocks.Release(exts...)
			return manifest.BlobRef{}, ioError("alloc", e.path, err)
		}
		exts = append(exts, ext)

		end := min(off+blocks*bs, len(data))
		if err := e.blocks.WriteAt(ext, 0, data[off:end]); err != nil {
			e.blocks.Release(exts...)
			return manifest.BlobRef{}, ioError("write", e.path, err)
		}
		off = end
	}
	return manifest.BlobRef{Extents: exts, Length: uint64(len(data))}, nil
}

// readDeleted loads the deleted-id set a manifest points at.
func (e *Engine) readDeleted(ref manifest.BlobRef) (*roaring64.Bitmap, error) {
	b := roaring64.New()
	if ref.Length == 0 {
		return b, nil
	}

	data := make([]byte, ref.Length)
	bs := int64(e.blocks.BlockSize())
	var off int64
	for _, ext := range ref.Extents {
		if off >= int64(len(data)) {
			break
		}
		end := min(off+int64(ext.Blocks)*bs, int64(len(data)))
		if err := e.blocks.ReadAt(ext, 0, data[off:end]); err != nil {
			return nil, ioError("read", e.path, err)
		}
		off = end
	}
	if off != int64(len(data)) {
		return nil, fmt.Errorf("%w: deleted set truncated at %d of %d bytes", manifest.ErrCorrupt, off, len(data))
	}

	raw, _, err := compress.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: deleted set: %w", manifest.ErrCorrupt, err)
	}
	if err := b.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: deleted set: %w", manifest.ErrCorrupt, err)
	}
	return b, nil
}
