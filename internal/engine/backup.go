package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hupe1980/lire/blobstore"
	"github.com/hupe1980/lire/internal/fs"
	"github.com/hupe1980/lire/internal/manifest"
)

// Backup checkpoints the index and copies the committed state to dst under
// prefix. Writers keep running; the copy holds exactly the checkpoint.
func (e *Engine) Backup(ctx context.Context, dst blobstore.BlobStore, prefix string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.Checkpoint(ctx); err != nil {
		return err
	}

	// Extents referenced by the current manifest are not reused before the
	// next checkpoint, which commitMu holds off.
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	start := time.Now()
	m := e.current.Load()
	local := blobstore.NewLocalStoreFS(e.path, e.cfg.FS)
	names := append(e.blocks.FileNames(), manifest.FileName(m.ID))

	var bytes int64
	for _, name := range names {
		n, err := blobstore.CopyAs(ctx, dst, path.Join(prefix, name), local, name)
		if err != nil {
			return ioError("backup", name, err)
		}
		bytes += n
	}
	current := path.Join(prefix, manifest.CurrentFileName)
	if err := dst.Put(ctx, current, []byte(manifest.FileName(m.ID))); err != nil {
		return ioError("backup", current, err)
	}

	e.logger.Info("backup completed",
		"prefix", prefix,
		"manifest", m.ID,
		"files", len(names)+1,
		"bytes", bytes,
		"duration", time.Since(start),
	)
	return nil
}

// Restore copies a backup written by Backup from src into dir, which must
// be empty or absent. CURRENT is written last, so an interrupted restore
// leaves no openable index behind.
func Restore(ctx context.Context, src blobstore.BlobStore, prefix, dir string, fsys fs.FileSystem) error {
	if fsys == nil {
		fsys = fs.Default
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return ioError("mkdir", dir, err)
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return ioError("readdir", dir, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s is not empty", ErrExists, dir)
	}

	listPrefix := prefix
	if listPrefix != "" && !strings.HasSuffix(listPrefix, "/") {
		listPrefix += "/"
	}
	names, err := src.List(ctx, listPrefix)
	if err != nil {
		return ioError("list", prefix, err)
	}

	local := blobstore.NewLocalStoreFS(dir, fsys)
	current := ""
	for _, name := range names {
		rel := strings.TrimPrefix(name, listPrefix)
		if strings.Contains(rel, "/") {
			continue
		}
		if rel == manifest.CurrentFileName {
			current = name
			continue
		}
		if _, err := blobstore.CopyAs(ctx, local, rel, src, name); err != nil {
			return ioError("restore", name, err)
		}
	}
	if current == "" {
		return fmt.Errorf("%w: no %s under %q", ErrNotBuilt, manifest.CurrentFileName, prefix)
	}
	if _, err := blobstore.CopyAs(ctx, local, manifest.CurrentFileName, src, current); err != nil {
		return ioError("restore", current, err)
	}
	return nil
}
