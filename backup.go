package lire

import (
	"context"

	"github.com/hupe1980/lire/blobstore"
	"github.com/hupe1980/lire/internal/engine"
)

// Backup checkpoints the index and copies its committed files to dst under
// prefix. Writes may continue while the copy runs; the backup holds the
// state of the checkpoint.
func (idx *Index) Backup(ctx context.Context, dst blobstore.BlobStore, prefix string) error {
	e, err := idx.engine()
	if err != nil {
		return err
	}
	return translateError(e.Backup(ctx, dst, prefix))
}

// Restore copies a backup written by Backup from src into dir, which must
// be empty or absent. Open the restored index with Open.
func Restore(ctx context.Context, src blobstore.BlobStore, prefix, dir string, opts ...Option) error {
	o, err := applyOptions(opts)
	if err != nil {
		return err
	}
	return translateError(engine.Restore(ctx, src, prefix, dir, o.fs))
}
