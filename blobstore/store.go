package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore stores named, immutable blobs (manifests, block files, backups).
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create creates a blob for streaming writes. The blob becomes visible on Close.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names of all blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes at offset off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange returns a reader over [off, off+length), clamped to the blob size.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.WriteCloser
	// Sync flushes buffered data where the backend supports it.
	Sync() error
}

// ReadAll reads a whole blob.
func ReadAll(ctx context.Context, store BlobStore, name string) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	buf := make([]byte, b.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	n, err := b.ReadAt(ctx, buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, err
	}
	return buf[:n], nil
}

// Copy streams blob name from src to dst under the same name.
func Copy(ctx context.Context, dst, src BlobStore, name string) (int64, error) {
	return CopyAs(ctx, dst, name, src, name)
}

// CopyAs streams blob srcName from src to dst as dstName.
func CopyAs(ctx context.Context, dst BlobStore, dstName string, src BlobStore, srcName string) (int64, error) {
	b, err := src.Open(ctx, srcName)
	if err != nil {
		return 0, err
	}
	defer b.Close()

	w, err := dst.Create(ctx, dstName)
	if err != nil {
		return 0, err
	}

	var n int64
	if b.Size() > 0 {
		r, err := b.ReadRange(ctx, 0, b.Size())
		if err != nil {
			_ = w.Close()
			return 0, err
		}
		n, err = io.Copy(w, r)
		_ = r.Close()
		if err != nil {
			_ = w.Close()
			return n, err
		}
	}

	if err := w.Sync(); err != nil {
		_ = w.Close()
		return n, err
	}
	return n, w.Close()
}
