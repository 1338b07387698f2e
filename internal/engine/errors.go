package engine

import (
	"errors"
	"fmt"

	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/manifest"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/posting"
	"github.com/hupe1980/lire/internal/wal"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrInvalidArgument is returned when an argument is invalid (e.g. wrong dimension, k <= 0).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotBuilt is returned by Open for a directory without an index.
	ErrNotBuilt = errors.New("index not built")

	// ErrExists is returned by Build for a directory that already holds an index.
	ErrExists = errors.New("index already exists")

	// ErrUnwritable is returned by Build for a path that cannot hold an index.
	ErrUnwritable = errors.New("path is not writable")

	// ErrIncompatibleFormat is returned when the on-disk format is not supported.
	ErrIncompatibleFormat = errors.New("incompatible format")
)

// DuplicateIDError is returned when inserting an id that is already live.
type DuplicateIDError struct {
	ID model.ID
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate id %d", e.ID)
}

// IOError wraps a storage failure with the operation and path involved.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ioError wraps err unless it is nil, a context error or already an IOError.
func ioError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ie *IOError
	if errors.As(err, &ie) || errors.Is(err, ErrIncompatibleFormat) || isContextErr(err) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// incompatible maps version mismatches of the on-disk formats to
// ErrIncompatibleFormat.
func incompatible(err error) error {
	switch {
	case errors.Is(err, manifest.ErrIncompatibleVersion),
		errors.Is(err, blockstore.ErrIncompatibleVersion),
		errors.Is(err, wal.ErrIncompatibleVersion),
		errors.Is(err, posting.ErrIncompatibleVersion):
		return fmt.Errorf("%w: %w", ErrIncompatibleFormat, err)
	}
	return err
}
