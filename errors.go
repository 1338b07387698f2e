package lire

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/lire/internal/compress"
	"github.com/hupe1980/lire/internal/engine"
	"github.com/hupe1980/lire/internal/manifest"
	"github.com/hupe1980/lire/internal/posting"
	"github.com/hupe1980/lire/internal/wal"
)

// ErrIncompatibleVersion is returned when an on-disk file carries a format
// version this build cannot read.
var ErrIncompatibleVersion = errors.New("incompatible on-disk format version")

// ConfigurationError reports an invalid argument or option. It is returned
// before any state changes.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ConfigurationError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.cause }

// NotFoundError is returned when the index is not built, not opened or
// already closed.
type NotFoundError struct {
	Reason string
	cause  error
}

func (e *NotFoundError) Error() string { return "index not found: " + e.Reason }

func (e *NotFoundError) Unwrap() error { return e.cause }

// StorageIOError reports a failed disk or blob store operation. Retryable
// is false when the data itself is damaged.
type StorageIOError struct {
	Op        string
	Path      string
	Retryable bool
	cause     error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.cause)
}

func (e *StorageIOError) Unwrap() error { return e.cause }

// DuplicateIDError is returned by Insert for an id that is already live.
type DuplicateIDError struct {
	ID uint64
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate id %d", e.ID)
}

func configError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func notBuilt() error {
	return &NotFoundError{Reason: "index has not been built or opened"}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, engine.ErrIncompatibleFormat) {
		return fmt.Errorf("%w: %w", ErrIncompatibleVersion, err)
	}

	var dup *engine.DuplicateIDError
	if errors.As(err, &dup) {
		return &DuplicateIDError{ID: uint64(dup.ID)}
	}

	switch {
	case errors.Is(err, engine.ErrClosed):
		return &NotFoundError{Reason: "index is closed", cause: err}
	case errors.Is(err, engine.ErrNotBuilt):
		return &NotFoundError{Reason: err.Error(), cause: err}
	case errors.Is(err, engine.ErrExists):
		return &ConfigurationError{Field: "path", Reason: err.Error(), cause: err}
	case errors.Is(err, engine.ErrUnwritable):
		return &ConfigurationError{Field: "output_path", Reason: err.Error(), cause: err}
	case errors.Is(err, engine.ErrInvalidArgument):
		return &ConfigurationError{Reason: err.Error(), cause: err}
	}

	var ioe *engine.IOError
	if errors.As(err, &ioe) {
		return &StorageIOError{Op: ioe.Op, Path: ioe.Path, Retryable: !corrupt(err), cause: err}
	}
	return err
}

func corrupt(err error) bool {
	return errors.Is(err, posting.ErrCorrupt) ||
		errors.Is(err, manifest.ErrCorrupt) ||
		errors.Is(err, wal.ErrCorrupt) ||
		errors.Is(err, compress.ErrCorrupt)
}
