package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/lire/internal/fs"
	"github.com/hupe1980/lire/internal/model"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync relies on OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync waits for fdatasync before Append returns. Concurrent
	// appenders share one sync (group commit).
	DurabilitySync
)

const (
	walMagic      = "LIREWAL\x00" // 8 bytes
	walVersion    = 1             // 4 bytes
	walHeaderSize = 12

	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	// DefaultSegmentSize is the size after which a new segment is started.
	DefaultSegmentSize = 64 << 20
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
	// ErrCorrupt is returned when a sealed segment holds an unreadable record.
	ErrCorrupt = errors.New("WAL corrupt")
)

// Options configures a WAL.
type Options struct {
	Durability  Durability
	SegmentSize int64
	// Clock assigns LSNs to records appended without one. A private clock is
	// used when nil.
	Clock  *model.Clock
	Logger *slog.Logger
}

// DefaultOptions returns the default WAL options.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync, SegmentSize: DefaultSegmentSize}
}

// SegmentName returns the file name of the segment whose first record has LSN base.
func SegmentName(base uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, base, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	s, ok := strings.CutPrefix(name, segmentPrefix)
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, segmentSuffix)
	if !ok {
		return 0, false
	}
	base, err := strconv.ParseUint(s, 10, 64)
	return base, err == nil
}

type segment struct {
	base    uint64 // LSN of the first record
	last    uint64 // highest LSN seen, 0 if unknown
	records int
	scanned bool // records and last are exact
	path    string
}

// WAL is a segmented append-only mutation log. Every record carries a
// strictly increasing LSN. Segments are never appended to after a restart;
// the active segment is created on the first append.
type WAL struct {
	mu     sync.Mutex
	fs     fs.FileSystem
	dir    string
	opts   Options
	logger *slog.Logger

	segments []*segment
	active   *segment
	file     fs.File
	bw       *bufio.Writer
	fileSize int64
	scratch  []byte

	// Group commit state. Offsets are logical bytes across all segments.
	written      int64
	syncedOffset int64      // Offset known to be fsync'd
	pendingClose []fs.File  // Rotated segments the syncer still has to sync and close
	syncCond     *sync.Cond // Signals the syncer that there is data to sync
	doneCond     *sync.Cond // Signals waiters that a sync completed
	closed       bool
	lastErr      error // Terminal error; no further appends are accepted
	wg           sync.WaitGroup
}

// Open opens the WAL directory, creating it if needed.
func Open(fsys fs.FileSystem, dir string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.Clock == nil {
		opts.Clock = &model.Clock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		fs:     fsys,
		dir:    dir,
		opts:   opts,
		logger: logger,
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if base, ok := parseSegmentName(e.Name()); ok {
			w.segments = append(w.segments, &segment{base: base, path: filepath.Join(dir, e.Name())})
		}
	}
	sort.Slice(w.segments, func(i, j int) bool { return w.segments[i].base < w.segments[j].base })

	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}

	return w, nil
}

// Size returns the number of bytes appended since Open.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Segments returns the paths of all live segments, oldest first.
func (w *WAL) Segments() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.segments))
	for i, s := range w.segments {
		out[i] = s.path
	}
	return out
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		// Wait until there is data to sync or we are closed
		for w.written <= w.syncedOffset && len(w.pendingClose) == 0 && !w.closed {
			w.syncCond.Wait()
		}

		// If closed and everything synced, exit
		if w.closed && w.written <= w.syncedOffset && len(w.pendingClose) == 0 {
			return
		}

		target := w.written
		file := w.file
		pending := w.pendingClose
		w.pendingClose = nil

		// Unlock to sync
		w.mu.Unlock()
		var err error
		for _, f := range pending {
			if serr := fs.Fdatasync(f); serr != nil && err == nil {
				err = serr
			}
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if err == nil && file != nil {
			err = fs.Fdatasync(file)
		}
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.logger.Error("wal sync failed", "error", err)
			// Wake everyone up so they notice the error
			w.doneCond.Broadcast()
			return
		}

		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append writes a record to the WAL, assigning rec.LSN when it is zero.
// It respects the configured durability mode.
func (w *WAL) Append(rec *Record) error {
	offset, err := w.AppendAsync(rec)
	if err != nil {
		return err
	}
	if w.opts.Durability == DurabilitySync {
		return w.WaitFor(offset)
	}
	return nil
}

// AppendAsync writes a record to the WAL buffer but does not wait for sync.
// It returns the logical offset of the end of the record.
func (w *WAL) AppendAsync(rec *Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, w.lastErr
	}

	if rec.LSN == 0 {
		rec.LSN = w.opts.Clock.Next()
	} else {
		w.opts.Clock.AdvanceTo(rec.LSN)
	}

	if w.file == nil || w.fileSize >= w.opts.SegmentSize {
		if err := w.rotateLocked(rec.LSN); err != nil {
			w.lastErr = err
			return 0, err
		}
	}

	w.scratch = rec.AppendEncode(w.scratch[:0])
	if _, err := w.bw.Write(w.scratch); err != nil {
		w.lastErr = err
		return 0, err
	}
	if err := w.bw.Flush(); err != nil {
		// A torn record must not be followed by more records.
		w.lastErr = err
		return 0, err
	}

	n := int64(len(w.scratch))
	w.fileSize += n
	w.written += n
	w.active.records++
	w.active.last = rec.LSN

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return w.written, nil
}

// rotateLocked seals the active segment and starts a new one at base.
func (w *WAL) rotateLocked(base uint64) error {
	if err := w.sealActiveLocked(); err != nil {
		return err
	}

	path := filepath.Join(w.dir, SegmentName(base))
	f, err := w.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return err
	}
	if err := fs.SyncDir(w.fs, w.dir); err != nil {
		_ = f.Close()
		return err
	}

	w.file = f
	w.bw = bufio.NewWriterSize(f, 64*1024)
	w.fileSize = walHeaderSize
	w.written += walHeaderSize
	w.active = &segment{base: base, scanned: true, path: path}
	w.segments = append(w.segments, w.active)
	return nil
}

// sealActiveLocked hands the active segment to the syncer (or syncs it in
// async mode) and clears it.
func (w *WAL) sealActiveLocked() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file, w.bw, w.active = nil, nil, nil

	if w.opts.Durability == DurabilitySync {
		w.pendingClose = append(w.pendingClose, f)
		w.syncCond.Signal()
		return nil
	}
	if err := fs.Fdatasync(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WaitFor waits until the WAL is synced up to the given offset.
func (w *WAL) WaitFor(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.syncedOffset < offset {
		return os.ErrClosed
	}
	return nil
}

// Sync ensures all appended records are on stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}

	if w.opts.Durability == DurabilityAsync {
		if w.file == nil {
			return nil
		}
		return fs.Fdatasync(w.file)
	}

	target := w.written
	w.syncCond.Signal()
	for w.syncedOffset < target && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Truncate removes every segment whose records all have LSN <= upTo.
// The active segment is sealed first when it is fully covered.
func (w *WAL) Truncate(upTo uint64) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, os.ErrClosed
	}
	if w.active != nil && w.active.records > 0 && w.active.last <= upTo {
		if err := w.sealActiveLocked(); err != nil {
			w.lastErr = err
			w.mu.Unlock()
			return 0, err
		}
	}

	var keep []*segment
	var remove []string
	for i, s := range w.segments {
		covered := false
		switch {
		case s == w.active:
		case s.scanned && (s.records == 0 || s.last <= upTo):
			covered = true
		case i+1 < len(w.segments) && w.segments[i+1].base-1 <= upTo:
			covered = true
		}
		if covered {
			remove = append(remove, s.path)
		} else {
			keep = append(keep, s)
		}
	}
	w.segments = keep
	w.mu.Unlock()

	var errs []error
	for _, p := range remove {
		if err := w.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(remove) > 0 {
		if err := fs.SyncDir(w.fs, w.dir); err != nil {
			errs = append(errs, err)
		}
	}
	return len(remove), errors.Join(errs...)
}

// Replay calls fn for every record with LSN > after, in log order. It must
// run before the first Append. A torn or corrupt tail of the newest segment
// is truncated away; corruption inside an older segment returns ErrCorrupt.
// It returns the highest LSN found in the log.
func (w *WAL) Replay(after uint64, fn func(*Record) error) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active != nil {
		return 0, errors.New("wal: replay after append")
	}

	var maxLSN uint64
	for i := 0; i < len(w.segments); i++ {
		s := w.segments[i]
		newest := i == len(w.segments)-1

		drop, err := w.replaySegment(s, newest, after, fn)
		if err != nil {
			return maxLSN, err
		}
		if drop {
			if err := w.fs.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return maxLSN, err
			}
			w.segments = append(w.segments[:i], w.segments[i+1:]...)
			i--
			continue
		}
		maxLSN = max(maxLSN, s.last)
	}
	w.opts.Clock.AdvanceTo(maxLSN)
	return maxLSN, nil
}

// replaySegment scans one segment. It reports drop=true for a newest
// segment whose header never made it to disk.
func (w *WAL) replaySegment(s *segment, newest bool, after uint64, fn func(*Record) error) (bool, error) {
	f, err := w.fs.OpenFile(s.path, os.O_RDONLY, 0)
	if err != nil {
		return false, err
	}
	defer f.Close()

	header := make([]byte, walHeaderSize)
	if n, err := io.ReadFull(f, header); err != nil {
		if newest && n < walHeaderSize {
			w.logger.Warn("dropping wal segment with torn header", "segment", s.path)
			return true, nil
		}
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, s.path, err)
	}
	if string(header[0:8]) != walMagic {
		return false, fmt.Errorf("%w: invalid magic %q in %s", ErrInvalidHeader, header[0:8], s.path)
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return false, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}

	r := bufio.NewReader(f)
	offset := int64(walHeaderSize)
	s.records, s.last = 0, 0
	for {
		rec, n, err := Decode(r)
		if err != nil {
			if errors.Is(err, io.EOF) && n == 0 {
				break
			}
			if !newest {
				return false, fmt.Errorf("%w: %s at offset %d: %v", ErrCorrupt, s.path, offset, err)
			}
			w.logger.Warn("truncating torn wal tail", "segment", s.path, "offset", offset, "error", err)
			if err := w.fs.Truncate(s.path, offset); err != nil {
				return false, err
			}
			break
		}
		offset += n
		s.records++
		s.last = rec.LSN
		if rec.LSN > after {
			if err := fn(rec); err != nil {
				return false, err
			}
		}
	}
	s.scanned = true
	return false, nil
}

// Close flushes, syncs and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}

	var err error
	if w.bw != nil {
		err = w.bw.Flush()
	}
	w.closed = true
	file := w.file
	async := w.opts.Durability == DurabilityAsync
	w.syncCond.Signal() // Wake up syncer to exit
	w.mu.Unlock()

	w.wg.Wait() // Wait for syncer to finish

	if file == nil {
		return err
	}
	if async && err == nil {
		err = fs.Fdatasync(file)
	}
	return errors.Join(err, file.Close())
}
