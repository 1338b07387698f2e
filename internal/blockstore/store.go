package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tidwall/btree"

	"github.com/hupe1980/lire/internal/fs"
)

const (
	fileMagic   = "LIREBLK\x00"
	fileVersion = uint32(1)

	// DefaultBlockSize is the default block size in bytes.
	DefaultBlockSize = 4096
	// DefaultBlocksPerFile caps a block file at 1 GiB with the default block size.
	DefaultBlocksPerFile = 1 << 18
)

var (
	// ErrIncompatibleVersion is returned for block files written with a different format.
	ErrIncompatibleVersion = errors.New("blockstore: incompatible version")
	// ErrExtentTooLarge is returned when an allocation cannot fit in one file.
	ErrExtentTooLarge = errors.New("blockstore: extent too large")
	// ErrOutOfRange is returned for accesses outside an extent.
	ErrOutOfRange = errors.New("blockstore: access out of extent range")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("blockstore: closed")
)

// Extent is a run of contiguous blocks inside one block file.
type Extent struct {
	File   uint32
	Start  uint32
	Blocks uint32
}

func (e Extent) String() string {
	return fmt.Sprintf("%d:%d+%d", e.File, e.Start, e.Blocks)
}

func (e Extent) end() uint32 { return e.Start + e.Blocks }

func extentLess(a, b Extent) bool {
	if a.File != b.File {
		return a.File < b.File
	}
	return a.Start < b.Start
}

// FileState is the persisted allocation state of one block file.
type FileState struct {
	No        uint32
	HighWater uint32
}

// State is the allocation state recorded in the manifest.
type State struct {
	Files []FileState
	Free  []Extent
}

// Options configures a Store.
type Options struct {
	BlockSize     int
	BlocksPerFile uint32
	FS            fs.FileSystem
	Logger        *slog.Logger
}

// Stats describes space usage.
type Stats struct {
	Files         int
	UsedBlocks    uint64
	FreeBlocks    uint64
	RetiredBlocks uint64
}

type retired struct {
	seq uint64
	ext Extent
}

type blockFile struct {
	no        uint32
	path      string
	f         fs.File
	highWater uint32
}

// Store is a set of block files with an extent allocator.
type Store struct {
	dir           string
	fs            fs.FileSystem
	logger        *slog.Logger
	blockSize     int
	blocksPerFile uint32

	mu       sync.Mutex
	files    map[uint32]*blockFile
	lastFile uint32
	free     *btree.BTreeG[Extent]
	retired  []retired
	dirty    map[uint32]struct{}
	dirDirty bool
	closed   bool
}

// Open opens the block files described by state in dir. An empty state
// yields an empty store; files are created on demand.
func Open(dir string, state State, opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BlocksPerFile == 0 {
		opts.BlocksPerFile = DefaultBlocksPerFile
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.BlockSize < 512 || opts.BlockSize%512 != 0 {
		return nil, fmt.Errorf("blockstore: block size %d must be a positive multiple of 512", opts.BlockSize)
	}
	if opts.BlocksPerFile < 2 {
		return nil, fmt.Errorf("blockstore: blocks per file %d too small", opts.BlocksPerFile)
	}

	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		dir:           dir,
		fs:            opts.FS,
		logger:        opts.Logger,
		blockSize:     opts.BlockSize,
		blocksPerFile: opts.BlocksPerFile,
		files:         make(map[uint32]*blockFile),
		free:          btree.NewBTreeG[Extent](extentLess),
		dirty:         make(map[uint32]struct{}),
	}

	for _, fst := range state.Files {
		bf, err := s.openFile(fst.No)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		bf.highWater = max(fst.HighWater, 1)
		s.files[fst.No] = bf
		s.lastFile = max(s.lastFile, fst.No)
	}

	for _, e := range state.Free {
		if _, ok := s.files[e.File]; !ok || e.Blocks == 0 {
			continue
		}
		s.free.Set(e)
	}

	return s, nil
}

// FileName returns the name of block file no.
func FileName(no uint32) string {
	return fmt.Sprintf("blocks-%06d.dat", no)
}

func (s *Store) openFile(no uint32) (*blockFile, error) {
	path := filepath.Join(s.dir, FileName(no))
	f, err := s.fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	hdr := make([]byte, 24)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		_ = f.Close()
		return nil, &os.PathError{Op: "read", Path: path, Err: err}
	}
	if string(hdr[:8]) != fileMagic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: bad magic", ErrIncompatibleVersion, path)
	}
	if crc32.ChecksumIEEE(hdr[:20]) != binary.LittleEndian.Uint32(hdr[20:]) {
		_ = f.Close()
		return nil, &os.PathError{Op: "read", Path: path, Err: errors.New("header checksum mismatch")}
	}
	if v := binary.LittleEndian.Uint32(hdr[8:]); v != fileVersion {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: version %d", ErrIncompatibleVersion, path, v)
	}
	if bs := binary.LittleEndian.Uint32(hdr[12:]); int(bs) != s.blockSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: block size %d, expected %d", ErrIncompatibleVersion, path, bs, s.blockSize)
	}

	return &blockFile{no: no, path: path, f: f}, nil
}

func (s *Store) createFile(no uint32) (*blockFile, error) {
	path := filepath.Join(s.dir, FileName(no))
	f, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &os.PathError{Op: "create", Path: path, Err: err}
	}

	hdr := make([]byte, s.blockSize)
	copy(hdr, fileMagic)
	binary.LittleEndian.PutUint32(hdr[8:], fileVersion)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(s.blockSize))
	binary.LittleEndian.PutUint32(hdr[16:], no)
	binary.LittleEndian.PutUint32(hdr[20:], crc32.ChecksumIEEE(hdr[:20]))

	if _, err := f.WriteAt(hdr, 0); err != nil {
		_ = f.Close()
		return nil, &os.PathError{Op: "write", Path: path, Err: err}
	}

	s.dirDirty = true
	s.dirty[no] = struct{}{}
	return &blockFile{no: no, path: path, f: f, highWater: 1}, nil
}

// BlockSize returns the block size in bytes.
func (s *Store) BlockSize() int { return s.blockSize }

// MaxExtentBlocks returns the largest extent Alloc can serve.
func (s *Store) MaxExtentBlocks() uint32 { return s.blocksPerFile - 1 }

// Alloc reserves an extent of n blocks.
func (s *Store) Alloc(n uint32) (Extent, error) {
	if n == 0 || n > s.blocksPerFile-1 {
		return Extent{}, fmt.Errorf("%w: %d blocks", ErrExtentTooLarge, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Extent{}, ErrClosed
	}

	// First fit from the free list.
	var found Extent
	ok := false
	s.free.Scan(func(e Extent) bool {
		if e.Blocks >= n {
			found, ok = e, true
			return false
		}
		return true
	})
	if ok {
		s.free.Delete(found)
		if found.Blocks > n {
			s.free.Set(Extent{File: found.File, Start: found.Start + n, Blocks: found.Blocks - n})
		}
		return Extent{File: found.File, Start: found.Start, Blocks: n}, nil
	}

	// Bump allocation in the newest file.
	bf := s.files[s.lastFile]
	if bf == nil || bf.highWater+n > s.blocksPerFile {
		no := s.lastFile + 1
		nbf, err := s.createFile(no)
		if err != nil {
			return Extent{}, err
		}
		s.files[no] = nbf
		s.lastFile = no
		bf = nbf
	}

	e := Extent{File: bf.no, Start: bf.highWater, Blocks: n}
	bf.highWater += n
	return e, nil
}

// Release returns extents to the free list immediately. It must only be used
// for extents that no durable manifest references.
func (s *Store) Release(exts ...Extent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range exts {
		s.releaseLocked(e)
	}
}

func (s *Store) releaseLocked(e Extent) {
	bf := s.files[e.File]
	if bf == nil || e.Blocks == 0 {
		return
	}

	// Coalesce with the predecessor.
	var pred, succ Extent
	hasPred, hasSucc := false, false
	s.free.Descend(e, func(p Extent) bool {
		pred, hasPred = p, true
		return false
	})
	s.free.Ascend(e, func(n Extent) bool {
		succ, hasSucc = n, true
		return false
	})

	if hasPred && pred.File == e.File {
		switch {
		case pred.end() == e.Start:
			s.free.Delete(pred)
			e = Extent{File: e.File, Start: pred.Start, Blocks: pred.Blocks + e.Blocks}
		case pred.end() > e.Start:
			s.logger.Warn("blockstore: overlapping release", "extent", e.String(), "free", pred.String())
			return
		}
	}

	// Coalesce with the successor.
	if hasSucc && succ.File == e.File {
		switch {
		case e.end() == succ.Start:
			s.free.Delete(succ)
			e.Blocks += succ.Blocks
		case e.end() > succ.Start:
			s.logger.Warn("blockstore: overlapping release", "extent", e.String(), "free", succ.String())
			return
		}
	}

	// Give space at the tail back to the bump allocator.
	if e.end() == bf.highWater {
		bf.highWater = e.Start
		return
	}

	s.free.Set(e)
}

// Retire schedules extents for reuse once a manifest captured at or after
// seq is durable.
func (s *Store) Retire(seq uint64, exts ...Extent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range exts {
		s.retired = append(s.retired, retired{seq: seq, ext: e})
	}
}

// Reclaim frees every extent retired at or below mark and returns the number
// of blocks freed.
func (s *Store) Reclaim(mark uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var freed uint64
	kept := s.retired[:0]
	for _, r := range s.retired {
		if r.seq <= mark {
			s.releaseLocked(r.ext)
			freed += uint64(r.ext.Blocks)
			continue
		}
		kept = append(kept, r)
	}
	clear(s.retired[len(kept):])
	s.retired = kept
	return freed
}

// State captures the allocation state for a manifest taken at mark: extents
// retired at or below mark are reported as free.
func (s *Store) State(mark uint64) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{}
	nos := make([]uint32, 0, len(s.files))
	for no := range s.files {
		nos = append(nos, no)
	}
	sort.Slice(nos, func(i, j int) bool { return nos[i] < nos[j] })
	for _, no := range nos {
		st.Files = append(st.Files, FileState{No: no, HighWater: s.files[no].highWater})
	}

	st.Free = s.free.Items()
	for _, r := range s.retired {
		if r.seq <= mark {
			st.Free = append(st.Free, r.ext)
		}
	}
	sort.Slice(st.Free, func(i, j int) bool { return extentLess(st.Free[i], st.Free[j]) })
	return st
}

// Reconcile frees blocks below the high water mark that are neither free,
// retired nor listed in referenced. It returns the number of blocks freed.
func (s *Store) Reconcile(referenced []Extent) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := make([]Extent, 0, len(referenced)+s.free.Len()+len(s.retired))
	used = append(used, referenced...)
	used = append(used, s.free.Items()...)
	for _, r := range s.retired {
		used = append(used, r.ext)
	}
	sort.Slice(used, func(i, j int) bool { return extentLess(used[i], used[j]) })

	var gaps []Extent
	byFile := make(map[uint32]uint32) // file -> next unaccounted block
	for no := range s.files {
		byFile[no] = 1
	}
	for _, e := range used {
		next, ok := byFile[e.File]
		if !ok {
			continue
		}
		if e.Start > next {
			gaps = append(gaps, Extent{File: e.File, Start: next, Blocks: e.Start - next})
		}
		byFile[e.File] = max(next, e.end())
	}
	for no, next := range byFile {
		if hw := s.files[no].highWater; hw > next {
			gaps = append(gaps, Extent{File: no, Start: next, Blocks: hw - next})
		}
	}

	var freed uint64
	for _, g := range gaps {
		s.releaseLocked(g)
		freed += uint64(g.Blocks)
	}
	return freed
}

func (s *Store) file(no uint32) (*blockFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	bf := s.files[no]
	if bf == nil {
		return nil, fmt.Errorf("%w: unknown file %d", ErrOutOfRange, no)
	}
	return bf, nil
}

func (s *Store) check(e Extent, off int64, n int) error {
	if off < 0 || off+int64(n) > int64(e.Blocks)*int64(s.blockSize) {
		return fmt.Errorf("%w: extent %s offset %d len %d", ErrOutOfRange, e, off, n)
	}
	return nil
}

// WriteAt writes p at byte offset off inside extent e.
func (s *Store) WriteAt(e Extent, off int64, p []byte) error {
	if err := s.check(e, off, len(p)); err != nil {
		return err
	}
	bf, err := s.file(e.File)
	if err != nil {
		return err
	}

	pos := int64(e.Start)*int64(s.blockSize) + off
	if _, err := bf.f.WriteAt(p, pos); err != nil {
		return &os.PathError{Op: "write", Path: bf.path, Err: err}
	}

	s.mu.Lock()
	s.dirty[e.File] = struct{}{}
	s.mu.Unlock()
	return nil
}

// ReadAt fills p from byte offset off inside extent e.
func (s *Store) ReadAt(e Extent, off int64, p []byte) error {
	if err := s.check(e, off, len(p)); err != nil {
		return err
	}
	bf, err := s.file(e.File)
	if err != nil {
		return err
	}

	pos := int64(e.Start)*int64(s.blockSize) + off
	if n, err := bf.f.ReadAt(p, pos); err != nil {
		if errors.Is(err, io.EOF) && n == len(p) {
			return nil
		}
		return &os.PathError{Op: "read", Path: bf.path, Err: err}
	}
	return nil
}

// Sync flushes every block file written since the last Sync.
func (s *Store) Sync() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	files := make([]*blockFile, 0, len(s.dirty))
	for no := range s.dirty {
		if bf := s.files[no]; bf != nil {
			files = append(files, bf)
		}
	}
	clear(s.dirty)
	dirDirty := s.dirDirty
	s.dirDirty = false
	s.mu.Unlock()

	var errs []error
	for _, bf := range files {
		if err := fs.Fdatasync(bf.f); err != nil {
			errs = append(errs, &os.PathError{Op: "sync", Path: bf.path, Err: err})
			s.mu.Lock()
			s.dirty[bf.no] = struct{}{}
			s.mu.Unlock()
		}
	}
	if dirDirty {
		if err := fs.SyncDir(s.fs, s.dir); err != nil {
			errs = append(errs, &os.PathError{Op: "sync", Path: s.dir, Err: err})
			s.mu.Lock()
			s.dirDirty = true
			s.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// FileNames returns the names (relative to the store directory) of all block files.
func (s *Store) FileNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for no := range s.files {
		names = append(names, FileName(no))
	}
	sort.Strings(names)
	return names
}

// Stats returns space usage counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Files: len(s.files)}
	for _, bf := range s.files {
		st.UsedBlocks += uint64(bf.highWater - 1)
	}
	s.free.Scan(func(e Extent) bool {
		st.FreeBlocks += uint64(e.Blocks)
		return true
	})
	for _, r := range s.retired {
		st.RetiredBlocks += uint64(r.ext.Blocks)
	}
	st.UsedBlocks -= min(st.UsedBlocks, st.FreeBlocks)
	return st
}

// Close closes all block files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, bf := range s.files {
		if err := bf.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
