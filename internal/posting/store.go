package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/btree"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/quantization"
	"github.com/hupe1980/lire/internal/resource"
)

var (
	// ErrNotFound is returned for partitions that are not in the table.
	ErrNotFound = errors.New("posting: partition not found")
	// ErrRetired is returned when a posting was replaced by a rewrite.
	ErrRetired = errors.New("posting: partition retired")
	// ErrStale is returned by MarkDeleted when the record moved before the
	// tombstone was committed.
	ErrStale = errors.New("posting: record moved")
	// ErrCorrupt is returned when posting bytes fail validation.
	ErrCorrupt = errors.New("posting: corrupt data")
	// ErrIncompatibleVersion is returned for postings written with another format.
	ErrIncompatibleVersion = errors.New("posting: incompatible version")
	// ErrDimensionMismatch is returned for vectors of the wrong length.
	ErrDimensionMismatch = errors.New("posting: dimension mismatch")
)

// Mode selects how Read treats tombstones.
type Mode uint8

const (
	// Live returns the entries whose last occurrence in the posting is not a tombstone.
	Live Mode = iota
	// All returns every entry in append order, tombstones included.
	All
)

const retiredBit = int64(1) << 62

// Options configures a Store.
type Options struct {
	Codec  quantization.Codec
	Blocks *blockstore.Store
	Clock  *model.Clock

	// CacheSize is the number of decoded postings kept in memory. 0 disables the cache.
	CacheSize int
	// Resources accounts the cache memory. May be nil.
	Resources *resource.Controller
	Logger    *slog.Logger
}

// Info describes one posting for the manifest.
type Info struct {
	ID       model.PartitionID
	Centroid []float32
	Length   uint64
	Live     int64
	Extents  []blockstore.Extent
}

// Stats holds store counters.
type Stats struct {
	Partitions  int
	Entries     uint64
	Live        int64
	Reads       uint64
	CacheHits   uint64
	CacheMisses uint64
	CacheBytes  int64
}

type layout struct {
	extents  []blockstore.Extent
	length   uint64 // published entries
	capacity uint64 // entries that fit into extents
}

type posting struct {
	id       model.PartitionID
	centroid []float32

	mu    sync.Mutex // append lock
	state atomic.Pointer[layout]
	live  atomic.Int64

	// refs counts the table reference plus active readers. retiredBit is
	// set once the posting has left the table.
	refs atomic.Int64
}

func postingLess(a, b *posting) bool { return a.id < b.id }

func (p *posting) acquire() bool {
	for {
		r := p.refs.Load()
		if r == retiredBit {
			return false
		}
		if p.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

func (p *posting) retired() bool {
	return p.refs.Load()&retiredBit != 0
}

type cached struct {
	p       *posting
	entries []model.Entry
	bytes   int64
}

// Store manages all postings of an index.
type Store struct {
	codec     quantization.Codec
	blocks    *blockstore.Store
	clock     *model.Clock
	res       *resource.Controller
	logger    *slog.Logger
	dim       int
	entrySize int
	hdrSize   int

	tableMu sync.Mutex
	table   atomic.Pointer[btree.BTreeG[*posting]]
	nextID  atomic.Uint64

	cacheMu sync.Mutex
	cache   *lru.Cache[model.PartitionID, *cached]

	reads       atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// New creates an empty store.
func New(opts Options) (*Store, error) {
	if opts.Codec == nil || opts.Blocks == nil {
		return nil, errors.New("posting: codec and block store are required")
	}
	if opts.Clock == nil {
		opts.Clock = &model.Clock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dim := opts.Codec.Dimension()
	s := &Store{
		codec:     opts.Codec,
		blocks:    opts.Blocks,
		clock:     opts.Clock,
		res:       opts.Resources,
		logger:    logger,
		dim:       dim,
		entrySize: entryHeaderSize + opts.Codec.CodeSize(),
		hdrSize:   headerSize(dim),
	}
	s.table.Store(btree.NewBTreeGOptions(postingLess, btree.Options{NoLocks: true}))
	s.nextID.Store(1)

	if opts.CacheSize > 0 {
		c, err := lru.NewWithEvict(opts.CacheSize, func(_ model.PartitionID, v *cached) {
			s.res.ReleaseMemory(v.bytes)
		})
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	return s, nil
}

// EntrySize returns the on-disk size of one entry.
func (s *Store) EntrySize() int { return s.entrySize }

// AllocID returns a fresh partition id.
func (s *Store) AllocID() model.PartitionID {
	return model.PartitionID(s.nextID.Add(1) - 1)
}

// NextID returns the id AllocID hands out next.
func (s *Store) NextID() model.PartitionID {
	return model.PartitionID(s.nextID.Load())
}

// SetNextID moves the id allocator forward to at least id.
func (s *Store) SetNextID(id model.PartitionID) {
	for {
		cur := s.nextID.Load()
		if cur >= uint64(id) || s.nextID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

func (s *Store) lookup(id model.PartitionID) (*posting, bool) {
	return s.table.Load().Get(&posting{id: id})
}

// Len returns the number of postings.
func (s *Store) Len() int {
	return s.table.Load().Len()
}

// IDs returns all partition ids in ascending order.
func (s *Store) IDs() []model.PartitionID {
	t := s.table.Load()
	out := make([]model.PartitionID, 0, t.Len())
	t.Scan(func(p *posting) bool {
		out = append(out, p.id)
		return true
	})
	return out
}

// Centroid returns the centroid a posting was written with.
func (s *Store) Centroid(id model.PartitionID) ([]float32, bool) {
	p, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	return p.centroid, true
}

// Live returns the live record count of a posting.
func (s *Store) Live(id model.PartitionID) (int64, bool) {
	p, ok := s.lookup(id)
	if !ok {
		return 0, false
	}
	return p.live.Load(), true
}

// Length returns the published entry count of a posting, tombstones and
// stale copies included.
func (s *Store) Length(id model.PartitionID) (uint64, bool) {
	p, ok := s.lookup(id)
	if !ok {
		return 0, false
	}
	return p.state.Load().length, true
}

// AddLive adjusts the live count of a posting, e.g. after a record moved away.
func (s *Store) AddLive(id model.PartitionID, delta int64) {
	if p, ok := s.lookup(id); ok {
		p.live.Add(delta)
	}
}

// SetLive overwrites the live counts, e.g. after the directory was rebuilt.
func (s *Store) SetLive(counts map[model.PartitionID]int64) {
	s.table.Load().Scan(func(p *posting) bool {
		p.live.Store(counts[p.id])
		return true
	})
}

// Snapshot returns the state of every posting in ascending id order.
func (s *Store) Snapshot() []Info {
	t := s.table.Load()
	out := make([]Info, 0, t.Len())
	t.Scan(func(p *posting) bool {
		st := p.state.Load()
		out = append(out, Info{
			ID:       p.id,
			Centroid: p.centroid,
			Length:   st.length,
			Live:     p.live.Load(),
			Extents:  slices.Clone(st.extents),
		})
		return true
	})
	return out
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	st := Stats{
		Reads:       s.reads.Load(),
		CacheHits:   s.cacheHits.Load(),
		CacheMisses: s.cacheMisses.Load(),
		CacheBytes:  s.res.MemoryUsage(),
	}
	t := s.table.Load()
	st.Partitions = t.Len()
	t.Scan(func(p *posting) bool {
		st.Entries += p.state.Load().length
		st.Live += p.live.Load()
		return true
	})
	return st
}

// Load registers postings recorded in a manifest. Headers are read and
// validated in parallel.
func (s *Store) Load(ctx context.Context, infos []Info, threads int) error {
	loaded := make([]*posting, len(infos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(threads, 1))
	for i, info := range infos {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := s.open(info)
			if err != nil {
				return fmt.Errorf("posting %d: %w", info.ID, err)
			}
			loaded[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	t := s.table.Load().Copy()
	for _, p := range loaded {
		t.Set(p)
		s.SetNextID(p.id + 1)
	}
	s.table.Store(t)
	return nil
}

func (s *Store) open(info Info) (*posting, error) {
	if len(info.Extents) == 0 {
		return nil, fmt.Errorf("%w: no extents", ErrCorrupt)
	}
	buf := make([]byte, s.hdrSize)
	if err := s.readSpan(info.Extents, 0, buf); err != nil {
		return nil, err
	}
	id, centroid, entrySize, err := decodeHeader(buf, s.dim)
	if err != nil {
		return nil, err
	}
	if id != info.ID {
		return nil, fmt.Errorf("%w: header names partition %d", ErrCorrupt, id)
	}
	if entrySize != s.entrySize {
		return nil, fmt.Errorf("%w: entry size %d, expected %d", ErrIncompatibleVersion, entrySize, s.entrySize)
	}

	st := &layout{
		extents:  slices.Clone(info.Extents),
		length:   info.Length,
		capacity: s.capacity(info.Extents),
	}
	if st.length > st.capacity {
		return nil, fmt.Errorf("%w: length %d exceeds capacity %d", ErrCorrupt, st.length, st.capacity)
	}

	p := &posting{id: info.ID, centroid: centroid}
	p.state.Store(st)
	p.live.Store(info.Live)
	p.refs.Store(1)
	return p, nil
}

func (s *Store) capacity(exts []blockstore.Extent) uint64 {
	var total uint64
	for _, e := range exts {
		total += uint64(e.Blocks) * uint64(s.blocks.BlockSize())
	}
	if total < uint64(s.hdrSize) {
		return 0
	}
	return (total - uint64(s.hdrSize)) / uint64(s.entrySize)
}

func (s *Store) entryOffset(i uint64) int64 {
	return int64(s.hdrSize) + int64(i)*int64(s.entrySize)
}

// span maps the logical range [off, off+len(p)) onto the extents and calls
// fn for every piece.
func (s *Store) span(exts []blockstore.Extent, off int64, p []byte, fn func(e blockstore.Extent, extOff int64, part []byte) error) error {
	bs := int64(s.blocks.BlockSize())
	for _, e := range exts {
		if len(p) == 0 {
			return nil
		}
		size := int64(e.Blocks) * bs
		if off >= size {
			off -= size
			continue
		}
		n := min(int64(len(p)), size-off)
		if err := fn(e, off, p[:n]); err != nil {
			return err
		}
		p = p[n:]
		off = 0
	}
	if len(p) > 0 {
		return fmt.Errorf("%w: range beyond extents", ErrCorrupt)
	}
	return nil
}

func (s *Store) readSpan(exts []blockstore.Extent, off int64, p []byte) error {
	return s.span(exts, off, p, s.blocks.ReadAt)
}

func (s *Store) writeSpan(exts []blockstore.Extent, off int64, p []byte) error {
	return s.span(exts, off, p, s.blocks.WriteAt)
}

// allocate reserves extents holding at least bytes.
func (s *Store) allocate(bytes int64) ([]blockstore.Extent, error) {
	bs := int64(s.blocks.BlockSize())
	blocks := uint32((bytes + bs - 1) / bs)
	var exts []blockstore.Extent
	for blocks > 0 {
		n := min(blocks, s.blocks.MaxExtentBlocks())
		e, err := s.blocks.Alloc(n)
		if err != nil {
			s.blocks.Release(exts...)
			return nil, err
		}
		exts = append(exts, e)
		blocks -= n
	}
	return exts, nil
}

// grow adds an extent that at least doubles the posting's capacity.
func (s *Store) grow(st *layout, need uint64) (*layout, error) {
	var total int64
	for _, e := range st.extents {
		total += int64(e.Blocks) * int64(s.blocks.BlockSize())
	}
	want := max(total, int64(need-st.capacity)*int64(s.entrySize))
	exts, err := s.allocate(want)
	if err != nil {
		return nil, err
	}
	next := &layout{
		extents: append(slices.Clone(st.extents), exts...),
		length:  st.length,
	}
	next.capacity = s.capacity(next.extents)
	return next, nil
}

func (s *Store) encode(e model.Entry, dst []byte) error {
	if !e.Deleted {
		if len(e.Vector) != s.dim {
			return fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(e.Vector), s.dim)
		}
		if err := s.codec.Encode(dst[entryHeaderSize:], e.Vector); err != nil {
			return err
		}
	} else {
		clear(dst[entryHeaderSize:])
	}
	encodeEntry(dst, e)
	return nil
}

// appendLocked writes entries after the published length and publishes the
// new length. p.mu must be held.
func (s *Store) appendLocked(p *posting, entries []model.Entry) error {
	buf := make([]byte, len(entries)*s.entrySize)
	for i, e := range entries {
		if err := s.encode(e, buf[i*s.entrySize:(i+1)*s.entrySize]); err != nil {
			return err
		}
	}

	st := p.state.Load()
	need := st.length + uint64(len(entries))
	if need > st.capacity {
		next, err := s.grow(st, need)
		if err != nil {
			return err
		}
		if err := s.writeSpan(next.extents, s.entryOffset(st.length), buf); err != nil {
			s.blocks.Release(next.extents[len(st.extents):]...)
			return err
		}
		st = next
	} else if err := s.writeSpan(st.extents, s.entryOffset(st.length), buf); err != nil {
		return err
	}

	p.state.Store(&layout{extents: st.extents, length: need, capacity: st.capacity})
	for _, e := range entries {
		if !e.Deleted {
			p.live.Add(1)
		}
	}
	return nil
}

// Append adds a record to a posting. commit runs under the posting lock
// after the entry is published.
func (s *Store) Append(ctx context.Context, id model.PartitionID, e model.Entry, commit func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retired() {
		return fmt.Errorf("%w: %d", ErrRetired, id)
	}
	e.Deleted = false
	if err := s.appendLocked(p, []model.Entry{e}); err != nil {
		return fmt.Errorf("posting %d: %w", id, err)
	}
	if commit != nil {
		commit()
	}
	return nil
}

// MarkDeleted appends a tombstone for (vid, stamp). commit runs under the
// posting lock and reports whether the directory still pointed at this copy;
// if not, the tombstone is left as harmless garbage and ErrStale is returned.
func (s *Store) MarkDeleted(ctx context.Context, id model.PartitionID, vid model.ID, stamp model.Stamp, commit func() bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retired() {
		return fmt.Errorf("%w: %d", ErrRetired, id)
	}
	if err := s.appendLocked(p, []model.Entry{{ID: vid, Stamp: stamp, Deleted: true}}); err != nil {
		return fmt.Errorf("posting %d: %w", id, err)
	}
	if commit != nil && !commit() {
		return ErrStale
	}
	p.live.Add(-1)
	return nil
}

// Read returns the entries of a posting. The returned vectors are shared
// with the cache and must not be modified.
func (s *Store) Read(ctx context.Context, id model.PartitionID, mode Mode) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if !p.acquire() {
		return nil, fmt.Errorf("%w: %d", ErrRetired, id)
	}
	defer s.release(p)

	s.reads.Add(1)
	entries, err := s.entries(p, p.state.Load())
	if err != nil {
		return nil, fmt.Errorf("posting %d: %w", id, err)
	}
	if mode == All {
		return entries, nil
	}
	return filterLive(entries), nil
}

// filterLive keeps the last occurrence of every id unless it is a tombstone.
func filterLive(entries []model.Entry) []model.Entry {
	seen := make(map[model.ID]struct{}, len(entries))
	out := make([]model.Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		if !e.Deleted {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out
}

// entries returns the decoded entries [0, st.length), extending a cached
// prefix by the tail appended since it was read.
func (s *Store) entries(p *posting, st *layout) ([]model.Entry, error) {
	var prefix []model.Entry
	if s.cache != nil {
		s.cacheMu.Lock()
		c, ok := s.cache.Get(p.id)
		s.cacheMu.Unlock()
		if ok && c.p == p && uint64(len(c.entries)) <= st.length {
			if uint64(len(c.entries)) == st.length {
				s.cacheHits.Add(1)
				return c.entries, nil
			}
			prefix = c.entries[:len(c.entries):len(c.entries)]
		}
		s.cacheMisses.Add(1)
	}

	tail, err := s.readRange(st, uint64(len(prefix)), st.length)
	if err != nil {
		return nil, err
	}
	entries := append(prefix, tail...)
	s.remember(p, entries)
	return entries, nil
}

func (s *Store) remember(p *posting, entries []model.Entry) {
	if s.cache == nil {
		return
	}
	size := int64(len(entries)) * int64(s.dim*4+48)

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if p.retired() {
		return
	}
	if c, ok := s.cache.Peek(p.id); ok && c.p == p && len(c.entries) >= len(entries) {
		return
	}
	s.cache.Remove(p.id)
	if err := s.res.AcquireMemory(size); err != nil {
		return
	}
	s.cache.Add(p.id, &cached{p: p, entries: entries, bytes: size})
}

func (s *Store) forget(id model.PartitionID) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	s.cache.Remove(id)
	s.cacheMu.Unlock()
}

// readRange reads and decodes entries [from, to).
func (s *Store) readRange(st *layout, from, to uint64) ([]model.Entry, error) {
	if from >= to {
		return nil, nil
	}
	n := int(to - from)
	buf := make([]byte, n*s.entrySize)
	if err := s.readSpan(st.extents, s.entryOffset(from), buf); err != nil {
		return nil, err
	}

	out := make([]model.Entry, n)
	vecs := make([]float32, n*s.dim)
	for i := range out {
		raw := buf[i*s.entrySize : (i+1)*s.entrySize]
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", from+uint64(i), err)
		}
		if !e.Deleted {
			e.Vector = vecs[i*s.dim : (i+1)*s.dim : (i+1)*s.dim]
			if err := s.codec.Decode(e.Vector, raw[entryHeaderSize:]); err != nil {
				return nil, err
			}
		}
		out[i] = e
	}
	return out, nil
}

func (s *Store) release(p *posting) {
	if p.refs.Add(-1) == retiredBit {
		s.free(p)
	}
}

// free hands the extents of a retired posting without readers to the
// block store's retirement queue.
func (s *Store) free(p *posting) {
	st := p.state.Load()
	s.blocks.Retire(s.clock.Next(), st.extents...)
	s.logger.Debug("posting freed", "partition", p.id, "extents", len(st.extents))
}

// retire removes p from service. Its table reference is dropped.
func (s *Store) retire(p *posting) {
	s.forget(p.id)
	if p.refs.Add(retiredBit-1) == retiredBit {
		s.free(p)
	}
}

// Create writes a new posting and publishes it.
func (s *Store) Create(ctx context.Context, id model.PartitionID, centroid []float32, entries []model.Entry) error {
	st, err := s.Stage(ctx, id, centroid, entries)
	if err != nil {
		return err
	}
	s.publish(st)
	return nil
}

func (s *Store) publish(staged ...*Staged) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	t := s.table.Load().Copy()
	for _, st := range staged {
		st.published = true
		t.Set(st.p)
		s.SetNextID(st.p.id + 1)
	}
	s.table.Store(t)
}

func (s *Store) unpublish(ps ...*posting) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	t := s.table.Load().Copy()
	for _, p := range ps {
		t.Delete(p)
	}
	s.table.Store(t)
}
