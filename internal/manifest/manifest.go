package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/lire/blobstore"
	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/compress"
	"github.com/hupe1980/lire/internal/model"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// Manifest describes the committed state of an index.
type Manifest struct {
	Version   int
	ID        uint64
	CreatedAt time.Time
	IndexID   uuid.UUID

	// Index configuration.
	Dim       int
	Metric    string
	Codec     uint8
	Normalize bool
	BlockSize uint32

	NextPartitionID model.PartitionID
	// Clock is the stamp clock high water at capture time.
	Clock uint64
	// AppliedLSN is the highest log sequence number whose effects are
	// contained in the committed postings.
	AppliedLSN uint64

	Partitions []PartitionInfo
	Files      []blockstore.FileState
	Free       []blockstore.Extent

	// Deleted points at the serialized deleted-id bitmap.
	Deleted BlobRef
	// CodecState is the binary state of the payload codec.
	CodecState []byte
}

// PartitionInfo describes a single posting.
type PartitionInfo struct {
	ID model.PartitionID
	// Length is the number of entries (including tombstones) in the posting.
	Length uint64
	// Live is the live entry count at capture time.
	Live    uint32
	Extents []blockstore.Extent
}

// BlobRef references a byte range stored in block extents.
type BlobRef struct {
	Extents []blockstore.Extent
	Length  uint64
}

// New creates a new empty manifest.
func New(dim int, metric string) *Manifest {
	return &Manifest{
		Version:         CurrentVersion,
		CreatedAt:       time.Now(),
		IndexID:         uuid.New(),
		Dim:             dim,
		Metric:          metric,
		NextPartitionID: 1, // Start partition IDs at 1
	}
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Partitions = make([]PartitionInfo, len(m.Partitions))
	for i, p := range m.Partitions {
		p.Extents = slices.Clone(p.Extents)
		c.Partitions[i] = p
	}
	c.Files = slices.Clone(m.Files)
	c.Free = slices.Clone(m.Free)
	c.Deleted.Extents = slices.Clone(m.Deleted.Extents)
	c.CodecState = slices.Clone(m.CodecState)
	return &c
}

// ReferencedExtents returns every extent the manifest points at.
func (m *Manifest) ReferencedExtents() []blockstore.Extent {
	var out []blockstore.Extent
	for _, p := range m.Partitions {
		out = append(out, p.Extents...)
	}
	return append(out, m.Deleted.Extents...)
}

// FileName returns the blob name of manifest version id.
func FileName(id uint64) string {
	return fmt.Sprintf("%s-%06d.bin", ManifestFileName, id)
}

// parseFileName extracts the version from a manifest blob name.
func parseFileName(name string) (uint64, bool) {
	s, ok := strings.CutPrefix(name, ManifestFileName+"-")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".bin")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 10, 64)
	return id, err == nil
}

// Options configures a Store.
type Options struct {
	// Compression applied to the manifest payload.
	Compression compress.Type
}

// Store manages the manifest files and atomic updates.
type Store struct {
	store blobstore.BlobStore
	opts  Options
	mu    sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(store blobstore.BlobStore, opts Options) *Store {
	return &Store{store: store, opts: opts}
}

// Blobs returns the underlying blob store.
func (s *Store) Blobs() blobstore.BlobStore { return s.store }

// Current returns the name of the manifest CURRENT points at.
func (s *Store) Current(ctx context.Context) (string, error) {
	content, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
	if err != nil {
		// blobstore.ErrNotFound is os.ErrNotExist.
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	name := strings.TrimSpace(string(content))
	if _, ok := parseFileName(name); !ok {
		return "", fmt.Errorf("%w: invalid CURRENT content %q", ErrCorrupt, name)
	}
	return name, nil
}

// Load loads the current manifest.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads a specific version ID. 0 means latest.
func (s *Store) LoadVersion(ctx context.Context, versionID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var name string
	if versionID == 0 {
		var err error
		if name, err = s.Current(ctx); err != nil {
			return nil, err
		}
	} else {
		name = FileName(versionID)
	}

	data, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open manifest %s: %w", name, err)
	}

	return ReadBinary(bytes.NewReader(data))
}

// Versions returns the ids of all stored manifests, ascending.
func (s *Store) Versions(ctx context.Context) ([]uint64, error) {
	names, err := s.store.List(ctx, ManifestFileName+"-")
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, n := range names {
		if id, ok := parseFileName(n); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Save atomically saves m as the next manifest version and swaps CURRENT.
// On success m.ID, m.Version and m.CreatedAt are updated; on failure m is
// unchanged and the previous manifest stays current.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *m
	next.Version = CurrentVersion
	next.ID = m.ID + 1
	next.CreatedAt = time.Now()

	var buf bytes.Buffer
	if err := next.WriteBinary(&buf, s.opts.Compression); err != nil {
		return err
	}

	filename := FileName(next.ID)

	// Atomic Write of Manifest Blob
	if err := s.store.Put(ctx, filename, buf.Bytes()); err != nil {
		return err
	}

	// Atomic Update of CURRENT
	if err := s.store.Put(ctx, CurrentFileName, []byte(filename)); err != nil {
		return err
	}

	*m = next
	return nil
}

// DeleteVersion deletes the manifest file for the given version.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Delete(ctx, FileName(versionID))
}

// Prune deletes all but the newest keep manifests. The manifest CURRENT
// points at is never deleted.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	ids, err := s.Versions(ctx)
	if err != nil {
		return 0, err
	}
	current, err := s.Current(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for i := 0; i < len(ids)-keep; i++ {
		if FileName(ids[i]) == current {
			continue
		}
		if err := s.DeleteVersion(ctx, ids[i]); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
