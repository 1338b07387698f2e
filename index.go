package lire

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/lire/internal/engine"
	"github.com/hupe1980/lire/internal/model"
)

// Index is a disk-resident approximate nearest-neighbor index. Create one
// with New and Build, or open an existing one with Open. All methods are
// safe for concurrent use.
type Index struct {
	dim       int
	valueType ValueType
	opts      options

	// mu serializes Build and Close.
	mu  sync.Mutex
	eng atomic.Pointer[engine.Engine]
}

// BuildOptions configures Build.
type BuildOptions struct {
	// Threads bounds the parallelism of clustering and posting writes.
	// 0 uses Options.Threads.
	Threads int
	// Normalize unit-normalizes every vector before indexing and every
	// query before searching. Cosine indexes always normalize.
	Normalize bool
	// IDs assigns the vector ids. nil numbers the vectors from 0.
	IDs []uint64
}

// New creates an unbuilt index of the given dimension. Call Build to
// populate it.
func New(dimension int, valueType ValueType, opts ...Option) (*Index, error) {
	if dimension <= 0 {
		return nil, configError("dimension", "must be positive, got %d", dimension)
	}
	if _, err := valueType.kind(); err != nil {
		return nil, err
	}
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Index{dim: dimension, valueType: valueType, opts: o}, nil
}

// Build clusters vectors into partitions, writes the index to outputPath
// and leaves it open for searches and updates. outputPath is created if
// needed and must not already hold an index.
func (idx *Index) Build(ctx context.Context, vectors [][]float32, outputPath string, bo BuildOptions) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.eng.Load() != nil {
		return configError("index", "already built or opened")
	}
	if outputPath == "" {
		return configError("output_path", "must not be empty")
	}
	if bo.IDs != nil && len(bo.IDs) != len(vectors) {
		return configError("ids", "got %d ids for %d vectors", len(bo.IDs), len(vectors))
	}
	if err := idx.checkDims(vectors); err != nil {
		return err
	}

	cfg, err := idx.opts.config(idx.dim, idx.valueType)
	if err != nil {
		return err
	}
	if bo.Threads > 0 {
		cfg.Threads = bo.Threads
	}
	cfg.Normalize = cfg.Normalize || bo.Normalize

	var ids []model.ID
	if bo.IDs != nil {
		ids = toModelIDs(bo.IDs)
	}
	eng, err := engine.Build(ctx, outputPath, vectors, ids, cfg)
	if err != nil {
		return translateError(err)
	}
	idx.eng.Store(eng)
	return nil
}

// Open opens the index stored in path. The dimension, value type and
// metric are read from the index.
func Open(ctx context.Context, path string, opts ...Option) (*Index, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	cfg, err := o.config(0, Float32)
	if err != nil {
		return nil, err
	}

	eng, err := engine.Open(ctx, path, cfg)
	if err != nil {
		err = translateError(err)
		o.logger.LogRecovery(ctx, 0, err)
		return nil, err
	}
	o.logger.LogRecovery(ctx, eng.Len(), nil)

	idx := &Index{
		dim:       eng.Dim(),
		valueType: valueTypeOf(eng.Config().Codec),
		opts:      o,
	}
	idx.eng.Store(eng)
	return idx, nil
}

func (idx *Index) engine() (*engine.Engine, error) {
	e := idx.eng.Load()
	if e == nil {
		return nil, notBuilt()
	}
	return e, nil
}

// Insert adds vectors under ids with up to insertThreads concurrent
// writers. It fails with a ConfigurationError when the counts differ and
// with a DuplicateIDError when an id is already live. Each vector is
// searchable once Insert returns.
func (idx *Index) Insert(ctx context.Context, vectors [][]float32, ids []uint64, insertThreads int) error {
	e, err := idx.engine()
	if err != nil {
		return err
	}
	if len(ids) != len(vectors) {
		return configError("ids", "got %d ids for %d vectors", len(ids), len(vectors))
	}
	if err := idx.checkDims(vectors); err != nil {
		return err
	}

	err = translateError(e.Insert(ctx, vectors, toModelIDs(ids), insertThreads))
	idx.opts.logger.LogInsert(ctx, len(vectors), err)
	return err
}

// Remove deletes ids with up to deleteThreads concurrent writers. Ids that
// are not in the index are ignored.
func (idx *Index) Remove(ctx context.Context, ids []uint64, deleteThreads int) error {
	e, err := idx.engine()
	if err != nil {
		return err
	}
	err = translateError(e.Remove(ctx, toModelIDs(ids), deleteThreads))
	idx.opts.logger.LogDelete(ctx, len(ids), err)
	return err
}

// Contains reports whether id is live.
func (idx *Index) Contains(id uint64) bool {
	e, err := idx.engine()
	if err != nil {
		return false
	}
	return e.Contains(model.ID(id))
}

// Len returns the number of live vectors.
func (idx *Index) Len() int {
	e, err := idx.engine()
	if err != nil {
		return 0
	}
	return e.Len()
}

// Dimension returns the vector dimension.
func (idx *Index) Dimension() int { return idx.dim }

// ValueType returns the storage type of the vectors.
func (idx *Index) ValueType() ValueType { return idx.valueType }

// Path returns the index directory, or "" before Build.
func (idx *Index) Path() string {
	e, err := idx.engine()
	if err != nil {
		return ""
	}
	return e.Path()
}

// Checkpoint makes every applied write durable in a new manifest and
// truncates the mutation log.
func (idx *Index) Checkpoint(ctx context.Context) error {
	e, err := idx.engine()
	if err != nil {
		return err
	}
	return translateError(e.Checkpoint(ctx))
}

// Quiesce waits until no partition violates the size bounds and no
// rebalancing work is pending, then checkpoints.
func (idx *Index) Quiesce(ctx context.Context) error {
	e, err := idx.engine()
	if err != nil {
		return err
	}
	return translateError(e.Quiesce(ctx))
}

// Close stops background work, checkpoints and releases the files.
// Operations after Close return a NotFoundError.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e := idx.eng.Load()
	if e == nil {
		return nil
	}
	return translateError(e.Close())
}

func (idx *Index) checkDims(vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) != idx.dim {
			return configError("dimension", "vector %d has %d values, want %d", i, len(v), idx.dim)
		}
	}
	return nil
}

func toModelIDs(ids []uint64) []model.ID {
	out := make([]model.ID, len(ids))
	for i, id := range ids {
		out[i] = model.ID(id)
	}
	return out
}
