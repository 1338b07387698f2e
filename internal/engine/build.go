package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/fs"
	"github.com/hupe1980/lire/internal/kmeans"
	"github.com/hupe1980/lire/internal/manifest"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/quantization"
)

const writeCheckFile = ".writable"

// Build creates an index in path from vectors and returns it open. ids may
// be nil, in which case vector i gets id i. An empty vector set yields an
// empty index that grows through Insert.
func Build(ctx context.Context, path string, vectors [][]float32, ids []model.ID, cfg Config) (*Engine, error) {
	start := time.Now()
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = make([]model.ID, len(vectors))
		for i := range ids {
			ids[i] = model.ID(i)
		}
	}
	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("%w: %d vectors for %d ids", ErrInvalidArgument, len(vectors), len(ids))
	}
	seen := make(map[model.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, &DuplicateIDError{ID: id}
		}
		seen[id] = struct{}{}
	}
	if cfg.Codec == quantization.KindSQ8 && len(vectors) == 0 {
		return nil, fmt.Errorf("%w: the %s codec is trained on the build set, which is empty", ErrInvalidArgument, cfg.Codec)
	}

	dim := cfg.Dim
	flat := make([]float32, len(vectors)*dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d: dimension mismatch: expected %d, got %d", ErrInvalidArgument, i, dim, len(v))
		}
		copy(flat[i*dim:], v)
	}
	if cfg.normalize() {
		for i := range vectors {
			if !distance.NormalizeL2InPlace(flat[i*dim : (i+1)*dim]) {
				return nil, fmt.Errorf("%w: vector %d: cannot normalize a zero vector", ErrInvalidArgument, i)
			}
		}
	}

	if err := prepareDir(cfg.FS, path); err != nil {
		return nil, err
	}

	codec, err := quantization.New(cfg.Codec, dim)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec
	sample := sampleRows(flat, dim, cfg.TrainSampleSize, rng)
	if err := codec.Train(sample); err != nil {
		return nil, fmt.Errorf("training %s codec: %w", cfg.Codec, err)
	}

	groups, centroids, err := cluster(ctx, flat, sample, cfg)
	if err != nil {
		return nil, err
	}

	blocks, err := blockstore.Open(path, blockstore.State{}, blockstore.Options{
		BlockSize:     cfg.BlockSize,
		BlocksPerFile: cfg.BlocksPerFile,
		FS:            cfg.FS,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, ioError("open", path, err)
	}

	clock := &model.Clock{}
	e, err := assemble(path, cfg, blocks, codec, clock)
	if err != nil {
		_ = blocks.Close()
		return nil, err
	}
	if err := e.load(ctx, ids, flat, groups, centroids); err != nil {
		e.abort()
		return nil, err
	}

	m := manifest.New(dim, cfg.Metric.String())
	m.Codec = uint8(cfg.Codec)
	m.Normalize = cfg.Normalize
	m.BlockSize = uint32(cfg.BlockSize)
	if m.CodecState, err = codec.MarshalBinary(); err != nil {
		e.abort()
		return nil, err
	}
	e.current.Store(m)

	if err := e.openWAL(); err != nil {
		e.abort()
		return nil, err
	}
	if err := e.retry(ctx, "checkpoint", func() error { return e.checkpoint(ctx) }); err != nil {
		e.abort()
		return nil, err
	}
	e.start()

	e.logger.Info("index built",
		"path", path,
		"vectors", len(vectors),
		"partitions", len(groups),
		"codec", cfg.Codec.String(),
		"duration", time.Since(start),
	)
	return e, nil
}

// load writes one posting per group and registers it.
func (e *Engine) load(ctx context.Context, ids []model.ID, flat []float32, groups [][]int, centroids [][]float32) error {
	dim := e.cfg.Dim
	stamps := make([]model.Stamp, len(ids))
	for i := range stamps {
		stamps[i] = model.Stamp(e.clock.Next())
	}
	pids := make([]model.PartitionID, len(groups))
	for i := range pids {
		pids[i] = e.posts.AllocID()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Threads)
	for gi, members := range groups {
		g.Go(func() error {
			entries := make([]model.Entry, len(members))
			for j, i := range members {
				entries[j] = model.Entry{ID: ids[i], Stamp: stamps[i], Vector: flat[i*dim : (i+1)*dim]}
			}
			// A failed Create releases its extents, so the next attempt
			// starts from a clean allocation.
			return e.retry(gctx, "create posting", func() error {
				return ioError("create", e.path, e.posts.Create(gctx, pids[gi], centroids[gi], entries))
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	all := make([]float32, 0, len(groups)*dim)
	for _, c := range centroids {
		all = append(all, c...)
	}
	if err := e.router.Load(pids, all); err != nil {
		return err
	}
	for gi, members := range groups {
		for _, i := range members {
			e.dir.Set(ids[i], model.Location{Partition: pids[gi], Stamp: stamps[i]})
		}
	}
	return nil
}

// cluster partitions the rows of flat into groups of at most
// MaxPartitionSize and returns each group with its centroid.
func cluster(ctx context.Context, flat, sample []float32, cfg Config) ([][]int, [][]float32, error) {
	dim := cfg.Dim
	n := len(flat) / dim
	if n == 0 {
		return nil, nil, nil
	}

	k := (n + cfg.TargetPartitionSize - 1) / cfg.TargetPartitionSize
	k = max(1, min(k, len(sample)/dim))
	centers, err := kmeans.TrainKMeans(ctx, sample, dim, k, cfg.Metric, cfg.KMeansIterations, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	assign, err := kmeans.Assign(ctx, flat, dim, centers, cfg.Metric, cfg.Threads)
	if err != nil {
		return nil, nil, err
	}

	byCenter := make([][]int, k)
	for i, c := range assign {
		if c < 0 {
			c = 0
		}
		byCenter[c] = append(byCenter[c], i)
	}

	var groups [][]int
	for _, members := range byCenter {
		if len(members) == 0 {
			continue
		}
		parts, err := bisect(flat, members, cfg)
		if err != nil {
			return nil, nil, err
		}
		groups = append(groups, parts...)
	}

	centroids := make([][]float32, len(groups))
	for gi, members := range groups {
		centroids[gi] = kmeans.Mean(gather(flat, dim, members), dim, cfg.Metric)
	}
	return groups, centroids, nil
}

// bisect splits members with balanced 2-means until no part exceeds
// MaxPartitionSize.
func bisect(flat []float32, members []int, cfg Config) ([][]int, error) {
	var out [][]int
	stack := [][]int{members}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(cur) <= cfg.MaxPartitionSize {
			out = append(out, cur)
			continue
		}
		split, err := kmeans.TwoMeans(gather(flat, cfg.Dim, cur), cfg.Dim, cfg.Metric, cfg.KMeansIterations, cfg.Seed)
		if err != nil {
			return nil, err
		}
		var sides [2][]int
		for j, i := range cur {
			sides[split.Side[j]] = append(sides[split.Side[j]], i)
		}
		stack = append(stack, sides[0], sides[1])
	}
	return out, nil
}

func gather(flat []float32, dim int, rows []int) []float32 {
	out := make([]float32, 0, len(rows)*dim)
	for _, i := range rows {
		out = append(out, flat[i*dim:(i+1)*dim]...)
	}
	return out
}

// sampleRows returns up to limit random rows of flat.
func sampleRows(flat []float32, dim, limit int, rng *rand.Rand) []float32 {
	n := len(flat) / dim
	if n <= limit {
		return flat
	}
	perm := rng.Perm(n)[:limit]
	return gather(flat, dim, perm)
}

// prepareDir creates path and checks that it is writable and holds no index.
// A path that cannot be created or written fails with ErrUnwritable.
func prepareDir(fsys fs.FileSystem, path string) error {
	if err := fsys.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnwritable, path, err)
	}
	if _, err := fsys.Stat(filepath.Join(path, manifest.CurrentFileName)); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return ioError("stat", path, err)
	}

	name := filepath.Join(path, writeCheckFile)
	f, err := fsys.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnwritable, path, err)
	}
	_, werr := f.Write([]byte{0})
	cerr := f.Close()
	_ = fsys.Remove(name)
	if err := errors.Join(werr, cerr); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnwritable, path, err)
	}
	return nil
}
