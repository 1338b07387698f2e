package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/posting"
	"github.com/hupe1980/lire/internal/router"
)

// scoreBatch is the number of entries scored between budget checks.
const scoreBatch = 64

// ErrDimensionMismatch is returned for queries of the wrong length.
var ErrDimensionMismatch = errors.New("search: dimension mismatch")

// Router selects the partitions of a query.
type Router interface {
	Route(vec []float32, fanout int) []router.Candidate
}

// Postings reads partition contents.
type Postings interface {
	Read(ctx context.Context, id model.PartitionID, mode posting.Mode) ([]model.Entry, error)
}

// Directory decides which record copies are authoritative.
type Directory interface {
	Visible(id model.ID, stamp model.Stamp) bool
}

// Options configures an Engine.
type Options struct {
	Dim       int
	Metric    distance.Metric
	Router    Router
	Postings  Postings
	Directory Directory
	Logger    *slog.Logger
}

// Params tunes a single query.
type Params struct {
	// Fanout is the number of partitions to probe. Values below 1 probe one.
	Fanout int
	// Threads bounds parallel partition reads. 0 = min(fanout, GOMAXPROCS).
	Threads int
	// MaxDistanceOps caps distance computations. 0 = unlimited.
	MaxDistanceOps int64
	// MaxDistRatio skips partitions whose centroid distance exceeds the
	// best centroid distance by this factor. 0 disables pruning.
	MaxDistRatio float32
}

// Stats describes the work done by one query.
type Stats struct {
	PartitionsProbed  int
	PartitionsSkipped int
	PartitionsPruned  int
	CandidatesScored  int64
	Truncated         bool
}

// Engine runs queries against a router, a posting store and a directory.
// It is safe for concurrent use.
type Engine struct {
	opts   Options
	dist   distance.Func
	logger *slog.Logger
}

// New creates a search engine.
func New(opts Options) (*Engine, error) {
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("search: invalid dimension %d", opts.Dim)
	}
	if opts.Router == nil || opts.Postings == nil || opts.Directory == nil {
		return nil, errors.New("search: router, postings and directory are required")
	}
	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{opts: opts, dist: dist, logger: logger}, nil
}

// Search returns up to k candidates nearest to query, ordered by distance
// then id. Recall is approximate and grows with Params.Fanout.
//
// Budget expiry and cancellation are not errors: the best candidates found
// so far are returned and Stats.Truncated is set.
func (e *Engine) Search(ctx context.Context, query []float32, k int, p Params) ([]model.Candidate, Stats, error) {
	if len(query) != e.opts.Dim {
		return nil, Stats{}, fmt.Errorf("%w: query %d != %d", ErrDimensionMismatch, len(query), e.opts.Dim)
	}
	if k <= 0 {
		return nil, Stats{}, nil
	}

	fanout := max(p.Fanout, 1)
	threads := p.Threads
	if threads <= 0 {
		threads = min(fanout, runtime.GOMAXPROCS(0))
	}

	q := &run{
		e:       e,
		vec:     query,
		k:       k,
		threads: threads,
		budget:  NewBudget(p.MaxDistanceOps),
		probed:  make(map[model.PartitionID]struct{}, fanout),
	}

	q.scan(ctx, e.targets(e.opts.Router.Route(query, fanout), p.MaxDistRatio, q))

	// A split or merge retired some of the routed partitions while the
	// query ran. Their records live in partitions the router now returns.
	if q.moved.Load() && !q.truncated.Load() {
		var extra []model.PartitionID
		for _, id := range e.targets(e.opts.Router.Route(query, fanout), p.MaxDistRatio, nil) {
			if _, seen := q.probed[id]; !seen {
				extra = append(extra, id)
			}
		}
		q.scan(ctx, extra)
	}

	return q.results(), q.stats(), nil
}

// SearchBatch runs queries in parallel on up to threads goroutines.
// All queries are validated before any is run.
func (e *Engine) SearchBatch(ctx context.Context, queries [][]float32, k int, p Params, threads int) ([][]model.Candidate, []Stats, error) {
	for i, q := range queries {
		if len(q) != e.opts.Dim {
			return nil, nil, fmt.Errorf("%w: query %d has length %d != %d", ErrDimensionMismatch, i, len(q), e.opts.Dim)
		}
	}
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	out := make([][]model.Candidate, len(queries))
	stats := make([]Stats, len(queries))

	g := new(errgroup.Group)
	g.SetLimit(threads)
	for i, q := range queries {
		g.Go(func() error {
			res, st, err := e.Search(ctx, q, k, p)
			out[i], stats[i] = res, st
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, stats, nil
}

// targets drops routed partitions beyond the distance ratio. Pruning only
// applies to metrics whose distances are non-negative.
func (e *Engine) targets(routed []router.Candidate, ratio float32, q *run) []model.PartitionID {
	ids := make([]model.PartitionID, 0, len(routed))
	prune := ratio > 0 && len(routed) > 0 && routed[0].Distance > 0 && e.opts.Metric != distance.MetricInnerProduct
	for i, c := range routed {
		if prune && c.Distance > routed[0].Distance*ratio {
			if q != nil {
				q.pruned = len(routed) - i
			}
			break
		}
		ids = append(ids, c.ID)
	}
	return ids
}

// run is the state of one query.
type run struct {
	e       *Engine
	vec     []float32
	k       int
	threads int
	budget  *Budget

	probed map[model.PartitionID]struct{} // owned by the calling goroutine
	pruned int

	mu    sync.Mutex
	heaps []*topK

	read      atomic.Int64
	skipped   atomic.Int64
	scored    atomic.Int64
	truncated atomic.Bool
	moved     atomic.Bool
}

func (q *run) scan(ctx context.Context, ids []model.PartitionID) {
	g := new(errgroup.Group)
	g.SetLimit(q.threads)
	for _, id := range ids {
		if ctx.Err() != nil || q.budget.Exhausted() {
			q.truncated.Store(true)
			break
		}
		q.probed[id] = struct{}{}
		g.Go(func() error {
			q.scanPartition(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (q *run) scanPartition(ctx context.Context, id model.PartitionID) {
	entries, err := q.e.opts.Postings.Read(ctx, id, posting.Live)
	switch {
	case err == nil:
	case errors.Is(err, posting.ErrNotFound), errors.Is(err, posting.ErrRetired):
		q.moved.Store(true)
		return
	case ctx.Err() != nil:
		q.truncated.Store(true)
		return
	default:
		q.skipped.Add(1)
		q.e.logger.Warn("search: skipping unreadable partition", "partition", id, "error", err)
		return
	}
	q.read.Add(1)

	h := newTopK(q.k)
	for start := 0; start < len(entries); start += scoreBatch {
		end := min(start+scoreBatch, len(entries))
		if ctx.Err() != nil || !q.budget.CheckDistance(end-start) {
			q.truncated.Store(true)
			break
		}
		for _, en := range entries[start:end] {
			if !q.e.opts.Directory.Visible(en.ID, en.Stamp) {
				continue
			}
			d := q.e.dist(q.vec, en.Vector)
			if h.rejects(d) {
				continue
			}
			h.push(model.Candidate{ID: en.ID, Distance: d})
		}
		q.scored.Add(int64(end - start))
	}

	q.mu.Lock()
	q.heaps = append(q.heaps, h)
	q.mu.Unlock()
}

// results merges the per-partition heaps. A record readable in two
// postings is reported once.
func (q *run) results() []model.Candidate {
	var all []model.Candidate
	for _, h := range q.heaps {
		all = append(all, h.items...)
	}
	slices.SortFunc(all, func(a, b model.Candidate) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})

	seen := make(map[model.ID]struct{}, q.k)
	out := make([]model.Candidate, 0, min(q.k, len(all)))
	for _, c := range all {
		if len(out) == q.k {
			break
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (q *run) stats() Stats {
	return Stats{
		PartitionsProbed:  int(q.read.Load()),
		PartitionsSkipped: int(q.skipped.Load()),
		PartitionsPruned:  q.pruned,
		CandidatesScored:  q.scored.Load(),
		Truncated:         q.truncated.Load(),
	}
}
