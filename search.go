package lire

import (
	"context"
	"time"

	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/search"
)

// Result is one search hit. Lower distances are closer for every metric.
type Result struct {
	ID       uint64
	Distance float32
}

// SearchStats describes the work done by one query.
type SearchStats struct {
	PartitionsProbed  int
	PartitionsSkipped int
	PartitionsPruned  int
	CandidatesScored  int64
	// Truncated is set when the time or work budget ran out and the results
	// are the best found so far.
	Truncated bool
}

type searchOptions struct {
	params  search.Params
	timeout time.Duration
	stats   *SearchStats
}

// SearchOption configures a query.
type SearchOption func(*searchOptions)

// WithFanout sets the number of partitions probed. Higher fanout improves
// recall at the cost of more reads. Values above the partition count are
// clamped.
func WithFanout(fanout int) SearchOption {
	return func(o *searchOptions) {
		o.params.Fanout = fanout
	}
}

// WithSearchThreads bounds the number of partitions read in parallel.
func WithSearchThreads(threads int) SearchOption {
	return func(o *searchOptions) {
		o.params.Threads = threads
	}
}

// WithMaxDistanceOps caps the number of distance computations. When the
// cap is reached the best results found so far are returned.
func WithMaxDistanceOps(n int64) SearchOption {
	return func(o *searchOptions) {
		o.params.MaxDistanceOps = n
	}
}

// WithMaxDistRatio skips partitions whose centroid is more than ratio
// times as far from the query as the nearest centroid. 0 disables pruning.
func WithMaxDistRatio(ratio float32) SearchOption {
	return func(o *searchOptions) {
		o.params.MaxDistRatio = ratio
	}
}

// WithTimeout bounds the query duration. On expiry the best results found
// so far are returned without an error.
func WithTimeout(d time.Duration) SearchOption {
	return func(o *searchOptions) {
		o.timeout = d
	}
}

// WithSearchStats stores the statistics of the query in st.
func WithSearchStats(st *SearchStats) SearchOption {
	return func(o *searchOptions) {
		o.stats = st
	}
}

func (idx *Index) searchOptions(optFns []SearchOption) searchOptions {
	o := searchOptions{
		params: search.Params{
			Fanout:         idx.opts.opts.SearchFanout,
			Threads:        idx.opts.opts.SearchThreads,
			MaxDistanceOps: idx.opts.opts.MaxDistanceOps,
			MaxDistRatio:   idx.opts.opts.MaxDistRatio,
		},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// Search returns the k nearest live vectors to query, closest first, ties
// broken by id. Fewer than k results are returned when the index holds
// fewer live vectors. Recall is approximate and grows with the fanout.
func (idx *Index) Search(ctx context.Context, query []float32, k int, opts ...SearchOption) ([]Result, error) {
	e, err := idx.engine()
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, configError("k", "must be positive, got %d", k)
	}
	if len(query) != idx.dim {
		return nil, configError("dimension", "query has %d values, want %d", len(query), idx.dim)
	}

	o := idx.searchOptions(opts)
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	cands, st, err := e.Search(ctx, query, k, o.params)
	if o.stats != nil {
		*o.stats = SearchStats(st)
	}
	err = translateError(err)
	idx.opts.logger.LogSearch(ctx, k, len(cands), err)
	if err != nil {
		return nil, err
	}
	return toResults(cands), nil
}

// SearchBatch runs the queries with up to threadNum concurrent searches
// and returns one result list per query. WithSearchStats is ignored.
func (idx *Index) SearchBatch(ctx context.Context, queries [][]float32, k int, threadNum int, opts ...SearchOption) ([][]Result, error) {
	e, err := idx.engine()
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, configError("k", "must be positive, got %d", k)
	}
	for i, q := range queries {
		if len(q) != idx.dim {
			return nil, configError("dimension", "query %d has %d values, want %d", i, len(q), idx.dim)
		}
	}

	o := idx.searchOptions(opts)
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	res, err := e.SearchBatch(ctx, queries, k, o.params, threadNum)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([][]Result, len(res))
	for i, cands := range res {
		out[i] = toResults(cands)
	}
	return out, nil
}

func toResults(cands []model.Candidate) []Result {
	out := make([]Result, len(cands))
	for i, c := range cands {
		out[i] = Result{ID: uint64(c.ID), Distance: c.Distance}
	}
	return out
}
