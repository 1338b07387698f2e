package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/search"
)

// Search returns the k nearest live vectors to query, closest first.
// Partitions that cannot be read are skipped.
func (e *Engine) Search(ctx context.Context, query []float32, k int, p search.Params) (res []model.Candidate, st search.Stats, err error) {
	start := time.Now()
	defer func() { e.obs.OnSearch(k, time.Since(start), st, err) }()

	if e.closed.Load() {
		return nil, st, ErrClosed
	}
	if k <= 0 {
		return nil, st, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	q, err := e.prepare(query)
	if err != nil {
		return nil, st, err
	}
	return e.searcher.Search(ctx, q, k, p)
}

// SearchBatch runs the queries with up to threads concurrent searches.
func (e *Engine) SearchBatch(ctx context.Context, queries [][]float32, k int, p search.Params, threads int) ([][]model.Candidate, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	prepared := make([][]float32, len(queries))
	for i, q := range queries {
		v, err := e.prepare(q)
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		prepared[i] = v
	}

	start := time.Now()
	res, stats, err := e.searcher.SearchBatch(ctx, prepared, k, p, threads)
	d := time.Since(start)
	for _, st := range stats {
		e.obs.OnSearch(k, d/time.Duration(max(len(stats), 1)), st, err)
	}
	return res, err
}
