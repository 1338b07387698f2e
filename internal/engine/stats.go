package engine

import (
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/posting"
	"github.com/hupe1980/lire/internal/rebalance"
)

// Stats is a point-in-time summary of the index.
type Stats struct {
	Vectors    int
	Partitions int

	// Live records per partition.
	MinPartitionSize  int64
	MaxPartitionSize  int64
	MeanPartitionSize float64
	// Gini is 0 for perfectly even partitions and approaches 1 as records
	// concentrate in few of them.
	Gini float64
	// CV is the coefficient of variation of the partition sizes.
	CV float64

	Deleted   uint64
	Rebalance rebalance.Stats
	Postings  posting.Stats
	Blocks    blockstore.Stats

	ManifestID uint64
	Watermark  uint64
	LogBytes   int64
}

// Stats returns a summary of the index.
func (e *Engine) Stats() Stats {
	infos := e.posts.Snapshot()
	sizes := make([]float64, len(infos))
	for i, in := range infos {
		sizes[i] = float64(max(in.Live, 0))
	}

	st := Stats{
		Vectors:    e.dir.Len(),
		Partitions: len(infos),
		Rebalance:  e.rebal.Stats(),
		Postings:   e.posts.Stats(),
		Blocks:     e.blocks.Stats(),
	}
	if len(sizes) > 0 {
		st.MinPartitionSize = int64(slices.Min(sizes))
		st.MaxPartitionSize = int64(slices.Max(sizes))
		mean, std := stat.PopMeanStdDev(sizes, nil)
		st.MeanPartitionSize = mean
		if mean > 0 {
			st.CV = std / mean
		}
		st.Gini = gini(sizes)
	}

	e.deletedMu.Lock()
	st.Deleted = e.deleted.GetCardinality()
	e.deletedMu.Unlock()

	if m := e.current.Load(); m != nil {
		st.ManifestID = m.ID
		st.Watermark = m.AppliedLSN
	}
	if e.wal != nil {
		st.LogBytes = e.wal.Size()
	}
	return st
}

// gini computes the Gini coefficient of non-negative values.
func gini(values []float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := float64(len(sorted))
	var sum, weighted float64
	for i, v := range sorted {
		sum += v
		weighted += float64(i+1) * v
	}
	if sum == 0 {
		return 0
	}
	return (2*weighted)/(n*sum) - (n+1)/n
}
