// Package lire provides a disk-resident approximate nearest-neighbor index
// that stays balanced under continuous inserts and deletes.
//
// Vectors are clustered into partitions. Each partition is a posting list
// stored in fixed-size blocks on disk; only the partition centroids live in
// memory. A query routes to the nearest centroids and scans their postings.
// Inserts and removes append to a mutation log and to the owning posting,
// then a background rebalancer splits oversized partitions, merges
// undersized ones and reassigns vectors whose nearest partition changed.
// No operation rebuilds the whole index.
//
// # Quick Start
//
//	ctx := context.Background()
//	idx, _ := lire.New(128, lire.Float32)
//	_ = idx.Build(ctx, vectors, "./index", lire.BuildOptions{Threads: 8})
//	defer idx.Close()
//
//	results, _ := idx.Search(ctx, query, 10, lire.WithFanout(32))
//	for _, r := range results {
//	    fmt.Println(r.ID, r.Distance)
//	}
//
//	_ = idx.Insert(ctx, moreVectors, moreIDs, 4)
//	_ = idx.Remove(ctx, []uint64{42}, 1)
//
// Reopen an existing index with Open:
//
//	idx, _ := lire.Open(ctx, "./index")
//
// # Durability
//
// With the default "sync" durability Insert and Remove return after the
// mutation log is flushed. Checkpoint writes a new manifest and truncates
// the log; Open replays whatever the last checkpoint does not cover.
//
// # Recall
//
// Search is approximate. The probability of finding the true nearest
// neighbors grows with the fanout (WithFanout). A fanout at least as large
// as the partition count scans every partition.
package lire
