package lire

// Stats summarizes the state of an index.
type Stats struct {
	Vectors    int
	Partitions int

	// Live vectors per partition.
	MinPartitionSize  int64
	MaxPartitionSize  int64
	MeanPartitionSize float64
	// Gini is 0 for evenly sized partitions and approaches 1 as vectors
	// concentrate in few of them.
	Gini float64
	// CV is the coefficient of variation of the partition sizes.
	CV float64

	// DeletedIDs counts removed ids of which a posting may still hold a
	// copy. Checkpoints drop ids once rebalancing rewrote every copy away.
	DeletedIDs uint64

	PendingFixups    int
	Splits           int64
	Merges           int64
	Compactions      int64
	Reassignments    int64
	FixupFailures    int64
	DroppedFixups    int64
	CacheHits        uint64
	CacheMisses      uint64
	CacheBytes       int64
	BlockFiles       int
	UsedBlocks       uint64
	FreeBlocks       uint64
	RetiredBlocks    uint64
	ManifestID       uint64
	AppliedLSN       uint64
	MutationLogBytes int64
}

// Stats returns a summary of the index.
func (idx *Index) Stats() (Stats, error) {
	e, err := idx.engine()
	if err != nil {
		return Stats{}, err
	}
	s := e.Stats()
	return Stats{
		Vectors:           s.Vectors,
		Partitions:        s.Partitions,
		MinPartitionSize:  s.MinPartitionSize,
		MaxPartitionSize:  s.MaxPartitionSize,
		MeanPartitionSize: s.MeanPartitionSize,
		Gini:              s.Gini,
		CV:                s.CV,
		DeletedIDs:        s.Deleted,
		PendingFixups:     s.Rebalance.Pending,
		Splits:            s.Rebalance.Splits,
		Merges:            s.Rebalance.Merges,
		Compactions:       s.Rebalance.Compactions,
		Reassignments:     s.Rebalance.Reassigns,
		FixupFailures:     s.Rebalance.Failures,
		DroppedFixups:     s.Rebalance.Dropped,
		CacheHits:         s.Postings.CacheHits,
		CacheMisses:       s.Postings.CacheMisses,
		CacheBytes:        s.Postings.CacheBytes,
		BlockFiles:        s.Blocks.Files,
		UsedBlocks:        s.Blocks.UsedBlocks,
		FreeBlocks:        s.Blocks.FreeBlocks,
		RetiredBlocks:     s.Blocks.RetiredBlocks,
		ManifestID:        s.ManifestID,
		AppliedLSN:        s.Watermark,
		MutationLogBytes:  s.LogBytes,
	}, nil
}
