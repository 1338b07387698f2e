// Package rebalance keeps partitions balanced while the index mutates.
//
// Foreground Insert and Delete only append to postings. Size violations and
// drifted records are turned into fixups that background workers apply:
//
//   - split: a partition above MaxSize is divided with balanced 2-means into
//     two new partitions. A partition that is mostly garbage is rewritten
//     into one (compaction).
//   - merge: a partition below MinSize is folded together with its nearest
//     sibling into a new partition, which may cascade into a split.
//   - check: the records of a partition are routed again; records whose
//     owner is not among their ReassignFanout nearest partitions are queued
//     for reassignment.
//   - reassign: one record is appended to its nearest partition under a
//     fresh stamp and the directory is swapped over to the new copy.
//
// Fixups are deduplicated, bounded by MaxPending and re-derive their inputs
// from the current state, so running one twice, or after the trigger went
// away, is a no-op. A failed rewrite discards its staged postings and leaves
// the old partitions authoritative.
package rebalance
