// Package search implements the query path of the index.
//
// A query is routed to its nearest partitions, the postings are read in
// parallel and every visible entry is scored. Each worker keeps a bounded
// max-heap of its best candidates; the heaps are merged and deduplicated at
// the end because a record may be readable in two postings while a split or
// merge is publishing.
//
// Unreadable partitions are skipped, never fatal. A cancelled context or an
// exhausted distance budget stops the search early and the best candidates
// found so far are returned with Stats.Truncated set.
package search
