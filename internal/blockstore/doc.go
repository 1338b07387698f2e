// Package blockstore manages the fixed-size block files that hold posting data.
//
// Space is handed out as extents: runs of contiguous blocks inside one block
// file. Files are named blocks-NNNNNN.dat; block 0 of every file holds a
// header carrying a magic, the format version and the block size, so files
// written with a different layout are rejected with ErrIncompatibleVersion.
//
// # Allocation
//
// Alloc serves requests first-fit from an ordered free list (a B-tree keyed
// by file and start block) and falls back to bumping the high water mark of
// the newest file. Released extents are coalesced with their neighbors.
//
// # Reclamation
//
// Extents that are still referenced by a durable manifest must not be reused.
// Owners therefore Retire extents under a sequence number instead of releasing
// them; Reclaim(mark) frees everything retired at or below mark once a
// manifest captured at mark is durable. Extents allocated but never committed
// (for example by a crash during a split) are found by Reconcile on open.
//
// The store is safe for concurrent use. Reads and writes of distinct extents
// do not contend.
package blockstore
