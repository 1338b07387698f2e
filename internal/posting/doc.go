// Package posting stores the per-partition entry lists on top of the block
// store.
//
// # Layout
//
// A posting is a list of extents that are concatenated into one logical
// byte range. The range starts with a header followed by fixed-size entries:
//
//	header: magic "LPST" | version u16 | flags u16 | partition u64 |
//	        dim u32 | entry size u32 | centroid dim*f32 | crc32
//	entry:  id u64 | stamp u64 | flags u8 | pad 3 | crc32 | code
//
// # Concurrency
//
// Appends take the posting mutex, write the entry bytes past the published
// length and only then publish the new length with an atomic store. Readers
// never lock; they read up to the length they loaded and therefore observe a
// prefix that is no older than the start of their call.
//
// Rewrites (split, merge) stage new postings outside the table, then call
// Update, which locks the affected postings in id order, lets the caller read
// the tails appended since its snapshot, publish the staged postings and
// retire the old ones. A retired posting keeps its extents until the last
// reader releases it; then they are handed to the block store's retirement
// queue and reused after the next durable checkpoint.
package posting
