// Package directory maps vector ids to the location of their authoritative
// record copy.
//
// A posting entry is visible to readers only while its stamp equals the
// stamp the directory holds for its id. Moves that keep a record's stamp
// (split, merge) and moves that assign a fresh one (reassignment) both
// publish through CompareAndSwap, so a move that loses a race leaves an
// invisible stale copy behind instead of a duplicate.
//
// The directory also owns striped per-id locks. Insert, Delete and
// reassignment of the same id hold its stripe so that the mutation log
// order of an id equals the order in which its mutations are applied.
package directory
