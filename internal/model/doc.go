// Package model defines the identity types shared by the index components.
//
// # Identity Types
//
//   - ID: user-facing vector identifier (uint64)
//   - PartitionID: identifier of a posting; never reused
//   - Stamp: sequence number under which a record copy was placed
//   - Location: where the authoritative copy of an ID lives (PartitionID, Stamp)
//
// Stamps and mutation log sequence numbers are drawn from a single Clock, so a
// record's stamp orders it against every other placement.
package model
