package model

import (
	"fmt"
	"sync/atomic"
)

// ID is the user-facing stable identifier of a vector.
type ID uint64

// PartitionID identifies a partition (and its posting).
type PartitionID uint64

// Stamp is the sequence number a record copy was placed under.
// The zero stamp is never assigned.
type Stamp uint64

// Location identifies the authoritative copy of a record.
type Location struct {
	Partition PartitionID
	Stamp     Stamp
}

// String returns a string representation of the Location.
func (l Location) String() string {
	return fmt.Sprintf("Loc(%d@%d)", l.Partition, l.Stamp)
}

// Entry is one decoded posting entry.
type Entry struct {
	ID      ID
	Stamp   Stamp
	Deleted bool
	Vector  []float32
}

// Candidate is a scored search result.
type Candidate struct {
	ID       ID
	Distance float32
}

// Less orders candidates by distance, then by id.
func (c Candidate) Less(o Candidate) bool {
	if c.Distance != o.Distance {
		return c.Distance < o.Distance
	}
	return c.ID < o.ID
}

// Clock hands out strictly increasing sequence numbers.
type Clock struct {
	v atomic.Uint64
}

// Next returns a new sequence number.
func (c *Clock) Next() uint64 {
	return c.v.Add(1)
}

// Now returns the last sequence number handed out.
func (c *Clock) Now() uint64 {
	return c.v.Load()
}

// AdvanceTo moves the clock forward to at least v.
func (c *Clock) AdvanceTo(v uint64) {
	for {
		cur := c.v.Load()
		if cur >= v || c.v.CompareAndSwap(cur, v) {
			return
		}
	}
}
