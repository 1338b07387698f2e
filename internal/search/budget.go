package search

import (
	"sync/atomic"
)

// Budget caps the distance computations of one query.
// A nil Budget is unlimited.
type Budget struct {
	maxDistanceOps  int64
	usedDistanceOps atomic.Int64
	exhausted       atomic.Bool
}

// NewBudget creates a budget of maxDistanceOps distance computations.
// 0 = unlimited.
func NewBudget(maxDistanceOps int64) *Budget {
	return &Budget{maxDistanceOps: maxDistanceOps}
}

// CheckDistance checks if we can perform n distance operations.
// Returns false if budget exhausted. Call before distance computation.
func (b *Budget) CheckDistance(n int) bool {
	if b == nil || b.maxDistanceOps == 0 {
		return true
	}

	if b.exhausted.Load() {
		return false
	}

	used := b.usedDistanceOps.Add(int64(n))
	if used > b.maxDistanceOps {
		b.exhausted.Store(true)
		return false
	}

	return true
}

// Exhausted reports whether a check has failed.
func (b *Budget) Exhausted() bool {
	return b != nil && b.exhausted.Load()
}

// Used returns the number of distance operations granted or requested.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.usedDistanceOps.Load()
}
