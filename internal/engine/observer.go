package engine

import (
	"time"

	"github.com/hupe1980/lire/internal/search"
)

// Observer receives engine events, e.g. to export metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	// OnInsert is called after each inserted vector.
	OnInsert(duration time.Duration, err error)

	// OnDelete is called after each removed id.
	OnDelete(duration time.Duration, err error)

	// OnSearch is called after each query.
	OnSearch(k int, duration time.Duration, stats search.Stats, err error)

	// OnFixup is called after each rebalancing action.
	OnFixup(kind string, err error)

	// OnCommit is called after each checkpoint.
	OnCommit(duration time.Duration, err error)

	// OnQueueDepth reports the number of pending rebalancing actions.
	OnQueueDepth(depth int)

	// OnPartitions reports the number of partitions.
	OnPartitions(n int)
}

// NoopObserver ignores every event.
type NoopObserver struct{}

func (NoopObserver) OnInsert(time.Duration, error)                    {}
func (NoopObserver) OnDelete(time.Duration, error)                    {}
func (NoopObserver) OnSearch(int, time.Duration, search.Stats, error) {}
func (NoopObserver) OnFixup(string, error)                            {}
func (NoopObserver) OnCommit(time.Duration, error)                    {}
func (NoopObserver) OnQueueDepth(int)                                 {}
func (NoopObserver) OnPartitions(int)                                 {}
