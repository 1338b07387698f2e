package lire

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/lire/internal/search"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implementations must be safe for concurrent use. PrometheusCollector
// exports them to a Prometheus registry.
type MetricsCollector interface {
	// RecordInsert is called after each inserted vector.
	RecordInsert(duration time.Duration, err error)

	// RecordDelete is called after each removed id.
	RecordDelete(duration time.Duration, err error)

	// RecordSearch is called after each query. skipped is the number of
	// partitions that could not be read.
	RecordSearch(k int, duration time.Duration, skipped int, err error)

	// RecordRebalance is called after each split, merge, drift check or
	// reassignment.
	RecordRebalance(kind string, err error)

	// RecordCommit is called after each checkpoint.
	RecordCommit(duration time.Duration, err error)

	// RecordQueueDepth reports the number of pending rebalancing actions.
	RecordQueueDepth(depth int)

	// RecordPartitions reports the number of partitions.
	RecordPartitions(n int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)           {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)           {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, int, error) {}
func (NoopMetricsCollector) RecordRebalance(string, error)               {}
func (NoopMetricsCollector) RecordCommit(time.Duration, error)           {}
func (NoopMetricsCollector) RecordQueueDepth(int)                        {}
func (NoopMetricsCollector) RecordPartitions(int)                        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount       atomic.Int64
	InsertErrors      atomic.Int64
	InsertTotalNanos  atomic.Int64
	DeleteCount       atomic.Int64
	DeleteErrors      atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchTotalNanos  atomic.Int64
	SkippedPartitions atomic.Int64
	RebalanceCount    atomic.Int64
	RebalanceErrors   atomic.Int64
	CommitCount       atomic.Int64
	CommitErrors      atomic.Int64
	QueueDepth        atomic.Int64
	Partitions        atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(_ int, duration time.Duration, skipped int, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	b.SkippedPartitions.Add(int64(skipped))
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordRebalance implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRebalance(_ string, err error) {
	b.RebalanceCount.Add(1)
	if err != nil {
		b.RebalanceErrors.Add(1)
	}
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(_ time.Duration, err error) {
	b.CommitCount.Add(1)
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordQueueDepth implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQueueDepth(depth int) { b.QueueDepth.Store(int64(depth)) }

// RecordPartitions implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPartitions(n int) { b.Partitions.Store(int64(n)) }

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:       b.InsertCount.Load(),
		InsertErrors:      b.InsertErrors.Load(),
		InsertAvgNanos:    avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		DeleteCount:       b.DeleteCount.Load(),
		DeleteErrors:      b.DeleteErrors.Load(),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		SearchAvgNanos:    avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		SkippedPartitions: b.SkippedPartitions.Load(),
		RebalanceCount:    b.RebalanceCount.Load(),
		RebalanceErrors:   b.RebalanceErrors.Load(),
		CommitCount:       b.CommitCount.Load(),
		CommitErrors:      b.CommitErrors.Load(),
		QueueDepth:        b.QueueDepth.Load(),
		Partitions:        b.Partitions.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount       int64
	InsertErrors      int64
	InsertAvgNanos    int64
	DeleteCount       int64
	DeleteErrors      int64
	SearchCount       int64
	SearchErrors      int64
	SearchAvgNanos    int64
	SkippedPartitions int64
	RebalanceCount    int64
	RebalanceErrors   int64
	CommitCount       int64
	CommitErrors      int64
	QueueDepth        int64
	Partitions        int64
}

// observer forwards engine events to a MetricsCollector and the logger.
type observer struct {
	metrics MetricsCollector
	logger  *Logger
}

func (o *observer) OnInsert(d time.Duration, err error) { o.metrics.RecordInsert(d, err) }

func (o *observer) OnDelete(d time.Duration, err error) { o.metrics.RecordDelete(d, err) }

func (o *observer) OnSearch(k int, d time.Duration, st search.Stats, err error) {
	o.metrics.RecordSearch(k, d, st.PartitionsSkipped, err)
}

func (o *observer) OnFixup(kind string, err error) {
	o.metrics.RecordRebalance(kind, err)
	o.logger.LogRebalance(context.Background(), kind, err)
}

func (o *observer) OnCommit(d time.Duration, err error) { o.metrics.RecordCommit(d, err) }

func (o *observer) OnQueueDepth(depth int) { o.metrics.RecordQueueDepth(depth) }

func (o *observer) OnPartitions(n int) { o.metrics.RecordPartitions(n) }
