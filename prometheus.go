package lire

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports index metrics to a Prometheus registry.
type PrometheusCollector struct {
	inserts         *prometheus.CounterVec
	insertDuration  prometheus.Histogram
	deletes         *prometheus.CounterVec
	searches        *prometheus.CounterVec
	searchDuration  prometheus.Histogram
	skipped         prometheus.Counter
	rebalances      *prometheus.CounterVec
	commits         *prometheus.CounterVec
	commitDuration  prometheus.Histogram
	queueDepth      prometheus.Gauge
	partitionsGauge prometheus.Gauge
}

// NewPrometheusCollector registers the index metrics with reg. A nil reg
// uses prometheus.DefaultRegisterer. namespace prefixes every metric name
// and defaults to "lire".
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "lire"
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		inserts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inserts_total",
			Help:      "Total number of inserted vectors by outcome",
		}, []string{"status"}),
		insertDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "insert_duration_seconds",
			Help:      "Duration of single vector inserts",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		deletes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Total number of removed ids by outcome",
		}, []string{"status"}),
		searches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of queries by outcome",
		}, []string{"status"}),
		searchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Duration of queries",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_skipped_partitions_total",
			Help:      "Partitions skipped by queries because they could not be read",
		}),
		rebalances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_actions_total",
			Help:      "Rebalancing actions by kind and outcome",
		}, []string{"kind", "status"}),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Manifest commits by outcome",
		}, []string{"status"}),
		commitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Duration of checkpoints",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rebalance_queue_depth",
			Help:      "Pending rebalancing actions",
		}),
		partitionsGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partitions",
			Help:      "Number of partitions",
		}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordInsert implements MetricsCollector.
func (p *PrometheusCollector) RecordInsert(d time.Duration, err error) {
	p.inserts.WithLabelValues(status(err)).Inc()
	p.insertDuration.Observe(d.Seconds())
}

// RecordDelete implements MetricsCollector.
func (p *PrometheusCollector) RecordDelete(_ time.Duration, err error) {
	p.deletes.WithLabelValues(status(err)).Inc()
}

// RecordSearch implements MetricsCollector.
func (p *PrometheusCollector) RecordSearch(_ int, d time.Duration, skipped int, err error) {
	p.searches.WithLabelValues(status(err)).Inc()
	p.searchDuration.Observe(d.Seconds())
	if skipped > 0 {
		p.skipped.Add(float64(skipped))
	}
}

// RecordRebalance implements MetricsCollector.
func (p *PrometheusCollector) RecordRebalance(kind string, err error) {
	p.rebalances.WithLabelValues(kind, status(err)).Inc()
}

// RecordCommit implements MetricsCollector.
func (p *PrometheusCollector) RecordCommit(d time.Duration, err error) {
	p.commits.WithLabelValues(status(err)).Inc()
	p.commitDuration.Observe(d.Seconds())
}

// RecordQueueDepth implements MetricsCollector.
func (p *PrometheusCollector) RecordQueueDepth(depth int) { p.queueDepth.Set(float64(depth)) }

// RecordPartitions implements MetricsCollector.
func (p *PrometheusCollector) RecordPartitions(n int) { p.partitionsGauge.Set(float64(n)) }
