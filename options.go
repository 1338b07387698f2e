package lire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/compress"
	"github.com/hupe1980/lire/internal/engine"
	"github.com/hupe1980/lire/internal/fs"
	"github.com/hupe1980/lire/internal/wal"
)

// FileSystem is the file system an index is stored on.
type FileSystem = fs.FileSystem

// File is an open file of a FileSystem.
type File = fs.File

// Options holds the tunable settings of an index. The zero value of a field
// is not a valid setting; start from DefaultOptions.
type Options struct {
	// Metric is one of "l2", "cosine" or "inner_product".
	Metric string `yaml:"metric"`
	// Normalize unit-normalizes vectors and queries. Always on for cosine.
	Normalize bool `yaml:"normalize"`

	BlockSize     int    `yaml:"block_size"`
	BlocksPerFile uint32 `yaml:"blocks_per_file"`

	TargetPartitionSize int `yaml:"target_partition_size"`
	MinPartitionSize    int `yaml:"min_partition_size"`
	MaxPartitionSize    int `yaml:"max_partition_size"`
	TrainSampleSize     int `yaml:"train_sample_size"`
	KMeansIterations    int `yaml:"kmeans_iterations"`

	ReassignFanout    int           `yaml:"reassign_fanout"`
	ReassignNeighbors int           `yaml:"reassign_neighbors"`
	RebalanceWorkers  int           `yaml:"rebalance_workers"`
	MaxPendingFixups  int           `yaml:"max_pending_fixups"`
	ScanInterval      time.Duration `yaml:"scan_interval"`
	ScanBatch         int           `yaml:"scan_batch"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`

	// SearchFanout is the default number of partitions probed per query.
	SearchFanout   int     `yaml:"search_fanout"`
	SearchThreads  int     `yaml:"search_threads"`
	MaxDistanceOps int64   `yaml:"max_distance_ops"`
	MaxDistRatio   float32 `yaml:"max_dist_ratio"`

	CacheSize          int   `yaml:"cache_size"`
	MemoryLimitBytes   int64 `yaml:"memory_limit_bytes"`
	IOLimitBytesPerSec int64 `yaml:"io_limit_bytes_per_sec"`
	// Threads bounds build, recovery and batch parallelism. 0 uses GOMAXPROCS.
	Threads int `yaml:"threads"`

	// Durability is "sync" (fdatasync before a write returns) or "async".
	Durability         string        `yaml:"durability"`
	WALSegmentSize     int64         `yaml:"wal_segment_size"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	ManifestRetention  int           `yaml:"manifest_retention"`
	// Compression of manifests and the deleted-id set: "none", "lz4" or "zstd".
	Compression string `yaml:"compression"`

	Seed int64 `yaml:"seed"`
}

// DefaultOptions returns the default settings.
func DefaultOptions() Options {
	d := engine.DefaultConfig()
	return Options{
		Metric:              d.Metric.String(),
		BlockSize:           d.BlockSize,
		BlocksPerFile:       d.BlocksPerFile,
		TargetPartitionSize: d.TargetPartitionSize,
		MinPartitionSize:    d.MinPartitionSize,
		MaxPartitionSize:    d.MaxPartitionSize,
		TrainSampleSize:     d.TrainSampleSize,
		KMeansIterations:    d.KMeansIterations,
		ReassignFanout:      d.ReassignFanout,
		ReassignNeighbors:   d.ReassignNeighbors,
		RebalanceWorkers:    d.RebalanceWorkers,
		MaxPendingFixups:    d.MaxPendingFixups,
		ScanInterval:        30 * time.Second,
		ScanBatch:           d.ScanBatch,
		RetryAttempts:       d.RetryAttempts,
		RetryBackoff:        d.RetryBackoff,
		SearchFanout:        16,
		CacheSize:           d.CacheSize,
		MemoryLimitBytes:    d.MemoryLimitBytes,
		Durability:          "sync",
		WALSegmentSize:      d.WALSegmentSize,
		CheckpointInterval:  d.CheckpointInterval,
		ManifestRetention:   d.ManifestRetention,
		Compression:         d.Compression.String(),
		Seed:                d.Seed,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if _, err := distance.ParseMetric(o.Metric); err != nil {
		return &ConfigurationError{Field: "metric", Reason: err.Error(), cause: err}
	}
	if o.BlockSize < 512 || o.BlockSize%512 != 0 {
		return configError("block_size", "must be a positive multiple of 512, got %d", o.BlockSize)
	}
	if o.BlocksPerFile < 2 {
		return configError("blocks_per_file", "must be at least 2, got %d", o.BlocksPerFile)
	}
	if o.TargetPartitionSize < 1 {
		return configError("target_partition_size", "must be positive, got %d", o.TargetPartitionSize)
	}
	if o.MinPartitionSize < 0 {
		return configError("min_partition_size", "must not be negative, got %d", o.MinPartitionSize)
	}
	if o.MaxPartitionSize < 2 || o.MaxPartitionSize < o.TargetPartitionSize {
		return configError("max_partition_size", "must be at least 2 and at least the target size %d, got %d", o.TargetPartitionSize, o.MaxPartitionSize)
	}
	if 3*o.MinPartitionSize > o.MaxPartitionSize {
		return configError("min_partition_size", "three times the minimum (%d) exceeds the maximum %d", o.MinPartitionSize, o.MaxPartitionSize)
	}
	if o.TrainSampleSize < 1 {
		return configError("train_sample_size", "must be positive, got %d", o.TrainSampleSize)
	}
	if o.KMeansIterations < 1 {
		return configError("kmeans_iterations", "must be positive, got %d", o.KMeansIterations)
	}
	if o.ReassignFanout < 1 {
		return configError("reassign_fanout", "must be positive, got %d", o.ReassignFanout)
	}
	if o.ReassignNeighbors < 0 {
		return configError("reassign_neighbors", "must not be negative, got %d", o.ReassignNeighbors)
	}
	if o.RebalanceWorkers < 1 {
		return configError("rebalance_workers", "must be positive, got %d", o.RebalanceWorkers)
	}
	if o.MaxPendingFixups < 1 {
		return configError("max_pending_fixups", "must be positive, got %d", o.MaxPendingFixups)
	}
	if o.ScanInterval < 0 || o.CheckpointInterval < 0 || o.RetryBackoff < 0 {
		return configError("interval", "durations must not be negative")
	}
	if o.ScanBatch < 1 {
		return configError("scan_batch", "must be positive, got %d", o.ScanBatch)
	}
	if o.RetryAttempts < 0 {
		return configError("retry_attempts", "must not be negative, got %d", o.RetryAttempts)
	}
	if o.SearchFanout < 1 {
		return configError("search_fanout", "must be positive, got %d", o.SearchFanout)
	}
	if o.MaxDistRatio != 0 && o.MaxDistRatio < 1 {
		return configError("max_dist_ratio", "must be 0 or at least 1, got %g", o.MaxDistRatio)
	}
	if o.CacheSize < 0 || o.MemoryLimitBytes < 0 || o.IOLimitBytesPerSec < 0 || o.Threads < 0 {
		return configError("resources", "limits must not be negative")
	}
	if _, err := parseDurability(o.Durability); err != nil {
		return err
	}
	if _, err := compress.ParseType(o.Compression); err != nil {
		return &ConfigurationError{Field: "compression", Reason: err.Error(), cause: err}
	}
	if o.ManifestRetention < 1 {
		return configError("manifest_retention", "must be positive, got %d", o.ManifestRetention)
	}
	return nil
}

func parseDurability(s string) (wal.Durability, error) {
	switch s {
	case "", "sync":
		return wal.DurabilitySync, nil
	case "async":
		return wal.DurabilityAsync, nil
	default:
		return 0, configError("durability", "must be \"sync\" or \"async\", got %q", s)
	}
}

// ParseOptions decodes YAML options from r on top of DefaultOptions.
// Unknown fields are rejected.
func ParseOptions(r io.Reader) (Options, error) {
	o := DefaultOptions()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, &ConfigurationError{Reason: fmt.Sprintf("parsing options: %v", err), cause: err}
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// LoadOptions reads YAML options from the file at path.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, &ConfigurationError{Field: "path", Reason: err.Error(), cause: err}
	}
	return ParseOptions(bytes.NewReader(data))
}

type options struct {
	opts    Options
	logger  *Logger
	metrics MetricsCollector
	fs      FileSystem
	seed    *int64
}

// Option configures New and Open.
type Option func(*options)

// WithOptions replaces the settings.
func WithOptions(o Options) Option {
	return func(opts *options) {
		opts.opts = o
	}
}

// WithLogger configures structured logging. Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := lire.NewJSONLogger(slog.LevelInfo)
//	idx, _ := lire.Open(ctx, "./index", lire.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithFileSystem stores the index on fsys instead of the local file system.
func WithFileSystem(fsys FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithSeed sets the seed of the clustering and sampling steps.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = &seed
	}
}

func applyOptions(optFns []Option) (options, error) {
	o := options{
		opts:    DefaultOptions(),
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
		fs:      fs.Default,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsCollector{}
	}
	if o.fs == nil {
		o.fs = fs.Default
	}
	if o.seed != nil {
		o.opts.Seed = *o.seed
	}
	if err := o.opts.Validate(); err != nil {
		return options{}, err
	}
	return o, nil
}

// config translates the options into the engine settings.
func (o *options) config(dim int, vt ValueType) (engine.Config, error) {
	metric, err := distance.ParseMetric(o.opts.Metric)
	if err != nil {
		return engine.Config{}, &ConfigurationError{Field: "metric", Reason: err.Error(), cause: err}
	}
	kind, err := vt.kind()
	if err != nil {
		return engine.Config{}, err
	}
	durability, err := parseDurability(o.opts.Durability)
	if err != nil {
		return engine.Config{}, err
	}
	compression, err := compress.ParseType(o.opts.Compression)
	if err != nil {
		return engine.Config{}, &ConfigurationError{Field: "compression", Reason: err.Error(), cause: err}
	}

	return engine.Config{
		Dim:                 dim,
		Metric:              metric,
		Codec:               kind,
		Normalize:           o.opts.Normalize,
		BlockSize:           o.opts.BlockSize,
		BlocksPerFile:       o.opts.BlocksPerFile,
		TargetPartitionSize: o.opts.TargetPartitionSize,
		MinPartitionSize:    o.opts.MinPartitionSize,
		MaxPartitionSize:    o.opts.MaxPartitionSize,
		TrainSampleSize:     o.opts.TrainSampleSize,
		KMeansIterations:    o.opts.KMeansIterations,
		ReassignFanout:      o.opts.ReassignFanout,
		ReassignNeighbors:   o.opts.ReassignNeighbors,
		RebalanceWorkers:    o.opts.RebalanceWorkers,
		MaxPendingFixups:    o.opts.MaxPendingFixups,
		ScanInterval:        o.opts.ScanInterval,
		ScanBatch:           o.opts.ScanBatch,
		RetryAttempts:       o.opts.RetryAttempts,
		RetryBackoff:        o.opts.RetryBackoff,
		CacheSize:           o.opts.CacheSize,
		MemoryLimitBytes:    o.opts.MemoryLimitBytes,
		IOLimitBytesPerSec:  o.opts.IOLimitBytesPerSec,
		Threads:             o.opts.Threads,
		Durability:          durability,
		WALSegmentSize:      o.opts.WALSegmentSize,
		CheckpointInterval:  o.opts.CheckpointInterval,
		ManifestRetention:   o.opts.ManifestRetention,
		Compression:         compression,
		Seed:                o.opts.Seed,
		FS:                  o.fs,
		Logger:              o.logger.Logger,
		Observer:            &observer{metrics: o.metrics, logger: o.logger},
	}, nil
}
