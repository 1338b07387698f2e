package engine

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/compress"
	"github.com/hupe1980/lire/internal/fs"
	"github.com/hupe1980/lire/internal/quantization"
	"github.com/hupe1980/lire/internal/wal"
)

// Config holds the engine settings. Zero sizes and counts select the
// defaults of DefaultConfig; zero intervals disable the periodic task.
type Config struct {
	// Index shape. Open takes these from the manifest; a non-zero Dim must
	// match it.
	Dim       int
	Metric    distance.Metric
	Codec     quantization.Kind
	Normalize bool

	BlockSize     int
	BlocksPerFile uint32

	// Partitioning.
	TargetPartitionSize int
	MinPartitionSize    int
	MaxPartitionSize    int
	TrainSampleSize     int
	KMeansIterations    int

	// Rebalancing.
	ReassignFanout    int
	ReassignNeighbors int
	RebalanceWorkers  int
	MaxPendingFixups  int
	ScanInterval      time.Duration
	ScanBatch         int
	RetryAttempts     int
	RetryBackoff      time.Duration

	// Resources.
	CacheSize          int
	MemoryLimitBytes   int64
	IOLimitBytesPerSec int64
	Threads            int

	// Durability.
	Durability         wal.Durability
	WALSegmentSize     int64
	CheckpointInterval time.Duration
	ManifestRetention  int
	Compression        compress.Type

	Seed     int64
	FS       fs.FileSystem
	Logger   *slog.Logger
	Observer Observer
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Metric:              distance.MetricL2,
		Codec:               quantization.KindFloat32,
		BlockSize:           blockstore.DefaultBlockSize,
		BlocksPerFile:       blockstore.DefaultBlocksPerFile,
		TargetPartitionSize: 128,
		MinPartitionSize:    16,
		MaxPartitionSize:    256,
		TrainSampleSize:     65536,
		KMeansIterations:    16,
		ReassignFanout:      4,
		ReassignNeighbors:   8,
		RebalanceWorkers:    2,
		MaxPendingFixups:    4096,
		ScanBatch:           16,
		RetryAttempts:       3,
		RetryBackoff:        10 * time.Millisecond,
		CacheSize:           1024,
		MemoryLimitBytes:    256 << 20,
		Durability:          wal.DurabilitySync,
		WALSegmentSize:      wal.DefaultSegmentSize,
		CheckpointInterval:  time.Minute,
		ManifestRetention:   3,
		Compression:         compress.Zstd,
		Seed:                1,
	}
}

// setDefaults fills zero values from DefaultConfig.
func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.BlocksPerFile == 0 {
		c.BlocksPerFile = d.BlocksPerFile
	}
	if c.TargetPartitionSize <= 0 {
		c.TargetPartitionSize = d.TargetPartitionSize
	}
	if c.MaxPartitionSize <= 0 {
		c.MaxPartitionSize = max(d.MaxPartitionSize, 2*c.TargetPartitionSize)
	}
	if c.MinPartitionSize < 0 {
		c.MinPartitionSize = 0
	}
	if c.TrainSampleSize <= 0 {
		c.TrainSampleSize = d.TrainSampleSize
	}
	if c.KMeansIterations <= 0 {
		c.KMeansIterations = d.KMeansIterations
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.ManifestRetention <= 0 {
		c.ManifestRetention = d.ManifestRetention
	}
	if c.WALSegmentSize <= 0 {
		c.WALSegmentSize = d.WALSegmentSize
	}
	if c.Threads <= 0 {
		c.Threads = runtime.GOMAXPROCS(0)
	}
	if c.FS == nil {
		c.FS = fs.Default
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Observer == nil {
		c.Observer = NoopObserver{}
	}
}

// validate checks the settings that do not depend on the index contents.
func (c *Config) validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidArgument, c.Dim)
	}
	if !c.Metric.Valid() {
		return fmt.Errorf("%w: unknown metric %d", ErrInvalidArgument, c.Metric)
	}
	if c.MaxPartitionSize < 2 || c.MinPartitionSize*3 > c.MaxPartitionSize {
		return fmt.Errorf("%w: partition size bounds [%d, %d] need 3*min <= max", ErrInvalidArgument, c.MinPartitionSize, c.MaxPartitionSize)
	}
	if c.TargetPartitionSize > c.MaxPartitionSize {
		return fmt.Errorf("%w: target partition size %d exceeds max %d", ErrInvalidArgument, c.TargetPartitionSize, c.MaxPartitionSize)
	}
	return nil
}

// normalize reports whether vectors are normalized before use.
func (c *Config) normalize() bool {
	return c.Normalize || c.Metric == distance.MetricCosine
}
