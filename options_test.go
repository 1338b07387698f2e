package lire

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/compress"
	"github.com/hupe1980/lire/internal/quantization"
	"github.com/hupe1980/lire/internal/wal"
)

func TestDefaultOptions_Valid(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions(strings.NewReader(`
metric: cosine
target_partition_size: 200
max_partition_size: 600
min_partition_size: 50
durability: async
compression: lz4
checkpoint_interval: 5m
search_fanout: 24
`))
	require.NoError(t, err)
	assert.Equal(t, "cosine", o.Metric)
	assert.Equal(t, 200, o.TargetPartitionSize)
	assert.Equal(t, 600, o.MaxPartitionSize)
	assert.Equal(t, 5*time.Minute, o.CheckpointInterval)
	assert.Equal(t, 24, o.SearchFanout)
	assert.Equal(t, DefaultOptions().BlockSize, o.BlockSize)

	empty, err := ParseOptions(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), empty)
}

func TestParseOptions_Errors(t *testing.T) {
	var ce *ConfigurationError

	_, err := ParseOptions(strings.NewReader("target_partition_sise: 10\n"))
	assert.ErrorAs(t, err, &ce)

	_, err = ParseOptions(strings.NewReader("metric: hamming\n"))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "metric", ce.Field)

	_, err = ParseOptions(strings.NewReader("durability: never\n"))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "durability", ce.Field)

	_, err = ParseOptions(strings.NewReader("block_size: 1000\n"))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "block_size", ce.Field)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seed: 99\nrebalance_workers: 4\n"), 0o644))

	o, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, int64(99), o.Seed)
	assert.Equal(t, 4, o.RebalanceWorkers)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestApplyOptions(t *testing.T) {
	o, err := applyOptions([]Option{WithSeed(5), nil, WithLogger(nil), WithMetricsCollector(nil), WithFileSystem(nil)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), o.opts.Seed)
	assert.NotNil(t, o.logger)
	assert.NotNil(t, o.metrics)
	assert.NotNil(t, o.fs)

	opts := DefaultOptions()
	opts.SearchFanout = 0
	_, err = applyOptions([]Option{WithOptions(opts)})
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "search_fanout", ce.Field)
}

func TestOptions_Config(t *testing.T) {
	opts := DefaultOptions()
	opts.Metric = "ip"
	opts.Durability = "async"
	opts.Compression = "zstd"
	o, err := applyOptions([]Option{WithOptions(opts)})
	require.NoError(t, err)

	cfg, err := o.config(32, UInt8)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Dim)
	assert.Equal(t, distance.MetricInnerProduct, cfg.Metric)
	assert.Equal(t, quantization.KindSQ8, cfg.Codec)
	assert.Equal(t, wal.DurabilityAsync, cfg.Durability)
	assert.Equal(t, compress.Zstd, cfg.Compression)
	assert.NotNil(t, cfg.Observer)
}

func TestValueType(t *testing.T) {
	for _, vt := range []ValueType{Float32, Float16, UInt8} {
		parsed, err := ParseValueType(vt.String())
		require.NoError(t, err)
		assert.Equal(t, vt, parsed)

		k, err := vt.kind()
		require.NoError(t, err)
		assert.Equal(t, vt, valueTypeOf(k))
	}
	_, err := ParseValueType("int4")
	assert.Error(t, err)
}
