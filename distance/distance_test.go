package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Single", []float32{2}, []float32{3}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
		{"Empty", []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SquaredL2(tt.a, tt.b), 1e-4)
		})
	}
}

func TestNormalizeL2InPlace(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	assert.False(t, NormalizeL2InPlace([]float32{0, 0}))
	assert.False(t, NormalizeL2InPlace(nil))

	src := []float32{0, 5}
	dst, ok := NormalizeL2Copy(src)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 5}, src)
	assert.InDelta(t, 1.0, dst[1], 1e-6)
}

func TestProvider(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	l2, err := Provider(MetricL2)
	require.NoError(t, err)
	assert.InDelta(t, 2, l2(a, b), 1e-5)

	cos, err := Provider(MetricCosine)
	require.NoError(t, err)
	assert.InDelta(t, 1, cos(a, b), 1e-6)
	assert.InDelta(t, 0, cos(a, a), 1e-6)

	ip, err := Provider(MetricInnerProduct)
	require.NoError(t, err)
	assert.InDelta(t, -1, ip(a, a), 1e-6)

	_, err = Provider(Metric(42))
	assert.Error(t, err)
}

func TestParseMetric(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricInnerProduct} {
		got, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	got, err := ParseMetric("dot")
	require.NoError(t, err)
	assert.Equal(t, MetricInnerProduct, got)

	_, err = ParseMetric("manhattan")
	assert.Error(t, err)
}

func TestBatchDotMatchesFromDot(t *testing.T) {
	q := []float32{1, 2, 3}
	rows := []float32{
		1, 0, 0,
		0, 1, 0,
		1, 2, 3,
	}
	out := make([]float32, 3)
	BatchDot(q, rows, 3, 3, out)
	assert.InDeltaSlice(t, []float32{1, 2, 14}, out, 1e-5)

	qn := SquaredNorm(q)
	for i := 0; i < 3; i++ {
		row := rows[i*3 : (i+1)*3]
		want := SquaredL2(q, row)
		got := MetricL2.FromDot(out[i], qn, SquaredNorm(row))
		assert.InDelta(t, want, got, 1e-4)
	}
}
