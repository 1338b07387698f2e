package dataset

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lire/internal/fs"
)

func TestWriteRead(t *testing.T) {
	vectors := [][]float32{
		{1, 2, 3},
		{-4.5, 0, 6.25},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, vectors))
	assert.Equal(t, headerSize+2*3*4, buf.Len())
	assert.Equal(t, []byte{2, 0, 0, 0, 3, 0, 0, 0}, buf.Bytes()[:headerSize])

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, vectors, got)
}

func TestWrite_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWrite_DimensionMismatch(t *testing.T) {
	err := Write(io.Discard, [][]float32{{1, 2}, {3}})
	assert.ErrorIs(t, err, ErrDimension)
}

func TestReader_Streams(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, [][]float32{{1}, {2}, {3}}))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, Header{Count: 3, Dim: 1}, r.Header())

	first, err := r.ReadAll(2)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, first)

	v, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, v)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRead_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, [][]float32{{1, 2}, {3, 4}}))
	data := buf.Bytes()[:buf.Len()-2]

	_, err := Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Read(bytes.NewReader(data[:4]))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.bin")
	vectors := [][]float32{{0.5, 1.5}, {2.5, 3.5}, {4.5, 5.5}}

	require.NoError(t, WriteFile(nil, path, vectors))
	got, err := ReadFile(fs.Default, path)
	require.NoError(t, err)
	assert.Equal(t, vectors, got)

	_, err = ReadFile(nil, filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}
