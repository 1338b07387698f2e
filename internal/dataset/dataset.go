// Package dataset reads and writes vector files.
//
// A vector file holds a little-endian header of two uint32 values, the
// vector count n and the dimension, followed by n*dim little-endian float32
// values in row order.
package dataset

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/hupe1980/lire/internal/fs"
)

const headerSize = 8

var (
	// ErrTruncated is returned when a file ends before its declared vectors.
	ErrTruncated = errors.New("dataset: truncated vector file")

	// ErrDimension is returned when vectors of different dimensions are written.
	ErrDimension = errors.New("dataset: inconsistent dimension")
)

// Header describes the contents of a vector file.
type Header struct {
	Count uint32
	Dim   uint32
}

// Reader streams the vectors of a vector file.
type Reader struct {
	r      *bufio.Reader
	header Header
	read   uint32
	buf    []byte
}

// NewReader reads the header from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	var hdr [headerSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrTruncated, err)
	}
	h := Header{
		Count: binary.LittleEndian.Uint32(hdr[0:4]),
		Dim:   binary.LittleEndian.Uint32(hdr[4:8]),
	}
	if h.Count > 0 && h.Dim == 0 {
		return nil, fmt.Errorf("dataset: %d vectors of dimension 0", h.Count)
	}
	return &Reader{r: br, header: h, buf: make([]byte, int(h.Dim)*4)}, nil
}

// Header returns the file header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next vector, or io.EOF after the last one.
func (r *Reader) Next() ([]float32, error) {
	if r.read == r.header.Count {
		return nil, io.EOF
	}
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return nil, fmt.Errorf("%w: vector %d: %w", ErrTruncated, r.read, err)
	}
	r.read++
	v := make([]float32, r.header.Dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.buf[i*4:]))
	}
	return v, nil
}

// ReadAll returns the remaining vectors, at most limit of them when limit
// is positive.
func (r *Reader) ReadAll(limit int) ([][]float32, error) {
	n := int(r.header.Count - r.read)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([][]float32, 0, n)
	for len(out) < n {
		v, err := r.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Read decodes a vector file from r.
func Read(r io.Reader) ([][]float32, error) {
	dr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	return dr.ReadAll(0)
}

// Write encodes vectors to w. All vectors must have the same dimension.
func Write(w io.Writer, vectors [][]float32) error {
	if uint64(len(vectors)) > math.MaxUint32 {
		return fmt.Errorf("dataset: %d vectors exceed the format limit", len(vectors))
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}

	bw := bufio.NewWriter(w)
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(dim))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	buf := make([]byte, dim*4)
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has %d values, want %d", ErrDimension, i, len(v), dim)
		}
		for j, x := range v {
			binary.LittleEndian.PutUint32(buf[j*4:], math.Float32bits(x))
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadFile reads the vector file at path.
func ReadFile(fsys fs.FileSystem, path string) ([][]float32, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vectors, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vectors, nil
}

// WriteFile writes vectors to path and syncs it.
func WriteFile(fsys fs.FileSystem, path string, vectors [][]float32) error {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Write(f, vectors); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
