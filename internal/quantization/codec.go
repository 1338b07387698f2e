package quantization

import (
	"errors"
	"fmt"
)

var (
	// ErrNotTrained is returned when encoding with a codec that requires training.
	ErrNotTrained = errors.New("quantization: codec not trained")
	// ErrDimensionMismatch is returned when a vector or code has the wrong length.
	ErrDimensionMismatch = errors.New("quantization: dimension mismatch")
	// ErrUnknownKind is returned for an unsupported codec kind.
	ErrUnknownKind = errors.New("quantization: unknown codec kind")
)

// Kind identifies a codec. The numeric value is persisted in the manifest.
type Kind uint8

const (
	KindFloat32 Kind = iota
	KindFloat16
	KindSQ8
)

// String returns the string representation of the codec kind.
func (k Kind) String() string {
	switch k {
	case KindFloat32:
		return "Float32"
	case KindFloat16:
		return "Float16"
	case KindSQ8:
		return "SQ8"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Codec encodes float32 vectors into fixed-size codes.
type Codec interface {
	// Kind returns the codec kind.
	Kind() Kind

	// Dimension returns the vector dimension.
	Dimension() int

	// CodeSize returns the size in bytes of one encoded vector.
	CodeSize() int

	// Train calibrates the codec on a flattened set of vectors.
	// It is a no-op for codecs without state.
	Train(vectors []float32) error

	// Trained reports whether Encode can be called.
	Trained() bool

	// Encode writes the code for v into dst (len(dst) >= CodeSize()).
	Encode(dst []byte, v []float32) error

	// Decode reconstructs the vector stored in code into dst.
	Decode(dst []float32, code []byte) error

	// MarshalBinary serializes the trained state.
	MarshalBinary() ([]byte, error)

	// UnmarshalBinary restores the trained state.
	UnmarshalBinary(data []byte) error
}

// New creates an untrained codec of the given kind.
func New(kind Kind, dim int) (Codec, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrDimensionMismatch, dim)
	}
	switch kind {
	case KindFloat32:
		return NewFloat32Codec(dim), nil
	case KindFloat16:
		return NewFloat16Codec(dim), nil
	case KindSQ8:
		return NewScalarQuantizer(dim), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

func checkLens(dim, codeSize int, v []float32, code []byte) error {
	if len(v) != dim || len(code) < codeSize {
		return ErrDimensionMismatch
	}
	return nil
}
