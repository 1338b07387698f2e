package quantization

import (
	"encoding/binary"
	"errors"
	"math"
)

// ScalarQuantizer implements 8-bit scalar quantization.
// It compresses float32 vectors (4 bytes/dim) to uint8 (1 byte/dim).
//
// Per-dimension min/max values are learned by Train; values outside the
// trained range are clamped on Encode.
type ScalarQuantizer struct {
	mins      []float32 // Per-dimension minimum values
	maxs      []float32 // Per-dimension maximum values
	scales    []float32 // Precomputed scales: 255 / (max - min)
	invScales []float32 // Precomputed inverse scales: (max - min) / 255
	dimension int
	trained   bool
}

// NewScalarQuantizer creates a new 8-bit scalar quantizer for the given dimension.
func NewScalarQuantizer(dimension int) *ScalarQuantizer {
	return &ScalarQuantizer{dimension: dimension}
}

func (sq *ScalarQuantizer) Kind() Kind     { return KindSQ8 }
func (sq *ScalarQuantizer) Dimension() int { return sq.dimension }
func (sq *ScalarQuantizer) CodeSize() int  { return sq.dimension }
func (sq *ScalarQuantizer) Trained() bool  { return sq.trained }

// SetBounds initializes the quantizer with pre-computed bounds.
func (sq *ScalarQuantizer) SetBounds(mins, maxs []float32) error {
	if len(mins) != sq.dimension || len(maxs) != sq.dimension {
		return ErrDimensionMismatch
	}
	sq.mins = append([]float32(nil), mins...)
	sq.maxs = append([]float32(nil), maxs...)
	sq.computeScales()
	sq.trained = true
	return nil
}

// Train calibrates the quantizer by finding min/max values per dimension
// across a flattened set of vectors.
func (sq *ScalarQuantizer) Train(vectors []float32) error {
	if len(vectors) == 0 {
		return errors.New("quantization: no vectors provided for training")
	}
	if len(vectors)%sq.dimension != 0 {
		return ErrDimensionMismatch
	}

	dim := sq.dimension
	sq.mins = make([]float32, dim)
	sq.maxs = make([]float32, dim)

	for i := range dim {
		sq.mins[i] = math.MaxFloat32
		sq.maxs[i] = -math.MaxFloat32
	}

	for off := 0; off < len(vectors); off += dim {
		for i, val := range vectors[off : off+dim] {
			if val < sq.mins[i] {
				sq.mins[i] = val
			}
			if val > sq.maxs[i] {
				sq.maxs[i] = val
			}
		}
	}

	sq.computeScales()
	sq.trained = true
	return nil
}

func (sq *ScalarQuantizer) computeScales() {
	sq.scales = make([]float32, sq.dimension)
	sq.invScales = make([]float32, sq.dimension)
	for i := range sq.dimension {
		// Constant dimension
		if sq.maxs[i]-sq.mins[i] < 1e-6 {
			sq.maxs[i] = sq.mins[i] + 1e-6
		}
		rangeVal := sq.maxs[i] - sq.mins[i]
		sq.scales[i] = 255.0 / rangeVal
		sq.invScales[i] = rangeVal / 255.0
	}
}

// Encode quantizes v into dst.
// Each dimension is linearly mapped from [min, max] to [0, 255].
func (sq *ScalarQuantizer) Encode(dst []byte, v []float32) error {
	if !sq.trained {
		return ErrNotTrained
	}
	if err := checkLens(sq.dimension, sq.dimension, v, dst); err != nil {
		return err
	}

	for i, val := range v {
		minVal := sq.mins[i]
		maxVal := sq.maxs[i]

		if val < minVal {
			val = minVal
		} else if val > maxVal {
			val = maxVal
		}

		dst[i] = uint8((val-minVal)*sq.scales[i] + 0.5) // Round to nearest
	}

	return nil
}

// Decode reconstructs a float32 vector from its quantized representation.
func (sq *ScalarQuantizer) Decode(dst []float32, code []byte) error {
	if !sq.trained {
		return ErrNotTrained
	}
	if err := checkLens(sq.dimension, sq.dimension, dst, code); err != nil {
		return err
	}

	invScales := sq.invScales
	mins := sq.mins
	for i := range dst {
		dst[i] = float32(code[i])*invScales[i] + mins[i]
	}

	return nil
}

// Min returns the minimum value used for quantization for a specific dimension.
func (sq *ScalarQuantizer) Min(dim int) float32 {
	if !sq.trained || dim < 0 || dim >= len(sq.mins) {
		return 0
	}
	return sq.mins[dim]
}

// Max returns the maximum value used for quantization for a specific dimension.
func (sq *ScalarQuantizer) Max(dim int) float32 {
	if !sq.trained || dim < 0 || dim >= len(sq.maxs) {
		return 0
	}
	return sq.maxs[dim]
}

// MarshalBinary implements encoding.BinaryMarshaler.
// Format (little-endian):
// [dimension:uint32]
// [min_0:float32][max_0:float32]...[min_n:float32][max_n:float32]
func (sq *ScalarQuantizer) MarshalBinary() ([]byte, error) {
	if !sq.trained {
		return nil, ErrNotTrained
	}

	buf := make([]byte, 4+sq.dimension*8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(sq.dimension))

	offset := 4
	for i := 0; i < sq.dimension; i++ {
		binary.LittleEndian.PutUint32(buf[offset:offset+4], math.Float32bits(sq.mins[i]))
		binary.LittleEndian.PutUint32(buf[offset+4:offset+8], math.Float32bits(sq.maxs[i]))
		offset += 8
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (sq *ScalarQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return errors.New("quantization: invalid scalar quantizer binary length")
	}

	dim := int(binary.LittleEndian.Uint32(data[0:4]))
	if len(data) != 4+dim*8 {
		return errors.New("quantization: invalid scalar quantizer binary length for dimension")
	}

	sq.dimension = dim
	sq.mins = make([]float32, dim)
	sq.maxs = make([]float32, dim)

	offset := 4
	for i := 0; i < dim; i++ {
		sq.mins[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset : offset+4]))
		sq.maxs[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		offset += 8
	}

	sq.computeScales()
	sq.trained = true
	return nil
}

// QuantizationError estimates the average quantization error per dimension,
// assuming a uniform value distribution.
func (sq *ScalarQuantizer) QuantizationError() float32 {
	if !sq.trained {
		return 0
	}
	var totalRange float32
	for i := 0; i < sq.dimension; i++ {
		totalRange += sq.maxs[i] - sq.mins[i]
	}
	return totalRange / float32(sq.dimension) / 512.0
}
