package quantization

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Float32Codec stores vectors as raw little-endian float32 values.
type Float32Codec struct {
	dimension int
}

// NewFloat32Codec creates a lossless codec.
func NewFloat32Codec(dim int) *Float32Codec {
	return &Float32Codec{dimension: dim}
}

func (c *Float32Codec) Kind() Kind { return KindFloat32 }
func (c *Float32Codec) Dimension() int { return c.dimension }
func (c *Float32Codec) CodeSize() int { return c.dimension * 4 }
func (c *Float32Codec) Train([]float32) error { return nil }
func (c *Float32Codec) Trained() bool { return true }

func (c *Float32Codec) Encode(dst []byte, v []float32) error {
	if err := checkLens(c.dimension, c.CodeSize(), v, dst); err != nil {
		return err
	}
	for i, x := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(x))
	}
	return nil
}

func (c *Float32Codec) Decode(dst []float32, code []byte) error {
	if err := checkLens(c.dimension, c.CodeSize(), dst, code); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(code[i*4:]))
	}
	return nil
}

func (c *Float32Codec) MarshalBinary() ([]byte, error) { return nil, nil }
func (c *Float32Codec) UnmarshalBinary([]byte) error { return nil }

// Float16Codec stores vectors in IEEE 754 half precision.
type Float16Codec struct {
	dimension int
}

// NewFloat16Codec creates a half precision codec.
func NewFloat16Codec(dim int) *Float16Codec {
	return &Float16Codec{dimension: dim}
}

func (c *Float16Codec) Kind() Kind { return KindFloat16 }
func (c *Float16Codec) Dimension() int { return c.dimension }
func (c *Float16Codec) CodeSize() int { return c.dimension * 2 }
func (c *Float16Codec) Train([]float32) error { return nil }
func (c *Float16Codec) Trained() bool { return true }

func (c *Float16Codec) Encode(dst []byte, v []float32) error {
	if err := checkLens(c.dimension, c.CodeSize(), v, dst); err != nil {
		return err
	}
	for i, x := range v {
		binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(x).Bits())
	}
	return nil
}

func (c *Float16Codec) Decode(dst []float32, code []byte) error {
	if err := checkLens(c.dimension, c.CodeSize(), dst, code); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = float16.Frombits(binary.LittleEndian.Uint16(code[i*2:])).Float32()
	}
	return nil
}

func (c *Float16Codec) MarshalBinary() ([]byte, error) { return nil, nil }
func (c *Float16Codec) UnmarshalBinary([]byte) error { return nil }
