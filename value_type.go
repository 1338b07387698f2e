package lire

import (
	"fmt"
	"strings"

	"github.com/hupe1980/lire/internal/quantization"
)

// ValueType selects how vectors are stored in the posting files. Queries
// and inserted vectors are always float32.
type ValueType uint8

const (
	// Float32 stores vectors losslessly.
	Float32 ValueType = iota
	// Float16 stores vectors in half precision.
	Float16
	// UInt8 stores one byte per dimension using per-dimension min/max
	// scalar quantization trained on the build set.
	UInt8
)

func (v ValueType) String() string {
	switch v {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case UInt8:
		return "uint8"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// ParseValueType parses a value type name.
func ParseValueType(s string) (ValueType, error) {
	switch strings.ToLower(s) {
	case "", "float32", "f32":
		return Float32, nil
	case "float16", "f16", "half":
		return Float16, nil
	case "uint8", "u8", "sq8":
		return UInt8, nil
	default:
		return 0, configError("value_type", "unknown value type %q", s)
	}
}

func (v ValueType) kind() (quantization.Kind, error) {
	switch v {
	case Float32:
		return quantization.KindFloat32, nil
	case Float16:
		return quantization.KindFloat16, nil
	case UInt8:
		return quantization.KindSQ8, nil
	default:
		return 0, configError("value_type", "unknown value type %d", v)
	}
}

func valueTypeOf(k quantization.Kind) ValueType {
	switch k {
	case quantization.KindFloat16:
		return Float16
	case quantization.KindSQ8:
		return UInt8
	default:
		return Float32
	}
}
