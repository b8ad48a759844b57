// types.go - Datentypen und Konstanten fuer ML-Operationen
// Dieses Modul definiert grundlegende Typen wie DType und Layout.
package ml

import "fmt"

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
)

// Size returns the width of a single element in bytes.
func (dt DType) Size() int {
	switch dt {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

func (dt DType) String() string {
	switch dt {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

// ParseDType maps a data type name to its DType. Names follow the
// convention used in safetensors metadata (F32, F16, BF16, I32).
func ParseDType(s string) (DType, error) {
	switch s {
	case "F32", "f32", "float32":
		return DTypeF32, nil
	case "F16", "f16", "float16":
		return DTypeF16, nil
	case "BF16", "bf16", "bfloat16":
		return DTypeBF16, nil
	case "I32", "i32", "int32":
		return DTypeI32, nil
	default:
		return DTypeOther, fmt.Errorf("unsupported dtype %q", s)
	}
}

// Layout describes how the elements of an image-like tensor are ordered
// in memory. The contiguous layout stores a [batch, channel, height, width]
// tensor with the width axis innermost. The channels-last layout stores the
// same logical tensor with the channel axis innermost, which keeps all
// channel values of a pixel adjacent.
type Layout int

const (
	LayoutContiguous Layout = iota
	LayoutChannelsLast
)

func (l Layout) String() string {
	switch l {
	case LayoutContiguous:
		return "contiguous"
	case LayoutChannelsLast:
		return "channels-last"
	default:
		return "unknown"
	}
}

// Permutation returns the axis order that converts a 4D tensor stored in
// the contiguous layout into this layout. The identity permutation is
// returned for the contiguous layout itself.
func (l Layout) Permutation() [4]int {
	if l == LayoutChannelsLast {
		return [4]int{0, 2, 3, 1}
	}

	return [4]int{0, 1, 2, 3}
}
