// encode.go - Element-Kodierung des CPU-Backends
//
// Enthaelt:
// - Dekodierung von Rohbytes nach float32 bzw. int32
// - Kodierung von float32 bzw. int32 in die Element-Typen

package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/Sygil-Dev/diffusers/ml"
)

// decodeFloat reads the element at index i of buf as float32.
func decodeFloat(dtype ml.DType, buf []byte, i int) float32 {
	switch dtype {
	case ml.DTypeF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	case ml.DTypeF16:
		return float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
	case ml.DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.BF16(binary.LittleEndian.Uint16(buf[i*2:])))
	case ml.DTypeI32:
		return float32(int32(binary.LittleEndian.Uint32(buf[i*4:])))
	default:
		panic(fmt.Sprintf("cpu: decode of dtype %s", dtype))
	}
}

// encodeFloat writes v as the element at index i of buf.
func encodeFloat(dtype ml.DType, buf []byte, i int, v float32) {
	switch dtype {
	case ml.DTypeF32:
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	case ml.DTypeF16:
		binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
	case ml.DTypeBF16:
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(bfloat16.FromFloat32(v)))
	case ml.DTypeI32:
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(v)))
	default:
		panic(fmt.Sprintf("cpu: encode of dtype %s", dtype))
	}
}

func decodeInt(dtype ml.DType, buf []byte, i int) int32 {
	switch dtype {
	case ml.DTypeI32:
		return int32(binary.LittleEndian.Uint32(buf[i*4:]))
	default:
		return int32(decodeFloat(dtype, buf, i))
	}
}

func encodeInt(dtype ml.DType, buf []byte, i int, v int32) {
	switch dtype {
	case ml.DTypeI32:
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	default:
		encodeFloat(dtype, buf, i, float32(v))
	}
}
