// safetensors.go - Laden von Safetensors-Checkpoints
//
// Dieses Modul enthaelt:
// - Header-Parsing des Safetensors-Containers
// - Dekodierung der F32/F16/BF16 Datenbereiche zu float32

package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/Sygil-Dev/diffusers/ml"
)

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// The format caps the JSON header at 100MB.
const maxHeaderSize = 100 << 20

// loadSafetensors reads one safetensors file. The container is an 8 byte
// little-endian header length, the JSON header, then the data section the
// header offsets point into.
func loadSafetensors(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("header length: %w", err)
	}
	if n <= 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("implausible header length %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	var headers map[string]safetensorMetadata
	if err := json.Unmarshal(buf, &headers); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	var entries []*Entry
	for _, name := range slices.Sorted(maps.Keys(headers)) {
		meta := headers[name]
		if meta.Type == "" {
			// the __metadata__ block carries no tensor
			continue
		}
		if len(meta.Shape) == 0 {
			slog.Debug("skipping scalar entry", "name", name)
			continue
		}
		if len(meta.Offsets) != 2 || meta.Offsets[0] < 0 || meta.Offsets[1] < meta.Offsets[0] {
			return nil, fmt.Errorf("entry %s: invalid data offsets %v", name, meta.Offsets)
		}

		dtype, err := ml.ParseDType(meta.Type)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", name, err)
		}

		vals, err := readSafetensorData(f, 8+n+meta.Offsets[0], meta.Offsets[1]-meta.Offsets[0], dtype)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", name, err)
		}

		shape := make([]int, len(meta.Shape))
		numel := 1
		for i, d := range meta.Shape {
			shape[i] = int(d)
			numel *= int(d)
		}
		if numel != len(vals) {
			return nil, fmt.Errorf("entry %s needs %d elements, data section has %d", name, numel, len(vals))
		}

		entries = append(entries, &Entry{
			Name:        name,
			Shape:       shape,
			SourceDType: dtype,
			values:      vals,
		})
	}

	return entries, nil
}

func readSafetensorData(f io.ReadSeeker, offset, size int64, dtype ml.DType) ([]float32, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	r := io.LimitReader(f, size)

	switch dtype {
	case ml.DTypeF32:
		f32s := make([]float32, size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case ml.DTypeF16:
		u16s := make([]uint16, size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case ml.DTypeBF16:
		u8s := make([]uint8, size)
		if err := binary.Read(r, binary.LittleEndian, u8s); err != nil {
			return nil, err
		}
		return bfloat16.DecodeFloat32(u8s), nil
	default:
		return nil, fmt.Errorf("unsupported data type %s", dtype)
	}
}
