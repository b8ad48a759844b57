// safetensors_test.go - Unit Tests fuer den Safetensors-Loader
package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/x448/float16"

	"github.com/Sygil-Dev/diffusers/ml"
)

func writeSafetensors(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()

	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("Marshal fehlgeschlagen: %v", err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int64(len(hdr))); err != nil {
		t.Fatalf("Write fehlgeschlagen: %v", err)
	}
	buf.Write(hdr)
	buf.Write(data)

	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile fehlgeschlagen: %v", err)
	}
	return path
}

func TestLoadSafetensors(t *testing.T) {
	conv := []float32{0, 0.25, -0.5, 1, 2, -2.75}
	norm := []float32{1.5, -0.75, 2, 0}
	bias := []float32{0.5, -1.25, 3, 0}

	var data bytes.Buffer
	binary.Write(&data, binary.LittleEndian, conv)
	for _, v := range norm {
		binary.Write(&data, binary.LittleEndian, uint16(math.Float32bits(v)>>16))
	}
	for _, v := range bias {
		binary.Write(&data, binary.LittleEndian, float16.Fromfloat32(v).Bits())
	}

	path := writeSafetensors(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"conv.weight":  map[string]any{"dtype": "F32", "shape": []int{2, 3}, "data_offsets": []int{0, 24}},
		"norm.weight":  map[string]any{"dtype": "BF16", "shape": []int{2, 2}, "data_offsets": []int{24, 32}},
		"proj.bias":    map[string]any{"dtype": "F16", "shape": []int{4}, "data_offsets": []int{32, 40}},
	}, data.Bytes())

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load fehlgeschlagen: %v", err)
	}

	if c.Len() != 3 {
		t.Fatalf("Len = %d, erwartet 3", c.Len())
	}
	if got := c.Names(); !slices.Equal(got, []string{"conv.weight", "norm.weight", "proj.bias"}) {
		t.Errorf("Names = %v", got)
	}

	w, _ := c.Get("conv.weight")
	if w.SourceDType != ml.DTypeF32 || !slices.Equal(w.Shape, []int{2, 3}) {
		t.Errorf("conv.weight: DType %v, Shape %v", w.SourceDType, w.Shape)
	}
	if !slices.Equal(w.Values(), conv) {
		t.Errorf("conv.weight Werte = %v, erwartet %v", w.Values(), conv)
	}

	n, _ := c.Get("norm.weight")
	if n.SourceDType != ml.DTypeBF16 || !slices.Equal(n.Values(), norm) {
		t.Errorf("norm.weight: DType %v, Werte %v", n.SourceDType, n.Values())
	}

	b, _ := c.Get("proj.bias")
	if b.SourceDType != ml.DTypeF16 || !slices.Equal(b.Values(), bias) {
		t.Errorf("proj.bias: DType %v, Werte %v", b.SourceDType, b.Values())
	}
}

func TestLoadSafetensorsRejectsTruncated(t *testing.T) {
	path := writeSafetensors(t, map[string]any{
		"conv.weight": map[string]any{"dtype": "F32", "shape": []int{2, 3}, "data_offsets": []int{0, 24}},
	}, make([]byte, 8))

	if _, err := Load(path); err == nil {
		t.Error("Load muss fuer abgeschnittene Datenbereiche fehlschlagen")
	}
}

func TestLoadSafetensorsRejectsElementMismatch(t *testing.T) {
	path := writeSafetensors(t, map[string]any{
		"conv.weight": map[string]any{"dtype": "F32", "shape": []int{2, 2}, "data_offsets": []int{0, 12}},
	}, make([]byte, 12))

	if _, err := Load(path); err == nil {
		t.Error("Load muss bei Element-Diskrepanz fehlschlagen")
	}
}

func TestLoadSafetensorsRejectsBadHeader(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, int64(4))
	buf.WriteString("kein")

	path := filepath.Join(t.TempDir(), "kaputt.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile fehlgeschlagen: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load muss fuer kaputte Header fehlschlagen")
	}
}

func TestLoadSafetensorsRejectsUnknownDType(t *testing.T) {
	path := writeSafetensors(t, map[string]any{
		"q.weight": map[string]any{"dtype": "I8", "shape": []int{4}, "data_offsets": []int{0, 4}},
	}, make([]byte, 4))

	if _, err := Load(path); err == nil {
		t.Error("Load muss unbekannte Datentypen ablehnen")
	}
}
