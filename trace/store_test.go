// store_test.go - Unit Tests fuer die Trace-Ablage auf der Platte
package trace

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/Sygil-Dev/diffusers/ml"
)

func captureForStore(t *testing.T, ctx ml.Context, seed int) (*Graph, []ml.Tensor, []ml.Tensor) {
	t.Helper()

	inputs := attentionInputs(ctx, seed)
	sig := SignatureOf(ml.DTypeF32, ml.LayoutContiguous, inputs...)

	g, outs, err := Capture(ctx, ModeStrict, sig, inputs, attentionBuilder)
	if err != nil {
		t.Fatalf("Capture fehlgeschlagen: %v", err)
	}
	return g, inputs, outs
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("OpenStore fehlgeschlagen: %v", err)
	}

	ctx := newTestContext(t)
	g, inputs, outs := captureForStore(t, ctx, 1)

	if err := store.Save(g); err != nil {
		t.Fatalf("Save fehlgeschlagen: %v", err)
	}

	loaded, err := store.Load(g.Signature())
	if err != nil {
		t.Fatalf("Load fehlgeschlagen: %v", err)
	}
	if loaded.Ops() != g.Ops() {
		t.Errorf("Ops = %d, erwartet %d", loaded.Ops(), g.Ops())
	}
	if loaded.Signature().String() != g.Signature().String() {
		t.Errorf("Signatur = %q, erwartet %q", loaded.Signature(), g.Signature())
	}

	// Der geladene Graph liefert dieselben Bits wie der aufgezeichnete
	replayed, err := loaded.Replay(ctx, inputs)
	if err != nil {
		t.Fatalf("Replay fehlgeschlagen: %v", err)
	}
	if !slices.Equal(outs[0].Floats(), replayed[0].Floats()) {
		t.Error("geladener Graph weicht von der Aufzeichnung ab")
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore fehlgeschlagen: %v", err)
	}

	ctx := newTestContext(t)
	x := ctx.FromFloats(testValues(4, 1), 1, 1, 2, 2)
	sig := SignatureOf(ml.DTypeF32, ml.LayoutContiguous, x)

	if _, err := store.Load(sig); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("Load = %v, erwartet ErrTraceNotFound", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore fehlgeschlagen: %v", err)
	}

	ctx := newTestContext(t)
	g, _, _ := captureForStore(t, ctx, 2)

	if err := store.Save(g); err != nil {
		t.Fatalf("Save fehlgeschlagen: %v", err)
	}
	if err := store.Remove(g.Signature()); err != nil {
		t.Fatalf("Remove fehlgeschlagen: %v", err)
	}
	if _, err := store.Load(g.Signature()); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("Load nach Remove = %v, erwartet ErrTraceNotFound", err)
	}

	// Remove auf fehlenden Eintraegen ist kein Fehler
	if err := store.Remove(g.Signature()); err != nil {
		t.Errorf("zweites Remove = %v, erwartet nil", err)
	}
}

func TestStoreList(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("OpenStore fehlgeschlagen: %v", err)
	}

	ctx := newTestContext(t)
	g, _, _ := captureForStore(t, ctx, 3)
	if err := store.Save(g); err != nil {
		t.Fatalf("Save fehlgeschlagen: %v", err)
	}

	// Fremddateien im Blob-Verzeichnis werden ignoriert
	if err := os.WriteFile(filepath.Join(dir, "blobs", "trace-tmp123"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile fehlgeschlagen: %v", err)
	}

	names, err := store.List()
	if err != nil {
		t.Fatalf("List fehlgeschlagen: %v", err)
	}
	if len(names) != 1 || names[0] != g.Signature().Digest() {
		t.Errorf("List = %v, erwartet genau %q", names, g.Signature().Digest())
	}
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("OpenStore fehlgeschlagen: %v", err)
	}

	ctx := newTestContext(t)
	g, _, _ := captureForStore(t, ctx, 4)
	if err := store.Save(g); err != nil {
		t.Fatalf("Save fehlgeschlagen: %v", err)
	}

	name := filepath.Join(dir, "blobs", g.Signature().Digest())

	tests := []struct {
		desc string
		data []byte
	}{
		{"kein cbor", []byte("kein cbor")},
		{"falsche Version", mustMarshal(t, graphFile{Version: storeVersion + 1})},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if err := os.WriteFile(name, tt.data, 0o644); err != nil {
				t.Fatalf("WriteFile fehlgeschlagen: %v", err)
			}
			if _, err := store.Load(g.Signature()); err == nil {
				t.Error("Load auf beschaedigter Datei muss fehlschlagen")
			}
		})
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()

	data, err := cbor.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal fehlgeschlagen: %v", err)
	}
	return data
}

func TestOpenStoreRejectsFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile fehlgeschlagen: %v", err)
	}

	if _, err := OpenStore(name); err == nil {
		t.Error("OpenStore auf einer Datei muss fehlschlagen")
	}
}
