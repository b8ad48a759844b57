// attention_test.go - Unit Tests fuer die Attention-Engine mit Head-Slicing
package attention

import (
	"errors"
	"slices"
	"testing"

	"github.com/Sygil-Dev/diffusers/ml"
	"github.com/Sygil-Dev/diffusers/ml/backend/cpu"
)

func newTestBackend(t *testing.T, params ml.BackendParams) ml.Backend {
	t.Helper()

	b, err := cpu.New(params)
	if err != nil {
		t.Fatalf("Backend-Erstellung fehlgeschlagen: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

// fillValues erzeugt deterministische Testwerte im Bereich [-1.5, 1.5)
func fillValues(n int) []float32 {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32((i*37+11)%24)/8.0 - 1.5
	}
	return vals
}

func newRequest(ctx ml.Context, b, h, n, d, sliceSize int) Request {
	return Request{
		Queries:   ctx.FromFloats(fillValues(b*h*n*d), b, h, n, d),
		Keys:      ctx.FromFloats(fillValues(b*h*n*d), b, h, n, d),
		Values:    ctx.FromFloats(fillValues(b*h*n*d), b, h, n, d),
		Heads:     h,
		SliceSize: sliceSize,
	}
}

func TestSlicedMatchesUnsliced(t *testing.T) {
	const B, H, N, D = 2, 8, 6, 4

	reference := func(t *testing.T, sliceSize int) []float32 {
		t.Helper()

		backend := newTestBackend(t, ml.BackendParams{})
		ctx := backend.NewContext()
		t.Cleanup(ctx.Close)

		out, err := Sliced(ctx, newRequest(ctx, B, H, N, D, sliceSize))
		if err != nil {
			t.Fatalf("Sliced(s=%d) fehlgeschlagen: %v", sliceSize, err)
		}
		if got := out.Shape(); !slices.Equal(got, []int{B, H, N, D}) {
			t.Fatalf("Shape = %v, erwartet [%d %d %d %d]", got, B, H, N, D)
		}
		return out.Floats()
	}

	want := reference(t, H)

	// Jede Gruppengroesse muss bitidentische Ausgaben liefern
	for _, sliceSize := range []int{1, 2, 3, 5, H, H + 5} {
		got := reference(t, sliceSize)
		if !slices.Equal(got, want) {
			t.Errorf("s=%d: Ausgabe weicht von ungeschnittener Berechnung ab", sliceSize)
		}
	}
}

func TestSlicedHalfPrecision(t *testing.T) {
	const B, H, N, D = 1, 4, 5, 4

	run := func(t *testing.T, sliceSize int) []float32 {
		t.Helper()

		backend := newTestBackend(t, ml.BackendParams{Precision: ml.DTypeF16})
		ctx := backend.NewContext()
		t.Cleanup(ctx.Close)

		out, err := Sliced(ctx, newRequest(ctx, B, H, N, D, sliceSize))
		if err != nil {
			t.Fatalf("Sliced(s=%d) fehlgeschlagen: %v", sliceSize, err)
		}
		if out.DType() != ml.DTypeF16 {
			t.Fatalf("DType = %v, erwartet F16", out.DType())
		}
		return out.Floats()
	}

	want := run(t, H)
	for _, sliceSize := range []int{1, 3} {
		if got := run(t, sliceSize); !slices.Equal(got, want) {
			t.Errorf("s=%d: F16-Ausgabe weicht ab", sliceSize)
		}
	}
}

func TestSlicedTwoGroupScenario(t *testing.T) {
	// 8 Koepfe mit Gruppengroesse 2: vier sequentielle Gruppen
	const B, H, N, D = 1, 8, 4, 4

	backend := newTestBackend(t, ml.BackendParams{})
	ctx := backend.NewContext()
	defer ctx.Close()

	out, err := Sliced(ctx, newRequest(ctx, B, H, N, D, 2))
	if err != nil {
		t.Fatalf("Sliced fehlgeschlagen: %v", err)
	}

	if got := out.Shape(); !slices.Equal(got, []int{B, H, N, D}) {
		t.Errorf("Shape = %v, erwartet [%d %d %d %d]", got, B, H, N, D)
	}
	if groups := Groups(H, 2); groups != 4 {
		t.Errorf("Groups(8, 2) = %d, erwartet 4", groups)
	}
}

func TestSliceSizeInvalid(t *testing.T) {
	backend := newTestBackend(t, ml.BackendParams{})
	ctx := backend.NewContext()
	defer ctx.Close()

	for _, sliceSize := range []int{0, -1} {
		req := newRequest(ctx, 1, 2, 3, 4, sliceSize)
		before := backend.BackendMemory().Peak

		_, err := Sliced(ctx, req)
		if !errors.Is(err, ErrInvalidSliceSize) {
			t.Errorf("s=%d: Fehler = %v, erwartet ErrInvalidSliceSize", sliceSize, err)
		}

		// Die Ablehnung erfolgt vor jeder Berechnung
		if peak := backend.BackendMemory().Peak; peak != before {
			t.Errorf("s=%d: Peak = %d, erwartet unveraendert %d", sliceSize, peak, before)
		}
	}
}

func TestSingleHead(t *testing.T) {
	backend := newTestBackend(t, ml.BackendParams{})
	ctx := backend.NewContext()
	defer ctx.Close()

	// Ein Kopf ergibt genau eine Gruppe, unabhaengig von der Schnittgroesse
	out, err := Sliced(ctx, newRequest(ctx, 1, 1, 3, 4, 4))
	if err != nil {
		t.Fatalf("Sliced fehlgeschlagen: %v", err)
	}
	if got := out.Shape(); !slices.Equal(got, []int{1, 1, 3, 4}) {
		t.Errorf("Shape = %v, erwartet [1 1 3 4]", got)
	}
}

func TestMaskVariants(t *testing.T) {
	const B, H, N, D = 1, 4, 3, 4

	run := func(t *testing.T, maskHeads, sliceSize int) []float32 {
		t.Helper()

		backend := newTestBackend(t, ml.BackendParams{})
		ctx := backend.NewContext()
		t.Cleanup(ctx.Close)

		req := newRequest(ctx, B, H, N, D, sliceSize)
		maskVals := make([]float32, B*maskHeads*N*N)
		for i := range maskVals {
			// Obere Dreiecksmaske je NxN Block
			row, col := (i/N)%N, i%N
			if col > row {
				maskVals[i] = -1e9
			}
		}
		req.Mask = ctx.FromFloats(maskVals, B, maskHeads, N, N)

		out, err := Sliced(ctx, req)
		if err != nil {
			t.Fatalf("Sliced fehlgeschlagen: %v", err)
		}
		return out.Floats()
	}

	// Broadcast-Maske und Pro-Kopf-Maske liefern hier dieselben Werte,
	// jeweils unabhaengig von der Gruppengroesse
	wantBroadcast := run(t, 1, H)
	if got := run(t, 1, 2); !slices.Equal(got, wantBroadcast) {
		t.Error("Broadcast-Maske: geschnittene Ausgabe weicht ab")
	}

	wantPerHead := run(t, H, H)
	if got := run(t, H, 3); !slices.Equal(got, wantPerHead) {
		t.Error("Pro-Kopf-Maske: geschnittene Ausgabe weicht ab")
	}
	if !slices.Equal(wantBroadcast, wantPerHead) {
		t.Error("identische Masken-Inhalte muessen identische Ausgaben liefern")
	}
}

func TestRequestValidation(t *testing.T) {
	backend := newTestBackend(t, ml.BackendParams{})
	ctx := backend.NewContext()
	defer ctx.Close()

	valid := func() Request { return newRequest(ctx, 1, 2, 3, 4, 1) }

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"fehlende Queries", func(r *Request) { r.Queries = nil }},
		{"fehlende Keys", func(r *Request) { r.Keys = nil }},
		{"fehlende Values", func(r *Request) { r.Values = nil }},
		{"falscher Rang", func(r *Request) { r.Queries = ctx.FromFloats(fillValues(6), 2, 3) }},
		{"Kopfzahl passt nicht", func(r *Request) { r.Heads = 5 }},
		{"Batch weicht ab", func(r *Request) { r.Keys = ctx.FromFloats(fillValues(2*2*3*4), 2, 2, 3, 4) }},
		{"Head-Dim weicht ab", func(r *Request) { r.Keys = ctx.FromFloats(fillValues(1*2*3*8), 1, 2, 3, 8) }},
		{"Masken-Rang falsch", func(r *Request) { r.Mask = ctx.FromFloats(fillValues(9), 3, 3) }},
		{"Masken-Koepfe falsch", func(r *Request) { r.Mask = ctx.FromFloats(fillValues(3*3*3), 1, 3, 3, 3) }},
		{"Maske deckt Scores nicht", func(r *Request) { r.Mask = ctx.FromFloats(fillValues(2*2), 1, 1, 2, 2) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)

			if _, err := Sliced(ctx, req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Fehler = %v, erwartet ErrInvalidRequest", err)
			}
		})
	}
}

func peakFor(t *testing.T, sliceSize int, limit uint64) (uint64, error) {
	t.Helper()

	const B, H, N, D = 1, 8, 32, 8

	backend := newTestBackend(t, ml.BackendParams{MemoryLimit: limit})
	ctx := backend.NewContext()
	t.Cleanup(ctx.Close)

	_, err := Sliced(ctx, newRequest(ctx, B, H, N, D, sliceSize))
	return backend.BackendMemory().Peak, err
}

func TestPeakMemoryScalesWithSliceSize(t *testing.T) {
	peakFull, err := peakFor(t, 8, 0)
	if err != nil {
		t.Fatalf("ungeschnittener Lauf fehlgeschlagen: %v", err)
	}

	peakSliced, err := peakFor(t, 1, 0)
	if err != nil {
		t.Fatalf("geschnittener Lauf fehlgeschlagen: %v", err)
	}

	if peakSliced >= peakFull {
		t.Errorf("Peak bei s=1 (%d) muss unter Peak bei s=8 (%d) liegen", peakSliced, peakFull)
	}
}

func TestSlicingFitsUnderMemoryLimit(t *testing.T) {
	peakFull, err := peakFor(t, 8, 0)
	if err != nil {
		t.Fatalf("ungeschnittener Lauf fehlgeschlagen: %v", err)
	}
	peakSliced, err := peakFor(t, 1, 0)
	if err != nil {
		t.Fatalf("geschnittener Lauf fehlgeschlagen: %v", err)
	}

	// Limit zwischen beiden Spitzen: voll schlaegt fehl, geschnitten passt
	limit := (peakFull + peakSliced) / 2

	if _, err := peakFor(t, 8, limit); err == nil {
		t.Error("ungeschnittener Lauf unter Limit sollte fehlschlagen")
	} else {
		var noMem ml.ErrNoMem
		if !errors.As(err, &noMem) {
			t.Errorf("Fehler = %v, erwartet ErrNoMem", err)
		}
	}

	if _, err := peakFor(t, 1, limit); err != nil {
		t.Errorf("geschnittener Lauf unter Limit fehlgeschlagen: %v", err)
	}
}
