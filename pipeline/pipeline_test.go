// pipeline_test.go - Unit Tests fuer die Pipeline-Fassade
package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/Sygil-Dev/diffusers/attention"
	"github.com/Sygil-Dev/diffusers/ml"
	"github.com/Sygil-Dev/diffusers/precision"
)

func mustPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()

	p, err := New(opts...)
	if err != nil {
		t.Fatalf("New fehlgeschlagen: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func testValues(n int, seed int) []float32 {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32((i*13+seed*7+5)%17)/4.0 - 2
	}
	return vals
}

func forwardInputs(ctx ml.Context, seed int) []ml.Tensor {
	const B, H, N, D = 1, 2, 3, 4

	return []ml.Tensor{
		ctx.FromFloats(testValues(B*H*N*D, seed), B, H, N, D),
		ctx.FromFloats(testValues(B*H*N*D, seed+1), B, H, N, D),
		ctx.FromFloats(testValues(B*H*N*D, seed+2), B, H, N, D),
	}
}

func forward(ctx ml.Context, inputs []ml.Tensor) ([]ml.Tensor, error) {
	x := inputs[0].Mul(ctx, inputs[1])
	return []ml.Tensor{x.Add(ctx, inputs[2]).Softmax(ctx)}, nil
}

func TestNewDefaults(t *testing.T) {
	p := mustPipeline(t)

	if got := p.Backend().Name(); got != "cpu" {
		t.Errorf("Backend = %q, erwartet cpu", got)
	}
	if got := p.DType(); got != ml.DTypeF32 {
		t.Errorf("DType = %v, erwartet %v", got, ml.DTypeF32)
	}
	if got := p.Layout(); got != ml.LayoutContiguous {
		t.Errorf("Layout = %v, erwartet %v", got, ml.LayoutContiguous)
	}
	if !p.TracingEnabled() {
		t.Error("Tracing muss per Default aktiv sein")
	}
	if got := p.SliceSize(); got != "" {
		t.Errorf("SliceSize = %q, erwartet leer", got)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"unbekanntes Backend", []Option{WithBackend("tpu")}},
		{"unbekannte Genauigkeit", []Option{WithPrecision("double")}},
		{"unbekanntes Layout", []Option{WithLayout("blockwise")}},
		{"kaputte Slice-Groesse", []Option{WithSliceSize("viele")}},
		{"kaputter Trace-Modus", []Option{WithTraceMode("lax")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts...); err == nil {
				t.Error("New muss fehlschlagen")
			}
		})
	}
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv("DIFFUSERS_PRECISION", "reduced")
	t.Setenv("DIFFUSERS_LAYOUT", "channels-last")
	t.Setenv("DIFFUSERS_SLICE_SIZE", "max")
	t.Setenv("DIFFUSERS_NOTRACE", "1")
	t.Setenv("DIFFUSERS_TRACE_MODE", "permissive")
	t.Setenv("DIFFUSERS_TRACE_DIR", "")
	t.Setenv("DIFFUSERS_MAX_TRACES", "0")

	p, err := FromEnvironment()
	if err != nil {
		t.Fatalf("FromEnvironment fehlgeschlagen: %v", err)
	}
	t.Cleanup(p.Close)

	if got := p.DType(); got != ml.DTypeF16 {
		t.Errorf("DType = %v, erwartet %v", got, ml.DTypeF16)
	}
	if got := p.Layout(); got != ml.LayoutChannelsLast {
		t.Errorf("Layout = %v, erwartet %v", got, ml.LayoutChannelsLast)
	}
	if got := p.SliceSize(); got != "max" {
		t.Errorf("SliceSize = %q, erwartet max", got)
	}
	if p.TracingEnabled() {
		t.Error("DIFFUSERS_NOTRACE muss Tracing deaktivieren")
	}
}

func TestFromEnvironmentOptionsOverride(t *testing.T) {
	t.Setenv("DIFFUSERS_PRECISION", "reduced")

	p, err := FromEnvironment(WithPrecision(precision.ModeFull))
	if err != nil {
		t.Fatalf("FromEnvironment fehlgeschlagen: %v", err)
	}
	t.Cleanup(p.Close)

	if got := p.DType(); got != ml.DTypeF32 {
		t.Errorf("DType = %v, erwartet %v (explizite Option gewinnt)", got, ml.DTypeF32)
	}
}

func TestSlicedAttentionUsesConfiguredSetting(t *testing.T) {
	const B, H, N, D = 1, 4, 5, 4

	run := func(t *testing.T, p *Pipeline, sliceSize int) []float32 {
		t.Helper()

		ctx := p.NewContext()
		t.Cleanup(ctx.Close)

		req := attention.Request{
			Queries:   ctx.FromFloats(testValues(B*H*N*D, 1), B, H, N, D),
			Keys:      ctx.FromFloats(testValues(B*H*N*D, 2), B, H, N, D),
			Values:    ctx.FromFloats(testValues(B*H*N*D, 3), B, H, N, D),
			Heads:     H,
			SliceSize: sliceSize,
		}
		out, err := p.SlicedAttention(ctx, req)
		if err != nil {
			t.Fatalf("SlicedAttention fehlgeschlagen: %v", err)
		}
		return out.Floats()
	}

	full := mustPipeline(t)
	want := run(t, full, H)

	// Ohne explizite Slice-Groesse gilt die konfigurierte Einstellung
	sliced := mustPipeline(t, WithSliceSize(attention.SliceMax))
	if got := run(t, sliced, 0); !slices.Equal(got, want) {
		t.Error("konfiguriertes Slicing weicht von ungeschnittener Berechnung ab")
	}

	// "fit" ohne Speicherlimit waehlt die ungeschnittene Groesse
	fit := mustPipeline(t, WithSliceSize(SliceFit))
	if got := run(t, fit, 0); !slices.Equal(got, want) {
		t.Error("fit-Slicing weicht von ungeschnittener Berechnung ab")
	}
}

func TestSlicedAttentionRejectsNegativeSliceSize(t *testing.T) {
	p := mustPipeline(t)
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	const B, H, N, D = 1, 2, 3, 4
	req := attention.Request{
		Queries:   ctx.FromFloats(testValues(B*H*N*D, 1), B, H, N, D),
		Keys:      ctx.FromFloats(testValues(B*H*N*D, 2), B, H, N, D),
		Values:    ctx.FromFloats(testValues(B*H*N*D, 3), B, H, N, D),
		Heads:     H,
		SliceSize: -1,
	}

	if _, err := p.SlicedAttention(ctx, req); !errors.Is(err, attention.ErrInvalidSliceSize) {
		t.Errorf("Fehler = %v, erwartet ErrInvalidSliceSize", err)
	}
}

func TestCachedForwardHitReplaysIdentically(t *testing.T) {
	p := mustPipeline(t)
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	inputs := forwardInputs(ctx, 1)
	sig := p.Signature(inputs...)

	var runs atomic.Int32
	builder := func(ctx ml.Context, in []ml.Tensor) ([]ml.Tensor, error) {
		runs.Add(1)
		return forward(ctx, in)
	}

	first, err := p.CachedForward(context.Background(), ctx, sig, inputs, builder)
	if err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}

	second, err := p.CachedForward(context.Background(), ctx, sig, inputs, builder)
	if err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}

	if runs.Load() != 1 {
		t.Errorf("Builder lief %d-mal, erwartet 1", runs.Load())
	}
	if !slices.Equal(first[0].Floats(), second[0].Floats()) {
		t.Error("Replay weicht vom Capture-Lauf ab")
	}

	stats := p.TraceStats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Builds != 1 {
		t.Errorf("Stats = %+v, erwartet 1 Hit, 1 Miss, 1 Build", stats)
	}

	entries := p.TraceEntries()
	if len(entries) != 1 {
		t.Fatalf("Eintraege = %d, erwartet 1", len(entries))
	}
	if entries[0].Replays != 1 {
		t.Errorf("Replays = %d, erwartet 1", entries[0].Replays)
	}
	if entries[0].Digest != sig.Digest() {
		t.Errorf("Digest = %q, erwartet %q", entries[0].Digest, sig.Digest())
	}
}

func TestCachedForwardReducedPrecisionHit(t *testing.T) {
	p := mustPipeline(t, WithPrecision(precision.ModeReduced))
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	// Wiederholter Aufruf mit grosser Signatur in halber Genauigkeit
	const B, H, N, D = 2, 4, 64, 64
	inputs := make([]ml.Tensor, 3)
	for i := range inputs {
		inputs[i] = ctx.FromFloats(testValues(B*H*N*D, i+1), B, H, N, D).Cast(ctx, p.DType())
	}
	sig := p.Signature(inputs...)

	var runs atomic.Int32
	builder := func(ctx ml.Context, in []ml.Tensor) ([]ml.Tensor, error) {
		runs.Add(1)
		return forward(ctx, in)
	}

	first, err := p.CachedForward(context.Background(), ctx, sig, inputs, builder)
	if err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}
	second, err := p.CachedForward(context.Background(), ctx, sig, inputs, builder)
	if err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}

	if runs.Load() != 1 {
		t.Errorf("Builder lief %d-mal, erwartet 1", runs.Load())
	}
	if !slices.Equal(first[0].Floats(), second[0].Floats()) {
		t.Error("Replay in halber Genauigkeit weicht vom Capture-Lauf ab")
	}
	if stats := p.TraceStats(); stats.Hits != 1 {
		t.Errorf("Hits = %d, erwartet 1", stats.Hits)
	}
}

func TestCachedForwardWithoutTracing(t *testing.T) {
	p := mustPipeline(t, WithoutTracing())
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	inputs := forwardInputs(ctx, 1)
	sig := p.Signature(inputs...)

	var runs atomic.Int32
	builder := func(ctx ml.Context, in []ml.Tensor) ([]ml.Tensor, error) {
		runs.Add(1)
		return forward(ctx, in)
	}

	for range 3 {
		if _, err := p.CachedForward(context.Background(), ctx, sig, inputs, builder); err != nil {
			t.Fatalf("CachedForward fehlgeschlagen: %v", err)
		}
	}

	// Ohne Tracing laeuft der Builder jedes Mal, der Cache bleibt leer
	if runs.Load() != 3 {
		t.Errorf("Builder lief %d-mal, erwartet 3", runs.Load())
	}
	if stats := p.TraceStats(); stats.Misses != 0 || stats.Entries != 0 {
		t.Errorf("Stats = %+v, erwartet unberuehrten Cache", stats)
	}
}

func TestCachedForwardRebuildsAfterInvalidate(t *testing.T) {
	p := mustPipeline(t)
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	inputs := forwardInputs(ctx, 2)
	sig := p.Signature(inputs...)

	var runs atomic.Int32
	builder := func(ctx ml.Context, in []ml.Tensor) ([]ml.Tensor, error) {
		runs.Add(1)
		return forward(ctx, in)
	}

	if _, err := p.CachedForward(context.Background(), ctx, sig, inputs, builder); err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}

	if n := p.InvalidateTraces(); n != 1 {
		t.Errorf("InvalidateTraces = %d, erwartet 1", n)
	}

	// Erzwungener Miss: kein Fehler, der Builder laeuft erneut
	if _, err := p.CachedForward(context.Background(), ctx, sig, inputs, builder); err != nil {
		t.Fatalf("CachedForward nach Invalidierung fehlgeschlagen: %v", err)
	}
	if runs.Load() != 2 {
		t.Errorf("Builder lief %d-mal, erwartet 2", runs.Load())
	}
}

func TestCachedForwardCanceled(t *testing.T) {
	p := mustPipeline(t)
	mctx := p.NewContext()
	t.Cleanup(mctx.Close)

	inputs := forwardInputs(mctx, 1)
	sig := p.Signature(inputs...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.CachedForward(ctx, mctx, sig, inputs, forward); !errors.Is(err, context.Canceled) {
		t.Errorf("Fehler = %v, erwartet context.Canceled", err)
	}
}

func TestSetPrecisionDropsTraces(t *testing.T) {
	p := mustPipeline(t)
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	inputs := forwardInputs(ctx, 1)
	if _, err := p.CachedForward(context.Background(), ctx, p.Signature(inputs...), inputs, forward); err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}

	before := p.Signature(inputs...)

	if err := p.SetPrecision(precision.ModeReduced); err != nil {
		t.Fatalf("SetPrecision fehlgeschlagen: %v", err)
	}

	if got := p.DType(); got != ml.DTypeF16 {
		t.Errorf("DType = %v, erwartet %v", got, ml.DTypeF16)
	}
	if stats := p.TraceStats(); stats.Entries != 0 || stats.Invalidations != 1 {
		t.Errorf("Stats = %+v, erwartet geleerten Cache", stats)
	}
	if after := p.Signature(inputs...); after.Digest() == before.Digest() {
		t.Error("Signatur muss den neuen Genauigkeitsmodus tragen")
	}

	// Gleicher Modus erneut: kein weiterer Drop
	if err := p.SetPrecision(precision.ModeReduced); err != nil {
		t.Fatalf("SetPrecision fehlgeschlagen: %v", err)
	}
	if stats := p.TraceStats(); stats.Invalidations != 1 {
		t.Errorf("Invalidations = %d, erwartet weiterhin 1", stats.Invalidations)
	}

	if err := p.SetPrecision("double"); err == nil {
		t.Error("unbekannter Modus muss fehlschlagen")
	}
}

func TestSetLayoutDropsTraces(t *testing.T) {
	p := mustPipeline(t)
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	inputs := forwardInputs(ctx, 1)
	if _, err := p.CachedForward(context.Background(), ctx, p.Signature(inputs...), inputs, forward); err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}

	if err := p.SetLayout(precision.LayoutChannelsLast); err != nil {
		t.Fatalf("SetLayout fehlgeschlagen: %v", err)
	}

	if got := p.Layout(); got != ml.LayoutChannelsLast {
		t.Errorf("Layout = %v, erwartet %v", got, ml.LayoutChannelsLast)
	}
	if stats := p.TraceStats(); stats.Entries != 0 || stats.Invalidations != 1 {
		t.Errorf("Stats = %+v, erwartet geleerten Cache", stats)
	}
}

func TestSetSliceSize(t *testing.T) {
	p := mustPipeline(t)

	for _, s := range []string{attention.SliceAuto, attention.SliceMax, SliceFit, "4", "", "none"} {
		if err := p.SetSliceSize(s); err != nil {
			t.Errorf("SetSliceSize(%q) fehlgeschlagen: %v", s, err)
		}
	}
	for _, s := range []string{"quatsch", "0", "-2"} {
		if err := p.SetSliceSize(s); err == nil {
			t.Errorf("SetSliceSize(%q) muss abgelehnt werden", s)
		}
	}
}

func TestSetTracing(t *testing.T) {
	p := mustPipeline(t)
	ctx := p.NewContext()
	t.Cleanup(ctx.Close)

	inputs := forwardInputs(ctx, 1)
	sig := p.Signature(inputs...)

	if _, err := p.CachedForward(context.Background(), ctx, sig, inputs, forward); err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}

	p.SetTracing(false)
	if p.TracingEnabled() {
		t.Fatal("Tracing muss deaktiviert sein")
	}
	if _, err := p.CachedForward(context.Background(), ctx, sig, inputs, forward); err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}

	// Eintraege ueberleben den Toggle
	p.SetTracing(true)
	stats := p.TraceStats()
	if stats.Entries != 1 {
		t.Errorf("Eintraege = %d, erwartet 1", stats.Entries)
	}

	var runs atomic.Int32
	builder := func(ctx ml.Context, in []ml.Tensor) ([]ml.Tensor, error) {
		runs.Add(1)
		return forward(ctx, in)
	}
	if _, err := p.CachedForward(context.Background(), ctx, sig, inputs, builder); err != nil {
		t.Fatalf("CachedForward fehlgeschlagen: %v", err)
	}
	if runs.Load() != 0 {
		t.Error("nach dem Reaktivieren muss der alte Trace treffen")
	}
}

func TestMemoryLimitReachesBackend(t *testing.T) {
	p := mustPipeline(t, WithMemoryLimit(1024))

	if got := p.Backend().BackendMemory().Limit; got != 1024 {
		t.Errorf("Limit = %d, erwartet 1024", got)
	}
}
