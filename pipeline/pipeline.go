// pipeline.go - Fassade ueber Backend, Koordinator, Slicing und Trace-Cache
//
// Dieses Modul enthaelt:
// - Konstruktion der Pipeline aus Optionen oder Environment
// - SlicedAttention mit der konfigurierten Slice-Groesse
// - CachedForward: Trace-Cache mit Forced-Miss bei abgelaufenen Traces
// - Laufzeit-Umschaltung von Genauigkeit, Layout und Slice-Groesse
//
// Eine Pipeline besitzt genau ein Backend und einen Trace-Cache. Modi
// gelten pro Instanz; zwei Pipelines im selben Prozess beeinflussen sich
// nicht.

package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Sygil-Dev/diffusers/attention"
	"github.com/Sygil-Dev/diffusers/discover"
	"github.com/Sygil-Dev/diffusers/envconfig"
	"github.com/Sygil-Dev/diffusers/format"
	"github.com/Sygil-Dev/diffusers/ml"
	_ "github.com/Sygil-Dev/diffusers/ml/backend/cpu"
	"github.com/Sygil-Dev/diffusers/precision"
	"github.com/Sygil-Dev/diffusers/trace"
)

// SliceFit sizes attention slices from the available memory budget at
// call time instead of a fixed setting.
const SliceFit = "fit"

// Pipeline bundles a tensor backend, the precision/layout coordinator and
// the execution trace cache behind one surface. All tuning state is scoped
// to the instance.
type Pipeline struct {
	backend ml.Backend
	cache   *trace.Cache

	mu        sync.RWMutex
	coord     *precision.Coordinator
	sliceSize string
	tracing   bool
}

// New constructs a pipeline from options. The zero configuration runs the
// reference cpu backend in full precision with tracing enabled.
func New(opts ...Option) (*Pipeline, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	coord, err := precision.NewCoordinator(o.precision, o.layout)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	if o.sliceSize != SliceFit {
		if _, err := attention.ResolveSliceSize(o.sliceSize, 1); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}

	mode, err := trace.ParseCaptureMode(o.traceMode)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	backend, err := ml.NewBackend(o.backend, ml.BackendParams{
		NumThreads:  o.numThreads,
		Precision:   coord.DType(),
		Layout:      coord.Layout(),
		MemoryLimit: o.memoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	var copts []trace.CacheOption
	if o.traceDir != "" {
		store, err := trace.OpenStore(o.traceDir)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		copts = append(copts, trace.WithStore(store))
	}
	if o.maxTraces > 0 {
		copts = append(copts, trace.WithMaxEntries(o.maxTraces))
	}

	p := &Pipeline{
		backend:   backend,
		cache:     trace.NewCache(mode, copts...),
		coord:     coord,
		sliceSize: o.sliceSize,
		tracing:   !o.noTrace,
	}

	slog.Info("pipeline ready",
		"backend", backend.Name(),
		"device", backend.Device(),
		"modes", coord,
		"slice_size", cmp.Or(o.sliceSize, "none"),
		"trace_mode", mode,
		"tracing", p.tracing)

	return p, nil
}

// FromEnvironment constructs a pipeline from the DIFFUSERS_* environment
// variables. Explicit options override the environment.
func FromEnvironment(opts ...Option) (*Pipeline, error) {
	env := []Option{
		WithPrecision(precision.Mode(envconfig.Precision())),
		WithLayout(precision.LayoutMode(envconfig.Layout())),
		WithSliceSize(envconfig.SliceSize()),
		WithTraceMode(envconfig.TraceMode()),
		WithTraceDir(envconfig.TraceDir()),
		WithMaxTraces(int(envconfig.MaxTraces())),
	}
	if envconfig.NoTrace() {
		env = append(env, WithoutTracing())
	}

	return New(append(env, opts...)...)
}

// Close releases the backend and all tensors created through it.
func (p *Pipeline) Close() {
	p.backend.Close()
}

// Backend returns the tensor backend the pipeline computes on.
func (p *Pipeline) Backend() ml.Backend { return p.backend }

// NewContext creates a tensor context on the pipeline's backend. Callers
// own the context and close it when its tensors are no longer needed.
func (p *Pipeline) NewContext() ml.Context {
	return p.backend.NewContext()
}

// Coordinator returns the active precision/layout coordinator.
func (p *Pipeline) Coordinator() *precision.Coordinator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.coord
}

// DType returns the element type of the active precision mode.
func (p *Pipeline) DType() ml.DType { return p.Coordinator().DType() }

// Layout returns the layout descriptor of the active layout mode.
func (p *Pipeline) Layout() ml.Layout { return p.Coordinator().Layout() }

// SliceSize returns the active slice size setting.
func (p *Pipeline) SliceSize() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sliceSize
}

// TracingEnabled reports whether CachedForward consults the trace cache.
func (p *Pipeline) TracingEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracing
}

// SetTracing enables or disables the trace cache at runtime. Cached
// entries survive a disable/enable cycle.
func (p *Pipeline) SetTracing(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tracing != enabled {
		slog.Info("tracing toggled", "enabled", enabled)
	}
	p.tracing = enabled
}

// SetSliceSize changes the slice size setting for subsequent attention
// calls. Presets are validated here, concrete head counts per request.
func (p *Pipeline) SetSliceSize(s string) error {
	if s != SliceFit {
		n, err := attention.ResolveSliceSize(s, 1)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		if n < 1 {
			return fmt.Errorf("pipeline: %w: got %d", attention.ErrInvalidSliceSize, n)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sliceSize != s {
		slog.Info("slice size changed", "from", cmp.Or(p.sliceSize, "none"), "to", cmp.Or(s, "none"))
	}
	p.sliceSize = s

	return nil
}

// SetPrecision switches the precision mode. All cached traces are dropped
// because their signatures and captured constants assume the old element
// type.
func (p *Pipeline) SetPrecision(mode precision.Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	coord, err := precision.NewCoordinator(mode, p.coord.LayoutMode())
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	if coord.Mode() == p.coord.Mode() {
		return nil
	}

	p.coord = coord
	n := p.cache.InvalidateAll()
	slog.Info("precision changed", "modes", coord, "traces_dropped", n)

	return nil
}

// SetLayout switches the layout mode. All cached traces are dropped
// because their signatures assume the old layout.
func (p *Pipeline) SetLayout(mode precision.LayoutMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	coord, err := precision.NewCoordinator(p.coord.Mode(), mode)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	if coord.LayoutMode() == p.coord.LayoutMode() {
		return nil
	}

	p.coord = coord
	n := p.cache.InvalidateAll()
	slog.Info("layout changed", "modes", coord, "traces_dropped", n)

	return nil
}

// Signature derives the trace signature of a forward invocation over the
// given inputs under the active precision and layout modes.
func (p *Pipeline) Signature(inputs ...ml.Tensor) trace.Signature {
	c := p.Coordinator()
	return trace.SignatureOf(c.DType(), c.Layout(), inputs...)
}

// SlicedAttention computes multi-head attention in head groups. A request
// without an explicit SliceSize uses the pipeline's configured setting,
// resolved against the request's head count.
func (p *Pipeline) SlicedAttention(ctx ml.Context, req attention.Request) (ml.Tensor, error) {
	if req.SliceSize == 0 {
		if setting := p.SliceSize(); setting == SliceFit {
			req.SliceSize = p.fitSliceSize(req)
		} else {
			s, err := attention.ResolveSliceSize(setting, req.Heads)
			if err != nil {
				return nil, fmt.Errorf("pipeline: %w", err)
			}
			req.SliceSize = s
		}
	}

	return attention.Sliced(ctx, req)
}

// fitSliceSize picks the largest slice size whose transient estimate fits
// the remaining backend budget, or the free system memory when the backend
// is unbounded.
func (p *Pipeline) fitSliceSize(req attention.Request) int {
	mem := p.backend.BackendMemory()

	var budget uint64
	if mem.Limit > 0 {
		budget = mem.Limit - min(mem.Active, mem.Limit)
	} else if sys, err := discover.SystemMemory(); err == nil {
		budget = sys.Free
	}

	s, ok := attention.FitSliceSize(req, budget)
	if !ok {
		slog.Warn("attention slices exceed the memory budget",
			"budget", format.HumanBytes2(budget),
			"estimate", format.HumanBytes2(attention.EstimateSliceMemory(req, s)))
	}

	return s
}

// CachedForward runs one forward invocation through the trace cache: a
// signature hit replays the stored trace, a miss captures the builder
// once and caches it. A stale trace is a forced miss and rebuilds, never
// an error. With tracing disabled the builder runs directly.
//
// Replay reproduces the captured operation sequence only; builders whose
// control flow depends on tensor values are rejected in strict mode and
// replay the captured branch in permissive mode.
func (p *Pipeline) CachedForward(ctx context.Context, mctx ml.Context, sig trace.Signature, inputs []ml.Tensor, builder trace.Builder) ([]ml.Tensor, error) {
	if !p.TracingEnabled() {
		mctx.Forward(inputs...)
		outs, err := builder(mctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("pipeline: forward: %w", err)
		}
		mctx.Compute(outs...)
		return outs, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		g, outs, err := p.cache.GetOrBuild(ctx, mctx, sig, inputs, builder)
		if err != nil {
			return nil, fmt.Errorf("pipeline: forward: %w", err)
		}
		if outs != nil {
			return outs, nil
		}

		outs, err = g.Replay(mctx, inputs)
		if errors.Is(err, trace.ErrStaleTrace) {
			// Zwischen Lookup und Replay invalidiert: erzwungener Miss
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: replay: %w", err)
		}

		return outs, nil
	}
}

// TraceStats returns a snapshot of the trace cache counters.
func (p *Pipeline) TraceStats() trace.Stats {
	return p.cache.Stats()
}

// TraceEntries lists the cached traces in insertion order.
func (p *Pipeline) TraceEntries() []trace.EntryInfo {
	return p.cache.Entries()
}

// InvalidateTraces drops all cached traces and returns how many were
// live. The weights loader calls this after swapping model parameters.
func (p *Pipeline) InvalidateTraces() int {
	return p.cache.InvalidateAll()
}

// InvalidateTrace drops the trace for one signature digest, reporting
// whether one was cached.
func (p *Pipeline) InvalidateTrace(digest string) bool {
	return p.cache.InvalidateDigest(digest)
}
