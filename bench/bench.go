// bench.go - Benchmark-Laeufe fuer die Attention-Slicing-Engine
//
// Dieses Modul enthaelt:
// - Config und die eingebauten Presets
// - Runner fuer Messreihen ueber mehrere Slice-Groessen
// - Eine Messung pro Slice-Groesse auf einem frischen Backend

package bench

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Sygil-Dev/diffusers/attention"
	"github.com/Sygil-Dev/diffusers/ml"
)

var (
	ErrUnknownPreset = errors.New("unknown benchmark preset")
	ErrInvalidConfig = errors.New("invalid benchmark config")
)

const (
	defaultRuns   = 5
	defaultWarmup = 1
)

// Config describes one benchmark workload. The dimensions follow the
// attention operand shape [batch, heads, seqlen, headdim].
type Config struct {
	Batch   int `json:"batch"`
	Heads   int `json:"heads"`
	SeqLen  int `json:"seq_len"`
	HeadDim int `json:"head_dim"`

	// SliceSizes lists the slice sizes to measure. Empty measures every
	// size from 1 to Heads.
	SliceSizes []int `json:"slice_sizes,omitempty"`

	Runs   int `json:"runs"`
	Warmup int `json:"warmup"`
}

var presets = map[string]Config{
	"small":  {Batch: 1, Heads: 4, SeqLen: 64, HeadDim: 32},
	"medium": {Batch: 1, Heads: 8, SeqLen: 256, HeadDim: 64},
	"sd15":   {Batch: 2, Heads: 8, SeqLen: 4096, HeadDim: 40},
	"sdxl":   {Batch: 2, Heads: 10, SeqLen: 1024, HeadDim: 64},
}

// Preset returns the named built-in workload.
func Preset(name string) (Config, error) {
	cfg, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return cfg, nil
}

// Presets returns the names of the built-in workloads, sorted.
func Presets() []string {
	return slices.Sorted(maps.Keys(presets))
}

func (c Config) withDefaults() (Config, error) {
	if c.Batch < 1 || c.Heads < 1 || c.SeqLen < 1 || c.HeadDim < 1 {
		return Config{}, fmt.Errorf("%w: dimensions %dx%dx%dx%d", ErrInvalidConfig, c.Batch, c.Heads, c.SeqLen, c.HeadDim)
	}

	if c.Runs <= 0 {
		c.Runs = defaultRuns
	}
	if c.Warmup < 0 {
		c.Warmup = 0
	} else if c.Warmup == 0 {
		c.Warmup = defaultWarmup
	}

	if len(c.SliceSizes) == 0 {
		for s := 1; s <= c.Heads; s++ {
			c.SliceSizes = append(c.SliceSizes, s)
		}
	}
	for _, s := range c.SliceSizes {
		if s < 1 || s > c.Heads {
			return Config{}, fmt.Errorf("%w: slice size %d with %d heads", ErrInvalidConfig, s, c.Heads)
		}
	}

	return c, nil
}

// Runner executes benchmark configs against a registered backend. Every
// measurement runs on a fresh backend instance so the reported peak covers
// exactly one workload.
type Runner struct {
	backend string
	threads int
}

func NewRunner(backend string, threads int) *Runner {
	return &Runner{backend: backend, threads: threads}
}

// Run measures every slice size of the config and aggregates the timed
// runs. Cancelling the context aborts between runs.
func (r *Runner) Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	res := &Result{ID: id.String(), Config: cfg, Started: time.Now()}
	for _, s := range cfg.SliceSizes {
		m, err := r.measure(ctx, cfg, s)
		if err != nil {
			return nil, err
		}
		res.Measurements = append(res.Measurements, m)
	}

	res.Total = time.Since(res.Started)
	return res, nil
}

func (r *Runner) measure(ctx context.Context, cfg Config, sliceSize int) (Measurement, error) {
	b, err := ml.NewBackend(r.backend, ml.BackendParams{NumThreads: r.threads})
	if err != nil {
		return Measurement{}, err
	}
	defer b.Close()

	mctx := b.NewContext()
	defer mctx.Close()

	n := cfg.Batch * cfg.Heads * cfg.SeqLen * cfg.HeadDim
	req := attention.Request{
		Queries:   mctx.FromFloats(benchValues(n, 1), cfg.Batch, cfg.Heads, cfg.SeqLen, cfg.HeadDim),
		Keys:      mctx.FromFloats(benchValues(n, 2), cfg.Batch, cfg.Heads, cfg.SeqLen, cfg.HeadDim),
		Values:    mctx.FromFloats(benchValues(n, 3), cfg.Batch, cfg.Heads, cfg.SeqLen, cfg.HeadDim),
		Heads:     cfg.Heads,
		SliceSize: sliceSize,
	}

	samples := make([]time.Duration, 0, cfg.Runs)
	for i := 0; i < cfg.Warmup+cfg.Runs; i++ {
		if err := ctx.Err(); err != nil {
			return Measurement{}, err
		}

		start := time.Now()
		out, err := attention.Sliced(mctx, req)
		if err != nil {
			return Measurement{}, fmt.Errorf("slice size %d: %w", sliceSize, err)
		}
		if i >= cfg.Warmup {
			samples = append(samples, time.Since(start))
		}
		out.Free()
	}

	mean, p50, p95 := summarize(samples)
	return Measurement{
		SliceSize: sliceSize,
		Groups:    attention.Groups(cfg.Heads, sliceSize),
		Runs:      cfg.Runs,
		Mean:      mean,
		P50:       p50,
		P95:       p95,
		PeakBytes: b.BackendMemory().Peak,
		Estimate:  attention.EstimateSliceMemory(req, sliceSize),
	}, nil
}

func benchValues(n int, seed int) []float32 {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32((i*13+seed*7+5)%17)/4.0 - 2
	}
	return vals
}
