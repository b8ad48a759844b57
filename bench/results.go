// results.go - Aggregation der Benchmark-Messwerte
//
// Dieses Modul enthaelt:
// - Measurement und Result als Ergebnis-Typen
// - Aggregation der Laufzeiten ueber gonum (Mittelwert, Quantile)

package bench

import (
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Measurement is the aggregated timing of one slice size.
type Measurement struct {
	SliceSize int           `json:"slice_size"`
	Groups    int           `json:"groups"`
	Runs      int           `json:"runs"`
	Mean      time.Duration `json:"mean"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	PeakBytes uint64        `json:"peak_bytes"`
	Estimate  uint64        `json:"estimate_bytes"`
}

// Result is one complete benchmark run over several slice sizes.
type Result struct {
	ID     string `json:"id"`
	Preset string `json:"preset,omitempty"`
	Config

	Measurements []Measurement `json:"measurements"`
	Started      time.Time     `json:"started"`
	Total        time.Duration `json:"total_duration"`
}

// Fastest returns the measurement with the lowest mean latency.
func (r *Result) Fastest() Measurement {
	return pick(r.Measurements, func(a, b Measurement) bool { return a.Mean < b.Mean })
}

// Smallest returns the measurement with the lowest peak memory.
func (r *Result) Smallest() Measurement {
	return pick(r.Measurements, func(a, b Measurement) bool { return a.PeakBytes < b.PeakBytes })
}

func pick(ms []Measurement, less func(a, b Measurement) bool) Measurement {
	var best Measurement
	for i, m := range ms {
		if i == 0 || less(m, best) {
			best = m
		}
	}
	return best
}

func summarize(samples []time.Duration) (mean, p50, p95 time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}

	xs := make([]float64, len(samples))
	for i, d := range samples {
		xs[i] = float64(d)
	}
	slices.Sort(xs)

	mean = time.Duration(stat.Mean(xs, nil))
	p50 = time.Duration(stat.Quantile(0.50, stat.Empirical, xs, nil))
	p95 = time.Duration(stat.Quantile(0.95, stat.Empirical, xs, nil))
	return mean, p50, p95
}
