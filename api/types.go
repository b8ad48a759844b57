// types.go - Wire-Typen der Service-API
// Enthaelt: StatusError, Stats/Config/Bench/Invalidate/Version Typen

package api

import (
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the service logs for details"
	}
}

// TraceStats mirrors the counters of the execution trace cache.
type TraceStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Builds        uint64 `json:"builds"`
	Loads         uint64 `json:"loads"`
	Invalidations uint64 `json:"invalidations"`
	Rejected      uint64 `json:"rejected"`
	Entries       int    `json:"entries"`
}

// TraceEntry describes one cached execution trace.
type TraceEntry struct {
	ID             string    `json:"id"`
	Signature      string    `json:"signature"`
	Digest         string    `json:"digest"`
	Ops            int       `json:"ops"`
	ValueDependent bool      `json:"value_dependent,omitempty"`
	Created        time.Time `json:"created"`
	Replays        uint64    `json:"replays"`
}

// MemoryStats reports backend allocation accounting in bytes.
type MemoryStats struct {
	Active uint64 `json:"active"`
	Peak   uint64 `json:"peak"`
	Limit  uint64 `json:"limit,omitempty"`
}

// StatsResponse is the response of [Client.Stats].
type StatsResponse struct {
	Backend string       `json:"backend"`
	Device  string       `json:"device"`
	Memory  MemoryStats  `json:"memory"`
	Traces  TraceStats   `json:"traces"`
	Entries []TraceEntry `json:"entries,omitempty"`
}

// ConfigResponse reports the active pipeline configuration.
type ConfigResponse struct {
	Precision string `json:"precision"`
	Layout    string `json:"layout"`
	SliceSize string `json:"slice_size"`
	Tracing   bool   `json:"tracing"`
}

// ConfigRequest changes parts of the pipeline configuration. Fields left
// empty (nil for Tracing) keep their current value.
type ConfigRequest struct {
	Precision string `json:"precision,omitempty"`
	Layout    string `json:"layout,omitempty"`
	SliceSize string `json:"slice_size,omitempty"`
	Tracing   *bool  `json:"tracing,omitempty"`
}

// BenchRequest describes an attention benchmark run. Either Preset names a
// built-in workload or the dimensions are given explicitly.
type BenchRequest struct {
	Preset string `json:"preset,omitempty"`

	Batch   int `json:"batch,omitempty"`
	Heads   int `json:"heads,omitempty"`
	SeqLen  int `json:"seq_len,omitempty"`
	HeadDim int `json:"head_dim,omitempty"`

	// SliceSizes lists the slice sizes to measure. Empty measures every
	// size from 1 to Heads.
	SliceSizes []int `json:"slice_sizes,omitempty"`

	Runs   int `json:"runs,omitempty"`
	Warmup int `json:"warmup,omitempty"`
}

// BenchMeasurement is the aggregated timing for one slice size.
type BenchMeasurement struct {
	SliceSize int           `json:"slice_size"`
	Groups    int           `json:"groups"`
	Runs      int           `json:"runs"`
	Mean      time.Duration `json:"mean"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	PeakBytes uint64        `json:"peak_bytes"`
	Estimate  uint64        `json:"estimate_bytes"`
}

// BenchResponse is the response of [Client.Bench].
type BenchResponse struct {
	ID           string             `json:"id"`
	Preset       string             `json:"preset,omitempty"`
	Batch        int                `json:"batch"`
	Heads        int                `json:"heads"`
	SeqLen       int                `json:"seq_len"`
	HeadDim      int                `json:"head_dim"`
	Measurements []BenchMeasurement `json:"measurements"`
	Started      time.Time          `json:"started"`
	Total        time.Duration      `json:"total_duration"`
}

// BenchListResponse is the response of [Client.BenchHistory].
type BenchListResponse struct {
	Runs []BenchResponse `json:"runs"`
}

// InvalidateRequest drops cached traces. An empty digest drops all of
// them.
type InvalidateRequest struct {
	Digest string `json:"digest,omitempty"`
}

// InvalidateResponse reports how many traces were dropped.
type InvalidateResponse struct {
	Dropped int `json:"dropped"`
}

// VersionResponse is the response of [Client.Version].
type VersionResponse struct {
	Version string `json:"version"`
}
