// handlers.go - HTTP-Handler der Pipeline-Endpunkte
//
// Dieses Modul enthaelt:
// - Stats/Config Handler fuer Diagnose und Moduswechsel
// - Bench Handler mit Preset-Aufloesung und Invokations-Slot
// - Invalidate Handler fuer den Trace-Cache

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Sygil-Dev/diffusers/api"
	"github.com/Sygil-Dev/diffusers/bench"
	"github.com/Sygil-Dev/diffusers/precision"
)

// StatsHandler liefert Backend-Speicher und Trace-Cache-Zaehler
func (s *Server) StatsHandler(c *gin.Context) {
	stats := s.pipeline.TraceStats()
	mem := s.pipeline.Backend().BackendMemory()

	resp := api.StatsResponse{
		Backend: s.pipeline.Backend().Name(),
		Device:  s.pipeline.Backend().Device().String(),
		Memory:  api.MemoryStats{Active: mem.Active, Peak: mem.Peak, Limit: mem.Limit},
		Traces: api.TraceStats{
			Hits:          stats.Hits,
			Misses:        stats.Misses,
			Builds:        stats.Builds,
			Loads:         stats.Loads,
			Invalidations: stats.Invalidations,
			Rejected:      stats.Rejected,
			Entries:       stats.Entries,
		},
	}

	for _, e := range s.pipeline.TraceEntries() {
		resp.Entries = append(resp.Entries, api.TraceEntry{
			ID:             e.ID,
			Signature:      e.Signature,
			Digest:         e.Digest,
			Ops:            e.Ops,
			ValueDependent: e.ValueDependent,
			Created:        e.Created,
			Replays:        e.Replays,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) configResponse() api.ConfigResponse {
	coord := s.pipeline.Coordinator()
	return api.ConfigResponse{
		Precision: string(coord.Mode()),
		Layout:    string(coord.LayoutMode()),
		SliceSize: s.pipeline.SliceSize(),
		Tracing:   s.pipeline.TracingEnabled(),
	}
}

// ConfigHandler liefert die aktive Pipeline-Konfiguration
func (s *Server) ConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.configResponse())
}

// SetConfigHandler wendet die gesetzten Felder der Anfrage an
func (s *Server) SetConfigHandler(c *gin.Context) {
	var req api.ConfigRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Precision != "" {
		if err := s.pipeline.SetPrecision(precision.Mode(req.Precision)); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if req.Layout != "" {
		if err := s.pipeline.SetLayout(precision.LayoutMode(req.Layout)); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if req.SliceSize != "" {
		if err := s.pipeline.SetSliceSize(req.SliceSize); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if req.Tracing != nil {
		s.pipeline.SetTracing(*req.Tracing)
	}

	c.JSON(http.StatusOK, s.configResponse())
}

// BenchHandler fuehrt eine Messreihe aus, eine Invokation zur Zeit
func (s *Server) BenchHandler(c *gin.Context) {
	var req api.BenchRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var cfg bench.Config
	if req.Preset != "" {
		var err error
		cfg, err = bench.Preset(req.Preset)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else {
		cfg = bench.Config{Batch: req.Batch, Heads: req.Heads, SeqLen: req.SeqLen, HeadDim: req.HeadDim}
	}

	if len(req.SliceSizes) > 0 {
		cfg.SliceSizes = req.SliceSizes
	}
	if req.Runs > 0 {
		cfg.Runs = req.Runs
	}
	if req.Warmup > 0 {
		cfg.Warmup = req.Warmup
	}

	runner := bench.NewRunner(s.pipeline.Backend().Name(), 0)
	res, err := s.sched.RunBench(c.Request.Context(), runner, cfg)
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("aborting benchmark due to client closing the connection")
		return
	case errors.Is(err, bench.ErrInvalidConfig):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	res.Preset = req.Preset
	c.JSON(http.StatusOK, benchResponse(res))
}

// RecentBenchHandler liefert die Historie der letzten Messreihen
func (s *Server) RecentBenchHandler(c *gin.Context) {
	runs := s.sched.Recent()

	resp := api.BenchListResponse{Runs: make([]api.BenchResponse, 0, len(runs))}
	for _, r := range runs {
		resp.Runs = append(resp.Runs, benchResponse(r))
	}

	c.JSON(http.StatusOK, resp)
}

// InvalidateHandler verwirft Traces, einzeln per Digest oder alle
func (s *Server) InvalidateHandler(c *gin.Context) {
	var req api.InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var dropped int
	if req.Digest != "" {
		if s.pipeline.InvalidateTrace(req.Digest) {
			dropped = 1
		}
	} else {
		dropped = s.pipeline.InvalidateTraces()
	}

	c.JSON(http.StatusOK, api.InvalidateResponse{Dropped: dropped})
}

func benchResponse(r *bench.Result) api.BenchResponse {
	resp := api.BenchResponse{
		ID:      r.ID,
		Preset:  r.Preset,
		Batch:   r.Batch,
		Heads:   r.Heads,
		SeqLen:  r.SeqLen,
		HeadDim: r.HeadDim,
		Started: r.Started,
		Total:   r.Total,
	}

	for _, m := range r.Measurements {
		resp.Measurements = append(resp.Measurements, api.BenchMeasurement{
			SliceSize: m.SliceSize,
			Groups:    m.Groups,
			Runs:      m.Runs,
			Mean:      m.Mean,
			P50:       m.P50,
			P95:       m.P95,
			PeakBytes: m.PeakBytes,
			Estimate:  m.Estimate,
		})
	}

	return resp
}
