// options.go - Konstruktions-Optionen der Pipeline
//
// Dieses Modul enthaelt die funktionalen Optionen fuer New und die
// Default-Belegung. FromEnvironment in pipeline.go bildet die
// DIFFUSERS_* Variablen auf diese Optionen ab.

package pipeline

import (
	"github.com/Sygil-Dev/diffusers/precision"
)

type options struct {
	backend     string
	numThreads  int
	memoryLimit uint64

	precision precision.Mode
	layout    precision.LayoutMode

	sliceSize string

	traceMode string
	traceDir  string
	maxTraces int
	noTrace   bool
}

func defaultOptions() options {
	return options{backend: "cpu"}
}

// Option configures a Pipeline during construction.
type Option func(*options)

// WithBackend selects the registered tensor backend. The default is the
// reference cpu backend.
func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

// WithThreads caps the worker threads of backends that compute on the CPU.
func WithThreads(n int) Option {
	return func(o *options) { o.numThreads = n }
}

// WithMemoryLimit caps the live tensor bytes of the backend. Zero means
// unbounded.
func WithMemoryLimit(bytes uint64) Option {
	return func(o *options) { o.memoryLimit = bytes }
}

// WithPrecision selects the numeric precision mode.
func WithPrecision(mode precision.Mode) Option {
	return func(o *options) { o.precision = mode }
}

// WithLayout selects the memory layout mode.
func WithLayout(mode precision.LayoutMode) Option {
	return func(o *options) { o.layout = mode }
}

// WithSliceSize sets the attention slice size setting: empty or "none",
// "auto", "max", "fit" or a head count.
func WithSliceSize(s string) Option {
	return func(o *options) { o.sliceSize = s }
}

// WithTraceMode selects the capture mode of the trace cache ("strict" or
// "permissive").
func WithTraceMode(mode string) Option {
	return func(o *options) { o.traceMode = mode }
}

// WithTraceDir enables trace persistence under dir.
func WithTraceDir(dir string) Option {
	return func(o *options) { o.traceDir = dir }
}

// WithMaxTraces bounds the number of cached traces. Zero means unbounded.
func WithMaxTraces(n int) Option {
	return func(o *options) { o.maxTraces = n }
}

// WithoutTracing disables the trace cache; CachedForward always invokes
// the builder directly.
func WithoutTracing() Option {
	return func(o *options) { o.noTrace = true }
}
