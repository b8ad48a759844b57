// backend.go - Referenz-Backend auf der CPU
//
// Enthaelt:
// - Backend-Registrierung und Konstruktion
// - Buchfuehrung ueber aktive und Spitzen-Allokationen
// - Allokations-Limit mit ErrNoMem

package cpu

import (
	"log/slog"
	"runtime"
	"sync"

	"github.com/Sygil-Dev/diffusers/logutil"
	"github.com/Sygil-Dev/diffusers/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

// Backend is the pure Go reference runtime. It executes every operation
// eagerly on the host and models device memory by counting the bytes of
// live tensor storage.
type Backend struct {
	params ml.BackendParams

	mu     sync.Mutex
	active uint64
	peak   uint64
}

// New creates a reference backend. The zero value of params selects
// float32 tensors, the contiguous layout and as many compute threads as
// there are CPUs.
func New(params ml.BackendParams) (ml.Backend, error) {
	if params.NumThreads <= 0 {
		params.NumThreads = runtime.NumCPU()
	}

	if params.Precision == ml.DTypeOther {
		params.Precision = ml.DTypeF32
	}

	slog.Debug("initializing cpu backend",
		"threads", params.NumThreads,
		"precision", params.Precision,
		"layout", params.Layout,
		"limit", params.MemoryLimit)

	return &Backend{params: params}, nil
}

func (b *Backend) Name() string { return "cpu" }

func (b *Backend) Device() ml.DeviceID {
	return ml.DeviceID{ID: "0", Library: "cpu"}
}

func (b *Backend) BackendMemory() ml.BackendMemory {
	b.mu.Lock()
	defer b.mu.Unlock()

	return ml.BackendMemory{
		DeviceID: b.Device(),
		Active:   b.active,
		Peak:     b.peak,
		Limit:    b.params.MemoryLimit,
	}
}

func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active != 0 {
		logutil.Trace("cpu backend closed with live allocations", "active", b.active)
	}

	b.active = 0
}

// alloc records size bytes of new tensor storage. It panics with
// ml.ErrNoMem when the configured limit would be exceeded, mirroring how
// device backends surface allocation failure.
func (b *Backend) alloc(size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.params.MemoryLimit != 0 && b.active+size > b.params.MemoryLimit {
		panic(ml.ErrNoMem{
			BackendMemory: ml.BackendMemory{
				DeviceID: b.Device(),
				Active:   b.active,
				Peak:     b.peak,
				Limit:    b.params.MemoryLimit,
			},
			Requested: size,
		})
	}

	b.active += size
	if b.active > b.peak {
		b.peak = b.active
	}
}

func (b *Backend) release(size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if size > b.active {
		b.active = 0
		return
	}

	b.active -= size
}

func (b *Backend) NewContext() ml.Context {
	return b.NewContextSize(0)
}

func (b *Backend) NewContextSize(size int) ml.Context {
	return &Context{backend: b, tensors: make([]*Tensor, 0, max(size, 8))}
}
