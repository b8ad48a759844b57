// backend.go - Backend-Interface und Registrierung fuer Tensor-Laufzeiten
// Dieses Modul definiert das Backend-Interface und die Backend-Factory-Funktionen.
package ml

import (
	"fmt"
)

// Backend represents a tensor execution backend (e.g., the reference CPU
// runtime). A backend owns its device memory bookkeeping; all tensor
// construction and computation happens through contexts it creates.
type Backend interface {
	// Close frees all memory associated with this backend
	Close()

	Name() string

	// Device identifies the device this backend executes on
	Device() DeviceID

	// BackendMemory returns a snapshot of the allocation bookkeeping
	BackendMemory() BackendMemory

	NewContext() Context
	NewContextSize(size int) Context
}

// BackendParams controls how a backend allocates and executes
type BackendParams struct {
	// NumThreads sets the number of threads to use if running on the CPU
	NumThreads int

	// Precision is the element type newly created floating point tensors
	// default to when no explicit dtype is requested
	Precision DType

	// Layout is the memory layout hint for image-like tensors. Backends
	// that have no layout-specific kernels may ignore it.
	Layout Layout

	// MemoryLimit caps the total bytes of live tensor allocations. An
	// allocation that would exceed the limit panics with ErrNoMem. Zero
	// means unbounded.
	MemoryLimit uint64
}

var backends = make(map[string]func(BackendParams) (Backend, error))

// RegisterBackend registers a backend factory function.
func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend creates a new backend instance by registered name.
func NewBackend(name string, params BackendParams) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}
