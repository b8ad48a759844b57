// device.go
// Dieses Modul enthaelt die Geraete-Identifikation und die Speicher-Typen
// fuer die Buchfuehrung ueber aktive und Spitzen-Allokationen eines Backends.
package ml

import (
	"fmt"
	"log/slog"

	"github.com/Sygil-Dev/diffusers/format"
)

// Minimal unique device identification
type DeviceID struct {
	// ID is an identifier for the device for matching with system
	// management libraries. The ID is only unique for other devices
	// using the same Library.
	ID string `json:"id"`

	// Library identifies which library is used for the device (e.g. cpu, CUDA, Metal)
	Library string `json:"backend,omitempty"`
}

func (d DeviceID) String() string {
	if d.Library == "" {
		return d.ID
	}

	return d.Library + ":" + d.ID
}

// BackendMemory is a snapshot of the allocation bookkeeping a backend
// maintains while tensors are created and released.
type BackendMemory struct {
	DeviceID

	// Active is the number of bytes currently allocated for live tensors.
	Active uint64 `json:"active"`

	// Peak is the high water mark of Active since the backend was created.
	Peak uint64 `json:"peak"`

	// Limit is the configured allocation ceiling, zero if unbounded.
	Limit uint64 `json:"limit,omitempty"`
}

func (m BackendMemory) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("device", m.DeviceID.String()),
		slog.String("active", format.HumanBytes2(m.Active)),
		slog.String("peak", format.HumanBytes2(m.Peak)),
	}

	if m.Limit != 0 {
		attrs = append(attrs, slog.String("limit", format.HumanBytes2(m.Limit)))
	}

	return slog.GroupValue(attrs...)
}

// ErrNoMem is returned when panicing due to insufficient memory. It includes
// the attempted memory allocation.
type ErrNoMem struct {
	BackendMemory

	// Requested is the size of the allocation that exceeded the limit.
	Requested uint64
}

func (e ErrNoMem) Error() string {
	return fmt.Sprintf("insufficient memory - requested %s with %s active of %s limit",
		format.HumanBytes2(e.Requested), format.HumanBytes2(e.Active), format.HumanBytes2(e.Limit))
}
