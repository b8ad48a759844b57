// Modul: memory_stub.go
// Beschreibung: Platzhalter fuer Plattformen ohne Speicher-Ermittlung.

//go:build !linux

package discover

import "errors"

var errUnsupported = errors.New("discover: system memory probe not supported on this platform")

func systemMemory() (Memory, error) {
	return Memory{}, errUnsupported
}
