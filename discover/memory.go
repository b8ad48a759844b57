// Modul: memory.go
// Beschreibung: Ermittlung des Systemspeichers.
// Das Ergebnis dient als Byte-Budget fuer die automatische Wahl der
// Attention-Slice-Groesse.

package discover

import (
	"log/slog"

	"github.com/Sygil-Dev/diffusers/format"
)

// Memory beschreibt den Gesamt- und den verfuegbaren Hauptspeicher in Bytes.
type Memory struct {
	Total uint64
	Free  uint64
}

func (m Memory) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("total", format.HumanBytes2(m.Total)),
		slog.String("free", format.HumanBytes2(m.Free)),
	)
}

// SystemMemory liefert den Speicher des Hosts. Container-Limits (cgroups)
// ueberschreiben die Werte des Hosts, wenn sie enger sind.
func SystemMemory() (Memory, error) {
	return systemMemory()
}
