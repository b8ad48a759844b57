// report.go - Persistierung von Benchmark-Ergebnissen
//
// Dieses Modul enthaelt:
// - WriteJSON fuer einzelne Ergebnisse
// - SaveReports fuer die nebenlaeufige Ablage mehrerer Ergebnisse

package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// WriteJSON writes the result as indented JSON.
func (r *Result) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// SaveReports writes one JSON report per result into dir, named by run ID.
// The files are written concurrently; the first error aborts the rest.
func SaveReports(dir string, results ...*Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var g errgroup.Group
	for _, r := range results {
		g.Go(func() error {
			path := filepath.Join(dir, fmt.Sprintf("bench-%s.json", r.ID))

			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()

			return r.WriteJSON(f)
		})
	}

	return g.Wait()
}
