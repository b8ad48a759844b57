// store.go - Persistenz aufgezeichneter Traces
//
// Enthaelt:
// - DiskStore mit inhaltsadressierter Ablage unter blobs/sha256-<digest>
// - CBOR-Kodierung der Graphen
//
// Traces, die externe Tensoren referenzieren (etwa Gewichte), sind an
// Prozess-Identitaeten gebunden und werden nicht geschrieben.

package trace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrTraceNotFound is returned when the store holds no trace for a
	// signature.
	ErrTraceNotFound = errors.New("trace: not found in store")

	// ErrNotPersistable is returned for graphs that reference external
	// tensors and therefore cannot be written to disk.
	ErrNotPersistable = errors.New("trace: graph references external tensors")
)

// storeVersion guards the on-disk encoding. Files with a different
// version are ignored rather than misread.
const storeVersion = 1

type graphFile struct {
	Version        int           `cbor:"version"`
	Signature      Signature     `cbor:"signature"`
	Inputs         int           `cbor:"inputs"`
	Instructions   []instruction `cbor:"instructions"`
	Constants      []constant    `cbor:"constants"`
	Outputs        []int         `cbor:"outputs"`
	ValueDependent bool          `cbor:"value_dependent,omitempty"`
	Created        time.Time     `cbor:"created"`
}

// DiskStore persists traces below a root directory, one file per
// signature digest.
type DiskStore struct {
	dir string
}

// OpenStore opens a store rooted at the given directory, creating it if
// needed.
func OpenStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, errors.New("trace: empty store directory name")
	}

	info, err := os.Stat(dir)
	if err == nil && !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", dir)
	}

	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o777); err != nil {
		return nil, err
	}

	return &DiskStore{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *DiskStore) Dir() string { return s.dir }

func (s *DiskStore) file(sig Signature) string {
	return filepath.Join(s.dir, "blobs", sig.Digest())
}

// Save writes a graph to the store. The write goes through a temporary
// file in the same directory so a crash never leaves a torn trace.
func (s *DiskStore) Save(g *Graph) error {
	if g.hasExternals() {
		return ErrNotPersistable
	}

	data, err := cbor.Marshal(graphFile{
		Version:        storeVersion,
		Signature:      g.signature,
		Inputs:         g.inputs,
		Instructions:   g.instrs,
		Constants:      g.consts,
		Outputs:        g.outputs,
		ValueDependent: g.valueDependent,
		Created:        g.created,
	})
	if err != nil {
		return fmt.Errorf("trace: encoding graph: %w", err)
	}

	f, err := os.CreateTemp(filepath.Join(s.dir, "blobs"), "trace-")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), s.file(g.signature))
}

// Load reads the graph stored for the signature.
func (s *DiskStore) Load(sig Signature) (*Graph, error) {
	data, err := os.ReadFile(s.file(sig))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTraceNotFound
		}
		return nil, err
	}

	var gf graphFile
	if err := cbor.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("trace: decoding graph: %w", err)
	}

	if gf.Version != storeVersion {
		return nil, fmt.Errorf("trace: store version %d, expected %d", gf.Version, storeVersion)
	}

	return &Graph{
		signature:      gf.Signature,
		inputs:         gf.Inputs,
		instrs:         gf.Instructions,
		consts:         gf.Constants,
		outputs:        gf.Outputs,
		valueDependent: gf.ValueDependent,
		created:        gf.Created,
	}, nil
}

// Remove deletes the stored trace for a signature if present.
func (s *DiskStore) Remove(sig Signature) error {
	err := os.Remove(s.file(sig))
	if os.IsNotExist(err) {
		return nil
	}

	return err
}

// List returns the digests of all stored traces.
func (s *DiskStore) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "blobs"))
	if err != nil {
		return nil, err
	}

	var digests []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "sha256-") {
			continue
		}
		digests = append(digests, e.Name())
	}

	return digests, nil
}
