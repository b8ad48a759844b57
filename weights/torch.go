// torch.go - Laden von Torch-Checkpoints
//
// Dieses Modul enthaelt:
// - Checkpoint und Entry als entpackte Sicht auf ein Statedict
// - Load ueber gopickle fuer .pth/.bin-Serialisierungen
// - Materialize und Install zur Uebergabe der Parameter an ein Backend
//
// Safetensors-Container laedt safetensors.go.

package weights

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/Sygil-Dev/diffusers/ml"
	"github.com/Sygil-Dev/diffusers/precision"
)

var ErrNotStateDict = errors.New("checkpoint does not contain a state dict")

// Entry is one named parameter of a checkpoint. Values are normalized to
// float32 regardless of the storage precision the file was written with;
// SourceDType records what that storage precision was.
type Entry struct {
	Name        string
	Shape       []int
	SourceDType ml.DType

	values []float32
}

// Values returns the parameter data in row-major order with the innermost
// axis last. The slice is backing storage, callers must not modify it.
func (e *Entry) Values() []float32 { return e.values }

// Elements returns the number of scalar elements in the entry.
func (e *Entry) Elements() int { return len(e.values) }

// Checkpoint is a loaded torch state dict. Entries keep the order they
// were written in.
type Checkpoint struct {
	path    string
	entries []*Entry
	byName  map[string]*Entry
}

// Load reads a checkpoint from path. Torch pickle serializations (legacy
// stream and zip container) and safetensors files are handled, picked by
// extension. Scalar entries and entries with non-float storage are skipped.
func Load(path string) (*Checkpoint, error) {
	var entries []*Entry
	var err error
	switch filepath.Ext(path) {
	case ".safetensors":
		entries, err = loadSafetensors(path)
	default:
		entries, err = loadTorch(path)
	}
	if err != nil {
		return nil, fmt.Errorf("weights: load %s: %w", path, err)
	}

	c := &Checkpoint{path: path, byName: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		c.entries = append(c.entries, e)
		c.byName[e.Name] = e
	}

	return c, nil
}

func loadTorch(path string) ([]*Entry, error) {
	m, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	dict, ok := m.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("%w (got %T)", ErrNotStateDict, m)
	}

	var entries []*Entry
	for _, k := range dict.Keys() {
		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("non-string key %v", k)
		}

		v := dict.MustGet(k)
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			slog.Warn("skipping non-tensor entry", "name", name, "type", fmt.Sprintf("%T", v))
			continue
		}
		if len(t.Size) == 0 {
			slog.Debug("skipping scalar entry", "name", name)
			continue
		}

		vals, dtype := storageValues(t.Source)
		if vals == nil {
			slog.Warn("skipping entry with unsupported storage", "name", name, "storage", fmt.Sprintf("%T", t.Source))
			continue
		}

		numel := 1
		for _, d := range t.Size {
			numel *= d
		}
		if numel > len(vals) {
			return nil, fmt.Errorf("entry %s needs %d elements, storage has %d", name, numel, len(vals))
		}

		entries = append(entries, &Entry{
			Name:        name,
			Shape:       slices.Clone(t.Size),
			SourceDType: dtype,
			values:      slices.Clone(vals[:numel]),
		})
	}

	return entries, nil
}

func storageValues(s pytorch.StorageInterface) ([]float32, ml.DType) {
	switch s := s.(type) {
	case *pytorch.FloatStorage:
		return s.Data, ml.DTypeF32
	case *pytorch.HalfStorage:
		return s.Data, ml.DTypeF16
	case *pytorch.BFloat16Storage:
		return s.Data, ml.DTypeBF16
	default:
		return nil, ml.DTypeOther
	}
}

// Path returns the file the checkpoint was loaded from.
func (c *Checkpoint) Path() string { return c.path }

// Len returns the number of usable entries.
func (c *Checkpoint) Len() int { return len(c.entries) }

// Names returns the entry names in checkpoint order.
func (c *Checkpoint) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	return names
}

// Get returns the entry with the given name.
func (c *Checkpoint) Get(name string) (*Entry, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// Parameters returns the total number of scalar elements across all
// entries.
func (c *Checkpoint) Parameters() int {
	var n int
	for _, e := range c.entries {
		n += e.Elements()
	}
	return n
}

func (c *Checkpoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("path", c.path),
		slog.Int("entries", len(c.entries)),
		slog.Int("parameters", c.Parameters()),
	)
}

// Materialize creates one backend tensor per entry on ctx, honoring the
// coordinator's precision and layout. Entries with four axes are stored in
// the coordinator's layout; their reported shape follows the storage order,
// so a [N,C,H,W] entry comes back as [N,H,W,C] under channels-last. All
// tensors are marked as graph outputs so later Compute calls keep them.
func (c *Checkpoint) Materialize(ctx ml.Context, coord *precision.Coordinator) (map[string]ml.Tensor, error) {
	dtype := ml.DTypeF32
	layout := ml.LayoutContiguous
	if coord != nil {
		dtype = coord.DType()
		layout = coord.Layout()
	}

	tensors := make(map[string]ml.Tensor, len(c.entries))
	for _, e := range c.entries {
		vals, shape := e.values, e.Shape
		if layout == ml.LayoutChannelsLast && len(shape) == 4 {
			var err error
			vals, shape, err = repackChannelsLast(vals, shape)
			if err != nil {
				return nil, fmt.Errorf("weights: repack %s: %w", e.Name, err)
			}
		}

		t := ctx.FromFloats(vals, shape...)
		if dtype != ml.DTypeF32 {
			t = t.Cast(ctx, dtype)
		}
		ctx.Forward(t)
		tensors[e.Name] = t
	}

	return tensors, nil
}

// Invalidator drops cached execution traces. Captured graphs hold the
// parameter tensors they were built against, so replacing parameters makes
// them stale.
type Invalidator interface {
	InvalidateTraces() int
}

// Install materializes the checkpoint and drops all cached traces so no
// replay keeps computing with the previous parameters.
func (c *Checkpoint) Install(ctx ml.Context, coord *precision.Coordinator, inv Invalidator) (map[string]ml.Tensor, error) {
	tensors, err := c.Materialize(ctx, coord)
	if err != nil {
		return nil, err
	}

	if inv != nil {
		dropped := inv.InvalidateTraces()
		slog.Info("checkpoint installed", "checkpoint", c, "traces_dropped", dropped)
	}

	return tensors, nil
}
