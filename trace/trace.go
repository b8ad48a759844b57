// trace.go - Signaturen und Grundtypen des Trace-Caches
//
// Enthaelt:
// - TensorSpec und Signature fuer die Struktur-Identitaet eines Laufs
// - CaptureMode (strict, permissive) fuer wertabhaengige Verzweigungen
// - Sentinel-Fehler des Pakets
//
// Eine Signatur beschreibt die Eingabe-Struktur eines Forward-Laufs:
// Shapes, Element-Typen, Geraet sowie die aktiven Genauigkeits- und
// Layout-Modi. Laeufe mit gleicher Signatur durchlaufen dieselbe
// Operationsfolge und teilen sich einen aufgezeichneten Trace.

package trace

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/Sygil-Dev/diffusers/ml"
)

var (
	// ErrShapeMismatch is returned when a trace is replayed with inputs
	// whose structure differs from the recorded signature.
	ErrShapeMismatch = errors.New("trace: input structure differs from recorded signature")

	// ErrStaleTrace is returned when a trace is replayed after it has
	// been invalidated. Callers treat it as a forced cache miss.
	ErrStaleTrace = errors.New("trace: trace has been invalidated")

	// ErrValueDependentCapture is returned in strict mode when a builder
	// reads tensor values during capture. A trace recorded from such a
	// run would silently freeze one branch of the computation.
	ErrValueDependentCapture = errors.New("trace: builder read tensor values during capture")
)

// CaptureMode controls how a capture that reads tensor values is handled.
type CaptureMode int

const (
	// ModeStrict rejects value-dependent captures with
	// ErrValueDependentCapture.
	ModeStrict CaptureMode = iota

	// ModePermissive records the trace anyway and marks it as
	// value-dependent. Replays reproduce the branch taken during capture.
	ModePermissive
)

func (m CaptureMode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModePermissive:
		return "permissive"
	default:
		return "unknown"
	}
}

// ParseCaptureMode maps a mode name to its CaptureMode.
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return ModeStrict, nil
	case "permissive":
		return ModePermissive, nil
	default:
		return ModeStrict, fmt.Errorf("trace: unknown capture mode %q", s)
	}
}

// TensorSpec is the structural identity of one input tensor.
type TensorSpec struct {
	Shape  []int       `cbor:"shape"`
	DType  ml.DType    `cbor:"dtype"`
	Device ml.DeviceID `cbor:"device"`
}

func specOf(t ml.Tensor) TensorSpec {
	return TensorSpec{Shape: t.Shape(), DType: t.DType(), Device: t.Device()}
}

func (s TensorSpec) matches(t ml.Tensor) bool {
	shape := t.Shape()
	if len(shape) != len(s.Shape) {
		return false
	}
	for i := range shape {
		if shape[i] != s.Shape[i] {
			return false
		}
	}

	return t.DType() == s.DType && t.Device() == s.Device
}

func (s TensorSpec) String() string {
	dims := make([]string, len(s.Shape))
	for i, d := range s.Shape {
		dims[i] = fmt.Sprint(d)
	}

	return fmt.Sprintf("%s:%s@%s", strings.Join(dims, "x"), s.DType, s.Device)
}

// Signature identifies the structure of one forward run.
type Signature struct {
	Inputs []TensorSpec `cbor:"inputs"`

	// DType and Layout are the pipeline-wide precision and layout modes.
	// Two runs with identical input structure still trace differently
	// when these differ.
	DType  ml.DType  `cbor:"dtype"`
	Layout ml.Layout `cbor:"layout"`
}

// SignatureOf derives the signature of a run from its inputs and the
// active precision and layout.
func SignatureOf(dtype ml.DType, layout ml.Layout, inputs ...ml.Tensor) Signature {
	specs := make([]TensorSpec, len(inputs))
	for i, t := range inputs {
		specs[i] = specOf(t)
	}

	return Signature{Inputs: specs, DType: dtype, Layout: layout}
}

// String renders the canonical form the digest is computed over.
func (s Signature) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s", s.DType, s.Layout)
	for _, in := range s.Inputs {
		b.WriteString("|")
		b.WriteString(in.String())
	}

	return b.String()
}

// Digest returns the content address of the signature, in the same
// sha256-<hex> form used for blobs on disk.
func (s Signature) Digest() string {
	sum := sha256.Sum256([]byte(s.String()))
	return fmt.Sprintf("sha256-%x", sum)
}

func (s Signature) matches(inputs []ml.Tensor) error {
	if len(inputs) != len(s.Inputs) {
		return fmt.Errorf("%w: %d inputs, recorded %d", ErrShapeMismatch, len(inputs), len(s.Inputs))
	}

	for i, spec := range s.Inputs {
		if !spec.matches(inputs[i]) {
			return fmt.Errorf("%w: input %d is %s, recorded %s", ErrShapeMismatch, i, specOf(inputs[i]), spec)
		}
	}

	return nil
}

// Builder runs one real forward pass against the given context. The
// recorder passes wrapped inputs; everything derived from them through
// tensor operations is captured into the trace.
type Builder func(ctx ml.Context, inputs []ml.Tensor) ([]ml.Tensor, error)
