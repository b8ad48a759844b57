// precision.go - Koordination von Rechengenauigkeit und Speicher-Layout
//
// Enthaelt:
// - Modus-Typen fuer Genauigkeit (full, reduced, bfloat16) und Layout
// - Aufloesung der Modi in konkrete Element-Typen und Layout-Deskriptoren
// - Coordinator als instanzgebundener Traeger der aktiven Modi

package precision

import (
	"errors"
	"fmt"

	"github.com/Sygil-Dev/diffusers/ml"
)

// Mode names the floating point width the pipeline computes with. The
// default full mode keeps float32 everywhere; reduced halves storage and
// bandwidth at the cost of precision.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeReduced  Mode = "reduced"
	ModeBFloat16 Mode = "bfloat16"
)

// LayoutMode names the memory layout image-like tensors are stored in.
type LayoutMode string

const (
	LayoutDefault      LayoutMode = "default"
	LayoutChannelsLast LayoutMode = "channels-last"
)

var (
	ErrUnknownMode   = errors.New("unknown precision mode")
	ErrUnknownLayout = errors.New("unknown layout mode")
)

// SelectDType resolves a precision mode to the element type tensors are
// stored with.
func SelectDType(mode Mode) (ml.DType, error) {
	switch mode {
	case ModeFull, "":
		return ml.DTypeF32, nil
	case ModeReduced:
		return ml.DTypeF16, nil
	case ModeBFloat16:
		return ml.DTypeBF16, nil
	default:
		return ml.DTypeOther, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// SelectLayout resolves a layout mode to the layout descriptor consumed by
// backends and the weight loader. The channels-last descriptor carries the
// axis permutation that moves the channel axis innermost.
func SelectLayout(mode LayoutMode) (ml.Layout, error) {
	switch mode {
	case LayoutDefault, "":
		return ml.LayoutContiguous, nil
	case LayoutChannelsLast:
		return ml.LayoutChannelsLast, nil
	default:
		return ml.LayoutContiguous, fmt.Errorf("%w: %q", ErrUnknownLayout, mode)
	}
}

// Coordinator holds the precision and layout decision for one pipeline
// instance. Components read the resolved dtype and layout from it instead
// of consulting process-wide state, so two pipelines in the same process
// can run with different settings.
type Coordinator struct {
	mode   Mode
	layout LayoutMode
}

// NewCoordinator validates both modes and resolves them once.
func NewCoordinator(mode Mode, layout LayoutMode) (*Coordinator, error) {
	if _, err := SelectDType(mode); err != nil {
		return nil, err
	}
	if _, err := SelectLayout(layout); err != nil {
		return nil, err
	}

	if mode == "" {
		mode = ModeFull
	}
	if layout == "" {
		layout = LayoutDefault
	}

	return &Coordinator{mode: mode, layout: layout}, nil
}

// Mode returns the active precision mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// LayoutMode returns the active layout mode.
func (c *Coordinator) LayoutMode() LayoutMode { return c.layout }

// DType returns the element type the active precision mode resolves to.
func (c *Coordinator) DType() ml.DType {
	dt, _ := SelectDType(c.mode)
	return dt
}

// Layout returns the layout descriptor the active layout mode resolves to.
func (c *Coordinator) Layout() ml.Layout {
	l, _ := SelectLayout(c.layout)
	return l
}

func (c *Coordinator) String() string {
	return fmt.Sprintf("%s/%s", c.mode, c.layout)
}
