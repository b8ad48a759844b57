// weights.go - Parameterwechsel ueber die Pipeline
//
// Dieses Modul enthaelt:
// - LoadWeights zum Laden und Installieren eines Checkpoints

package pipeline

import (
	"fmt"

	"github.com/Sygil-Dev/diffusers/ml"
	"github.com/Sygil-Dev/diffusers/weights"
)

// LoadWeights reads the checkpoint at path and installs its parameters as
// tensors on ctx, honoring the active precision and layout modes. All
// cached traces are dropped afterwards, replaying against the previous
// parameters would silently compute with stale constants.
func (p *Pipeline) LoadWeights(ctx ml.Context, path string) (map[string]ml.Tensor, error) {
	ckpt, err := weights.Load(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	tensors, err := ckpt.Install(ctx, p.Coordinator(), p)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return tensors, nil
}
