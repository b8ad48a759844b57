// layout.go - Umordnung von Parametern in das Ziel-Layout
//
// Dieses Modul enthaelt:
// - repackChannelsLast fuer die NCHW nach NHWC Permutation beim Laden

package weights

import (
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/Sygil-Dev/diffusers/ml"
)

// repackChannelsLast rearranges a 4D parameter from the contiguous NCHW
// order into channels-last element order and returns the data together
// with the permuted shape. The input slice is left untouched.
func repackChannelsLast(vals []float32, shape []int) ([]float32, []int, error) {
	perm := ml.LayoutChannelsLast.Permutation()

	backing := make([]float32, len(vals))
	copy(backing, vals)

	n := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
	if err := n.T(perm[0], perm[1], perm[2], perm[3]); err != nil {
		return nil, nil, err
	}
	if err := n.Transpose(); err != nil {
		return nil, nil, err
	}

	outShape := make([]int, len(shape))
	copy(outShape, n.Shape())

	if err := n.Reshape(n.Shape().TotalSize()); err != nil {
		return nil, nil, err
	}
	out, err := native.VectorF32(n)
	if err != nil {
		return nil, nil, err
	}

	return out, outShape, nil
}
