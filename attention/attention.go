// attention.go - Attention-Engine mit Head-Slicing
//
// Enthaelt:
// - AttentionRequest Validierung
// - Aufteilung der Koepfe in zusammenhaengende Gruppen
// - Sequentielle Scaled-Dot-Product-Attention je Gruppe
// - Zusammensetzen der Gruppen-Ausgaben entlang der Kopf-Achse
//
// Der Speicherbedarf der Score-Matrizen waechst mit der Gruppengroesse,
// nicht mit der Gesamtzahl der Koepfe. Kleinere Gruppen tauschen
// Durchsatz gegen Spitzen-Speicher.

package attention

import (
	"errors"
	"fmt"
	"math"

	"github.com/Sygil-Dev/diffusers/ml"
)

var (
	// ErrInvalidSliceSize is returned for slice sizes below 1.
	ErrInvalidSliceSize = errors.New("attention: slice size must be at least 1")

	// ErrInvalidRequest is returned when the request tensors are missing
	// or their shapes do not describe a batched multi-head attention.
	ErrInvalidRequest = errors.New("attention: invalid request")
)

// Request describes one multi-head attention computation. Queries, Keys
// and Values carry the shape [batch, heads, sequence, headdim]. Mask is
// optional; it is added to the scaled scores and must have head dimension
// 1 (broadcast) or Heads (sliced alongside the queries).
type Request struct {
	Queries ml.Tensor
	Keys    ml.Tensor
	Values  ml.Tensor
	Mask    ml.Tensor

	// Heads is the expected head count. It must match the head axis of
	// the query tensor.
	Heads int

	// SliceSize is the maximum number of heads computed per group. The
	// value 0 is invalid; callers resolve presets through ResolveSliceSize.
	SliceSize int

	// Scale overrides the score scaling factor. Zero selects the usual
	// 1/sqrt(headdim).
	Scale float64
}

func (r Request) validate() error {
	if r.Queries == nil || r.Keys == nil || r.Values == nil {
		return fmt.Errorf("%w: missing query, key or value tensor", ErrInvalidRequest)
	}

	for _, t := range []ml.Tensor{r.Queries, r.Keys, r.Values} {
		if len(t.Shape()) != 4 {
			return fmt.Errorf("%w: operand shape %v, expected [batch, heads, sequence, headdim]", ErrInvalidRequest, t.Shape())
		}
	}

	q, k, v := r.Queries, r.Keys, r.Values
	if r.Heads <= 0 || q.Dim(1) != r.Heads {
		return fmt.Errorf("%w: request names %d heads, query has %d", ErrInvalidRequest, r.Heads, q.Dim(1))
	}

	if k.Dim(0) != q.Dim(0) || v.Dim(0) != q.Dim(0) {
		return fmt.Errorf("%w: batch sizes %d/%d/%d differ", ErrInvalidRequest, q.Dim(0), k.Dim(0), v.Dim(0))
	}
	if k.Dim(1) != r.Heads || v.Dim(1) != r.Heads {
		return fmt.Errorf("%w: key/value head counts %d/%d differ from %d", ErrInvalidRequest, k.Dim(1), v.Dim(1), r.Heads)
	}
	if k.Dim(2) != v.Dim(2) {
		return fmt.Errorf("%w: key sequence %d differs from value sequence %d", ErrInvalidRequest, k.Dim(2), v.Dim(2))
	}
	if k.Dim(3) != q.Dim(3) {
		return fmt.Errorf("%w: key head dim %d differs from query head dim %d", ErrInvalidRequest, k.Dim(3), q.Dim(3))
	}

	if m := r.Mask; m != nil {
		if len(m.Shape()) != 4 {
			return fmt.Errorf("%w: mask shape %v, expected rank 4", ErrInvalidRequest, m.Shape())
		}
		if m.Dim(1) != 1 && m.Dim(1) != r.Heads {
			return fmt.Errorf("%w: mask head dim %d, expected 1 or %d", ErrInvalidRequest, m.Dim(1), r.Heads)
		}
		if m.Dim(2) != q.Dim(2) || m.Dim(3) != k.Dim(2) {
			return fmt.Errorf("%w: mask shape %v does not cover %dx%d scores", ErrInvalidRequest, m.Shape(), q.Dim(2), k.Dim(2))
		}
	}

	return nil
}

// Sliced computes multi-head attention in head groups of at most
// req.SliceSize heads. Group outputs are identical to the unsliced
// computation and are joined along the head axis in group order.
//
// Request tensors are preserved; intermediates of each group are released
// through ctx.Compute once the group output is materialized.
func Sliced(ctx ml.Context, req Request) (out ml.Tensor, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.SliceSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSliceSize, req.SliceSize)
	}

	// A slice size beyond the head count degenerates to one group.
	sliceSize := min(req.SliceSize, req.Heads)

	scale := req.Scale
	if scale == 0 {
		scale = 1 / math.Sqrt(float64(req.Queries.Dim(3)))
	}

	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				var noMem ml.ErrNoMem
				if errors.As(rerr, &noMem) {
					out, err = nil, noMem
					return
				}
			}
			panic(r)
		}
	}()

	ctx.Forward(req.Queries, req.Keys, req.Values)
	if req.Mask != nil {
		ctx.Forward(req.Mask)
	}

	groups := make([]ml.Tensor, 0, Groups(req.Heads, sliceSize))
	for lo := 0; lo < req.Heads; lo += sliceSize {
		hi := min(lo+sliceSize, req.Heads)

		q := req.Queries.Slice(ctx, 1, lo, hi, 1)
		k := req.Keys.Slice(ctx, 1, lo, hi, 1)
		v := req.Values.Slice(ctx, 1, lo, hi, 1)

		var mask ml.Tensor
		if req.Mask != nil {
			mask = req.Mask
			if mask.Dim(1) == req.Heads {
				mask = mask.Slice(ctx, 1, lo, hi, 1)
			}
		}

		g := sdpa(ctx, q, k, v, mask, scale)
		ctx.Compute(g)
		groups = append(groups, g)
	}

	out = groups[0]
	for _, g := range groups[1:] {
		out = out.Concat(ctx, g, 1)
	}

	ctx.Compute(out)
	for _, g := range groups {
		if g != out {
			g.Free()
		}
	}

	return out, nil
}

// sdpa runs one scaled dot-product attention over a head group. Backends
// with a fused kernel are used directly; otherwise the computation is
// spelled out against the tensor interface.
func sdpa(ctx ml.Context, q, k, v, mask ml.Tensor, scale float64) ml.Tensor {
	if fused, ok := q.(ml.ScaledDotProductAttention); ok {
		return fused.ScaledDotProductAttention(ctx, k, v, mask, scale)
	}

	scores := q.Matmul(ctx, k.Permute(ctx, 0, 1, 3, 2).Contiguous(ctx))
	scores = scores.Scale(ctx, scale)

	if mask != nil {
		scores = scores.Add(ctx, mask)
	}

	scores = scores.Softmax(ctx)

	return scores.Matmul(ctx, v)
}
