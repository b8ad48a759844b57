// graph.go - Aufgezeichnete Operationsfolge und Replay
//
// Enthaelt:
// - Den Befehlssatz der aufgezeichneten Tensor-Operationen
// - Graph als Instruktionsliste ueber einer Werte-Tabelle
// - Replay, das die Instruktionen gegen ein Backend interpretiert
//
// Werte-Tabelle: die ersten Eintraege sind die Eingaben des Laufs, jede
// Instruktion haengt genau ein Ergebnis an. Konstanten, die der Builder
// waehrend der Aufzeichnung erzeugt hat, werden mit ihren Rohdaten
// gespeichert und beim Replay wiederhergestellt.

package trace

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Sygil-Dev/diffusers/ml"
)

type opCode uint8

const (
	opConst opCode = iota
	opExternal
	opAdd
	opSub
	opMul
	opMatmul
	opSoftmax
	opScale
	opGELU
	opSigmoid
	opReshape
	opPermute
	opContiguous
	opConcat
	opSlice
	opCast
	opDuplicate
	opMean
	opVariance
)

var opNames = map[opCode]string{
	opConst:      "const",
	opExternal:   "external",
	opAdd:        "add",
	opSub:        "sub",
	opMul:        "mul",
	opMatmul:     "matmul",
	opSoftmax:    "softmax",
	opScale:      "scale",
	opGELU:       "gelu",
	opSigmoid:    "sigmoid",
	opReshape:    "reshape",
	opPermute:    "permute",
	opContiguous: "contiguous",
	opConcat:     "concat",
	opSlice:      "slice",
	opCast:       "cast",
	opDuplicate:  "duplicate",
	opMean:       "mean",
	opVariance:   "variance",
}

func (op opCode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}

	return fmt.Sprintf("op(%d)", uint8(op))
}

// instruction is one recorded operation. A and B index the value table;
// B is -1 for unary operations. Ints carries shape, axis or slice
// parameters depending on the operation.
type instruction struct {
	Op   opCode   `cbor:"op"`
	A    int      `cbor:"a"`
	B    int      `cbor:"b"`
	Ints []int    `cbor:"ints,omitempty"`
	F    float64  `cbor:"f,omitempty"`
	DT   ml.DType `cbor:"dt,omitempty"`
}

// constant is a tensor the builder created during capture, stored with
// its raw element bytes.
type constant struct {
	DType ml.DType `cbor:"dtype"`
	Shape []int    `cbor:"shape"`
	Data  []byte   `cbor:"data"`
}

// Graph is one recorded execution trace. It is immutable after capture
// except for the invalidation flag; replaying from multiple goroutines
// is safe.
type Graph struct {
	signature Signature
	inputs    int
	instrs    []instruction
	consts    []constant
	outputs   []int

	// externals are tensors the builder captured from outside the
	// recording context, typically model weights. They are referenced by
	// identity and keep the graph from being persisted.
	externals []ml.Tensor

	valueDependent bool
	created        time.Time

	stale   atomic.Bool
	replays atomic.Uint64
}

// Signature returns the input structure the graph was recorded for.
func (g *Graph) Signature() Signature { return g.signature }

// Ops returns the number of recorded instructions.
func (g *Graph) Ops() int { return len(g.instrs) }

// ValueDependent reports whether the builder read tensor values during
// capture. Such a trace replays the branch taken at record time.
func (g *Graph) ValueDependent() bool { return g.valueDependent }

// Created returns the capture time.
func (g *Graph) Created() time.Time { return g.created }

// Replays returns how often the graph has been replayed.
func (g *Graph) Replays() uint64 { return g.replays.Load() }

// Stale reports whether the graph has been invalidated.
func (g *Graph) Stale() bool { return g.stale.Load() }

func (g *Graph) invalidate() { g.stale.Store(true) }

// hasExternals reports whether the graph references tensors outside the
// value table. Such graphs cannot be written to disk.
func (g *Graph) hasExternals() bool { return len(g.externals) > 0 }

// Replay interprets the recorded instructions against the backend behind
// ctx. Inputs must match the recorded signature; the outputs are
// materialized through ctx.Compute before returning.
func (g *Graph) Replay(ctx ml.Context, inputs []ml.Tensor) ([]ml.Tensor, error) {
	if g.stale.Load() {
		return nil, ErrStaleTrace
	}

	if err := g.signature.matches(inputs); err != nil {
		return nil, err
	}

	ctx.Forward(inputs...)

	values := make([]ml.Tensor, 0, g.inputs+len(g.instrs))
	values = append(values, inputs...)

	for _, in := range g.instrs {
		v, err := g.step(ctx, values, in)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	outs := make([]ml.Tensor, len(g.outputs))
	for i, idx := range g.outputs {
		outs[i] = values[idx]
	}

	ctx.Compute(outs...)
	g.replays.Add(1)

	return outs, nil
}

func (g *Graph) step(ctx ml.Context, values []ml.Tensor, in instruction) (ml.Tensor, error) {
	arg := func(idx int) (ml.Tensor, error) {
		if idx < 0 || idx >= len(values) {
			return nil, fmt.Errorf("trace: instruction %s references value %d of %d", in.Op, idx, len(values))
		}
		return values[idx], nil
	}

	switch in.Op {
	case opConst:
		c := g.consts[in.Ints[0]]
		return ctx.FromBytes(c.DType, c.Data, c.Shape...), nil

	case opExternal:
		return g.externals[in.Ints[0]], nil
	}

	a, err := arg(in.A)
	if err != nil {
		return nil, err
	}

	switch in.Op {
	case opAdd, opSub, opMul, opMatmul, opConcat:
		b, err := arg(in.B)
		if err != nil {
			return nil, err
		}

		switch in.Op {
		case opAdd:
			return a.Add(ctx, b), nil
		case opSub:
			return a.Sub(ctx, b), nil
		case opMul:
			return a.Mul(ctx, b), nil
		case opMatmul:
			return a.Matmul(ctx, b), nil
		default:
			return a.Concat(ctx, b, in.Ints[0]), nil
		}

	case opSoftmax:
		return a.Softmax(ctx), nil
	case opScale:
		return a.Scale(ctx, in.F), nil
	case opGELU:
		return a.GELU(ctx), nil
	case opSigmoid:
		return a.Sigmoid(ctx), nil
	case opReshape:
		return a.Reshape(ctx, in.Ints...), nil
	case opPermute:
		return a.Permute(ctx, in.Ints...), nil
	case opContiguous:
		return a.Contiguous(ctx), nil
	case opSlice:
		return a.Slice(ctx, in.Ints[0], in.Ints[1], in.Ints[2], in.Ints[3]), nil
	case opCast:
		return a.Cast(ctx, in.DT), nil
	case opDuplicate:
		return a.Duplicate(ctx), nil
	case opMean:
		return a.Mean(ctx), nil
	case opVariance:
		return a.Variance(ctx), nil
	default:
		return nil, fmt.Errorf("trace: unknown instruction %d", in.Op)
	}
}
