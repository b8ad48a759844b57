// record.go - Aufzeichnung eines Forward-Laufs
//
// Enthaelt:
// - Capture, das einen Builder einmal real ausfuehrt und mitschreibt
// - recordContext und recordTensor als aufzeichnende Huellen
//
// Die Huellen reichen jede Operation an das echte Backend durch und
// haengen sie zugleich als Instruktion an den Trace an. Tensoren, die
// von ausserhalb des Laufs stammen (etwa Gewichte), werden per Identitaet
// referenziert. Liest der Builder Tensor-WERTE, wird das vermerkt: eine
// davon abhaengige Verzweigung wuerde im Trace eingefroren.

package trace

import (
	"errors"
	"time"

	"github.com/Sygil-Dev/diffusers/ml"
)

// Capture runs the builder once against the real backend context and
// records every tensor operation. It returns the recorded graph and the
// real outputs of the run, already materialized through mctx.Compute.
func Capture(mctx ml.Context, mode CaptureMode, sig Signature, inputs []ml.Tensor, builder Builder) (*Graph, []ml.Tensor, error) {
	rec := &recorder{
		realCtx:  mctx,
		extValue: make(map[ml.Tensor]int),
		next:     len(inputs),
	}

	wrapped := make([]ml.Tensor, len(inputs))
	for i, t := range inputs {
		wrapped[i] = &recordTensor{real: t, rec: rec, index: i}
	}

	mctx.Forward(inputs...)

	outs, err := builder(&recordContext{real: mctx, rec: rec}, wrapped)
	if err != nil {
		return nil, nil, err
	}
	if len(outs) == 0 {
		return nil, nil, errors.New("trace: builder returned no outputs")
	}

	if rec.valueRead && mode == ModeStrict {
		return nil, nil, ErrValueDependentCapture
	}

	outIdx := make([]int, len(outs))
	realOuts := make([]ml.Tensor, len(outs))
	for i, o := range outs {
		outIdx[i] = rec.resolve(o)
		realOuts[i] = unwrap(o)
	}

	g := &Graph{
		signature:      sig,
		inputs:         len(inputs),
		instrs:         rec.instrs,
		consts:         rec.consts,
		outputs:        outIdx,
		externals:      rec.externals,
		valueDependent: rec.valueRead,
		created:        time.Now(),
	}

	mctx.Compute(realOuts...)

	return g, realOuts, nil
}

type recorder struct {
	realCtx ml.Context

	instrs    []instruction
	consts    []constant
	externals []ml.Tensor

	// extValue maps an external tensor to the value index of its
	// opExternal instruction so repeated uses share one entry.
	extValue map[ml.Tensor]int

	next      int
	valueRead bool
}

// emit appends an instruction and wraps its real result as the next value.
func (r *recorder) emit(in instruction, real ml.Tensor) *recordTensor {
	r.instrs = append(r.instrs, in)
	t := &recordTensor{real: real, rec: r, index: r.next}
	r.next++
	return t
}

// emitConst records a tensor created during capture with its raw bytes.
func (r *recorder) emitConst(real ml.Tensor) *recordTensor {
	r.consts = append(r.consts, constant{
		DType: real.DType(),
		Shape: real.Shape(),
		Data:  real.Bytes(),
	})

	return r.emit(instruction{Op: opConst, A: -1, B: -1, Ints: []int{len(r.consts) - 1}}, real)
}

// resolve returns the value index of a tensor, registering tensors from
// outside the recording as externals.
func (r *recorder) resolve(t ml.Tensor) int {
	if rt, ok := t.(*recordTensor); ok && rt.rec == r {
		return rt.index
	}

	if idx, ok := r.extValue[t]; ok {
		return idx
	}

	r.externals = append(r.externals, t)
	idx := r.emit(instruction{Op: opExternal, A: -1, B: -1, Ints: []int{len(r.externals) - 1}}, t).index
	r.extValue[t] = idx
	return idx
}

func unwrap(t ml.Tensor) ml.Tensor {
	if rt, ok := t.(*recordTensor); ok {
		return rt.real
	}

	return t
}

type recordContext struct {
	real ml.Context
	rec  *recorder
}

func (c *recordContext) Backend() ml.Backend { return c.real.Backend() }

func (c *recordContext) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.rec.emitConst(c.real.Empty(dtype, shape...))
}

func (c *recordContext) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.rec.emitConst(c.real.Zeros(dtype, shape...))
}

func (c *recordContext) FromBytes(dtype ml.DType, s []byte, shape ...int) ml.Tensor {
	return c.rec.emitConst(c.real.FromBytes(dtype, s, shape...))
}

func (c *recordContext) FromFloats(s []float32, shape ...int) ml.Tensor {
	return c.rec.emitConst(c.real.FromFloats(s, shape...))
}

func (c *recordContext) FromInts(s []int32, shape ...int) ml.Tensor {
	return c.rec.emitConst(c.real.FromInts(s, shape...))
}

func (c *recordContext) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	return c.rec.emitConst(c.real.Arange(start, stop, step, dtype))
}

func (c *recordContext) Forward(tensors ...ml.Tensor) ml.Context {
	real := make([]ml.Tensor, len(tensors))
	for i, t := range tensors {
		real[i] = unwrap(t)
	}

	c.real.Forward(real...)
	return c
}

func (c *recordContext) Compute(tensors ...ml.Tensor) {
	real := make([]ml.Tensor, len(tensors))
	for i, t := range tensors {
		real[i] = unwrap(t)
	}

	c.real.Compute(real...)
}

func (c *recordContext) Close() {
	// The real context outlives the capture; nothing to release here.
}

// recordTensor forwards every operation to the wrapped tensor and records
// it with the capture.
type recordTensor struct {
	real  ml.Tensor
	rec   *recorder
	index int
}

func (t *recordTensor) Dim(n int) int       { return t.real.Dim(n) }
func (t *recordTensor) Stride(n int) int    { return t.real.Stride(n) }
func (t *recordTensor) Shape() []int        { return t.real.Shape() }
func (t *recordTensor) DType() ml.DType     { return t.real.DType() }
func (t *recordTensor) Device() ml.DeviceID { return t.real.Device() }

func (t *recordTensor) Bytes() []byte {
	t.rec.valueRead = true
	return t.real.Bytes()
}

func (t *recordTensor) Floats() []float32 {
	t.rec.valueRead = true
	return t.real.Floats()
}

func (t *recordTensor) Ints() []int32 {
	t.rec.valueRead = true
	return t.real.Ints()
}

func (t *recordTensor) Free() { t.real.Free() }

func (t *recordTensor) binary(op opCode, t2 ml.Tensor, dim int, real ml.Tensor) ml.Tensor {
	b := t.rec.resolve(t2)
	return t.rec.emit(instruction{Op: op, A: t.index, B: b, Ints: intsFor(op, dim)}, real)
}

func intsFor(op opCode, dim int) []int {
	if op == opConcat {
		return []int{dim}
	}

	return nil
}

func (t *recordTensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(opAdd, t2, 0, t.real.Add(t.rec.realCtx, unwrap(t2)))
}

func (t *recordTensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(opSub, t2, 0, t.real.Sub(t.rec.realCtx, unwrap(t2)))
}

func (t *recordTensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(opMul, t2, 0, t.real.Mul(t.rec.realCtx, unwrap(t2)))
}

func (t *recordTensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(opMatmul, t2, 0, t.real.Matmul(t.rec.realCtx, unwrap(t2)))
}

func (t *recordTensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	return t.binary(opConcat, t2, dim, t.real.Concat(t.rec.realCtx, unwrap(t2), dim))
}

func (t *recordTensor) unary(op opCode, in instruction, real ml.Tensor) ml.Tensor {
	in.Op = op
	in.A = t.index
	in.B = -1
	return t.rec.emit(in, real)
}

func (t *recordTensor) Softmax(ctx ml.Context) ml.Tensor {
	return t.unary(opSoftmax, instruction{}, t.real.Softmax(t.rec.realCtx))
}

func (t *recordTensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(opScale, instruction{F: s}, t.real.Scale(t.rec.realCtx, s))
}

func (t *recordTensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(opGELU, instruction{}, t.real.GELU(t.rec.realCtx))
}

func (t *recordTensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unary(opSigmoid, instruction{}, t.real.Sigmoid(t.rec.realCtx))
}

func (t *recordTensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	return t.unary(opReshape, instruction{Ints: shape}, t.real.Reshape(t.rec.realCtx, shape...))
}

func (t *recordTensor) Permute(ctx ml.Context, shape ...int) ml.Tensor {
	return t.unary(opPermute, instruction{Ints: shape}, t.real.Permute(t.rec.realCtx, shape...))
}

func (t *recordTensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t.unary(opContiguous, instruction{}, t.real.Contiguous(t.rec.realCtx))
}

func (t *recordTensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	return t.unary(opSlice, instruction{Ints: []int{dim, low, high, step}}, t.real.Slice(t.rec.realCtx, dim, low, high, step))
}

func (t *recordTensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	return t.unary(opCast, instruction{DT: dtype}, t.real.Cast(t.rec.realCtx, dtype))
}

func (t *recordTensor) Duplicate(ctx ml.Context) ml.Tensor {
	return t.unary(opDuplicate, instruction{}, t.real.Duplicate(t.rec.realCtx))
}

func (t *recordTensor) Mean(ctx ml.Context) ml.Tensor {
	return t.unary(opMean, instruction{}, t.real.Mean(t.rec.realCtx))
}

func (t *recordTensor) Variance(ctx ml.Context) ml.Tensor {
	return t.unary(opVariance, instruction{}, t.real.Variance(t.rec.realCtx))
}
