// tensor.go - Tensor-Implementierung des CPU-Backends
//
// Enthaelt:
// - Tensor-Struktur mit Shape, Strides und gemeinsam genutztem Speicher
// - Views (Permute, Slice, Reshape) ohne Kopie
// - Elementweise Operationen, Softmax, Aktivierungen und Formwechsel
//
// Alle Operationen werten sofort aus. Fliesskomma-Arithmetik laeuft in
// float32; Ergebnisse werden in den Element-Typ des Empfaengers kodiert.

package cpu

import (
	"fmt"
	"math"
	"slices"

	"github.com/Sygil-Dev/diffusers/ml"
)

type Tensor struct {
	backend *Backend
	dtype   ml.DType
	shape   []int
	strides []int // element strides, outermost first
	offset  int   // element offset into data
	data    []byte

	// base is the owning tensor when this tensor is a view
	base *Tensor

	kept  bool
	freed bool
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return strides
}

// newTensor allocates zeroed contiguous storage and records it with the
// backend bookkeeping.
func newTensor(b *Backend, dtype ml.DType, shape []int) *Tensor {
	if dtype.Size() == 0 {
		panic(fmt.Sprintf("cpu: tensor of dtype %s", dtype))
	}

	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("cpu: tensor shape %v", shape))
		}
		n *= d
	}

	size := uint64(n * dtype.Size())
	b.alloc(size)

	return &Tensor{
		backend: b,
		dtype:   dtype,
		shape:   slices.Clone(shape),
		strides: contiguousStrides(shape),
		data:    make([]byte, size),
	}
}

// view derives a tensor sharing this tensor's storage.
func (t *Tensor) view(ctx ml.Context, shape, strides []int, offset int) *Tensor {
	base := t.base
	if base == nil {
		base = t
	}

	v := &Tensor{
		backend: t.backend,
		dtype:   t.dtype,
		shape:   shape,
		strides: strides,
		offset:  offset,
		data:    t.data,
		base:    base,
	}

	return ctx.(*Context).track(v)
}

// release returns the tensor's storage to the backend bookkeeping. Views
// carry no storage of their own.
func (t *Tensor) release() {
	if t.freed {
		return
	}

	t.freed = true
	if t.base == nil {
		t.backend.release(uint64(len(t.data)))
	}
}

func (t *Tensor) Free() {
	t.kept = false
	t.release()
}

func (t *Tensor) elements() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}

	return n
}

func (t *Tensor) Dim(n int) int    { return t.shape[n] }
func (t *Tensor) Stride(n int) int { return t.strides[n] }
func (t *Tensor) Shape() []int     { return slices.Clone(t.shape) }
func (t *Tensor) DType() ml.DType  { return t.dtype }

func (t *Tensor) Device() ml.DeviceID { return t.backend.Device() }

// contiguousRun reports whether the elements lie in one dense run so that
// raw byte access can skip the gather path.
func (t *Tensor) contiguousRun() bool {
	return slices.Equal(t.strides, contiguousStrides(t.shape))
}

func (t *Tensor) Bytes() []byte {
	esize := t.dtype.Size()
	if t.contiguousRun() {
		return t.data[t.offset*esize : (t.offset+t.elements())*esize]
	}

	out := make([]byte, t.elements()*esize)
	i := 0
	t.each(func(src int) {
		copy(out[i*esize:], t.data[src*esize:(src+1)*esize])
		i++
	})

	return out
}

func (t *Tensor) Floats() []float32 {
	out := make([]float32, t.elements())
	i := 0
	t.each(func(src int) {
		out[i] = decodeFloat(t.dtype, t.data, src)
		i++
	})

	return out
}

func (t *Tensor) Ints() []int32 {
	out := make([]int32, t.elements())
	i := 0
	t.each(func(src int) {
		out[i] = decodeInt(t.dtype, t.data, src)
		i++
	})

	return out
}

// each invokes fn with the storage element index of every logical element
// in row-major order.
func (t *Tensor) each(fn func(src int)) {
	if len(t.shape) == 0 {
		fn(t.offset)
		return
	}

	coord := make([]int, len(t.shape))
	n := t.elements()
	for range n {
		src := t.offset
		for d, c := range coord {
			src += c * t.strides[d]
		}
		fn(src)

		for d := len(coord) - 1; d >= 0; d-- {
			coord[d]++
			if coord[d] < t.shape[d] {
				break
			}
			coord[d] = 0
		}
	}
}

func (t *Tensor) setFloats(s []float32) {
	for i, v := range s {
		encodeFloat(t.dtype, t.data, i, v)
	}
}

func (t *Tensor) setInts(s []int32) {
	for i, v := range s {
		encodeInt(t.dtype, t.data, i, v)
	}
}

// result allocates a tensor for an operation output and fills it from f32
// values computed by fn.
func (t *Tensor) result(ctx ml.Context, dtype ml.DType, shape []int, fn func(out []float32)) *Tensor {
	out := ctx.(*Context).track(newTensor(t.backend, dtype, shape))
	buf := make([]float32, out.elements())
	fn(buf)
	out.setFloats(buf)
	return out
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	if dtype == t.dtype {
		return t
	}

	return t.result(ctx, dtype, t.shape, func(out []float32) {
		copy(out, t.Floats())
	})
}

func (t *Tensor) Duplicate(ctx ml.Context) ml.Tensor {
	out := ctx.(*Context).track(newTensor(t.backend, t.dtype, t.shape))
	esize := t.dtype.Size()
	i := 0
	t.each(func(src int) {
		copy(out.data[i*esize:], t.data[src*esize:(src+1)*esize])
		i++
	})

	return out
}

// broadcastShape resolves the elementwise result shape. Axes must agree or
// be 1 on one side; ranks must match.
func broadcastShape(a, b []int) []int {
	if len(a) != len(b) {
		panic(fmt.Sprintf("cpu: rank mismatch %v and %v", a, b))
	}

	out := make([]int, len(a))
	for i := range a {
		switch {
		case a[i] == b[i], b[i] == 1:
			out[i] = a[i]
		case a[i] == 1:
			out[i] = b[i]
		default:
			panic(fmt.Sprintf("cpu: shapes %v and %v do not broadcast", a, b))
		}
	}

	return out
}

// gatherBroadcast decodes the tensor into the broadcast shape.
func (t *Tensor) gatherBroadcast(shape []int) []float32 {
	n := 1
	for _, d := range shape {
		n *= d
	}

	out := make([]float32, n)
	coord := make([]int, len(shape))
	for i := range n {
		src := t.offset
		for d, c := range coord {
			if t.shape[d] != 1 {
				src += c * t.strides[d]
			}
		}
		out[i] = decodeFloat(t.dtype, t.data, src)

		for d := len(coord) - 1; d >= 0; d-- {
			coord[d]++
			if coord[d] < shape[d] {
				break
			}
			coord[d] = 0
		}
	}

	return out
}

func (t *Tensor) binaryOp(ctx ml.Context, t2 ml.Tensor, fn func(a, b float32) float32) ml.Tensor {
	u := t2.(*Tensor)
	shape := broadcastShape(t.shape, u.shape)
	a := t.gatherBroadcast(shape)
	b := u.gatherBroadcast(shape)

	return t.result(ctx, t.dtype, shape, func(out []float32) {
		for i := range out {
			out[i] = fn(a[i], b[i])
		}
	})
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp(ctx, t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp(ctx, t2, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp(ctx, t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) unaryOp(ctx ml.Context, fn func(v float32) float32) ml.Tensor {
	in := t.Floats()
	return t.result(ctx, t.dtype, t.shape, func(out []float32) {
		for i, v := range in {
			out[i] = fn(v)
		}
	})
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unaryOp(ctx, func(v float32) float32 { return float32(float64(v) * s) })
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unaryOp(ctx, func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
	})
}

func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unaryOp(ctx, func(v float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(v))))
	})
}

// Softmax normalizes over the innermost axis with the usual max
// subtraction so large scores do not overflow.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	if len(t.shape) == 0 {
		panic("cpu: softmax of scalar")
	}

	in := t.Floats()
	width := t.shape[len(t.shape)-1]

	return t.result(ctx, t.dtype, t.shape, func(out []float32) {
		for row := 0; row < len(in); row += width {
			maxv := in[row]
			for _, v := range in[row : row+width] {
				if v > maxv {
					maxv = v
				}
			}

			var sum float64
			for i, v := range in[row : row+width] {
				e := math.Exp(float64(v - maxv))
				out[row+i] = float32(e)
				sum += e
			}

			for i := range width {
				out[row+i] = float32(float64(out[row+i]) / sum)
			}
		}
	})
}

func (t *Tensor) Mean(ctx ml.Context) ml.Tensor {
	in := t.Floats()
	return t.result(ctx, t.dtype, []int{1}, func(out []float32) {
		var sum float64
		for _, v := range in {
			sum += float64(v)
		}
		out[0] = float32(sum / float64(len(in)))
	})
}

func (t *Tensor) Variance(ctx ml.Context) ml.Tensor {
	in := t.Floats()
	return t.result(ctx, t.dtype, []int{1}, func(out []float32) {
		var sum float64
		for _, v := range in {
			sum += float64(v)
		}
		mean := sum / float64(len(in))

		var sq float64
		for _, v := range in {
			d := float64(v) - mean
			sq += d * d
		}
		out[0] = float32(sq / float64(len(in)))
	})
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != t.elements() {
		panic(fmt.Sprintf("cpu: reshape %v to %v", t.shape, shape))
	}

	if t.contiguousRun() {
		return t.view(ctx, slices.Clone(shape), contiguousStrides(shape), t.offset)
	}

	c := t.Contiguous(ctx).(*Tensor)
	return c.view(ctx, slices.Clone(shape), contiguousStrides(shape), c.offset)
}

func (t *Tensor) Permute(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) != len(t.shape) {
		panic(fmt.Sprintf("cpu: permute rank %d with %d axes", len(t.shape), len(shape)))
	}

	seen := make([]bool, len(shape))
	newShape := make([]int, len(shape))
	newStrides := make([]int, len(shape))
	for i, axis := range shape {
		if axis < 0 || axis >= len(t.shape) || seen[axis] {
			panic(fmt.Sprintf("cpu: permute axes %v", shape))
		}
		seen[axis] = true
		newShape[i] = t.shape[axis]
		newStrides[i] = t.strides[axis]
	}

	return t.view(ctx, newShape, newStrides, t.offset)
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	if t.base == nil && t.contiguousRun() && t.offset == 0 {
		return t
	}

	out := ctx.(*Context).track(newTensor(t.backend, t.dtype, t.shape))
	esize := t.dtype.Size()
	i := 0
	t.each(func(src int) {
		copy(out.data[i*esize:], t.data[src*esize:(src+1)*esize])
		i++
	})

	return out
}

func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Sprintf("cpu: slice dim %d of rank %d", dim, len(t.shape)))
	}
	if step <= 0 {
		panic(fmt.Sprintf("cpu: slice step %d", step))
	}
	if low < 0 || high > t.shape[dim] || low >= high {
		panic(fmt.Sprintf("cpu: slice [%d:%d) of dim %d with size %d", low, high, dim, t.shape[dim]))
	}

	shape := slices.Clone(t.shape)
	shape[dim] = (high - low + step - 1) / step
	strides := slices.Clone(t.strides)
	strides[dim] *= step

	return t.view(ctx, shape, strides, t.offset+low*t.strides[dim])
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := t2.(*Tensor)
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Sprintf("cpu: concat dim %d of rank %d", dim, len(t.shape)))
	}
	if len(u.shape) != len(t.shape) {
		panic(fmt.Sprintf("cpu: concat rank %d with %d", len(t.shape), len(u.shape)))
	}
	for d := range t.shape {
		if d != dim && t.shape[d] != u.shape[d] {
			panic(fmt.Sprintf("cpu: concat shapes %v and %v along dim %d", t.shape, u.shape, dim))
		}
	}

	if u.dtype != t.dtype {
		u = u.Cast(ctx, t.dtype).(*Tensor)
	}

	shape := slices.Clone(t.shape)
	shape[dim] += u.shape[dim]
	out := ctx.(*Context).track(newTensor(t.backend, t.dtype, shape))

	esize := t.dtype.Size()
	inner := 1
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}
	outer := 1
	for d := 0; d < dim; d++ {
		outer *= shape[d]
	}

	a, b := t.Bytes(), u.Bytes()
	blockA := t.shape[dim] * inner * esize
	blockB := u.shape[dim] * inner * esize
	for o := range outer {
		dst := out.data[o*(blockA+blockB):]
		copy(dst, a[o*blockA:(o+1)*blockA])
		copy(dst[blockA:], b[o*blockB:(o+1)*blockB])
	}

	return out
}
