// context.go - Context und Tensor Interfaces fuer ML-Operationen
// Dieses Modul definiert die Schnittstellen fuer Tensor-Operationen und Compute-Kontexte.
package ml

// Context represents an execution context for tensor operations. Tensors
// created through a context are tracked by it: Compute releases every
// tracked intermediate that is not an output, and Close releases whatever
// is still tracked. Data of released tensors remains readable on the host
// in the reference backend, but the device accounting treats it as freed.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromBytes(dtype DType, s []byte, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// Arange creates a 1D tensor with values within an interval [start, stop)
	// increased by step.
	Arange(start, stop, step float32, dtype DType) Tensor

	// Forward marks tensors as graph outputs so that Compute keeps them
	// alive. It returns the receiver for chaining.
	Forward(...Tensor) Context

	// Compute materializes the given tensors and releases every tracked
	// intermediate created since the previous Compute that is neither an
	// argument nor marked via Forward.
	Compute(...Tensor)

	Backend() Backend
	Close()
}

// Tensor represents a multi-dimensional array with various operations.
//
// Shapes are reported outermost first: an attention operand has shape
// [batch, heads, sequence, headdim]. Softmax reduces over the innermost
// axis. Binary operations require operands of identical shape; Matmul
// multiplies the two innermost axes and requires all outer axes to match.
type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType
	Device() DeviceID

	Bytes() []byte
	Floats() []float32
	Ints() []int32

	// Free releases the tensor's allocation back to the backend
	// bookkeeping. The host copy stays readable in the reference backend.
	Free()

	Cast(ctx Context, dtype DType) Tensor

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor

	// Matmul computes the batched matrix product of t and t2: for operands
	// [..., m, k] and [..., k, n] the result is [..., m, n].
	Matmul(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	Scale(ctx Context, s float64) Tensor

	GELU(ctx Context) Tensor
	Sigmoid(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor

	// Permute reorders the axes of the tensor. The result is a view; call
	// Contiguous to materialize it.
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Slice returns a view of the half-open range [low, high) along dim
	// taking every step-th element.
	Slice(ctx Context, dim, low, high, step int) Tensor

	Duplicate(ctx Context) Tensor

	Mean(ctx Context) Tensor
	Variance(ctx Context) Tensor
}

// ScaledDotProductAttention implements a fused attention operation
// equivalent to the following on query, key and value tensors of shape
// [batch, heads, sequence, headdim]:
//
// scores := query.Matmul(ctx, key.Permute(ctx, 0, 1, 3, 2).Contiguous(ctx))
//
// scores = scores.Scale(ctx, scale)
//
//	if mask != nil {
//		scores = scores.Add(ctx, mask)
//	}
//
// scores = scores.Softmax(ctx)
//
// return scores.Matmul(ctx, value)
//
// Backends that can fuse these steps into a single kernel implement this
// interface on their tensor type.
type ScaledDotProductAttention interface {
	ScaledDotProductAttention(ctx Context, key, value, mask Tensor, scale float64) Tensor
}
