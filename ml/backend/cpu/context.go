// context.go - Compute-Kontext des CPU-Backends
//
// Enthaelt:
// - Tensor-Konstruktion (Empty, Zeros, FromBytes, FromFloats, FromInts, Arange)
// - Lifecycle: Forward markiert Ausgaben, Compute raeumt Zwischenwerte ab
// - Close gibt alle noch verwalteten Tensoren frei

package cpu

import (
	"fmt"

	"github.com/Sygil-Dev/diffusers/ml"
)

// Context tracks every tensor allocated through it. Compute releases the
// tracked intermediates that were not marked as outputs, mirroring how a
// lazy device runtime frees graph temporaries after evaluation.
type Context struct {
	backend *Backend
	tensors []*Tensor
	closed  bool
}

func (c *Context) Backend() ml.Backend { return c.backend }

// track registers a freshly allocated tensor with the context.
func (c *Context) track(t *Tensor) *Tensor {
	if c.closed {
		panic("cpu: use of closed context")
	}

	c.tensors = append(c.tensors, t)
	return t
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.track(newTensor(c.backend, dtype, shape))
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	// newTensor zero-fills by construction
	return c.track(newTensor(c.backend, dtype, shape))
}

func (c *Context) FromBytes(dtype ml.DType, s []byte, shape ...int) ml.Tensor {
	t := newTensor(c.backend, dtype, shape)
	if len(s) != len(t.data) {
		panic(fmt.Sprintf("cpu: data size %d does not match shape %v with dtype %s", len(s), shape, dtype))
	}

	copy(t.data, s)
	return c.track(t)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(c.backend, c.floatDType(), shape)
	if len(s) != t.elements() {
		panic(fmt.Sprintf("cpu: %d values do not match shape %v", len(s), shape))
	}

	t.setFloats(s)
	return c.track(t)
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(c.backend, ml.DTypeI32, shape)
	if len(s) != t.elements() {
		panic(fmt.Sprintf("cpu: %d values do not match shape %v", len(s), shape))
	}

	t.setInts(s)
	return c.track(t)
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	if step == 0 {
		panic("cpu: arange step must be non-zero")
	}

	var values []float32
	for v := start; v < stop; v += step {
		values = append(values, v)
	}

	t := newTensor(c.backend, dtype, []int{len(values)})
	switch dtype {
	case ml.DTypeI32:
		ints := make([]int32, len(values))
		for i, v := range values {
			ints[i] = int32(v)
		}
		t.setInts(ints)
	default:
		t.setFloats(values)
	}

	return c.track(t)
}

// floatDType resolves the dtype used for tensors created from float data,
// honoring the backend's configured precision.
func (c *Context) floatDType() ml.DType {
	if dt := c.backend.params.Precision; dt != ml.DTypeOther {
		return dt
	}

	return ml.DTypeF32
}

func (c *Context) Forward(tensors ...ml.Tensor) ml.Context {
	for _, t := range tensors {
		if t, ok := t.(*Tensor); ok {
			t.kept = true
		}
	}

	return c
}

// Compute materializes the outputs and releases all non-kept intermediates
// created since the previous Compute.
func (c *Context) Compute(tensors ...ml.Tensor) {
	for _, t := range tensors {
		if t, ok := t.(*Tensor); ok {
			t.kept = true
		}
	}

	c.cleanup()
}

// cleanup frees non-kept tensors and compacts the live tensor list.
func (c *Context) cleanup() {
	n := 0
	for _, t := range c.tensors {
		if t.kept {
			c.tensors[n] = t
			n++
		} else {
			t.release()
		}
	}

	c.tensors = c.tensors[:n]
}

func (c *Context) Close() {
	if c.closed {
		return
	}

	for _, t := range c.tensors {
		t.release()
	}

	c.tensors = nil
	c.closed = true
}
