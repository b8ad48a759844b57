// gemm.go - Matrixmultiplikation des CPU-Backends
//
// Enthaelt:
// - Batched Matmul ueber die beiden innersten Achsen
// - BLAS-Aufrufe pro Batch, parallelisiert ueber die Batch-Achse

package cpu

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/Sygil-Dev/diffusers/ml"
)

// Matmul computes the batched product over the two innermost axes. Both
// operands are decoded to float32, multiplied at full precision and the
// result is encoded back into the receiver's element type.
func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)
	rank := len(t.shape)
	if rank < 2 || len(u.shape) != rank {
		panic(fmt.Sprintf("cpu: matmul of shapes %v and %v", t.shape, u.shape))
	}

	m, k := t.shape[rank-2], t.shape[rank-1]
	k2, n := u.shape[rank-2], u.shape[rank-1]
	if k != k2 {
		panic(fmt.Sprintf("cpu: matmul inner dims %d and %d", k, k2))
	}

	batch := 1
	for d := 0; d < rank-2; d++ {
		if t.shape[d] != u.shape[d] {
			panic(fmt.Sprintf("cpu: matmul batch dims %v and %v", t.shape, u.shape))
		}
		batch *= t.shape[d]
	}

	shape := make([]int, rank)
	copy(shape, t.shape[:rank-2])
	shape[rank-2], shape[rank-1] = m, n

	a := t.Floats()
	b := u.Floats()

	return t.result(ctx, t.dtype, shape, func(out []float32) {
		var g errgroup.Group
		g.SetLimit(t.backend.params.NumThreads)

		for i := range batch {
			g.Go(func() error {
				blas32.Gemm(blas.NoTrans, blas.NoTrans,
					1,
					blas32.General{Rows: m, Cols: k, Stride: k, Data: a[i*m*k : (i+1)*m*k]},
					blas32.General{Rows: k, Cols: n, Stride: n, Data: b[i*k*n : (i+1)*k*n]},
					0,
					blas32.General{Rows: m, Cols: n, Stride: n, Data: out[i*m*n : (i+1)*m*n]})
				return nil
			})
		}

		g.Wait()
	})
}
