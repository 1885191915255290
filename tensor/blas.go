package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// General2D returns a blas32.General view over a 2-D full-precision tensor.
// The view aliases the tensor's storage.
func (t *Tensor) General2D() (blas32.General, error) {
	if len(t.Shape) != 2 {
		return blas32.General{}, fmt.Errorf("need a 2-D tensor, got shape %v", t.Shape)
	}
	if t.Dtype != Float32 {
		return blas32.General{}, fmt.Errorf("BLAS view requires full-precision storage, tensor is %s", t.Dtype)
	}
	return blas32.General{
		Rows:   t.Shape[0],
		Cols:   t.Shape[1],
		Stride: t.Shape[1],
		Data:   t.Data,
	}, nil
}

// Vector returns a blas32.Vector view over a full-precision tensor's
// elements, flattened. The view aliases the tensor's storage.
func (t *Tensor) Vector() (blas32.Vector, error) {
	if t.Dtype != Float32 {
		return blas32.Vector{}, fmt.Errorf("BLAS view requires full-precision storage, tensor is %s", t.Dtype)
	}
	return blas32.Vector{N: len(t.Data), Inc: 1, Data: t.Data}, nil
}

// MatMul computes a @ b for 2-D tensors. The result is always full precision;
// callers decide whether to round it back down.
func MatMul(a, b *Tensor) (*Tensor, error) {
	return MatMulT(a, b, false, false)
}

// MatMulT computes op(a) @ op(b) where op optionally transposes its argument.
// Half-precision inputs are widened for the multiply, so the arithmetic runs
// in float32 with rounding only at the storage boundaries.
func MatMulT(a, b *Tensor, transA, transB bool) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul needs 2-D tensors, got shapes %v and %v", a.Shape, b.Shape)
	}
	m, ka := a.Shape[0], a.Shape[1]
	if transA {
		m, ka = ka, m
	}
	kb, n := b.Shape[0], b.Shape[1]
	if transB {
		kb, n = n, kb
	}
	if ka != kb {
		return nil, fmt.Errorf("matmul inner dimensions do not match: %d vs %d", ka, kb)
	}

	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}

	out := make([]float32, m*n)
	blas32.Gemm(tA, tB, 1,
		blas32.General{Rows: a.Shape[0], Cols: a.Shape[1], Stride: a.Shape[1], Data: a.Float32s()},
		blas32.General{Rows: b.Shape[0], Cols: b.Shape[1], Stride: b.Shape[1], Data: b.Float32s()},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out})

	return NewTensor([]int{m, n}, out)
}
