package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dense wraps a 2-D tensor to implement gonum's mat.Matrix interface, so
// tensors can flow into gonum routines and back without manual copying.
type Dense struct {
	tensor *Tensor
}

// AsDense wraps a 2-D tensor for use with gonum. The wrapper reads and writes
// the tensor's storage directly, converting elements when it is half
// precision.
func AsDense(t *Tensor) (*Dense, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("need a 2-D tensor, got shape %v", t.Shape)
	}
	return &Dense{tensor: t}, nil
}

// FromDense copies a gonum matrix into a new full-precision tensor.
func FromDense(m mat.Matrix) *Tensor {
	rows, cols := m.Dims()
	data := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] = float32(m.At(i, j))
		}
	}
	t, _ := NewTensor([]int{rows, cols}, data)
	return t
}

// Dims implements mat.Matrix.
func (d *Dense) Dims() (r, c int) {
	return d.tensor.Shape[0], d.tensor.Shape[1]
}

// At implements mat.Matrix.
func (d *Dense) At(i, j int) float64 {
	rows, cols := d.Dims()
	if i < 0 || i >= rows || j < 0 || j >= cols {
		panic("matrix index out of range")
	}
	return float64(d.tensor.Float32At(i*cols + j))
}

// T implements mat.Matrix.
func (d *Dense) T() mat.Matrix {
	return mat.Transpose{Matrix: d}
}

// Set implements mat.Mutable, rounding when the tensor is half precision.
func (d *Dense) Set(i, j int, v float64) {
	rows, cols := d.Dims()
	if i < 0 || i >= rows || j < 0 || j >= cols {
		panic("matrix index out of range")
	}
	d.tensor.SetFloat32At(i*cols+j, float32(v))
}

// ToDense copies the wrapped tensor into a standard gonum Dense matrix.
func (d *Dense) ToDense() *mat.Dense {
	rows, cols := d.Dims()
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = float64(d.tensor.Float32At(i))
	}
	return mat.NewDense(rows, cols, data)
}
