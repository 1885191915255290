package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies the element type a Tensor stores.
type DType int

const (
	Float32 DType = iota // 32-bit IEEE 754 floats
	Float16              // 16-bit IEEE 754 floats (binary16)
)

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	default:
		return 4
	}
}

// String returns a human-readable name for the data type.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Tensor represents a multi-dimensional array stored in either full or half
// precision. Exactly one of Data and Half is populated at a time; Dtype says
// which. Half-precision values follow IEEE 754 binary16 semantics, so
// conversions round, overflow to infinity, and flush tiny values toward zero.
type Tensor struct {
	Shape []int             // Dimensions of the tensor (e.g., [rows, cols] for a matrix)
	Data  []float32         // Full-precision storage, active when Dtype == Float32
	Half  []float16.Float16 // Half-precision storage, active when Dtype == Float16
	Dtype DType
}

// NewTensor creates a new full-precision Tensor around the given data.
// The data slice is used directly, not copied.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if len(data) != size {
		return nil, fmt.Errorf("data length (%d) does not match shape dimensions (%d)", len(data), size)
	}
	return &Tensor{
		Shape: shape,
		Data:  data,
		Dtype: Float32,
	}, nil
}

// NewHalfTensor creates a new half-precision Tensor around the given data.
// The data slice is used directly, not copied.
func NewHalfTensor(shape []int, data []float16.Float16) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if len(data) != size {
		return nil, fmt.Errorf("data length (%d) does not match shape dimensions (%d)", len(data), size)
	}
	return &Tensor{
		Shape: shape,
		Half:  data,
		Dtype: Float16,
	}, nil
}

// Zeros creates a zero-filled Tensor of the given shape and data type.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size < 0 {
		return nil, fmt.Errorf("invalid shape %v", shape)
	}
	t := &Tensor{Shape: shape, Dtype: dtype}
	if dtype == Float16 {
		t.Half = make([]float16.Float16, size)
	} else {
		t.Data = make([]float32, size)
	}
	return t, nil
}

// Full creates a Tensor of the given shape with every element set to v.
func Full(shape []int, v float32, dtype DType) (*Tensor, error) {
	t, err := Zeros(shape, dtype)
	if err != nil {
		return nil, err
	}
	if dtype == Float16 {
		h := float16.Fromfloat32(v)
		for i := range t.Half {
			t.Half[i] = h
		}
	} else {
		for i := range t.Data {
			t.Data[i] = v
		}
	}
	return t, nil
}

// FromScalar wraps a single value in a one-element full-precision Tensor.
// Useful for losses and other scalar outputs.
func FromScalar(v float32) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float32{v}, Dtype: Float32}
}

// NumElements returns the number of elements the shape describes.
func (t *Tensor) NumElements() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Clone returns a deep copy of the tensor, preserving its data type.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Dtype: t.Dtype,
	}
	if t.Dtype == Float16 {
		c.Half = append([]float16.Float16(nil), t.Half...)
	} else {
		c.Data = append([]float32(nil), t.Data...)
	}
	return c
}

// ToHalf converts the tensor to half precision in place. Values outside the
// binary16 range become infinities. Converting an already half-precision
// tensor does nothing.
func (t *Tensor) ToHalf() {
	if t.Dtype == Float16 {
		return
	}
	t.Half = toHalfSlice(make([]float16.Float16, len(t.Data)), t.Data)
	t.Data = nil
	t.Dtype = Float16
}

// ToFloat converts the tensor to full precision in place. Converting an
// already full-precision tensor does nothing.
func (t *Tensor) ToFloat() {
	if t.Dtype == Float32 {
		return
	}
	t.Data = toFloatSlice(make([]float32, len(t.Half)), t.Half)
	t.Half = nil
	t.Dtype = Float32
}

// CastTo converts the tensor to the given data type in place.
func (t *Tensor) CastTo(d DType) {
	if d == Float16 {
		t.ToHalf()
	} else {
		t.ToFloat()
	}
}

// Float32At returns element i as a float32 regardless of the storage type.
func (t *Tensor) Float32At(i int) float32 {
	if t.Dtype == Float16 {
		return t.Half[i].Float32()
	}
	return t.Data[i]
}

// SetFloat32At stores v into element i, rounding when the tensor is half
// precision.
func (t *Tensor) SetFloat32At(i int, v float32) {
	if t.Dtype == Float16 {
		t.Half[i] = float16.Fromfloat32(v)
		return
	}
	t.Data[i] = v
}

// Float32s returns the tensor's values as a float32 slice. For a
// full-precision tensor this is the underlying storage itself, not a copy;
// for a half-precision tensor it is a freshly converted copy.
func (t *Tensor) Float32s() []float32 {
	if t.Dtype == Float16 {
		return toFloatSlice(make([]float32, len(t.Half)), t.Half)
	}
	return t.Data
}

// SetFloat32s stores vals into the tensor, rounding to half precision when
// needed. The length must match the tensor's element count.
func (t *Tensor) SetFloat32s(vals []float32) error {
	n := t.NumElements()
	if len(vals) != n {
		return fmt.Errorf("value count (%d) does not match tensor size (%d)", len(vals), n)
	}
	if t.Dtype == Float16 {
		toHalfSlice(t.Half, vals)
		return nil
	}
	if &t.Data[0] != &vals[0] {
		copy(t.Data, vals)
	}
	return nil
}

// CopyFrom copies src's values into t, converting between precisions as
// needed. Shapes must describe the same number of elements.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if t.NumElements() != src.NumElements() {
		return fmt.Errorf("cannot copy tensor of shape %v into shape %v", src.Shape, t.Shape)
	}
	switch {
	case t.Dtype == Float32 && src.Dtype == Float32:
		copy(t.Data, src.Data)
	case t.Dtype == Float16 && src.Dtype == Float16:
		copy(t.Half, src.Half)
	case t.Dtype == Float32 && src.Dtype == Float16:
		toFloatSlice(t.Data, src.Half)
	default:
		toHalfSlice(t.Half, src.Data)
	}
	return nil
}

// Scale multiplies every element by f in place.
func (t *Tensor) Scale(f float32) {
	if t.Dtype == Float16 {
		for i, h := range t.Half {
			t.Half[i] = float16.Fromfloat32(h.Float32() * f)
		}
		return
	}
	for i := range t.Data {
		t.Data[i] *= f
	}
}

// Add adds other's elements to t in place, converting between precisions as
// needed. Shapes must describe the same number of elements.
func (t *Tensor) Add(other *Tensor) error {
	if t.NumElements() != other.NumElements() {
		return fmt.Errorf("cannot add tensor of shape %v to shape %v", other.Shape, t.Shape)
	}
	if t.Dtype == Float32 && other.Dtype == Float32 {
		for i, v := range other.Data {
			t.Data[i] += v
		}
		return nil
	}
	for i := 0; i < t.NumElements(); i++ {
		t.SetFloat32At(i, t.Float32At(i)+other.Float32At(i))
	}
	return nil
}

// HasNonFinite reports whether any element is infinite or NaN. This is the
// overflow probe used after unscaling gradients.
func (t *Tensor) HasNonFinite() bool {
	if t.Dtype == Float16 {
		for _, h := range t.Half {
			if h.IsInf(0) || h.IsNaN() {
				return true
			}
		}
		return false
	}
	for _, v := range t.Data {
		if math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

// SameShape reports whether t and other have identical shapes.
func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i, dim := range t.Shape {
		if dim != other.Shape[i] {
			return false
		}
	}
	return true
}
