package tensor

import (
	"math"
	"testing"

	"github.com/x448/float16"
)

// Helper function to check if two float32 slices are approximately equal
func approxEqual(a, b []float32, tolerance float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

func TestNewTensorShapeMismatch(t *testing.T) {
	_, err := NewTensor([]int{2, 3}, []float32{1, 2, 3})
	if err == nil {
		t.Fatal("Expected error for mismatched data length, got nil")
	}
}

func TestHalfRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		value     float32
		tolerance float32
	}{
		{"zero", 0.0, 0},
		{"one", 1.0, 0},
		{"negative one", -1.0, 0},
		{"half", 0.5, 0},
		{"pi", 3.14159, 1e-3},
		{"max half", 65504.0, 0},
		{"small", 0.001, 1e-6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := NewTensor([]int{1}, []float32{tt.value})
			if err != nil {
				t.Fatalf("Failed to create tensor: %v", err)
			}
			tensor.ToHalf()
			if tensor.Dtype != Float16 {
				t.Errorf("Expected dtype %s after ToHalf, got %s", Float16, tensor.Dtype)
			}
			tensor.ToFloat()
			got := tensor.Data[0]
			if math.Abs(float64(got-tt.value)) > float64(tt.tolerance) {
				t.Errorf("Round trip of %v gave %v (tolerance %v)", tt.value, got, tt.tolerance)
			}
		})
	}
}

func TestHalfSpecialValues(t *testing.T) {
	tensor, err := NewTensor([]int{4}, []float32{
		float32(math.Inf(1)),
		float32(math.Inf(-1)),
		70000.0, // beyond the binary16 range
		1e-9,    // below the smallest subnormal
	})
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	tensor.ToHalf()

	if !tensor.Half[0].IsInf(1) {
		t.Errorf("Expected +Inf to stay +Inf, got %v", tensor.Half[0])
	}
	if !tensor.Half[1].IsInf(-1) {
		t.Errorf("Expected -Inf to stay -Inf, got %v", tensor.Half[1])
	}
	if !tensor.Half[2].IsInf(1) {
		t.Errorf("Expected overflow to become +Inf, got %v", tensor.Half[2])
	}
	if tensor.Half[3].Float32() != 0 {
		t.Errorf("Expected underflow to flush to zero, got %v", tensor.Half[3])
	}
}

func TestCastToIsIdempotent(t *testing.T) {
	tensor, err := NewTensor([]int{2}, []float32{1.5, -2.25})
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	tensor.CastTo(Float32)
	if tensor.Dtype != Float32 || tensor.Data == nil {
		t.Fatal("CastTo(Float32) on a float32 tensor should be a no-op")
	}
	tensor.CastTo(Float16)
	if tensor.Dtype != Float16 || tensor.Half == nil || tensor.Data != nil {
		t.Fatal("CastTo(Float16) should swap storage to half precision")
	}
	tensor.CastTo(Float16)
	if tensor.Dtype != Float16 {
		t.Fatal("CastTo(Float16) twice should keep half precision")
	}
}

func TestCloneIndependence(t *testing.T) {
	orig, err := NewTensor([]int{2}, []float32{1, 2})
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	clone := orig.Clone()
	clone.Data[0] = 99
	if orig.Data[0] != 1 {
		t.Error("Clone should not share storage with the original")
	}

	orig.ToHalf()
	halfClone := orig.Clone()
	if halfClone.Dtype != Float16 {
		t.Errorf("Clone should preserve dtype, got %s", halfClone.Dtype)
	}
}

func TestCopyFromConverts(t *testing.T) {
	src, err := NewTensor([]int{3}, []float32{1.0, 2.5, -3.0})
	if err != nil {
		t.Fatalf("Failed to create source tensor: %v", err)
	}
	dst, err := Zeros([]int{3}, Float16)
	if err != nil {
		t.Fatalf("Failed to create destination tensor: %v", err)
	}
	if err := dst.CopyFrom(src); err != nil {
		t.Fatalf("CopyFrom failed: %v", err)
	}
	if !approxEqual(dst.Float32s(), src.Data, 1e-3) {
		t.Errorf("Converted copy mismatch. Expected %v, got %v", src.Data, dst.Float32s())
	}

	back, err := Zeros([]int{3}, Float32)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	if err := back.CopyFrom(dst); err != nil {
		t.Fatalf("CopyFrom failed: %v", err)
	}
	if !approxEqual(back.Data, src.Data, 1e-3) {
		t.Errorf("Round-trip copy mismatch. Expected %v, got %v", src.Data, back.Data)
	}

	wrong, _ := Zeros([]int{4}, Float32)
	if err := wrong.CopyFrom(src); err == nil {
		t.Error("Expected error copying between mismatched shapes, got nil")
	}
}

func TestScaleAndAdd(t *testing.T) {
	a, err := NewTensor([]int{3}, []float32{1, 2, 3})
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	a.Scale(2)
	if !approxEqual(a.Data, []float32{2, 4, 6}, 1e-6) {
		t.Errorf("Scale result mismatch, got %v", a.Data)
	}

	b, _ := NewTensor([]int{3}, []float32{1, 1, 1})
	if err := a.Add(b); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !approxEqual(a.Data, []float32{3, 5, 7}, 1e-6) {
		t.Errorf("Add result mismatch, got %v", a.Data)
	}

	// Half-precision scaling rounds at every element.
	h, _ := NewTensor([]int{2}, []float32{1.5, -2.0})
	h.ToHalf()
	h.Scale(4)
	if !approxEqual(h.Float32s(), []float32{6, -8}, 1e-3) {
		t.Errorf("Half-precision scale mismatch, got %v", h.Float32s())
	}
}

func TestHasNonFinite(t *testing.T) {
	clean, _ := NewTensor([]int{2}, []float32{1, -1})
	if clean.HasNonFinite() {
		t.Error("Clean tensor reported non-finite values")
	}

	inf, _ := NewTensor([]int{2}, []float32{1, float32(math.Inf(1))})
	if !inf.HasNonFinite() {
		t.Error("Tensor with Inf not detected")
	}

	nan, _ := NewTensor([]int{1}, []float32{float32(math.NaN())})
	if !nan.HasNonFinite() {
		t.Error("Tensor with NaN not detected")
	}

	halfInf, _ := NewHalfTensor([]int{1}, []float16.Float16{float16.Inf(1)})
	if !halfInf.HasNonFinite() {
		t.Error("Half-precision Inf not detected")
	}
}

func TestParallelConvertLarge(t *testing.T) {
	n := parallelThreshold * 2
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%1000) * 0.25
	}
	tensor, err := NewTensor([]int{n}, data)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}

	tensor.ToHalf()
	tensor.ToFloat()
	for _, i := range []int{0, 1, n / 2, n - 2, n - 1} {
		want := float32(i%1000) * 0.25
		if tensor.Data[i] != want {
			t.Errorf("Element %d changed across round trip: want %v, got %v", i, want, tensor.Data[i])
		}
	}
}

func BenchmarkHalfConvert(b *testing.B) {
	data := make([]float32, 1<<20)
	for i := range data {
		data[i] = float32(i) * 1e-3
	}
	half := make([]float16.Float16, len(data))

	b.Run("ToHalf", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			toHalfSlice(half, data)
		}
	})
	b.Run("ToFloat", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			toFloatSlice(data, half)
		}
	})
}
