package amp

import (
	"testing"

	"github.com/tsawler/go-amp/nn"
	"github.com/tsawler/go-amp/tensor"
)

// recordingModule captures the dtypes it sees in both passes.
type recordingModule struct {
	forwardDtype  tensor.DType
	backwardDtype tensor.DType
	sensitive     bool
	halfEnabled   bool
}

func (r *recordingModule) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	r.forwardDtype = input.Dtype
	return input.Clone(), nil
}

func (r *recordingModule) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	r.backwardDtype = gradOutput.Dtype
	return gradOutput.Clone(), nil
}

func (r *recordingModule) Parameters() []*nn.Parameter { return nil }

func (r *recordingModule) NeedsFullPrecision() bool { return r.sensitive }

func (r *recordingModule) SetHalfEnabled(enabled bool) { r.halfEnabled = enabled }

func TestConvertModelHalvesParameters(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(2, 3, true), nn.NewReLU(), nn.NewLinear(3, 1, false))
	converted := ConvertModel(model)

	for i, p := range converted.Parameters() {
		if p.Data.Dtype != tensor.Float16 {
			t.Errorf("Parameter %d (%s) should be half precision, got %s", i, p.Name, p.Data.Dtype)
		}
	}
}

func TestConvertModelPatchesNormLayers(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(2, 4, true), nn.NewBatchNorm(4), nn.NewReLU())
	converted := ConvertModel(model)

	seq, ok := converted.(*nn.Sequential)
	if !ok {
		t.Fatalf("Sequential root should survive conversion, got %T", converted)
	}
	wrapper, ok := seq.Children()[1].(*FullPrecision)
	if !ok {
		t.Fatalf("Norm layer should be wrapped, got %T", seq.Children()[1])
	}
	if _, ok := wrapper.Unwrap().(*nn.BatchNorm); !ok {
		t.Errorf("Wrapper should hold the norm layer, got %T", wrapper.Unwrap())
	}

	// Norm parameters are back in full precision, the rest halved.
	for _, p := range wrapper.Parameters() {
		if p.Data.Dtype != tensor.Float32 {
			t.Errorf("Norm parameter %s should be full precision, got %s", p.Name, p.Data.Dtype)
		}
	}
	for _, p := range seq.Children()[0].Parameters() {
		if p.Data.Dtype != tensor.Float16 {
			t.Errorf("Linear parameter %s should be half precision, got %s", p.Name, p.Data.Dtype)
		}
	}
}

func TestPatchNormIsIdempotent(t *testing.T) {
	model := nn.NewSequential(nn.NewBatchNorm(2))
	patched := PatchNorm(PatchNorm(model))

	seq := patched.(*nn.Sequential)
	wrapper, ok := seq.Children()[0].(*FullPrecision)
	if !ok {
		t.Fatalf("Expected a single wrapper, got %T", seq.Children()[0])
	}
	if _, doubled := wrapper.Unwrap().(*FullPrecision); doubled {
		t.Error("Norm layer was wrapped twice")
	}
}

func TestPatchNormReplacesSensitiveRoot(t *testing.T) {
	root := &recordingModule{sensitive: true}
	patched := PatchNorm(root)
	if _, ok := patched.(*FullPrecision); !ok {
		t.Errorf("Sensitive root should be wrapped, got %T", patched)
	}
}

func TestConvertModelFlagsHalfAware(t *testing.T) {
	inner := &recordingModule{}
	model := nn.NewSequential(nn.NewLinear(2, 2, false), inner)
	ConvertModel(model)
	if !inner.halfEnabled {
		t.Error("Half-aware module was not flagged during conversion")
	}
}

func TestParameterOrderStableAfterConversion(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(2, 4, true), nn.NewBatchNorm(4), nn.NewLinear(4, 1, true))
	before := model.Parameters()
	masters := CloneMasterParams(before)

	converted := ConvertModel(model)
	after := converted.Parameters()

	if len(before) != len(after) {
		t.Fatalf("Parameter count changed: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("Parameter %d is a different object after conversion", i)
		}
		if masters[i].Name != after[i].Name {
			t.Errorf("Master %d name %q does not match model %q", i, masters[i].Name, after[i].Name)
		}
		if !masters[i].Data.SameShape(after[i].Data) {
			t.Errorf("Master %d shape diverged", i)
		}
	}
}

func TestFullPrecisionWidensForward(t *testing.T) {
	inner := &recordingModule{sensitive: true}
	wrapper := NewFullPrecision(inner)

	input := mustTensor(t, []int{2}, []float32{1, 2})
	input.ToHalf()
	output, err := wrapper.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if inner.forwardDtype != tensor.Float32 {
		t.Errorf("Wrapped module should see full precision, saw %s", inner.forwardDtype)
	}
	if output.Dtype != tensor.Float16 {
		t.Errorf("Output should round back to half precision, got %s", output.Dtype)
	}

	grad := mustTensor(t, []int{2}, []float32{0.5, 0.5})
	grad.ToHalf()
	gradInput, err := wrapper.Backward(grad)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if inner.backwardDtype != tensor.Float32 {
		t.Errorf("Wrapped backward should see full precision, saw %s", inner.backwardDtype)
	}
	if gradInput.Dtype != tensor.Float16 {
		t.Errorf("Input gradient should round back to half precision, got %s", gradInput.Dtype)
	}
}

func TestFullPrecisionPassesFullPrecisionThrough(t *testing.T) {
	inner := &recordingModule{sensitive: true}
	wrapper := NewFullPrecision(inner)

	input := mustTensor(t, []int{2}, []float32{1, 2})
	output, err := wrapper.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if output.Dtype != tensor.Float32 {
		t.Errorf("Full-precision input should stay full precision, got %s", output.Dtype)
	}
}

func TestFullPrecisionBatchNormNumerics(t *testing.T) {
	bn := nn.NewBatchNorm(2)
	wrapper := NewFullPrecision(bn)

	input := mustTensor(t, []int{4, 2}, []float32{
		1, 10,
		2, 20,
		3, 30,
		4, 40,
	})
	input.ToHalf()

	output, err := wrapper.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if output.Dtype != tensor.Float16 {
		t.Fatalf("Output should be half precision, got %s", output.Dtype)
	}

	// Each feature is normalized to zero mean across the batch.
	vals := output.Float32s()
	for feature := 0; feature < 2; feature++ {
		var sum float32
		for row := 0; row < 4; row++ {
			sum += vals[row*2+feature]
		}
		if !approxEqual(sum, 0, 1e-2) {
			t.Errorf("Feature %d should have zero mean, sum %v", feature, sum)
		}
	}
}
