package amp

import (
	"fmt"

	"github.com/tsawler/go-amp/nn"
	"github.com/tsawler/go-amp/tensor"
)

// ConvertModel switches a model to half precision: every parameter is cast
// to FP16 storage, precision-sensitive modules are patched back to full
// precision, and modules that manage their own half-precision internals are
// flagged. The returned module replaces the original, whose root may have
// been rewritten by the norm patch.
func ConvertModel(m nn.Module) nn.Module {
	for _, p := range m.Parameters() {
		p.Data.ToHalf()
	}
	patched := PatchNorm(m)
	setHalfEnabled(patched, true)
	return patched
}

// PatchNorm walks the module tree and wraps every module that reports
// NeedsFullPrecision in a FullPrecision adapter, casting its parameters back
// to FP32. Normalization statistics are too fragile for half precision, so
// the patch runs after the model is halved. Returns the possibly replaced
// root.
func PatchNorm(m nn.Module) nn.Module {
	if _, ok := m.(*FullPrecision); ok {
		return m
	}
	if ps, ok := m.(nn.PrecisionSensitive); ok && ps.NeedsFullPrecision() {
		for _, p := range m.Parameters() {
			p.Data.CastTo(tensor.Float32)
		}
		return NewFullPrecision(m)
	}
	if comp, ok := m.(nn.Composite); ok {
		for i, child := range comp.Children() {
			comp.SetChild(i, PatchNorm(child))
		}
	}
	return m
}

func setHalfEnabled(m nn.Module, enabled bool) {
	if ha, ok := m.(nn.HalfAware); ok {
		ha.SetHalfEnabled(enabled)
	}
	if comp, ok := m.(nn.Composite); ok {
		for _, child := range comp.Children() {
			setHalfEnabled(child, enabled)
		}
	}
}

// FullPrecision runs its wrapped module in FP32 inside an FP16 model: inputs
// are widened on the way in and outputs rounded back to FP16 on the way out,
// in both the forward and backward directions.
type FullPrecision struct {
	inner nn.Module
}

// NewFullPrecision wraps a module so it computes in full precision.
func NewFullPrecision(inner nn.Module) *FullPrecision {
	return &FullPrecision{inner: inner}
}

// Unwrap returns the wrapped module.
func (f *FullPrecision) Unwrap() nn.Module {
	return f.inner
}

// Forward widens a half-precision input, runs the wrapped module, and rounds
// the output back to the input's precision.
func (f *FullPrecision) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	wasHalf := input.Dtype == tensor.Float16
	x := input
	if wasHalf {
		x = input.Clone()
		x.CastTo(tensor.Float32)
	}
	output, err := f.inner.Forward(x)
	if err != nil {
		return nil, err
	}
	if wasHalf && output.Dtype == tensor.Float32 {
		output.CastTo(tensor.Float16)
	}
	return output, nil
}

// Backward widens a half-precision output gradient, runs the wrapped
// module's backward pass, and rounds the input gradient back.
func (f *FullPrecision) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	bp, ok := f.inner.(nn.Backprop)
	if !ok {
		return nil, fmt.Errorf("wrapped module %T does not support backward", f.inner)
	}
	wasHalf := gradOutput.Dtype == tensor.Float16
	g := gradOutput
	if wasHalf {
		g = gradOutput.Clone()
		g.CastTo(tensor.Float32)
	}
	gradInput, err := bp.Backward(g)
	if err != nil {
		return nil, err
	}
	if wasHalf && gradInput.Dtype == tensor.Float32 {
		gradInput.CastTo(tensor.Float16)
	}
	return gradInput, nil
}

// Parameters returns the wrapped module's parameters, keeping parameter
// order identical to the unwrapped model.
func (f *FullPrecision) Parameters() []*nn.Parameter {
	return f.inner.Parameters()
}

// Children returns the wrapped module.
func (f *FullPrecision) Children() []nn.Module {
	return []nn.Module{f.inner}
}

// SetChild replaces the wrapped module.
func (f *FullPrecision) SetChild(i int, m nn.Module) {
	f.inner = m
}
