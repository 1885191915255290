package nn

import (
	"fmt"

	"github.com/tsawler/go-amp/tensor"
)

// Parameter couples a trainable tensor with its gradient. The gradient is nil
// until the first backward pass touches it; optimizers and copy loops skip
// parameters whose gradient was never produced.
type Parameter struct {
	Name         string
	Data         *tensor.Tensor
	Grad         *tensor.Tensor
	RequiresGrad bool
}

// NewParameter creates a trainable parameter around the given tensor.
func NewParameter(name string, data *tensor.Tensor) *Parameter {
	return &Parameter{
		Name:         name,
		Data:         data,
		RequiresGrad: true,
	}
}

// AccumulateGrad adds g into the parameter's gradient, allocating gradient
// storage on first use. The stored gradient keeps the parameter's data type,
// so half-precision parameters accumulate half-precision gradients.
func (p *Parameter) AccumulateGrad(g *tensor.Tensor) error {
	if !p.Data.SameShape(g) {
		return fmt.Errorf("gradient shape %v does not match parameter %q shape %v", g.Shape, p.Name, p.Data.Shape)
	}
	if p.Grad == nil {
		grad := g.Clone()
		grad.CastTo(p.Data.Dtype)
		p.Grad = grad
		return nil
	}
	return p.Grad.Add(g)
}

// ZeroGrad clears the gradient in place, keeping its storage for reuse.
func (p *Parameter) ZeroGrad() {
	if p.Grad == nil {
		return
	}
	if p.Grad.Dtype == tensor.Float16 {
		for i := range p.Grad.Half {
			p.Grad.Half[i] = 0
		}
		return
	}
	for i := range p.Grad.Data {
		p.Grad.Data[i] = 0
	}
}

// ZeroGrads clears the gradients of every parameter in the list.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
