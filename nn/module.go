package nn

import (
	"fmt"

	"github.com/tsawler/go-amp/tensor"
)

// Module is the building block of a model: a forward computation with
// optional trainable parameters. Parameters must come back in a stable order,
// since weight-copy protocols pair parameter lists by index.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Backprop is implemented by modules that support an explicit backward pass.
// Backward must be preceded by Forward in the same iteration, because layers
// cache their inputs.
type Backprop interface {
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
}

// Composite is implemented by container modules whose children can be
// inspected and replaced in place. Recursive model rewrites walk this seam.
type Composite interface {
	Children() []Module
	SetChild(i int, m Module)
}

// Trainable is implemented by modules that behave differently in training
// and inference, such as normalization layers tracking running statistics.
type Trainable interface {
	SetTraining(training bool)
}

// PrecisionSensitive marks modules that must keep computing in full precision
// when the rest of the model runs in half precision.
type PrecisionSensitive interface {
	NeedsFullPrecision() bool
}

// HalfAware is implemented by modules that adjust their own internals when
// the surrounding model switches to half precision.
type HalfAware interface {
	SetHalfEnabled(enabled bool)
}

// SetTraining flips training mode on m and every module below it.
func SetTraining(m Module, training bool) {
	if t, ok := m.(Trainable); ok {
		t.SetTraining(training)
	}
	if c, ok := m.(Composite); ok {
		for _, child := range c.Children() {
			SetTraining(child, training)
		}
	}
}

// Sequential chains modules so each output feeds the next input.
type Sequential struct {
	layers []Module
}

// NewSequential creates a sequential model from the given modules.
func NewSequential(layers ...Module) *Sequential {
	return &Sequential{layers: layers}
}

// Forward runs the input through every layer in order.
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error
	for i, layer := range s.layers {
		output, err = layer.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("layer %d forward: %w", i, err)
		}
	}
	return output, nil
}

// Backward propagates the gradient through the layers in reverse order.
// Every layer must implement Backprop.
func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOutput
	for i := len(s.layers) - 1; i >= 0; i-- {
		bp, ok := s.layers[i].(Backprop)
		if !ok {
			return nil, fmt.Errorf("layer %d (%T) does not support backward", i, s.layers[i])
		}
		var err error
		grad, err = bp.Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("layer %d backward: %w", i, err)
		}
	}
	return grad, nil
}

// Parameters returns all parameters from all layers, in layer order.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, layer := range s.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// Children returns the contained modules in order.
func (s *Sequential) Children() []Module {
	return s.layers
}

// SetChild replaces the i-th module.
func (s *Sequential) SetChild(i int, m Module) {
	s.layers[i] = m
}
