package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-amp/tensor"
)

// Linear is a fully connected layer computing input @ weight + bias.
// Its output takes the weight's precision, so a half-precision layer produces
// half-precision activations even though the arithmetic runs in float32.
type Linear struct {
	// Parameters
	Weight *Parameter
	Bias   *Parameter

	// Cache for backward pass
	input *tensor.Tensor

	// Configuration
	InputSize  int
	OutputSize int
	UseBias    bool
}

// NewLinear creates a linear layer with Xavier-initialized weights.
func NewLinear(inputSize, outputSize int, useBias bool) *Linear {
	weightData := make([]float32, inputSize*outputSize)
	scale := float32(math.Sqrt(2.0 / float64(inputSize+outputSize)))
	for i := range weightData {
		weightData[i] = (rand.Float32()*2 - 1) * scale
	}
	weight, _ := tensor.NewTensor([]int{inputSize, outputSize}, weightData)

	l := &Linear{
		Weight:     NewParameter("weight", weight),
		InputSize:  inputSize,
		OutputSize: outputSize,
		UseBias:    useBias,
	}
	if useBias {
		bias, _ := tensor.Zeros([]int{outputSize}, tensor.Float32)
		l.Bias = NewParameter("bias", bias)
	}
	return l
}

// Forward computes output = input @ weight + bias.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	l.input = input

	output, err := tensor.MatMul(input, l.Weight.Data)
	if err != nil {
		return nil, fmt.Errorf("linear forward: %w", err)
	}
	if l.UseBias && l.Bias != nil {
		addBiasRows(output, l.Bias.Data)
	}
	output.CastTo(l.Weight.Data.Dtype)
	return output, nil
}

// Backward accumulates weight and bias gradients and returns the gradient
// with respect to the input.
func (l *Linear) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("linear backward called before forward")
	}

	// Weight gradient: input.T @ gradOutput
	weightGrad, err := tensor.MatMulT(l.input, gradOutput, true, false)
	if err != nil {
		return nil, fmt.Errorf("linear backward: %w", err)
	}
	if err := l.Weight.AccumulateGrad(weightGrad); err != nil {
		return nil, err
	}

	// Bias gradient: sum(gradOutput, axis=0)
	if l.UseBias && l.Bias != nil {
		if err := l.Bias.AccumulateGrad(sumRows(gradOutput)); err != nil {
			return nil, err
		}
	}

	// Input gradient: gradOutput @ weight.T
	gradInput, err := tensor.MatMulT(gradOutput, l.Weight.Data, false, true)
	if err != nil {
		return nil, fmt.Errorf("linear backward: %w", err)
	}
	gradInput.CastTo(l.input.Dtype)
	return gradInput, nil
}

// Parameters returns the layer parameters.
func (l *Linear) Parameters() []*Parameter {
	if l.UseBias && l.Bias != nil {
		return []*Parameter{l.Weight, l.Bias}
	}
	return []*Parameter{l.Weight}
}

// ReLU is a rectified linear activation layer.
type ReLU struct {
	// Cache for backward pass
	output *tensor.Tensor
}

// NewReLU creates a new ReLU layer.
func NewReLU() *ReLU {
	return &ReLU{}
}

// Forward zeroes every negative element.
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	vals := input.Float32s()
	out := make([]float32, len(vals))
	for i, v := range vals {
		if v > 0 {
			out[i] = v
		}
	}
	output, err := tensor.NewTensor(append([]int(nil), input.Shape...), out)
	if err != nil {
		return nil, fmt.Errorf("relu forward: %w", err)
	}
	output.CastTo(input.Dtype)
	r.output = output
	return output, nil
}

// Backward passes the gradient through where the activation was positive.
func (r *ReLU) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, fmt.Errorf("relu backward called before forward")
	}
	grads := gradOutput.Float32s()
	acts := r.output.Float32s()
	if len(grads) != len(acts) {
		return nil, fmt.Errorf("gradient size (%d) does not match activation size (%d)", len(grads), len(acts))
	}
	out := make([]float32, len(grads))
	for i, g := range grads {
		if acts[i] > 0 {
			out[i] = g
		}
	}
	gradInput, err := tensor.NewTensor(append([]int(nil), gradOutput.Shape...), out)
	if err != nil {
		return nil, fmt.Errorf("relu backward: %w", err)
	}
	gradInput.CastTo(gradOutput.Dtype)
	return gradInput, nil
}

// Parameters returns an empty slice (no parameters).
func (r *ReLU) Parameters() []*Parameter {
	return []*Parameter{}
}

// Helper functions

// addBiasRows adds a bias vector to each row of a full-precision 2-D tensor.
func addBiasRows(output, bias *tensor.Tensor) {
	cols := output.Shape[1]
	biasVals := bias.Float32s()
	for i := 0; i < output.Shape[0]; i++ {
		for j := 0; j < cols; j++ {
			output.Data[i*cols+j] += biasVals[j]
		}
	}
}

// sumRows sums a 2-D tensor along axis 0, producing a row vector.
func sumRows(input *tensor.Tensor) *tensor.Tensor {
	cols := input.Shape[1]
	result := make([]float32, cols)
	for i := 0; i < input.Shape[0]; i++ {
		for j := 0; j < cols; j++ {
			result[j] += input.Float32At(i*cols + j)
		}
	}
	output, _ := tensor.NewTensor([]int{cols}, result)
	return output
}
