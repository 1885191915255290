package nn

import (
	"fmt"
	"math"

	"github.com/tsawler/go-amp/tensor"
)

// BatchNorm normalizes each feature over the batch dimension of a
// [batch, features] tensor, tracking running statistics for inference.
// Normalization is numerically fragile in half precision, so the layer
// reports itself as precision sensitive and keeps its running statistics in
// float32 regardless of the model's precision.
type BatchNorm struct {
	// Parameters
	Gamma *Parameter
	Beta  *Parameter

	// Running statistics, always full precision
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor

	// Cache for backward pass
	input *tensor.Tensor
	xhat  []float32
	istd  []float32

	// Configuration
	NumFeatures int
	Momentum    float32
	Epsilon     float32

	training bool
}

// NewBatchNorm creates a batch normalization layer over the given feature count.
func NewBatchNorm(numFeatures int) *BatchNorm {
	gamma, _ := tensor.Full([]int{numFeatures}, 1, tensor.Float32)
	beta, _ := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	mean, _ := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	variance, _ := tensor.Full([]int{numFeatures}, 1, tensor.Float32)

	return &BatchNorm{
		Gamma:       NewParameter("gamma", gamma),
		Beta:        NewParameter("beta", beta),
		RunningMean: mean,
		RunningVar:  variance,
		NumFeatures: numFeatures,
		Momentum:    0.1,
		Epsilon:     1e-5,
		training:    true,
	}
}

// Forward normalizes the input with batch statistics in training mode and
// running statistics in inference mode.
func (b *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 || input.Shape[1] != b.NumFeatures {
		return nil, fmt.Errorf("batch norm expects shape [batch, %d], got %v", b.NumFeatures, input.Shape)
	}
	batch := input.Shape[0]
	if b.training && batch < 2 {
		return nil, fmt.Errorf("batch norm needs at least 2 samples in training mode, got %d", batch)
	}

	b.input = input
	vals := input.Float32s()
	features := b.NumFeatures

	mean := make([]float32, features)
	variance := make([]float32, features)
	if b.training {
		for i := 0; i < batch; i++ {
			for j := 0; j < features; j++ {
				mean[j] += vals[i*features+j]
			}
		}
		for j := range mean {
			mean[j] /= float32(batch)
		}
		for i := 0; i < batch; i++ {
			for j := 0; j < features; j++ {
				d := vals[i*features+j] - mean[j]
				variance[j] += d * d
			}
		}
		for j := range variance {
			variance[j] /= float32(batch)
		}
		for j := 0; j < features; j++ {
			b.RunningMean.Data[j] = (1-b.Momentum)*b.RunningMean.Data[j] + b.Momentum*mean[j]
			b.RunningVar.Data[j] = (1-b.Momentum)*b.RunningVar.Data[j] + b.Momentum*variance[j]
		}
	} else {
		copy(mean, b.RunningMean.Data)
		copy(variance, b.RunningVar.Data)
	}

	b.istd = make([]float32, features)
	for j := range b.istd {
		b.istd[j] = 1 / float32(math.Sqrt(float64(variance[j]+b.Epsilon)))
	}

	gamma := b.Gamma.Data.Float32s()
	beta := b.Beta.Data.Float32s()
	b.xhat = make([]float32, len(vals))
	out := make([]float32, len(vals))
	for i := 0; i < batch; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			b.xhat[idx] = (vals[idx] - mean[j]) * b.istd[j]
			out[idx] = gamma[j]*b.xhat[idx] + beta[j]
		}
	}

	output, err := tensor.NewTensor([]int{batch, features}, out)
	if err != nil {
		return nil, err
	}
	output.CastTo(input.Dtype)
	return output, nil
}

// Backward computes gradients for gamma, beta, and the input.
func (b *BatchNorm) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if b.input == nil || b.xhat == nil {
		return nil, fmt.Errorf("batch norm backward called before forward")
	}
	batch := b.input.Shape[0]
	features := b.NumFeatures
	dout := gradOutput.Float32s()
	if len(dout) != batch*features {
		return nil, fmt.Errorf("gradient size (%d) does not match input size (%d)", len(dout), batch*features)
	}

	dgamma := make([]float32, features)
	dbeta := make([]float32, features)
	for i := 0; i < batch; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			dgamma[j] += dout[idx] * b.xhat[idx]
			dbeta[j] += dout[idx]
		}
	}

	gammaGrad, _ := tensor.NewTensor([]int{features}, dgamma)
	if err := b.Gamma.AccumulateGrad(gammaGrad); err != nil {
		return nil, err
	}
	betaGrad, _ := tensor.NewTensor([]int{features}, dbeta)
	if err := b.Beta.AccumulateGrad(betaGrad); err != nil {
		return nil, err
	}

	gamma := b.Gamma.Data.Float32s()
	dx := make([]float32, batch*features)
	n := float32(batch)
	for i := 0; i < batch; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			dx[idx] = gamma[j] * b.istd[j] * (dout[idx] - dbeta[j]/n - b.xhat[idx]*dgamma[j]/n)
		}
	}

	gradInput, err := tensor.NewTensor([]int{batch, features}, dx)
	if err != nil {
		return nil, err
	}
	gradInput.CastTo(gradOutput.Dtype)
	return gradInput, nil
}

// Parameters returns gamma and beta.
func (b *BatchNorm) Parameters() []*Parameter {
	return []*Parameter{b.Gamma, b.Beta}
}

// SetTraining switches between batch statistics and running statistics.
func (b *BatchNorm) SetTraining(training bool) {
	b.training = training
}

// NeedsFullPrecision reports that this layer must compute in float32.
func (b *BatchNorm) NeedsFullPrecision() bool {
	return true
}

// LayerNorm normalizes each sample of a [batch, features] tensor over its
// features. Like BatchNorm it is precision sensitive.
type LayerNorm struct {
	// Parameters
	Gamma *Parameter
	Beta  *Parameter

	// Cache for backward pass
	input *tensor.Tensor
	xhat  []float32
	istd  []float32

	// Configuration
	NumFeatures int
	Epsilon     float32
}

// NewLayerNorm creates a layer normalization layer over the given feature count.
func NewLayerNorm(numFeatures int) *LayerNorm {
	gamma, _ := tensor.Full([]int{numFeatures}, 1, tensor.Float32)
	beta, _ := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	return &LayerNorm{
		Gamma:       NewParameter("gamma", gamma),
		Beta:        NewParameter("beta", beta),
		NumFeatures: numFeatures,
		Epsilon:     1e-5,
	}
}

// Forward normalizes each row to zero mean and unit variance, then applies
// the learned scale and shift.
func (l *LayerNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 || input.Shape[1] != l.NumFeatures {
		return nil, fmt.Errorf("layer norm expects shape [batch, %d], got %v", l.NumFeatures, input.Shape)
	}
	batch := input.Shape[0]
	features := l.NumFeatures
	vals := input.Float32s()

	l.input = input
	l.xhat = make([]float32, len(vals))
	l.istd = make([]float32, batch)

	gamma := l.Gamma.Data.Float32s()
	beta := l.Beta.Data.Float32s()
	out := make([]float32, len(vals))
	for i := 0; i < batch; i++ {
		row := vals[i*features : (i+1)*features]
		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(features)
		var variance float32
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(features)
		istd := 1 / float32(math.Sqrt(float64(variance+l.Epsilon)))
		l.istd[i] = istd
		for j, v := range row {
			idx := i*features + j
			l.xhat[idx] = (v - mean) * istd
			out[idx] = gamma[j]*l.xhat[idx] + beta[j]
		}
	}

	output, err := tensor.NewTensor([]int{batch, features}, out)
	if err != nil {
		return nil, err
	}
	output.CastTo(input.Dtype)
	return output, nil
}

// Backward computes gradients for gamma, beta, and the input.
func (l *LayerNorm) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil || l.xhat == nil {
		return nil, fmt.Errorf("layer norm backward called before forward")
	}
	batch := l.input.Shape[0]
	features := l.NumFeatures
	dout := gradOutput.Float32s()
	if len(dout) != batch*features {
		return nil, fmt.Errorf("gradient size (%d) does not match input size (%d)", len(dout), batch*features)
	}

	dgamma := make([]float32, features)
	dbeta := make([]float32, features)
	for i := 0; i < batch; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			dgamma[j] += dout[idx] * l.xhat[idx]
			dbeta[j] += dout[idx]
		}
	}
	gammaGrad, _ := tensor.NewTensor([]int{features}, dgamma)
	if err := l.Gamma.AccumulateGrad(gammaGrad); err != nil {
		return nil, err
	}
	betaGrad, _ := tensor.NewTensor([]int{features}, dbeta)
	if err := l.Beta.AccumulateGrad(betaGrad); err != nil {
		return nil, err
	}

	gamma := l.Gamma.Data.Float32s()
	dx := make([]float32, batch*features)
	n := float32(features)
	for i := 0; i < batch; i++ {
		var sumDxhat, sumDxhatXhat float32
		for j := 0; j < features; j++ {
			idx := i*features + j
			dxhat := dout[idx] * gamma[j]
			sumDxhat += dxhat
			sumDxhatXhat += dxhat * l.xhat[idx]
		}
		for j := 0; j < features; j++ {
			idx := i*features + j
			dxhat := dout[idx] * gamma[j]
			dx[idx] = l.istd[i] * (dxhat - sumDxhat/n - l.xhat[idx]*sumDxhatXhat/n)
		}
	}

	gradInput, err := tensor.NewTensor([]int{batch, features}, dx)
	if err != nil {
		return nil, err
	}
	gradInput.CastTo(gradOutput.Dtype)
	return gradInput, nil
}

// Parameters returns gamma and beta.
func (l *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{l.Gamma, l.Beta}
}

// NeedsFullPrecision reports that this layer must compute in float32.
func (l *LayerNorm) NeedsFullPrecision() bool {
	return true
}
