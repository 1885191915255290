package nn

import (
	"fmt"
	"math"

	"github.com/tsawler/go-amp/tensor"
)

// LossType represents different loss function types
type LossType int

const (
	MSE LossType = iota
	CrossEntropy
)

// String returns a human-readable name for the loss type.
func (lt LossType) String() string {
	switch lt {
	case MSE:
		return "MSE"
	case CrossEntropy:
		return "CrossEntropy"
	default:
		return "Unknown"
	}
}

// LossResult contains the computed loss value and the gradient with respect
// to the predictions. The gradient takes the predictions' precision so it can
// seed the backward pass of a half-precision model directly.
type LossResult struct {
	Loss      float32
	Gradients *tensor.Tensor
}

// LossForward computes the loss value.
func LossForward(predictions, targets *tensor.Tensor, lossType LossType) (float32, error) {
	result, err := LossForwardBackward(predictions, targets, lossType)
	if err != nil {
		return 0, err
	}
	return result.Loss, nil
}

// LossBackward computes the gradient of the loss with respect to predictions.
func LossBackward(predictions, targets *tensor.Tensor, lossType LossType) (*tensor.Tensor, error) {
	result, err := LossForwardBackward(predictions, targets, lossType)
	if err != nil {
		return nil, err
	}
	return result.Gradients, nil
}

// LossForwardBackward computes both the loss value and its gradient in one pass.
func LossForwardBackward(predictions, targets *tensor.Tensor, lossType LossType) (*LossResult, error) {
	if predictions.NumElements() != targets.NumElements() {
		return nil, fmt.Errorf("predictions shape %v does not match targets shape %v", predictions.Shape, targets.Shape)
	}
	switch lossType {
	case MSE:
		return mseForwardBackward(predictions, targets)
	case CrossEntropy:
		return crossEntropyForwardBackward(predictions, targets)
	default:
		return nil, fmt.Errorf("unsupported loss type: %v", lossType)
	}
}

// MSELoss computes the mean squared error.
func MSELoss(predictions, targets *tensor.Tensor) (float32, error) {
	return LossForward(predictions, targets, MSE)
}

// MSELossGradients computes the mean squared error gradient.
func MSELossGradients(predictions, targets *tensor.Tensor) (*tensor.Tensor, error) {
	return LossBackward(predictions, targets, MSE)
}

func mseForwardBackward(predictions, targets *tensor.Tensor) (*LossResult, error) {
	preds := predictions.Float32s()
	targs := targets.Float32s()
	n := float32(len(preds))

	var loss float32
	grad := make([]float32, len(preds))
	for i := range preds {
		diff := preds[i] - targs[i]
		loss += diff * diff
		grad[i] = 2 * diff / n
	}
	loss /= n

	grads, err := tensor.NewTensor(append([]int(nil), predictions.Shape...), grad)
	if err != nil {
		return nil, err
	}
	grads.CastTo(predictions.Dtype)
	return &LossResult{Loss: loss, Gradients: grads}, nil
}

func crossEntropyForwardBackward(predictions, targets *tensor.Tensor) (*LossResult, error) {
	if len(predictions.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects [batch, classes] predictions, got %v", predictions.Shape)
	}
	batch := predictions.Shape[0]
	classes := predictions.Shape[1]
	preds := predictions.Float32s()
	targs := targets.Float32s()

	var loss float32
	grad := make([]float32, len(preds))
	for i := 0; i < batch; i++ {
		row := preds[i*classes : (i+1)*classes]

		// Softmax with max subtraction for numeric stability.
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float32
		probs := make([]float32, classes)
		for j, v := range row {
			probs[j] = float32(math.Exp(float64(v - maxVal)))
			sum += probs[j]
		}
		for j := range probs {
			probs[j] /= sum
		}

		for j := 0; j < classes; j++ {
			idx := i*classes + j
			if targs[idx] > 0 {
				loss -= targs[idx] * float32(math.Log(float64(probs[j])+1e-12))
			}
			grad[idx] = (probs[j] - targs[idx]) / float32(batch)
		}
	}
	loss /= float32(batch)

	grads, err := tensor.NewTensor(append([]int(nil), predictions.Shape...), grad)
	if err != nil {
		return nil, err
	}
	grads.CastTo(predictions.Dtype)
	return &LossResult{Loss: loss, Gradients: grads}, nil
}
