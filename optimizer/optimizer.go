package optimizer

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-amp/nn"
	"github.com/tsawler/go-amp/tensor"
	"gonum.org/v1/gonum/blas/blas32"
)

// Optimizer updates the parameters it owns from their accumulated gradients.
// Parameters with no gradient are skipped, so lazily allocated gradients work
// without special cases.
type Optimizer interface {
	Step() error
	ZeroGrad()
	Params() []*nn.Parameter
	GetLearningRate() float32
	SetLearningRate(lr float32)
	GetStepCount() int64
}

// Config selects and parameterizes an optimizer. Builders consume it
// verbatim, so callers can hold one and pass it around as an opaque
// dictionary.
type Config struct {
	Type         string
	LearningRate float32
	WeightDecay  float32
	Momentum     float32 // SGD, RMSprop
	Beta1        float32 // Adam family
	Beta2        float32
	Epsilon      float32
	Alpha        float32 // RMSprop smoothing constant
}

// DefaultSGDConfig returns a standard SGD configuration.
func DefaultSGDConfig() Config {
	return Config{
		Type:         "sgd",
		LearningRate: 0.01,
		Momentum:     0.9,
	}
}

// DefaultAdamConfig returns a standard Adam configuration.
func DefaultAdamConfig() Config {
	return Config{
		Type:         "adam",
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// DefaultAdamWConfig returns a standard AdamW configuration.
func DefaultAdamWConfig() Config {
	return Config{
		Type:         "adamw",
		LearningRate: 0.001,
		WeightDecay:  0.01,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// DefaultRMSpropConfig returns a standard RMSprop configuration.
func DefaultRMSpropConfig() Config {
	return Config{
		Type:         "rmsprop",
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// Factory builds an optimizer over params from a config.
type Factory func(cfg Config, params []*nn.Parameter) (Optimizer, error)

var registry = map[string]Factory{}

// Register makes a factory available to Build under the given name.
// Built-in names are sgd, adam, adamw, and rmsprop.
func Register(name string, factory Factory) {
	registry[strings.ToLower(name)] = factory
}

func init() {
	Register("sgd", func(cfg Config, params []*nn.Parameter) (Optimizer, error) {
		return NewSGD(cfg, params), nil
	})
	Register("adam", func(cfg Config, params []*nn.Parameter) (Optimizer, error) {
		return NewAdam(cfg, params), nil
	})
	Register("adamw", func(cfg Config, params []*nn.Parameter) (Optimizer, error) {
		return NewAdamW(cfg, params), nil
	})
	Register("rmsprop", func(cfg Config, params []*nn.Parameter) (Optimizer, error) {
		return NewRMSprop(cfg, params), nil
	})
}

// Build constructs the optimizer named by cfg.Type over the given parameters.
func Build(cfg Config, params []*nn.Parameter) (Optimizer, error) {
	factory, ok := registry[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("unsupported optimizer type: %q", cfg.Type)
	}
	return factory(cfg, params)
}

// stepParam validates one parameter before an update and returns its gradient
// storage, or nil when the parameter should be skipped this step.
func stepParam(i int, param *nn.Parameter) ([]float32, []float32, error) {
	if !param.RequiresGrad || param.Grad == nil {
		return nil, nil, nil
	}
	if param.Data.Dtype != tensor.Float32 {
		return nil, nil, fmt.Errorf("optimizer requires full-precision parameters, parameter %d is %s", i, param.Data.Dtype)
	}
	if param.Grad.Dtype != tensor.Float32 {
		return nil, nil, fmt.Errorf("optimizer requires full-precision gradients, gradient %d is %s", i, param.Grad.Dtype)
	}
	if len(param.Grad.Data) != len(param.Data.Data) {
		return nil, nil, fmt.Errorf("gradient length (%d) does not match parameter length (%d) for parameter %d",
			len(param.Grad.Data), len(param.Data.Data), i)
	}
	return param.Data.Data, param.Grad.Data, nil
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// SGDOptimizer implements stochastic gradient descent with momentum.
type SGDOptimizer struct {
	config    Config
	params    []*nn.Parameter
	velocity  [][]float32
	stepCount int64
}

// NewSGD creates a new SGD optimizer over the given parameters.
func NewSGD(config Config, params []*nn.Parameter) *SGDOptimizer {
	return &SGDOptimizer{
		config:   config,
		params:   params,
		velocity: make([][]float32, len(params)),
	}
}

// Step performs one optimization step.
func (opt *SGDOptimizer) Step() error {
	opt.stepCount++
	for i, param := range opt.params {
		data, grad, err := stepParam(i, param)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		if opt.velocity[i] == nil {
			opt.velocity[i] = make([]float32, len(data))
		}

		// v = momentum*v + grad + weightDecay*param; param -= lr*v
		v := vec(opt.velocity[i])
		blas32.Scal(opt.config.Momentum, v)
		blas32.Axpy(1, vec(grad), v)
		if opt.config.WeightDecay != 0 {
			blas32.Axpy(opt.config.WeightDecay, vec(data), v)
		}
		blas32.Axpy(-opt.config.LearningRate, v, vec(data))
	}
	return nil
}

// ZeroGrad clears the gradients of all owned parameters.
func (opt *SGDOptimizer) ZeroGrad() { nn.ZeroGrads(opt.params) }

// Params returns the parameters this optimizer owns, in registration order.
func (opt *SGDOptimizer) Params() []*nn.Parameter { return opt.params }

// GetLearningRate returns the current learning rate.
func (opt *SGDOptimizer) GetLearningRate() float32 { return opt.config.LearningRate }

// SetLearningRate updates the learning rate.
func (opt *SGDOptimizer) SetLearningRate(lr float32) { opt.config.LearningRate = lr }

// GetStepCount returns the number of completed steps.
func (opt *SGDOptimizer) GetStepCount() int64 { return opt.stepCount }

// AdamOptimizer implements the Adam optimizer.
type AdamOptimizer struct {
	config    Config
	params    []*nn.Parameter
	m         [][]float32 // first moment estimates
	v         [][]float32 // second moment estimates
	decoupled bool        // AdamW-style decoupled weight decay
	stepCount int64
}

// NewAdam creates a new Adam optimizer over the given parameters.
func NewAdam(config Config, params []*nn.Parameter) *AdamOptimizer {
	return &AdamOptimizer{
		config: config,
		params: params,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
}

// NewAdamW creates an Adam optimizer with decoupled weight decay.
func NewAdamW(config Config, params []*nn.Parameter) *AdamOptimizer {
	opt := NewAdam(config, params)
	opt.decoupled = true
	return opt
}

// Step performs one optimization step.
func (opt *AdamOptimizer) Step() error {
	opt.stepCount++
	t := float64(opt.stepCount)
	bc1 := float32(1 - math.Pow(float64(opt.config.Beta1), t))
	bc2 := float32(1 - math.Pow(float64(opt.config.Beta2), t))

	for i, param := range opt.params {
		data, grad, err := stepParam(i, param)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		if opt.m[i] == nil {
			opt.m[i] = make([]float32, len(data))
			opt.v[i] = make([]float32, len(data))
		}

		m, v := opt.m[i], opt.v[i]
		lr := opt.config.LearningRate
		for j, g := range grad {
			if !opt.decoupled && opt.config.WeightDecay != 0 {
				g += opt.config.WeightDecay * data[j]
			}
			m[j] = opt.config.Beta1*m[j] + (1-opt.config.Beta1)*g
			v[j] = opt.config.Beta2*v[j] + (1-opt.config.Beta2)*g*g
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			if opt.decoupled && opt.config.WeightDecay != 0 {
				data[j] -= lr * opt.config.WeightDecay * data[j]
			}
			data[j] -= lr * mHat / (float32(math.Sqrt(float64(vHat))) + opt.config.Epsilon)
		}
	}
	return nil
}

// ZeroGrad clears the gradients of all owned parameters.
func (opt *AdamOptimizer) ZeroGrad() { nn.ZeroGrads(opt.params) }

// Params returns the parameters this optimizer owns, in registration order.
func (opt *AdamOptimizer) Params() []*nn.Parameter { return opt.params }

// GetLearningRate returns the current learning rate.
func (opt *AdamOptimizer) GetLearningRate() float32 { return opt.config.LearningRate }

// SetLearningRate updates the learning rate.
func (opt *AdamOptimizer) SetLearningRate(lr float32) { opt.config.LearningRate = lr }

// GetStepCount returns the number of completed steps.
func (opt *AdamOptimizer) GetStepCount() int64 { return opt.stepCount }

// RMSpropOptimizer implements RMSprop with optional momentum.
type RMSpropOptimizer struct {
	config    Config
	params    []*nn.Parameter
	squareAvg [][]float32
	buf       [][]float32 // momentum buffers
	stepCount int64
}

// NewRMSprop creates a new RMSprop optimizer over the given parameters.
func NewRMSprop(config Config, params []*nn.Parameter) *RMSpropOptimizer {
	return &RMSpropOptimizer{
		config:    config,
		params:    params,
		squareAvg: make([][]float32, len(params)),
		buf:       make([][]float32, len(params)),
	}
}

// Step performs one optimization step.
func (opt *RMSpropOptimizer) Step() error {
	opt.stepCount++
	for i, param := range opt.params {
		data, grad, err := stepParam(i, param)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		if opt.squareAvg[i] == nil {
			opt.squareAvg[i] = make([]float32, len(data))
		}

		sq := opt.squareAvg[i]
		lr := opt.config.LearningRate
		for j, g := range grad {
			if opt.config.WeightDecay != 0 {
				g += opt.config.WeightDecay * data[j]
			}
			sq[j] = opt.config.Alpha*sq[j] + (1-opt.config.Alpha)*g*g
			step := g / (float32(math.Sqrt(float64(sq[j]))) + opt.config.Epsilon)
			if opt.config.Momentum != 0 {
				if opt.buf[i] == nil {
					opt.buf[i] = make([]float32, len(data))
				}
				opt.buf[i][j] = opt.config.Momentum*opt.buf[i][j] + step
				step = opt.buf[i][j]
			}
			data[j] -= lr * step
		}
	}
	return nil
}

// ZeroGrad clears the gradients of all owned parameters.
func (opt *RMSpropOptimizer) ZeroGrad() { nn.ZeroGrads(opt.params) }

// Params returns the parameters this optimizer owns, in registration order.
func (opt *RMSpropOptimizer) Params() []*nn.Parameter { return opt.params }

// GetLearningRate returns the current learning rate.
func (opt *RMSpropOptimizer) GetLearningRate() float32 { return opt.config.LearningRate }

// SetLearningRate updates the learning rate.
func (opt *RMSpropOptimizer) SetLearningRate(lr float32) { opt.config.LearningRate = lr }

// GetStepCount returns the number of completed steps.
func (opt *RMSpropOptimizer) GetStepCount() int64 { return opt.stepCount }

// ClipConfig bounds the global gradient norm before an optimizer step.
type ClipConfig struct {
	MaxNorm float32
}

// ClipGradsByNorm scales all gradients so their global L2 norm does not
// exceed maxNorm. It returns the norm measured before clipping.
func ClipGradsByNorm(params []*nn.Parameter, maxNorm float32) (float32, error) {
	total, err := ComputeGradNorm(params)
	if err != nil {
		return 0, err
	}
	if total > maxNorm && total > 0 {
		scale := maxNorm / (total + 1e-6)
		for _, param := range params {
			if param.Grad == nil {
				continue
			}
			blas32.Scal(scale, vec(param.Grad.Data))
		}
	}
	return total, nil
}

// ClipGradsByValue clamps every gradient element into [minValue, maxValue].
func ClipGradsByValue(params []*nn.Parameter, minValue, maxValue float32) error {
	if minValue > maxValue {
		return fmt.Errorf("invalid clip range [%v, %v]", minValue, maxValue)
	}
	for i, param := range params {
		if param.Grad == nil {
			continue
		}
		if param.Grad.Dtype != tensor.Float32 {
			return fmt.Errorf("clipping requires full-precision gradients, gradient %d is %s", i, param.Grad.Dtype)
		}
		for j, g := range param.Grad.Data {
			if g < minValue {
				param.Grad.Data[j] = minValue
			} else if g > maxValue {
				param.Grad.Data[j] = maxValue
			}
		}
	}
	return nil
}

// ComputeGradNorm returns the global L2 norm across all present gradients.
func ComputeGradNorm(params []*nn.Parameter) (float32, error) {
	var sumSquares float64
	for i, param := range params {
		if param.Grad == nil {
			continue
		}
		if param.Grad.Dtype != tensor.Float32 {
			return 0, fmt.Errorf("norm computation requires full-precision gradients, gradient %d is %s", i, param.Grad.Dtype)
		}
		norm := blas32.Nrm2(vec(param.Grad.Data))
		sumSquares += float64(norm) * float64(norm)
	}
	return float32(math.Sqrt(sumSquares)), nil
}
