package amp

import (
	"fmt"

	"github.com/tsawler/go-amp/dist"
	"github.com/tsawler/go-amp/nn"
	"github.com/tsawler/go-amp/optimizer"
	"github.com/tsawler/go-amp/train"
)

// PrepareHook switches a runner to mixed-precision training before the first
// iteration. Its BeforeRun keeps a full-precision master copy of the weights,
// converts the model to half precision, and rebuilds the runner's optimizer
// over the masters from the configured optimizer settings.
type PrepareHook struct {
	train.NopHook

	// Optimizer is consumed verbatim when building the master optimizer.
	Optimizer optimizer.Config
}

// NewPrepareHook creates a mixed-precision preparation hook.
func NewPrepareHook(cfg optimizer.Config) *PrepareHook {
	return &PrepareHook{Optimizer: cfg}
}

// BeforeRun prepares the runner for mixed-precision training. The master
// copy is cloned before the model is halved, so the masters start from the
// original full-precision values.
func (h *PrepareHook) BeforeRun(r *train.Runner) error {
	if r.Model == nil {
		return fmt.Errorf("model cannot be nil")
	}
	masters := CloneMasterParams(r.Model.Parameters())
	r.Model = ConvertModel(r.Model)

	opt, err := optimizer.Build(h.Optimizer, masters)
	if err != nil {
		return fmt.Errorf("failed to build master optimizer: %w", err)
	}
	r.Optimizer = opt
	return nil
}

// OptimizerHookConfig configures the per-iteration mixed-precision update.
type OptimizerHookConfig struct {
	// GradClip clips master gradients by global norm when set.
	GradClip *optimizer.ClipConfig
	// Coalesce flattens gradients into buckets before synchronization.
	Coalesce bool
	// BucketSizeMB bounds coalesced buckets; non-positive means one bucket
	// per data type.
	BucketSizeMB int
	// Distributed hands gradients to the synchronizer after the copy to the
	// masters.
	Distributed bool
	// Scaling configures the loss scaler.
	Scaling ScalerConfig
}

// DefaultOptimizerHookConfig returns the default per-iteration configuration.
func DefaultOptimizerHookConfig() OptimizerHookConfig {
	return OptimizerHookConfig{
		Coalesce:     true,
		BucketSizeMB: -1,
		Distributed:  true,
		Scaling:      DefaultScalerConfig(),
	}
}

// OptimizerHook runs the mixed-precision optimizer update after each
// iteration's forward pass. It expects a runner prepared by PrepareHook:
// the model in half precision and the optimizer holding the full-precision
// masters.
type OptimizerHook struct {
	train.NopHook

	config OptimizerHookConfig
	scaler *Scaler
}

// NewOptimizerHook creates the per-iteration mixed-precision hook.
func NewOptimizerHook(config OptimizerHookConfig) (*OptimizerHook, error) {
	scaler, err := NewScaler(config.Scaling)
	if err != nil {
		return nil, fmt.Errorf("failed to create loss scaler: %w", err)
	}
	return &OptimizerHook{config: config, scaler: scaler}, nil
}

// Scaler exposes the hook's loss scaler, for logging and checkpointing.
func (h *OptimizerHook) Scaler() *Scaler {
	return h.scaler
}

// AfterIter runs the mixed-precision update for one iteration. It clears
// both gradient sets, backpropagates the scaled loss gradient through the
// half-precision model, copies the resulting gradients onto the masters,
// synchronizes and unscales them, then steps the optimizer and writes the
// new master values back into the model. When the unscaled gradients
// overflowed and overflow steps are skipped, the masters and the model stay
// untouched for this iteration.
func (h *OptimizerHook) AfterIter(r *train.Runner) error {
	if r.Optimizer == nil {
		return fmt.Errorf("runner has no optimizer")
	}
	if r.Output == nil || r.Output.Gradients == nil {
		return fmt.Errorf("iteration produced no loss gradient")
	}
	model, ok := r.Model.(nn.Backprop)
	if !ok {
		return fmt.Errorf("model %T does not support backward", r.Model)
	}

	modelParams := r.Model.Parameters()
	masterParams := r.Optimizer.Params()

	nn.ZeroGrads(modelParams)
	r.Optimizer.ZeroGrad()

	seed, err := h.scaler.ScaleGradients(r.Output.Gradients)
	if err != nil {
		return fmt.Errorf("failed to scale loss gradient: %w", err)
	}
	if _, err := model.Backward(seed); err != nil {
		return fmt.Errorf("backward pass failed: %w", err)
	}

	if err := CopyGradsToMaster(modelParams, masterParams); err != nil {
		return fmt.Errorf("failed to copy gradients to masters: %w", err)
	}

	if h.config.Distributed {
		if err := dist.AllReduceGrads(masterParams, h.config.Coalesce, h.config.BucketSizeMB); err != nil {
			return fmt.Errorf("failed to synchronize gradients: %w", err)
		}
	}

	h.scaler.UnscaleGrads(masterParams)
	h.scaler.UpdateScale()
	if h.scaler.ShouldSkipStep() {
		return nil
	}

	if h.config.GradClip != nil {
		if _, err := optimizer.ClipGradsByNorm(masterParams, h.config.GradClip.MaxNorm); err != nil {
			return fmt.Errorf("failed to clip gradients: %w", err)
		}
	}

	if err := r.Optimizer.Step(); err != nil {
		return fmt.Errorf("optimizer step failed: %w", err)
	}

	if err := CopyMasterToModel(masterParams, modelParams); err != nil {
		return fmt.Errorf("failed to copy masters to model: %w", err)
	}
	return nil
}
