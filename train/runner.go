package train

import (
	"fmt"

	"github.com/tsawler/go-amp/nn"
	"github.com/tsawler/go-amp/optimizer"
)

// Hook receives control around the phases of a training run. Implementations
// usually embed NopHook and override the phases they care about.
type Hook interface {
	BeforeRun(r *Runner) error
	AfterRun(r *Runner) error
	BeforeEpoch(r *Runner) error
	AfterEpoch(r *Runner) error
	BeforeIter(r *Runner) error
	AfterIter(r *Runner) error
}

// NopHook implements every Hook phase as a no-op.
type NopHook struct{}

// BeforeRun does nothing.
func (NopHook) BeforeRun(*Runner) error { return nil }

// AfterRun does nothing.
func (NopHook) AfterRun(*Runner) error { return nil }

// BeforeEpoch does nothing.
func (NopHook) BeforeEpoch(*Runner) error { return nil }

// AfterEpoch does nothing.
func (NopHook) AfterEpoch(*Runner) error { return nil }

// BeforeIter does nothing.
func (NopHook) BeforeIter(*Runner) error { return nil }

// AfterIter does nothing.
func (NopHook) AfterIter(*Runner) error { return nil }

// StepFunc computes one training iteration: forward pass and loss. The
// returned result carries the loss value and the gradient that seeds the
// backward pass. Hooks registered on the runner take it from Output.
type StepFunc func(r *Runner) (*nn.LossResult, error)

// Runner drives hooks around a user-supplied step function. Data loading,
// validation, and scheduling stay outside; the runner only owns the loop
// structure and the per-iteration state the hooks read.
type Runner struct {
	Model     nn.Module
	Optimizer optimizer.Optimizer

	// Output holds the result of the current iteration's step function:
	// the unscaled loss value for logging and the gradient that seeds the
	// backward pass.
	Output *nn.LossResult

	Epoch int
	Iter  int64

	hooks []Hook
}

// NewRunner creates a runner for the given model and optimizer. The optimizer
// may be nil when a hook installs one during BeforeRun.
func NewRunner(model nn.Module, opt optimizer.Optimizer) *Runner {
	return &Runner{
		Model:     model,
		Optimizer: opt,
	}
}

// RegisterHook appends a hook. Hooks fire in registration order.
func (r *Runner) RegisterHook(h Hook) {
	r.hooks = append(r.hooks, h)
}

// Run executes epochs x itersPerEpoch iterations of the step function,
// firing hooks around each phase. The first hook error aborts the run.
func (r *Runner) Run(epochs, itersPerEpoch int, step StepFunc) error {
	if r.Model == nil {
		return fmt.Errorf("model cannot be nil")
	}
	if step == nil {
		return fmt.Errorf("step function cannot be nil")
	}

	for _, h := range r.hooks {
		if err := h.BeforeRun(r); err != nil {
			return fmt.Errorf("before run hook failed: %w", err)
		}
	}

	for epoch := 0; epoch < epochs; epoch++ {
		r.Epoch = epoch
		nn.SetTraining(r.Model, true)

		for _, h := range r.hooks {
			if err := h.BeforeEpoch(r); err != nil {
				return fmt.Errorf("before epoch hook failed: %w", err)
			}
		}

		for iter := 0; iter < itersPerEpoch; iter++ {
			for _, h := range r.hooks {
				if err := h.BeforeIter(r); err != nil {
					return fmt.Errorf("before iter hook failed: %w", err)
				}
			}

			result, err := step(r)
			if err != nil {
				return fmt.Errorf("iteration %d failed: %w", r.Iter, err)
			}
			r.Output = result

			for _, h := range r.hooks {
				if err := h.AfterIter(r); err != nil {
					return fmt.Errorf("after iter hook failed: %w", err)
				}
			}

			r.Iter++
		}

		for _, h := range r.hooks {
			if err := h.AfterEpoch(r); err != nil {
				return fmt.Errorf("after epoch hook failed: %w", err)
			}
		}
	}

	for _, h := range r.hooks {
		if err := h.AfterRun(r); err != nil {
			return fmt.Errorf("after run hook failed: %w", err)
		}
	}
	return nil
}
