package train_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tsawler/go-amp/nn"
	"github.com/tsawler/go-amp/tensor"
	"github.com/tsawler/go-amp/train"
)

type traceHook struct {
	events []string
}

func (h *traceHook) BeforeRun(r *train.Runner) error {
	h.events = append(h.events, "before_run")
	return nil
}

func (h *traceHook) AfterRun(r *train.Runner) error {
	h.events = append(h.events, "after_run")
	return nil
}

func (h *traceHook) BeforeEpoch(r *train.Runner) error {
	h.events = append(h.events, fmt.Sprintf("before_epoch_%d", r.Epoch))
	return nil
}

func (h *traceHook) AfterEpoch(r *train.Runner) error {
	h.events = append(h.events, fmt.Sprintf("after_epoch_%d", r.Epoch))
	return nil
}

func (h *traceHook) BeforeIter(r *train.Runner) error {
	h.events = append(h.events, fmt.Sprintf("before_iter_%d", r.Iter))
	return nil
}

func (h *traceHook) AfterIter(r *train.Runner) error {
	h.events = append(h.events, fmt.Sprintf("after_iter_%d", r.Iter))
	return nil
}

type namedHook struct {
	train.NopHook
	name string
	log  *[]string
}

func (h *namedHook) BeforeRun(r *train.Runner) error {
	*h.log = append(*h.log, h.name)
	return nil
}

type failingHook struct {
	train.NopHook
	err error
}

func (h *failingHook) BeforeEpoch(r *train.Runner) error {
	return h.err
}

func noopStep(r *train.Runner) (*nn.LossResult, error) {
	return &nn.LossResult{Loss: 1}, nil
}

func TestRunnerHookOrder(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(1, 1, false))
	runner := train.NewRunner(model, nil)
	hook := &traceHook{}
	runner.RegisterHook(hook)

	if err := runner.Run(2, 2, noopStep); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		"before_run",
		"before_epoch_0",
		"before_iter_0", "after_iter_0",
		"before_iter_1", "after_iter_1",
		"after_epoch_0",
		"before_epoch_1",
		"before_iter_2", "after_iter_2",
		"before_iter_3", "after_iter_3",
		"after_epoch_1",
		"after_run",
	}
	if len(hook.events) != len(want) {
		t.Fatalf("Expected %d events, got %d: %v", len(want), len(hook.events), hook.events)
	}
	for i, event := range want {
		if hook.events[i] != event {
			t.Errorf("Event %d: expected %q, got %q", i, event, hook.events[i])
		}
	}
}

func TestRunnerHooksFireInRegistrationOrder(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(1, 1, false))
	runner := train.NewRunner(model, nil)

	var log []string
	runner.RegisterHook(&namedHook{name: "first", log: &log})
	runner.RegisterHook(&namedHook{name: "second", log: &log})

	if err := runner.Run(1, 1, noopStep); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(log) != 2 || log[0] != "first" || log[1] != "second" {
		t.Errorf("Hooks fired out of order: %v", log)
	}
}

func TestRunnerHookErrorAbortsRun(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(1, 1, false))
	runner := train.NewRunner(model, nil)

	boom := errors.New("boom")
	runner.RegisterHook(&failingHook{err: boom})

	var steps int
	err := runner.Run(2, 2, func(r *train.Runner) (*nn.LossResult, error) {
		steps++
		return &nn.LossResult{Loss: 1}, nil
	})
	if err == nil {
		t.Fatal("Expected error from failing hook")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped hook error, got %v", err)
	}
	if !strings.Contains(err.Error(), "before epoch hook failed") {
		t.Errorf("Expected phase in error, got %v", err)
	}
	if steps != 0 {
		t.Errorf("No iterations should run after the hook failure, got %d", steps)
	}
}

func TestRunnerStepErrorAbortsRun(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(1, 1, false))
	runner := train.NewRunner(model, nil)

	boom := errors.New("bad batch")
	err := runner.Run(1, 3, func(r *train.Runner) (*nn.LossResult, error) {
		if r.Iter == 1 {
			return nil, boom
		}
		return &nn.LossResult{Loss: 1}, nil
	})
	if err == nil {
		t.Fatal("Expected error from failing step")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped step error, got %v", err)
	}
	if !strings.Contains(err.Error(), "iteration 1 failed") {
		t.Errorf("Expected iteration number in error, got %v", err)
	}
}

func TestRunnerValidation(t *testing.T) {
	if err := train.NewRunner(nil, nil).Run(1, 1, noopStep); err == nil {
		t.Error("Expected error for nil model")
	}

	model := nn.NewSequential(nn.NewLinear(1, 1, false))
	if err := train.NewRunner(model, nil).Run(1, 1, nil); err == nil {
		t.Error("Expected error for nil step function")
	}
}

func TestRunnerCountersAndOutput(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(1, 1, false))
	runner := train.NewRunner(model, nil)

	var iters []int64
	var epochs []int
	var last *nn.LossResult
	err := runner.Run(2, 3, func(r *train.Runner) (*nn.LossResult, error) {
		iters = append(iters, r.Iter)
		epochs = append(epochs, r.Epoch)
		last = &nn.LossResult{Loss: float32(r.Iter)}
		return last, nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantIters := []int64{0, 1, 2, 3, 4, 5}
	wantEpochs := []int{0, 0, 0, 1, 1, 1}
	for i := range wantIters {
		if iters[i] != wantIters[i] {
			t.Errorf("Iteration %d: expected counter %d, got %d", i, wantIters[i], iters[i])
		}
		if epochs[i] != wantEpochs[i] {
			t.Errorf("Iteration %d: expected epoch %d, got %d", i, wantEpochs[i], epochs[i])
		}
	}
	if runner.Iter != 6 {
		t.Errorf("Expected final iteration counter 6, got %d", runner.Iter)
	}
	if runner.Output != last {
		t.Error("Runner should keep the last step result")
	}
}

func TestRunnerSetsTrainingMode(t *testing.T) {
	bn := nn.NewBatchNorm(2)
	model := nn.NewSequential(bn)
	nn.SetTraining(model, false)

	input, err := tensor.NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}

	runner := train.NewRunner(model, nil)
	err = runner.Run(1, 1, func(r *train.Runner) (*nn.LossResult, error) {
		if _, err := r.Model.Forward(input); err != nil {
			return nil, err
		}
		return &nn.LossResult{Loss: 1}, nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Running statistics only move in training mode.
	if bn.RunningMean.Data[0] == 0 {
		t.Error("Runner should put the model into training mode before iterating")
	}
}
