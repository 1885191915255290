package optimizer

import (
	"fmt"
	"math"
)

// LRScheduler represents a learning rate scheduler interface
type LRScheduler interface {
	Step(step int64) error
	GetLR() float32
	SetOptimizer(opt Optimizer)
}

// ExponentialDecayScheduler implements exponential decay learning rate scheduling
type ExponentialDecayScheduler struct {
	optimizer  Optimizer
	initialLR  float32
	decayRate  float32
	decaySteps int64
	currentLR  float32
}

// NewExponentialDecayScheduler creates a new exponential decay scheduler
func NewExponentialDecayScheduler(initialLR, decayRate float32, decaySteps int64) *ExponentialDecayScheduler {
	return &ExponentialDecayScheduler{
		initialLR:  initialLR,
		decayRate:  decayRate,
		decaySteps: decaySteps,
		currentLR:  initialLR,
	}
}

// Step updates the learning rate based on the current step
func (s *ExponentialDecayScheduler) Step(step int64) error {
	if s.decaySteps <= 0 {
		return fmt.Errorf("decay steps must be positive, got %d", s.decaySteps)
	}
	exponent := float64(step) / float64(s.decaySteps)
	s.currentLR = s.initialLR * float32(math.Pow(float64(s.decayRate), exponent))
	if s.optimizer != nil {
		s.optimizer.SetLearningRate(s.currentLR)
	}
	return nil
}

// GetLR returns the current learning rate
func (s *ExponentialDecayScheduler) GetLR() float32 {
	return s.currentLR
}

// SetOptimizer sets the optimizer to update
func (s *ExponentialDecayScheduler) SetOptimizer(opt Optimizer) {
	s.optimizer = opt
}

// StepDecayScheduler implements step decay learning rate scheduling
type StepDecayScheduler struct {
	optimizer Optimizer
	initialLR float32
	gamma     float32
	stepSize  int64
	currentLR float32
}

// NewStepDecayScheduler creates a new step decay scheduler
func NewStepDecayScheduler(initialLR, gamma float32, stepSize int64) *StepDecayScheduler {
	return &StepDecayScheduler{
		initialLR: initialLR,
		gamma:     gamma,
		stepSize:  stepSize,
		currentLR: initialLR,
	}
}

// Step updates the learning rate based on the current step
func (s *StepDecayScheduler) Step(step int64) error {
	if s.stepSize <= 0 {
		return fmt.Errorf("step size must be positive, got %d", s.stepSize)
	}
	decays := step / s.stepSize
	s.currentLR = s.initialLR * float32(math.Pow(float64(s.gamma), float64(decays)))
	if s.optimizer != nil {
		s.optimizer.SetLearningRate(s.currentLR)
	}
	return nil
}

// GetLR returns the current learning rate
func (s *StepDecayScheduler) GetLR() float32 {
	return s.currentLR
}

// SetOptimizer sets the optimizer to update
func (s *StepDecayScheduler) SetOptimizer(opt Optimizer) {
	s.optimizer = opt
}

// WarmupCosineScheduler ramps the learning rate linearly over the warmup
// steps, then follows a cosine decay from the base rate down to the minimum
// rate at the final step.
type WarmupCosineScheduler struct {
	optimizer   Optimizer
	baseLR      float32
	minLR       float32
	warmupSteps int64
	totalSteps  int64
	currentLR   float32
}

// NewWarmupCosineScheduler creates a new warmup plus cosine decay scheduler
func NewWarmupCosineScheduler(baseLR, minLR float32, warmupSteps, totalSteps int64) *WarmupCosineScheduler {
	return &WarmupCosineScheduler{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		totalSteps:  totalSteps,
		currentLR:   0,
	}
}

// Step updates the learning rate based on the current step
func (s *WarmupCosineScheduler) Step(step int64) error {
	if s.totalSteps <= s.warmupSteps {
		return fmt.Errorf("total steps (%d) must exceed warmup steps (%d)", s.totalSteps, s.warmupSteps)
	}
	switch {
	case step < s.warmupSteps:
		s.currentLR = s.baseLR * float32(step+1) / float32(s.warmupSteps)
	case step >= s.totalSteps:
		s.currentLR = s.minLR
	default:
		progress := float64(step-s.warmupSteps) / float64(s.totalSteps-s.warmupSteps)
		cosine := 0.5 * (1 + math.Cos(math.Pi*progress))
		s.currentLR = s.minLR + (s.baseLR-s.minLR)*float32(cosine)
	}
	if s.optimizer != nil {
		s.optimizer.SetLearningRate(s.currentLR)
	}
	return nil
}

// GetLR returns the current learning rate
func (s *WarmupCosineScheduler) GetLR() float32 {
	return s.currentLR
}

// SetOptimizer sets the optimizer to update
func (s *WarmupCosineScheduler) SetOptimizer(opt Optimizer) {
	s.optimizer = opt
}
