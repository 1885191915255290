package amp

import (
	"fmt"

	"github.com/tsawler/go-amp/nn"
	"github.com/tsawler/go-amp/tensor"
)

// ScalerConfig configures loss scaling behavior
type ScalerConfig struct {
	LossScale            float32 // Initial loss scale factor
	Dynamic              bool    // Adjust the scale from overflow behavior
	LossScaleGrowthRate  float32 // Factor to increase loss scale when no overflow
	LossScaleBackoffRate float32 // Factor to decrease loss scale on overflow
	GrowthInterval       int     // Number of steps between loss scale growth attempts
	MaxLossScale         float32 // Maximum allowed loss scale
	MinLossScale         float32 // Minimum allowed loss scale
	SkipOverflowSteps    bool    // Skip optimizer step on gradient overflow
}

// DefaultScalerConfig returns the default loss scaling configuration: a
// static scale of 512 with overflow steps skipped.
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		LossScale:            512.0,
		Dynamic:              false,
		LossScaleGrowthRate:  2.0,
		LossScaleBackoffRate: 0.5,
		GrowthInterval:       2000,
		MaxLossScale:         65536.0, // 2^16
		MinLossScale:         1.0,
		SkipOverflowSteps:    true,
	}
}

// Scaler manages the loss scale that keeps small half-precision gradients
// from flushing to zero. In static mode the scale stays constant for the
// whole run; in dynamic mode it backs off on gradient overflow and grows
// again after a stretch of clean steps.
type Scaler struct {
	config           ScalerConfig
	currentScale     float32
	stepsSinceGrowth int
	overflowDetected bool

	overflowCount int64
	skippedSteps  int64
	growthCount   int64
}

// NewScaler creates a new loss scaler
func NewScaler(config ScalerConfig) (*Scaler, error) {
	if config.LossScale <= 0 {
		return nil, fmt.Errorf("loss scale must be positive, got %v", config.LossScale)
	}
	if config.Dynamic {
		if config.LossScaleGrowthRate <= 1 {
			return nil, fmt.Errorf("loss scale growth rate must exceed 1, got %v", config.LossScaleGrowthRate)
		}
		if config.LossScaleBackoffRate <= 0 || config.LossScaleBackoffRate >= 1 {
			return nil, fmt.Errorf("loss scale backoff rate must be between 0 and 1, got %v", config.LossScaleBackoffRate)
		}
		if config.GrowthInterval <= 0 {
			return nil, fmt.Errorf("growth interval must be positive, got %d", config.GrowthInterval)
		}
	}
	return &Scaler{
		config:       config,
		currentScale: config.LossScale,
	}, nil
}

// ScaleGradients returns a copy of gradients multiplied by the current loss
// scale. The input is left untouched so the unscaled loss stays available
// for logging.
func (s *Scaler) ScaleGradients(gradients *tensor.Tensor) (*tensor.Tensor, error) {
	if gradients == nil {
		return nil, fmt.Errorf("gradients tensor cannot be nil")
	}
	scaled := gradients.Clone()
	scaled.Scale(s.currentScale)
	return scaled, nil
}

// UnscaleGrads divides every present gradient by the current loss scale in
// place and reports whether any gradient holds an infinity or NaN.
func (s *Scaler) UnscaleGrads(params []*nn.Parameter) bool {
	s.overflowDetected = false
	invScale := 1 / s.currentScale
	for _, p := range params {
		if p == nil || p.Grad == nil {
			continue
		}
		p.Grad.Scale(invScale)
		if p.Grad.HasNonFinite() {
			s.overflowDetected = true
		}
	}
	if s.overflowDetected {
		s.overflowCount++
	}
	return s.overflowDetected
}

// UpdateScale adjusts the loss scale from the last overflow check. Static
// scalers only account for the skipped step; dynamic scalers back off on
// overflow and grow after GrowthInterval clean steps.
func (s *Scaler) UpdateScale() {
	if s.overflowDetected && s.config.SkipOverflowSteps {
		s.skippedSteps++
	}
	if !s.config.Dynamic {
		return
	}

	if s.overflowDetected {
		s.currentScale *= s.config.LossScaleBackoffRate
		if s.currentScale < s.config.MinLossScale {
			s.currentScale = s.config.MinLossScale
		}
		s.stepsSinceGrowth = 0
	} else {
		s.stepsSinceGrowth++
		if s.stepsSinceGrowth >= s.config.GrowthInterval {
			s.currentScale *= s.config.LossScaleGrowthRate
			if s.currentScale > s.config.MaxLossScale {
				s.currentScale = s.config.MaxLossScale
			}
			s.growthCount++
			s.stepsSinceGrowth = 0
		}
	}
}

// ShouldSkipStep returns true if the optimizer step should be skipped due to overflow
func (s *Scaler) ShouldSkipStep() bool {
	return s.config.SkipOverflowSteps && s.overflowDetected
}

// GetScale returns the current loss scale value
func (s *Scaler) GetScale() float32 {
	return s.currentScale
}

// GetOverflowStatus returns whether overflow was detected in the last gradient unscale
func (s *Scaler) GetOverflowStatus() bool {
	return s.overflowDetected
}

// ScalerState is the serializable scaler state saved with checkpoints.
type ScalerState struct {
	LossScale        float32 `json:"loss_scale"`
	StepsSinceGrowth int     `json:"steps_since_growth"`
	Overflows        int64   `json:"overflows"`
	SkippedSteps     int64   `json:"skipped_steps"`
	Growths          int64   `json:"growths"`
}

// GetState snapshots the scaler for checkpointing.
func (s *Scaler) GetState() ScalerState {
	return ScalerState{
		LossScale:        s.currentScale,
		StepsSinceGrowth: s.stepsSinceGrowth,
		Overflows:        s.overflowCount,
		SkippedSteps:     s.skippedSteps,
		Growths:          s.growthCount,
	}
}

// RestoreState resumes the scaler from a checkpoint snapshot, so dynamic
// scaling continues where the saved run left off.
func (s *Scaler) RestoreState(state ScalerState) error {
	if state.LossScale <= 0 {
		return fmt.Errorf("loss scale must be positive, got %v", state.LossScale)
	}
	s.currentScale = state.LossScale
	s.stepsSinceGrowth = state.StepsSinceGrowth
	s.overflowCount = state.Overflows
	s.skippedSteps = state.SkippedSteps
	s.growthCount = state.Growths
	return nil
}
