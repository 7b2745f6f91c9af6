package ppo

import (
	"fmt"

	"github.com/zeu5/thought-chain-rl/nn"
)

// Config of a PPO learner
type Config struct {
	StateDim  int
	ActionDim int
	HiddenDim int

	// Activation of the hidden layers of both networks
	Activation nn.Activation

	LearningRate float64
	// ClipParam is the epsilon of the clipped surrogate objective
	ClipParam float64
	// MaxGradNorm bounds the global L2 norm of the gradients before every optimiser step
	MaxGradNorm float64
	ValueCoef   float64
	Seed        uint64
}

func DefaultConfig(stateDim, actionDim int) Config {
	return Config{
		StateDim:     stateDim,
		ActionDim:    actionDim,
		HiddenDim:    64,
		Activation:   nn.ReLU,
		LearningRate: 1e-3,
		ClipParam:    0.2,
		MaxGradNorm:  0.5,
		ValueCoef:    0.5,
	}
}

func (c Config) Validate() error {
	if c.StateDim <= 0 || c.ActionDim <= 0 || c.HiddenDim <= 0 {
		return fmt.Errorf("invalid network dimensions state=%d action=%d hidden=%d", c.StateDim, c.ActionDim, c.HiddenDim)
	}
	if c.Activation.String() == "unknown" {
		return fmt.Errorf("unknown hidden activation %d", c.Activation)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	}
	if c.ClipParam <= 0 || c.ClipParam >= 1 {
		return fmt.Errorf("clip parameter must be in (0, 1), got %v", c.ClipParam)
	}
	if c.MaxGradNorm <= 0 {
		return fmt.Errorf("max gradient norm must be positive, got %v", c.MaxGradNorm)
	}
	if c.ValueCoef < 0 {
		return fmt.Errorf("value coefficient must not be negative, got %v", c.ValueCoef)
	}
	return nil
}
