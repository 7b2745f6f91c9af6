package types

// Environment supplies the reward signal to a single agent
type Environment interface {
	// Reset starts a new episode and returns the initial state
	Reset() []float64
	// Step applies the action and returns the next state, reward and terminal flag
	Step(int) ([]float64, float64, bool)
	// ComputeReturns returns the discounted returns of the current episode
	ComputeReturns() []float64
	// ComputeAdvantages returns returns minus value estimates
	ComputeAdvantages([]float64, []float64) []float64
}

// EnvironmentFactory creates a fresh environment for every agent
type EnvironmentFactory func() Environment
