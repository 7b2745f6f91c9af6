package goal

import (
	"fmt"
	"math"

	"github.com/zeu5/thought-chain-rl/types"
)

const (
	DefaultGoal      = 10.0
	DefaultGamma     = 0.99
	DefaultTolerance = 1e-3
)

// Environment is a one dimensional goal seeking reward generator.
// The agent moves along a line by integer deltas and is penalised by
// its distance to the goal on every step.
type Environment struct {
	state     []float64
	goal      float64
	gamma     float64
	tolerance float64
	rewards   []float64
	done      bool
}

var _ types.Environment = &Environment{}

// NewEnvironment creates an environment at the origin. gamma must be in [0, 1)
func NewEnvironment(goal, gamma float64) (*Environment, error) {
	if gamma < 0 || gamma >= 1 || math.IsNaN(gamma) {
		return nil, fmt.Errorf("discount factor must be in [0, 1), got %v", gamma)
	}
	return &Environment{
		state:     []float64{0},
		goal:      goal,
		gamma:     gamma,
		tolerance: DefaultTolerance,
		rewards:   make([]float64, 0),
	}, nil
}

// EnvironmentFactory returns a constructor usable by the population
func EnvironmentFactory(goal, gamma float64) (types.EnvironmentFactory, error) {
	if _, err := NewEnvironment(goal, gamma); err != nil {
		return nil, err
	}
	return func() types.Environment {
		env, _ := NewEnvironment(goal, gamma)
		return env
	}, nil
}

func (e *Environment) Reset() []float64 {
	e.state = []float64{0}
	e.done = false
	e.rewards = e.rewards[:0]
	return e.State()
}

func (e *Environment) Step(action int) ([]float64, float64, bool) {
	e.state[0] += float64(action)

	distance := math.Abs(e.goal - e.state[0])
	reward := -distance
	e.rewards = append(e.rewards, reward)

	if distance < e.tolerance {
		e.done = true
	}
	return e.State(), reward, e.done
}

// ComputeReturns returns the discounted returns of the current reward
// history in chronological order
func (e *Environment) ComputeReturns() []float64 {
	returns := make([]float64, len(e.rewards))
	g := 0.0
	for t := len(e.rewards) - 1; t >= 0; t-- {
		g = e.rewards[t] + e.gamma*g
		returns[t] = g
	}
	return returns
}

// ComputeAdvantages subtracts the value estimates from the returns.
// A single value is broadcast over all returns, missing values count as zero.
func (e *Environment) ComputeAdvantages(returns, values []float64) []float64 {
	advantages := make([]float64, len(returns))
	for i, r := range returns {
		v := 0.0
		switch {
		case len(values) == 1:
			v = values[0]
		case i < len(values):
			v = values[i]
		}
		advantages[i] = r - v
	}
	return advantages
}

func (e *Environment) State() []float64 {
	out := make([]float64, len(e.state))
	copy(out, e.state)
	return out
}

func (e *Environment) Rewards() []float64 {
	out := make([]float64, len(e.rewards))
	copy(out, e.rewards)
	return out
}

func (e *Environment) Done() bool {
	return e.done
}
