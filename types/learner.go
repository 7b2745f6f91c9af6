package types

import (
	"context"

	"golang.org/x/exp/rand"
)

// Learner is a policy/value learner driven by an Agent
type Learner interface {
	// Act samples an action for the state and returns its log-probability
	Act([]float64) (int, float64, error)
	// Evaluate returns the action distribution and the value estimate of the state
	Evaluate(context.Context, []float64) (Evaluation, error)
	// Learn updates the learner with the transitions of one episode
	Learn(context.Context, *Batch) (UpdateStats, error)
	// Clone returns an independent deep copy of the learner
	Clone() Learner
}

// LearnerFactory creates the learner for the agent with the given index
type LearnerFactory func(int) (Learner, error)

// Evaluation is the deterministic output of a learner for a single state.
// Probs must be treated as read-only, it may be shared through a cache.
type Evaluation struct {
	Probs []float64
	Value float64
}

// Batch holds the transitions of an episode in chronological order
type Batch struct {
	States     [][]float64
	Actions    []int
	LogProbs   []float64
	Returns    []float64
	Advantages []float64
}

func (b *Batch) Len() int {
	return len(b.States)
}

// UpdateStats summarises a single optimisation step
type UpdateStats struct {
	ActorLoss    float64
	CriticLoss   float64
	Loss         float64
	GradNorm     float64
	ClipFraction float64
}

// RandomLearner picks actions uniformly at random and never learns
type RandomLearner struct {
	actions int
	rand    *rand.Rand
}

var _ Learner = &RandomLearner{}

func NewSeededRandomLearner(actions int, seed uint64) *RandomLearner {
	return &RandomLearner{
		actions: actions,
		rand:    rand.New(rand.NewSource(seed)),
	}
}

func (r *RandomLearner) Act(_ []float64) (int, float64, error) {
	if r.actions <= 0 {
		return 0, 0, NewLearnerError("act", "no actions available")
	}
	return r.rand.Intn(r.actions), -logInt(r.actions), nil
}

func (r *RandomLearner) Evaluate(_ context.Context, _ []float64) (Evaluation, error) {
	if r.actions <= 0 {
		return Evaluation{}, NewLearnerError("evaluate", "no actions available")
	}
	probs := make([]float64, r.actions)
	for i := range probs {
		probs[i] = 1 / float64(r.actions)
	}
	return Evaluation{Probs: probs}, nil
}

func (r *RandomLearner) Learn(ctx context.Context, _ *Batch) (UpdateStats, error) {
	if err := ctx.Err(); err != nil {
		return UpdateStats{}, &LearnerError{Op: "learn", Err: err}
	}
	return UpdateStats{}, nil
}

func (r *RandomLearner) Clone() Learner {
	return &RandomLearner{
		actions: r.actions,
		rand:    rand.New(rand.NewSource(r.rand.Uint64())),
	}
}
