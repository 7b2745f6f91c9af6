package types

import (
	"context"
	"errors"
	"sync"
)

// lineEnv moves along a line by the action and rewards the action itself.
// Episodes end after episodeLen steps, 0 never ends.
type lineEnv struct {
	position   float64
	rewards    []float64
	episodeLen int
}

func newLineEnvFactory(episodeLen int) EnvironmentFactory {
	return func() Environment {
		return &lineEnv{episodeLen: episodeLen}
	}
}

func (e *lineEnv) Reset() []float64 {
	e.position = 0
	e.rewards = nil
	return []float64{0}
}

func (e *lineEnv) Step(action int) ([]float64, float64, bool) {
	e.position += float64(action)
	e.rewards = append(e.rewards, float64(action))
	done := e.episodeLen > 0 && len(e.rewards) >= e.episodeLen
	return []float64{e.position}, float64(action), done
}

func (e *lineEnv) ComputeReturns() []float64 {
	return copyVector(e.rewards)
}

func (e *lineEnv) ComputeAdvantages(returns, values []float64) []float64 {
	out := make([]float64, len(returns))
	for i := range returns {
		out[i] = returns[i] - values[i]
	}
	return out
}

// scriptedLearner always picks the same action and records the batches it learns from
type scriptedLearner struct {
	mu      sync.Mutex
	action  int
	actErr  error
	evalErr error
	block   bool
	batches []*Batch
}

func (s *scriptedLearner) Act(_ []float64) (int, float64, error) {
	if s.actErr != nil {
		return 0, 0, s.actErr
	}
	return s.action, -0.5, nil
}

func (s *scriptedLearner) Evaluate(_ context.Context, state []float64) (Evaluation, error) {
	if s.evalErr != nil {
		return Evaluation{}, s.evalErr
	}
	return Evaluation{Probs: []float64{1}, Value: state[0]}, nil
}

func (s *scriptedLearner) Learn(ctx context.Context, batch *Batch) (UpdateStats, error) {
	if s.block {
		<-ctx.Done()
		return UpdateStats{}, &LearnerError{Op: "learn", Err: ctx.Err()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return UpdateStats{}, nil
}

func (s *scriptedLearner) Clone() Learner {
	return &scriptedLearner{action: s.action, actErr: s.actErr, evalErr: s.evalErr, block: s.block}
}

func (s *scriptedLearner) learned() []*Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

func scriptedFactory(action int) LearnerFactory {
	return func(int) (Learner, error) {
		return &scriptedLearner{action: action}, nil
	}
}

type eventRecorder struct {
	mu          sync.Mutex
	updates     []string
	episodes    int
	generations []GenerationSummary
}

func (r *eventRecorder) LearnerUpdate(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, outcome)
}

func (r *eventRecorder) EpisodeCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.episodes += 1
}

func (r *eventRecorder) GenerationCompleted(s GenerationSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations = append(r.generations, s)
}

var errScripted = errors.New("scripted failure")
