package types

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// AgentConfig configures how an agent drives its environment
type AgentConfig struct {
	// Horizon truncates episodes that do not reach a terminal state, 0 disables it
	Horizon int
	// ActionOffset is subtracted from the sampled action index to obtain the
	// environment delta, so that indices [0, 2*offset] map to [-offset, offset]
	ActionOffset int
	// LearnTimeout bounds a single learner update, 0 disables it
	LearnTimeout time.Duration
	Logger       log.Logger
	Recorder     Recorder
}

func (c *AgentConfig) logger() log.Logger {
	if c == nil || c.Logger == nil {
		return log.NewNopLogger()
	}
	return c.Logger
}

func (c *AgentConfig) recorder() Recorder {
	if c == nil || c.Recorder == nil {
		return NopRecorder()
	}
	return c.Recorder
}

// Agent couples a learner with a fitness score and a genetic code.
// Each agent owns its environment, episodes span several calls to Process.
type Agent struct {
	mu sync.Mutex

	id          int
	state       []float64
	fitness     float64
	geneticCode []float64
	episodes    int

	handle      *LearnerHandle
	environment Environment
	trace       *Trace

	config *AgentConfig
	logger log.Logger
}

// NewAgent creates an agent with a zero state of the given dimension
func NewAgent(id int, stateDim int, geneticCode []float64, handle *LearnerHandle, environment Environment, config *AgentConfig) *Agent {
	if config == nil {
		config = &AgentConfig{}
	}
	a := &Agent{
		id:          id,
		state:       make([]float64, stateDim),
		geneticCode: copyVector(geneticCode),
		handle:      handle,
		environment: environment,
		trace:       NewTrace(),
		config:      config,
	}
	a.logger = log.With(config.logger(), "agent", id)
	a.environment.Reset()
	return a
}

// Process takes one step of the current episode with input as the observed state
// and returns the next state of the agent's environment.
// Learner failures are logged and absorbed, the only error returned is the
// context error when the learner lock could not be acquired.
func (a *Agent) Process(ctx context.Context, input []float64) ([]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = copyVector(input)

	action, logProb := a.config.ActionOffset, 0.0
	err := a.handle.Do(ctx, func(l Learner) error {
		act, lp, err := l.Act(a.state)
		if err != nil {
			return err
		}
		action, logProb = act, lp
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		level.Warn(a.logger).Log("msg", "sampling failed, using neutral action", "err", err)
	}

	nextState, reward, done := a.environment.Step(action - a.config.ActionOffset)
	a.fitness += reward
	a.trace.Append(a.state, action, logProb)

	truncated := a.config.Horizon > 0 && a.trace.Len() >= a.config.Horizon
	if done || truncated {
		if err := a.finishEpisode(ctx); err != nil {
			return nil, err
		}
	}
	return nextState, nil
}

// finishEpisode computes returns and advantages for the trace, updates the
// learner and starts a new episode
func (a *Agent) finishEpisode(ctx context.Context) error {
	returns := a.environment.ComputeReturns()
	values := make([]float64, a.trace.Len())

	err := a.handle.Do(ctx, func(l Learner) error {
		for i, s := range a.trace.States() {
			eval, err := l.Evaluate(ctx, s)
			if err != nil {
				level.Warn(a.logger).Log("msg", "value estimate failed, using zero", "step", i, "err", err)
				continue
			}
			values[i] = eval.Value
		}
		return nil
	})
	if err != nil {
		return err
	}

	advantages := a.environment.ComputeAdvantages(returns, values)
	a.learn(ctx, a.trace.Batch(returns, advantages))

	a.episodes += 1
	a.config.recorder().EpisodeCompleted()
	a.environment.Reset()
	a.trace = NewTrace()
	return nil
}

// learn runs the update in the background and waits for it or for the timeout.
// A timed out update keeps the learner lock until it completes.
func (a *Agent) learn(ctx context.Context, batch *Batch) {
	learnCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.config.LearnTimeout > 0 {
		learnCtx, cancel = context.WithTimeout(ctx, a.config.LearnTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.handle.Do(learnCtx, func(l Learner) error {
			_, err := l.Learn(learnCtx, batch)
			return err
		})
	}()

	recorder := a.config.recorder()
	select {
	case err := <-done:
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				recorder.LearnerUpdate(UpdateTimeout)
			} else {
				recorder.LearnerUpdate(UpdateFailed)
			}
			level.Warn(a.logger).Log("msg", "learner update failed", "episode", a.episodes, "err", err)
			return
		}
		recorder.LearnerUpdate(UpdateOK)
	case <-learnCtx.Done():
		err := learnCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			recorder.LearnerUpdate(UpdateTimeout)
			level.Warn(a.logger).Log("msg", "learner update timed out", "episode", a.episodes, "err", err)
			return
		}
		recorder.LearnerUpdate(UpdateFailed)
		level.Warn(a.logger).Log("msg", "learner update cancelled", "episode", a.episodes, "err", err)
	}
}

// clone returns a new agent sharing nothing but the given learner handle with a.
// The caller must hold a.mu.
func (a *Agent) clone(id int, handle *LearnerHandle, environment Environment, inheritFitness bool) *Agent {
	child := NewAgent(id, len(a.state), a.geneticCode, handle, environment, a.config)
	child.state = copyVector(a.state)
	if inheritFitness {
		child.fitness = a.fitness
	}
	return child
}

func (a *Agent) ID() int {
	return a.id
}

func (a *Agent) Fitness() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fitness
}

func (a *Agent) GeneticCode() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyVector(a.geneticCode)
}

func (a *Agent) State() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyVector(a.state)
}

// Episodes returns the number of completed episodes
func (a *Agent) Episodes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.episodes
}

func (a *Agent) Handle() *LearnerHandle {
	return a.handle
}
