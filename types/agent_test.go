package types

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(learner Learner, episodeLen int, config *AgentConfig) *Agent {
	pool := NewLearnerPool()
	return NewAgent(0, 1, make([]float64, DefaultGeneticCodeLen), pool.Add(learner), newLineEnvFactory(episodeLen)(), config)
}

func TestAgentProcessStepsOwnEnvironment(t *testing.T) {
	learner := &scriptedLearner{action: 3}
	agent := newTestAgent(learner, 0, &AgentConfig{ActionOffset: 1})

	out, err := agent.Process(context.Background(), []float64{7})
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, out)
	assert.Equal(t, []float64{7}, agent.State())
	assert.Equal(t, 2.0, agent.Fitness())

	out, err = agent.Process(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, out)
	assert.Equal(t, 4.0, agent.Fitness())
	assert.Equal(t, 0, agent.Episodes())
}

func TestAgentProcessCopiesInput(t *testing.T) {
	agent := newTestAgent(&scriptedLearner{action: 1}, 0, nil)
	input := []float64{5}
	_, err := agent.Process(context.Background(), input)
	require.NoError(t, err)
	input[0] = 100
	assert.Equal(t, []float64{5}, agent.State())
}

func TestAgentLearnsAtEpisodeEnd(t *testing.T) {
	recorder := &eventRecorder{}
	learner := &scriptedLearner{action: 2}
	agent := newTestAgent(learner, 2, &AgentConfig{Recorder: recorder})
	ctx := context.Background()

	_, err := agent.Process(ctx, []float64{0})
	require.NoError(t, err)
	assert.Empty(t, learner.learned())

	_, err = agent.Process(ctx, []float64{1})
	require.NoError(t, err)
	require.Len(t, learner.learned(), 1)

	batch := learner.learned()[0]
	assert.Equal(t, [][]float64{{0}, {1}}, batch.States)
	assert.Equal(t, []int{2, 2}, batch.Actions)
	assert.Equal(t, []float64{2, 2}, batch.Returns)
	// values are the states under the scripted learner
	assert.Equal(t, []float64{2, 1}, batch.Advantages)
	assert.Equal(t, 1, agent.Episodes())
	assert.Equal(t, []string{UpdateOK}, recorder.updates)
	assert.Equal(t, 1, recorder.episodes)

	// the environment restarted from the origin
	out, err := agent.Process(ctx, []float64{0})
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, out)
}

func TestAgentHorizonTruncatesEpisodes(t *testing.T) {
	learner := &scriptedLearner{action: 1}
	agent := newTestAgent(learner, 0, &AgentConfig{Horizon: 3})
	for i := 0; i < 7; i++ {
		_, err := agent.Process(context.Background(), []float64{0})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, agent.Episodes())
	assert.Len(t, learner.learned(), 2)
}

func TestAgentSamplingFailureUsesNeutralAction(t *testing.T) {
	learner := &scriptedLearner{actErr: errScripted}
	agent := newTestAgent(learner, 0, &AgentConfig{ActionOffset: 4})

	out, err := agent.Process(context.Background(), []float64{1})
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, out)
	assert.Equal(t, 0.0, agent.Fitness())
}

func TestAgentEvaluationFailureUsesZeroValues(t *testing.T) {
	learner := &scriptedLearner{action: 1, evalErr: errScripted}
	agent := newTestAgent(learner, 1, nil)

	_, err := agent.Process(context.Background(), []float64{3})
	require.NoError(t, err)
	require.Len(t, learner.learned(), 1)
	assert.Equal(t, []float64{1}, learner.learned()[0].Advantages)
}

func TestAgentLearnTimeout(t *testing.T) {
	recorder := &eventRecorder{}
	learner := &scriptedLearner{action: 1, block: true}
	agent := newTestAgent(learner, 1, &AgentConfig{LearnTimeout: 20 * time.Millisecond, Recorder: recorder})

	start := time.Now()
	_, err := agent.Process(context.Background(), []float64{0})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{UpdateTimeout}, recorder.updates)
	assert.Equal(t, 1, agent.Episodes())
}

func TestAgentLearnCancelledIsNotATimeout(t *testing.T) {
	recorder := &eventRecorder{}
	learner := &scriptedLearner{action: 1, block: true}
	agent := newTestAgent(learner, 1, &AgentConfig{Recorder: recorder})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := agent.Process(ctx, []float64{0})
	require.NoError(t, err)
	assert.Equal(t, []string{UpdateFailed}, recorder.updates)
}

func TestAgentProcessCancelledWhileLearnerBusy(t *testing.T) {
	agent := newTestAgent(&scriptedLearner{action: 1}, 0, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = agent.Handle().Do(context.Background(), func(Learner) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := agent.Process(ctx, []float64{0})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
