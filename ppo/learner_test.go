package ppo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/thought-chain-rl/cache"
	"github.com/zeu5/thought-chain-rl/nn"
	"github.com/zeu5/thought-chain-rl/types"
)

func newTestLearner(t *testing.T, opts ...Option) *Learner {
	t.Helper()
	config := DefaultConfig(1, 5)
	config.HiddenDim = 8
	config.Seed = 11
	l, err := New(config, opts...)
	require.NoError(t, err)
	return l
}

// newTestBatch samples actions from the learner so that the initial ratios are 1
func newTestBatch(t *testing.T, l *Learner) *types.Batch {
	t.Helper()
	batch := &types.Batch{
		Returns:    []float64{-3, -2, -1},
		Advantages: []float64{1, -0.5, 2},
	}
	for _, s := range []float64{0.5, 1.5, -1} {
		action, logProb, err := l.Act([]float64{s})
		require.NoError(t, err)
		batch.States = append(batch.States, []float64{s})
		batch.Actions = append(batch.Actions, action)
		batch.LogProbs = append(batch.LogProbs, logProb)
	}
	return batch
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, DefaultConfig(1, 3).Validate())

	bad := DefaultConfig(0, 3)
	assert.Error(t, bad.Validate())
	bad = DefaultConfig(1, 3)
	bad.ClipParam = 1.5
	assert.Error(t, bad.Validate())
	bad = DefaultConfig(1, 3)
	bad.LearningRate = 0
	_, err := New(bad)
	assert.Error(t, err)
}

func TestActSamplesValidActions(t *testing.T) {
	l := newTestLearner(t)
	eval, err := l.Evaluate(context.Background(), []float64{2})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sum(eval.Probs), 1e-9)

	for i := 0; i < 50; i++ {
		action, logProb, err := l.Act([]float64{2})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, action, 0)
		assert.Less(t, action, 5)
		assert.InDelta(t, math.Log(eval.Probs[action]), logProb, 1e-9)
	}

	_, _, err = l.Act([]float64{1, 2})
	assert.True(t, types.IsLearnerError(err))
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func checkGradients(t *testing.T, l *Learner, batch *types.Batch) {
	t.Helper()
	ctx := context.Background()
	_, err := l.computeGradients(ctx, batch)
	require.NoError(t, err)

	analytic := make([][]float64, len(l.params))
	for i, p := range l.params {
		analytic[i] = append([]float64(nil), p.Grad...)
	}

	const h = 1e-6
	for i, p := range l.params {
		for j := range p.Value {
			orig := p.Value[j]
			p.Value[j] = orig + h
			plus, err := l.computeGradients(ctx, batch)
			require.NoError(t, err)
			p.Value[j] = orig - h
			minus, err := l.computeGradients(ctx, batch)
			require.NoError(t, err)
			p.Value[j] = orig

			numeric := (plus.Loss - minus.Loss) / (2 * h)
			assert.InDelta(t, numeric, analytic[i][j], 1e-5, "%s[%d]", p.Name, j)
		}
	}
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	l := newTestLearner(t)
	checkGradients(t, l, newTestBatch(t, l))
}

func TestGradientsMatchFiniteDifferencesTanh(t *testing.T) {
	config := DefaultConfig(1, 4)
	config.HiddenDim = 6
	config.Activation = nn.Tanh
	config.Seed = 5
	l, err := New(config)
	require.NoError(t, err)
	checkGradients(t, l, newTestBatch(t, l))
}

func TestUpdateClipsGradientNorm(t *testing.T) {
	l := newTestLearner(t)
	batch := newTestBatch(t, l)
	for i := range batch.Returns {
		batch.Returns[i] = 100
		batch.Advantages[i] = 50
	}

	unclipped := l.Clone().(*Learner)
	_, err := unclipped.computeGradients(context.Background(), batch)
	require.NoError(t, err)
	raw := nn.GradNorm(unclipped.params)
	require.Greater(t, raw, l.config.MaxGradNorm)

	stats, err := l.Update(context.Background(), batch)
	require.NoError(t, err)
	assert.InDelta(t, raw, stats.GradNorm, 1e-9)
	assert.Greater(t, stats.GradNorm, 0.5)
	// the gradients applied by the optimiser stay in place after the step
	assert.LessOrEqual(t, nn.GradNorm(l.params), l.config.MaxGradNorm+1e-9)
}

func TestClippedRatiosHaveNoPolicyGradient(t *testing.T) {
	l := newTestLearner(t)
	batch := newTestBatch(t, l)
	// ratio exp(0.5) > 1 + eps with positive advantages selects the clipped term
	for i := range batch.LogProbs {
		batch.LogProbs[i] -= 0.5
		batch.Advantages[i] = 1
	}
	stats, err := l.computeGradients(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1.0, stats.ClipFraction)
	assert.InDelta(t, -1.2, stats.ActorLoss, 1e-9)
	assert.Equal(t, 0.0, nn.GradNorm(l.policy.Parameters()))
	assert.Greater(t, nn.GradNorm(l.value.Parameters()), 0.0)

	checkGradients(t, l, batch)
}

func TestUpdateReducesCriticLoss(t *testing.T) {
	l := newTestLearner(t)
	batch := newTestBatch(t, l)
	ctx := context.Background()

	first, err := l.Update(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.Version())

	var last types.UpdateStats
	for i := 0; i < 300; i++ {
		last, err = l.Update(ctx, batch)
		require.NoError(t, err)
	}
	assert.Less(t, last.CriticLoss, first.CriticLoss)
	assert.Equal(t, uint64(301), l.Version())
}

func TestUpdateErrors(t *testing.T) {
	l := newTestLearner(t)
	ctx := context.Background()

	_, err := l.Update(ctx, &types.Batch{})
	assert.True(t, types.IsLearnerError(err))

	batch := newTestBatch(t, l)
	batch.Actions[0] = 5
	_, err = l.Update(ctx, batch)
	assert.True(t, types.IsLearnerError(err))

	batch = newTestBatch(t, l)
	batch.Returns = batch.Returns[:1]
	_, err = l.Update(ctx, batch)
	assert.True(t, types.IsLearnerError(err))

	batch = newTestBatch(t, l)
	batch.Advantages[1] = math.NaN()
	_, err = l.Update(ctx, batch)
	assert.True(t, types.IsLearnerError(err))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Update(cancelled, newTestBatch(t, l))
	assert.True(t, types.IsLearnerError(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, uint64(0), l.Version())
}

func TestLearnSurfacesEvaluationErrors(t *testing.T) {
	l := newTestLearner(t)
	batch := newTestBatch(t, l)
	batch.States[2] = []float64{1, 1}

	_, err := l.Learn(context.Background(), batch)
	var evalErr *types.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.True(t, types.IsLearnerError(err))

	stats, err := l.Learn(context.Background(), newTestBatch(t, l))
	require.NoError(t, err)
	assert.True(t, nn.Finite(stats.Loss))
}

func TestEvaluateUsesCache(t *testing.T) {
	c, err := cache.New[types.Evaluation](16)
	require.NoError(t, err)
	l := newTestLearner(t, WithCache(c))
	ctx := context.Background()

	first, err := l.Evaluate(ctx, []float64{1})
	require.NoError(t, err)
	second, err := l.Evaluate(ctx, []float64{1})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Len())

	_, err = l.Update(ctx, newTestBatch(t, l))
	require.NoError(t, err)
	// a new parameter version must not reuse the stale entry
	_, err = l.Evaluate(ctx, []float64{1})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
}

func TestCloneIsIndependent(t *testing.T) {
	l := newTestLearner(t)
	ctx := context.Background()
	clone := l.Clone().(*Learner)
	assert.NotEqual(t, l.ID(), clone.ID())

	before, err := l.Evaluate(ctx, []float64{1})
	require.NoError(t, err)
	cloned, err := clone.Evaluate(ctx, []float64{1})
	require.NoError(t, err)
	assert.Equal(t, before, cloned)

	for i := 0; i < 10; i++ {
		_, err = clone.Update(ctx, newTestBatch(t, clone))
		require.NoError(t, err)
	}
	after, err := l.Evaluate(ctx, []float64{1})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(0), l.Version())
}

func TestFactorySeedsLearners(t *testing.T) {
	config := DefaultConfig(1, 3)
	factory := Factory(config)
	a, err := factory(0)
	require.NoError(t, err)
	b, err := factory(1)
	require.NoError(t, err)

	ea, err := a.Evaluate(context.Background(), []float64{1})
	require.NoError(t, err)
	eb, err := b.Evaluate(context.Background(), []float64{1})
	require.NoError(t, err)
	assert.NotEqual(t, ea.Value, eb.Value)
}
