package ensemble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/thought-chain-rl/cache"
	"github.com/zeu5/thought-chain-rl/goal"
	"github.com/zeu5/thought-chain-rl/types"
)

func constant(probs []float64, value float64, calls *atomic.Int32) Predictor {
	return PredictorFunc(func(ctx context.Context, _ []float64) (types.Evaluation, error) {
		if calls != nil {
			calls.Add(1)
		}
		return types.Evaluation{Probs: probs, Value: value}, nil
	})
}

func TestBaggingPredictAverages(t *testing.T) {
	e, err := New([]Predictor{
		constant([]float64{1, 0}, 2, nil),
		constant([]float64{0, 1}, 4, nil),
		constant([]float64{0.5, 0.5}, 6, nil),
	}, WithMaxConcurrency(2))
	require.NoError(t, err)
	assert.Equal(t, 3, e.Len())

	eval, err := e.BaggingPredict(context.Background(), []float64{1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, eval.Probs, 1e-12)
	assert.InDelta(t, 4.0, eval.Value, 1e-12)
}

func TestBaggingPredictFailsOnAnyMember(t *testing.T) {
	failure := errors.New("member down")
	slow := PredictorFunc(func(ctx context.Context, _ []float64) (types.Evaluation, error) {
		select {
		case <-ctx.Done():
			return types.Evaluation{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return types.Evaluation{Probs: []float64{1}}, nil
		}
	})
	failing := PredictorFunc(func(context.Context, []float64) (types.Evaluation, error) {
		return types.Evaluation{}, failure
	})

	e, err := New([]Predictor{slow, failing})
	require.NoError(t, err)

	start := time.Now()
	_, err = e.BaggingPredict(context.Background(), []float64{0})
	var ensembleErr *types.EnsembleError
	require.True(t, errors.As(err, &ensembleErr))
	assert.Equal(t, 1, ensembleErr.Member)
	assert.ErrorIs(t, err, failure)
	// the slow member was cancelled
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestBaggingPredictRejectsMismatchedMembers(t *testing.T) {
	e, err := New([]Predictor{
		constant([]float64{1, 0}, 0, nil),
		constant([]float64{1}, 0, nil),
	})
	require.NoError(t, err)
	_, err = e.BaggingPredict(context.Background(), []float64{0})
	var ensembleErr *types.EnsembleError
	require.True(t, errors.As(err, &ensembleErr))
	assert.Equal(t, 1, ensembleErr.Member)
}

func TestBaggingPredictUsesCache(t *testing.T) {
	c, err := cache.New[types.Evaluation](4)
	require.NoError(t, err)
	calls := &atomic.Int32{}
	e, err := New([]Predictor{constant([]float64{1}, 1, calls), constant([]float64{1}, 3, calls)}, WithCache(c))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		eval, err := e.BaggingPredict(context.Background(), []float64{2})
		require.NoError(t, err)
		assert.Equal(t, 2.0, eval.Value)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New([]Predictor{constant([]float64{1}, 0, nil)}, WithMaxConcurrency(-1))
	assert.Error(t, err)
}

func TestFromElitesDeduplicatesAliasedLearners(t *testing.T) {
	envs, err := goal.EnvironmentFactory(goal.DefaultGoal, goal.DefaultGamma)
	require.NoError(t, err)
	p, err := types.NewPopulation(&types.PopulationConfig{
		Size:          4,
		StateDim:      1,
		EliteFraction: 0.25,
		Reproduction:  types.ReproduceAlias,
	}, func(i int) (types.Learner, error) {
		return types.NewSeededRandomLearner(3, uint64(i)), nil
	}, envs)
	require.NoError(t, err)

	assert.Len(t, FromElites(p, 4), 4)
	_, err = p.Evolve(context.Background())
	require.NoError(t, err)
	members := FromElites(p, 4)
	assert.Len(t, members, 1)

	e, err := New(members)
	require.NoError(t, err)
	eval, err := e.BaggingPredict(context.Background(), []float64{0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, eval.Probs, 1e-12)
}
