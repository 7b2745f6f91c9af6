// Package ppo implements a policy/value learner trained with the clipped
// surrogate objective of proximal policy optimisation.
package ppo

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/zeu5/thought-chain-rl/cache"
	"github.com/zeu5/thought-chain-rl/nn"
	"github.com/zeu5/thought-chain-rl/types"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

var learnerIDs atomic.Int64

// Learner holds a policy network producing action logits, a value network and
// a single Adam optimiser over both. A Learner is not safe for concurrent use,
// agents access it through a types.LearnerHandle.
type Learner struct {
	id      int64
	version uint64
	config  Config

	policy *nn.MLP
	value  *nn.MLP
	params []*nn.Parameter
	opt    *nn.Adam

	source rand.Source
	cache  *cache.GradientCache[types.Evaluation]
}

var _ types.Learner = &Learner{}

type Option func(*Learner)

// WithCache memoizes evaluations in c, shared between learners
func WithCache(c *cache.GradientCache[types.Evaluation]) Option {
	return func(l *Learner) {
		l.cache = c
	}
}

func New(config Config, opts ...Option) (*Learner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	source := rand.NewSource(config.Seed)
	rng := rand.New(source)

	policy, err := nn.NewMLP("policy", []int{config.StateDim, config.HiddenDim, config.ActionDim}, config.Activation, rng)
	if err != nil {
		return nil, err
	}
	value, err := nn.NewMLP("value", []int{config.StateDim, config.HiddenDim, 1}, config.Activation, rng)
	if err != nil {
		return nil, err
	}

	l := &Learner{
		id:     learnerIDs.Add(1),
		config: config,
		policy: policy,
		value:  value,
		source: source,
	}
	l.params = append(policy.Parameters(), value.Parameters()...)
	l.opt = nn.NewAdam(l.params, config.LearningRate)
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Factory returns a types.LearnerFactory creating learners seeded with seed+index
func Factory(config Config, opts ...Option) types.LearnerFactory {
	return func(i int) (types.Learner, error) {
		c := config
		c.Seed = config.Seed + uint64(i)
		return New(c, opts...)
	}
}

func (l *Learner) ID() int64 {
	return l.id
}

// Version is incremented by every applied update
func (l *Learner) Version() uint64 {
	return l.version
}

// Act samples an action from the softmax policy
func (l *Learner) Act(state []float64) (int, float64, error) {
	logits, _, err := l.policy.Forward(state)
	if err != nil {
		return 0, 0, &types.LearnerError{Op: "act", Err: err}
	}
	logProbs := nn.LogSoftmax(logits)
	if !nn.Finite(logProbs...) {
		return 0, 0, types.NewLearnerError("act", "policy produced non finite log-probabilities")
	}
	probs := make([]float64, len(logProbs))
	for i, lp := range logProbs {
		probs[i] = math.Exp(lp)
	}
	i, ok := sampleuv.NewWeighted(probs, l.source).Take()
	if !ok {
		return 0, 0, types.NewLearnerError("act", "could not sample an action")
	}
	return i, logProbs[i], nil
}

func (l *Learner) cacheKey(state []float64) string {
	b := strings.Builder{}
	b.WriteString(strconv.FormatInt(l.id, 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(l.version, 10))
	for _, s := range state {
		b.WriteByte('/')
		b.WriteString(strconv.FormatFloat(s, 'g', -1, 64))
	}
	return b.String()
}

// Evaluate returns the action probabilities and the value of the state
func (l *Learner) Evaluate(ctx context.Context, state []float64) (types.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return types.Evaluation{}, &types.LearnerError{Op: "evaluate", Err: err}
	}
	key := ""
	if l.cache != nil {
		key = l.cacheKey(state)
		eval, ok, err := l.cache.Get(ctx, key)
		if err != nil {
			return types.Evaluation{}, &types.LearnerError{Op: "evaluate", Err: err}
		}
		if ok {
			return eval, nil
		}
	}

	logits, _, err := l.policy.Forward(state)
	if err != nil {
		return types.Evaluation{}, &types.LearnerError{Op: "evaluate", Err: err}
	}
	value, _, err := l.value.Forward(state)
	if err != nil {
		return types.Evaluation{}, &types.LearnerError{Op: "evaluate", Err: err}
	}
	eval := types.Evaluation{
		Probs: nn.Softmax(logits),
		Value: value[0],
	}
	if !nn.Finite(eval.Value) || !nn.Finite(eval.Probs...) {
		return types.Evaluation{}, types.NewLearnerError("evaluate", "non finite output")
	}

	if l.cache != nil {
		if err := l.cache.Insert(ctx, key, eval); err != nil {
			return types.Evaluation{}, &types.LearnerError{Op: "evaluate", Err: err}
		}
	}
	return eval, nil
}

// Learn evaluates every state of the batch and then applies a single update
func (l *Learner) Learn(ctx context.Context, batch *types.Batch) (types.UpdateStats, error) {
	if batch == nil {
		return types.UpdateStats{}, types.NewLearnerError("learn", "nil batch")
	}
	for i, s := range batch.States {
		if _, err := l.Evaluate(ctx, s); err != nil {
			return types.UpdateStats{}, &types.EvaluationError{Err: fmt.Errorf("state %d: %w", i, err)}
		}
	}
	return l.Update(ctx, batch)
}

// Update performs one optimisation step on the clipped surrogate loss plus the
// scaled value loss. Gradients are clipped to MaxGradNorm before the step.
func (l *Learner) Update(ctx context.Context, batch *types.Batch) (stats types.UpdateStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			stats = types.UpdateStats{}
			err = types.NewLearnerError("update", "recovered from panic: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return types.UpdateStats{}, &types.LearnerError{Op: "update", Err: err}
	}
	if err := l.checkBatch(batch); err != nil {
		return types.UpdateStats{}, err
	}

	stats, err = l.computeGradients(ctx, batch)
	if err != nil {
		return types.UpdateStats{}, err
	}
	if !nn.Finite(stats.Loss, stats.ActorLoss, stats.CriticLoss) {
		l.policy.ZeroGrad()
		l.value.ZeroGrad()
		return types.UpdateStats{}, types.NewLearnerError("update", "non finite loss %v", stats.Loss)
	}

	stats.GradNorm = nn.ClipGradNorm(l.params, l.config.MaxGradNorm)
	if !nn.Finite(stats.GradNorm) {
		return types.UpdateStats{}, types.NewLearnerError("update", "non finite gradient norm")
	}
	if err := ctx.Err(); err != nil {
		return types.UpdateStats{}, &types.LearnerError{Op: "update", Err: err}
	}
	if err := l.opt.Step(l.params); err != nil {
		return types.UpdateStats{}, &types.LearnerError{Op: "update", Err: err}
	}
	l.version += 1
	return stats, nil
}

func (l *Learner) checkBatch(batch *types.Batch) error {
	if batch == nil || batch.Len() == 0 {
		return types.NewLearnerError("update", "empty batch")
	}
	n := batch.Len()
	if len(batch.Actions) != n || len(batch.LogProbs) != n || len(batch.Returns) != n || len(batch.Advantages) != n {
		return types.NewLearnerError("update",
			"batch length mismatch: states=%d actions=%d log_probs=%d returns=%d advantages=%d",
			n, len(batch.Actions), len(batch.LogProbs), len(batch.Returns), len(batch.Advantages))
	}
	for i, a := range batch.Actions {
		if a < 0 || a >= l.config.ActionDim {
			return types.NewLearnerError("update", "action %d at step %d out of range [0, %d)", a, i, l.config.ActionDim)
		}
		if len(batch.States[i]) != l.config.StateDim {
			return types.NewLearnerError("update", "state at step %d has size %d, expected %d", i, len(batch.States[i]), l.config.StateDim)
		}
	}
	return nil
}

// computeGradients zeroes and then accumulates the gradients of the loss over
// the batch, returning the loss terms
func (l *Learner) computeGradients(ctx context.Context, batch *types.Batch) (types.UpdateStats, error) {
	l.policy.ZeroGrad()
	l.value.ZeroGrad()

	n := float64(batch.Len())
	eps := l.config.ClipParam
	stats := types.UpdateStats{}
	clipped := 0

	for i, state := range batch.States {
		if err := ctx.Err(); err != nil {
			return types.UpdateStats{}, &types.LearnerError{Op: "update", Err: err}
		}
		action := batch.Actions[i]
		advantage := batch.Advantages[i]

		logits, policyActs, err := l.policy.Forward(state)
		if err != nil {
			return types.UpdateStats{}, &types.LearnerError{Op: "update", Err: err}
		}
		logProbs := nn.LogSoftmax(logits)
		ratio := math.Exp(logProbs[action] - batch.LogProbs[i])
		clippedRatio := math.Max(1-eps, math.Min(1+eps, ratio))
		surr1 := ratio * advantage
		surr2 := clippedRatio * advantage
		stats.ActorLoss -= math.Min(surr1, surr2) / n
		if math.Abs(ratio-1) > eps {
			clipped += 1
		}

		// d(-min(surr1, surr2)/n)/d logits, zero when the clipped term is selected
		gradLogits := make([]float64, len(logits))
		if surr1 <= surr2 {
			coef := -ratio * advantage / n
			for j, lp := range logProbs {
				indicator := 0.0
				if j == action {
					indicator = 1
				}
				gradLogits[j] = coef * (indicator - math.Exp(lp))
			}
		}
		if err := l.policy.Backward(policyActs, gradLogits); err != nil {
			return types.UpdateStats{}, &types.LearnerError{Op: "update", Err: err}
		}

		value, valueActs, err := l.value.Forward(state)
		if err != nil {
			return types.UpdateStats{}, &types.LearnerError{Op: "update", Err: err}
		}
		diff := batch.Returns[i] - value[0]
		stats.CriticLoss += diff * diff / n
		gradValue := []float64{-2 * l.config.ValueCoef * diff / n}
		if err := l.value.Backward(valueActs, gradValue); err != nil {
			return types.UpdateStats{}, &types.LearnerError{Op: "update", Err: err}
		}
	}

	stats.Loss = stats.ActorLoss + l.config.ValueCoef*stats.CriticLoss
	stats.ClipFraction = float64(clipped) / n
	return stats, nil
}

// Clone returns a deep copy with a new identity and an independent random stream
func (l *Learner) Clone() types.Learner {
	rng := rand.New(l.source)
	source := rand.NewSource(rng.Uint64())
	c := &Learner{
		id:      learnerIDs.Add(1),
		version: l.version,
		config:  l.config,
		policy:  l.policy.Clone(),
		value:   l.value.Clone(),
		opt:     l.opt.Clone(),
		source:  source,
		cache:   l.cache,
	}
	c.params = append(c.policy.Parameters(), c.value.Parameters()...)
	return c
}
