// Package ensemble combines several learners into a bagging predictor.
//
// Members are evaluated concurrently, the predictions are joined and then
// averaged. A single failing member fails the whole prediction.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sourcegraph/conc/pool"
	"github.com/zeu5/thought-chain-rl/cache"
	"github.com/zeu5/thought-chain-rl/types"
	"gonum.org/v1/gonum/floats"
)

var ensembleIDs atomic.Int64

// Predictor is a single member of an ensemble
type Predictor interface {
	Predict(context.Context, []float64) (types.Evaluation, error)
}

type PredictorFunc func(context.Context, []float64) (types.Evaluation, error)

func (f PredictorFunc) Predict(ctx context.Context, input []float64) (types.Evaluation, error) {
	return f(ctx, input)
}

// FromHandle evaluates the learner of the handle while holding its lock
func FromHandle(h *types.LearnerHandle) Predictor {
	return PredictorFunc(func(ctx context.Context, input []float64) (types.Evaluation, error) {
		var eval types.Evaluation
		err := h.Do(ctx, func(l types.Learner) error {
			var err error
			eval, err = l.Evaluate(ctx, input)
			return err
		})
		return eval, err
	})
}

// FromElites returns a predictor for each distinct learner among the k fittest
// agents of the population. Aliased learners are included once.
func FromElites(p *types.Population, k int) []Predictor {
	seen := make(map[int]bool)
	members := make([]Predictor, 0, k)
	for _, a := range p.Elites(k) {
		h := a.Handle()
		if seen[h.ID()] {
			continue
		}
		seen[h.ID()] = true
		members = append(members, FromHandle(h))
	}
	return members
}

type Ensemble struct {
	id             int64
	members        []Predictor
	maxConcurrency int
	cache          *cache.GradientCache[types.Evaluation]
	logger         log.Logger
}

type Option func(*Ensemble)

// WithMaxConcurrency bounds the number of members evaluated at once, 0 is unbounded
func WithMaxConcurrency(n int) Option {
	return func(e *Ensemble) {
		e.maxConcurrency = n
	}
}

// WithCache memoizes predictions. Members must not change while the ensemble is in use.
func WithCache(c *cache.GradientCache[types.Evaluation]) Option {
	return func(e *Ensemble) {
		e.cache = c
	}
}

func WithLogger(logger log.Logger) Option {
	return func(e *Ensemble) {
		e.logger = logger
	}
}

func New(members []Predictor, opts ...Option) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, &types.EnsembleError{Member: -1, Err: errors.New("no members")}
	}
	e := &Ensemble{
		id:      ensembleIDs.Add(1),
		members: members,
		logger:  log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxConcurrency < 0 {
		return nil, &types.EnsembleError{Member: -1, Err: fmt.Errorf("invalid max concurrency %d", e.maxConcurrency)}
	}
	return e, nil
}

func (e *Ensemble) Len() int {
	return len(e.members)
}

func (e *Ensemble) cacheKey(input []float64) string {
	b := strings.Builder{}
	b.WriteString("ensemble/")
	b.WriteString(strconv.FormatInt(e.id, 10))
	for _, v := range input {
		b.WriteByte('/')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}

// BaggingPredict evaluates every member on the input and averages the action
// probabilities and the values
func (e *Ensemble) BaggingPredict(ctx context.Context, input []float64) (types.Evaluation, error) {
	key := ""
	if e.cache != nil {
		key = e.cacheKey(input)
		eval, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			return types.Evaluation{}, &types.EnsembleError{Member: -1, Err: err}
		}
		if ok {
			return eval, nil
		}
	}

	predictions, err := e.scatter(ctx, input)
	if err != nil {
		level.Warn(e.logger).Log("msg", "ensemble prediction failed", "err", err)
		return types.Evaluation{}, err
	}
	eval, err := reduce(predictions)
	if err != nil {
		return types.Evaluation{}, err
	}

	if e.cache != nil {
		if err := e.cache.Insert(ctx, key, eval); err != nil {
			return types.Evaluation{}, &types.EnsembleError{Member: -1, Err: err}
		}
	}
	return eval, nil
}

// scatter runs every member concurrently and joins all of them, cancelling
// the rest on the first failure
func (e *Ensemble) scatter(ctx context.Context, input []float64) ([]types.Evaluation, error) {
	predictions := make([]types.Evaluation, len(e.members))
	errs := make([]error, len(e.members))

	base := pool.New()
	if e.maxConcurrency > 0 {
		base = base.WithMaxGoroutines(e.maxConcurrency)
	}
	p := base.WithContext(ctx).WithCancelOnError()
	for i, member := range e.members {
		i, member := i, member
		p.Go(func(ctx context.Context) error {
			eval, err := member.Predict(ctx, input)
			if err != nil {
				errs[i] = err
				return err
			}
			predictions[i] = eval
			return nil
		})
	}
	if err := p.Wait(); err == nil {
		return predictions, nil
	}

	// report the member that failed rather than the ones it cancelled
	var cancelled error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			if cancelled == nil {
				cancelled = &types.EnsembleError{Member: i, Err: err}
			}
			continue
		}
		return nil, &types.EnsembleError{Member: i, Err: err}
	}
	return nil, cancelled
}

func reduce(predictions []types.Evaluation) (types.Evaluation, error) {
	n := float64(len(predictions))
	width := len(predictions[0].Probs)
	mean := types.Evaluation{Probs: make([]float64, width)}
	for i, p := range predictions {
		if len(p.Probs) != width {
			return types.Evaluation{}, &types.EnsembleError{
				Member: i,
				Err:    fmt.Errorf("predicted %d probabilities, expected %d", len(p.Probs), width),
			}
		}
		floats.Add(mean.Probs, p.Probs)
		mean.Value += p.Value
	}
	floats.Scale(1/n, mean.Probs)
	mean.Value /= n
	return mean, nil
}
