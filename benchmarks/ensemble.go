package benchmarks

import (
	"context"
	"fmt"
	"path"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/zeu5/thought-chain-rl/cache"
	"github.com/zeu5/thought-chain-rl/config"
	"github.com/zeu5/thought-chain-rl/ensemble"
	"github.com/zeu5/thought-chain-rl/types"
	"github.com/zeu5/thought-chain-rl/util"
	"gonum.org/v1/gonum/floats"
)

type ensemblePrediction struct {
	Position float64   `json:"position"`
	Delta    int       `json:"delta"`
	Value    float64   `json:"value"`
	Probs    []float64 `json:"probs"`
}

func EnsembleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ensemble",
		Short: "Evolve a population and predict with a bagging ensemble of its elites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := interruptContext()
			defer cancel()
			return EnsembleRun(ctx, cfg)
		},
	}
}

// EnsembleRun evolves a single population and then predicts the preferred
// move at every integer position between the origin and the goal
func EnsembleRun(ctx context.Context, cfg *config.Config) error {
	t, err := newTraining(ctx, cfg)
	if err != nil {
		return err
	}
	mode, err := types.ParseReproductionMode(cfg.Population.Reproduction)
	if err != nil {
		return err
	}
	population, err := t.populationConstructor(mode)(0)
	if err != nil {
		return err
	}

	input := make([]float64, population.StateDim())
	for generation := 0; generation < cfg.Training.Generations; generation++ {
		for step := 0; step < cfg.Training.Steps; step++ {
			if input, err = population.Process(ctx, input); err != nil {
				return err
			}
		}
		summary, err := population.Evolve(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\rGen:%d/%d, Best:%10.3f, Mean:%10.3f", generation+1, cfg.Training.Generations, summary.Best, summary.Mean)
	}
	fmt.Println("")

	predictions, err := cache.New[types.Evaluation](cfg.Cache.Capacity, cache.WithObserver(t.metrics))
	if err != nil {
		return err
	}
	e, err := ensemble.New(
		ensemble.FromElites(population, cfg.Ensemble.Members),
		ensemble.WithMaxConcurrency(cfg.Ensemble.MaxConcurrency),
		ensemble.WithCache(predictions),
		ensemble.WithLogger(t.logger),
	)
	if err != nil {
		return err
	}
	level.Info(t.logger).Log("msg", "ensemble built", "members", e.Len())

	out := make([]ensemblePrediction, 0)
	for x := 0.0; x <= cfg.Environment.Goal; x++ {
		eval, err := e.BaggingPredict(ctx, []float64{x})
		if err != nil {
			return err
		}
		delta := floats.MaxIdx(eval.Probs) - cfg.Learner.ActionOffset
		fmt.Printf("Position %5.1f: move %+d (value %.3f)\n", x, delta, eval.Value)
		out = append(out, ensemblePrediction{
			Position: x,
			Delta:    delta,
			Value:    eval.Value,
			Probs:    eval.Probs,
		})
	}
	return util.WriteJSON(path.Join(cfg.Training.SavePath, "ensemble.json"), out)
}
