package benchmarks

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/zeu5/thought-chain-rl/cache"
	"github.com/zeu5/thought-chain-rl/config"
	"github.com/zeu5/thought-chain-rl/goal"
	"github.com/zeu5/thought-chain-rl/metrics"
	"github.com/zeu5/thought-chain-rl/nn"
	"github.com/zeu5/thought-chain-rl/ppo"
	"github.com/zeu5/thought-chain-rl/types"
	"github.com/zeu5/thought-chain-rl/util"
)

// training bundles what every population of a command shares
type training struct {
	cfg     *config.Config
	logger  log.Logger
	metrics *metrics.Metrics
	cache   *cache.GradientCache[types.Evaluation]
}

func newTraining(ctx context.Context, cfg *config.Config) (*training, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	m := metrics.New(cfg.Metrics.Namespace)
	if cfg.Metrics.Addr != "" {
		metrics.NewServer(ctx, cfg.Metrics.Addr, m, logger).Start()
	}
	c, err := cache.New[types.Evaluation](cfg.Cache.Capacity, cache.WithShards(cfg.Cache.Shards), cache.WithObserver(m))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Training.SavePath, os.ModePerm); err != nil {
		return nil, err
	}
	return &training{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		cache:   c,
	}, nil
}

func learnerConfig(cfg *config.Config, seed uint64) (ppo.Config, error) {
	l := cfg.Learner
	activation, err := nn.ParseActivation(l.Activation)
	if err != nil {
		return ppo.Config{}, err
	}
	c := ppo.DefaultConfig(1, l.Actions)
	c.HiddenDim = l.HiddenDim
	c.Activation = activation
	c.LearningRate = l.LearningRate
	c.ClipParam = l.ClipParam
	c.MaxGradNorm = l.MaxGradNorm
	c.ValueCoef = l.ValueCoef
	c.Seed = seed
	return c, nil
}

// populationConstructor creates populations of PPO learners on the goal environment.
// Every run gets its own seeds.
func (t *training) populationConstructor(mode types.ReproductionMode) types.PopulationConstructor {
	cfg := t.cfg
	return func(run int) (*types.Population, error) {
		envs, err := goal.EnvironmentFactory(cfg.Environment.Goal, cfg.Environment.Gamma)
		if err != nil {
			return nil, err
		}
		runSeed := cfg.Training.Seed + uint64(run)<<20
		lc, err := learnerConfig(cfg, runSeed)
		if err != nil {
			return nil, err
		}
		learners := ppo.Factory(lc, ppo.WithCache(t.cache))

		p, err := types.NewPopulation(&types.PopulationConfig{
			Size:              cfg.Population.Size,
			StateDim:          1,
			EliteFraction:     cfg.Population.EliteFraction,
			GeneticCodeLen:    cfg.Population.GeneticCodeLen,
			Reproduction:      mode,
			ResetCloneFitness: cfg.Population.ResetCloneFitness,
			MutationRate:      cfg.Population.MutationRate,
			MutationSigma:     cfg.Population.MutationSigma,
			Seed:              runSeed,
			Agent: types.AgentConfig{
				Horizon:      cfg.Environment.Horizon,
				ActionOffset: cfg.Learner.ActionOffset,
				LearnTimeout: cfg.Learner.LearnTimeout,
				Logger:       log.With(t.logger, "run", run, "mode", mode.String()),
				Recorder:     t.metrics,
			},
		}, learners, envs)
		if err != nil {
			return nil, err
		}
		t.metrics.Watch(p)
		return p, nil
	}
}

func TrainCommand() *cobra.Command {
	var modes []string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Evolve populations of PPO learners on the goal environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := interruptContext()
			defer cancel()
			return Train(ctx, cfg, modes)
		},
	}
	cmd.Flags().StringSliceVar(&modes, "modes", nil, "Reproduction modes to compare (copy, alias), defaults to the configured one")
	return cmd
}

// Train runs one experiment per reproduction mode and compares their fitness
func Train(ctx context.Context, cfg *config.Config, modes []string) error {
	t, err := newTraining(ctx, cfg)
	if err != nil {
		return err
	}
	if len(modes) == 0 {
		modes = []string{cfg.Population.Reproduction}
	}

	var stop types.StopCondition
	if cfg.Training.TargetFitness != 0 {
		stop = types.BestFitnessAtLeast(cfg.Training.TargetFitness)
	}
	c, err := types.NewComparison(&types.ComparisonConfig{
		Runs:          cfg.Training.Runs,
		Generations:   cfg.Training.Generations,
		Steps:         cfg.Training.Steps,
		Parallel:      cfg.Training.Parallel,
		RecordPath:    cfg.Training.SavePath,
		RecordReports: cfg.Training.RecordReports,
		StopCondition: stop,
		Logger:        t.logger,
	})
	if err != nil {
		return err
	}
	for _, name := range modes {
		mode, err := types.ParseReproductionMode(name)
		if err != nil {
			return err
		}
		c.AddExperiment(types.NewExperiment("ppo-"+mode.String(), t.populationConstructor(mode)))
	}
	c.AddAnalysis("fitness", types.FitnessAnalyzer, types.FitnessPlotComparator(path.Join(cfg.Training.SavePath, "plots")))
	c.AddAnalysis("summary", types.FitnessAnalyzer, types.FitnessPrintComparator())

	stopProfiling, err := startProfiling(cfg.Training.SavePath)
	if err != nil {
		return err
	}
	results, runErr := c.Run(ctx)
	if err := stopProfiling(); err != nil {
		level.Warn(t.logger).Log("msg", "profiling failed", "err", err)
	}

	if err := util.WriteJSON(path.Join(cfg.Training.SavePath, "results.json"), results); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("training: %w", runErr)
	}
	return nil
}
