// Package config loads the training configuration from TOML files
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/zeu5/thought-chain-rl/nn"
)

type Config struct {
	Population  PopulationConfig  `toml:"population"`
	Learner     LearnerConfig     `toml:"learner"`
	Environment EnvironmentConfig `toml:"environment"`
	Cache       CacheConfig       `toml:"cache"`
	Ensemble    EnsembleConfig    `toml:"ensemble"`
	Training    TrainingConfig    `toml:"training"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Log         LogConfig         `toml:"log"`
}

type PopulationConfig struct {
	Size              int     `toml:"size"`
	EliteFraction     float64 `toml:"elite_fraction"`
	GeneticCodeLen    int     `toml:"genetic_code_len"`
	Reproduction      string  `toml:"reproduction"`
	ResetCloneFitness bool    `toml:"reset_clone_fitness"`
	MutationRate      float64 `toml:"mutation_rate"`
	MutationSigma     float64 `toml:"mutation_sigma"`
}

type LearnerConfig struct {
	// Actions is the number of discrete actions, action i moves the agent by i - ActionOffset
	Actions      int           `toml:"actions"`
	ActionOffset int           `toml:"action_offset"`
	HiddenDim    int           `toml:"hidden_dim"`
	Activation   string        `toml:"activation"`
	LearningRate float64       `toml:"learning_rate"`
	ClipParam    float64       `toml:"clip_param"`
	MaxGradNorm  float64       `toml:"max_grad_norm"`
	ValueCoef    float64       `toml:"value_coef"`
	LearnTimeout time.Duration `toml:"learn_timeout"`
}

type EnvironmentConfig struct {
	Goal    float64 `toml:"goal"`
	Gamma   float64 `toml:"gamma"`
	Horizon int     `toml:"horizon"`
}

type CacheConfig struct {
	Capacity int `toml:"capacity"`
	Shards   int `toml:"shards"`
}

type EnsembleConfig struct {
	Members        int `toml:"members"`
	MaxConcurrency int `toml:"max_concurrency"`
}

type TrainingConfig struct {
	Runs          int    `toml:"runs"`
	Generations   int    `toml:"generations"`
	Steps         int    `toml:"steps"`
	Parallel      int    `toml:"parallel"`
	Seed          uint64 `toml:"seed"`
	SavePath      string `toml:"save_path"`
	RecordReports bool   `toml:"record_reports"`
	// TargetFitness stops a run once the best agent reaches it, 0 disables it
	TargetFitness float64 `toml:"target_fitness"`
}

type MetricsConfig struct {
	// Addr of the metrics server, empty disables it
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Population: PopulationConfig{
			Size:           10,
			EliteFraction:  0.2,
			GeneticCodeLen: 10,
			Reproduction:   "copy",
			MutationSigma:  0.1,
		},
		Learner: LearnerConfig{
			Actions:      21,
			ActionOffset: 10,
			HiddenDim:    64,
			Activation:   "relu",
			LearningRate: 1e-3,
			ClipParam:    0.2,
			MaxGradNorm:  0.5,
			ValueCoef:    0.5,
			LearnTimeout: 5 * time.Second,
		},
		Environment: EnvironmentConfig{
			Goal:    10,
			Gamma:   0.99,
			Horizon: 50,
		},
		Cache: CacheConfig{
			Capacity: 1000,
			Shards:   1,
		},
		Ensemble: EnsembleConfig{
			Members: 5,
		},
		Training: TrainingConfig{
			Runs:          1,
			Generations:   50,
			Steps:         100,
			Parallel:      1,
			SavePath:      "results",
			RecordReports: true,
		},
		Metrics: MetricsConfig{
			Namespace: "thought_chain",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the file on top of the defaults. Keys that do not map to a
// field are rejected.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	p := c.Population
	check(p.Size >= 0, "population.size must not be negative")
	check(p.EliteFraction > 0 && p.EliteFraction <= 1, "population.elite_fraction must be in (0, 1]")
	check(p.GeneticCodeLen > 0, "population.genetic_code_len must be positive")
	check(p.Reproduction == "copy" || p.Reproduction == "alias", "population.reproduction must be copy or alias, got %q", p.Reproduction)
	check(p.MutationRate >= 0 && p.MutationRate <= 1, "population.mutation_rate must be in [0, 1]")
	check(p.MutationSigma >= 0, "population.mutation_sigma must not be negative")

	l := c.Learner
	check(l.Actions > 0, "learner.actions must be positive")
	check(l.ActionOffset >= 0 && l.ActionOffset < l.Actions, "learner.action_offset must be a valid action index")
	check(l.HiddenDim > 0, "learner.hidden_dim must be positive")
	if _, err := nn.ParseActivation(l.Activation); err != nil {
		errs = append(errs, fmt.Errorf("learner.activation: %w", err))
	}
	check(l.LearningRate > 0, "learner.learning_rate must be positive")
	check(l.ClipParam > 0 && l.ClipParam < 1, "learner.clip_param must be in (0, 1)")
	check(l.MaxGradNorm > 0, "learner.max_grad_norm must be positive")
	check(l.ValueCoef >= 0, "learner.value_coef must not be negative")
	check(l.LearnTimeout >= 0, "learner.learn_timeout must not be negative")

	e := c.Environment
	check(e.Gamma >= 0 && e.Gamma < 1, "environment.gamma must be in [0, 1)")
	check(e.Horizon >= 0, "environment.horizon must not be negative")

	check(c.Cache.Capacity > 0, "cache.capacity must be positive")
	check(c.Cache.Shards > 0 && c.Cache.Shards <= c.Cache.Capacity, "cache.shards must be in [1, capacity]")
	check(c.Ensemble.Members > 0, "ensemble.members must be positive")
	check(c.Ensemble.MaxConcurrency >= 0, "ensemble.max_concurrency must not be negative")

	t := c.Training
	check(t.Runs > 0, "training.runs must be positive")
	check(t.Generations > 0, "training.generations must be positive")
	check(t.Steps > 0, "training.steps must be positive")
	check(t.Parallel > 0, "training.parallel must be positive")

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}

	return errors.Join(errs...)
}
