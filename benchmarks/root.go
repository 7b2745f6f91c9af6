package benchmarks

import (
	"context"
	"os"
	"os/signal"

	"github.com/go-kit/log"
	"github.com/spf13/cobra"
	"github.com/zeu5/thought-chain-rl/config"
	"github.com/zeu5/thought-chain-rl/util"
)

var (
	configFile  string
	generations int
	steps       int
	saveFile    string
	runs        int
	parallel    int
	seed        uint64
	logLevel    string
	metricsAddr string
	activation  string
	cpuprofile  string
	memprofile  string
)

func GetRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:          "thought-chain-rl",
		Short:        "Evolutionary PPO training of thought chains",
		SilenceUsage: true,
	}
	rootCommand.PersistentFlags().StringVarP(&configFile, "config", "c", "", "TOML configuration file, defaults are used when empty")
	rootCommand.PersistentFlags().IntVarP(&generations, "generations", "g", 50, "Number of generations to evolve")
	rootCommand.PersistentFlags().IntVar(&steps, "steps", 100, "Pipeline calls per generation")
	rootCommand.PersistentFlags().StringVarP(&saveFile, "save", "s", "results", "Save the result data in the specified folder")
	rootCommand.PersistentFlags().IntVar(&runs, "runs", 1, "Number of experiment runs")
	rootCommand.PersistentFlags().IntVar(&parallel, "parallel", 1, "Number of runs executed concurrently")
	rootCommand.PersistentFlags().Uint64Var(&seed, "seed", 0, "Base random seed")
	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCommand.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9090")
	rootCommand.PersistentFlags().StringVar(&activation, "activation", "relu", "Hidden layer activation of the learners: relu, tanh or identity")
	rootCommand.PersistentFlags().StringVar(&cpuprofile, "cpuprofile", "", "Write a cpu profile to this file in the save folder")
	rootCommand.PersistentFlags().StringVar(&memprofile, "memprofile", "", "Write a heap profile to this file in the save folder")
	// adding the subcommands here
	rootCommand.AddCommand(TrainCommand())
	rootCommand.AddCommand(EnsembleCommand())
	return rootCommand
}

// loadConfig reads the configuration file and applies the flags set on the command line
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("generations") {
		cfg.Training.Generations = generations
	}
	if flags.Changed("steps") {
		cfg.Training.Steps = steps
	}
	if flags.Changed("save") {
		cfg.Training.SavePath = saveFile
	}
	if flags.Changed("runs") {
		cfg.Training.Runs = runs
	}
	if flags.Changed("parallel") {
		cfg.Training.Parallel = parallel
	}
	if flags.Changed("seed") {
		cfg.Training.Seed = seed
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("activation") {
		cfg.Learner.Activation = activation
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = metricsAddr
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (log.Logger, error) {
	return util.NewLogger(os.Stderr, cfg.Log.Level)
}

// interruptContext is cancelled on the first interrupt from the os
func interruptContext() (context.Context, context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
		cancel()
	}()
	return ctx, cancel
}
