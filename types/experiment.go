package types

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sourcegraph/conc/pool"
	"github.com/zeu5/thought-chain-rl/util"
)

// PopulationConstructor builds a fresh population for the given run
type PopulationConstructor func(run int) (*Population, error)

type experimentRunConfig struct {
	// execution configuration
	CurrentRun    int
	Generations   int
	Steps         int
	Analyzers     map[string]Analyzer
	StopCondition StopCondition
	Context       context.Context

	// reports configuration
	RecordReports  bool
	ReportSavePath string

	// where to print the status, Out if nil
	Output *ParallelOutput
	Out    io.Writer
	Logger log.Logger

	//misc
	LongestExpNameLen int
}

// ExperimentResult summarises a single run of an experiment
type ExperimentResult struct {
	Run         int               `json:"run"`
	Name        string            `json:"name"`
	Generations int               `json:"generations"`
	Stopped     bool              `json:"stopped_early"`
	Final       GenerationSummary `json:"final"`
	Duration    time.Duration     `json:"duration"`
}

// Experiment trains a population for a number of generations. Each generation
// threads Steps inputs through the population and then evolves it.
type Experiment struct {
	Name          string
	newPopulation PopulationConstructor
}

// NewExperiment creates a new experiment instance
func NewExperiment(name string, newPopulation PopulationConstructor) *Experiment {
	return &Experiment{
		Name:          name,
		newPopulation: newPopulation,
	}
}

func (e *Experiment) recordSummary(rConfig *experimentRunConfig, summary GenerationSummary) error {
	reportFile := path.Join(rConfig.ReportSavePath, "reports", e.Name+"_"+strconv.Itoa(rConfig.CurrentRun)+".jsonl")
	bs, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return util.AppendToFile(reportFile, string(bs))
}

func (e *Experiment) printStatus(rConfig *experimentRunConfig, generation int, summary GenerationSummary) {
	status := fmt.Sprintf("Exp:%*s, Run:%d, Gen:%*d/%d || Best:%10.3f, Mean:%10.3f, Std:%9.3f, Learners:%d",
		rConfig.LongestExpNameLen, e.Name, rConfig.CurrentRun, len(strconv.Itoa(rConfig.Generations)), generation,
		rConfig.Generations, summary.Best, summary.Mean, summary.StdDev, summary.Learners)
	if rConfig.Output != nil {
		rConfig.Output.TrySet(status)
		return
	}
	fmt.Fprintf(rConfig.Out, "\r%s", status)
}

// Run the experiment for the configured number of generations, stopping early
// when the stop condition holds for a generation
func (e *Experiment) Run(rConfig *experimentRunConfig) (ExperimentResult, error) {
	result := ExperimentResult{Run: rConfig.CurrentRun, Name: e.Name}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	ctx := rConfig.Context
	logger := rConfig.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "experiment", e.Name, "run", rConfig.CurrentRun)

	population, err := e.newPopulation(rConfig.CurrentRun)
	if err != nil {
		return result, fmt.Errorf("creating population: %w", err)
	}

	input := make([]float64, population.StateDim())
	for generation := 0; generation < rConfig.Generations; generation++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		for step := 0; step < rConfig.Steps; step++ {
			output, err := population.Process(ctx, input)
			if err != nil {
				return result, err
			}
			input = output
		}

		summary, err := population.Evolve(ctx)
		if err != nil {
			level.Error(logger).Log("msg", "evolve failed", "generation", generation, "err", err)
			return result, err
		}
		result.Generations = generation + 1
		result.Final = summary

		for _, a := range rConfig.Analyzers {
			a.Analyze(rConfig.CurrentRun, e.Name, summary)
		}
		if rConfig.RecordReports {
			if err := e.recordSummary(rConfig, summary); err != nil {
				level.Warn(logger).Log("msg", "could not record generation report", "err", err)
			}
		}
		e.printStatus(rConfig, generation+1, summary)

		if rConfig.StopCondition != nil && rConfig.StopCondition(summary) {
			level.Info(logger).Log("msg", "stop condition satisfied", "generation", generation, "best", summary.Best)
			result.Stopped = true
			break
		}
	}
	if rConfig.Output == nil {
		fmt.Fprintln(rConfig.Out, "")
	}
	return result, nil
}

// Generic Dataset that contains information after processing the generations
type DataSet interface{}

// Analyzer compresses the generation summaries of a run into a DataSet
type Analyzer interface {
	// Run, experiment, summary of the completed generation
	Analyze(int, string, GenerationSummary)
	// Resulting dataset
	DataSet() DataSet
}

// AnalyzerConstructor creates an analyzer for a single run, runs execute concurrently
type AnalyzerConstructor func() Analyzer

// Comparator differentiates between different datasets with associated names
// run, experiment names, datasets
type Comparator func(int, []string, []DataSet) error

func NoopComparator() Comparator {
	return func(_ int, _ []string, _ []DataSet) error { return nil }
}

// ComparisonConfig contains the configuration for the comparison
type ComparisonConfig struct {
	Runs        int // number of runs
	Generations int // number of generations per run
	Steps       int // pipeline calls per generation
	Parallel    int // runs executed concurrently

	RecordPath    string // path to store the results
	RecordReports bool   // write a jsonl line per generation
	StopCondition StopCondition

	// PrintFrequency of the live terminal output of parallel runs
	PrintFrequency time.Duration
	// Output receives the progress lines, defaults to stdout
	Output io.Writer
	Logger log.Logger
}

// Comparison contains the different experiments to compare
// The generations obtained from the experiments are analyzed
// The analyzed datasets are then compared
type Comparison struct {
	Experiments []*Experiment
	analyzers   map[string]AnalyzerConstructor
	comparators map[string]Comparator
	cConfig     *ComparisonConfig
}

// NewComparison creates a comparison instance and the folders it records to
func NewComparison(config *ComparisonConfig) (*Comparison, error) {
	if config.Runs <= 0 || config.Generations <= 0 || config.Steps <= 0 {
		return nil, fmt.Errorf("runs, generations and steps must be positive, got %d, %d, %d", config.Runs, config.Generations, config.Steps)
	}
	if config.Parallel <= 0 {
		config.Parallel = 1
	}
	if config.PrintFrequency <= 0 {
		config.PrintFrequency = time.Second
	}
	if config.Logger == nil {
		config.Logger = log.NewNopLogger()
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}

	foldersToCreate := []string{config.RecordPath}
	if config.RecordReports {
		foldersToCreate = append(foldersToCreate, path.Join(config.RecordPath, "reports"))
	}
	for _, fldPath := range foldersToCreate {
		if err := os.MkdirAll(fldPath, 0777); err != nil {
			return nil, err
		}
	}

	return &Comparison{
		Experiments: make([]*Experiment, 0),
		analyzers:   make(map[string]AnalyzerConstructor),
		comparators: make(map[string]Comparator),
		cConfig:     config,
	}, nil
}

// AddAnalysis adds an analyzer and comparator to the comparison
func (c *Comparison) AddAnalysis(name string, analyzer AnalyzerConstructor, comparator Comparator) {
	c.analyzers[name] = analyzer
	c.comparators[name] = comparator
}

// Add experiments to compare
func (c *Comparison) AddExperiment(e *Experiment) {
	c.Experiments = append(c.Experiments, e)
}

// record the configuration of the comparison
func (c *Comparison) recordConfig() error {
	cfg := c.cConfig
	out := make(map[string]interface{})
	out["runs"] = cfg.Runs
	out["generations"] = cfg.Generations
	out["steps"] = cfg.Steps
	out["parallel"] = cfg.Parallel
	out["record_reports"] = cfg.RecordReports

	experiments := make([]string, 0)
	for _, e := range c.Experiments {
		experiments = append(experiments, e.Name)
	}
	out["experiments"] = experiments

	analyzers := make([]string, 0)
	for name := range c.analyzers {
		analyzers = append(analyzers, name)
	}
	out["analyzers"] = analyzers

	bs, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(path.Join(cfg.RecordPath, "comparison_config.json"), bs, 0644)
}

// Run the comparison, runs are executed concurrently up to the configured parallelism.
// The first failing run cancels the others.
func (c *Comparison) Run(ctx context.Context) ([]ExperimentResult, error) {
	if err := c.recordConfig(); err != nil {
		return nil, err
	}

	longestNameLen := 0
	for _, e := range c.Experiments {
		if len(e.Name) > longestNameLen {
			longestNameLen = len(e.Name)
		}
	}

	var outputs []*ParallelOutput
	if c.cConfig.Parallel > 1 {
		outputs = make([]*ParallelOutput, c.cConfig.Runs)
		for i := range outputs {
			outputs[i] = NewParallelOutput()
		}
		printer := NewTerminalPrinter(ctx, outputs, c.cConfig.PrintFrequency)
		printer.SetOutput(c.cConfig.Output)
		printer.Start()
		defer printer.Stop()
	}

	results := make([][]ExperimentResult, c.cConfig.Runs)
	p := pool.New().WithMaxGoroutines(c.cConfig.Parallel).WithContext(ctx).WithCancelOnError()
	for run := 0; run < c.cConfig.Runs; run++ {
		run := run
		p.Go(func(ctx context.Context) error {
			var output *ParallelOutput
			if outputs != nil {
				output = outputs[run]
				output.SetRunning(true)
				defer output.SetRunning(false)
			} else {
				fmt.Fprintf(c.cConfig.Output, "Run %d\n", run+1)
			}
			runResults, err := c.runOnce(ctx, run, longestNameLen, output)
			results[run] = runResults
			return err
		})
	}
	err := p.Wait()

	flat := make([]ExperimentResult, 0, c.cConfig.Runs*len(c.Experiments))
	for _, r := range results {
		flat = append(flat, r...)
	}
	return flat, err
}

// runOnce runs every experiment once, in order, and compares their datasets
func (c *Comparison) runOnce(ctx context.Context, run int, longestNameLen int, output *ParallelOutput) ([]ExperimentResult, error) {
	datasets := make(map[string][]DataSet)
	for name := range c.analyzers {
		datasets[name] = make([]DataSet, len(c.Experiments))
	}

	results := make([]ExperimentResult, 0, len(c.Experiments))
	names := make([]string, len(c.Experiments))
	for i, e := range c.Experiments {
		analyzers := make(map[string]Analyzer, len(c.analyzers))
		for name, newAnalyzer := range c.analyzers {
			analyzers[name] = newAnalyzer()
		}

		result, err := e.Run(&experimentRunConfig{
			CurrentRun:        run,
			Generations:       c.cConfig.Generations,
			Steps:             c.cConfig.Steps,
			Analyzers:         analyzers,
			StopCondition:     c.cConfig.StopCondition,
			Context:           ctx,
			RecordReports:     c.cConfig.RecordReports,
			ReportSavePath:    c.cConfig.RecordPath,
			Output:            output,
			Out:               c.cConfig.Output,
			Logger:            c.cConfig.Logger,
			LongestExpNameLen: longestNameLen,
		})
		if err != nil {
			return results, fmt.Errorf("experiment %s run %d: %w", e.Name, run, err)
		}
		results = append(results, result)

		for name, a := range analyzers {
			datasets[name][i] = a.DataSet()
		}
		names[i] = e.Name
	}

	for name, comp := range c.comparators {
		if err := comp(run, names, datasets[name]); err != nil {
			level.Warn(c.cConfig.Logger).Log("msg", "comparator failed", "analysis", name, "run", run, "err", err)
		}
	}
	return results, nil
}
