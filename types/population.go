package types

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const DefaultGeneticCodeLen = 10

// ReproductionMode decides what a clone receives from its elite parent
type ReproductionMode int

const (
	// ReproduceCopy gives every clone a deep copy of the parent's learner
	ReproduceCopy ReproductionMode = iota
	// ReproduceAlias makes the clone share the parent's learner and its lock
	ReproduceAlias
)

func (m ReproductionMode) String() string {
	switch m {
	case ReproduceCopy:
		return "copy"
	case ReproduceAlias:
		return "alias"
	}
	return "unknown"
}

func ParseReproductionMode(s string) (ReproductionMode, error) {
	switch strings.ToLower(s) {
	case "copy", "":
		return ReproduceCopy, nil
	case "alias":
		return ReproduceAlias, nil
	}
	return ReproduceCopy, fmt.Errorf("unknown reproduction mode: %s", s)
}

type PopulationConfig struct {
	Size           int
	StateDim       int
	EliteFraction  float64
	GeneticCodeLen int
	Reproduction   ReproductionMode
	// ResetCloneFitness starts clones at zero fitness instead of the parent's fitness
	ResetCloneFitness bool
	// MutationRate is the per gene probability of a gaussian perturbation
	// with standard deviation MutationSigma, 0 disables mutation
	MutationRate  float64
	MutationSigma float64
	Seed          uint64
	Agent         AgentConfig
}

// GenerationSummary describes the fitness of a population at the end of a generation
type GenerationSummary struct {
	Generation int     `json:"generation"`
	Size       int     `json:"size"`
	EliteCount int     `json:"elite_count"`
	Best       float64 `json:"best_fitness"`
	Mean       float64 `json:"mean_fitness"`
	Min        float64 `json:"min_fitness"`
	StdDev     float64 `json:"std_fitness"`
	Learners   int     `json:"learners"`
}

// Population is an ordered chain of agents evolved by elitist selection
type Population struct {
	mu sync.RWMutex

	agents       []*Agent
	pool         *LearnerPool
	environments EnvironmentFactory
	config       *PopulationConfig
	rand         *rand.Rand
	nextAgentID  int
	generation   int
	logger       log.Logger
}

func NewPopulation(c *PopulationConfig, learners LearnerFactory, environments EnvironmentFactory) (*Population, error) {
	config := *c
	if config.Size < 0 {
		return nil, &PopulationError{Reason: fmt.Sprintf("invalid population size %d", config.Size)}
	}
	if !(config.EliteFraction > 0 && config.EliteFraction <= 1) {
		return nil, &PopulationError{Reason: fmt.Sprintf("elite fraction must be in (0, 1], got %v", config.EliteFraction)}
	}
	if config.StateDim <= 0 {
		return nil, &PopulationError{Reason: fmt.Sprintf("invalid state dimension %d", config.StateDim)}
	}
	if config.MutationRate < 0 || config.MutationRate > 1 {
		return nil, &PopulationError{Reason: fmt.Sprintf("mutation rate must be in [0, 1], got %v", config.MutationRate)}
	}
	if config.GeneticCodeLen <= 0 {
		config.GeneticCodeLen = DefaultGeneticCodeLen
	}
	if learners == nil || environments == nil {
		return nil, &PopulationError{Reason: "learner and environment factories are required"}
	}

	p := &Population{
		agents:       make([]*Agent, 0, config.Size),
		pool:         NewLearnerPool(),
		environments: environments,
		config:       &config,
		rand:         rand.New(rand.NewSource(config.Seed)),
		logger:       config.Agent.logger(),
	}
	for i := 0; i < config.Size; i++ {
		learner, err := learners(i)
		if err != nil {
			return nil, fmt.Errorf("creating learner %d: %w", i, err)
		}
		p.AddAgent(learner)
	}
	return p, nil
}

// AddAgent registers the learner in the pool and appends a new agent owning it
func (p *Population) AddAgent(learner Learner) *Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	agent := NewAgent(
		p.nextAgentID,
		p.config.StateDim,
		make([]float64, p.config.GeneticCodeLen),
		p.pool.Add(learner),
		p.environments(),
		&p.config.Agent,
	)
	p.nextAgentID += 1
	p.agents = append(p.agents, agent)
	return agent
}

// Process threads the input through every agent in order, the output
// of agent i is the input of agent i+1
func (p *Population) Process(ctx context.Context, input []float64) ([]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	current := copyVector(input)
	for _, agent := range p.agents {
		next, err := agent.Process(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("agent %d: %w", agent.ID(), err)
		}
		current = next
	}
	return current, nil
}

// Evolve keeps the top ceil(size * eliteFraction) agents and refills the
// population with clones of uniformly chosen elites.
// No agent may be processing while Evolve runs, the write lock enforces it.
func (p *Population) Evolve(ctx context.Context) (GenerationSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := len(p.agents)
	if size == 0 {
		return GenerationSummary{}, &PopulationError{Reason: "population is empty"}
	}

	fitness := p.fitnessSnapshot()
	ranked := rankDescending(fitness)

	eliteCount := int(math.Ceil(float64(size) * p.config.EliteFraction))
	if eliteCount > size {
		eliteCount = size
	}
	if eliteCount <= 0 {
		return GenerationSummary{}, &PopulationError{Reason: "no elite agents available for reproduction"}
	}

	elites := make([]*Agent, eliteCount)
	for i := 0; i < eliteCount; i++ {
		elites[i] = p.agents[ranked[i]]
	}

	next := make([]*Agent, 0, size)
	next = append(next, elites...)
	for len(next) < size {
		parent := elites[p.rand.Intn(eliteCount)]
		child, err := p.reproduce(ctx, parent)
		if err != nil {
			// drop the learners copied for the clones that are discarded
			p.pool.Retain(p.handles(p.agents))
			return GenerationSummary{}, fmt.Errorf("reproducing agent %d: %w", parent.ID(), err)
		}
		next = append(next, child)
	}
	p.agents = next

	released := p.pool.Retain(p.handles(next))

	summary := summarize(fitness)
	summary.Generation = p.generation
	summary.EliteCount = eliteCount
	summary.Learners = p.pool.Len()
	p.generation += 1

	level.Info(p.logger).Log(
		"msg", "generation evolved",
		"generation", summary.Generation,
		"best", summary.Best,
		"mean", summary.Mean,
		"elites", eliteCount,
		"released_learners", released,
	)
	p.config.Agent.recorder().GenerationCompleted(summary)
	return summary, nil
}

func (p *Population) handles(agents []*Agent) []*LearnerHandle {
	handles := make([]*LearnerHandle, len(agents))
	for i, a := range agents {
		handles[i] = a.handle
	}
	return handles
}

// reproduce clones the parent according to the reproduction mode and mutates
// the genetic code of the clone
func (p *Population) reproduce(ctx context.Context, parent *Agent) (*Agent, error) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	handle := parent.handle
	if p.config.Reproduction == ReproduceCopy {
		copied, err := p.pool.Copy(ctx, parent.handle)
		if err != nil {
			return nil, err
		}
		handle = copied
	}

	child := parent.clone(p.nextAgentID, handle, p.environments(), !p.config.ResetCloneFitness)
	p.nextAgentID += 1
	p.mutate(child.geneticCode)
	return child, nil
}

// mutate applies gaussian perturbations to the genes in place
func (p *Population) mutate(code []float64) {
	if p.config.MutationRate <= 0 || p.config.MutationSigma <= 0 {
		return
	}
	for i := range code {
		if p.rand.Float64() < p.config.MutationRate {
			code[i] += p.rand.NormFloat64() * p.config.MutationSigma
		}
	}
}

// fitnessSnapshot reads every agent's fitness once, in list order
func (p *Population) fitnessSnapshot() []float64 {
	fitness := make([]float64, len(p.agents))
	for i, a := range p.agents {
		fitness[i] = a.Fitness()
	}
	return fitness
}

// rankDescending returns the indices of fitness sorted by decreasing value,
// ties keep their original order
func rankDescending(fitness []float64) []int {
	ranked := make([]int, len(fitness))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return fitness[ranked[i]] > fitness[ranked[j]]
	})
	return ranked
}

func summarize(fitness []float64) GenerationSummary {
	summary := GenerationSummary{Size: len(fitness)}
	if len(fitness) == 0 {
		return summary
	}
	summary.Best = floats.Max(fitness)
	summary.Min = floats.Min(fitness)
	if len(fitness) > 1 {
		summary.Mean, summary.StdDev = stat.MeanStdDev(fitness, nil)
	} else {
		summary.Mean = fitness[0]
	}
	return summary
}

// Summary describes the current fitness of the population without evolving it
func (p *Population) Summary() GenerationSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary := summarize(p.fitnessSnapshot())
	summary.Generation = p.generation
	summary.Learners = p.pool.Len()
	return summary
}

// Elites returns up to k agents with the highest fitness, best first
func (p *Population) Elites(k int) []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ranked := rankDescending(p.fitnessSnapshot())
	if k > len(ranked) {
		k = len(ranked)
	}
	if k < 0 {
		k = 0
	}
	elites := make([]*Agent, k)
	for i := 0; i < k; i++ {
		elites[i] = p.agents[ranked[i]]
	}
	return elites
}

// Agents returns the agents in pipeline order
func (p *Population) Agents() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	agents := make([]*Agent, len(p.agents))
	copy(agents, p.agents)
	return agents
}

// Fitness returns the fitness of every agent in pipeline order
func (p *Population) Fitness() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fitnessSnapshot()
}

func (p *Population) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

func (p *Population) IsEmpty() bool {
	return p.Len() == 0
}

// Generation returns the number of completed Evolve calls
func (p *Population) Generation() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation
}

func (p *Population) Pool() *LearnerPool {
	return p.pool
}

func (p *Population) StateDim() int {
	return p.config.StateDim
}
