package types

// Trace of an episode as (state, action, logProb) steps, rewards are kept by
// the environment which computes the returns
type Trace struct {
	states   [][]float64
	actions  []int
	logProbs []float64
}

func NewTrace() *Trace {
	return &Trace{
		states:   make([][]float64, 0),
		actions:  make([]int, 0),
		logProbs: make([]float64, 0),
	}
}

func (t *Trace) Append(state []float64, action int, logProb float64) {
	t.states = append(t.states, copyVector(state))
	t.actions = append(t.actions, action)
	t.logProbs = append(t.logProbs, logProb)
}

func (t *Trace) Len() int {
	return len(t.states)
}

func (t *Trace) States() [][]float64 {
	return t.states
}

// Batch assembles the learner input from the trace and the computed returns and advantages
func (t *Trace) Batch(returns, advantages []float64) *Batch {
	return &Batch{
		States:     t.states,
		Actions:    t.actions,
		LogProbs:   t.logProbs,
		Returns:    returns,
		Advantages: advantages,
	}
}
