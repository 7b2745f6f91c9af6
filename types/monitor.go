package types

// Recorder observes training events, implemented by the metrics package
type Recorder interface {
	// LearnerUpdate is called after every attempted learner update with
	// one of the outcomes "ok", "failed" or "timeout"
	LearnerUpdate(string)
	EpisodeCompleted()
	GenerationCompleted(GenerationSummary)
}

type nopRecorder struct{}

func (nopRecorder) LearnerUpdate(string) {}

func (nopRecorder) EpisodeCompleted() {}

func (nopRecorder) GenerationCompleted(GenerationSummary) {}

// NopRecorder discards every event
func NopRecorder() Recorder {
	return nopRecorder{}
}

const (
	UpdateOK      = "ok"
	UpdateFailed  = "failed"
	UpdateTimeout = "timeout"
)

// StopCondition is a predicate on the summary of a generation, checked
// by the experiment to end a run early
type StopCondition func(GenerationSummary) bool

func (s StopCondition) And(other StopCondition) StopCondition {
	return func(g GenerationSummary) bool {
		return s(g) && other(g)
	}
}

func (s StopCondition) Or(other StopCondition) StopCondition {
	return func(g GenerationSummary) bool {
		return s(g) || other(g)
	}
}

func (s StopCondition) Not() StopCondition {
	return func(g GenerationSummary) bool {
		return !s(g)
	}
}

// BestFitnessAtLeast holds once the best agent reaches the target fitness
func BestFitnessAtLeast(target float64) StopCondition {
	return func(g GenerationSummary) bool {
		return g.Best >= target
	}
}

// MeanFitnessAtLeast holds once the population mean reaches the target fitness
func MeanFitnessAtLeast(target float64) StopCondition {
	return func(g GenerationSummary) bool {
		return g.Mean >= target
	}
}
