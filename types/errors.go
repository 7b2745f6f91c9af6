package types

import (
	"errors"
	"fmt"
)

// LearnerError is returned when sampling, evaluation or an update of a learner fails
type LearnerError struct {
	Op  string
	Err error
}

func (e *LearnerError) Error() string {
	return fmt.Sprintf("learner %s: %v", e.Op, e.Err)
}

func (e *LearnerError) Unwrap() error {
	return e.Err
}

// NewLearnerError creates a LearnerError with a formatted cause
func NewLearnerError(op string, format string, args ...interface{}) *LearnerError {
	return &LearnerError{Op: op, Err: fmt.Errorf(format, args...)}
}

// EvaluationError is returned when a learner fails to evaluate the states of an episode
type EvaluationError struct {
	Err error
}

func (e *EvaluationError) Error() string {
	if e.Err == nil {
		return "evaluation error"
	}
	return fmt.Sprintf("evaluation error: %v", e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// PopulationError is returned when the population cannot advance a generation
type PopulationError struct {
	Reason string
}

func (e *PopulationError) Error() string {
	return "population error: " + e.Reason
}

// EnsembleError is returned when a member of an ensemble fails to predict
type EnsembleError struct {
	Member int
	Err    error
}

func (e *EnsembleError) Error() string {
	if e.Member < 0 {
		return fmt.Sprintf("ensemble error: %v", e.Err)
	}
	return fmt.Sprintf("ensemble member %d: %v", e.Member, e.Err)
}

func (e *EnsembleError) Unwrap() error {
	return e.Err
}

// IsLearnerError reports whether err wraps a LearnerError
func IsLearnerError(err error) bool {
	var target *LearnerError
	return errors.As(err, &target)
}

// IsPopulationError reports whether err wraps a PopulationError
func IsPopulationError(err error) bool {
	var target *PopulationError
	return errors.As(err, &target)
}
