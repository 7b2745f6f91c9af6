package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

type Activation int

const (
	Identity Activation = iota
	ReLU
	Tanh
)

func (a Activation) String() string {
	switch a {
	case Identity:
		return "identity"
	case ReLU:
		return "relu"
	case Tanh:
		return "tanh"
	}
	return "unknown"
}

func ParseActivation(s string) (Activation, error) {
	switch s {
	case "identity", "linear":
		return Identity, nil
	case "relu":
		return ReLU, nil
	case "tanh":
		return Tanh, nil
	}
	return Identity, fmt.Errorf("unknown activation: %s", s)
}

func (a Activation) apply(x float64) float64 {
	switch a {
	case ReLU:
		return math.Max(0, x)
	case Tanh:
		return math.Tanh(x)
	}
	return x
}

// derivative of the activation evaluated at the pre-activation value
func (a Activation) derivative(pre float64) float64 {
	switch a {
	case ReLU:
		if pre > 0 {
			return 1
		}
		return 0
	case Tanh:
		t := math.Tanh(pre)
		return 1 - t*t
	}
	return 1
}

// LogSoftmax returns log(softmax(logits)) computed without overflow
func LogSoftmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	lse := floats.LogSumExp(logits)
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = l - lse
	}
	return out
}

func Softmax(logits []float64) []float64 {
	out := LogSoftmax(logits)
	for i, l := range out {
		out[i] = math.Exp(l)
	}
	return out
}

// Finite reports whether every value is neither NaN nor infinite
func Finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
