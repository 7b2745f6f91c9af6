package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Adam implements the Adam optimiser with bias corrected moment estimates
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    [][]float64
	v    [][]float64
}

func NewAdam(params []*Parameter, learningRate float64) *Adam {
	a := &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		m:            make([][]float64, len(params)),
		v:            make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Value))
		a.v[i] = make([]float64, len(p.Value))
	}
	return a
}

// Step updates the parameters using their accumulated gradients.
// params must be the parameters the optimiser was created with, in the same order.
func (a *Adam) Step(params []*Parameter) error {
	if len(params) != len(a.m) {
		return fmt.Errorf("adam: got %d parameters, expected %d", len(params), len(a.m))
	}
	for i, p := range params {
		if len(p.Value) != len(a.m[i]) || len(p.Grad) != len(p.Value) {
			return fmt.Errorf("adam: parameter %s has an unexpected size", p.Name)
		}
	}

	a.step += 1
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for i, p := range params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Value[j] -= a.LearningRate * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}
	return nil
}

func (a *Adam) Steps() int {
	return a.step
}

func (a *Adam) Clone() *Adam {
	c := *a
	c.m = make([][]float64, len(a.m))
	c.v = make([][]float64, len(a.v))
	for i := range a.m {
		c.m[i] = append([]float64(nil), a.m[i]...)
		c.v[i] = append([]float64(nil), a.v[i]...)
	}
	return &c
}

// GradNorm returns the global L2 norm of the gradients
func GradNorm(params []*Parameter) float64 {
	sum := 0.0
	for _, p := range params {
		sum += floats.Dot(p.Grad, p.Grad)
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales the gradients so that their global L2 norm is at
// most maxNorm and returns the norm before clipping
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	total := GradNorm(params)
	if maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad)
		}
	}
	return total
}
