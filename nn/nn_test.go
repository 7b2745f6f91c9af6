package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float64{1, 2, 3})
	assert.InDelta(t, 1.0, floats.Sum(probs), 1e-12)
	assert.True(t, probs[2] > probs[1] && probs[1] > probs[0])

	// large logits must not overflow
	probs = Softmax([]float64{1000, 1000})
	assert.InDelta(t, 0.5, probs[0], 1e-12)
	assert.InDelta(t, 0.5, probs[1], 1e-12)

	logp := LogSoftmax([]float64{0, 0, 0, 0})
	for _, l := range logp {
		assert.InDelta(t, -math.Log(4), l, 1e-12)
	}
	assert.Nil(t, LogSoftmax(nil))
}

func TestActivations(t *testing.T) {
	assert.Equal(t, 0.0, ReLU.apply(-2))
	assert.Equal(t, 3.0, ReLU.apply(3))
	assert.Equal(t, 0.0, ReLU.derivative(-1))
	assert.Equal(t, 1.0, ReLU.derivative(1))
	assert.Equal(t, -2.0, Identity.apply(-2))

	a, err := ParseActivation("tanh")
	require.NoError(t, err)
	assert.Equal(t, Tanh, a)
	_, err = ParseActivation("sigmoid")
	assert.Error(t, err)
}

func TestNewMLPValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := NewMLP("bad", []int{3}, ReLU, rng)
	assert.Error(t, err)
	_, err = NewMLP("bad", []int{3, 0, 2}, ReLU, rng)
	assert.Error(t, err)

	m, err := NewMLP("ok", []int{3, 8, 2}, ReLU, rng)
	require.NoError(t, err)
	assert.Equal(t, 3, m.InputSize())
	assert.Equal(t, 2, m.OutputSize())
	assert.Len(t, m.Parameters(), 4)

	_, _, err = m.Forward([]float64{1, 2})
	assert.Error(t, err)
}

// loss computes sum_i w_i * out_i so that dL/dout = w
func loss(t *testing.T, m *MLP, x, w []float64) float64 {
	out, _, err := m.Forward(x)
	require.NoError(t, err)
	return floats.Dot(out, w)
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m, err := NewMLP("check", []int{3, 5, 4}, Tanh, rng)
	require.NoError(t, err)

	x := []float64{0.3, -0.7, 1.1}
	w := []float64{0.5, -1.0, 2.0, 0.25}

	_, acts, err := m.Forward(x)
	require.NoError(t, err)
	m.ZeroGrad()
	require.NoError(t, m.Backward(acts, w))

	const h = 1e-6
	for _, p := range m.Parameters() {
		for i := range p.Value {
			orig := p.Value[i]
			p.Value[i] = orig + h
			plus := loss(t, m, x, w)
			p.Value[i] = orig - h
			minus := loss(t, m, x, w)
			p.Value[i] = orig

			numeric := (plus - minus) / (2 * h)
			assert.InDelta(t, numeric, p.Grad[i], 1e-5, "%s[%d]", p.Name, i)
		}
	}
}

func TestBackwardAccumulates(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m, err := NewMLP("acc", []int{2, 3, 1}, ReLU, rng)
	require.NoError(t, err)

	_, acts, err := m.Forward([]float64{1, 1})
	require.NoError(t, err)
	require.NoError(t, m.Backward(acts, []float64{1}))
	once := append([]float64(nil), m.Parameters()[0].Grad...)
	require.NoError(t, m.Backward(acts, []float64{1}))
	for i, g := range m.Parameters()[0].Grad {
		assert.InDelta(t, 2*once[i], g, 1e-12)
	}

	m.ZeroGrad()
	assert.Equal(t, 0.0, GradNorm(m.Parameters()))
	assert.Error(t, m.Backward(acts, []float64{1, 2}))
}

func TestCloneIsIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m, err := NewMLP("orig", []int{2, 4, 2}, ReLU, rng)
	require.NoError(t, err)
	c := m.Clone()

	x := []float64{0.5, -0.5}
	before, _, _ := m.Forward(x)
	cloned, _, _ := c.Forward(x)
	assert.Equal(t, before, cloned)

	c.Parameters()[0].Value[0] += 10
	after, _, _ := m.Forward(x)
	assert.Equal(t, before, after)
}

func TestClipGradNorm(t *testing.T) {
	params := []*Parameter{
		{Name: "a", Value: make([]float64, 2), Grad: []float64{3, 0}},
		{Name: "b", Value: make([]float64, 1), Grad: []float64{4}},
	}
	norm := ClipGradNorm(params, 0.5)
	assert.InDelta(t, 5.0, norm, 1e-12)
	assert.LessOrEqual(t, GradNorm(params), 0.5)
	assert.InDelta(t, 0.3, params[0].Grad[0], 1e-6)

	// already within the bound
	small := []*Parameter{{Name: "c", Value: make([]float64, 1), Grad: []float64{0.1}}}
	ClipGradNorm(small, 0.5)
	assert.Equal(t, 0.1, small[0].Grad[0])
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	p := &Parameter{Name: "x", Value: []float64{5, -3}, Grad: make([]float64, 2)}
	params := []*Parameter{p}
	opt := NewAdam(params, 0.1)
	for i := 0; i < 500; i++ {
		// gradient of x^2
		p.Grad[0] = 2 * p.Value[0]
		p.Grad[1] = 2 * p.Value[1]
		require.NoError(t, opt.Step(params))
	}
	assert.InDelta(t, 0.0, p.Value[0], 0.25)
	assert.InDelta(t, 0.0, p.Value[1], 0.25)
	assert.Equal(t, 500, opt.Steps())

	assert.Error(t, opt.Step(nil))

	c := opt.Clone()
	c.m[0][0] = 42
	assert.NotEqual(t, 42.0, opt.m[0][0])
}
