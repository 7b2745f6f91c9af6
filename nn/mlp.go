package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Parameter is a trainable tensor flattened in row major order.
// Value and Grad back the matrices used by the network, updating them in
// place updates the network.
type Parameter struct {
	Name  string
	Value []float64
	Grad  []float64
}

func (p *Parameter) clone() *Parameter {
	c := &Parameter{
		Name:  p.Name,
		Value: make([]float64, len(p.Value)),
		Grad:  make([]float64, len(p.Grad)),
	}
	copy(c.Value, p.Value)
	copy(c.Grad, p.Grad)
	return c
}

type layer struct {
	in, out    int
	activation Activation

	w, b *Parameter

	weights *mat.Dense
	bias    *mat.VecDense
	gradW   *mat.Dense
	gradB   *mat.VecDense
}

func bindLayer(in, out int, activation Activation, w, b *Parameter) *layer {
	return &layer{
		in:         in,
		out:        out,
		activation: activation,
		w:          w,
		b:          b,
		weights:    mat.NewDense(out, in, w.Value),
		bias:       mat.NewVecDense(out, b.Value),
		gradW:      mat.NewDense(out, in, w.Grad),
		gradB:      mat.NewVecDense(out, b.Grad),
	}
}

// newLayer initialises weights and biases uniformly in [-1/sqrt(in), 1/sqrt(in)]
func newLayer(name string, in, out int, activation Activation, rng *rand.Rand) *layer {
	bound := 1 / math.Sqrt(float64(in))
	w := &Parameter{
		Name:  name + ".weight",
		Value: make([]float64, in*out),
		Grad:  make([]float64, in*out),
	}
	b := &Parameter{
		Name:  name + ".bias",
		Value: make([]float64, out),
		Grad:  make([]float64, out),
	}
	for i := range w.Value {
		w.Value[i] = (2*rng.Float64() - 1) * bound
	}
	for i := range b.Value {
		b.Value[i] = (2*rng.Float64() - 1) * bound
	}
	return bindLayer(in, out, activation, w, b)
}

// Activations records the intermediate values of a forward pass
type Activations struct {
	inputs []*mat.VecDense
	pre    []*mat.VecDense
}

// MLP is a fully connected feed forward network. Hidden layers use the
// configured activation, the output layer is linear.
type MLP struct {
	name   string
	layers []*layer
}

func NewMLP(name string, sizes []int, hidden Activation, rng *rand.Rand) (*MLP, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("mlp %s needs at least an input and an output size", name)
	}
	for _, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("mlp %s: layer sizes must be positive, got %v", name, sizes)
		}
	}
	m := &MLP{name: name}
	for i := 0; i < len(sizes)-1; i++ {
		activation := hidden
		if i == len(sizes)-2 {
			activation = Identity
		}
		m.layers = append(m.layers, newLayer(fmt.Sprintf("%s.%d", name, i), sizes[i], sizes[i+1], activation, rng))
	}
	return m, nil
}

func (m *MLP) InputSize() int {
	return m.layers[0].in
}

func (m *MLP) OutputSize() int {
	return m.layers[len(m.layers)-1].out
}

// Forward evaluates the network on x. The returned activations are needed by Backward.
func (m *MLP) Forward(x []float64) ([]float64, *Activations, error) {
	if len(x) != m.InputSize() {
		return nil, nil, fmt.Errorf("mlp %s: input has size %d, expected %d", m.name, len(x), m.InputSize())
	}
	acts := &Activations{
		inputs: make([]*mat.VecDense, 0, len(m.layers)),
		pre:    make([]*mat.VecDense, 0, len(m.layers)),
	}

	input := make([]float64, len(x))
	copy(input, x)
	h := mat.NewVecDense(len(input), input)
	for _, l := range m.layers {
		acts.inputs = append(acts.inputs, h)

		z := mat.NewVecDense(l.out, nil)
		z.MulVec(l.weights, h)
		z.AddVec(z, l.bias)
		acts.pre = append(acts.pre, z)

		next := mat.NewVecDense(l.out, nil)
		for i := 0; i < l.out; i++ {
			next.SetVec(i, l.activation.apply(z.AtVec(i)))
		}
		h = next
	}

	out := make([]float64, h.Len())
	for i := range out {
		out[i] = h.AtVec(i)
	}
	return out, acts, nil
}

// Backward accumulates into the parameter gradients the gradient of a loss
// whose derivative with respect to the network output is gradOut
func (m *MLP) Backward(acts *Activations, gradOut []float64) error {
	if acts == nil || len(acts.inputs) != len(m.layers) {
		return fmt.Errorf("mlp %s: activations do not belong to this network", m.name)
	}
	if len(gradOut) != m.OutputSize() {
		return fmt.Errorf("mlp %s: output gradient has size %d, expected %d", m.name, len(gradOut), m.OutputSize())
	}

	g := make([]float64, len(gradOut))
	copy(g, gradOut)
	grad := mat.NewVecDense(len(g), g)
	for i := len(m.layers) - 1; i >= 0; i-- {
		l := m.layers[i]
		pre := acts.pre[i]

		dz := mat.NewVecDense(l.out, nil)
		for j := 0; j < l.out; j++ {
			dz.SetVec(j, grad.AtVec(j)*l.activation.derivative(pre.AtVec(j)))
		}
		l.gradW.RankOne(l.gradW, 1, dz, acts.inputs[i])
		l.gradB.AddVec(l.gradB, dz)

		if i > 0 {
			next := mat.NewVecDense(l.in, nil)
			next.MulVec(l.weights.T(), dz)
			grad = next
		}
	}
	return nil
}

func (m *MLP) ZeroGrad() {
	for _, p := range m.Parameters() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Parameters returns the weights and biases of every layer, input layer first
func (m *MLP) Parameters() []*Parameter {
	params := make([]*Parameter, 0, 2*len(m.layers))
	for _, l := range m.layers {
		params = append(params, l.w, l.b)
	}
	return params
}

// Clone returns a deep copy of the network including its gradients
func (m *MLP) Clone() *MLP {
	c := &MLP{name: m.name, layers: make([]*layer, len(m.layers))}
	for i, l := range m.layers {
		c.layers[i] = bindLayer(l.in, l.out, l.activation, l.w.clone(), l.b.clone())
	}
	return c
}
