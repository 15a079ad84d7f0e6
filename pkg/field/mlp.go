package field

import (
	"math"
	"math/rand"

	"github.com/df07/go-dream-distiller/pkg/core"
)

// mlp is a small two-layer perceptron whose weights live in ParamBlocks so
// the optimizer and checkpointer see them like any other field parameter.
// Forward caches hidden activations; backward recomputes nothing.
type mlp struct {
	in, hidden, out int
	w0, b0, w1, b1  *core.ParamBlock
}

// newMLP registers weight blocks and applies Xavier-uniform initialization
// from the provided generator so construction stays deterministic per seed.
func newMLP(store *core.ParamStore, prefix string, in, hidden, out int, rng *rand.Rand) *mlp {
	m := &mlp{
		in:     in,
		hidden: hidden,
		out:    out,
		w0:     store.Register(prefix+".w0", in*hidden, 1.0),
		b0:     store.Register(prefix+".b0", hidden, 1.0),
		w1:     store.Register(prefix+".w1", hidden*out, 1.0),
		b1:     store.Register(prefix+".b1", out, 1.0),
	}
	initUniform(m.w0.Values, xavierScale(in, hidden), rng)
	initUniform(m.w1.Values, xavierScale(hidden, out), rng)
	return m
}

func xavierScale(fanIn, fanOut int) float64 {
	return math.Sqrt(6.0 / float64(fanIn+fanOut))
}

func initUniform(values []float64, scale float64, rng *rand.Rand) {
	for i := range values {
		values[i] = (2*rng.Float64() - 1) * scale
	}
}

// forward computes y = W1·relu(W0·x + b0) + b1.
// hiddenPre must have length m.hidden and receives pre-activation values so
// backward can recover the ReLU mask.
func (m *mlp) forward(x, hiddenPre, y []float64) {
	for h := 0; h < m.hidden; h++ {
		sum := m.b0.Values[h]
		row := h * m.in
		for i := 0; i < m.in; i++ {
			sum += m.w0.Values[row+i] * x[i]
		}
		hiddenPre[h] = sum
	}
	for o := 0; o < m.out; o++ {
		sum := m.b1.Values[o]
		row := o * m.hidden
		for h := 0; h < m.hidden; h++ {
			if hiddenPre[h] > 0 {
				sum += m.w1.Values[row+h] * hiddenPre[h]
			}
		}
		y[o] = sum
	}
}

// backward accumulates weight gradients for output gradient dy, given the
// input and cached pre-activations from forward. If dx is non-nil it
// receives d(loss)/d(x) for chaining into the grid encoding.
func (m *mlp) backward(x, hiddenPre, dy, dx []float64) {
	// Output layer
	dHidden := make([]float64, m.hidden)
	for o := 0; o < m.out; o++ {
		g := dy[o]
		if g == 0 {
			continue
		}
		m.b1.Grad[o] += g
		row := o * m.hidden
		for h := 0; h < m.hidden; h++ {
			if hiddenPre[h] > 0 {
				m.w1.Grad[row+h] += g * hiddenPre[h]
				dHidden[h] += g * m.w1.Values[row+h]
			}
		}
	}

	// Hidden layer (ReLU mask from cached pre-activations)
	if dx != nil {
		for i := range dx {
			dx[i] = 0
		}
	}
	for h := 0; h < m.hidden; h++ {
		if hiddenPre[h] <= 0 || dHidden[h] == 0 {
			continue
		}
		g := dHidden[h]
		m.b0.Grad[h] += g
		row := h * m.in
		for i := 0; i < m.in; i++ {
			m.w0.Grad[row+i] += g * x[i]
			if dx != nil {
				dx[i] += g * m.w0.Values[row+i]
			}
		}
	}
}

// softplus and its derivative, used by the density head. The linear
// shortcut for large inputs avoids overflow in exp.
func softplus(x float64) float64 {
	if x > 20 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func softplusDeriv(x float64) float64 {
	if x > 20 {
		return 1
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// sigmoid and its derivative expressed via the output value
func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func sigmoidDerivFromOut(y float64) float64 {
	return y * (1 - y)
}
