package pacoh

import (
	"fmt"
	"math"

	"github.com/viterin/vek"
)

//////
// Const, vars, types.
//////

// mlpArch describes the architecture of a fully-connected tanh network whose
// parameters are supplied externally through the parameter registry. Layers
// are named fc_1 .. fc_L so the prior can distinguish weights from biases by
// name suffix.
type mlpArch struct {
	// sizes holds [inputDim, hidden..., outputDim].
	sizes []int
}

// mlpValues couples an architecture with one concrete set of parameter
// values. Weight matrices are row-major with shape (outDim x inDim).
type mlpValues struct {
	arch    *mlpArch
	weights [][]float64
	biases  [][]float64
}

// mlpCache stores per-layer activations of one forward pass so the backward
// pass can be computed without recomputation. acts[0] is the input; acts[l]
// is the output of layer l (tanh for hidden layers, linear for the last).
type mlpCache struct {
	acts [][]float64
}

//////
// Methods.
//////

func (a *mlpArch) numLayers() int { return len(a.sizes) - 1 }

func (a *mlpArch) inputDim() int { return a.sizes[0] }

func (a *mlpArch) outputDim() int { return a.sizes[len(a.sizes)-1] }

// paramShapes returns the named parameter shapes of the network in layer
// order, weights before biases per layer.
func (a *mlpArch) paramShapes() []NamedShape {
	shapes := make([]NamedShape, 0, 2*a.numLayers())
	for l := 0; l < a.numLayers(); l++ {
		in, out := a.sizes[l], a.sizes[l+1]
		shapes = append(shapes,
			NamedShape{Name: fmt.Sprintf("fc_%d.weight", l+1), Rows: out, Cols: in},
			NamedShape{Name: fmt.Sprintf("fc_%d.bias", l+1), Rows: 1, Cols: out},
		)
	}

	return shapes
}

// materialize binds parameter values to the architecture. The lookup
// function returns the flat values of a named group (relative to prefix);
// values are aliased, not copied, so materializing from a registry slice of
// a sampled flat vector is allocation-light.
func (a *mlpArch) materialize(lookup func(name string) []float64) *mlpValues {
	m := &mlpValues{
		arch:    a,
		weights: make([][]float64, a.numLayers()),
		biases:  make([][]float64, a.numLayers()),
	}

	for l := 0; l < a.numLayers(); l++ {
		w := lookup(fmt.Sprintf("fc_%d.weight", l+1))
		b := lookup(fmt.Sprintf("fc_%d.bias", l+1))

		if len(w) != a.sizes[l]*a.sizes[l+1] || len(b) != a.sizes[l+1] {
			panic("pacoh: mlp parameter size mismatch")
		}

		m.weights[l] = w
		m.biases[l] = b
	}

	return m
}

// zeroLike returns an all-zero parameter set with the same shapes, used as a
// gradient accumulator.
func (m *mlpValues) zeroLike() *mlpValues {
	g := &mlpValues{
		arch:    m.arch,
		weights: make([][]float64, len(m.weights)),
		biases:  make([][]float64, len(m.biases)),
	}

	for l := range m.weights {
		g.weights[l] = make([]float64, len(m.weights[l]))
		g.biases[l] = make([]float64, len(m.biases[l]))
	}

	return g
}

// forward computes the network output for a single input point. When cache
// is non-nil the per-layer activations are recorded for a later backward
// pass.
func (m *mlpValues) forward(x []float64, cache *mlpCache) []float64 {
	if len(x) != m.arch.inputDim() {
		panic("pacoh: mlp input dimension mismatch")
	}

	act := x
	if cache != nil {
		cache.acts = cache.acts[:0]
		cache.acts = append(cache.acts, act)
	}

	last := m.arch.numLayers() - 1
	for l := 0; l <= last; l++ {
		in, out := m.arch.sizes[l], m.arch.sizes[l+1]
		next := make([]float64, out)

		for i := 0; i < out; i++ {
			row := m.weights[l][i*in : (i+1)*in]
			next[i] = m.biases[l][i] + vek.Dot(row, act)
		}

		if l != last {
			for i := range next {
				next[i] = math.Tanh(next[i])
			}
		}

		act = next
		if cache != nil {
			cache.acts = append(cache.acts, act)
		}
	}

	return act
}

// backward propagates gradOut (dL/d output) through the cached forward pass,
// accumulating parameter gradients into grads and returning dL/d input.
// The tanh derivative is recovered from the cached activations (1 - a^2).
func (m *mlpValues) backward(cache *mlpCache, gradOut []float64, grads *mlpValues) []float64 {
	last := m.arch.numLayers() - 1
	if len(gradOut) != m.arch.outputDim() {
		panic("pacoh: mlp output gradient dimension mismatch")
	}

	delta := gradOut

	for l := last; l >= 0; l-- {
		in := m.arch.sizes[l]
		prev := cache.acts[l]
		gradPrev := make([]float64, in)

		for i, di := range delta {
			grads.biases[l][i] += di

			wRow := m.weights[l][i*in : (i+1)*in]
			gRow := grads.weights[l][i*in : (i+1)*in]
			for j := 0; j < in; j++ {
				gRow[j] += di * prev[j]
				gradPrev[j] += di * wRow[j]
			}
		}

		if l > 0 {
			// prev is a tanh activation for every non-input layer.
			for j := range gradPrev {
				gradPrev[j] *= 1 - prev[j]*prev[j]
			}
		}

		delta = gradPrev
	}

	return delta
}

//////
// Factory.
//////

// newMLPArch builds an architecture with the given input size, hidden layer
// sizes and output size.
func newMLPArch(inputDim int, hidden []int, outputDim int) *mlpArch {
	if inputDim < 1 || outputDim < 1 {
		panic("pacoh: mlp dimensions must be positive")
	}

	for _, h := range hidden {
		if h < 1 {
			panic("pacoh: mlp hidden layer sizes must be positive")
		}
	}

	sizes := make([]int, 0, len(hidden)+2)
	sizes = append(sizes, inputDim)
	sizes = append(sizes, hidden...)
	sizes = append(sizes, outputDim)

	return &mlpArch{sizes: sizes}
}
