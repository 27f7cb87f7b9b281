package pacoh

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// buildTestMLP materializes a network with randomly initialized parameters
// backed by a named map, so tests can perturb individual values in place.
func buildTestMLP(seed int64, arch *mlpArch) (*mlpValues, map[string][]float64) {
	rng := rand.New(rand.NewSource(seed))

	named := make(map[string][]float64)
	for _, s := range arch.paramShapes() {
		vals := make([]float64, s.Rows*s.Cols)
		for i := range vals {
			vals[i] = 0.5 * rng.NormFloat64()
		}

		named[s.Name] = vals
	}

	m := arch.materialize(func(name string) []float64 { return named[name] })

	return m, named
}

func TestMLPParamShapes(t *testing.T) {
	arch := newMLPArch(2, []int{3}, 2)

	shapes := arch.paramShapes()
	assert.Len(t, shapes, 4)
	assert.Equal(t, NamedShape{Name: "fc_1.weight", Rows: 3, Cols: 2}, shapes[0])
	assert.Equal(t, NamedShape{Name: "fc_1.bias", Rows: 1, Cols: 3}, shapes[1])
	assert.Equal(t, NamedShape{Name: "fc_2.weight", Rows: 2, Cols: 3}, shapes[2])
	assert.Equal(t, NamedShape{Name: "fc_2.bias", Rows: 1, Cols: 2}, shapes[3])
}

func TestMLPForwardShapeAndDeterminism(t *testing.T) {
	arch := newMLPArch(2, []int{3, 3}, 1)
	m, _ := buildTestMLP(1, arch)

	x := []float64{0.4, -0.7}

	out1 := m.forward(x, nil)
	out2 := m.forward(x, nil)

	assert.Len(t, out1, 1)
	assert.Equal(t, out1, out2)

	assert.Panics(t, func() { m.forward([]float64{1}, nil) })
}

// TestMLPBackwardFiniteDifference verifies the analytic parameter and input
// gradients against central finite differences for the scalar loss
// L = sum_k c_k * out_k.
func TestMLPBackwardFiniteDifference(t *testing.T) {
	arch := newMLPArch(2, []int{3}, 2)
	m, named := buildTestMLP(3, arch)

	x := []float64{0.3, -0.8}
	c := []float64{1.0, -0.5}

	loss := func() float64 {
		out := m.forward(x, nil)
		return c[0]*out[0] + c[1]*out[1]
	}

	cache := &mlpCache{}
	m.forward(x, cache)

	grads := m.zeroLike()
	gradIn := m.backward(cache, c, grads)

	const h = 1e-6

	// Parameter gradients.
	for l, name := range []string{"fc_1.weight", "fc_1.bias", "fc_2.weight", "fc_2.bias"} {
		vals := named[name]

		var analytic []float64
		if l%2 == 0 {
			analytic = grads.weights[l/2]
		} else {
			analytic = grads.biases[l/2]
		}

		for i := range vals {
			orig := vals[i]

			vals[i] = orig + h
			up := loss()

			vals[i] = orig - h
			down := loss()

			vals[i] = orig

			assert.InDelta(t, (up-down)/(2*h), analytic[i], 1e-5, "param %s[%d]", name, i)
		}
	}

	// Input gradient.
	for j := range x {
		orig := x[j]

		x[j] = orig + h
		up := loss()

		x[j] = orig - h
		down := loss()

		x[j] = orig

		assert.InDelta(t, (up-down)/(2*h), gradIn[j], 1e-5, "input %d", j)
	}
}
