package pacoh

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSGDStep(t *testing.T) {
	opt, err := newOptimizer(OptimizerSGD, 0.1, [][]float64{{1.0, 2.0}})
	assert.NoError(t, err)

	params := [][]float64{{1.0, 2.0}}
	grads := [][]float64{{0.5, -1.0}}

	opt.Step(params, grads)

	assert.InDelta(t, 0.95, params[0][0], 1e-12)
	assert.InDelta(t, 2.1, params[0][1], 1e-12)
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	params := [][]float64{{10.0}}

	opt, err := newOptimizer(OptimizerAdam, 0.1, params)
	assert.NoError(t, err)

	// Minimize (x - 3)^2.
	for i := 0; i < 1000; i++ {
		grads := [][]float64{{2 * (params[0][0] - 3.0)}}
		opt.Step(params, grads)
	}

	assert.InDelta(t, 3.0, params[0][0], 1e-2)
}

func TestAdamFirstStepIsBiasCorrected(t *testing.T) {
	params := [][]float64{{0.0}}

	opt, err := newOptimizer(OptimizerAdam, 0.01, params)
	assert.NoError(t, err)

	// After bias correction the first update magnitude is lr regardless of
	// the gradient scale (up to epsilon).
	opt.Step(params, [][]float64{{42.0}})

	assert.InDelta(t, -0.01, params[0][0], 1e-6)
}

func TestStepLRScheduler(t *testing.T) {
	opt, err := newOptimizer(OptimizerSGD, 1.0, [][]float64{{0}})
	assert.NoError(t, err)

	sched := newStepLRScheduler(opt, 0.5)

	for i := 0; i < lrDecayPeriod-1; i++ {
		sched.Step()
	}

	assert.Equal(t, 1.0, opt.LR())

	sched.Step()
	assert.Equal(t, 0.5, opt.LR())

	// Gamma >= 1 disables decay entirely.
	opt.SetLR(1.0)
	noop := newStepLRScheduler(opt, 1.0)

	for i := 0; i < 2*lrDecayPeriod; i++ {
		noop.Step()
	}

	assert.Equal(t, 1.0, opt.LR())
}

func TestAdamStateRoundTrip(t *testing.T) {
	shapes := [][]float64{{0.0, 0.0}}

	a := [][]float64{{1.0, -2.0}}
	b := [][]float64{{1.0, -2.0}}

	optA, err := newOptimizer(OptimizerAdam, 0.05, shapes)
	assert.NoError(t, err)

	// Advance optimizer A, checkpoint it, restore into a fresh optimizer.
	for i := 0; i < 10; i++ {
		optA.Step(a, [][]float64{{a[0][0], a[0][1]}})
	}

	optB, err := newOptimizer(OptimizerAdam, 0.05, shapes)
	assert.NoError(t, err)
	assert.NoError(t, optB.LoadState(optA.State()))

	copy(b[0], a[0])

	// From identical state, identical gradients produce identical updates.
	optA.Step(a, [][]float64{{0.3, -0.7}})
	optB.Step(b, [][]float64{{0.3, -0.7}})

	assert.Equal(t, a, b)
}

func TestOptimizerStateMismatch(t *testing.T) {
	adam, err := newOptimizer(OptimizerAdam, 0.1, [][]float64{{0, 0}})
	assert.NoError(t, err)

	sgd, err := newOptimizer(OptimizerSGD, 0.1, nil)
	assert.NoError(t, err)

	// Family mismatch.
	assert.Error(t, adam.LoadState(sgd.State()))
	assert.Error(t, sgd.LoadState(adam.State()))

	// Shape mismatch.
	other, err := newOptimizer(OptimizerAdam, 0.1, [][]float64{{0, 0, 0}})
	assert.NoError(t, err)
	assert.Error(t, adam.LoadState(other.State()))

	// Unknown family.
	_, err = newOptimizer("RMSProp", 0.1, nil)
	assert.Error(t, err)

	// State deep-copies: mutating the snapshot must not affect the optimizer.
	s := adam.State()
	if len(s.M) > 0 && len(s.M[0]) > 0 {
		s.M[0][0] = math.MaxFloat64
	}

	assert.NotEqual(t, math.MaxFloat64, adam.State().M[0][0])
}
