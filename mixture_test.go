package pacoh

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestGaussianPredictiveDeNormalization(t *testing.T) {
	// Normalized moments (0, 1) with target stats (10, 2) give N(10, 2).
	g := newGaussianPredictive([]float64{0.0}, []float64{1.0}, 10.0, 2.0)

	assert.Equal(t, 1, g.NumPoints())
	assert.InDelta(t, 10.0, g.Mean()[0], 1e-12)
	assert.InDelta(t, 2.0, g.Std()[0], 1e-12)

	ref := distuv.Normal{Mu: 10, Sigma: 2}
	assert.InDelta(t, ref.LogProb(11.0), g.LogProb(0, 11.0), 1e-12)
	assert.InDelta(t, ref.CDF(11.0), g.CDF(0, 11.0), 1e-12)
}

func TestMixtureSingleComponentMatchesGaussian(t *testing.T) {
	mean := []float64{0.5, -0.2}
	std := []float64{1.0, 0.7}

	m := newMixturePredictive([][]float64{mean}, [][]float64{std}, 1.0, 3.0)
	g := newGaussianPredictive(mean, std, 1.0, 3.0)

	assert.Equal(t, 1, m.NumComponents())

	for i := 0; i < 2; i++ {
		assert.InDelta(t, g.Mean()[i], m.Mean()[i], 1e-9)
		assert.InDelta(t, g.Std()[i], m.Std()[i], 1e-9)
		assert.InDelta(t, g.LogProb(i, 0.3), m.LogProb(i, 0.3), 1e-9)
		assert.InDelta(t, g.CDF(i, 0.3), m.CDF(i, 0.3), 1e-9)
	}
}

func TestMixtureExactMoments(t *testing.T) {
	// Two components at +-1 with unit variance, no de-normalization.
	m := newMixturePredictive(
		[][]float64{{1.0}, {-1.0}},
		[][]float64{{1.0}, {1.0}},
		0.0, 1.0,
	)

	// Mixture mean 0; variance = avg(var) + avg(mu^2) - mean^2 = 1 + 1 = 2.
	assert.InDelta(t, 0.0, m.Mean()[0], 1e-12)
	assert.InDelta(t, math.Sqrt(2.0), m.Std()[0], 1e-12)

	// CDF at the symmetry point is exactly one half.
	assert.InDelta(t, 0.5, m.CDF(0, 0.0), 1e-12)

	// Log-density at 0 via direct two-component computation.
	comp := distuv.Normal{Mu: 1, Sigma: 1}.Prob(0.0)
	want := math.Log(comp) // Both components contribute equally.
	assert.InDelta(t, want, m.LogProb(0, 0.0), 1e-12)
}

func TestMixtureShapeChecks(t *testing.T) {
	assert.Panics(t, func() { newMixturePredictive(nil, nil, 0, 1) })
	assert.Panics(t, func() {
		newMixturePredictive([][]float64{{1, 2}}, [][]float64{{1}}, 0, 1)
	})
}
