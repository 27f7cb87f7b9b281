package pacoh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomGPPriorFamilies(t *testing.T) {
	cfg := seModelConfig()

	gp, err := NewVectorizedGP(2, cfg)
	assert.NoError(t, err)

	prior := NewRandomGP(gp, cfg)
	dists := prior.HyperPrior().Dists()

	// constant_mean ~ N(0, 1).
	cm, ok := dists[0].(*NormalVec)
	assert.True(t, ok)
	assert.Equal(t, []float64{0}, cm.Loc)
	assert.Equal(t, []float64{1}, cm.Scale)

	// lengthscale ~ LogNormal(0, 1), one per input dimension.
	ls, ok := dists[1].(*LogNormalVec)
	assert.True(t, ok)
	assert.Equal(t, []float64{0, 0}, ls.Loc)
	assert.Equal(t, []float64{1, 1}, ls.Scale)

	// noise ~ LogNormal(log 0.1, 0.2).
	noise, ok := dists[2].(*LogNormalVec)
	assert.True(t, ok)
	assert.InDelta(t, math.Log(0.1), noise.Loc[0], 1e-12)
	assert.Equal(t, 0.2, noise.Scale[0])

	assert.Equal(t, []groupFamily{familyNormal, familyLogNormal, familyLogNormal}, prior.Families())
}

func TestRandomGPNetworkPriorStds(t *testing.T) {
	cfg := DefaultModelConfig()
	cfg.MeanNNLayers = []int{4}
	cfg.KernelNNLayers = []int{4}
	cfg.WeightPriorStd = 0.5
	cfg.BiasPriorStd = 3.0

	gp, err := NewVectorizedGP(1, cfg)
	assert.NoError(t, err)

	prior := NewRandomGP(gp, cfg)

	for gi, g := range gp.Schema().Groups() {
		nv, ok := prior.HyperPrior().Dists()[gi].(*NormalVec)
		if !ok {
			continue // lengthscale and noise groups.
		}

		switch {
		case g.Name == "mean_nn.fc_1.bias", g.Name == "kernel_nn.fc_1.bias",
			g.Name == "mean_nn.fc_2.bias", g.Name == "kernel_nn.fc_2.bias":
			assert.Equal(t, 3.0, nv.Scale[0], g.Name)
		default:
			assert.Equal(t, 0.5, nv.Scale[0], g.Name)
		}
	}
}

func TestSampleParamsPositivity(t *testing.T) {
	cfg := seModelConfig()

	gp, err := NewVectorizedGP(2, cfg)
	assert.NoError(t, err)

	prior := NewRandomGP(gp, cfg)
	rng := rand.New(rand.NewSource(13))

	for _, theta := range prior.SampleParams(rng, 20) {
		for _, v := range gp.Schema().Slice(theta, "lengthscale") {
			assert.Greater(t, v, 0.0)
		}

		assert.Greater(t, gp.Schema().Slice(theta, "noise")[0], 0.0)
	}
}

func TestLogJointTaskOrderInvariance(t *testing.T) {
	cfg := seModelConfig()

	gp, err := NewVectorizedGP(1, cfg)
	assert.NoError(t, err)

	prior := NewRandomGP(gp, cfg)
	rng := rand.New(rand.NewSource(3))
	theta := prior.SampleParams(rng, 1)[0]

	t1 := Task{X: handleInputDimensionality([]float64{0.1, 0.5}), Y: []float64{0.2, -0.4}}
	t2 := Task{X: handleInputDimensionality([]float64{-0.9, 1.2}), Y: []float64{0.7, 0.0}}

	a := prior.LogJoint(theta, []Task{t1, t2}, nil)
	b := prior.LogJoint(theta, []Task{t2, t1}, nil)

	assert.InDelta(t, a, b, 1e-12)

	// And it decomposes into prior plus per-task likelihood terms.
	inst := gp.Materialize(theta)
	want := cfg.PriorFactor*prior.LogProbPrior(theta) +
		inst.MarginalLogLikelihood(t1.X, t1.Y, nil) +
		inst.MarginalLogLikelihood(t2.X, t2.Y, nil)

	assert.InDelta(t, want, a, 1e-12)
}

// TestLogJointGradientFiniteDifference checks the combined prior and
// likelihood gradient against central finite differences.
func TestLogJointGradientFiniteDifference(t *testing.T) {
	cfg := seModelConfig()
	cfg.PriorFactor = 0.05

	gp, err := NewVectorizedGP(1, cfg)
	assert.NoError(t, err)

	prior := NewRandomGP(gp, cfg)
	rng := rand.New(rand.NewSource(17))
	theta := prior.SampleParams(rng, 1)[0]

	tasks := []Task{
		{X: handleInputDimensionality([]float64{-0.3, 0.4, 1.0}), Y: []float64{0.1, 0.6, -0.2}},
		{X: handleInputDimensionality([]float64{0.8, -1.1}), Y: []float64{-0.5, 0.3}},
	}

	grad := make([]float64, gp.Schema().NumParams())
	prior.LogJoint(theta, tasks, grad)

	const h = 1e-6

	for i := range theta {
		perturbed := copyVector(theta)

		perturbed[i] = theta[i] + h
		up := prior.LogJoint(perturbed, tasks, nil)

		perturbed[i] = theta[i] - h
		down := prior.LogJoint(perturbed, tasks, nil)

		assert.InDelta(t, (up-down)/(2*h), grad[i], 1e-4, "theta[%d]", i)
	}
}
