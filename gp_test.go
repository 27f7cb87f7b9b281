package pacoh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// seModelConfig is the smallest structural configuration: learned constant
// mean, squared-exponential kernel on raw inputs.
func seModelConfig() ModelConfig {
	cfg := DefaultModelConfig()
	cfg.MeanFamily = MeanConstant
	cfg.KernelFamily = KernelSE

	return cfg
}

func TestVectorizedGPSchemaOrder(t *testing.T) {
	gp, err := NewVectorizedGP(1, seModelConfig())
	assert.NoError(t, err)
	assert.Equal(t, []string{"constant_mean", "lengthscale", "noise"}, gp.Schema().GroupNames())

	cfg := DefaultModelConfig()
	cfg.MeanNNLayers = []int{4}
	cfg.KernelNNLayers = []int{4}

	gp, err = NewVectorizedGP(1, cfg)
	assert.NoError(t, err)

	names := gp.Schema().GroupNames()
	assert.Equal(t, "mean_nn.fc_1.weight", names[0])
	assert.Equal(t, "lengthscale", names[len(names)-2])
	assert.Equal(t, "noise", names[len(names)-1])

	// Unsupported families are configuration errors, not panics.
	bad := seModelConfig()
	bad.KernelFamily = "Matern"
	_, err = NewVectorizedGP(1, bad)
	assert.Error(t, err)
}

func TestMarginalLogLikelihoodSingleObservation(t *testing.T) {
	gp, err := NewVectorizedGP(1, seModelConfig())
	assert.NoError(t, err)

	theta := gp.Schema().AsVector(map[string][]float64{
		"constant_mean": {0.5},
		"lengthscale":   {1.0},
		"noise":         {0.1},
	})

	inst := gp.Materialize(theta)

	// For one point: Ky = 1 + noise, resid = y - m.
	ky := 1.1
	resid := 1.2 - 0.5
	want := -0.5*resid*resid/ky - 0.5*math.Log(ky) - 0.5*math.Log(2*math.Pi)

	got := inst.MarginalLogLikelihood([][]float64{{0.3}}, []float64{1.2}, nil)
	assert.InDelta(t, want, got, 1e-10)
}

func TestMarginalLogLikelihoodGradientFiniteDifference(t *testing.T) {
	gp, err := NewVectorizedGP(1, seModelConfig())
	assert.NoError(t, err)

	theta := gp.Schema().AsVector(map[string][]float64{
		"constant_mean": {0.2},
		"lengthscale":   {0.9},
		"noise":         {0.3},
	})

	x := handleInputDimensionality([]float64{-1.0, 0.0, 0.7, 2.1})
	y := []float64{0.3, -0.2, 0.8, 0.1}

	grad := make([]float64, gp.Schema().NumParams())
	gp.Materialize(theta).MarginalLogLikelihood(x, y, grad)

	const h = 1e-6

	for i := range theta {
		perturbed := copyVector(theta)

		perturbed[i] = theta[i] + h
		up := gp.Materialize(perturbed).MarginalLogLikelihood(x, y, nil)

		perturbed[i] = theta[i] - h
		down := gp.Materialize(perturbed).MarginalLogLikelihood(x, y, nil)

		assert.InDelta(t, (up-down)/(2*h), grad[i], 1e-5, "theta[%d]", i)
	}
}

// TestMarginalLogLikelihoodGradientNeuralFamilies checks the full analytic
// gradient, including the mean-network and kernel-network backward passes,
// against central finite differences.
func TestMarginalLogLikelihoodGradientNeuralFamilies(t *testing.T) {
	cfg := DefaultModelConfig()
	cfg.MeanNNLayers = []int{4}
	cfg.KernelNNLayers = []int{4}
	cfg.FeatureDim = 2

	gp, err := NewVectorizedGP(1, cfg)
	assert.NoError(t, err)

	// A prior sample gives positive lengthscales and noise for free.
	prior := NewRandomGP(gp, cfg)
	rng := rand.New(rand.NewSource(5))
	theta := prior.SampleParams(rng, 1)[0]

	x := handleInputDimensionality([]float64{-0.5, 0.2, 1.1})
	y := []float64{0.4, -0.3, 0.9}

	grad := make([]float64, gp.Schema().NumParams())
	gp.Materialize(theta).MarginalLogLikelihood(x, y, grad)

	const h = 1e-5

	for i := range theta {
		perturbed := copyVector(theta)

		perturbed[i] = theta[i] + h
		up := gp.Materialize(perturbed).MarginalLogLikelihood(x, y, nil)

		perturbed[i] = theta[i] - h
		down := gp.Materialize(perturbed).MarginalLogLikelihood(x, y, nil)

		assert.InDelta(t, (up-down)/(2*h), grad[i], 1e-4, "theta[%d]", i)
	}
}

func TestPosteriorPredictInterpolation(t *testing.T) {
	gp, err := NewVectorizedGP(1, seModelConfig())
	assert.NoError(t, err)

	theta := gp.Schema().AsVector(map[string][]float64{
		"constant_mean": {0.0},
		"lengthscale":   {1.0},
		"noise":         {1e-4},
	})

	contextX := handleInputDimensionality([]float64{-1.0, 0.0, 1.5})
	contextY := []float64{0.5, -0.3, 0.9}

	post := gp.Materialize(theta).Posterior(contextX, contextY)
	mean, std := post.Predict(contextX)

	// With near-zero noise the posterior interpolates the context targets.
	for i := range contextY {
		assert.InDelta(t, contextY[i], mean[i], 0.05)
		assert.Less(t, std[i], 0.2)
	}

	// Far from the context the prediction reverts to the prior.
	farMean, farStd := post.Predict(handleInputDimensionality([]float64{50.0}))
	assert.InDelta(t, 0.0, farMean[0], 1e-6)
	assert.InDelta(t, 1.0, farStd[0], 1e-3)
}

func TestEvaluateBatch(t *testing.T) {
	cfg := seModelConfig()

	gp, err := NewVectorizedGP(1, cfg)
	assert.NoError(t, err)

	prior := NewRandomGP(gp, cfg)
	rng := rand.New(rand.NewSource(9))
	thetas := prior.SampleParams(rng, 4)

	x := handleInputDimensionality([]float64{0.1, 0.9})
	y := []float64{0.2, -0.1}

	mlls, instances := gp.Evaluate(thetas, x, y, true)
	assert.Len(t, mlls, 4)
	assert.Len(t, instances, 4)

	for i, mll := range mlls {
		assert.False(t, math.IsNaN(mll))
		assert.InDelta(t, instances[i].MarginalLogLikelihood(x, y, nil), mll, 1e-12)
	}

	mlls, instances = gp.Evaluate(thetas, nil, nil, false)
	assert.Nil(t, mlls)
	assert.Len(t, instances, 4)
}

func TestMaterializeIsIndependent(t *testing.T) {
	gp, err := NewVectorizedGP(1, seModelConfig())
	assert.NoError(t, err)

	theta := gp.Schema().AsVector(map[string][]float64{
		"constant_mean": {0.0},
		"lengthscale":   {1.0},
		"noise":         {0.1},
	})

	inst := gp.Materialize(theta)

	// Mutating the caller's vector must not affect the instance.
	theta[0] = 99
	assert.Equal(t, 0.0, inst.Theta()[0])

	assert.Panics(t, func() { gp.Materialize([]float64{1}) })
}
