package pacoh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestPosterior(t *testing.T, seed int64) (*RandomGP, *RandomGPPosterior) {
	t.Helper()

	cfg := seModelConfig()

	gp, err := NewVectorizedGP(1, cfg)
	assert.NoError(t, err)

	prior := NewRandomGP(gp, cfg)

	return prior, NewRandomGPPosterior(prior, rand.New(rand.NewSource(seed)))
}

func TestPosteriorModeFormulas(t *testing.T) {
	_, p := newTestPosterior(t, 1)

	// Groups: constant_mean (Normal), lengthscale (LogNormal), noise
	// (LogNormal). Set the trainable parameters to known values.
	p.loc[0], p.logScaleRaw[0] = 0.7, -1.0
	p.loc[1], p.logScaleRaw[1] = 0.2, -2.0
	p.loc[2], p.logScaleRaw[2] = -2.0, -1.5

	mode := p.Mode()

	// Normal mode is the location.
	assert.InDelta(t, 0.7, mode[0], 1e-12)

	// LogNormal mode is exp(loc - scale^2) with scale = exp(raw).
	s1 := math.Exp(-2.0)
	assert.InDelta(t, math.Exp(0.2-s1*s1), mode[1], 1e-12)

	s2 := math.Exp(-1.5)
	assert.InDelta(t, math.Exp(-2.0-s2*s2), mode[2], 1e-12)
}

func TestPosteriorRSampleReparameterization(t *testing.T) {
	_, p := newTestPosterior(t, 2)

	rng := rand.New(rand.NewSource(4))
	thetas, eps := p.RSample(rng, 3)

	assert.Len(t, thetas, 3)
	assert.Len(t, eps, 3)

	for b := range thetas {
		for i := range p.loc {
			z := p.loc[i] + math.Exp(p.logScaleRaw[i])*eps[b][i]

			switch p.familiesFlat[i] {
			case familyNormal:
				assert.InDelta(t, z, thetas[b][i], 1e-12)
			case familyLogNormal:
				assert.InDelta(t, math.Exp(z), thetas[b][i], 1e-12)
			}
		}
	}
}

func TestPosteriorTrainableParamsAlias(t *testing.T) {
	_, p := newTestPosterior(t, 3)

	params := p.TrainableParams()
	assert.Len(t, params, 2)

	params[0][0] = 5.0

	assert.Equal(t, 5.0, p.Mode()[0])
}

func TestPosteriorGroupStddevs(t *testing.T) {
	_, p := newTestPosterior(t, 6)

	stds := p.GroupStddevs()
	assert.Len(t, stds, 3)

	for name, s := range stds {
		assert.Greater(t, s, 0.0, name)
	}
}

// TestAccumulateElboGradFiniteDifference checks the closed-form total
// derivative of one sample's ELBO contribution, with the reparameterization
// noise held fixed, against central finite differences in the variational
// parameters.
func TestAccumulateElboGradFiniteDifference(t *testing.T) {
	prior, p := newTestPosterior(t, 7)

	const lambda = 0.05

	tasks := []Task{
		{X: handleInputDimensionality([]float64{-0.4, 0.3, 0.9}), Y: []float64{0.2, -0.1, 0.5}},
	}

	rng := rand.New(rand.NewSource(8))
	thetas, eps := p.RSample(rng, 1)

	gTheta := make([]float64, p.NumParams())
	prior.LogJoint(thetas[0], tasks, gTheta)

	gLoc := make([]float64, p.NumParams())
	gRaw := make([]float64, p.NumParams())
	p.AccumulateElboGrad(thetas[0], eps[0], gTheta, lambda, gLoc, gRaw)

	baseLoc := copyVector(p.loc)
	baseRaw := copyVector(p.logScaleRaw)

	// elboAt recomputes the sample's ELBO term from perturbed variational
	// parameters, reusing the recorded noise.
	elboAt := func(loc, raw []float64) float64 {
		copy(p.loc, loc)
		copy(p.logScaleRaw, raw)

		theta := make([]float64, p.NumParams())
		for i := range theta {
			z := loc[i] + math.Exp(raw[i])*eps[0][i]

			if p.familiesFlat[i] == familyLogNormal {
				theta[i] = math.Exp(z)
			} else {
				theta[i] = z
			}
		}

		return prior.LogJoint(theta, tasks, nil) - lambda*p.LogProb(theta)
	}

	defer func() {
		copy(p.loc, baseLoc)
		copy(p.logScaleRaw, baseRaw)
	}()

	const h = 1e-6

	for i := range baseLoc {
		loc := copyVector(baseLoc)

		loc[i] = baseLoc[i] + h
		up := elboAt(loc, baseRaw)

		loc[i] = baseLoc[i] - h
		down := elboAt(loc, baseRaw)

		assert.InDelta(t, (up-down)/(2*h), gLoc[i], 1e-4, "loc[%d]", i)
	}

	for i := range baseRaw {
		raw := copyVector(baseRaw)

		raw[i] = baseRaw[i] + h
		up := elboAt(baseLoc, raw)

		raw[i] = baseRaw[i] - h
		down := elboAt(baseLoc, raw)

		assert.InDelta(t, (up-down)/(2*h), gRaw[i], 1e-4, "raw[%d]", i)
	}
}
