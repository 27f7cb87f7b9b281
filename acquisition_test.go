package pacoh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUCB(t *testing.T) {
	params := AcquisitionParams{Beta: 2.0}

	assert.InDelta(t, 0.5-2.0*math.Sqrt(0.04), UCB(0.5, 0.04, params), 1e-12)

	// More uncertainty makes a point more promising (lower value).
	assert.Less(t, UCB(0.5, 0.5, params), UCB(0.5, 0.1, params))
}

func TestProbabilityOfImprovement(t *testing.T) {
	params := AcquisitionParams{BestSoFar: 1.0, Xi: 0.0}

	// A predicted mean below the best is more promising than one above it.
	better := ProbabilityOfImprovement(0.5, 0.04, params)
	worse := ProbabilityOfImprovement(1.5, 0.04, params)
	assert.Less(t, better, worse)

	// Zero-variance edge cases.
	assert.Equal(t, -1.0, ProbabilityOfImprovement(0.5, 0.0, params))
	assert.Equal(t, 0.0, ProbabilityOfImprovement(1.5, 0.0, params))
}

func TestExpectedImprovement(t *testing.T) {
	params := AcquisitionParams{BestSoFar: 1.0, Xi: 0.0}

	// A certain improvement of 0.5 has expected improvement 0.5.
	assert.InDelta(t, -0.5, ExpectedImprovement(0.5, 0.0, params), 1e-12)

	// No improvement and no uncertainty means nothing to gain.
	assert.Equal(t, 0.0, ExpectedImprovement(1.5, 0.0, params))

	// With uncertainty there is always some expected improvement.
	assert.Less(t, ExpectedImprovement(1.5, 0.25, params), 0.0)

	// Better means dominate at equal variance.
	assert.Less(t, ExpectedImprovement(0.5, 0.04, params), ExpectedImprovement(0.9, 0.04, params))
}

func TestThompsonSampling(t *testing.T) {
	a := ThompsonSampling(0.5, 0.04, AcquisitionParams{RandomState: rand.New(rand.NewSource(1))})
	b := ThompsonSampling(0.5, 0.04, AcquisitionParams{RandomState: rand.New(rand.NewSource(1))})

	// Same seed, same draw.
	assert.Equal(t, a, b)

	// Zero variance collapses to the mean.
	c := ThompsonSampling(0.5, 0.0, AcquisitionParams{RandomState: rand.New(rand.NewSource(2))})
	assert.Equal(t, 0.5, c)
}
