package pacoh

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Available acquisition functions for the hyperparameter search.
// Each function scores candidate configurations from the surrogate's
// prediction, balancing exploration (uncertain configurations) and
// exploitation (configurations predicted to score well). Lower acquisition
// values indicate more promising candidates, since the search minimizes the
// validation objective.
//////

// AcquisitionFunc scores a candidate configuration from the surrogate's
// predicted mean and variance. Lower values indicate more promising
// candidates.
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds the parameters shared by the built-in acquisition
// functions.
type AcquisitionParams struct {
	// Beta controls the exploration-exploitation trade-off of UCB. Higher
	// values weight uncertain configurations more strongly. Typical values
	// range from 0.1 to 5.0, with 2.0 as a good default.
	Beta float64

	// Xi is the minimum-improvement margin used by ProbabilityOfImprovement
	// and ExpectedImprovement. Typical values range from 0.01 to 0.1.
	Xi float64

	// BestSoFar is the best (lowest) objective observed so far. Initialize
	// to math.MaxFloat64; the search driver keeps it current.
	BestSoFar float64

	// RandomState is the random number generator used by ThompsonSampling.
	// Must be non-nil when that function is selected.
	RandomState *rand.Rand
}

// UCB implements the (lower) confidence bound acquisition: the predicted
// mean minus Beta standard deviations. With lower-is-better objectives this
// favors configurations that are either predicted to score well or are
// highly uncertain.
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement scores a candidate by the probability that it
// improves on the current best objective by at least Xi, under a Gaussian
// assumption on the surrogate's prediction.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		if mean < params.BestSoFar-params.Xi {
			return -1
		}

		return 0
	}

	z := (params.BestSoFar - params.Xi - mean) / sigma

	// Negated so that higher probability of improvement means a lower
	// acquisition value.
	return -distuv.UnitNormal.CDF(z)
}

// ExpectedImprovement scores a candidate by the expected magnitude of its
// improvement over the current best objective, combining how likely and how
// large the improvement might be. The most commonly used acquisition
// function.
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	improvement := params.BestSoFar - params.Xi - mean

	if sigma == 0 {
		return -math.Max(improvement, 0)
	}

	z := improvement / sigma

	// Negated expected improvement, lower is better.
	return -(improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z))
}

// ThompsonSampling scores a candidate by a random draw from the surrogate's
// predictive distribution, which naturally balances exploration and
// exploitation without tunable parameters.
//
// RandomState must be initialized; do not share it between concurrent
// searches.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}
