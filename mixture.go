package pacoh

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Const, vars, types.
//////

// PredictiveDist is the predictive-distribution capability shared by the
// single-GP (MAP) and mixture (Bayes) paths: per-query-point mean, standard
// deviation, log-density and CDF, all in the original (de-normalized) target
// scale.
type PredictiveDist interface {
	// NumPoints returns the number of query points the distribution covers.
	NumPoints() int

	// Mean and Std return the per-point predictive moments.
	Mean() []float64
	Std() []float64

	// LogProb evaluates the predictive log-density of target y at query
	// point i.
	LogProb(i int, y float64) float64

	// CDF evaluates the predictive cumulative distribution of target y at
	// query point i.
	CDF(i int, y float64) float64
}

// GaussianPredictive is an independent Gaussian predictive distribution per
// query point.
type GaussianPredictive struct {
	mean []float64
	std  []float64
}

// MixturePredictive is an equally-weighted mixture of Gaussian predictive
// distributions, one component per posterior sample, per query point. The
// mixture moments are exact: the mean is the average component mean and the
// variance adds the spread of the component means to the average component
// variance.
type MixturePredictive struct {
	// compMean[b][i] and compStd[b][i] are component b's moments at query
	// point i.
	compMean [][]float64
	compStd  [][]float64

	mean []float64
	std  []float64
}

//////
// Methods.
//////

// NumPoints returns the number of query points.
func (g *GaussianPredictive) NumPoints() int { return len(g.mean) }

// Mean returns the per-point predictive means.
func (g *GaussianPredictive) Mean() []float64 { return g.mean }

// Std returns the per-point predictive standard deviations.
func (g *GaussianPredictive) Std() []float64 { return g.std }

// LogProb evaluates the Gaussian log-density at query point i.
func (g *GaussianPredictive) LogProb(i int, y float64) float64 {
	return distuv.Normal{Mu: g.mean[i], Sigma: g.std[i]}.LogProb(y)
}

// CDF evaluates the Gaussian CDF at query point i.
func (g *GaussianPredictive) CDF(i int, y float64) float64 {
	return distuv.Normal{Mu: g.mean[i], Sigma: g.std[i]}.CDF(y)
}

// NumPoints returns the number of query points.
func (m *MixturePredictive) NumPoints() int { return len(m.mean) }

// Mean returns the exact mixture means.
func (m *MixturePredictive) Mean() []float64 { return m.mean }

// Std returns the exact mixture standard deviations.
func (m *MixturePredictive) Std() []float64 { return m.std }

// NumComponents returns the number of mixture components.
func (m *MixturePredictive) NumComponents() int { return len(m.compMean) }

// LogProb evaluates the mixture log-density at query point i via
// log-sum-exp over the component log-densities.
func (m *MixturePredictive) LogProb(i int, y float64) float64 {
	lps := make([]float64, len(m.compMean))
	for b := range m.compMean {
		lps[b] = distuv.Normal{Mu: m.compMean[b][i], Sigma: m.compStd[b][i]}.LogProb(y)
	}

	return logSumExp(lps) - math.Log(float64(len(lps)))
}

// CDF evaluates the mixture CDF at query point i as the equally-weighted
// average of the component CDFs.
func (m *MixturePredictive) CDF(i int, y float64) float64 {
	var sum float64
	for b := range m.compMean {
		sum += distuv.Normal{Mu: m.compMean[b][i], Sigma: m.compStd[b][i]}.CDF(y)
	}

	return sum / float64(len(m.compMean))
}

//////
// Factory.
//////

// newGaussianPredictive builds a Gaussian predictive distribution from
// normalized moments, applying the affine de-normalization (mean scales by
// yStd and shifts by yMean; std scales by yStd only).
func newGaussianPredictive(mean, std []float64, yMean, yStd float64) *GaussianPredictive {
	out := &GaussianPredictive{
		mean: make([]float64, len(mean)),
		std:  make([]float64, len(std)),
	}

	for i := range mean {
		out.mean[i] = mean[i]*yStd + yMean
		out.std[i] = std[i] * yStd
	}

	return out
}

// newMixturePredictive builds an equally-weighted mixture from per-component
// normalized moments, applying the affine de-normalization to every
// component before computing the exact mixture moments.
func newMixturePredictive(compMean, compStd [][]float64, yMean, yStd float64) *MixturePredictive {
	if len(compMean) == 0 || len(compMean) != len(compStd) {
		panic("pacoh: mixture components must be non-empty with matching shapes")
	}

	nComp := len(compMean)
	nPoints := len(compMean[0])

	m := &MixturePredictive{
		compMean: make([][]float64, nComp),
		compStd:  make([][]float64, nComp),
		mean:     make([]float64, nPoints),
		std:      make([]float64, nPoints),
	}

	for b := 0; b < nComp; b++ {
		if len(compMean[b]) != nPoints || len(compStd[b]) != nPoints {
			panic("pacoh: mixture components must be non-empty with matching shapes")
		}

		m.compMean[b] = make([]float64, nPoints)
		m.compStd[b] = make([]float64, nPoints)

		for i := 0; i < nPoints; i++ {
			m.compMean[b][i] = compMean[b][i]*yStd + yMean
			m.compStd[b][i] = compStd[b][i] * yStd
		}
	}

	for i := 0; i < nPoints; i++ {
		var first, second float64
		for b := 0; b < nComp; b++ {
			mu := m.compMean[b][i]
			sd := m.compStd[b][i]

			first += mu
			second += sd*sd + mu*mu
		}

		first /= float64(nComp)
		second /= float64(nComp)

		m.mean[i] = first

		variance := second - first*first
		if variance < 1e-12 {
			variance = 1e-12
		}

		m.std[i] = math.Sqrt(variance)
	}

	return m
}
