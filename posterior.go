package pacoh

import (
	"math"
	"math/rand"
	"strings"
)

//////
// Const, vars, types.
//////

// Posterior initialization constants (locations near zero, network scales
// near 0.1).
const (
	posteriorInitStd      = 0.1
	posteriorInitLogScale = -2.302585092994046 // log(0.1)
)

// RandomGPPosterior is the learnable diagonal variational posterior over the
// flat GP parameter vector: one Normal or LogNormal distribution per
// parameter group, with the same family choice as the prior, trainable
// per-element location and log-parameterized scale.
//
// The location and raw log-scale vectors are the only quantities mutated by
// the optimizer. Scales are obtained by exponentiating the raw vector, which
// guarantees positivity without clamping.
type RandomGPPosterior struct {
	reg      *ParamRegistry
	families []groupFamily

	// familiesFlat repeats the group family per scalar element.
	familiesFlat []groupFamily

	loc         []float64
	logScaleRaw []float64
}

//////
// Methods.
//////

// NumParams returns the flat event size of the posterior.
func (p *RandomGPPosterior) NumParams() int { return len(p.loc) }

// TrainableParams returns the parameter slices updated by the optimizer, in
// a stable order: location first, raw log-scale second. The slices alias the
// posterior's state.
func (p *RandomGPPosterior) TrainableParams() [][]float64 {
	return [][]float64{p.loc, p.logScaleRaw}
}

// Dist materializes the current joint posterior distribution from the
// trainable parameters.
func (p *RandomGPPosterior) Dist() *CatDist {
	groups := p.reg.Groups()
	dists := make([]ParamDist, len(groups))

	for gi, g := range groups {
		loc := p.loc[g.Offset : g.Offset+g.Size()]
		scale := make([]float64, g.Size())

		for i := range scale {
			scale[i] = math.Exp(p.logScaleRaw[g.Offset+i])
		}

		switch p.families[gi] {
		case familyNormal:
			dists[gi] = &NormalVec{Loc: loc, Scale: scale}
		case familyLogNormal:
			dists[gi] = &LogNormalVec{Loc: loc, Scale: scale}
		}
	}

	return NewCatDist(dists)
}

// RSample draws n reparameterized flat-vector samples together with the
// standard-normal noise of every element, so the training objective can
// differentiate through the draws.
func (p *RandomGPPosterior) RSample(rng *rand.Rand, n int) (thetas, eps [][]float64) {
	dist := p.Dist()

	thetas = make([][]float64, n)
	eps = make([][]float64, n)

	for b := 0; b < n; b++ {
		thetas[b] = make([]float64, dist.EventSize())
		eps[b] = make([]float64, dist.EventSize())
		dist.RSample(rng, thetas[b], eps[b])
	}

	return thetas, eps
}

// Sample draws n flat-vector samples without reparameterization noise. Used
// at prediction time where gradients are not needed.
func (p *RandomGPPosterior) Sample(rng *rand.Rand, n int) [][]float64 {
	dist := p.Dist()

	out := make([][]float64, n)
	for b := 0; b < n; b++ {
		out[b] = make([]float64, dist.EventSize())
		dist.Sample(rng, out[b])
	}

	return out
}

// LogProb evaluates the joint posterior log-density of one flat-vector
// sample.
func (p *RandomGPPosterior) LogProb(theta []float64) float64 {
	return p.Dist().LogProb(theta)
}

// Mode returns the closed-form mode of the posterior: the location for
// Normal groups and exp(loc - scale^2) for LogNormal groups, concatenated in
// schema order. Used for maximum-a-posteriori point prediction.
func (p *RandomGPPosterior) Mode() []float64 {
	out := make([]float64, len(p.loc))
	p.Dist().Mode(out)

	return out
}

// AccumulateElboGrad adds the gradient of one sample's ELBO contribution
//
//	logJoint(theta) - priorFactor * logQ(theta)
//
// with respect to the trainable location and raw log-scale vectors into gLoc
// and gRaw. gTheta must hold the pathwise gradient d logJoint / d theta for
// the sample; theta and eps must be the matching reparameterized draw.
//
// The entropy-like term -priorFactor*logQ has closed-form total derivatives
// under the reparameterization: zero for Normal locations, +priorFactor for
// Normal log-scales, and (+priorFactor, +priorFactor*(1+scale*eps)) for
// LogNormal groups.
func (p *RandomGPPosterior) AccumulateElboGrad(theta, eps, gTheta []float64, priorFactor float64, gLoc, gRaw []float64) {
	if len(theta) != len(p.loc) || len(eps) != len(p.loc) || len(gTheta) != len(p.loc) {
		panic("pacoh: elbo gradient length mismatch")
	}

	for i := range p.loc {
		s := math.Exp(p.logScaleRaw[i])
		se := s * eps[i]

		switch p.familiesFlat[i] {
		case familyNormal:
			gLoc[i] += gTheta[i]
			gRaw[i] += gTheta[i]*se + priorFactor
		case familyLogNormal:
			gz := gTheta[i] * theta[i]
			gLoc[i] += gz + priorFactor
			gRaw[i] += gz*se + priorFactor*(1+se)
		}
	}
}

// GroupStddevs returns the mean posterior scale per parameter group, a cheap
// diagnostic of how concentrated the posterior has become.
func (p *RandomGPPosterior) GroupStddevs() map[string]float64 {
	out := make(map[string]float64, len(p.reg.Groups()))

	for _, g := range p.reg.Groups() {
		var sum float64
		for i := g.Offset; i < g.Offset+g.Size(); i++ {
			sum += math.Exp(p.logScaleRaw[i])
		}

		out[g.Name] = sum / float64(g.Size())
	}

	return out
}

//////
// Factory.
//////

// NewRandomGPPosterior builds the variational posterior for the prior's
// parameter schema, initializing locations near zero and scales near one for
// the non-network groups and near 0.1 for network weight groups.
func NewRandomGPPosterior(prior *RandomGP, rng *rand.Rand) *RandomGPPosterior {
	reg := prior.GP().Schema()

	p := &RandomGPPosterior{
		reg:         reg,
		families:    prior.Families(),
		loc:         make([]float64, reg.NumParams()),
		logScaleRaw: make([]float64, reg.NumParams()),
	}

	p.familiesFlat = make([]groupFamily, reg.NumParams())

	for gi, g := range reg.Groups() {
		isNet := strings.HasPrefix(g.Name, "mean_nn.") || strings.HasPrefix(g.Name, "kernel_nn.")

		for i := g.Offset; i < g.Offset+g.Size(); i++ {
			p.familiesFlat[i] = p.families[gi]
			p.loc[i] = posteriorInitStd * rng.NormFloat64()

			if isNet {
				p.logScaleRaw[i] = posteriorInitLogScale + posteriorInitStd*rng.NormFloat64()
			} else {
				p.logScaleRaw[i] = posteriorInitStd * rng.NormFloat64()
			}
		}
	}

	return p
}
