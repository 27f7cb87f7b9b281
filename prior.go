package pacoh

import (
	"math"
	"math/rand"
	"strings"
)

//////
// Const, vars, types.
//////

// groupFamily is the distribution family assigned to a parameter group. The
// family is fixed by the group's domain: unconstrained groups are Normal,
// strictly positive groups are LogNormal. It never depends on data.
type groupFamily int

const (
	familyNormal groupFamily = iota
	familyLogNormal
)

// Fixed hyper-prior constants for the non-network parameter groups.
const (
	noisePriorScale = 0.2

	lengthscalePriorScale = 1.0
)

// RandomGP is the hierarchical prior over GP parameters: one independent
// prior distribution per named parameter group, concatenated into a joint
// distribution over the flat parameter vector. The prior hyperparameters are
// fixed at construction and never trained.
//
// Prior families per group:
//   - constant_mean: Normal(0, 1)
//   - lengthscale: LogNormal(0, 1)
//   - noise: LogNormal(log 0.1, 0.2)
//   - NN weights: Normal(0, weightPriorStd); NN biases: Normal(0, biasPriorStd)
type RandomGP struct {
	gp          *VectorizedGP
	priorFactor float64

	hyperPrior *CatDist
	families   []groupFamily
}

//////
// Methods.
//////

// GP returns the structural GP model the prior is defined over.
func (r *RandomGP) GP() *VectorizedGP { return r.gp }

// HyperPrior returns the joint prior distribution over the flat parameter
// vector.
func (r *RandomGP) HyperPrior() *CatDist { return r.hyperPrior }

// Families returns the per-group distribution families in schema order.
func (r *RandomGP) Families() []groupFamily { return r.families }

// SampleParams draws n flat parameter vectors from the prior. Used for
// diagnostics and synthetic-data generation, not the main training path.
func (r *RandomGP) SampleParams(rng *rand.Rand, n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, r.hyperPrior.EventSize())
		r.hyperPrior.Sample(rng, out[i])
	}

	return out
}

// LogProbPrior evaluates the joint prior log-density of one flat parameter
// vector.
func (r *RandomGP) LogProbPrior(theta []float64) float64 {
	return r.hyperPrior.LogProb(theta)
}

// LogJoint computes priorFactor * logPrior(theta) plus the sum of the exact
// marginal log-likelihoods of the given tasks, all evaluated at the same
// parameter sample so prior and likelihood stay consistent per sampled model
// instance.
//
// When grad is non-nil, the analytic gradient of the whole expression with
// respect to theta is accumulated into it.
func (r *RandomGP) LogJoint(theta []float64, tasks []Task, grad []float64) float64 {
	lp := r.priorFactor * r.LogProbPrior(theta)

	if grad != nil {
		r.addPriorGrad(theta, grad)
	}

	inst := r.gp.Materialize(theta)
	for _, t := range tasks {
		lp += inst.MarginalLogLikelihood(t.X, t.Y, grad)
	}

	return lp
}

// addPriorGrad accumulates priorFactor * d logPrior / d theta into grad.
func (r *RandomGP) addPriorGrad(theta, grad []float64) {
	groups := r.gp.registry.Groups()

	for gi, dist := range r.hyperPrior.Dists() {
		g := groups[gi]
		seg := theta[g.Offset : g.Offset+g.Size()]
		dst := grad[g.Offset : g.Offset+g.Size()]

		switch d := dist.(type) {
		case *NormalVec:
			for i := range seg {
				s2 := d.Scale[i] * d.Scale[i]
				dst[i] += r.priorFactor * (-(seg[i] - d.Loc[i]) / s2)
			}
		case *LogNormalVec:
			for i := range seg {
				s2 := d.Scale[i] * d.Scale[i]
				dst[i] += r.priorFactor * (-1 - (math.Log(seg[i])-d.Loc[i])/s2) / seg[i]
			}
		default:
			panic("pacoh: unknown prior distribution family")
		}
	}
}

//////
// Factory.
//////

// NewRandomGP builds the hierarchical prior for every group of the GP
// model's parameter schema. The prior's group sequence is checked against
// the model schema; any divergence is a programming error and panics.
func NewRandomGP(gp *VectorizedGP, cfg ModelConfig) *RandomGP {
	r := &RandomGP{
		gp:          gp,
		priorFactor: cfg.PriorFactor,
	}

	groups := gp.Schema().Groups()
	dists := make([]ParamDist, 0, len(groups))

	for _, g := range groups {
		size := g.Size()

		switch {
		case g.Name == "constant_mean":
			dists = append(dists, &NormalVec{
				Loc:   make([]float64, size),
				Scale: fill(size, 1.0),
			})
			r.families = append(r.families, familyNormal)

		case g.Name == "lengthscale":
			dists = append(dists, &LogNormalVec{
				Loc:   make([]float64, size),
				Scale: fill(size, lengthscalePriorScale),
			})
			r.families = append(r.families, familyLogNormal)

		case g.Name == "noise":
			dists = append(dists, &LogNormalVec{
				Loc:   fill(size, math.Log(0.1)),
				Scale: fill(size, noisePriorScale),
			})
			r.families = append(r.families, familyLogNormal)

		case strings.HasPrefix(g.Name, "mean_nn.") || strings.HasPrefix(g.Name, "kernel_nn."):
			std := cfg.WeightPriorStd
			if strings.HasSuffix(g.Name, ".bias") {
				std = cfg.BiasPriorStd
			}

			dists = append(dists, &NormalVec{
				Loc:   make([]float64, size),
				Scale: fill(size, std),
			})
			r.families = append(r.families, familyNormal)

		default:
			panic("pacoh: no prior defined for parameter group " + g.Name)
		}
	}

	r.hyperPrior = NewCatDist(dists)

	// The GP schema and the prior must expose identical name sequences.
	if r.hyperPrior.EventSize() != gp.Schema().NumParams() {
		panic("pacoh: prior event size does not match parameter schema")
	}

	return r
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}

	return out
}
