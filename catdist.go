package pacoh

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Const, vars, types.
//////

// ParamDist is the capability interface implemented by every per-group
// parameter distribution. It is a deliberately small, closed family (Normal
// and LogNormal) so the joint concatenated distribution never depends on a
// probabilistic-programming type hierarchy.
//
// All slice arguments are of length EventSize; batching is handled by the
// callers.
type ParamDist interface {
	// EventSize returns the number of scalar dimensions of one draw.
	EventSize() int

	// Sample draws one event into out without recording reparameterization
	// noise. Used at prediction time where gradients are not needed.
	Sample(rng *rand.Rand, out []float64)

	// RSample draws one reparameterized event into out and records the
	// standard-normal noise used for each dimension into eps, so gradients
	// can flow through the draw.
	RSample(rng *rand.Rand, out, eps []float64)

	// LogProb returns the joint log-density of one event.
	LogProb(value []float64) float64

	// Mode writes the closed-form mode of the distribution into out.
	Mode(out []float64)

	// HasRSample reports whether the distribution supports reparameterized
	// sampling.
	HasRSample() bool
}

// NormalVec is a vector of independent Normal distributions with per-element
// location and scale. It models unconstrained parameter groups (NN weights,
// constant mean).
type NormalVec struct {
	Loc   []float64
	Scale []float64
}

// LogNormalVec is a vector of independent LogNormal distributions with
// per-element location and scale of the underlying Normal. It models strictly
// positive parameter groups (lengthscale, noise).
type LogNormalVec struct {
	Loc   []float64
	Scale []float64
}

// CatDist concatenates an ordered sequence of independent ParamDists along
// the event dimension so they behave as one joint distribution. The total
// event size is fixed at construction and slicing in LogProb exactly inverts
// the concatenation performed by Sample/RSample.
type CatDist struct {
	dists     []ParamDist
	eventSize int
}

//////
// Methods.
//////

// EventSize returns the dimensionality of one draw.
func (d *NormalVec) EventSize() int { return len(d.Loc) }

// Sample draws loc + scale*eps without recording eps.
func (d *NormalVec) Sample(rng *rand.Rand, out []float64) {
	if len(out) != len(d.Loc) {
		panic("pacoh: NormalVec sample length mismatch")
	}

	for i := range d.Loc {
		out[i] = d.Loc[i] + d.Scale[i]*rng.NormFloat64()
	}
}

// RSample draws loc + scale*eps and records eps.
func (d *NormalVec) RSample(rng *rand.Rand, out, eps []float64) {
	if len(out) != len(d.Loc) || len(eps) != len(d.Loc) {
		panic("pacoh: NormalVec rsample length mismatch")
	}

	for i := range d.Loc {
		eps[i] = rng.NormFloat64()
		out[i] = d.Loc[i] + d.Scale[i]*eps[i]
	}
}

// LogProb sums the elementwise Normal log-densities.
func (d *NormalVec) LogProb(value []float64) float64 {
	if len(value) != len(d.Loc) {
		panic("pacoh: NormalVec log-prob length mismatch")
	}

	var lp float64
	for i := range d.Loc {
		lp += distuv.Normal{Mu: d.Loc[i], Sigma: d.Scale[i]}.LogProb(value[i])
	}

	return lp
}

// Mode of a Normal is its location.
func (d *NormalVec) Mode(out []float64) {
	copy(out, d.Loc)
}

// HasRSample reports reparameterization support.
func (d *NormalVec) HasRSample() bool { return true }

// EventSize returns the dimensionality of one draw.
func (d *LogNormalVec) EventSize() int { return len(d.Loc) }

// Sample draws exp(loc + scale*eps) without recording eps.
func (d *LogNormalVec) Sample(rng *rand.Rand, out []float64) {
	if len(out) != len(d.Loc) {
		panic("pacoh: LogNormalVec sample length mismatch")
	}

	for i := range d.Loc {
		out[i] = math.Exp(d.Loc[i] + d.Scale[i]*rng.NormFloat64())
	}
}

// RSample draws exp(loc + scale*eps) and records eps.
func (d *LogNormalVec) RSample(rng *rand.Rand, out, eps []float64) {
	if len(out) != len(d.Loc) || len(eps) != len(d.Loc) {
		panic("pacoh: LogNormalVec rsample length mismatch")
	}

	for i := range d.Loc {
		eps[i] = rng.NormFloat64()
		out[i] = math.Exp(d.Loc[i] + d.Scale[i]*eps[i])
	}
}

// LogProb sums the elementwise LogNormal log-densities.
func (d *LogNormalVec) LogProb(value []float64) float64 {
	if len(value) != len(d.Loc) {
		panic("pacoh: LogNormalVec log-prob length mismatch")
	}

	var lp float64
	for i := range d.Loc {
		lp += distuv.LogNormal{Mu: d.Loc[i], Sigma: d.Scale[i]}.LogProb(value[i])
	}

	return lp
}

// Mode of a LogNormal is exp(loc - scale^2).
func (d *LogNormalVec) Mode(out []float64) {
	for i := range d.Loc {
		out[i] = math.Exp(d.Loc[i] - d.Scale[i]*d.Scale[i])
	}
}

// HasRSample reports reparameterization support.
func (d *LogNormalVec) HasRSample() bool { return true }

// EventSize returns the total concatenated event size.
func (c *CatDist) EventSize() int { return c.eventSize }

// Sample draws every member independently and concatenates the draws along
// the event axis.
func (c *CatDist) Sample(rng *rand.Rand, out []float64) {
	if len(out) != c.eventSize {
		panic("pacoh: CatDist sample length mismatch")
	}

	off := 0
	for _, d := range c.dists {
		d.Sample(rng, out[off:off+d.EventSize()])
		off += d.EventSize()
	}
}

// RSample draws every member with reparameterization and concatenates draws
// and noise along the event axis.
func (c *CatDist) RSample(rng *rand.Rand, out, eps []float64) {
	if len(out) != c.eventSize || len(eps) != c.eventSize {
		panic("pacoh: CatDist rsample length mismatch")
	}

	off := 0
	for _, d := range c.dists {
		d.RSample(rng, out[off:off+d.EventSize()], eps[off:off+d.EventSize()])
		off += d.EventSize()
	}
}

// LogProb slices value back into per-member segments, in the same order used
// to build the concatenation, and sums their log-densities.
func (c *CatDist) LogProb(value []float64) float64 {
	if len(value) != c.eventSize {
		panic("pacoh: CatDist log-prob length mismatch")
	}

	var lp float64

	off := 0
	for _, d := range c.dists {
		lp += d.LogProb(value[off : off+d.EventSize()])
		off += d.EventSize()
	}

	return lp
}

// Mode concatenates the closed-form modes of all members.
func (c *CatDist) Mode(out []float64) {
	if len(out) != c.eventSize {
		panic("pacoh: CatDist mode length mismatch")
	}

	off := 0
	for _, d := range c.dists {
		d.Mode(out[off : off+d.EventSize()])
		off += d.EventSize()
	}
}

// HasRSample reports whether every member supports reparameterized sampling.
func (c *CatDist) HasRSample() bool {
	for _, d := range c.dists {
		if !d.HasRSample() {
			return false
		}
	}

	return true
}

// Dists returns the member distributions in concatenation order.
func (c *CatDist) Dists() []ParamDist { return c.dists }

//////
// Factory.
//////

// NewCatDist builds a joint distribution from an ordered sequence of member
// distributions. The total event size is the sum of member event sizes.
func NewCatDist(dists []ParamDist) *CatDist {
	total := 0
	for _, d := range dists {
		total += d.EventSize()
	}

	return &CatDist{dists: dists, eventSize: total}
}
