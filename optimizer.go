package pacoh

import (
	"fmt"
	"math"
)

//////
// Const, vars, types.
//////

// Adam defaults.
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8

	// lrDecayPeriod is the number of gradient steps between learning-rate
	// decay applications.
	lrDecayPeriod = 1000
)

// Optimizer updates a list of flat parameter slices from matching gradient
// slices. Implementations own any internal state (momentum, step counters)
// and expose it for checkpointing.
type Optimizer interface {
	// Step applies one update. params and grads must have the shapes the
	// optimizer was constructed with.
	Step(params, grads [][]float64)

	// LR returns the current learning rate; SetLR overrides it (used by the
	// learning-rate scheduler).
	LR() float64
	SetLR(lr float64)

	// State returns a deep copy of the optimizer's internal state;
	// LoadState restores it exactly, failing on shape mismatch.
	State() OptimizerState
	LoadState(s OptimizerState) error
}

// OptimizerState is the serializable internal state of an optimizer.
type OptimizerState struct {
	Family OptimizerFamily `json:"family"`
	LR     float64         `json:"lr"`
	Step   int             `json:"step"`

	// M and V are Adam's first and second moment accumulators; empty for
	// SGD.
	M [][]float64 `json:"m,omitempty"`
	V [][]float64 `json:"v,omitempty"`
}

// adamOptimizer implements Adam: momentum plus adaptive per-parameter
// learning rates with bias correction.
type adamOptimizer struct {
	lr      float64
	beta1   float64
	beta2   float64
	epsilon float64

	t int
	m [][]float64
	v [][]float64
}

// sgdOptimizer implements plain gradient descent.
type sgdOptimizer struct {
	lr float64
}

// stepLRScheduler multiplies the optimizer's learning rate by gamma every
// lrDecayPeriod steps. A gamma of 1.0 (or larger) disables decay, matching a
// dummy scheduler.
type stepLRScheduler struct {
	opt   Optimizer
	gamma float64
	steps int
}

//////
// Methods.
//////

func (o *adamOptimizer) Step(params, grads [][]float64) {
	o.t++

	bias1 := 1.0 - math.Pow(o.beta1, float64(o.t))
	bias2 := 1.0 - math.Pow(o.beta2, float64(o.t))

	for i := range params {
		p, g := params[i], grads[i]
		m, v := o.m[i], o.v[i]

		for j := range p {
			m[j] = o.beta1*m[j] + (1.0-o.beta1)*g[j]
			v[j] = o.beta2*v[j] + (1.0-o.beta2)*g[j]*g[j]

			mHat := m[j] / bias1
			vHat := v[j] / bias2

			p[j] -= o.lr * mHat / (math.Sqrt(vHat) + o.epsilon)
		}
	}
}

func (o *adamOptimizer) LR() float64      { return o.lr }
func (o *adamOptimizer) SetLR(lr float64) { o.lr = lr }

func (o *adamOptimizer) State() OptimizerState {
	return OptimizerState{
		Family: OptimizerAdam,
		LR:     o.lr,
		Step:   o.t,
		M:      deepCopySlices(o.m),
		V:      deepCopySlices(o.v),
	}
}

func (o *adamOptimizer) LoadState(s OptimizerState) error {
	if s.Family != OptimizerAdam {
		return fmt.Errorf("pacoh: optimizer state family mismatch: %q", s.Family)
	}

	if len(s.M) != len(o.m) || len(s.V) != len(o.v) {
		return fmt.Errorf("pacoh: optimizer state shape mismatch")
	}

	for i := range o.m {
		if len(s.M[i]) != len(o.m[i]) || len(s.V[i]) != len(o.v[i]) {
			return fmt.Errorf("pacoh: optimizer state shape mismatch")
		}
	}

	o.lr = s.LR
	o.t = s.Step
	o.m = deepCopySlices(s.M)
	o.v = deepCopySlices(s.V)

	return nil
}

func (o *sgdOptimizer) Step(params, grads [][]float64) {
	for i := range params {
		p, g := params[i], grads[i]
		for j := range p {
			p[j] -= o.lr * g[j]
		}
	}
}

func (o *sgdOptimizer) LR() float64      { return o.lr }
func (o *sgdOptimizer) SetLR(lr float64) { o.lr = lr }

func (o *sgdOptimizer) State() OptimizerState {
	return OptimizerState{Family: OptimizerSGD, LR: o.lr}
}

func (o *sgdOptimizer) LoadState(s OptimizerState) error {
	if s.Family != OptimizerSGD {
		return fmt.Errorf("pacoh: optimizer state family mismatch: %q", s.Family)
	}

	o.lr = s.LR

	return nil
}

// Step advances the scheduler by one gradient step, decaying the learning
// rate at every period boundary.
func (s *stepLRScheduler) Step() {
	if s.gamma >= 1.0 {
		return
	}

	s.steps++
	if s.steps%lrDecayPeriod == 0 {
		s.opt.SetLR(s.opt.LR() * s.gamma)
	}
}

//////
// Factory.
//////

// newOptimizer builds the optimizer for the given parameter shapes.
// Unsupported families are configuration errors.
func newOptimizer(family OptimizerFamily, lr float64, params [][]float64) (Optimizer, error) {
	switch family {
	case OptimizerAdam:
		o := &adamOptimizer{
			lr:      lr,
			beta1:   adamBeta1,
			beta2:   adamBeta2,
			epsilon: adamEpsilon,
			m:       make([][]float64, len(params)),
			v:       make([][]float64, len(params)),
		}

		for i := range params {
			o.m[i] = make([]float64, len(params[i]))
			o.v[i] = make([]float64, len(params[i]))
		}

		return o, nil
	case OptimizerSGD:
		return &sgdOptimizer{lr: lr}, nil
	default:
		return nil, fmt.Errorf("pacoh: optimizer must be Adam or SGD, got %q", family)
	}
}

func newStepLRScheduler(opt Optimizer, gamma float64) *stepLRScheduler {
	return &stepLRScheduler{opt: opt, gamma: gamma}
}

func deepCopySlices(src [][]float64) [][]float64 {
	out := make([][]float64, len(src))
	for i := range src {
		out[i] = copyVector(src[i])
	}

	return out
}
