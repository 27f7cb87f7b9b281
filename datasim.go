package pacoh

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// TaskGenerator produces families of related regression tasks for
// meta-training and meta-testing. Implementations are deterministic given
// their seed.
type TaskGenerator interface {
	// MetaTrain generates nTasks training tasks with nSamples points each.
	MetaTrain(nTasks, nSamples int) []Task

	// MetaTest generates nTasks held-out tasks with nContext context points
	// and nTest test points each.
	MetaTest(nTasks, nContext, nTest int) []EvalTask
}

// SinusoidGenerator draws tasks from a family of noisy sinusoids
//
//	y = amplitude * sin(x + phase) + offset + noise
//
// with per-task amplitude, phase and offset and shared input range and noise
// level.
type SinusoidGenerator struct {
	// AmpLow/AmpHigh bound the uniformly drawn per-task amplitude.
	AmpLow, AmpHigh float64

	// PhaseLow/PhaseHigh bound the uniformly drawn per-task phase.
	PhaseLow, PhaseHigh float64

	// OffsetLow/OffsetHigh bound the uniformly drawn per-task vertical
	// offset.
	OffsetLow, OffsetHigh float64

	// XLow/XHigh bound the uniformly drawn input points.
	XLow, XHigh float64

	// NoiseStd is the observation noise standard deviation.
	NoiseStd float64

	rng *rand.Rand
}

// GPFunctionsGenerator draws each task's target function from a zero-mean GP
// with a squared-exponential kernel, then adds observation noise. Tasks from
// this generator share the kernel's smoothness, which is exactly the kind of
// structure the meta-learner is supposed to pick up.
type GPFunctionsGenerator struct {
	// Lengthscale is the SE kernel lengthscale of the function draws.
	Lengthscale float64

	// OutputScale is the standard deviation of the function values.
	OutputScale float64

	// XLow/XHigh bound the uniformly drawn input points.
	XLow, XHigh float64

	// NoiseStd is the observation noise standard deviation.
	NoiseStd float64

	rng *rand.Rand
}

//////
// Methods.
//////

// MetaTrain generates nTasks sinusoid tasks with nSamples points each.
func (g *SinusoidGenerator) MetaTrain(nTasks, nSamples int) []Task {
	tasks := make([]Task, nTasks)
	for i := range tasks {
		tasks[i] = g.sampleTask(nSamples)
	}

	return tasks
}

// MetaTest generates nTasks held-out sinusoid tasks, splitting each into
// context and test points.
func (g *SinusoidGenerator) MetaTest(nTasks, nContext, nTest int) []EvalTask {
	out := make([]EvalTask, nTasks)
	for i := range out {
		t := g.sampleTask(nContext + nTest)
		out[i] = splitTask(t, nContext)
	}

	return out
}

func (g *SinusoidGenerator) sampleTask(n int) Task {
	amp := g.AmpLow + g.rng.Float64()*(g.AmpHigh-g.AmpLow)
	phase := g.PhaseLow + g.rng.Float64()*(g.PhaseHigh-g.PhaseLow)
	offset := g.OffsetLow + g.rng.Float64()*(g.OffsetHigh-g.OffsetLow)

	t := Task{X: make([][]float64, n), Y: make([]float64, n)}

	for i := 0; i < n; i++ {
		x := g.XLow + g.rng.Float64()*(g.XHigh-g.XLow)
		t.X[i] = []float64{x}
		t.Y[i] = amp*math.Sin(x+phase) + offset + g.NoiseStd*g.rng.NormFloat64()
	}

	return t
}

// MetaTrain generates nTasks GP-function tasks with nSamples points each.
func (g *GPFunctionsGenerator) MetaTrain(nTasks, nSamples int) []Task {
	tasks := make([]Task, nTasks)
	for i := range tasks {
		tasks[i] = g.sampleTask(nSamples)
	}

	return tasks
}

// MetaTest generates nTasks held-out GP-function tasks, splitting each into
// context and test points.
func (g *GPFunctionsGenerator) MetaTest(nTasks, nContext, nTest int) []EvalTask {
	out := make([]EvalTask, nTasks)
	for i := range out {
		t := g.sampleTask(nContext + nTest)
		out[i] = splitTask(t, nContext)
	}

	return out
}

// sampleTask draws inputs uniformly, builds the SE Gram matrix and samples
// the joint function values via its Cholesky factor.
func (g *GPFunctionsGenerator) sampleTask(n int) Task {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = g.XLow + g.rng.Float64()*(g.XHigh-g.XLow)
	}

	gram := mat.NewSymDense(n, nil)

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := (xs[i] - xs[j]) / g.Lengthscale
			k := g.OutputScale * g.OutputScale * math.Exp(-0.5*d*d)

			if i == j {
				// Jitter keeps the factorization stable.
				k += 1e-8
			}

			gram.SetSym(i, j, k)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		panic("pacoh: sampled Gram matrix is not positive definite")
	}

	z := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		z.SetVec(i, g.rng.NormFloat64())
	}

	var f mat.VecDense
	f.MulVec(chol.RawU().T(), z)

	t := Task{X: make([][]float64, n), Y: make([]float64, n)}
	for i := 0; i < n; i++ {
		t.X[i] = []float64{xs[i]}
		t.Y[i] = f.AtVec(i) + g.NoiseStd*g.rng.NormFloat64()
	}

	return t
}

// splitTask deep-copies the halves so the eval task never aliases the source
// task's storage.
func splitTask(t Task, nContext int) EvalTask {
	return EvalTask{
		ContextX: copyMatrix(t.X[:nContext]),
		ContextY: copyVector(t.Y[:nContext]),
		TestX:    copyMatrix(t.X[nContext:]),
		TestY:    copyVector(t.Y[nContext:]),
	}
}

//////
// Factory.
//////

// NewSinusoidGenerator returns a sinusoid task generator with amplitudes in
// [0.8, 1.2], phases in [0, pi], offsets in [-1, 1], inputs in [-5, 5] and
// observation noise 0.1.
func NewSinusoidGenerator(seed int64) *SinusoidGenerator {
	return &SinusoidGenerator{
		AmpLow:     0.8,
		AmpHigh:    1.2,
		PhaseLow:   0.0,
		PhaseHigh:  math.Pi,
		OffsetLow:  -1.0,
		OffsetHigh: 1.0,
		XLow:       -5.0,
		XHigh:      5.0,
		NoiseStd:   0.1,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// NewGPFunctionsGenerator returns a GP-function task generator with
// lengthscale 1.0, output scale 1.0, inputs in [-7, 7] and observation noise
// 0.1.
func NewGPFunctionsGenerator(seed int64) *GPFunctionsGenerator {
	return &GPFunctionsGenerator{
		Lengthscale: 1.0,
		OutputScale: 1.0,
		XLow:        -7.0,
		XHigh:       7.0,
		NoiseStd:    0.1,
		rng:         rand.New(rand.NewSource(seed)),
	}
}
