package pacoh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

const log2Pi = 1.8378770664093453

// VectorizedGP is a GP regression model whose parameters are supplied
// externally as one flat vector rather than owned internally. The same
// structural model can therefore be materialized under many sampled
// parameter vectors in parallel without interference.
//
// Construction selects the mean function family (neural network or learned
// constant) and the kernel family (squared exponential on raw inputs, or on
// a learned neural-network feature embedding) and registers the
// corresponding parameter groups in schema order:
//
//	mean_nn.fc_*.{weight,bias} | constant_mean
//	kernel_nn.fc_*.{weight,bias}   (KernelNN only)
//	lengthscale
//	noise
//
// The noise group holds the Gaussian likelihood variance; positivity of
// lengthscale and noise is guaranteed by their LogNormal prior/posterior
// parameterization, never by clamping.
type VectorizedGP struct {
	inputDim   int
	featureDim int

	meanFamily   MeanFamily
	kernelFamily KernelFamily

	meanArch   *mlpArch // Nil unless MeanNN.
	kernelArch *mlpArch // Nil unless KernelNN.

	registry *ParamRegistry
}

// GPInstance is one concrete GP materialized from a flat parameter vector.
// Instances are deep, independent copies: mutating one instance's parameters
// never affects the structural model or any other instance.
type GPInstance struct {
	model *VectorizedGP
	theta []float64

	constantMean float64
	meanNN       *mlpValues
	kernelNN     *mlpValues
	lengthscale  []float64
	noiseVar     float64
}

// GPPosterior is a GP instance conditioned on context data, ready to be
// evaluated at arbitrary query points.
type GPPosterior struct {
	inst *GPInstance

	contextZ [][]float64
	chol     *mat.Cholesky
	alpha    []float64
}

//////
// Methods.
//////

// InputDim returns the input dimensionality the model was built for.
func (g *VectorizedGP) InputDim() int { return g.inputDim }

// Schema returns the parameter registry shared by the model, the prior and
// the posterior.
func (g *VectorizedGP) Schema() *ParamRegistry { return g.registry }

// Materialize builds a concrete GP from a flat parameter vector. The vector
// is copied, so the instance is independent of the caller's buffer.
func (g *VectorizedGP) Materialize(theta []float64) *GPInstance {
	if len(theta) != g.registry.NumParams() {
		panic("pacoh: parameter vector length does not match schema")
	}

	owned := copyVector(theta)

	inst := &GPInstance{
		model:       g,
		theta:       owned,
		lengthscale: g.registry.Slice(owned, "lengthscale"),
	}

	inst.noiseVar = g.registry.Slice(owned, "noise")[0]

	switch g.meanFamily {
	case MeanNN:
		inst.meanNN = g.meanArch.materialize(func(name string) []float64 {
			return g.registry.Slice(owned, "mean_nn."+name)
		})
	case MeanConstant:
		inst.constantMean = g.registry.Slice(owned, "constant_mean")[0]
	}

	if g.kernelFamily == KernelNN {
		inst.kernelNN = g.kernelArch.materialize(func(name string) []float64 {
			return g.registry.Slice(owned, "kernel_nn."+name)
		})
	}

	return inst
}

// MaterializeBatch materializes one independent instance per sampled
// parameter vector.
func (g *VectorizedGP) MaterializeBatch(thetas [][]float64) []*GPInstance {
	out := make([]*GPInstance, len(thetas))
	for i, theta := range thetas {
		out[i] = g.Materialize(theta)
	}

	return out
}

// Evaluate is the batched entry point over a parameter-sample batch. With
// train=true it returns the exact marginal log-likelihood of (x, y) for
// every sampled parameter vector (one value per batch element). With
// train=false it returns the materialized instances in evaluation mode for
// later conditioning on context data, and no likelihoods.
func (g *VectorizedGP) Evaluate(thetas [][]float64, x [][]float64, y []float64, train bool) ([]float64, []*GPInstance) {
	instances := g.MaterializeBatch(thetas)
	if !train {
		return nil, instances
	}

	mlls := make([]float64, len(instances))
	for i, inst := range instances {
		mlls[i] = inst.MarginalLogLikelihood(x, y, nil)
	}

	return mlls, instances
}

// Theta returns the instance's flat parameter vector.
func (inst *GPInstance) Theta() []float64 { return inst.theta }

// features maps an input point through the kernel feature map. For KernelSE
// the raw input is returned; for KernelNN the point is embedded by the
// kernel network. When cache is non-nil the MLP activations are recorded for
// the backward pass.
func (inst *GPInstance) features(x []float64, cache *mlpCache) []float64 {
	if inst.kernelNN == nil {
		return x
	}

	return inst.kernelNN.forward(x, cache)
}

// meanAt evaluates the mean function at one input point.
func (inst *GPInstance) meanAt(x []float64, cache *mlpCache) float64 {
	if inst.meanNN == nil {
		return inst.constantMean
	}

	return inst.meanNN.forward(x, cache)[0]
}

// seKernel evaluates the squared-exponential kernel with per-feature
// lengthscales between two feature vectors.
func (inst *GPInstance) seKernel(zi, zj []float64) float64 {
	var s float64
	for d := range zi {
		diff := (zi[d] - zj[d]) / inst.lengthscale[d]
		s += diff * diff
	}

	return math.Exp(-0.5 * s)
}

// MarginalLogLikelihood computes the exact GP marginal log-likelihood of the
// training data, scaled by 1/n (matching exact-marginal-likelihood training
// objectives that average over data points).
//
// When grad is non-nil it must have the schema's flat length; the analytic
// gradient with respect to every parameter group is accumulated into it
// (constant mean or mean-network weights via the residual weights, noise via
// the trace term, lengthscales and kernel-network weights through the kernel
// matrix).
//
// Preconditions (panic on violation): x and y must be non-empty, of equal
// length, and x's width must match the model input dimension. A
// non-positive-definite covariance is a fatal numeric error and panics; the
// search driver's trial boundary converts it into NaN sentinel metrics.
func (inst *GPInstance) MarginalLogLikelihood(x [][]float64, y []float64, grad []float64) float64 {
	n := len(x)
	if n == 0 || len(y) != n {
		panic("pacoh: training data must be non-empty with matching lengths")
	}

	if len(x[0]) != inst.model.inputDim {
		panic("pacoh: training data dimensionality does not match model schema")
	}

	scale := 1.0 / float64(n)

	// Feature embedding and mean, with caches for the backward pass.
	z := make([][]float64, n)
	m := make([]float64, n)

	var kernelCaches, meanCaches []*mlpCache
	if grad != nil && inst.kernelNN != nil {
		kernelCaches = make([]*mlpCache, n)
	}

	if grad != nil && inst.meanNN != nil {
		meanCaches = make([]*mlpCache, n)
	}

	for i := range x {
		var kc *mlpCache
		if kernelCaches != nil {
			kc = &mlpCache{}
			kernelCaches[i] = kc
		}

		z[i] = inst.features(x[i], kc)

		var mc *mlpCache
		if meanCaches != nil {
			mc = &mlpCache{}
			meanCaches[i] = mc
		}

		m[i] = inst.meanAt(x[i], mc)
	}

	// Covariance of the observations: K + noise * I.
	kMat := make([][]float64, n)
	ky := mat.NewSymDense(n, nil)

	for i := 0; i < n; i++ {
		kMat[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		kMat[i][i] = 1.0
		ky.SetSym(i, i, 1.0+inst.noiseVar)

		for j := i + 1; j < n; j++ {
			v := inst.seKernel(z[i], z[j])
			kMat[i][j] = v
			kMat[j][i] = v
			ky.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(ky); !ok {
		panic("pacoh: covariance matrix is not positive definite")
	}

	// alpha = Ky^-1 (y - m).
	resid := make([]float64, n)
	for i := range y {
		resid[i] = y[i] - m[i]
	}

	alphaVec := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alphaVec, mat.NewVecDense(n, resid)); err != nil {
		panic("pacoh: covariance solve failed: " + err.Error())
	}

	alpha := alphaVec.RawVector().Data

	var quad float64
	for i := range alpha {
		quad += resid[i] * alpha[i]
	}

	mll := scale * (-0.5*quad - 0.5*chol.LogDet() - 0.5*float64(n)*log2Pi)

	if grad == nil {
		return mll
	}

	if len(grad) != inst.model.registry.NumParams() {
		panic("pacoh: gradient buffer length does not match schema")
	}

	inst.accumulateGradient(x, z, alpha, &chol, kMat, kernelCaches, meanCaches, scale, grad)

	return mll
}

// accumulateGradient adds the analytic gradient of the scaled marginal
// log-likelihood into grad. W = 0.5 * (alpha alpha^T - Ky^-1) is the
// gradient of the likelihood with respect to the covariance matrix.
func (inst *GPInstance) accumulateGradient(
	x, z [][]float64,
	alpha []float64,
	chol *mat.Cholesky,
	kMat [][]float64,
	kernelCaches, meanCaches []*mlpCache,
	scale float64,
	grad []float64,
) {
	n := len(x)
	reg := inst.model.registry

	kinv := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(kinv); err != nil {
		panic("pacoh: covariance inverse failed: " + err.Error())
	}

	w := make([][]float64, n)
	for i := 0; i < n; i++ {
		w[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			w[i][j] = 0.5 * (alpha[i]*alpha[j] - kinv.At(i, j))
		}
	}

	// Mean function: d mll / d m_i = alpha_i.
	if inst.meanNN != nil {
		meanGrads := inst.meanNN.zeroLike()
		gradOut := make([]float64, 1)

		for i := 0; i < n; i++ {
			gradOut[0] = scale * alpha[i]
			inst.meanNN.backward(meanCaches[i], gradOut, meanGrads)
		}

		writeMLPGrads(reg, grad, "mean_nn.", meanGrads)
	} else {
		var g float64
		for i := 0; i < n; i++ {
			g += alpha[i]
		}

		reg.Slice(grad, "constant_mean")[0] += scale * g
	}

	// Noise variance: dKy/dnoise = I, so the gradient is tr(W).
	var trW float64
	for i := 0; i < n; i++ {
		trW += w[i][i]
	}

	reg.Slice(grad, "noise")[0] += scale * trW

	// Lengthscales and, for KernelNN, feature gradients.
	ls := inst.lengthscale
	lsGrad := reg.Slice(grad, "lengthscale")

	var zGrad [][]float64
	if inst.kernelNN != nil {
		zGrad = make([][]float64, n)
		for i := range zGrad {
			zGrad[i] = make([]float64, len(ls))
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// Off-diagonal pairs contribute twice by symmetry; the diagonal
			// of K is constant and contributes nothing.
			wk := 2 * w[i][j] * kMat[i][j]

			for d := range ls {
				diff := z[i][d] - z[j][d]
				l2 := ls[d] * ls[d]

				lsGrad[d] += scale * wk * diff * diff / (l2 * ls[d])

				if zGrad != nil {
					g := scale * wk * diff / l2
					zGrad[i][d] -= g
					zGrad[j][d] += g
				}
			}
		}
	}

	if inst.kernelNN != nil {
		kernelGrads := inst.kernelNN.zeroLike()
		for i := 0; i < n; i++ {
			inst.kernelNN.backward(kernelCaches[i], zGrad[i], kernelGrads)
		}

		writeMLPGrads(reg, grad, "kernel_nn.", kernelGrads)
	}
}

// Posterior conditions the instance on context data and returns a posterior
// GP for prediction. The same precondition and positive-definiteness rules
// as MarginalLogLikelihood apply.
func (inst *GPInstance) Posterior(contextX [][]float64, contextY []float64) *GPPosterior {
	n := len(contextX)
	if n == 0 || len(contextY) != n {
		panic("pacoh: context data must be non-empty with matching lengths")
	}

	if len(contextX[0]) != inst.model.inputDim {
		panic("pacoh: context data dimensionality does not match model schema")
	}

	z := make([][]float64, n)
	resid := make([]float64, n)

	for i := range contextX {
		z[i] = inst.features(contextX[i], nil)
		resid[i] = contextY[i] - inst.meanAt(contextX[i], nil)
	}

	ky := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		ky.SetSym(i, i, 1.0+inst.noiseVar)
		for j := i + 1; j < n; j++ {
			ky.SetSym(i, j, inst.seKernel(z[i], z[j]))
		}
	}

	chol := &mat.Cholesky{}
	if ok := chol.Factorize(ky); !ok {
		panic("pacoh: context covariance matrix is not positive definite")
	}

	alphaVec := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alphaVec, mat.NewVecDense(n, resid)); err != nil {
		panic("pacoh: context covariance solve failed: " + err.Error())
	}

	return &GPPosterior{
		inst:     inst,
		contextZ: z,
		chol:     chol,
		alpha:    alphaVec.RawVector().Data,
	}
}

// Predict evaluates the predictive distribution at the query points and
// returns the per-point predictive mean and standard deviation. The
// predictive variance includes the likelihood noise.
func (p *GPPosterior) Predict(queryX [][]float64) (mean, std []float64) {
	inst := p.inst
	n := len(p.contextZ)

	mean = make([]float64, len(queryX))
	std = make([]float64, len(queryX))

	kStar := make([]float64, n)
	v := mat.NewVecDense(n, nil)

	for q, xq := range queryX {
		if len(xq) != inst.model.inputDim {
			panic("pacoh: query dimensionality does not match model schema")
		}

		zq := inst.features(xq, nil)

		for i := 0; i < n; i++ {
			kStar[i] = inst.seKernel(p.contextZ[i], zq)
		}

		var m float64
		for i := 0; i < n; i++ {
			m += kStar[i] * p.alpha[i]
		}

		mean[q] = inst.meanAt(xq, nil) + m

		if err := p.chol.SolveVecTo(v, mat.NewVecDense(n, kStar)); err != nil {
			panic("pacoh: predictive solve failed: " + err.Error())
		}

		variance := 1.0 + inst.noiseVar
		for i := 0; i < n; i++ {
			variance -= kStar[i] * v.AtVec(i)
		}

		if variance < 1e-10 {
			variance = 1e-10
		}

		std[q] = math.Sqrt(variance)
	}

	return mean, std
}

// writeMLPGrads copies accumulated MLP gradients into the flat gradient
// vector under the prefixed group names.
func writeMLPGrads(reg *ParamRegistry, grad []float64, prefix string, grads *mlpValues) {
	for l := 0; l < grads.arch.numLayers(); l++ {
		wDst := reg.Slice(grad, fmt.Sprintf("%sfc_%d.weight", prefix, l+1))
		bDst := reg.Slice(grad, fmt.Sprintf("%sfc_%d.bias", prefix, l+1))

		for i, v := range grads.weights[l] {
			wDst[i] += v
		}

		for i, v := range grads.biases[l] {
			bDst[i] += v
		}
	}
}

//////
// Factory.
//////

// NewVectorizedGP builds the structural GP model and its parameter schema
// for the given input dimensionality. Unsupported mean or kernel families
// are configuration errors.
func NewVectorizedGP(inputDim int, cfg ModelConfig) (*VectorizedGP, error) {
	if inputDim < 1 {
		return nil, fmt.Errorf("pacoh: input dimension must be positive, got %d", inputDim)
	}

	g := &VectorizedGP{
		inputDim:     inputDim,
		meanFamily:   cfg.MeanFamily,
		kernelFamily: cfg.KernelFamily,
		registry:     NewParamRegistry(),
	}

	switch cfg.MeanFamily {
	case MeanNN:
		g.meanArch = newMLPArch(inputDim, cfg.MeanNNLayers, 1)
		g.registry.DeclareModule("mean_nn", g.meanArch.paramShapes())
	case MeanConstant:
		g.registry.Declare("constant_mean", 1, 1)
	default:
		return nil, fmt.Errorf("pacoh: unsupported mean family %q", cfg.MeanFamily)
	}

	switch cfg.KernelFamily {
	case KernelNN:
		g.featureDim = cfg.FeatureDim
		if g.featureDim < 1 {
			g.featureDim = 2
		}

		g.kernelArch = newMLPArch(inputDim, cfg.KernelNNLayers, g.featureDim)
		g.registry.DeclareModule("kernel_nn", g.kernelArch.paramShapes())
		g.registry.Declare("lengthscale", 1, g.featureDim)
	case KernelSE:
		g.featureDim = inputDim
		g.registry.Declare("lengthscale", 1, inputDim)
	default:
		return nil, fmt.Errorf("pacoh: unsupported kernel family %q", cfg.KernelFamily)
	}

	g.registry.Declare("noise", 1, 1)

	return g, nil
}
