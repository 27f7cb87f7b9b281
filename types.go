package pacoh

import (
	"math/rand"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

//////
// Const, vars, types.
//////

// MeanFamily selects the functional form of the GP mean function.
type MeanFamily string

// KernelFamily selects the functional form of the GP kernel function.
type KernelFamily string

// OptimizerFamily selects the gradient-based optimizer used to fit the
// variational posterior.
type OptimizerFamily string

const (
	// MeanNN parameterizes the GP mean with a small neural network.
	MeanNN MeanFamily = "NN"

	// MeanConstant parameterizes the GP mean with a single learned constant.
	MeanConstant MeanFamily = "constant"

	// KernelNN applies a squared-exponential kernel on top of a learned
	// neural-network feature embedding of the inputs.
	KernelNN KernelFamily = "NN"

	// KernelSE applies a squared-exponential kernel with per-feature
	// lengthscales directly on the raw inputs.
	KernelSE KernelFamily = "SE"

	// OptimizerAdam selects the Adam optimizer.
	OptimizerAdam OptimizerFamily = "Adam"

	// OptimizerSGD selects plain stochastic gradient descent.
	OptimizerSGD OptimizerFamily = "SGD"
)

// PredictMode selects how the posterior over GP priors is used at prediction
// time.
type PredictMode string

const (
	// PredictBayes averages the predictive distributions of many GPs whose
	// parameters are sampled from the learned posterior (Monte-Carlo
	// mixture).
	PredictBayes PredictMode = "Bayes"

	// PredictMAP conditions a single GP parameterized by the closed-form
	// mode of the learned posterior.
	PredictMAP PredictMode = "MAP"
)

// Task is one regression dataset used for meta-training. Tasks are immutable
// after construction; the meta-learner keeps normalized copies internally.
//
// Fields:
// - X: Input matrix with one row per observation, one column per feature
// - Y: Target vector, one entry per observation (len(Y) == len(X))
type Task struct {
	// X stores the input points, one inner slice per observation.
	// Length of inner slices must be consistent across all tasks.
	X [][]float64

	// Y stores the regression targets, one per row of X.
	Y []float64
}

// EvalTask is a held-out task used for validation and testing. The model is
// conditioned on the context points and scored on the test points.
type EvalTask struct {
	// ContextX/ContextY are the points the GP posterior is conditioned on.
	ContextX [][]float64
	ContextY []float64

	// TestX/TestY are the points the predictive distribution is scored on.
	TestX [][]float64
	TestY []float64
}

// TrainReport carries periodic training statistics. Reports are emitted every
// FitConfig.LogPeriod iterations and on the first iteration.
//
// Validation metrics are NaN when no validation tasks were supplied.
type TrainReport struct {
	// Iteration is the 1-based gradient step the report refers to.
	Iteration int

	// TotalIterations is the total number of gradient steps of this fit call.
	TotalIterations int

	// Loss is the current negative-ELBO estimate.
	Loss float64

	// DurationSec is the wall-clock time since the previous report.
	DurationSec float64

	// ValidLogLikelihood, ValidRMSE and ValidCalibError are computed on the
	// validation tasks supplied to MetaFit, if any.
	ValidLogLikelihood float64
	ValidRMSE          float64
	ValidCalibError    float64
}

// ParameterRange defines the valid range for one hyperparameter dimension of
// the search space. The range is inclusive of both Min and Max.
//
// Type Parameter:
//   - T: The numeric type for this parameter range (integer or float)
//
// Usage:
//
//	// Learning rate between 5e-4 and 5e-3, sampled in log space.
//	lrRange := ParameterRange[float64]{Min: 5e-4, Max: 5e-3, Log: true}
//
//	// SVI batch size between 5 and 50.
//	sviRange := ParameterRange[int]{Min: 5, Max: 50}
//
// Validation:
// - Min must be less than or equal to Max
// - Log-scaled sampling additionally requires Min > 0
type ParameterRange[T constraints.Integer | constraints.Float] struct {
	// Min defines the minimum allowed value (inclusive).
	Min T `yaml:"min"`

	// Max defines the maximum allowed value (inclusive).
	Max T `yaml:"max"`

	// Log, when true, samples the range uniformly in log space. This is the
	// appropriate choice for scale-free quantities such as learning rates
	// and prior weightings.
	Log bool `yaml:"log,omitempty"`
}

// ModelConfig holds every structural and optimization hyperparameter of the
// meta-learner. Use DefaultModelConfig as a starting point and override
// individual fields as needed.
//
// Fields explanation:
//   - MeanFamily/KernelFamily: functional form of the GP mean and kernel
//   - MeanNNLayers/KernelNNLayers: hidden layer sizes of the respective MLPs
//   - FeatureDim: output dimensionality of the kernel feature map (KernelNN)
//   - PriorFactor: weighting of the hyper-prior (meta-regularization)
//   - WeightPriorStd/BiasPriorStd: stds of the Gaussian hyper-prior on NN
//     weights and biases
//   - Optimizer/LR/LRDecay: optimizer family, learning rate and step decay
//     multiplier applied every 1000 steps (1.0 disables decay)
//   - SVIBatchSize: number of posterior samples per gradient step
//   - TaskBatchSize: number of tasks per gradient step (<1 means all tasks)
//   - NumIterFit: default number of gradient steps for MetaFit
//   - NormalizeData: whether inputs/targets are standardized with global stats
//   - RandomSeed: seed for all stochastic operations of the model
//   - Threads: number of worker goroutines used to evaluate the batch of
//     sampled GPs (explicit threading configuration, no ambient global state)
//   - Logger: structured logger; a no-op logger is used when nil
type ModelConfig struct {
	MeanFamily   MeanFamily
	KernelFamily KernelFamily

	MeanNNLayers   []int
	KernelNNLayers []int
	FeatureDim     int

	PriorFactor    float64
	WeightPriorStd float64
	BiasPriorStd   float64

	Optimizer OptimizerFamily
	LR        float64
	LRDecay   float64

	SVIBatchSize  int
	TaskBatchSize int
	NumIterFit    int

	NormalizeData bool
	RandomSeed    int64
	Threads       int

	Logger *zap.Logger
}

// FitConfig controls a single MetaFit call.
type FitConfig struct {
	// NIter is the number of gradient steps. Zero means
	// ModelConfig.NumIterFit.
	NIter int

	// LogPeriod is the number of steps between training reports. Zero means
	// 500.
	LogPeriod int

	// Valid holds optional held-out tasks; when non-empty, every report
	// includes validation log-likelihood, RMSE and calibration error.
	Valid []EvalTask

	// Progress is an optional channel for TrainReport records. Sends are
	// non-blocking; reports are dropped when the channel is full.
	Progress chan<- TrainReport
}

// PredictConfig controls a single Predict call.
type PredictConfig struct {
	// NPosteriorSamples is the number of posterior samples averaged over in
	// Bayes mode. Zero means 100.
	NPosteriorSamples int

	// Mode selects Bayes (Monte-Carlo mixture) or MAP (posterior mode)
	// prediction. Empty means Bayes.
	Mode PredictMode
}

//////
// Defaults.
//////

// DefaultModelConfig returns the default meta-learner configuration: NN mean
// and NN kernel with (32, 32) hidden layers, Adam with learning rate 1e-3 and
// no decay, 10 posterior samples per step and a prior factor of 0.01.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		MeanFamily:     MeanNN,
		KernelFamily:   KernelNN,
		MeanNNLayers:   []int{32, 32},
		KernelNNLayers: []int{32, 32},
		FeatureDim:     2,
		PriorFactor:    0.01,
		WeightPriorStd: 0.5,
		BiasPriorStd:   3.0,
		Optimizer:      OptimizerAdam,
		LR:             1e-3,
		LRDecay:        1.0,
		SVIBatchSize:   10,
		TaskBatchSize:  -1, // All tasks.
		NumIterFit:     10000,
		NormalizeData:  true,
		RandomSeed:     rand.Int63(),
		Threads:        runtime.NumCPU(),
		Logger:         nil, // Defaults to a no-op logger.
	}
}

func (c ModelConfig) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}

	return c.Logger
}

func (c ModelConfig) threads() int {
	if c.Threads < 1 {
		return 1
	}

	return c.Threads
}
