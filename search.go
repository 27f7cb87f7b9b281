package pacoh

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//////
// Const, vars, types.
//////

// SearchMetric selects the validation metric the hyperparameter search
// optimizes.
type SearchMetric string

const (
	// MetricLogLikelihood maximizes the validation log-likelihood.
	MetricLogLikelihood SearchMetric = "ll"

	// MetricRMSE minimizes the validation RMSE.
	MetricRMSE SearchMetric = "rmse"
)

// Phase labels for trial results and progress updates.
const (
	PhaseInitialSampling = "InitialSampling"
	PhaseOptimization    = "Optimization"
	PhaseTest            = "Test"
)

// failedTrialPenalty is the surrogate objective assigned to failed trials so
// the model learns to avoid the failing region. Large enough to dominate any
// real objective, with room left for tie-breaking.
const failedTrialPenalty = math.MaxFloat64 / 2

// SearchSpace defines the ranges of the tunable meta-learner hyperparameters.
// Scale-free quantities (learning rate, decay, prior factor) default to
// log-uniform sampling.
//
// Spaces can be written by hand or loaded from a YAML file:
//
//	lr: {min: 5.0e-4, max: 5.0e-3, log: true}
//	lr_decay: {min: 0.8, max: 1.0, log: true}
//	prior_factor: {min: 1.0e-6, max: 2.0e-1, log: true}
//	svi_batch_size: {min: 10, max: 50}
//	task_batch_size: {min: 4, max: 10}
type SearchSpace struct {
	LR            ParameterRange[float64] `yaml:"lr"`
	LRDecay       ParameterRange[float64] `yaml:"lr_decay"`
	PriorFactor   ParameterRange[float64] `yaml:"prior_factor"`
	SVIBatchSize  ParameterRange[int]     `yaml:"svi_batch_size"`
	TaskBatchSize ParameterRange[int]     `yaml:"task_batch_size"`
}

// TrialConfig is one concrete sampled hyperparameter configuration.
type TrialConfig struct {
	LR            float64 `yaml:"lr" json:"lr"`
	LRDecay       float64 `yaml:"lr_decay" json:"lr_decay"`
	PriorFactor   float64 `yaml:"prior_factor" json:"prior_factor"`
	SVIBatchSize  int     `yaml:"svi_batch_size" json:"svi_batch_size"`
	TaskBatchSize int     `yaml:"task_batch_size" json:"task_batch_size"`

	// Seed overrides the model's random seed; used by the multi-seed test
	// re-runs of the best configurations.
	Seed int64 `yaml:"seed" json:"seed"`
}

// TrialResult carries the outcome of one trial. A trial whose model
// construction, fitting or evaluation panicked is recorded with NaN metrics
// and a non-empty Err, never silently dropped.
type TrialResult struct {
	// Trial is the 1-based index of the trial within its phase.
	Trial int

	// Phase is one of PhaseInitialSampling, PhaseOptimization or PhaseTest.
	Phase string

	Config TrialConfig

	// Loss is the final training negative-ELBO estimate.
	Loss float64

	// LL, RMSE and CalibErr are the validation metrics.
	LL       float64
	RMSE     float64
	CalibErr float64

	DurationSec float64

	// Err holds the recovered failure message for failed trials.
	Err string
}

// SearchConfig controls the hyperparameter search.
//
// Fields explanation:
// - InitialSamples: Random trials used to build the initial surrogate
// - Iterations: Model-based trials after the initial sampling phase
// - NumCandidates: Random candidates scored by the acquisition per iteration
// - Concurrency: Worker goroutines for the initial-sampling and test phases
// - NumIterFit: Gradient steps per trial (zero means the model default)
// - Metric: Validation metric to optimize
// - TestSeeds/NumBestConfigs: Multi-seed re-runs of the best configurations
// - OutputDir: Directory the timestamped result CSV is written to (empty
//   disables CSV export)
type SearchConfig struct {
	InitialSamples int
	Iterations     int
	NumCandidates  int
	Concurrency    int
	NumIterFit     int

	Metric SearchMetric

	// AcquisitionFunc scores candidate configurations during the
	// model-based phase. See AcquisitionFunc for built-in options.
	AcquisitionFunc AcquisitionFunc
	AcqParams       AcquisitionParams

	// TestSeeds are the random seeds each of the NumBestConfigs best
	// configurations is re-run with after the search. Empty disables the
	// test phase.
	TestSeeds      []int64
	NumBestConfigs int

	OutputDir string

	// RandomSeed seeds candidate sampling; zero means time-based.
	RandomSeed int64

	// Progress is an optional channel for per-trial results. Sends are
	// non-blocking; results are dropped when the channel is full.
	Progress chan<- TrialResult

	// Logger is the structured logger; a no-op logger is used when nil.
	Logger *zap.Logger
}

// SearchResult is the outcome of a full hyperparameter search.
type SearchResult struct {
	// BestConfig is the configuration with the best validation objective.
	BestConfig TrialConfig

	// BestObjective is the minimized objective of BestConfig (negated
	// log-likelihood or RMSE, depending on SearchConfig.Metric).
	BestObjective float64

	// Trials holds every search-phase trial in execution order.
	Trials []TrialResult

	// TestResults holds the multi-seed re-runs of the best configurations.
	TestResults []TrialResult

	// CSVPath is the result file written to SearchConfig.OutputDir, empty
	// when CSV export was disabled.
	CSVPath string
}

//////
// Exported functionalities.
//////

// DefaultSearchConfig returns a default search configuration: 10 random
// trials followed by 50 model-based iterations with 50 candidates each,
// scored by UCB, optimizing validation log-likelihood, with the 5 best
// configurations re-run under 5 seeds.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		InitialSamples:  10,
		Iterations:      50,
		NumCandidates:   50,
		Concurrency:     runtime.NumCPU(),
		Metric:          MetricLogLikelihood,
		AcquisitionFunc: UCB,
		AcqParams: AcquisitionParams{
			BestSoFar:   math.MaxFloat64,
			Beta:        2.0,
			Xi:          0.01,
			RandomState: rand.New(rand.NewSource(time.Now().UnixNano())),
		},
		TestSeeds:      []int64{28, 29, 30, 31, 32},
		NumBestConfigs: 5,
		RandomSeed:     time.Now().UnixNano(),
		Progress:       nil, // Default to no progress updates.
	}
}

// DefaultSearchSpace returns the hyperparameter ranges the meta-learner is
// typically tuned over.
func DefaultSearchSpace() SearchSpace {
	return SearchSpace{
		LR:            ParameterRange[float64]{Min: 5e-4, Max: 5e-3, Log: true},
		LRDecay:       ParameterRange[float64]{Min: 0.8, Max: 1.0, Log: true},
		PriorFactor:   ParameterRange[float64]{Min: 1e-6, Max: 2e-1, Log: true},
		SVIBatchSize:  ParameterRange[int]{Min: 10, Max: 50},
		TaskBatchSize: ParameterRange[int]{Min: 4, Max: 10},
	}
}

// LoadSearchSpace reads and validates a search space from a YAML file.
func LoadSearchSpace(path string) (SearchSpace, error) {
	var space SearchSpace

	data, err := os.ReadFile(path)
	if err != nil {
		return space, fmt.Errorf("pacoh: reading search space: %w", err)
	}

	if err := yaml.Unmarshal(data, &space); err != nil {
		return space, fmt.Errorf("pacoh: decoding search space: %w", err)
	}

	if err := validateSpace(space); err != nil {
		return space, err
	}

	return space, nil
}

// SearchHyperparameters tunes the meta-learner's optimization
// hyperparameters over the given search space. It combines the surrogate
// model with an acquisition function to spend trials efficiently:
//
// 1. Runs InitialSamples random trials (concurrently) to build the surrogate
// 2. For each of Iterations model-based steps:
//   - Samples NumCandidates random configurations
//   - Scores each with the acquisition function on the surrogate's prediction
//   - Fits and evaluates the most promising one, updating the surrogate
//
// 3. Re-runs the NumBestConfigs best configurations under every TestSeeds
// seed and exports all results as a timestamped CSV
//
// Every trial fits a fresh meta-learner on trainTasks (base overridden with
// the trial's hyperparameters) and evaluates it on validTasks. A trial that
// panics — singular covariance, exploding loss — is isolated by the trial
// boundary and recorded with NaN metrics; the search continues.
func SearchHyperparameters(trainTasks []Task, validTasks []EvalTask, base ModelConfig, space SearchSpace, cfg SearchConfig) (*SearchResult, error) {
	if err := validateSpace(space); err != nil {
		return nil, err
	}

	if cfg.AcquisitionFunc == nil {
		return nil, fmt.Errorf("pacoh: search requires an acquisition function")
	}

	switch cfg.Metric {
	case MetricLogLikelihood, MetricRMSE:
	default:
		return nil, fmt.Errorf("pacoh: search metric must be ll or rmse, got %q", cfg.Metric)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	rng := rand.New(rand.NewSource(seed))

	var rngMu sync.Mutex

	// safeSampleConfig draws a random configuration from the space in a
	// thread-safe manner; used for both initial sampling and candidate
	// generation.
	safeSampleConfig := func() TrialConfig {
		rngMu.Lock()
		defer rngMu.Unlock()

		return TrialConfig{
			LR:            sampleFloatRange(rng, space.LR),
			LRDecay:       sampleFloatRange(rng, space.LRDecay),
			PriorFactor:   sampleFloatRange(rng, space.PriorFactor),
			SVIBatchSize:  sampleIntRange(rng, space.SVIBatchSize),
			TaskBatchSize: sampleIntRange(rng, space.TaskBatchSize),
			Seed:          base.RandomSeed,
		}
	}

	runner := &trialRunner{
		trainTasks: trainTasks,
		validTasks: validTasks,
		base:       base,
		nIterFit:   cfg.NumIterFit,
		metric:     cfg.Metric,
		logger:     logger,
		progress:   cfg.Progress,
	}

	surrogate := newSearchSurrogate()

	result := &SearchResult{BestObjective: math.MaxFloat64}

	var bestMu sync.Mutex

	recordTrial := func(tr TrialResult) {
		obj := trialObjective(tr, cfg.Metric)
		surrogate.Observe(configFeatures(tr.Config, space), obj)

		bestMu.Lock()
		defer bestMu.Unlock()

		result.Trials = append(result.Trials, tr)

		if obj < result.BestObjective {
			result.BestObjective = obj
			result.BestConfig = tr.Config
		}
	}

	// Phase 1: initial random sampling, concurrent across the worker pool.
	// Builds a baseline surrogate over the space before any model-based
	// proposals are made.
	initial := make([]TrialResult, cfg.InitialSamples)

	runPool(cfg.InitialSamples, concurrency, func(i int) {
		initial[i] = runner.run(i+1, PhaseInitialSampling, safeSampleConfig())
	})

	for _, tr := range initial {
		recordTrial(tr)
	}

	// Phase 2: model-based optimization loop. Sequential so every proposal
	// sees the surrogate updated with all previous trials.
	acqParams := cfg.AcqParams

	for i := 0; i < cfg.Iterations; i++ {
		acqParams.BestSoFar = result.BestObjective

		var next TrialConfig

		bestAcq := math.MaxFloat64

		for j := 0; j < cfg.NumCandidates; j++ {
			candidate := safeSampleConfig()
			mean, variance := surrogate.Predict(configFeatures(candidate, space))

			acq := cfg.AcquisitionFunc(mean, variance, acqParams)
			if acq < bestAcq {
				bestAcq = acq
				next = candidate
			}
		}

		recordTrial(runner.run(i+1, PhaseOptimization, next))
	}

	// Phase 3: re-run the best configurations under every test seed.
	if len(cfg.TestSeeds) > 0 && cfg.NumBestConfigs > 0 {
		bestConfigs := selectBestConfigs(result.Trials, cfg.Metric, cfg.NumBestConfigs)

		testConfigs := make([]TrialConfig, 0, len(bestConfigs)*len(cfg.TestSeeds))
		for _, tc := range bestConfigs {
			for _, s := range cfg.TestSeeds {
				run := tc
				run.Seed = s
				testConfigs = append(testConfigs, run)
			}
		}

		result.TestResults = make([]TrialResult, len(testConfigs))

		runPool(len(testConfigs), concurrency, func(i int) {
			result.TestResults[i] = runner.run(i+1, PhaseTest, testConfigs[i])
		})
	}

	if cfg.OutputDir != "" {
		path, err := writeResultsCSV(cfg.OutputDir, result)
		if err != nil {
			return nil, err
		}

		result.CSVPath = path

		logger.Info("search results written", zap.String("csv", path))
	}

	logger.Info("hyperparameter search finished",
		zap.Int("trials", len(result.Trials)),
		zap.Int("test_runs", len(result.TestResults)),
		zap.Float64("best_objective", result.BestObjective),
	)

	return result, nil
}

//////
// Internal machinery.
//////

// trialRunner fits and evaluates one meta-learner per trial configuration.
type trialRunner struct {
	trainTasks []Task
	validTasks []EvalTask
	base       ModelConfig
	nIterFit   int
	metric     SearchMetric
	logger     *zap.Logger
	progress   chan<- TrialResult
}

// run executes a single trial. Any panic raised while constructing, fitting
// or evaluating the model is recovered here, at the trial boundary, and
// turned into a NaN-sentinel result so one diverged trial never aborts the
// search.
func (r *trialRunner) run(trial int, phase string, tc TrialConfig) (out TrialResult) {
	start := time.Now()

	out = TrialResult{
		Trial:    trial,
		Phase:    phase,
		Config:   tc,
		Loss:     math.NaN(),
		LL:       math.NaN(),
		RMSE:     math.NaN(),
		CalibErr: math.NaN(),
	}

	defer func() {
		out.DurationSec = time.Since(start).Seconds()

		if rec := recover(); rec != nil {
			out.Err = fmt.Sprint(rec)

			r.logger.Warn("trial failed",
				zap.String("phase", phase),
				zap.Int("trial", trial),
				zap.String("error", out.Err),
			)
		} else {
			r.logger.Info("trial finished",
				zap.String("phase", phase),
				zap.Int("trial", trial),
				zap.Float64("ll", out.LL),
				zap.Float64("rmse", out.RMSE),
				zap.Float64("duration_sec", out.DurationSec),
			)
		}

		if r.progress != nil {
			select {
			case r.progress <- out:
			default:
				// Skip update if channel is full.
			}
		}
	}()

	mc := r.base
	mc.LR = tc.LR
	mc.LRDecay = tc.LRDecay
	mc.PriorFactor = tc.PriorFactor
	mc.SVIBatchSize = tc.SVIBatchSize
	mc.TaskBatchSize = tc.TaskBatchSize

	if tc.Seed != 0 {
		mc.RandomSeed = tc.Seed
	}

	model, err := NewGPRegressionMetaLearnedVI(r.trainTasks, mc)
	if err != nil {
		panic(err)
	}

	out.Loss = model.MetaFit(FitConfig{NIter: r.nIterFit})
	out.LL, out.RMSE, out.CalibErr = model.EvalDatasets(r.validTasks)

	return out
}

// trialObjective maps a trial result to the minimized surrogate objective.
// Failed trials get a penalty large enough to dominate any real objective.
func trialObjective(tr TrialResult, metric SearchMetric) float64 {
	if tr.Err != "" || math.IsNaN(tr.LL) {
		return failedTrialPenalty
	}

	if metric == MetricRMSE {
		return tr.RMSE
	}

	return -tr.LL
}

// selectBestConfigs returns the configurations of the n best successful
// trials, ordered best-first.
func selectBestConfigs(trials []TrialResult, metric SearchMetric, n int) []TrialConfig {
	ranked := make([]TrialResult, len(trials))
	copy(ranked, trials)

	sort.SliceStable(ranked, func(i, j int) bool {
		return trialObjective(ranked[i], metric) < trialObjective(ranked[j], metric)
	})

	out := make([]TrialConfig, 0, n)
	for _, tr := range ranked {
		if tr.Err != "" || len(out) == n {
			break
		}

		out = append(out, tr.Config)
	}

	return out
}

// runPool executes fn for indices [0, n) on a bounded pool of workers.
func runPool(n, workers int, fn func(i int)) {
	if workers > n {
		workers = n
	}

	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}

		return
	}

	var wg sync.WaitGroup

	next := make(chan int)

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range next {
				fn(i)
			}
		}()
	}

	for i := 0; i < n; i++ {
		next <- i
	}

	close(next)
	wg.Wait()
}

// writeResultsCSV writes every search and test trial to a timestamped CSV in
// dir, one row per trial, NaN metrics included verbatim.
func writeResultsCSV(dir string, result *SearchResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pacoh: creating output dir: %w", err)
	}

	name := fmt.Sprintf("pacoh_search_%s.csv", time.Now().Format("Jan_02_2006_15-04-05"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("pacoh: creating result csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := []string{
		"phase", "trial", "seed",
		"lr", "lr_decay", "prior_factor", "svi_batch_size", "task_batch_size",
		"loss", "ll", "rmse", "calib_err", "duration_sec", "error",
	}

	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("pacoh: writing result csv: %w", err)
	}

	writeRow := func(tr TrialResult) error {
		return w.Write([]string{
			tr.Phase,
			strconv.Itoa(tr.Trial),
			strconv.FormatInt(tr.Config.Seed, 10),
			strconv.FormatFloat(tr.Config.LR, 'g', -1, 64),
			strconv.FormatFloat(tr.Config.LRDecay, 'g', -1, 64),
			strconv.FormatFloat(tr.Config.PriorFactor, 'g', -1, 64),
			strconv.Itoa(tr.Config.SVIBatchSize),
			strconv.Itoa(tr.Config.TaskBatchSize),
			strconv.FormatFloat(tr.Loss, 'g', -1, 64),
			strconv.FormatFloat(tr.LL, 'g', -1, 64),
			strconv.FormatFloat(tr.RMSE, 'g', -1, 64),
			strconv.FormatFloat(tr.CalibErr, 'g', -1, 64),
			strconv.FormatFloat(tr.DurationSec, 'g', -1, 64),
			tr.Err,
		})
	}

	for _, tr := range result.Trials {
		if err := writeRow(tr); err != nil {
			return "", fmt.Errorf("pacoh: writing result csv: %w", err)
		}
	}

	for _, tr := range result.TestResults {
		if err := writeRow(tr); err != nil {
			return "", fmt.Errorf("pacoh: writing result csv: %w", err)
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return "", fmt.Errorf("pacoh: writing result csv: %w", err)
	}

	return path, nil
}

//////
// Sampling helpers.
//////

// sampleFloatRange draws uniformly from the range, in log space when the
// range is log-scaled.
func sampleFloatRange(rng *rand.Rand, r ParameterRange[float64]) float64 {
	if r.Log {
		lo, hi := math.Log(r.Min), math.Log(r.Max)

		return math.Exp(lo + rng.Float64()*(hi-lo))
	}

	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// sampleIntRange draws uniformly from the inclusive integer range.
func sampleIntRange(rng *rand.Rand, r ParameterRange[int]) int {
	return r.Min + rng.Intn(r.Max-r.Min+1)
}

// configFeatures maps a configuration into the unit cube the surrogate
// operates on, one dimension per hyperparameter, log-scaled ranges mapped in
// log space.
func configFeatures(tc TrialConfig, space SearchSpace) []float64 {
	return []float64{
		unitFloat(tc.LR, space.LR),
		unitFloat(tc.LRDecay, space.LRDecay),
		unitFloat(tc.PriorFactor, space.PriorFactor),
		unitInt(tc.SVIBatchSize, space.SVIBatchSize),
		unitInt(tc.TaskBatchSize, space.TaskBatchSize),
	}
}

func unitFloat(v float64, r ParameterRange[float64]) float64 {
	if r.Log {
		lo, hi := math.Log(r.Min), math.Log(r.Max)
		if hi == lo {
			return 0
		}

		return (math.Log(v) - lo) / (hi - lo)
	}

	if r.Max == r.Min {
		return 0
	}

	return (v - r.Min) / (r.Max - r.Min)
}

func unitInt(v int, r ParameterRange[int]) float64 {
	if r.Max == r.Min {
		return 0
	}

	return float64(v-r.Min) / float64(r.Max-r.Min)
}

func validateSpace(space SearchSpace) error {
	if err := validateFloatRange("lr", space.LR); err != nil {
		return err
	}

	if err := validateFloatRange("lr_decay", space.LRDecay); err != nil {
		return err
	}

	if err := validateFloatRange("prior_factor", space.PriorFactor); err != nil {
		return err
	}

	if err := validateIntRange("svi_batch_size", space.SVIBatchSize); err != nil {
		return err
	}

	return validateIntRange("task_batch_size", space.TaskBatchSize)
}

func validateFloatRange(name string, r ParameterRange[float64]) error {
	if r.Min > r.Max {
		return fmt.Errorf("pacoh: search space %s: min %g exceeds max %g", name, r.Min, r.Max)
	}

	if r.Log && r.Min <= 0 {
		return fmt.Errorf("pacoh: search space %s: log-scaled range requires min > 0", name)
	}

	return nil
}

func validateIntRange(name string, r ParameterRange[int]) error {
	if r.Min > r.Max {
		return fmt.Errorf("pacoh: search space %s: min %d exceeds max %d", name, r.Min, r.Max)
	}

	if r.Min < 1 {
		return fmt.Errorf("pacoh: search space %s: batch sizes must be positive", name)
	}

	return nil
}
