package pacoh

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

//////
// Const, vars, types.
//////

// GPRegressionMetaLearnedVI meta-learns a distribution over GP priors by
// variational inference: given several related regression tasks it fits a
// diagonal Normal/LogNormal hyper-posterior over the GP's mean, kernel,
// lengthscale and noise parameters by minimizing the negative ELBO, and
// predicts on new tasks by Monte-Carlo averaging posterior-sampled GPs into
// a mixture predictive distribution.
//
// All state (task cache, posterior parameters, optimizer state) is
// exclusively owned by the instance and mutated only by its own MetaFit
// calls; concurrent mutation is not supported. Internally, the batch of
// sampled GPs is evaluated by a bounded worker pool (ModelConfig.Threads).
type GPRegressionMetaLearnedVI struct {
	cfg    ModelConfig
	logger *zap.Logger
	rng    *rand.Rand

	inputDim int

	xMean, xStd []float64
	yMean, yStd float64

	// tasks holds the normalized meta-training tasks, immutable after
	// construction.
	tasks []Task

	gp        *VectorizedGP
	prior     *RandomGP
	posterior *RandomGPPosterior

	opt   Optimizer
	sched *stepLRScheduler

	taskBatchSize int
	fitted        bool
}

// MetaLearnerState is the serializable checkpoint of a meta-learner: the
// variational posterior parameters (the single source of truth every
// materialized per-task GP instance is derived from), the optimizer's
// internal state and the normalization statistics. The schema fingerprint
// guards against restoring into a structurally different model.
type MetaLearnerState struct {
	SchemaNames []string `json:"schema_names"`

	PosteriorLoc      []float64 `json:"posterior_loc"`
	PosteriorLogScale []float64 `json:"posterior_log_scale"`

	Optimizer OptimizerState `json:"optimizer"`

	XMean []float64 `json:"x_mean"`
	XStd  []float64 `json:"x_std"`
	YMean float64   `json:"y_mean"`
	YStd  float64   `json:"y_std"`

	Fitted bool `json:"fitted"`
}

//////
// Methods.
//////

// Posterior returns the variational posterior over GP parameters.
func (m *GPRegressionMetaLearnedVI) Posterior() *RandomGPPosterior { return m.posterior }

// Prior returns the hierarchical prior over GP parameters.
func (m *GPRegressionMetaLearnedVI) Prior() *RandomGP { return m.prior }

// Fitted reports whether MetaFit has completed at least once.
func (m *GPRegressionMetaLearnedVI) Fitted() bool { return m.fitted }

// MetaFit fits the variational hyper-posterior by minimizing the negative
// ELBO with minibatches of tasks and reparameterized posterior samples.
//
// Every step: (1) sample FitConfig task-batch tasks uniformly with
// replacement; (2) draw SVIBatchSize reparameterized posterior samples; (3)
// compute elbo = mean over samples of (log-joint - priorFactor * posterior
// log-density); (4) step the optimizer and learning-rate schedule on the
// negated objective.
//
// Periodic reports (every LogPeriod steps and on the first step) carry
// elapsed time, loss and, when FitConfig.Valid is non-empty, validation
// log-likelihood, RMSE and calibration error.
//
// Returns the final negative-ELBO estimate.
func (m *GPRegressionMetaLearnedVI) MetaFit(fc FitConfig) float64 {
	nIter := fc.NIter
	if nIter <= 0 {
		nIter = m.cfg.NumIterFit
	}

	logPeriod := fc.LogPeriod
	if logPeriod <= 0 {
		logPeriod = 500
	}

	for _, v := range fc.Valid {
		validateEvalTask(v, m.inputDim)
	}

	params := m.posterior.TrainableParams()

	var loss float64

	t := time.Now()

	for itr := 1; itr <= nIter; itr++ {
		batch := make([]Task, m.taskBatchSize)
		for i := range batch {
			batch[i] = m.tasks[m.rng.Intn(len(m.tasks))]
		}

		var gLoc, gRaw []float64
		loss, gLoc, gRaw = m.negELBO(batch)

		m.opt.Step(params, [][]float64{gLoc, gRaw})
		m.sched.Step()

		if itr == 1 || itr%logPeriod == 0 {
			duration := time.Since(t).Seconds()
			t = time.Now()

			report := TrainReport{
				Iteration:          itr,
				TotalIterations:    nIter,
				Loss:               loss,
				DurationSec:        duration,
				ValidLogLikelihood: math.NaN(),
				ValidRMSE:          math.NaN(),
				ValidCalibError:    math.NaN(),
			}

			fields := []zap.Field{
				zap.Int("iter", itr),
				zap.Int("total", nIter),
				zap.Float64("loss", loss),
				zap.Float64("duration_sec", duration),
			}

			if len(fc.Valid) > 0 {
				ll, rmseVal, calib := m.EvalDatasets(fc.Valid)
				report.ValidLogLikelihood = ll
				report.ValidRMSE = rmseVal
				report.ValidCalibError = calib

				fields = append(fields,
					zap.Float64("valid_ll", ll),
					zap.Float64("valid_rmse", rmseVal),
					zap.Float64("calib_err", calib),
				)
			}

			m.logger.Info("meta-fit progress", fields...)

			if fc.Progress != nil {
				select {
				case fc.Progress <- report:
				default:
					// Skip report if channel is full.
				}
			}
		}
	}

	m.fitted = true

	return loss
}

// negELBO computes the negative-ELBO estimate over the task batch together
// with its gradient with respect to the posterior's trainable parameters.
// Log-joints and pathwise parameter gradients are evaluated per posterior
// sample on the worker pool; the chain rule through the reparameterized
// draws is applied serially afterwards.
func (m *GPRegressionMetaLearnedVI) negELBO(batch []Task) (loss float64, gLoc, gRaw []float64) {
	b := m.cfg.SVIBatchSize
	p := m.posterior.NumParams()

	thetas, eps := m.posterior.RSample(m.rng, b)

	logJoints := make([]float64, b)
	logQs := make([]float64, b)
	gradThetas := make([][]float64, b)

	m.forEachSample(b, func(i int) {
		gradThetas[i] = make([]float64, p)
		logJoints[i] = m.prior.LogJoint(thetas[i], batch, gradThetas[i])
		logQs[i] = m.posterior.LogProb(thetas[i])
	})

	gLoc = make([]float64, p)
	gRaw = make([]float64, p)

	var elbo float64
	for i := 0; i < b; i++ {
		elbo += logJoints[i] - m.cfg.PriorFactor*logQs[i]
		m.posterior.AccumulateElboGrad(thetas[i], eps[i], gradThetas[i], m.cfg.PriorFactor, gLoc, gRaw)
	}

	// Negate and average: the optimizer minimizes -mean(elbo).
	scale := -1.0 / float64(b)
	for j := 0; j < p; j++ {
		gLoc[j] *= scale
		gRaw[j] *= scale
	}

	return -elbo / float64(b), gLoc, gRaw
}

// forEachSample runs fn for every sample index on a pool of
// ModelConfig.Threads workers. A panic in any worker is re-raised on the
// calling goroutine so fatal numeric errors keep their fail-fast semantics
// across the pool boundary.
func (m *GPRegressionMetaLearnedVI) forEachSample(n int, fn func(i int)) {
	workers := m.cfg.threads()
	if workers > n {
		workers = n
	}

	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}

		return
	}

	var (
		wg      sync.WaitGroup
		panicMu sync.Mutex
		panicVal any
	)

	next := make(chan int)

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicMu.Lock()
					if panicVal == nil {
						panicVal = r
					}
					panicMu.Unlock()

					// Drain so the feeder never blocks.
					for range next {
					}
				}
			}()

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

	if panicVal != nil {
		panic(panicVal)
	}
}

// PredictDist computes the predictive distribution of the targets given
// context points of a new task. In Bayes mode it draws posterior samples,
// conditions one GP per sample on the context and mixes the per-sample
// predictive distributions with equal weights; in MAP mode it conditions a
// single GP parameterized by the posterior mode. The returned distribution
// is de-normalized back to the original target scale.
func (m *GPRegressionMetaLearnedVI) PredictDist(contextX [][]float64, contextY []float64, queryX [][]float64, pc PredictConfig) PredictiveDist {
	if len(contextX) == 0 || len(contextX) != len(contextY) {
		panic("pacoh: context data must be non-empty with matching lengths")
	}

	if len(queryX) == 0 {
		panic("pacoh: query data must be non-empty")
	}

	if len(contextX[0]) != m.inputDim || len(queryX[0]) != m.inputDim {
		panic("pacoh: prediction data dimensionality does not match model schema")
	}

	mode := pc.Mode
	if mode == "" {
		mode = PredictBayes
	}

	cx := m.normalizeX(contextX)
	cy := m.normalizeY(contextY)
	qx := m.normalizeX(queryX)

	switch mode {
	case PredictBayes:
		n := pc.NPosteriorSamples
		if n <= 0 {
			n = 100
		}

		thetas := m.posterior.Sample(m.rng, n)

		compMean := make([][]float64, n)
		compStd := make([][]float64, n)

		m.forEachSample(n, func(i int) {
			inst := m.gp.Materialize(thetas[i])
			compMean[i], compStd[i] = inst.Posterior(cx, cy).Predict(qx)
		})

		return newMixturePredictive(compMean, compStd, m.yMean, m.yStd)
	case PredictMAP:
		inst := m.gp.Materialize(m.posterior.Mode())
		mean, std := inst.Posterior(cx, cy).Predict(qx)

		return newGaussianPredictive(mean, std, m.yMean, m.yStd)
	default:
		panic(fmt.Sprintf("pacoh: prediction mode must be Bayes or MAP, got %q", mode))
	}
}

// Predict is the convenience wrapper around PredictDist that returns only
// the de-normalized predictive mean and standard deviation per query point.
func (m *GPRegressionMetaLearnedVI) Predict(contextX [][]float64, contextY []float64, queryX [][]float64, pc PredictConfig) (mean, std []float64) {
	dist := m.PredictDist(contextX, contextY, queryX, pc)

	return dist.Mean(), dist.Std()
}

// EvalDatasets computes, over a set of held-out tasks, the average
// predictive log-likelihood per test point, the average RMSE and the average
// calibration error. The reduction over tasks is deterministic given the
// posterior samples drawn per task.
func (m *GPRegressionMetaLearnedVI) EvalDatasets(tasks []EvalTask) (ll, rmseOut, calibErr float64) {
	if len(tasks) == 0 {
		panic("pacoh: eval task list must be non-empty")
	}

	for _, t := range tasks {
		validateEvalTask(t, m.inputDim)

		dist := m.PredictDist(t.ContextX, t.ContextY, t.TestX, PredictConfig{})

		var taskLL float64
		for i, y := range t.TestY {
			taskLL += dist.LogProb(i, y)
		}

		ll += taskLL / float64(len(t.TestY))
		rmseOut += rmse(dist.Mean(), t.TestY)
		calibErr += calibrationError(dist, t.TestY)
	}

	n := float64(len(tasks))

	return ll / n, rmseOut / n, calibErr / n
}

// calibrationError measures the discrepancy between nominal and empirical
// coverage of central predictive intervals over the confidence grid 0.10,
// 0.15, ..., 0.90: a point y is covered at level q when |CDF(y)-0.5|*2 <= q,
// and the error is the mean absolute difference between empirical and
// nominal coverage across the grid.
func calibrationError(dist PredictiveDist, targets []float64) float64 {
	cdfs := make([]float64, len(targets))
	for i, y := range targets {
		cdfs[i] = dist.CDF(i, y)
	}

	var err float64

	levels := 0
	for q := 0.10; q <= 0.901; q += 0.05 {
		var covered int
		for _, c := range cdfs {
			if math.Abs(c-0.5)*2 <= q {
				covered++
			}
		}

		emp := float64(covered) / float64(len(cdfs))
		err += math.Abs(emp - q)
		levels++
	}

	return err / float64(levels)
}

// StateDict captures the checkpoint of the meta-learner. Every per-task GP
// instance is materialized from the same posterior, so capturing the
// posterior parameters once is exact by construction.
func (m *GPRegressionMetaLearnedVI) StateDict() MetaLearnerState {
	return MetaLearnerState{
		SchemaNames:       m.gp.Schema().GroupNames(),
		PosteriorLoc:      copyVector(m.posterior.loc),
		PosteriorLogScale: copyVector(m.posterior.logScaleRaw),
		Optimizer:         m.opt.State(),
		XMean:             copyVector(m.xMean),
		XStd:              copyVector(m.xStd),
		YMean:             m.yMean,
		YStd:              m.yStd,
		Fitted:            m.fitted,
	}
}

// LoadStateDict restores a checkpoint. The state's schema fingerprint and
// parameter sizes must match the model exactly; any mismatch is rejected
// before mutating state.
func (m *GPRegressionMetaLearnedVI) LoadStateDict(s MetaLearnerState) error {
	names := m.gp.Schema().GroupNames()
	if len(s.SchemaNames) != len(names) {
		return fmt.Errorf("pacoh: checkpoint schema has %d groups, model has %d", len(s.SchemaNames), len(names))
	}

	for i, name := range names {
		if s.SchemaNames[i] != name {
			return fmt.Errorf("pacoh: checkpoint schema mismatch at group %d: %q != %q", i, s.SchemaNames[i], name)
		}
	}

	p := m.posterior.NumParams()
	if len(s.PosteriorLoc) != p || len(s.PosteriorLogScale) != p {
		return fmt.Errorf("pacoh: checkpoint posterior size mismatch")
	}

	if len(s.XMean) != m.inputDim || len(s.XStd) != m.inputDim {
		return fmt.Errorf("pacoh: checkpoint normalization size mismatch")
	}

	if err := m.opt.LoadState(s.Optimizer); err != nil {
		return err
	}

	copy(m.posterior.loc, s.PosteriorLoc)
	copy(m.posterior.logScaleRaw, s.PosteriorLogScale)
	copy(m.xMean, s.XMean)
	copy(m.xStd, s.XStd)
	m.yMean = s.YMean
	m.yStd = s.YStd
	m.fitted = s.Fitted

	return nil
}

// SaveCheckpoint writes the state dict as JSON to path.
func (m *GPRegressionMetaLearnedVI) SaveCheckpoint(path string) error {
	data, err := json.Marshal(m.StateDict())
	if err != nil {
		return fmt.Errorf("pacoh: encoding checkpoint: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("pacoh: writing checkpoint: %w", err)
	}

	return nil
}

// LoadCheckpoint reads a JSON checkpoint from path and restores it.
func (m *GPRegressionMetaLearnedVI) LoadCheckpoint(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pacoh: reading checkpoint: %w", err)
	}

	var s MetaLearnerState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("pacoh: decoding checkpoint: %w", err)
	}

	return m.LoadStateDict(s)
}

// normalizeX standardizes an input matrix with the stored statistics.
func (m *GPRegressionMetaLearnedVI) normalizeX(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = make([]float64, len(row))
		for d, v := range row {
			out[i][d] = (v - m.xMean[d]) / m.xStd[d]
		}
	}

	return out
}

// normalizeY standardizes a target vector with the stored statistics.
func (m *GPRegressionMetaLearnedVI) normalizeY(y []float64) []float64 {
	out := make([]float64, len(y))
	for i, v := range y {
		out[i] = (v - m.yMean) / m.yStd
	}

	return out
}

func validateEvalTask(t EvalTask, inputDim int) {
	if len(t.ContextX) == 0 || len(t.ContextX) != len(t.ContextY) {
		panic("pacoh: eval task context must be non-empty with matching lengths")
	}

	if len(t.TestX) == 0 || len(t.TestX) != len(t.TestY) {
		panic("pacoh: eval task test set must be non-empty with matching lengths")
	}

	if len(t.ContextX[0]) != inputDim || len(t.TestX[0]) != inputDim {
		panic("pacoh: eval task dimensionality does not match model schema")
	}
}

//////
// Factory.
//////

// NewGPRegressionMetaLearnedVI validates and caches the meta-training tasks,
// computes global normalization statistics over all tasks pooled, and builds
// the GP parameter schema, the hierarchical prior, the variational posterior
// and the optimizer.
//
// Unsupported mean/kernel/optimizer families are configuration errors.
// Empty tasks or ragged input dimensionality across tasks are precondition
// violations and panic.
func NewGPRegressionMetaLearnedVI(metaTrain []Task, cfg ModelConfig) (*GPRegressionMetaLearnedVI, error) {
	if len(metaTrain) == 0 {
		panic("pacoh: meta-training task list must be non-empty")
	}

	inputDim := 0
	for ti, t := range metaTrain {
		if len(t.X) == 0 || len(t.X) != len(t.Y) {
			panic(fmt.Sprintf("pacoh: task %d must be non-empty with matching input/target lengths", ti))
		}

		if ti == 0 {
			inputDim = len(t.X[0])
		}

		for _, row := range t.X {
			if len(row) != inputDim {
				panic(fmt.Sprintf("pacoh: task %d has ragged input dimensionality", ti))
			}
		}
	}

	if cfg.SVIBatchSize < 1 {
		return nil, fmt.Errorf("pacoh: SVI batch size must be positive, got %d", cfg.SVIBatchSize)
	}

	if cfg.LR <= 0 {
		return nil, fmt.Errorf("pacoh: learning rate must be positive, got %g", cfg.LR)
	}

	m := &GPRegressionMetaLearnedVI{
		cfg:    cfg,
		logger: cfg.logger(),
		rng:    rand.New(rand.NewSource(cfg.RandomSeed)),
	}

	m.inputDim = inputDim
	m.computeNormalizationStats(metaTrain)

	// Normalize and cache the per-task tensors; tasks stay immutable
	// afterwards.
	m.tasks = make([]Task, len(metaTrain))
	for i, t := range metaTrain {
		m.tasks[i] = Task{X: m.normalizeX(t.X), Y: m.normalizeY(t.Y)}
	}

	m.taskBatchSize = cfg.TaskBatchSize
	if m.taskBatchSize < 1 || m.taskBatchSize > len(m.tasks) {
		m.taskBatchSize = len(m.tasks)
	}

	gp, err := NewVectorizedGP(inputDim, cfg)
	if err != nil {
		return nil, err
	}

	m.gp = gp
	m.prior = NewRandomGP(gp, cfg)
	m.posterior = NewRandomGPPosterior(m.prior, m.rng)

	opt, err := newOptimizer(cfg.Optimizer, cfg.LR, m.posterior.TrainableParams())
	if err != nil {
		return nil, err
	}

	m.opt = opt
	m.sched = newStepLRScheduler(opt, cfg.LRDecay)

	m.logger.Debug("meta-learner constructed",
		zap.Int("tasks", len(m.tasks)),
		zap.Int("input_dim", inputDim),
		zap.Int("num_params", m.posterior.NumParams()),
		zap.String("mean_family", string(cfg.MeanFamily)),
		zap.String("kernel_family", string(cfg.KernelFamily)),
	)

	return m, nil
}

// computeNormalizationStats pools every task's inputs and targets and stores
// per-feature input statistics and scalar target statistics. When
// normalization is disabled the statistics degenerate to the identity
// transform.
func (m *GPRegressionMetaLearnedVI) computeNormalizationStats(tasks []Task) {
	m.xMean = make([]float64, m.inputDim)
	m.xStd = make([]float64, m.inputDim)

	if !m.cfg.NormalizeData {
		for d := range m.xStd {
			m.xStd[d] = 1.0
		}

		m.yMean, m.yStd = 0.0, 1.0

		return
	}

	var ys []float64
	cols := make([][]float64, m.inputDim)

	for _, t := range tasks {
		for _, row := range t.X {
			for d, v := range row {
				cols[d] = append(cols[d], v)
			}
		}

		ys = append(ys, t.Y...)
	}

	for d := 0; d < m.inputDim; d++ {
		m.xMean[d], m.xStd[d] = meanStd(cols[d])
	}

	m.yMean, m.yStd = meanStd(ys)
}
