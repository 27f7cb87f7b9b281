// Package pacoh provides meta-learning of Gaussian Process priors via
// variational inference. Given a collection of related regression tasks, it
// learns a distribution over GP priors — mean function, kernel, lengthscales
// and observation noise, optionally parameterized by neural networks — and
// uses it to make well-calibrated probabilistic predictions on new tasks from
// only a handful of context points.
//
// # Features
//
// The package includes the following key features:
//
//   - Variational Prior Learning: Fits a diagonal Normal/LogNormal
//     hyper-posterior over GP parameters by stochastic gradient descent on
//     the negative ELBO, with fully analytic gradients (no autodiff)
//   - Neural Mean and Kernel Functions: GP mean and kernel feature maps
//     parameterized by small MLPs, alongside constant-mean and plain
//     squared-exponential alternatives
//   - Bayesian and MAP Prediction: Monte-Carlo mixtures of posterior-sampled
//     GPs or a single GP at the closed-form posterior mode
//   - Evaluation Metrics: Predictive log-likelihood, RMSE and calibration
//     error over held-out tasks
//   - Data Normalization: Global input/target standardization with exact
//     de-normalization of the predictive distributions
//   - Checkpointing: JSON-serializable model state with schema validation
//   - Hyperparameter Search: Two-phase surrogate-driven search over the
//     optimization hyperparameters, with acquisition functions (UCB, PI, EI,
//     Thompson Sampling), multi-seed test re-runs and CSV export
//   - Task Simulators: Sinusoid and GP-function generators for synthetic
//     meta-learning experiments
//   - Progress Monitoring: Real-time training and search updates via channels
//
// # Basic usage
//
// Meta-train on a family of tasks and predict on a new one:
//
//	gen := pacoh.NewSinusoidGenerator(42)
//	trainTasks := gen.MetaTrain(20, 40)
//
//	model, err := pacoh.NewGPRegressionMetaLearnedVI(trainTasks, pacoh.DefaultModelConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	model.MetaFit(pacoh.FitConfig{NIter: 10000})
//
//	mean, std := model.Predict(contextX, contextY, queryX, pacoh.PredictConfig{})
//
// # Configuration
//
// The ModelConfig struct exposes every structural and optimization
// hyperparameter; start from DefaultModelConfig and override as needed:
//
//	cfg := pacoh.DefaultModelConfig()
//	cfg.KernelFamily = pacoh.KernelSE
//	cfg.MeanFamily = pacoh.MeanConstant
//	cfg.LR = 5e-4
//
// Recommended settings:
//   - SVIBatchSize: 10-50 (more = lower gradient variance but slower steps)
//   - NumIterFit: 10000-30000 (more = better convergence but longer runtime)
//   - PriorFactor: 1e-4 to 1e-1 (more = stronger meta-regularization)
//
// # Hyperparameter search
//
// SearchHyperparameters tunes the optimization hyperparameters over a
// (YAML-loadable) search space, isolating diverged trials behind a NaN
// sentinel so a single failure never aborts the search:
//
//	result, err := pacoh.SearchHyperparameters(
//	    trainTasks, validTasks,
//	    pacoh.DefaultModelConfig(),
//	    pacoh.DefaultSearchSpace(),
//	    pacoh.DefaultSearchConfig(),
//	)
//
// # Thread Safety
//
// A meta-learner instance exclusively owns its state and must not be mutated
// concurrently; internally it evaluates the batch of sampled GPs on a
// bounded worker pool (ModelConfig.Threads). The search driver's surrogate
// model uses an RWMutex and is safe for concurrent trial updates.
package pacoh
