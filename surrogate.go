package pacoh

import (
	"math"
	"sync"
)

//////
// Const, vars, types.
//////

// searchSurrogate is a thread-safe kernel-smoothing model over hyperparameter
// configurations, used by the search driver to predict the validation
// objective of untested trials from completed ones. Configurations are
// represented as unit-cube feature vectors (one dimension per tunable
// hyperparameter, log-scaled ranges mapped in log space), so a single
// bandwidth works across heterogeneous parameter scales.
//
// Thread safety:
// - All fields are protected by the RWMutex
// - Uses RLock for read operations (Predict, Kernel)
// - Uses Lock for write operations (Observe, SetBandwidth)
//
// Memory usage grows linearly with the number of observed trials; each
// observation stores a copy of its feature vector.
type searchSurrogate struct {
	// mu protects access to all fields
	mu sync.RWMutex

	// features stores the unit-cube feature vectors of completed trials.
	// Length of inner slices must be consistent.
	features [][]float64

	// objectives stores the validation objective of each completed trial.
	// Must have same length as features. Lower is better.
	objectives []float64

	// bandwidth is the kernel width parameter. Larger values smooth over a
	// wider neighborhood of configurations.
	bandwidth float64
}

//////
// Methods.
//////

// Kernel measures the similarity between two configurations in feature space,
// decreasing exponentially with squared Euclidean distance:
//
//	k(x1, x2) = exp(-sum((x1 - x2)^2) / (2 * bandwidth^2))
//
// Returns 1.0 for identical configurations and values close to 0.0 for
// distant ones. Panics if the vectors have different lengths.
func (s *searchSurrogate) Kernel(x1, x2 []float64) float64 {
	if len(x1) != len(x2) {
		panic("pacoh: feature vectors must have the same length")
	}

	s.mu.RLock()
	bandwidth := s.bandwidth
	s.mu.RUnlock()

	var sum float64

	for i := range x1 {
		diff := x1[i] - x2[i]

		sum += diff * diff
	}

	return math.Exp(-sum / (2 * bandwidth * bandwidth))
}

// Predict estimates the validation objective and its uncertainty at an
// untested configuration from the completed trials.
//
// Returns:
// - mean: Kernel-weighted average of observed objectives
// - variance: Prediction uncertainty (higher = less certain)
//
// Returns (0, 1) when no trials have completed yet. Predictions far from all
// observed configurations carry high variance and should be treated with
// care by the acquisition function.
//
// O(n^2) time in the number of observed trials.
func (s *searchSurrogate) Predict(x []float64) (mean, variance float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.features) == 0 {
		return 0, 1
	}

	k := make([]float64, len(s.features))
	for i := range s.features {
		k[i] = s.Kernel(x, s.features[i])
	}

	var sum float64

	for i := range s.features {
		sum += k[i] * s.objectives[i]
	}

	mean = sum / float64(len(s.features))

	variance = 1.0

	for i := range s.features {
		for j := range s.features {
			variance -= k[i] * k[j] / float64(len(s.features))
		}
	}

	return mean, variance
}

// Observe records a completed trial. The feature vector is deep-copied so
// later mutation by the caller cannot corrupt the model.
func (s *searchSurrogate) Observe(x []float64, objective float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newX := make([]float64, len(x))
	copy(newX, x)

	s.features = append(s.features, newX)
	s.objectives = append(s.objectives, objective)
}

// SetBandwidth updates the kernel width. Larger values give smoother
// interpolation across the search space; smaller values make each trial's
// influence more local.
func (s *searchSurrogate) SetBandwidth(bandwidth float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bandwidth = bandwidth
}

// Bandwidth returns the current kernel width.
func (s *searchSurrogate) Bandwidth() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.bandwidth
}

// NumObservations returns the number of completed trials recorded so far.
func (s *searchSurrogate) NumObservations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.features)
}

//////
// Factory.
//////

// newSearchSurrogate creates a surrogate with a default bandwidth of 0.25,
// suitable for unit-cube feature vectors.
func newSearchSurrogate() *searchSurrogate {
	return &searchSurrogate{
		bandwidth: 0.25,
	}
}
