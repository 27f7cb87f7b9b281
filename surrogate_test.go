package pacoh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSurrogateKernel(t *testing.T) {
	s := newSearchSurrogate()

	// Identical configurations have similarity one.
	assert.InDelta(t, 1.0, s.Kernel([]float64{0.2, 0.8}, []float64{0.2, 0.8}), 1e-12)

	// Similarity decreases with distance.
	near := s.Kernel([]float64{0.5}, []float64{0.55})
	far := s.Kernel([]float64{0.5}, []float64{0.9})
	assert.Greater(t, near, far)

	assert.Panics(t, func() { s.Kernel([]float64{1}, []float64{1, 2}) })
}

func TestSurrogatePredictWithoutObservations(t *testing.T) {
	s := newSearchSurrogate()

	mean, variance := s.Predict([]float64{0.5})
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 1.0, variance)
}

func TestSurrogatePredictAtObservedPoint(t *testing.T) {
	s := newSearchSurrogate()
	s.Observe([]float64{0.3, 0.6}, 2.5)

	// At the observed point the kernel weight is one, so the prediction
	// reproduces the observation with no remaining uncertainty.
	mean, variance := s.Predict([]float64{0.3, 0.6})
	assert.InDelta(t, 2.5, mean, 1e-9)
	assert.InDelta(t, 0.0, variance, 1e-9)

	// Far away the prediction reverts to the uninformed state.
	mean, variance = s.Predict([]float64{0.3 + 100, 0.6})
	assert.InDelta(t, 0.0, mean, 1e-9)
	assert.InDelta(t, 1.0, variance, 1e-9)
}

func TestSurrogateObserveDeepCopies(t *testing.T) {
	s := newSearchSurrogate()

	x := []float64{0.5}
	s.Observe(x, 1.0)

	x[0] = 99

	mean, _ := s.Predict([]float64{0.5})
	assert.InDelta(t, 1.0, mean, 1e-9)
	assert.Equal(t, 1, s.NumObservations())
}

func TestSurrogateBandwidth(t *testing.T) {
	s := newSearchSurrogate()
	assert.Equal(t, 0.25, s.Bandwidth())

	s.SetBandwidth(0.5)
	assert.Equal(t, 0.5, s.Bandwidth())
}
