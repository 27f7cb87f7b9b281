package pacoh

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

//////
// Helper functions.
//////

// logSumExp computes log(sum(exp(xs))) in a numerically stable way. Used to
// evaluate mixture log-densities without underflow.
func logSumExp(xs []float64) float64 {
	maxVal := floats.Max(xs)
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}

	return maxVal + math.Log(sum)
}

// handleInputDimensionality promotes a flat slice of scalar inputs to a
// one-column input matrix. Matrices are passed through unchanged.
//
// This mirrors the convention that one-dimensional regression problems may be
// supplied as plain vectors.
func handleInputDimensionality(x []float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, v := range x {
		out[i] = []float64{v}
	}

	return out
}

// copyMatrix returns a deep copy of a row-major input matrix.
func copyMatrix(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = make([]float64, len(row))
		copy(out[i], row)
	}

	return out
}

// copyVector returns a copy of a float slice.
func copyVector(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)

	return out
}

// meanStd computes the mean and standard deviation of a slice. The standard
// deviation is floored at a small epsilon so normalization never divides by
// zero on constant data.
func meanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n == 0 {
		panic("pacoh: meanStd on empty slice")
	}

	mean = floats.Sum(xs) / n

	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}

	std = math.Sqrt(ss / n)
	if std < 1e-8 {
		std = 1e-8
	}

	return mean, std
}

// rmse computes the root-mean-square error between predictions and targets.
func rmse(pred, target []float64) float64 {
	if len(pred) != len(target) {
		panic("pacoh: rmse length mismatch")
	}

	var ss float64
	for i := range pred {
		d := pred[i] - target[i]
		ss += d * d
	}

	return math.Sqrt(ss / float64(len(pred)))
}
