// Package surrogate provides the Gaussian-process model and acquisition
// functions behind the model-based optimizers.
//
// Inputs are points of the unit hypercube produced by the search space's
// encoder. Observed losses are standardized before fitting, so the kernel
// hyperparameters below work for losses of any scale.
package surrogate

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

//////
// Const, vars, types.
//////

// ErrNotPositiveDefinite is returned when the kernel matrix cannot be
// factorized even after adding jitter.
var ErrNotPositiveDefinite = errors.New("kernel matrix is not positive definite")

const (
	// DefaultLengthScale suits inputs in the unit hypercube.
	DefaultLengthScale = 0.25

	// DefaultNoise is the observation noise variance added to the diagonal.
	DefaultNoise = 1e-6

	maxJitterTries = 6
)

// GP is a Gaussian-process regressor with a squared-exponential (RBF) kernel
// and exact Cholesky inference.
//
// Fields:
// - mu: RWMutex guarding the fitted state
// - lengthScale: kernel width in input units
// - noise: diagonal noise variance
// - x: observed points
// - chol: lower Cholesky factor of K + noise*I
// - alpha: (K + noise*I)^-1 * standardized y
// - yMean, yStd: standardization of the observed values
//
// Thread safety:
// - Fit takes the write lock, Predict the read lock.
type GP struct {
	mu sync.RWMutex

	lengthScale float64
	noise       float64

	x     [][]float64
	chol  [][]float64
	alpha []float64
	yMean float64
	yStd  float64
}

//////
// Factory.
//////

// NewGP returns an unfitted GP. Non-positive arguments select the defaults.
func NewGP(lengthScale, noise float64) *GP {
	if lengthScale <= 0 {
		lengthScale = DefaultLengthScale
	}
	if noise <= 0 {
		noise = DefaultNoise
	}
	return &GP{lengthScale: lengthScale, noise: noise, yStd: 1}
}

//////
// Methods.
//////

// Kernel is the RBF kernel:
//
//	k(a, b) = exp(-sum((a - b)^2) / (2 * l^2))
//
// Panics if a and b have different lengths.
func (gp *GP) Kernel(a, b []float64) float64 {
	if len(a) != len(b) {
		panic("input vectors must have the same length")
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Exp(-sum / (2 * gp.lengthScale * gp.lengthScale))
}

// Len is the number of fitted observations.
func (gp *GP) Len() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	return len(gp.x)
}

// Fit replaces the model's observations with (x, y) and recomputes the
// posterior. Infinite or NaN losses must be filtered by the caller.
//
// Important notes:
// - Copies x so later changes by the caller do not leak in
// - Adds growing diagonal jitter when the factorization fails
// - O(n^3) time in the number of observations.
func (gp *GP) Fit(x [][]float64, y []float64) error {
	if len(x) != len(y) {
		return fmt.Errorf("fitting gp: %d points but %d values", len(x), len(y))
	}

	mean, std := standardize(y)
	ys := make([]float64, len(y))
	for i, v := range y {
		ys[i] = (v - mean) / std
	}

	pts := make([][]float64, len(x))
	for i := range x {
		pts[i] = append([]float64(nil), x[i]...)
	}

	n := len(pts)
	k := make([][]float64, n)
	for i := range k {
		k[i] = make([]float64, n)
		for j := 0; j <= i; j++ {
			v := gp.Kernel(pts[i], pts[j])
			k[i][j] = v
			k[j][i] = v
		}
	}

	var (
		chol [][]float64
		err  error
	)
	jitter := gp.noise
	for try := 0; try < maxJitterTries; try++ {
		chol, err = cholesky(k, jitter)
		if err == nil {
			break
		}
		jitter *= 10
	}
	if err != nil {
		return fmt.Errorf("fitting gp on %d points: %w", n, err)
	}

	alpha := solveUpper(chol, solveLower(chol, ys))

	gp.mu.Lock()
	defer gp.mu.Unlock()
	gp.x, gp.chol, gp.alpha = pts, chol, alpha
	gp.yMean, gp.yStd = mean, std
	return nil
}

// Predict returns the posterior mean and variance at x in the units of the
// fitted losses. An unfitted model predicts (0, 1).
func (gp *GP) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if len(gp.x) == 0 {
		return 0, 1
	}

	ks := make([]float64, len(gp.x))
	for i := range gp.x {
		ks[i] = gp.Kernel(x, gp.x[i])
	}

	var m float64
	for i := range ks {
		m += ks[i] * gp.alpha[i]
	}

	v := solveLower(gp.chol, ks)
	variance = 1
	for _, vi := range v {
		variance -= vi * vi
	}
	if variance < 1e-12 {
		variance = 1e-12
	}

	return m*gp.yStd + gp.yMean, variance * gp.yStd * gp.yStd
}

//////
// Linear algebra.
//////

// cholesky factorizes a + jitter*I into L*L^T.
func cholesky(a [][]float64, jitter float64) ([][]float64, error) {
	n := len(a)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			if i == j {
				sum += jitter
			}
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil, ErrNotPositiveDefinite
				}
				l[i][i] = math.Sqrt(sum)
				continue
			}
			l[i][j] = sum / l[j][j]
		}
	}
	return l, nil
}

// solveLower solves L*x = b by forward substitution.
func solveLower(l [][]float64, b []float64) []float64 {
	x := make([]float64, len(b))
	for i := range b {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= l[i][k] * x[k]
		}
		x[i] = sum / l[i][i]
	}
	return x
}

// solveUpper solves L^T*x = b by back substitution.
func solveUpper(l [][]float64, b []float64) []float64 {
	n := len(b)
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := b[i]
		for k := i + 1; k < n; k++ {
			sum -= l[k][i] * x[k]
		}
		x[i] = sum / l[i][i]
	}
	return x
}

func standardize(y []float64) (mean, std float64) {
	if len(y) == 0 {
		return 0, 1
	}
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	for _, v := range y {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(y)))
	if std < 1e-12 {
		std = 1
	}
	return mean, std
}
