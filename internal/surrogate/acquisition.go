package surrogate

import (
	"math"
	"math/rand"
)

//////
// Acquisition functions. Every function here returns lower values for more
// promising points, so optimizers always pick the minimum.
//////

// AcquisitionFunc scores a prediction.
type AcquisitionFunc func(mean, variance float64, p AcquisitionParams) float64

// AcquisitionParams carries the knobs the acquisition functions read.
type AcquisitionParams struct {
	// Beta weights the standard deviation in LCB.
	Beta float64

	// Xi is the minimum improvement EI and PI look for.
	Xi float64

	// Best is the lowest loss observed so far.
	Best float64

	// Rand drives ThompsonSampling. Required for it, ignored otherwise.
	Rand *rand.Rand
}

// DefaultAcquisitionParams are the values the SMAC drivers use.
func DefaultAcquisitionParams() AcquisitionParams {
	return AcquisitionParams{Beta: 2, Xi: 0.01}
}

// LCB is the lower confidence bound mean - beta*sd.
func LCB(mean, variance float64, p AcquisitionParams) float64 {
	return mean - p.Beta*math.Sqrt(variance)
}

// ExpectedImprovement returns the negated expected improvement over
// p.Best - p.Xi.
func ExpectedImprovement(mean, variance float64, p AcquisitionParams) float64 {
	sd := math.Sqrt(variance)
	imp := p.Best - mean - p.Xi
	if sd == 0 {
		return -math.Max(imp, 0)
	}
	z := imp / sd
	return -(imp*normalCDF(z) + sd*normalPDF(z))
}

// ProbabilityOfImprovement returns the negated probability of beating
// p.Best - p.Xi.
func ProbabilityOfImprovement(mean, variance float64, p AcquisitionParams) float64 {
	sd := math.Sqrt(variance)
	if sd == 0 {
		if mean < p.Best-p.Xi {
			return -1
		}
		return 0
	}
	return -normalCDF((p.Best - mean - p.Xi) / sd)
}

// ThompsonSampling draws from the posterior.
func ThompsonSampling(mean, variance float64, p AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*p.Rand.NormFloat64()
}

func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}
