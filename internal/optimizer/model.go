package optimizer

import (
	"math"
	"math/rand"

	"github.com/signalnine/hporun/internal/space"
	"github.com/signalnine/hporun/internal/surrogate"
)

const (
	randomCandidates = 500
	localCandidates  = 10
	localParents     = 5
	localStep        = 0.1
)

// observation is an evaluated point in the unit hypercube.
type observation struct {
	u    []float64
	loss float64
}

// proposer picks configurations by minimizing an acquisition function over
// a GP fitted to the observations. Candidates are uniform random points plus
// Gaussian perturbations of the best points seen so far.
type proposer struct {
	space *space.Space
	rng   *rand.Rand
	acq   surrogate.AcquisitionFunc
}

func newProposer(s *space.Space, rng *rand.Rand) *proposer {
	return &proposer{space: s, rng: rng, acq: surrogate.ExpectedImprovement}
}

// propose returns a random configuration when fewer than two finite
// observations exist or the GP cannot be fitted.
func (p *proposer) propose(obs []observation) space.Configuration {
	var (
		xs   [][]float64
		ys   []float64
		best = math.Inf(1)
	)
	for _, o := range obs {
		if math.IsNaN(o.loss) || math.IsInf(o.loss, 0) {
			continue
		}
		xs = append(xs, o.u)
		ys = append(ys, o.loss)
		best = math.Min(best, o.loss)
	}
	if len(xs) < 2 {
		return p.space.Sample(p.rng)
	}
	gp := surrogate.NewGP(0, 0)
	if err := gp.Fit(xs, ys); err != nil {
		return p.space.Sample(p.rng)
	}

	params := surrogate.DefaultAcquisitionParams()
	params.Best = best
	params.Rand = p.rng

	var (
		pick      []float64
		pickScore = math.Inf(1)
	)
	for _, u := range p.candidates(xs, ys) {
		mean, variance := gp.Predict(u)
		if score := p.acq(mean, variance, params); score < pickScore {
			pick, pickScore = u, score
		}
	}
	return p.space.Decode(pick)
}

func (p *proposer) candidates(xs [][]float64, ys []float64) [][]float64 {
	out := make([][]float64, 0, randomCandidates+localParents*localCandidates)
	for i := 0; i < randomCandidates; i++ {
		out = append(out, p.space.SampleUnit(p.rng))
	}
	for _, parent := range topK(xs, ys, localParents) {
		for i := 0; i < localCandidates; i++ {
			u := make([]float64, len(parent))
			for j, v := range parent {
				u[j] = math.Min(math.Max(v+localStep*p.rng.NormFloat64(), 0), 1)
			}
			out = append(out, u)
		}
	}
	return out
}

// topK returns the k points with the lowest values, best first.
func topK(xs [][]float64, ys []float64, k int) [][]float64 {
	idx := make([]int, len(ys))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < len(idx) && i < k; i++ {
		m := i
		for j := i + 1; j < len(idx); j++ {
			if ys[idx[j]] < ys[idx[m]] {
				m = j
			}
		}
		idx[i], idx[m] = idx[m], idx[i]
	}
	out := make([][]float64, 0, k)
	for i := 0; i < len(idx) && i < k; i++ {
		out = append(out, xs[idx[i]])
	}
	return out
}
