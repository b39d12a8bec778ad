package optimizer

import (
	"math"
	"math/rand"
	"sort"

	"github.com/signalnine/hporun/internal/space"
	"github.com/signalnine/hporun/internal/study"
)

// Sampler proposes the next configuration of a study from its history.
type Sampler interface {
	Sample(rng *rand.Rand, s *space.Space, history []study.Trial) space.Configuration
}

// RandomSampler ignores the history.
type RandomSampler struct{}

func (RandomSampler) Sample(rng *rand.Rand, s *space.Space, _ []study.Trial) space.Configuration {
	return s.Sample(rng)
}

// TPESampler is an independent tree-structured Parzen estimator. Each
// dimension is modelled on its own in the unit interval: completed trials
// are split into the best gamma(n) and the rest, a Parzen density is built
// for both, and the candidate maximizing l(x)/g(x) wins.
type TPESampler struct {
	StartupTrials int
	Candidates    int
}

// NewTPESampler returns the sampler with the usual defaults: 10 random
// startup trials and 24 candidates per dimension.
func NewTPESampler() *TPESampler {
	return &TPESampler{StartupTrials: 10, Candidates: 24}
}

// gamma is the size of the "good" group for n observations.
func gamma(n int) int {
	return min(int(math.Ceil(0.1*float64(n))), 25)
}

func (t *TPESampler) Sample(rng *rand.Rand, s *space.Space, history []study.Trial) space.Configuration {
	type obs struct {
		u    []float64
		loss float64
	}
	var seen []obs
	for _, tr := range study.Completed(history) {
		if math.IsNaN(*tr.Value) || math.IsInf(*tr.Value, 0) {
			continue
		}
		u, err := s.Encode(space.Configuration(tr.Params))
		if err != nil {
			continue
		}
		seen = append(seen, obs{u: u, loss: *tr.Value})
	}
	if len(seen) < t.StartupTrials || len(seen) < 2 {
		return s.Sample(rng)
	}

	sort.SliceStable(seen, func(i, j int) bool { return seen[i].loss < seen[j].loss })
	nBelow := max(gamma(len(seen)), 1)

	out := make([]float64, s.Len())
	for i, d := range s.Dimensions() {
		below := make([]float64, 0, nBelow)
		above := make([]float64, 0, len(seen)-nBelow)
		for j, o := range seen {
			if j < nBelow {
				below = append(below, o.u[i])
			} else {
				above = append(above, o.u[i])
			}
		}
		if d.Kind == space.Categorical {
			out[i] = t.sampleCategorical(rng, len(d.Choices), below, above)
		} else {
			out[i] = t.sampleNumeric(rng, below, above)
		}
	}
	return s.Decode(out)
}

func (t *TPESampler) sampleNumeric(rng *rand.Rand, below, above []float64) float64 {
	l, g := newParzen(below), newParzen(above)
	best, bestScore := 0.5, math.Inf(-1)
	for c := 0; c < t.Candidates; c++ {
		x := l.sample(rng)
		if score := l.logPDF(x) - g.logPDF(x); score > bestScore {
			best, bestScore = x, score
		}
	}
	return best
}

func (t *TPESampler) sampleCategorical(rng *rand.Rand, k int, below, above []float64) float64 {
	weights := func(us []float64) []float64 {
		w := make([]float64, k)
		for i := range w {
			w[i] = 1 / float64(k)
		}
		for _, u := range us {
			w[min(int(u*float64(k)), k-1)]++
		}
		total := float64(len(us)) + 1
		for i := range w {
			w[i] /= total
		}
		return w
	}
	l, g := weights(below), weights(above)

	best, bestScore := 0, math.Inf(-1)
	for c := 0; c < t.Candidates; c++ {
		idx := drawIndex(rng, l)
		if score := math.Log(l[idx]) - math.Log(g[idx]); score > bestScore {
			best, bestScore = idx, score
		}
	}
	return (float64(best) + 0.5) / float64(k)
}

func drawIndex(rng *rand.Rand, w []float64) int {
	r := rng.Float64()
	for i, p := range w {
		if r < p {
			return i
		}
		r -= p
	}
	return len(w) - 1
}

// parzen is an equally weighted mixture of normals truncated to [0,1], with
// a wide prior component at the centre.
type parzen struct {
	mus    []float64
	sigmas []float64
}

func newParzen(points []float64) parzen {
	mus := append([]float64{0.5}, points...)
	sort.Float64s(mus)
	minBW := 1 / float64(min(100, len(mus)))
	sigmas := make([]float64, len(mus))
	for i, mu := range mus {
		left, right := 0.0, 1.0
		if i > 0 {
			left = mus[i-1]
		}
		if i < len(mus)-1 {
			right = mus[i+1]
		}
		sigmas[i] = math.Min(math.Max(math.Max(mu-left, right-mu), minBW), 1)
	}
	// The prior keeps full width wherever it landed after sorting.
	for i, mu := range mus {
		if mu == 0.5 {
			sigmas[i] = 1
			break
		}
	}
	return parzen{mus: mus, sigmas: sigmas}
}

func (p parzen) sample(rng *rand.Rand) float64 {
	j := rng.Intn(len(p.mus))
	for try := 0; try < 100; try++ {
		x := p.mus[j] + p.sigmas[j]*rng.NormFloat64()
		if x >= 0 && x <= 1 {
			return x
		}
	}
	return math.Min(math.Max(p.mus[j], 0), 1)
}

func (p parzen) logPDF(x float64) float64 {
	var sum float64
	for j, mu := range p.mus {
		s := p.sigmas[j]
		z := normCDF((1-mu)/s) - normCDF((0-mu)/s)
		if z <= 0 {
			continue
		}
		d := (x - mu) / s
		sum += math.Exp(-0.5*d*d) / (s * math.Sqrt(2*math.Pi) * z)
	}
	if sum <= 0 {
		return math.Inf(-1)
	}
	return math.Log(sum / float64(len(p.mus)))
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
