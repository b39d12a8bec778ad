package optimizer

import (
	"math"
	"sort"

	"github.com/signalnine/hporun/internal/study"
)

// Pruner decides after each reported step whether a running trial stops.
type Pruner interface {
	Prune(history []study.Trial, step int, intermediate map[int]float64) bool
}

type NopPruner struct{}

func (NopPruner) Prune([]study.Trial, int, map[int]float64) bool { return false }

// MedianPruner stops a trial whose best value so far is worse than the
// median of completed trials at the same step.
type MedianPruner struct {
	StartupTrials int
	WarmupSteps   int
}

func NewMedianPruner() MedianPruner {
	return MedianPruner{StartupTrials: 5}
}

func (m MedianPruner) Prune(history []study.Trial, step int, intermediate map[int]float64) bool {
	if step <= m.WarmupSteps {
		return false
	}
	completed := study.Completed(history)
	if len(completed) < m.StartupTrials {
		return false
	}

	best := math.Inf(1)
	for s, v := range intermediate {
		if s <= step && !math.IsNaN(v) && v < best {
			best = v
		}
	}
	if math.IsInf(best, 1) {
		return false
	}

	var atStep []float64
	for _, t := range completed {
		if v, ok := t.Intermediate[step]; ok && !math.IsNaN(v) {
			atStep = append(atStep, v)
		}
	}
	if len(atStep) == 0 {
		return false
	}
	return best > median(atStep)
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
