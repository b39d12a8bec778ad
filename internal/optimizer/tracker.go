package optimizer

import (
	"math"

	"github.com/signalnine/hporun/internal/progress"
	"github.com/signalnine/hporun/internal/space"
)

// tracker keeps a driver's outcome and publishes one update per trial.
type tracker struct {
	deps *Deps
	// byFidelity selects the incumbent among the highest fidelity seen
	// before comparing losses.
	byFidelity bool
	out        Outcome
}

func newTracker(d *Deps, byFidelity bool) *tracker {
	return &tracker{deps: d, byFidelity: byFidelity}
}

func (t *tracker) complete(trial int, cfg space.Configuration, fidelity, loss float64) {
	t.out.Trials++
	cand := &Incumbent{Trial: trial, Config: cfg, Loss: loss, Fidelity: fidelity}
	if t.better(cand) {
		t.out.Best = cand
		t.deps.Logger.Info("new incumbent", "trial", trial, "loss", loss, "fidelity", fidelity)
	}
	t.deps.Logger.Debug("trial complete", "trial", trial, "loss", loss, "fidelity", fidelity)
	t.publish(trial, progress.StateComplete, &loss, fidelity)
}

func (t *tracker) pruned(trial int, fidelity float64, last *float64) {
	t.out.Trials++
	t.out.Pruned++
	t.deps.Logger.Debug("trial pruned", "trial", trial, "fidelity", fidelity)
	t.publish(trial, progress.StatePruned, last, fidelity)
}

func (t *tracker) failed(trial int, fidelity float64, err error) {
	t.out.Trials++
	t.deps.Logger.Debug("trial stopped", "trial", trial, "err", err)
	t.publish(trial, progress.StateFailed, nil, fidelity)
}

func (t *tracker) better(c *Incumbent) bool {
	b := t.out.Best
	if b == nil {
		return true
	}
	if math.IsNaN(c.Loss) {
		return false
	}
	if t.byFidelity && c.Fidelity != b.Fidelity {
		return c.Fidelity > b.Fidelity
	}
	return c.Loss < b.Loss
}

func (t *tracker) publish(trial int, state string, loss *float64, fidelity float64) {
	u := progress.Update{
		Experiment: t.deps.Run.Experiment,
		Optimizer:  t.deps.Config.HPOptimizer.Name,
		Repeat:     t.deps.Repeat,
		Trial:      trial,
		State:      state,
		Loss:       loss,
		Fidelity:   fidelity,
		Consumed:   t.deps.Guard.Consumed(),
		Budget:     t.deps.Guard.Limit(),
	}
	if t.out.Best != nil {
		best := t.out.Best.Loss
		u.BestLoss = &best
	}
	t.deps.Publisher.Publish(u)
}
