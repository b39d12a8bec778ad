package optimizer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/objective"
	"github.com/signalnine/hporun/internal/space"
)

// member is one vector of a DE population in the unit hypercube.
type member struct {
	u       []float64
	fitness float64
}

// dehbRecord is one entry of the saved history.
type dehbRecord struct {
	Trial    int                 `json:"trial"`
	Config   space.Configuration `json:"config"`
	Fidelity float64             `json:"fidelity"`
	Fitness  *float64            `json:"fitness"`
	Cost     float64             `json:"cost"`
	Info     map[string]any      `json:"info"`
}

// dehbDriver is differential evolution over Hyperband brackets with a
// single worker. Every fidelity level keeps its own population. The lowest
// rung of a bracket evolves its population with rand/1/bin; higher rungs
// draw mutation parents from the configurations promoted by the rung below.
type dehbDriver struct {
	deps     Deps
	fevals   int
	eta      int
	mutation float64
	cr       float64
	outDir   string

	rng     *rand.Rand
	obj     objective.Objective
	track   *tracker
	pops    map[int][]member
	history []dehbRecord
	evals   int
}

func newDEHB(d Deps) *dehbDriver {
	opts := d.Config.HPOptimizer.DEHB
	factor := opts.FevalsFactor
	if factor <= 0 {
		factor = DefaultDEHBFevalsFactor
	}
	return &dehbDriver{
		deps:     d,
		fevals:   dehbFevals(factor, d.Config.TotalBudget(), d.Config.Epochs()),
		eta:      opts.Eta,
		mutation: opts.MutationFactor,
		cr:       opts.CrossoverProb,
		outDir:   filepath.Join(d.Run.DEHBOutputDir(), fmt.Sprintf("repeat-%d", d.Repeat)),
	}
}

// dehbFevals is factor * totalBudget / epochs, rounded up: the run stops
// once the evaluation count reaches it.
func dehbFevals(factor, totalBudget float64, epochs int) int {
	return int(math.Ceil(factor * totalBudget / float64(epochs)))
}

func (d *dehbDriver) Name() string { return config.DEHB }

func (d *dehbDriver) Run(ctx context.Context) (Outcome, error) {
	if err := os.MkdirAll(d.outDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("creating dehb output: %w", err)
	}
	d.rng = d.deps.rng()
	d.obj = d.deps.Objective.For(objective.FloorAtLeastOne)
	d.track = newTracker(&d.deps, false)
	d.pops = map[int][]member{}

	maxBudget := float64(d.deps.Config.Epochs())
	sMax := maxStage(1, maxBudget, d.eta)
	brackets := hyperbandBrackets(1, maxBudget, d.eta)
	d.deps.Logger.Info("dehb started", "fevals", d.fevals, "brackets", len(brackets), "max_fidelity", maxBudget)

	for {
		for _, br := range brackets {
			s := len(br) - 1
			var promoted []member
			for i, r := range br {
				level := sMax - s + i
				var (
					done bool
					err  error
				)
				if i == 0 {
					done, err = d.evolveBase(ctx, level, r)
				} else {
					done, err = d.evolvePromoted(ctx, level, r, promoted)
				}
				if err != nil || done {
					return d.track.out, err
				}
				if i+1 < len(br) {
					promoted = best(d.pops[level], br[i+1].n)
				}
			}
		}
	}
}

// evolveBase fills the level's population at random on first use and
// evolves it in place on later brackets.
func (d *dehbDriver) evolveBase(ctx context.Context, level int, r rung) (bool, error) {
	pop := d.pops[level]
	if len(pop) < r.n {
		for len(pop) < r.n {
			u := d.deps.Space.SampleUnit(d.rng)
			fit, done, err := d.eval(ctx, u, r.budget)
			if err != nil || done {
				return done, err
			}
			pop = append(pop, member{u: u, fitness: fit})
			d.pops[level] = pop
		}
		return false, nil
	}
	return d.evolve(ctx, r, pop[:r.n], pop)
}

// evolvePromoted seeds the level with the promoted configurations on first
// use. Later brackets evolve it with the promoted set as the mutation pool.
func (d *dehbDriver) evolvePromoted(ctx context.Context, level int, r rung, promoted []member) (bool, error) {
	pop := d.pops[level]
	if len(pop) < r.n {
		for _, m := range promoted {
			if len(pop) >= r.n {
				break
			}
			fit, done, err := d.eval(ctx, m.u, r.budget)
			if err != nil || done {
				return done, err
			}
			pop = append(pop, member{u: m.u, fitness: fit})
			d.pops[level] = pop
		}
		return false, nil
	}
	return d.evolve(ctx, r, pop[:r.n], promoted)
}

// evolve runs one DE generation over targets, which alias the level's
// population so selection replaces members in place.
func (d *dehbDriver) evolve(ctx context.Context, r rung, targets, pool []member) (bool, error) {
	for i := range targets {
		trial := d.crossover(targets[i].u, d.mutant(pool))
		fit, done, err := d.eval(ctx, trial, r.budget)
		if err != nil || done {
			return done, err
		}
		if fit <= targets[i].fitness {
			targets[i] = member{u: trial, fitness: fit}
		}
	}
	return false, nil
}

// mutant is rand/1: a + F*(b - c) with a, b, c drawn without replacement.
// Small pools are topped up with random vectors. Coordinates leaving the
// unit interval are redrawn uniformly.
func (d *dehbDriver) mutant(pool []member) []float64 {
	vecs := make([][]float64, 0, max(len(pool), 3))
	for _, m := range pool {
		vecs = append(vecs, m.u)
	}
	for len(vecs) < 3 {
		vecs = append(vecs, d.deps.Space.SampleUnit(d.rng))
	}
	idx := d.rng.Perm(len(vecs))[:3]
	a, b, c := vecs[idx[0]], vecs[idx[1]], vecs[idx[2]]
	out := make([]float64, len(a))
	for j := range out {
		v := a[j] + d.mutation*(b[j]-c[j])
		if v < 0 || v > 1 {
			v = d.rng.Float64()
		}
		out[j] = v
	}
	return out
}

// crossover is binomial crossover; one coordinate always comes from the
// mutant.
func (d *dehbDriver) crossover(target, mutant []float64) []float64 {
	out := make([]float64, len(target))
	forced := d.rng.Intn(len(target))
	for j := range out {
		if j == forced || d.rng.Float64() < d.cr {
			out[j] = mutant[j]
		} else {
			out[j] = target[j]
		}
	}
	return out
}

// eval runs one function evaluation. done reports that the evaluation
// count is spent, checked before starting.
func (d *dehbDriver) eval(ctx context.Context, u []float64, fidelity float64) (float64, bool, error) {
	if d.evals >= d.fevals {
		d.deps.Logger.Info("dehb evaluations spent", "fevals", d.evals)
		return 0, true, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	trial := d.evals
	d.evals++
	cfg := d.deps.Space.Decode(u)

	res, err := d.obj.Evaluate(ctx, objective.Candidate{Trial: trial, Config: cfg, Fidelity: fidelity})
	if err != nil {
		d.track.failed(trial, fidelity, err)
		return 0, false, wrap(d.Name(), trial, err)
	}
	d.track.complete(trial, cfg, fidelity, res.Loss)

	out := res.DEHB(fidelity)
	d.history = append(d.history, dehbRecord{
		Trial:    trial,
		Config:   cfg,
		Fidelity: fidelity,
		Fitness:  finite(out.Fitness),
		Cost:     out.Cost,
		Info:     out.Info,
	})
	if err := d.save(); err != nil {
		return 0, false, err
	}
	return out.Fitness, false, nil
}

// save writes the history and incumbent after every evaluation.
func (d *dehbDriver) save() error {
	if err := writeJSON(filepath.Join(d.outDir, "history.json"), d.history); err != nil {
		return err
	}
	if b := d.track.out.Best; b != nil && finite(b.Loss) != nil {
		return writeJSON(filepath.Join(d.outDir, "incumbent.json"), b)
	}
	return nil
}

// best returns copies of the n fittest members.
func best(pop []member, n int) []member {
	sorted := append([]member(nil), pop...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].fitness < sorted[j].fitness })
	return sorted[:min(n, len(sorted))]
}
