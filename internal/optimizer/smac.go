package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/objective"
	"github.com/signalnine/hporun/internal/space"
)

// runEntry is one line of runhistory.json.
type runEntry struct {
	Trial    int                 `json:"trial"`
	Config   space.Configuration `json:"config"`
	Budget   float64             `json:"budget,omitempty"`
	Cost     *float64            `json:"cost"`
	Status   string              `json:"status"`
	Start    time.Time           `json:"start"`
	Duration float64             `json:"duration_s"`
}

// runHistory mirrors every evaluation of a SMAC run into its output
// directory, rewritten after each trial.
type runHistory struct {
	dir     string
	Entries []runEntry `json:"data"`
}

// newRunHistory wipes dir: every SMAC invocation overwrites the previous one.
func newRunHistory(dir string) (*runHistory, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing smac output: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating smac output: %w", err)
	}
	return &runHistory{dir: dir}, nil
}

func (h *runHistory) add(e runEntry, best *Incumbent) error {
	h.Entries = append(h.Entries, e)
	if err := writeJSON(filepath.Join(h.dir, "runhistory.json"), h); err != nil {
		return err
	}
	if best == nil || finite(best.Loss) == nil {
		return nil
	}
	return writeJSON(filepath.Join(h.dir, "incumbent.json"), best)
}

// finite returns nil for values JSON cannot encode.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// runSMAC evaluates one configuration and books it everywhere. On error the
// trial is recorded as failed and the error is returned wrapped.
func runSMAC(ctx context.Context, name string, obj objective.Objective, track *tracker, hist *runHistory,
	trial int, cfg space.Configuration, fidelity float64) (objective.Result, error) {
	start := time.Now()
	res, err := obj.Evaluate(ctx, objective.Candidate{Trial: trial, Config: cfg, Fidelity: fidelity})
	entry := runEntry{
		Trial:    trial,
		Config:   cfg,
		Budget:   fidelity,
		Start:    start.UTC(),
		Duration: time.Since(start).Seconds(),
	}
	if err != nil {
		track.failed(trial, fidelity, err)
		entry.Status = "CRASHED"
		if herr := hist.add(entry, track.out.Best); herr != nil {
			track.deps.Logger.Warn("writing run history", "err", herr)
		}
		return res, wrap(name, trial, err)
	}
	track.complete(trial, cfg, fidelity, res.Loss)
	entry.Status = "SUCCESS"
	entry.Cost = finite(res.Loss)
	return res, hist.add(entry, track.out.Best)
}

// smacDriver is single-fidelity Bayesian optimization: an initial random
// design, then GP/EI proposals interleaved with random configurations.
type smacDriver struct {
	deps    Deps
	nTrials int
}

func newSMAC(d Deps) *smacDriver {
	return &smacDriver{deps: d, nTrials: d.Config.HPOptimizer.Budget}
}

func (s *smacDriver) Name() string { return config.SMAC }

// initialDesign is min(10 per dimension, a quarter of the trials), at least 1.
func (s *smacDriver) initialDesign() int {
	return max(min(10*s.deps.Space.Len(), s.nTrials/4), 1)
}

func (s *smacDriver) Run(ctx context.Context) (Outcome, error) {
	hist, err := newRunHistory(s.deps.Run.SMACOutputDir())
	if err != nil {
		return Outcome{}, err
	}
	rng := s.deps.rng()
	prop := newProposer(s.deps.Space, rng)
	track := newTracker(&s.deps, false)
	obj := s.deps.Objective.For(objective.NoFidelity)
	randomProb := s.deps.Config.HPOptimizer.SMAC.RandomProb
	nInit := s.initialDesign()

	var obs []observation
	for trial := 0; trial < s.nTrials; trial++ {
		if err := ctx.Err(); err != nil {
			return track.out, err
		}
		var cfg space.Configuration
		if trial < nInit || rng.Float64() < randomProb {
			cfg = s.deps.Space.Sample(rng)
		} else {
			cfg = prop.propose(obs)
		}
		res, err := runSMAC(ctx, s.Name(), obj, track, hist, trial, cfg, 0)
		if err != nil {
			return track.out, err
		}
		u, err := s.deps.Space.Encode(cfg)
		if err != nil {
			return track.out, err
		}
		obs = append(obs, observation{u: u, loss: res.Loss})
	}
	return track.out, nil
}

// smacMFDriver is multi-fidelity optimization with a Hyperband intensifier
// over budgets 1..epochs. The incumbent is the best configuration at the
// highest budget evaluated. It stops at the wall-clock limit or the trial
// cap, whichever comes first.
type smacMFDriver struct {
	deps      Deps
	maxTrials int
	walltime  time.Duration
	eta       int
	now       func() time.Time
}

func newSMACMultifidelity(d Deps) *smacMFDriver {
	opts := d.Config.HPOptimizer.SMAC
	return &smacMFDriver{
		deps:      d,
		maxTrials: opts.MaxTrials,
		walltime:  d.Config.MaxTime(),
		eta:       opts.Eta,
		now:       time.Now,
	}
}

func (s *smacMFDriver) Name() string { return config.SMACMultifidelity }

func (s *smacMFDriver) Run(ctx context.Context) (Outcome, error) {
	hist, err := newRunHistory(s.deps.Run.SMACOutputDir())
	if err != nil {
		return Outcome{}, err
	}
	rng := s.deps.rng()
	prop := newProposer(s.deps.Space, rng)
	track := newTracker(&s.deps, true)
	obj := s.deps.Objective.For(objective.Truncate)
	randomProb := s.deps.Config.HPOptimizer.SMAC.RandomProb
	deadline := s.now().Add(s.walltime)
	brackets := hyperbandBrackets(1, float64(s.deps.Config.Epochs()), s.eta)

	// Observations per budget; the model is fitted on the highest budget
	// that has enough points.
	obs := map[float64][]observation{}
	propose := func() space.Configuration {
		if rng.Float64() < randomProb {
			return s.deps.Space.Sample(rng)
		}
		budgets := make([]float64, 0, len(obs))
		for b := range obs {
			budgets = append(budgets, b)
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(budgets)))
		for _, b := range budgets {
			if len(obs[b]) >= s.deps.Space.Len()+2 {
				return prop.propose(obs[b])
			}
		}
		return s.deps.Space.Sample(rng)
	}

	trial := 0
	for {
		for bi, br := range brackets {
			configs := make([]space.Configuration, br[0].n)
			for i := range configs {
				configs[i] = propose()
			}
			s.deps.Logger.Debug("starting bracket", "bracket", bi, "configs", len(configs), "min_budget", br[0].budget)

			for ri, r := range br {
				losses := make([]float64, len(configs))
				for ci, cfg := range configs {
					if err := ctx.Err(); err != nil {
						return track.out, err
					}
					if trial >= s.maxTrials || !s.now().Before(deadline) {
						s.deps.Logger.Info("smac limits reached", "trials", trial)
						return track.out, nil
					}
					res, err := runSMAC(ctx, s.Name(), obj, track, hist, trial, cfg, r.budget)
					if err != nil {
						return track.out, err
					}
					trial++
					losses[ci] = res.Loss
					if u, err := s.deps.Space.Encode(cfg); err == nil {
						obs[r.budget] = append(obs[r.budget], observation{u: u, loss: res.Loss})
					}
				}
				if ri+1 < len(br) {
					configs = promote(configs, losses, br[ri+1].n)
				}
			}
		}
	}
}

// promote keeps the n configurations with the lowest losses.
func promote(configs []space.Configuration, losses []float64, n int) []space.Configuration {
	idx := make([]int, len(configs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return losses[idx[a]] < losses[idx[b]] })
	n = min(n, len(idx))
	out := make([]space.Configuration, n)
	for i := 0; i < n; i++ {
		out[i] = configs[idx[i]]
	}
	return out
}
