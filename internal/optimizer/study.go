package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/objective"
	"github.com/signalnine/hporun/internal/study"
	"github.com/signalnine/hporun/internal/trainer"
)

// studyDriver runs a sampler/pruner loop over a SQLite-backed study. It is
// the Optuna driver and, with a random sampler and no pruning, RandomSearch.
type studyDriver struct {
	deps    Deps
	name    string
	path    string
	fresh   bool // delete the database before opening
	sampler Sampler
	pruner  Pruner
	nTrials int // 0 runs until the budget stops the repeat
}

func newOptuna(d Deps) *studyDriver {
	return &studyDriver{
		deps:    d,
		name:    config.Optuna,
		path:    d.Run.StudyPath(d.Repeat),
		fresh:   true,
		sampler: NewTPESampler(),
		pruner:  NewMedianPruner(),
		nTrials: d.Config.HPOptimizer.NTrials,
	}
}

func newRandomSearch(d Deps) *studyDriver {
	return &studyDriver{
		deps:    d,
		name:    config.RandomSearch,
		path:    d.Run.SharedStudyPath(),
		sampler: RandomSampler{},
		pruner:  NopPruner{},
		nTrials: d.Config.HPOptimizer.Budget,
	}
}

func (s *studyDriver) Name() string { return s.name }

func (s *studyDriver) Run(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if s.fresh {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return Outcome{}, fmt.Errorf("removing old study: %w", err)
		}
	}
	st, err := study.Open(ctx, s.path, s.deps.Run.Experiment, !s.fresh)
	if err != nil {
		return Outcome{}, fmt.Errorf("opening study: %w", err)
	}
	defer st.Close()

	history, err := st.Trials(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if len(history) > 0 {
		args := []any{"path", s.path, "trials", len(history)}
		if best, err := st.Best(ctx); err == nil {
			args = append(args, "best_trial", best.Number, "best_loss", *best.Value)
		}
		s.deps.Logger.Info("resuming study", args...)
	}

	rng := s.deps.rng()
	track := newTracker(&s.deps, false)
	obj := s.deps.Objective.For(objective.NoFidelity)

	for ran := 0; s.nTrials == 0 || ran < s.nTrials; ran++ {
		if err := ctx.Err(); err != nil {
			return track.out, err
		}
		trial, err := s.runTrial(ctx, st, obj, rng, history, track)
		if err != nil {
			return track.out, err
		}
		history = append(history, trial)
	}
	return track.out, nil
}

func (s *studyDriver) runTrial(ctx context.Context, st *study.Storage, obj objective.Objective,
	rng *rand.Rand, history []study.Trial, track *tracker) (study.Trial, error) {
	num, err := st.CreateTrial(ctx)
	if err != nil {
		return study.Trial{}, err
	}
	cfg := s.sampler.Sample(rng, s.deps.Space, history)
	if err := st.SetParams(ctx, num, cfg); err != nil {
		return study.Trial{}, err
	}

	rec := study.Trial{Number: num, Params: cfg, Intermediate: map[int]float64{}}
	reporter := trainer.ReporterFunc(func(epoch int, loss float64) error {
		if err := st.Report(ctx, num, epoch, loss); err != nil {
			return err
		}
		rec.Intermediate[epoch] = loss
		if s.pruner.Prune(history, epoch, rec.Intermediate) {
			return fmt.Errorf("epoch %d: %w", epoch, ErrTrialPruned)
		}
		return nil
	})

	res, err := obj.Evaluate(ctx, objective.Candidate{Trial: num, Config: cfg, Reporter: reporter})
	switch {
	case err == nil:
		rec.State = study.Complete
		rec.Value = &res.Loss
		track.complete(num, cfg, res.Cost, res.Loss)
	case errors.Is(err, ErrTrialPruned):
		rec.State = study.Pruned
		if step := rec.LastStep(); step > 0 {
			v := rec.Intermediate[step]
			rec.Value = &v
		}
		track.pruned(num, float64(rec.LastStep()), rec.Value)
	default:
		rec.State = study.Fail
		track.failed(num, float64(rec.LastStep()), err)
		if ferr := st.Finish(ctx, num, study.Fail, nil); ferr != nil {
			s.deps.Logger.Warn("marking trial failed", "trial", num, "err", ferr)
		}
		return rec, wrap(s.name, num, err)
	}
	if err := st.Finish(ctx, num, rec.State, rec.Value); err != nil {
		return rec, err
	}
	return rec, nil
}
