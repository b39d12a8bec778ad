// Package runner is the repeat controller: it validates the experiment,
// then runs hpo_repeats repeats strictly in sequence, each with a fresh
// budget guard and training logger.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/hporun/internal/budget"
	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/experiment"
	"github.com/signalnine/hporun/internal/objective"
	"github.com/signalnine/hporun/internal/optimizer"
	"github.com/signalnine/hporun/internal/progress"
	"github.com/signalnine/hporun/internal/result"
	"github.com/signalnine/hporun/internal/space"
	"github.com/signalnine/hporun/internal/trainer"
	"github.com/signalnine/hporun/internal/trainlog"
)

// TrialLogFile is the per-repeat trial log under the repeat directory.
const TrialLogFile = "trials.jsonl"

type Options struct {
	Run       *experiment.RunContext
	Config    *config.Config
	Trainer   trainer.Trainer
	Logger    *slog.Logger
	Publisher progress.Publisher
}

// Summary lists the metadata of every repeat that ran.
type Summary struct {
	Experiment string
	Optimizer  string
	Repeats    []*result.RepeatMeta
	Elapsed    time.Duration // since the run context was created
}

// Validate runs every check that must pass before the first trial: the
// optimizer name and the search space.
func Validate(cfg *config.Config) (*space.Space, error) {
	if err := optimizer.Check(cfg.HPOptimizer.Name); err != nil {
		return nil, err
	}
	sp, err := space.Build(cfg.TunableParams)
	if err != nil {
		return nil, fmt.Errorf("building search space: %w", err)
	}
	return sp, nil
}

// Run executes every repeat. A repeat cut off by the budget is logged and
// the next one starts; any other error ends the run.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = progress.Discard
	}
	cfg := opts.Config
	sp, err := Validate(cfg)
	if err != nil {
		return nil, err
	}
	if err := opts.Run.EnsureOutputDir(); err != nil {
		return nil, err
	}

	summary := &Summary{Experiment: opts.Run.Experiment, Optimizer: cfg.HPOptimizer.Name}
	log := opts.Logger.With("experiment", opts.Run.Experiment, "optimizer", cfg.HPOptimizer.Name)
	log.Info("starting experiment",
		"repeats", cfg.HPOptimizer.HPORepeats,
		"budget", cfg.TotalBudget(),
		"wall_time", cfg.MaxTime(),
		"params", sp.Names(),
	)

	for k := 0; k < cfg.HPOptimizer.HPORepeats; k++ {
		meta, err := runRepeat(ctx, opts, sp, k, log)
		if meta != nil {
			summary.Repeats = append(summary.Repeats, meta)
		}
		summary.Elapsed = time.Since(opts.Run.StartTime)
		if err != nil {
			return summary, err
		}
	}
	log.Info("experiment finished", "repeats", len(summary.Repeats), "elapsed", summary.Elapsed.Round(time.Millisecond))
	return summary, nil
}

func runRepeat(ctx context.Context, opts Options, sp *space.Space, k int, parent *slog.Logger) (*result.RepeatMeta, error) {
	cfg := opts.Config
	runID := uuid.NewString()
	log := parent.With("repeat", k, "run_id", runID)
	dir := opts.Run.RepeatDir(k)

	guard := budget.NewGuard(cfg.TotalBudget(), cfg.MaxTime())
	tl, err := trainlog.New(filepath.Join(dir, TrialLogFile), guard, log)
	if err != nil {
		return nil, err
	}
	defer tl.Close()

	drv, err := optimizer.New(optimizer.Deps{
		Config:    cfg,
		Run:       opts.Run,
		Repeat:    k,
		Space:     sp,
		Objective: objective.New(cfg.FixedParams, opts.Trainer, tl),
		Guard:     guard,
		Logger:    log,
		Publisher: opts.Publisher,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	log.Info("repeat started")
	out, runErr := drv.Run(ctx)

	meta := &result.RepeatMeta{
		Experiment: opts.Run.Experiment,
		Optimizer:  drv.Name(),
		Repeat:     k,
		RunID:      runID,
		Seed:       opts.Run.Seed,
		Status:     result.StatusCompleted,
		StartedAt:  start.UTC(),
		DurationS:  time.Since(start).Seconds(),
		Trials:     out.Trials,
		Pruned:     out.Pruned,
		Consumed:   guard.Consumed(),
		Budget:     guard.Limit(),
	}
	if out.Best != nil {
		loss := out.Best.Loss
		meta.BestLoss = &loss
		meta.BestParams = out.Best.Config
		meta.BestFidelity = out.Best.Fidelity
	}

	var exceeded *budget.ExceededError
	switch {
	case runErr == nil:
		log.Info("repeat finished", "trials", out.Trials, "consumed", meta.Consumed, "best_loss", bestLoss(out))
	case errors.As(runErr, &exceeded):
		meta.Status = result.StatusBudgetExceeded
		meta.Reason = string(exceeded.Reason)
		log.Warn("budget exceeded", "err", runErr, "trials", out.Trials, "best_loss", bestLoss(out))
		runErr = nil
	default:
		meta.Status = result.StatusFailed
		meta.Error = runErr.Error()
		log.Error("repeat failed", "err", runErr)
	}

	if err := result.WriteRepeatMeta(dir, meta); err != nil {
		return meta, err
	}
	if err := result.LinkLatest(opts.Run.RepeatsDir(), dir); err != nil {
		log.Warn("linking latest repeat", "err", err)
	}
	opts.Publisher.Publish(progress.Update{
		Experiment: meta.Experiment,
		Optimizer:  meta.Optimizer,
		Repeat:     k,
		Trial:      meta.Trials,
		State:      progress.StateRepeatEnd,
		BestLoss:   meta.BestLoss,
		Consumed:   meta.Consumed,
		Budget:     meta.Budget,
	})

	if runErr != nil {
		return meta, fmt.Errorf("repeat %d: %w", k, runErr)
	}
	return meta, nil
}

func bestLoss(out optimizer.Outcome) any {
	if out.Best == nil {
		return "none"
	}
	return out.Best.Loss
}
