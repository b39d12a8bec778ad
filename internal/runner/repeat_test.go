package runner_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/experiment"
	"github.com/signalnine/hporun/internal/logging"
	"github.com/signalnine/hporun/internal/optimizer"
	"github.com/signalnine/hporun/internal/params"
	"github.com/signalnine/hporun/internal/result"
	"github.com/signalnine/hporun/internal/runner"
	"github.com/signalnine/hporun/internal/space"
	"github.com/signalnine/hporun/internal/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repeatConfig = `
tunable_params:
  - {name: lr, type: float, low: 0.001, high: 0.1, log: true}
  - {name: layers, type: %s, low: 1, high: 4}
fixed_params:
  - {name: epochs, value: 1}
hp_optimizer:
  name: %s
  budget: 3
  hpo_repeats: 2
wall_time: 10
`

type countingTrainer struct {
	inner trainer.Trainer
	calls atomic.Int32
}

func (c *countingTrainer) Train(ctx context.Context, p params.Set, r trainer.Reporter) (float64, error) {
	c.calls.Add(1)
	return c.inner.Train(ctx, p, r)
}

type failingTrainer struct{}

func (failingTrainer) Train(context.Context, params.Set, trainer.Reporter) (float64, error) {
	return 0, errors.New("out of memory")
}

func setup(t *testing.T, name, layersType string, tr trainer.Trainer) runner.Options {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(repeatConfig, layersType, name)))
	require.NoError(t, err)
	return runner.Options{
		Run:     experiment.New(t.TempDir(), "exp", 7),
		Config:  cfg,
		Trainer: tr,
		Logger:  logging.Discard(),
	}
}

func TestRunBudgetExceededMovesToNextRepeat(t *testing.T) {
	tr := &countingTrainer{inner: &trainer.Synthetic{Seed: 7}}
	opts := setup(t, config.RandomSearch, "int", tr)

	summary, err := runner.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, summary.Repeats, 2)
	assert.Equal(t, config.RandomSearch, summary.Optimizer)
	assert.EqualValues(t, 6, tr.calls.Load())

	for k, meta := range summary.Repeats {
		assert.Equal(t, k, meta.Repeat)
		assert.Equal(t, result.StatusBudgetExceeded, meta.Status)
		assert.Equal(t, "cost", meta.Reason)
		assert.Equal(t, 3, meta.Trials)
		assert.Equal(t, 3.0, meta.Consumed)
		assert.Equal(t, 3.0, meta.Budget)
		assert.NotEmpty(t, meta.RunID)
		assert.NotNil(t, meta.BestLoss)
	}
	assert.NotEqual(t, summary.Repeats[0].RunID, summary.Repeats[1].RunID)
	assert.GreaterOrEqual(t, summary.Elapsed, time.Duration(0))
	assert.False(t, opts.Run.StartTime.After(summary.Repeats[0].StartedAt), "repeats start after the run context")

	metas, err := result.ListRepeatMetas(opts.Run.RepeatsDir())
	require.NoError(t, err)
	assert.Len(t, metas, 2)

	target, err := os.Readlink(filepath.Join(opts.Run.RepeatsDir(), "latest"))
	require.NoError(t, err)
	assert.Equal(t, "repeat-1", filepath.Base(target))

	_, err = os.Stat(filepath.Join(opts.Run.RepeatDir(0), runner.TrialLogFile))
	assert.NoError(t, err)
}

func TestRunUnknownOptimizerFailsBeforeTraining(t *testing.T) {
	tr := &countingTrainer{inner: &trainer.Synthetic{}}
	opts := setup(t, config.SMAC, "int", tr)
	opts.Config.HPOptimizer.Name = "Foo"

	_, err := runner.Run(context.Background(), opts)
	assert.ErrorIs(t, err, config.ErrUnknownOptimizer)
	assert.Zero(t, tr.calls.Load())
	_, statErr := os.Stat(opts.Run.OutputDir())
	assert.True(t, os.IsNotExist(statErr), "nothing is written for an invalid run")
}

func TestRunDyHPONotImplemented(t *testing.T) {
	tr := &countingTrainer{inner: &trainer.Synthetic{}}
	_, err := runner.Run(context.Background(), setup(t, config.DyHPO, "int", tr))
	assert.ErrorIs(t, err, optimizer.ErrNotImplemented)
	assert.Zero(t, tr.calls.Load())
}

func TestRunUnsupportedParamType(t *testing.T) {
	tr := &countingTrainer{inner: &trainer.Synthetic{}}
	_, err := runner.Run(context.Background(), setup(t, config.Optuna, "bool", tr))
	assert.ErrorIs(t, err, space.ErrUnsupportedParamType)
	assert.Zero(t, tr.calls.Load())
}

func TestRunTrainerFailureEndsRun(t *testing.T) {
	opts := setup(t, config.SMAC, "int", failingTrainer{})

	summary, err := runner.Run(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
	require.Len(t, summary.Repeats, 1, "the second repeat never starts")
	assert.Equal(t, result.StatusFailed, summary.Repeats[0].Status)
	assert.Contains(t, summary.Repeats[0].Error, "out of memory")

	meta, err := result.ReadRepeatMeta(filepath.Join(opts.Run.RepeatDir(0), result.MetaFile))
	require.NoError(t, err)
	assert.Equal(t, result.StatusFailed, meta.Status)
}

func TestValidate(t *testing.T) {
	opts := setup(t, config.DEHB, "int", &trainer.Synthetic{})
	sp, err := runner.Validate(opts.Config)
	require.NoError(t, err)
	assert.Equal(t, []string{"lr", "layers"}, sp.Names())
}
