package trainlog_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/hporun/internal/budget"
	"github.com/signalnine/hporun/internal/params"
	"github.com/signalnine/hporun/internal/trainlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochsChargeTheGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repeat-0", "trials.jsonl")
	guard := budget.NewGuard(3, 0)
	l, err := trainlog.New(path, guard, nil)
	require.NoError(t, err)

	require.NoError(t, l.StartTrial(0, params.Set{"epochs": 2, "lr": 0.1}))
	require.NoError(t, l.ReportEpoch(1, 0.9))
	require.NoError(t, l.ReportEpoch(2, 0.7))
	require.NoError(t, l.EndTrial(0.7, nil))

	require.NoError(t, l.StartTrial(1, params.Set{"epochs": 2, "lr": 0.2}))
	err = l.ReportEpoch(1, 0.8)
	assert.ErrorIs(t, err, budget.ErrExceeded)
	assert.ErrorIs(t, l.EndTrial(0.8, err), budget.ErrExceeded)
	require.NoError(t, l.Close())

	assert.Equal(t, 3.0, guard.Consumed())
	assert.Equal(t, 2, l.Trials())

	recs := readRecords(t, path)
	events := make([]string, len(recs))
	for i, r := range recs {
		events[i] = r.Event
	}
	assert.Equal(t, []string{"trial_start", "epoch", "epoch", "trial_end", "trial_start", "epoch", "trial_end"}, events)
	last := recs[len(recs)-1]
	assert.Contains(t, last.Error, "budget exceeded")
	assert.Equal(t, 0.8, *last.Loss)
	assert.Equal(t, 3.0, last.Consumed)
}

func TestEndTrialChargesUnreportedEpochs(t *testing.T) {
	guard := budget.NewGuard(10, 0)
	l, err := trainlog.New("", guard, nil)
	require.NoError(t, err)

	require.NoError(t, l.StartTrial(0, params.Set{"epochs": 4}))
	require.NoError(t, l.EndTrial(0.5, nil))
	assert.Equal(t, 4.0, guard.Consumed())

	require.NoError(t, l.StartTrial(1, params.Set{"epochs": 6}))
	assert.ErrorIs(t, l.EndTrial(0.4, nil), budget.ErrExceeded)
}

func TestFailedTrialIsNotCharged(t *testing.T) {
	guard := budget.NewGuard(10, 0)
	l, err := trainlog.New("", guard, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, l.StartTrial(0, params.Set{"epochs": 4}))
	assert.Same(t, boom, l.EndTrial(0, boom))
	assert.Equal(t, 0.0, guard.Consumed())
}

func TestStartTrialAfterTrip(t *testing.T) {
	guard := budget.NewGuard(1, 0)
	require.Error(t, guard.Charge(1))

	l, err := trainlog.New("", guard, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, l.StartTrial(0, params.Set{"epochs": 1}), budget.ErrExceeded)
	assert.Equal(t, 0, l.Trials())
}

func readRecords(t *testing.T, path string) []trainlog.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []trainlog.Record
	dec := json.NewDecoder(f)
	for dec.More() {
		var r trainlog.Record
		require.NoError(t, dec.Decode(&r))
		out = append(out, r)
	}
	return out
}
