package budget_test

import (
	"errors"
	"testing"
	"time"

	"github.com/signalnine/hporun/internal/budget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestChargeTripsAtFirstPrefixSum(t *testing.T) {
	tests := []struct {
		name    string
		limit   float64
		costs   []float64
		tripIdx int
	}{
		{"exact hit", 3, []float64{1, 1, 1, 1}, 2},
		{"overshoot", 5, []float64{2, 2, 2, 2}, 2},
		{"first charge", 1, []float64{4, 1}, 0},
		{"never", 10, []float64{1, 2, 3}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := budget.NewGuard(tt.limit, 0)
			tripped := -1
			for i, c := range tt.costs {
				if err := g.Charge(c); err != nil {
					tripped = i
					break
				}
			}
			assert.Equal(t, tt.tripIdx, tripped)
			if tt.tripIdx >= 0 {
				assert.Equal(t, budget.Exceeded, g.State())
			} else {
				assert.Equal(t, budget.Accumulating, g.State())
			}
		})
	}
}

func TestExceededIsTerminalAndIdempotent(t *testing.T) {
	g := budget.NewGuard(2, 0)
	require.NoError(t, g.Charge(1))
	first := g.Charge(1)
	require.Error(t, first)

	consumed := g.Consumed()
	for i := 0; i < 3; i++ {
		err := g.Charge(5)
		assert.Same(t, first, err)
		assert.Same(t, first, g.Check())
	}
	assert.Equal(t, consumed, g.Consumed(), "no accumulation after EXCEEDED")
	assert.Equal(t, 0.0, g.Remaining())
}

func TestErrorClassification(t *testing.T) {
	g := budget.NewGuard(1, 0)
	err := g.Charge(1)

	assert.ErrorIs(t, err, budget.ErrExceeded)
	var ex *budget.ExceededError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, budget.ReasonCost, ex.Reason)
	assert.Equal(t, 1.0, ex.Consumed)
	assert.Contains(t, ex.Error(), "consumed 1 of 1")
	assert.Same(t, err, g.Err())
}

func TestWallTime(t *testing.T) {
	clock := newClock()
	g := budget.NewGuard(100, time.Minute, budget.WithClock(clock.Now))

	require.NoError(t, g.Check())
	clock.Advance(59 * time.Second)
	require.NoError(t, g.Charge(1))

	clock.Advance(time.Second)
	err := g.Check()
	require.Error(t, err)
	var ex *budget.ExceededError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, budget.ReasonWallTime, ex.Reason)
	assert.Equal(t, time.Minute, ex.Elapsed)
	assert.Contains(t, ex.Error(), "wall time")
}

func TestWallTimeOnCharge(t *testing.T) {
	clock := newClock()
	start := clock.Now().Add(-2 * time.Minute)
	g := budget.NewGuard(100, time.Minute, budget.WithClock(clock.Now), budget.WithStart(start))

	err := g.Charge(1)
	assert.ErrorIs(t, err, budget.ErrExceeded)
	assert.Equal(t, 1.0, g.Consumed())
}

func TestAccumulatingHasNoError(t *testing.T) {
	g := budget.NewGuard(10, time.Hour)
	assert.NoError(t, g.Err())
	assert.Equal(t, 10.0, g.Limit())
	assert.Equal(t, "ACCUMULATING", g.State().String())
}
