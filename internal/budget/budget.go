// Package budget tracks the cost and wall time a single repeat may spend.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExceeded matches every error returned once a Guard has tripped.
var ErrExceeded = errors.New("budget exceeded")

type Reason string

const (
	ReasonCost     Reason = "cost"
	ReasonWallTime Reason = "wall_time"
)

// ExceededError describes why and when a Guard tripped.
type ExceededError struct {
	Reason   Reason
	Consumed float64
	Limit    float64
	Elapsed  time.Duration
	MaxTime  time.Duration
}

func (e *ExceededError) Error() string {
	if e.Reason == ReasonWallTime {
		return fmt.Sprintf("budget exceeded: wall time %s reached limit %s (consumed %g of %g)",
			e.Elapsed.Round(time.Millisecond), e.MaxTime, e.Consumed, e.Limit)
	}
	return fmt.Sprintf("budget exceeded: consumed %g of %g after %s",
		e.Consumed, e.Limit, e.Elapsed.Round(time.Millisecond))
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}

type State int

const (
	Accumulating State = iota
	Exceeded
)

func (s State) String() string {
	if s == Exceeded {
		return "EXCEEDED"
	}
	return "ACCUMULATING"
}

// Guard accumulates cost against a limit and watches a deadline. Once it
// trips it stays tripped and returns the same error from every call.
type Guard struct {
	mu       sync.Mutex
	limit    float64
	maxTime  time.Duration
	start    time.Time
	now      func() time.Time
	consumed float64
	state    State
	err      *ExceededError
}

type Option func(*Guard)

// WithClock replaces time.Now. The start time is read from it.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithStart measures wall time from t instead of construction time.
func WithStart(t time.Time) Option {
	return func(g *Guard) { g.start = t }
}

// NewGuard creates a guard allowing limit cost units and maxTime of wall
// time. A zero maxTime disables the time check.
func NewGuard(limit float64, maxTime time.Duration, opts ...Option) *Guard {
	g := &Guard{limit: limit, maxTime: maxTime, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	if g.start.IsZero() {
		g.start = g.now()
	}
	return g
}

// Charge adds cost and trips the guard when the total reaches the limit or
// the deadline has passed.
func (g *Guard) Charge(cost float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Exceeded {
		return g.err
	}
	g.consumed += cost
	if g.consumed >= g.limit {
		return g.trip(ReasonCost)
	}
	return g.checkTime()
}

// Check trips the guard if the deadline has passed without charging cost.
func (g *Guard) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Exceeded {
		return g.err
	}
	return g.checkTime()
}

func (g *Guard) checkTime() error {
	if g.maxTime > 0 && g.now().Sub(g.start) >= g.maxTime {
		return g.trip(ReasonWallTime)
	}
	return nil
}

func (g *Guard) trip(reason Reason) error {
	g.state = Exceeded
	g.err = &ExceededError{
		Reason:   reason,
		Consumed: g.consumed,
		Limit:    g.limit,
		Elapsed:  g.now().Sub(g.start),
		MaxTime:  g.maxTime,
	}
	return g.err
}

func (g *Guard) Consumed() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumed
}

func (g *Guard) Limit() float64 { return g.limit }

func (g *Guard) Remaining() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return max(g.limit-g.consumed, 0)
}

func (g *Guard) Elapsed() time.Duration {
	return g.now().Sub(g.start)
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err returns the trip error, or nil while accumulating.
func (g *Guard) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		return nil
	}
	return g.err
}
