// Package optimizer holds the backend drivers. A driver owns the trial loop
// of one repeat: it proposes configurations, evaluates them through the
// objective adapter and keeps its own artifacts under the experiment's
// outputs directory.
//
// Drivers never swallow budget errors. When the guard trips, the driver
// stops, returns what it has so far and the error wrapped with %w.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/signalnine/hporun/internal/budget"
	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/experiment"
	"github.com/signalnine/hporun/internal/objective"
	"github.com/signalnine/hporun/internal/progress"
	"github.com/signalnine/hporun/internal/space"
)

var (
	ErrNotImplemented = errors.New("optimizer not implemented")
	ErrTrialPruned    = errors.New("trial pruned")
)

// DefaultDEHBFevalsFactor scales the DEHB evaluation count:
// fevals = factor * total budget / epochs.
const DefaultDEHBFevalsFactor = 3.0

// Deps is everything a driver needs for one repeat.
type Deps struct {
	Config    *config.Config
	Run       *experiment.RunContext
	Repeat    int
	Space     *space.Space
	Objective *objective.Adapter
	Guard     *budget.Guard
	Logger    *slog.Logger
	Publisher progress.Publisher
}

// Incumbent is the best configuration a driver found.
type Incumbent struct {
	Trial    int                 `json:"trial"`
	Config   space.Configuration `json:"config"`
	Loss     float64             `json:"loss"`
	Fidelity float64             `json:"fidelity,omitempty"`
}

// Outcome summarizes a repeat from the driver's side.
type Outcome struct {
	Trials int
	Pruned int
	Best   *Incumbent
}

type Driver interface {
	Name() string
	Run(ctx context.Context) (Outcome, error)
}

// Check reports whether name can be run.
func Check(name string) error {
	switch name {
	case config.Optuna, config.RandomSearch, config.SMAC, config.SMACMultifidelity, config.DEHB:
		return nil
	case config.DyHPO:
		return fmt.Errorf("%s: %w", name, ErrNotImplemented)
	default:
		return fmt.Errorf("%q: %w", name, config.ErrUnknownOptimizer)
	}
}

// New builds the driver named by the configuration.
func New(deps Deps) (Driver, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = progress.Discard
	}
	name := deps.Config.HPOptimizer.Name
	if err := Check(name); err != nil {
		return nil, err
	}
	deps.Logger = deps.Logger.With("optimizer", name, "repeat", deps.Repeat)

	switch name {
	case config.Optuna:
		return newOptuna(deps), nil
	case config.RandomSearch:
		return newRandomSearch(deps), nil
	case config.SMAC:
		return newSMAC(deps), nil
	case config.SMACMultifidelity:
		return newSMACMultifidelity(deps), nil
	default:
		return newDEHB(deps), nil
	}
}

// rng is seeded from the run seed and the repeat index so repeats explore
// different configurations but reruns are reproducible.
func (d *Deps) rng() *rand.Rand {
	return rand.New(rand.NewSource(d.Run.Seed + int64(d.Repeat)))
}

// wrap attaches the driver context to an error leaving the trial loop.
func wrap(name string, trial int, err error) error {
	return fmt.Errorf("%s trial %d: %w", name, trial, err)
}
