// Package objective adapts optimizer candidates into trainer calls.
//
// Every backend hands the adapter a Candidate: a configuration of tunable
// values and, for multi-fidelity backends, a fidelity. The adapter builds
// the full parameter set (fixed values, then tunable values, then the
// fidelity-derived epochs), runs the trainer under the repeat's training
// logger and returns the loss in the shape the backend expects.
package objective

import (
	"context"
	"math"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/params"
	"github.com/signalnine/hporun/internal/space"
	"github.com/signalnine/hporun/internal/trainer"
	"github.com/signalnine/hporun/internal/trainlog"
)

// FidelityPolicy decides how a backend fidelity becomes an epoch count.
type FidelityPolicy int

const (
	// NoFidelity keeps the fixed epochs.
	NoFidelity FidelityPolicy = iota
	// Truncate uses int(fidelity). SMAC multi-fidelity budgets.
	Truncate
	// FloorAtLeastOne uses int(fidelity) when fidelity > 1, else 1. DEHB.
	FloorAtLeastOne
)

// Epochs converts a fidelity under the policy. ok is false for NoFidelity.
func (p FidelityPolicy) Epochs(fidelity float64) (epochs int, ok bool) {
	switch p {
	case Truncate:
		return int(fidelity), true
	case FloorAtLeastOne:
		if fidelity > 1 {
			return int(fidelity), true
		}
		return 1, true
	default:
		return 0, false
	}
}

type Candidate struct {
	Trial    int
	Config   space.Configuration
	Fidelity float64
	// Reporter, when set, also sees every epoch after the budget has been
	// charged. Pruners hook in here.
	Reporter trainer.Reporter
}

type Result struct {
	Loss float64
	Cost float64
	Info map[string]any
}

// DEHBResult is the result shape of the DEHB driver.
type DEHBResult struct {
	Fitness float64        `json:"fitness"`
	Cost    float64        `json:"cost"`
	Info    map[string]any `json:"info"`
}

// DEHB reshapes r, reporting the fidelity as cost.
func (r Result) DEHB(fidelity float64) DEHBResult {
	info := r.Info
	if info == nil {
		info = map[string]any{}
	}
	return DEHBResult{Fitness: r.Loss, Cost: fidelity, Info: info}
}

// Objective evaluates candidates.
type Objective interface {
	Evaluate(ctx context.Context, c Candidate) (Result, error)
}

// Adapter is the Objective shared by every backend. Each backend binds its
// fidelity policy with For.
type Adapter struct {
	fixed   params.Set
	trainer trainer.Trainer
	logger  *trainlog.Logger
}

func New(fixed []config.FixedParam, t trainer.Trainer, l *trainlog.Logger) *Adapter {
	return &Adapter{fixed: params.FromFixed(fixed), trainer: t, logger: l}
}

// Assemble builds the parameter set for c: fixed, then tunable, then epochs
// from the fidelity.
func (a *Adapter) Assemble(c Candidate, policy FidelityPolicy) params.Set {
	p := a.fixed.Clone().Merge(c.Config)
	if epochs, ok := policy.Epochs(c.Fidelity); ok {
		p[config.EpochsParam] = epochs
	}
	return p
}

// Evaluate runs one trial. Errors from the trainer, including budget and
// pruning errors raised by reporters, are returned unchanged.
func (a *Adapter) Evaluate(ctx context.Context, c Candidate, policy FidelityPolicy) (Result, error) {
	p := a.Assemble(c, policy)
	if err := a.logger.StartTrial(c.Trial, p); err != nil {
		return Result{}, err
	}
	loss, err := a.trainer.Train(ctx, p, chain{a.logger, c.Reporter})
	if err := a.logger.EndTrial(loss, err); err != nil {
		return Result{Loss: loss}, err
	}
	if math.IsNaN(loss) {
		loss = math.Inf(1)
	}
	epochs, _ := p.Int(config.EpochsParam)
	return Result{Loss: loss, Cost: float64(epochs), Info: map[string]any{}}, nil
}

// For binds a fidelity policy, yielding an Objective.
func (a *Adapter) For(policy FidelityPolicy) Objective {
	return bound{a: a, policy: policy}
}

type bound struct {
	a      *Adapter
	policy FidelityPolicy
}

func (b bound) Evaluate(ctx context.Context, c Candidate) (Result, error) {
	return b.a.Evaluate(ctx, c, b.policy)
}

type chain struct {
	first, second trainer.Reporter
}

func (c chain) ReportEpoch(epoch int, loss float64) error {
	if err := c.first.ReportEpoch(epoch, loss); err != nil {
		return err
	}
	if c.second != nil {
		return c.second.ReportEpoch(epoch, loss)
	}
	return nil
}
