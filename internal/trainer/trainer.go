// Package trainer runs one training job for a parameter set and returns its
// validation loss.
package trainer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/params"
)

// Reporter receives the loss after every epoch. A non-nil error stops the
// job, and Train returns that error unchanged.
type Reporter interface {
	ReportEpoch(epoch int, loss float64) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(epoch int, loss float64) error

func (f ReporterFunc) ReportEpoch(epoch int, loss float64) error { return f(epoch, loss) }

// Trainer trains a model with p and returns the final loss. Lower is better.
type Trainer interface {
	Train(ctx context.Context, p params.Set, r Reporter) (float64, error)
}

// Options carries what every trainer kind may need besides its config.
type Options struct {
	Seed    int64
	Data    *Dataset
	WorkDir string
	Logger  *slog.Logger
}

// New builds the trainer selected by cfg.Kind.
func New(cfg config.Trainer, opts Options) (Trainer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch cfg.Kind {
	case config.TrainerSynthetic, "":
		return &Synthetic{Seed: opts.Seed, Noise: cfg.Noise, EpochDelay: cfg.EpochDelay}, nil
	case config.TrainerCommand:
		env, err := buildEnv(cfg)
		if err != nil {
			return nil, err
		}
		return &Command{
			Argv:    cfg.Command,
			Env:     env,
			Dir:     opts.WorkDir,
			Timeout: cfg.Timeout,
			Seed:    opts.Seed,
			Data:    opts.Data,
			Logger:  opts.Logger,
		}, nil
	case config.TrainerContainer:
		env, err := buildEnv(cfg)
		if err != nil {
			return nil, err
		}
		return &Container{
			Image:       cfg.Image,
			Command:     cfg.Command,
			Env:         env,
			WorkDir:     opts.WorkDir,
			Timeout:     cfg.Timeout,
			Seed:        opts.Seed,
			Data:        opts.Data,
			CPULimit:    cfg.CPULimit,
			MemoryLimit: cfg.MemoryMB * 1024 * 1024,
			Logger:      opts.Logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown trainer kind %q", cfg.Kind)
	}
}

func buildEnv(cfg config.Trainer) (map[string]string, error) {
	env := make(map[string]string)
	if cfg.EnvFile != "" {
		vars, err := ParseEnvFile(cfg.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("reading trainer env file: %w", err)
		}
		for k, v := range vars {
			env[k] = v
		}
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	return env, nil
}

func epochsOf(p params.Set) (int, error) {
	n, ok := p.Int(config.EpochsParam)
	if !ok || n < 1 {
		return 0, fmt.Errorf("parameter %q missing or not a positive integer", config.EpochsParam)
	}
	return n, nil
}
