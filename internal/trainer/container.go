package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/signalnine/hporun/internal/docker"
	"github.com/signalnine/hporun/internal/params"
)

// ContainerResult is what a containerised trainer writes to
// /trial/result.json before exiting.
type ContainerResult struct {
	Loss   *float64  `json:"loss"`
	Epochs []float64 `json:"epochs"`
}

// Container runs each trial in a Docker container. The trial directory is
// mounted at /trial with params.json inside; the dataset, when present, is
// mounted read-only at /data. Per-epoch losses are replayed to the reporter
// after the container exits.
type Container struct {
	Image       string
	Command     []string
	Env         map[string]string
	WorkDir     string
	Timeout     time.Duration
	Seed        int64
	Data        *Dataset
	CPULimit    float64
	MemoryLimit int64
	Logger      *slog.Logger

	run func(context.Context, *docker.RunOpts) (*docker.RunResult, error)
}

func (c *Container) Train(ctx context.Context, p params.Set, r Reporter) (float64, error) {
	epochs, err := epochsOf(p)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating trial root: %w", err)
	}
	trialDir, err := os.MkdirTemp(c.WorkDir, "trial-")
	if err != nil {
		return 0, fmt.Errorf("creating trial dir: %w", err)
	}
	trialDir, err = filepath.Abs(trialDir)
	if err != nil {
		return 0, fmt.Errorf("resolving trial dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshaling params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(trialDir, "params.json"), data, 0o644); err != nil {
		return 0, fmt.Errorf("writing params: %w", err)
	}

	env := map[string]string{
		"HPORUN_EPOCHS": strconv.Itoa(epochs),
		"HPORUN_SEED":   strconv.FormatInt(c.Seed, 10),
		"HPORUN_PARAMS": "/trial/params.json",
		"HPORUN_RESULT": "/trial/result.json",
	}
	for k, v := range c.Env {
		env[k] = v
	}
	mounts := []docker.Mount{{Source: trialDir, Target: "/trial"}}
	if c.Data != nil && c.Data.Dir != "" {
		mounts = append(mounts, docker.Mount{Source: c.Data.Dir, Target: "/data", ReadOnly: true})
		env["HPORUN_DATA_DIR"] = "/data"
		env["HPORUN_DATA_NAME"] = c.Data.Name
	}

	run := c.run
	if run == nil {
		run = docker.RunContainer
	}
	res, err := run(ctx, &docker.RunOpts{
		Image:       c.Image,
		Command:     c.Command,
		Env:         env,
		Mounts:      mounts,
		Timeout:     c.Timeout,
		CPULimit:    c.CPULimit,
		MemoryLimit: c.MemoryLimit,
		Labels:      map[string]string{"hporun.trial": filepath.Base(trialDir)},
		Logger:      c.logger(),
	})
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 || res.TimedOut {
		return 0, fmt.Errorf("trainer container %s (exit %d): %s",
			docker.ExitReason(res.ExitCode, res.TimedOut), res.ExitCode, res.Logs)
	}
	c.logger().Debug("trainer container finished", "dir", trialDir, "duration", res.Duration)

	raw, err := os.ReadFile(filepath.Join(trialDir, "result.json"))
	if err != nil {
		return 0, fmt.Errorf("reading trainer result: %w", err)
	}
	var out ContainerResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("parsing trainer result: %w", err)
	}

	var last float64
	for i, loss := range out.Epochs {
		last = loss
		if r != nil {
			if err := r.ReportEpoch(i+1, loss); err != nil {
				return loss, err
			}
		}
	}
	if out.Loss != nil {
		return *out.Loss, nil
	}
	if len(out.Epochs) == 0 {
		return 0, ErrNoLoss
	}
	return last, nil
}

func (c *Container) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
