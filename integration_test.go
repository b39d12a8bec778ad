//go:build integration

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/experiment"
	"github.com/signalnine/hporun/internal/logging"
	"github.com/signalnine/hporun/internal/result"
	"github.com/signalnine/hporun/internal/runner"
	"github.com/signalnine/hporun/internal/trainer"
)

const integrationConfig = `
tunable_params:
  - {name: lr, type: float, low: 0.0001, high: 0.1, log: true}
  - {name: act, type: categorical, choices: [relu, tanh]}
fixed_params:
  - {name: epochs, value: 3}
hp_optimizer:
  name: %s
  budget: 4
  hpo_repeats: 1
wall_time: 5
trainer:
  kind: %s
  command: %s
  image: %q
  timeout: 1m
`

// runExperiment writes a config and runs it through the repeat controller.
func runExperiment(t *testing.T, optimizer, kind, command, image string) []*result.RepeatMeta {
	t.Helper()
	root := t.TempDir()
	rc := experiment.New(root, "integration", 42)
	if err := os.MkdirAll(rc.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := fmt.Sprintf(integrationConfig, optimizer, kind, command, image)
	if err := os.WriteFile(rc.ConfigPath(), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(rc.ConfigPath())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tr, err := trainer.New(cfg.Trainer, trainer.Options{Seed: rc.Seed, WorkDir: rc.OutputDir(), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("trainer.New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	summary, err := runner.Run(ctx, runner.Options{Run: rc, Config: cfg, Trainer: tr, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return summary.Repeats
}

func TestCommandTrainerIntegration(t *testing.T) {
	if os.Getenv("HPORUN_INTEGRATION") == "" {
		t.Skip("set HPORUN_INTEGRATION=1 to run integration tests")
	}
	bin := filepath.Join(t.TempDir(), "toytrain")
	if out, err := exec.Command("go", "build", "-o", bin, "./adapters/toytrain").CombinedOutput(); err != nil {
		t.Fatalf("building toytrain: %v\n%s", err, out)
	}

	for _, name := range []string{config.Optuna, config.SMACMultifidelity, config.DEHB} {
		t.Run(name, func(t *testing.T) {
			metas := runExperiment(t, name, config.TrainerCommand, fmt.Sprintf("[%q]", bin), "")
			if len(metas) != 1 {
				t.Fatalf("got %d repeats, want 1", len(metas))
			}
			m := metas[0]
			if m.Status == result.StatusFailed {
				t.Fatalf("repeat failed: %s", m.Error)
			}
			if m.BestLoss == nil {
				t.Error("no best loss recorded")
			}
			if m.Consumed > m.Budget {
				t.Errorf("consumed %g over budget %g", m.Consumed, m.Budget)
			}
		})
	}
}

func TestContainerTrainerIntegration(t *testing.T) {
	if os.Getenv("HPORUN_DOCKER_TESTS") == "" {
		t.Skip("set HPORUN_DOCKER_TESTS=1 to run Docker integration tests")
	}
	script := `["sh", "-c", "echo '{\"loss\":0.5,\"epochs\":[0.9,0.7,0.5]}' > /trial/result.json"]`
	metas := runExperiment(t, config.RandomSearch, config.TrainerContainer, script, "alpine:latest")
	m := metas[0]
	if m.Status != result.StatusBudgetExceeded {
		t.Errorf("status: got %q, want %q", m.Status, result.StatusBudgetExceeded)
	}
	if m.BestLoss == nil || *m.BestLoss != 0.5 {
		t.Errorf("best loss: got %v, want 0.5", m.BestLoss)
	}
}
