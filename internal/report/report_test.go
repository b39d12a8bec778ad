package report_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/hporun/internal/report"
	"github.com/signalnine/hporun/internal/result"
)

func loss(v float64) *float64 { return &v }

func writeMetas(t *testing.T) string {
	t.Helper()
	repeatsDir := filepath.Join(t.TempDir(), "repeats")
	metas := []*result.RepeatMeta{
		{Optimizer: "Optuna", Repeat: 0, Status: result.StatusBudgetExceeded, Trials: 10, Consumed: 60, BestLoss: loss(0.4)},
		{Optimizer: "Optuna", Repeat: 1, Status: result.StatusBudgetExceeded, Trials: 12, Consumed: 60, BestLoss: loss(0.2), BestParams: map[string]any{"lr": 0.01}},
		{Optimizer: "DEHB", Repeat: 0, Status: result.StatusCompleted, Trials: 30, Consumed: 45, BestLoss: loss(0.3)},
		{Optimizer: "DEHB", Repeat: 1, Status: result.StatusFailed, Trials: 1},
	}
	for i, m := range metas {
		if err := result.WriteRepeatMeta(filepath.Join(repeatsDir, fmt.Sprintf("repeat-%d-%d", i, m.Repeat)), m); err != nil {
			t.Fatal(err)
		}
	}
	return repeatsDir
}

func TestGenerateTable(t *testing.T) {
	var buf bytes.Buffer
	if err := report.Generate(writeMetas(t), "table", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	output := buf.String()
	for _, want := range []string{"OPTIMIZER", "Optuna", "DEHB", "0.3000"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestGenerateMarkdown(t *testing.T) {
	var buf bytes.Buffer
	if err := report.Generate(writeMetas(t), "markdown", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want header, separator and two rows:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[2], "| DEHB | 2 | 0 | 1 |") {
		t.Errorf("unexpected DEHB row: %s", lines[2])
	}
}

func TestGenerateJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := report.Generate(writeMetas(t), "json", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var summaries []report.OptimizerSummary
	if err := json.Unmarshal(buf.Bytes(), &summaries); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	optuna := summaries[1]
	if optuna.Name != "Optuna" || optuna.Repeats != 2 || optuna.BudgetExceeded != 2 {
		t.Errorf("unexpected Optuna summary: %+v", optuna)
	}
	if optuna.MeanTrials != 11 {
		t.Errorf("mean trials: got %v, want 11", optuna.MeanTrials)
	}
	if *optuna.BestLoss != 0.2 || optuna.BestParams["lr"] != 0.01 {
		t.Errorf("best: got %v %v", *optuna.BestLoss, optuna.BestParams)
	}
	if d := *optuna.MeanBestLoss - 0.3; d > 1e-12 || d < -1e-12 {
		t.Errorf("mean best loss: got %v, want 0.3", *optuna.MeanBestLoss)
	}
}

func TestGenerateEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := report.Generate(filepath.Join(t.TempDir(), "repeats"), "table", &buf); err == nil {
		t.Fatal("expected error when there are no results")
	}
}
