package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/report"
)

// experimentsDir lays out one experiment per fixture under a temp root.
func experimentsDir(t *testing.T, fixtures map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, fixture := range fixtures {
		data, err := os.ReadFile(filepath.Join("..", "testdata", fixture))
		if err != nil {
			t.Fatal(err)
		}
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestRootRunsExperimentThenReports(t *testing.T) {
	dir := experimentsDir(t, map[string]string{"mini": "minimal.yaml"})

	out, err := execute(t, "mini", "--experiments", dir)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{"repeat 0: budget_exceeded", "repeat 1: budget_exceeded"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "report", "mini", "--experiments", dir, "--format", "json")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var summaries []report.OptimizerSummary
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("decoding report: %v\n%s", err, out)
	}
	if len(summaries) != 1 || summaries[0].Name != "RandomSearch" {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
	if summaries[0].Repeats != 2 || summaries[0].BudgetExceeded != 2 {
		t.Errorf("got %d repeats, %d exceeded; want 2 and 2", summaries[0].Repeats, summaries[0].BudgetExceeded)
	}
}

func TestRunUnknownOptimizerFails(t *testing.T) {
	dir := experimentsDir(t, map[string]string{"bad": "unknown_optimizer.yaml"})
	if _, err := execute(t, "run", "bad", "--experiments", dir); err == nil {
		t.Fatal("expected an error for an unknown optimizer")
	}
	if _, err := os.Stat(filepath.Join(dir, "bad", "outputs")); !os.IsNotExist(err) {
		t.Errorf("outputs created for an invalid experiment: %v", err)
	}
}

func TestRunParallel(t *testing.T) {
	dir := experimentsDir(t, map[string]string{"a": "minimal.yaml", "b": "minimal.yaml"})
	out, err := execute(t, "run", "a", "b", "--experiments", dir, "--parallel", "2")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, name := range []string{"a", "b"} {
		if _, err := os.Stat(filepath.Join(dir, name, "outputs", "repeats", "repeat-1", "meta.json")); err != nil {
			t.Errorf("experiment %s: %v", name, err)
		}
	}
}

func TestValidate(t *testing.T) {
	dir := experimentsDir(t, map[string]string{"good": "minimal.yaml", "bad": "unknown_optimizer.yaml"})

	out, err := execute(t, "validate", "good", "--experiments", dir)
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if !strings.HasPrefix(out, "ok   good") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = execute(t, "validate", "--experiments", dir)
	if err == nil {
		t.Fatal("expected validate to fail for the bad experiment")
	}
	if !strings.Contains(out, "FAIL bad") || !strings.Contains(out, "ok   good") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestList(t *testing.T) {
	dir := experimentsDir(t, map[string]string{"mini": "minimal.yaml", "bad": "unknown_optimizer.yaml"})
	out, err := execute(t, "list", "--experiments", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "mini (optimizer: RandomSearch, repeats: 2, budget: 3 x 1 epochs)") {
		t.Errorf("unexpected output %q", out)
	}
	if !strings.Contains(out, "bad (invalid:") {
		t.Errorf("invalid experiment not flagged: %q", out)
	}
}

func TestLogLevelAcrossExperiments(t *testing.T) {
	runs := func(levels ...string) []prepared {
		out := make([]prepared, len(levels))
		for i, l := range levels {
			out[i] = prepared{cfg: &config.Config{LogLevel: l}}
		}
		return out
	}
	tests := []struct {
		flag   string
		levels []string
		want   string
	}{
		{"", []string{"info"}, "info"},
		{"", []string{"warn", "debug", "info"}, "debug"},
		{"", []string{"error", "warn"}, "warn"},
		{"error", []string{"debug", "info"}, "error"},
	}
	for _, tt := range tests {
		if got := logLevel(tt.flag, runs(tt.levels...)); got != tt.want {
			t.Errorf("logLevel(%q, %v) = %q, want %q", tt.flag, tt.levels, got, tt.want)
		}
	}
}
