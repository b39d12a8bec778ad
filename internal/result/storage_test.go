package result_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/hporun/internal/result"
)

func TestWriteAndReadRepeatMeta(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "repeat-0")
	loss := 0.125
	meta := &result.RepeatMeta{
		Experiment: "mnist_simple",
		Optimizer:  "Optuna",
		Repeat:     0,
		RunID:      "0b0c3a52-0000-4000-8000-000000000000",
		Status:     result.StatusBudgetExceeded,
		Reason:     "cost",
		Trials:     7,
		Consumed:   60,
		Budget:     60,
		BestLoss:   &loss,
		BestParams: map[string]any{"lr": 0.01, "activation": "relu"},
	}
	if err := result.WriteRepeatMeta(dir, meta); err != nil {
		t.Fatalf("WriteRepeatMeta: %v", err)
	}
	got, err := result.ReadRepeatMeta(filepath.Join(dir, result.MetaFile))
	if err != nil {
		t.Fatalf("ReadRepeatMeta: %v", err)
	}
	if got.Status != meta.Status {
		t.Errorf("status: got %q, want %q", got.Status, meta.Status)
	}
	if got.BestLoss == nil || *got.BestLoss != loss {
		t.Errorf("best_loss: got %v, want %v", got.BestLoss, loss)
	}
	if got.BestParams["activation"] != "relu" {
		t.Errorf("best_params: got %v", got.BestParams)
	}
}

func TestReadRepeatMetaMissing(t *testing.T) {
	if _, err := result.ReadRepeatMeta(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing meta")
	}
}

func TestLinkLatest(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"repeat-0", "repeat-1"} {
		target := filepath.Join(base, name)
		if err := os.MkdirAll(target, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := result.LinkLatest(base, target); err != nil {
			t.Fatalf("LinkLatest: %v", err)
		}
	}
	got, err := os.Readlink(filepath.Join(base, "latest"))
	if err != nil {
		t.Fatalf("reading latest symlink: %v", err)
	}
	if got != filepath.Join(base, "repeat-1") {
		t.Errorf("latest symlink: got %q", got)
	}
}

func TestListRepeatMetas(t *testing.T) {
	base := t.TempDir()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	metas := []*result.RepeatMeta{
		{Optimizer: "SMAC", Repeat: 0, StartedAt: start},
		{Optimizer: "DEHB", Repeat: 1, StartedAt: start.Add(time.Minute)},
		{Optimizer: "DEHB", Repeat: 0, StartedAt: start},
	}
	for i, m := range metas {
		if err := result.WriteRepeatMeta(filepath.Join(base, "r"+string(rune('a'+i))), m); err != nil {
			t.Fatal(err)
		}
	}
	if err := result.LinkLatest(base, filepath.Join(base, "ra")); err != nil {
		t.Fatal(err)
	}

	got, err := result.ListRepeatMetas(base)
	if err != nil {
		t.Fatalf("ListRepeatMetas: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d metas, want 3 (latest must be skipped)", len(got))
	}
	if got[0].Optimizer != "DEHB" || got[0].Repeat != 0 || got[2].Optimizer != "SMAC" {
		t.Errorf("unexpected order: %+v %+v %+v", got[0], got[1], got[2])
	}

	none, err := result.ListRepeatMetas(filepath.Join(base, "missing"))
	if err != nil || len(none) != 0 {
		t.Errorf("missing dir: got %v, %v", none, err)
	}
}
