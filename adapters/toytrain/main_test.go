package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLossImprovesWithEpochs(t *testing.T) {
	m := Model{Target: 0.3}
	p := map[string]any{"lr": 0.01, "act": "tanh", "epochs": 5.0}
	prev := m.Loss(p, 1)
	for epoch := 2; epoch <= 5; epoch++ {
		cur := m.Loss(p, epoch)
		if cur >= prev {
			t.Fatalf("epoch %d: loss %g not below %g", epoch, cur, prev)
		}
		prev = cur
	}
}

func TestLossPrefersTarget(t *testing.T) {
	m := Model{Target: 0.5}
	near := m.Loss(map[string]any{"x": 0.0}, 3)
	far := m.Loss(map[string]any{"x": 50.0}, 3)
	if near >= far {
		t.Errorf("loss at target %g should beat %g", near, far)
	}
}

func TestRunCommand(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader(`{"lr":0.1,"epochs":3}`)
	if err := runCommand(Model{Target: 0.3}, in, &out); err != nil {
		t.Fatal(err)
	}

	var events []event
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var e event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		events = append(events, e)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 3 epochs and a result", len(events))
	}
	for i := 0; i < 3; i++ {
		if events[i].Event != "epoch" || events[i].Epoch != i+1 {
			t.Errorf("event %d: %+v", i, events[i])
		}
	}
	if events[3].Event != "result" || events[3].Loss != events[2].Loss {
		t.Errorf("result event %+v does not match last epoch %+v", events[3], events[2])
	}
}

func TestRunCommandBadInput(t *testing.T) {
	if err := runCommand(Model{}, strings.NewReader("not json"), &bytes.Buffer{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRunTrialDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "params.json"), []byte(`{"lr":0.1,"epochs":2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runTrialDir(Model{Target: 0.3}, dir); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "result.json"))
	if err != nil {
		t.Fatal(err)
	}
	var res result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Epochs) != 2 || res.Loss != res.Epochs[1] {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestEpochsFromEnv(t *testing.T) {
	t.Setenv("HPORUN_EPOCHS", "4")
	if got := epochsFor(map[string]any{}); got != 4 {
		t.Errorf("epochsFor = %d, want 4", got)
	}
	if got := epochsFor(map[string]any{"epochs": 2.0}); got != 2 {
		t.Errorf("epochsFor = %d, want 2", got)
	}
}
