package experiment_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/hporun/internal/experiment"
)

func TestPaths(t *testing.T) {
	rc := experiment.New("exps", "mnist", 42)
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"config", rc.ConfigPath(), filepath.Join("exps", "mnist", "config.yaml")},
		{"outputs", rc.OutputDir(), filepath.Join("exps", "mnist", "outputs")},
		{"study", rc.StudyPath(2), filepath.Join("exps", "mnist", "outputs", "mnist_2.db")},
		{"shared study", rc.SharedStudyPath(), filepath.Join("exps", "mnist", "outputs", "mnist.db")},
		{"smac", rc.SMACOutputDir(), filepath.Join("exps", "mnist", "outputs", "smac3_output", "mnist", "42")},
		{"dehb", rc.DEHBOutputDir(), filepath.Join("exps", "mnist", "outputs", "dehb_results")},
		{"repeat", rc.RepeatDir(0), filepath.Join("exps", "mnist", "outputs", "repeats", "repeat-0")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	rc := experiment.New("", "", experiment.DefaultSeed)
	if rc.Experiment != "mnist_simple" {
		t.Errorf("experiment: got %q, want mnist_simple", rc.Experiment)
	}
	if rc.Root != "experiments" {
		t.Errorf("root: got %q, want experiments", rc.Root)
	}
	if rc.StartTime.IsZero() {
		t.Error("start time not set")
	}
}

func TestList(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"b", "a"} {
		dir := filepath.Join(root, name)
		os.MkdirAll(dir, 0o755)
		os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{}"), 0o644)
	}
	os.MkdirAll(filepath.Join(root, "no-config"), 0o755)

	names, err := experiment.List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("got %v, want [a b]", names)
	}
}
