// Package experiment resolves an experiment's files and output layout.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

const (
	DefaultName = "mnist_simple"
	DefaultRoot = "experiments"
	DefaultSeed = 42
)

// RunContext carries what used to be process globals: which experiment is
// running, its seed and where its files live.
type RunContext struct {
	Experiment string
	Seed       int64
	Root       string
	StartTime  time.Time
}

func New(root, name string, seed int64) *RunContext {
	if root == "" {
		root = DefaultRoot
	}
	if name == "" {
		name = DefaultName
	}
	return &RunContext{
		Experiment: name,
		Seed:       seed,
		Root:       root,
		StartTime:  time.Now(),
	}
}

func (rc *RunContext) Dir() string {
	return filepath.Join(rc.Root, rc.Experiment)
}

func (rc *RunContext) ConfigPath() string {
	return filepath.Join(rc.Dir(), "config.yaml")
}

func (rc *RunContext) OutputDir() string {
	return filepath.Join(rc.Dir(), "outputs")
}

// StudyPath is the per-repeat trial database used by the Optuna driver.
func (rc *RunContext) StudyPath(repeat int) string {
	return filepath.Join(rc.OutputDir(), fmt.Sprintf("%s_%d.db", rc.Experiment, repeat))
}

// SharedStudyPath is the trial database shared by every RandomSearch repeat.
func (rc *RunContext) SharedStudyPath() string {
	return filepath.Join(rc.OutputDir(), rc.Experiment+".db")
}

func (rc *RunContext) SMACOutputDir() string {
	return filepath.Join(rc.OutputDir(), "smac3_output", rc.Experiment, strconv.FormatInt(rc.Seed, 10))
}

func (rc *RunContext) DEHBOutputDir() string {
	return filepath.Join(rc.OutputDir(), "dehb_results")
}

func (rc *RunContext) RepeatsDir() string {
	return filepath.Join(rc.OutputDir(), "repeats")
}

func (rc *RunContext) RepeatDir(repeat int) string {
	return filepath.Join(rc.RepeatsDir(), fmt.Sprintf("repeat-%d", repeat))
}

// EnsureOutputDir creates the outputs directory.
func (rc *RunContext) EnsureOutputDir() error {
	if err := os.MkdirAll(rc.OutputDir(), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	return nil
}

// List returns the experiments under root that have a config.yaml, sorted.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading experiments dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "config.yaml")); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
