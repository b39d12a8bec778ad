package trainer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/signalnine/hporun/internal/config"
)

// Dataset is the resolved data section, loaded once per process and shared
// by every trial.
type Dataset struct {
	Name  string
	Dir   string
	Files int
}

// LoadData resolves cfg relative to baseDir. An empty dir is allowed for
// trainers that generate or download their own data.
func LoadData(cfg config.Data, baseDir string) (*Dataset, error) {
	ds := &Dataset{Name: cfg.Name}
	if cfg.Dir == "" {
		return ds, nil
	}
	dir := cfg.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading data dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			ds.Files++
		}
	}
	ds.Dir = dir
	return ds, nil
}
