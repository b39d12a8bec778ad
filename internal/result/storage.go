package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const MetaFile = "meta.json"

// LinkLatest points <dir>/latest at target.
func LinkLatest(dir, target string) error {
	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", target, err)
	}
	latest := filepath.Join(dir, "latest")
	os.Remove(latest)
	if err := os.Symlink(abs, latest); err != nil {
		return fmt.Errorf("creating latest symlink: %w", err)
	}
	return nil
}

func WriteRepeatMeta(repeatDir string, meta *RepeatMeta) error {
	if err := os.MkdirAll(repeatDir, 0o755); err != nil {
		return fmt.Errorf("creating repeat dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling meta: %w", err)
	}
	return os.WriteFile(filepath.Join(repeatDir, MetaFile), data, 0o644)
}

func ReadRepeatMeta(path string) (*RepeatMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	var meta RepeatMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing meta: %w", err)
	}
	return &meta, nil
}

// ListRepeatMetas reads every <repeatsDir>/*/meta.json, ordered by
// optimizer, start time and repeat. A missing directory yields no metas.
func ListRepeatMetas(repeatsDir string) ([]*RepeatMeta, error) {
	paths, err := filepath.Glob(filepath.Join(repeatsDir, "*", MetaFile))
	if err != nil {
		return nil, err
	}
	var metas []*RepeatMeta
	for _, p := range paths {
		if filepath.Base(filepath.Dir(p)) == "latest" {
			continue
		}
		m, err := ReadRepeatMeta(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		metas = append(metas, m)
	}
	sort.SliceStable(metas, func(i, j int) bool {
		a, b := metas[i], metas[j]
		if a.Optimizer != b.Optimizer {
			return a.Optimizer < b.Optimizer
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.Repeat < b.Repeat
	})
	return metas, nil
}
