package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Optimizer names accepted in hp_optimizer.name.
const (
	Optuna            = "Optuna"
	SMAC              = "SMAC"
	SMACMultifidelity = "SMAC_Multifidelity"
	DEHB              = "DEHB"
	RandomSearch      = "RandomSearch"
	DyHPO             = "DyHPO"
)

// Tunable parameter types.
const (
	TypeFloat       = "float"
	TypeInt         = "int"
	TypeCategorical = "categorical"
)

// Trainer kinds.
const (
	TrainerSynthetic = "synthetic"
	TrainerCommand   = "command"
	TrainerContainer = "container"
)

// EpochsParam is the fixed parameter that sizes every trial and the budget.
const EpochsParam = "epochs"

var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizers lists every name the config accepts, in display order.
var Optimizers = []string{Optuna, SMAC, SMACMultifidelity, DEHB, RandomSearch, DyHPO}

type Config struct {
	TunableParams []TunableParam `yaml:"tunable_params"`
	FixedParams   []FixedParam   `yaml:"fixed_params"`
	HPOptimizer   HPOptimizer    `yaml:"hp_optimizer"`
	WallTime      float64        `yaml:"wall_time"`
	Data          Data           `yaml:"data"`
	Trainer       Trainer        `yaml:"trainer"`
	LogLevel      string         `yaml:"log_level"`
}

type TunableParam struct {
	Name    string  `yaml:"name"`
	Type    string  `yaml:"type"`
	Low     float64 `yaml:"low"`
	High    float64 `yaml:"high"`
	Log     bool    `yaml:"log"`
	Choices []any   `yaml:"choices"`
}

type FixedParam struct {
	Name  string `yaml:"name"`
	Value any    `yaml:"value"`
}

type HPOptimizer struct {
	Name       string      `yaml:"name"`
	Budget     int         `yaml:"budget"`
	HPORepeats int         `yaml:"hpo_repeats"`
	NTrials    int         `yaml:"n_trials"`
	Seed       *int64      `yaml:"seed"`
	SMAC       SMACOptions `yaml:"smac"`
	DEHB       DEHBOptions `yaml:"dehb"`
}

type SMACOptions struct {
	MaxTrials  int     `yaml:"max_trials"`
	Eta        int     `yaml:"eta"`
	RandomProb float64 `yaml:"random_prob"`
}

// DEHBOptions tunes the DEHB driver. A zero FevalsFactor selects the
// driver's default.
type DEHBOptions struct {
	FevalsFactor   float64 `yaml:"fevals_factor"`
	Eta            int     `yaml:"eta"`
	MutationFactor float64 `yaml:"mutation_factor"`
	CrossoverProb  float64 `yaml:"crossover_prob"`
}

type Data struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`
}

type Trainer struct {
	Kind       string            `yaml:"kind"`
	Command    []string          `yaml:"command"`
	Image      string            `yaml:"image"`
	Env        map[string]string `yaml:"env"`
	EnvFile    string            `yaml:"env_file"`
	Timeout    time.Duration     `yaml:"timeout"`
	Noise      float64           `yaml:"noise"`
	EpochDelay time.Duration     `yaml:"epoch_delay"`
	CPULimit   float64           `yaml:"cpu_limit"`
	MemoryMB   int64             `yaml:"memory_mb"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	return &cfg, nil
}

// Epochs returns the fixed epochs value. Validation guarantees it is >= 1.
func (c *Config) Epochs() int {
	for _, p := range c.FixedParams {
		if p.Name == EpochsParam {
			n, _ := asInt(p.Value)
			return n
		}
	}
	return 0
}

// TotalBudget is the per-repeat cost limit in epochs.
func (c *Config) TotalBudget() float64 {
	return float64(c.HPOptimizer.Budget * c.Epochs())
}

// MaxTime is wall_time converted from minutes.
func (c *Config) MaxTime() time.Duration {
	return time.Duration(c.WallTime * float64(time.Minute))
}

// Seed returns the hp_optimizer seed override, or fallback.
func (c *Config) Seed(fallback int64) int64 {
	if c.HPOptimizer.Seed != nil {
		return *c.HPOptimizer.Seed
	}
	return fallback
}

func applyDefaults(cfg *Config) {
	if cfg.Trainer.Kind == "" {
		cfg.Trainer.Kind = TrainerSynthetic
	}
	if cfg.Trainer.Timeout == 0 {
		cfg.Trainer.Timeout = 30 * time.Minute
	}
	if cfg.HPOptimizer.SMAC.MaxTrials == 0 {
		cfg.HPOptimizer.SMAC.MaxTrials = 1000
	}
	if cfg.HPOptimizer.SMAC.Eta == 0 {
		cfg.HPOptimizer.SMAC.Eta = 3
	}
	if cfg.HPOptimizer.SMAC.RandomProb == 0 {
		cfg.HPOptimizer.SMAC.RandomProb = 0.2
	}
	if cfg.HPOptimizer.DEHB.Eta == 0 {
		cfg.HPOptimizer.DEHB.Eta = 3
	}
	if cfg.HPOptimizer.DEHB.MutationFactor == 0 {
		cfg.HPOptimizer.DEHB.MutationFactor = 0.5
	}
	if cfg.HPOptimizer.DEHB.CrossoverProb == 0 {
		cfg.HPOptimizer.DEHB.CrossoverProb = 0.5
	}
}

func validate(cfg *Config) error {
	if len(cfg.TunableParams) == 0 {
		return fmt.Errorf("no tunable_params defined")
	}
	seen := make(map[string]bool)
	for i, p := range cfg.TunableParams {
		if p.Name == "" {
			return fmt.Errorf("tunable param %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("tunable param %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.Type == TypeCategorical {
			for _, c := range p.Choices {
				if !isScalar(c) {
					return fmt.Errorf("tunable param %q: choice %v is not a scalar", p.Name, c)
				}
			}
		}
	}
	fixed := make(map[string]bool)
	for i, p := range cfg.FixedParams {
		if p.Name == "" {
			return fmt.Errorf("fixed param %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("fixed param %q: also declared as tunable", p.Name)
		}
		if fixed[p.Name] {
			return fmt.Errorf("fixed param %q: duplicate name", p.Name)
		}
		fixed[p.Name] = true
	}
	if !fixed[EpochsParam] {
		return fmt.Errorf("fixed_params must define %q", EpochsParam)
	}
	if n, ok := asInt(fixedValue(cfg, EpochsParam)); !ok || n < 1 {
		return fmt.Errorf("fixed param %q must be an integer >= 1", EpochsParam)
	}

	h := &cfg.HPOptimizer
	if !slices.Contains(Optimizers, h.Name) {
		return fmt.Errorf("hp_optimizer.name %q: %w", h.Name, ErrUnknownOptimizer)
	}
	if h.Budget < 1 {
		return fmt.Errorf("hp_optimizer.budget must be at least 1")
	}
	if h.HPORepeats < 1 {
		return fmt.Errorf("hp_optimizer.hpo_repeats must be at least 1")
	}
	if h.NTrials < 0 {
		return fmt.Errorf("hp_optimizer.n_trials must not be negative")
	}
	if h.SMAC.Eta < 2 || h.DEHB.Eta < 2 {
		return fmt.Errorf("hp_optimizer eta must be at least 2")
	}
	if h.DEHB.FevalsFactor < 0 {
		return fmt.Errorf("hp_optimizer.dehb.fevals_factor must not be negative")
	}
	if cfg.WallTime <= 0 {
		return fmt.Errorf("wall_time must be positive")
	}

	switch cfg.Trainer.Kind {
	case TrainerSynthetic:
	case TrainerCommand:
		if len(cfg.Trainer.Command) == 0 {
			return fmt.Errorf("trainer.command is required for command trainers")
		}
	case TrainerContainer:
		if cfg.Trainer.Image == "" {
			return fmt.Errorf("trainer.image is required for container trainers")
		}
	default:
		return fmt.Errorf("unknown trainer kind %q", cfg.Trainer.Kind)
	}
	return nil
}

func fixedValue(cfg *Config, name string) any {
	for _, p := range cfg.FixedParams {
		if p.Name == name {
			return p.Value
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int64, float64:
		return true
	}
	return false
}
