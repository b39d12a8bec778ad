package result

import "time"

// Repeat statuses.
const (
	StatusCompleted      = "completed"
	StatusBudgetExceeded = "budget_exceeded"
	StatusFailed         = "failed"
)

// RepeatMeta is written to meta.json at the end of every repeat.
type RepeatMeta struct {
	Experiment   string         `json:"experiment"`
	Optimizer    string         `json:"optimizer"`
	Repeat       int            `json:"repeat"`
	RunID        string         `json:"run_id"`
	Seed         int64          `json:"seed"`
	Status       string         `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	DurationS    float64        `json:"duration_s"`
	Trials       int            `json:"trials"`
	Pruned       int            `json:"pruned"`
	Consumed     float64        `json:"consumed"`
	Budget       float64        `json:"budget"`
	BestLoss     *float64       `json:"best_loss,omitempty"`
	BestParams   map[string]any `json:"best_params,omitempty"`
	BestFidelity float64        `json:"best_fidelity,omitempty"`
}
