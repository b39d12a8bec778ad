// Package trainlog is the training logger handed to trainers. It records
// every trial and epoch as JSON lines and charges each finished epoch to
// the repeat's budget guard, which is how a repeat gets cut off.
package trainlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/signalnine/hporun/internal/budget"
	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/params"
)

const (
	EventTrialStart = "trial_start"
	EventEpoch      = "epoch"
	EventTrialEnd   = "trial_end"
)

// Record is one line of the trials log.
type Record struct {
	Time     time.Time      `json:"time"`
	Event    string         `json:"event"`
	Trial    int            `json:"trial"`
	Epoch    int            `json:"epoch,omitempty"`
	Loss     *float64       `json:"loss,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Consumed float64        `json:"consumed"`
	Error    string         `json:"error,omitempty"`
}

// JSONWriter appends records to a JSON Lines file.
type JSONWriter struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter creates (or truncates) path.
func NewJSONWriter(path string) (*JSONWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &JSONWriter{file: f, encoder: json.NewEncoder(f)}, nil
}

func (jw *JSONWriter) Write(r Record) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.encoder.Encode(r)
}

func (jw *JSONWriter) Close() error {
	return jw.file.Close()
}

// Logger follows one repeat. It is used from the evaluation goroutine only.
type Logger struct {
	guard *budget.Guard
	out   *JSONWriter
	log   *slog.Logger

	trial    int
	epochs   int
	reported int
	lastLoss *float64
	trials   int
}

// New creates a logger charging guard. An empty path disables the file.
func New(path string, guard *budget.Guard, log *slog.Logger) (*Logger, error) {
	l := &Logger{guard: guard, log: log}
	if l.log == nil {
		l.log = slog.Default()
	}
	if path != "" {
		w, err := NewJSONWriter(path)
		if err != nil {
			return nil, fmt.Errorf("opening trial log: %w", err)
		}
		l.out = w
	}
	return l, nil
}

func (l *Logger) Guard() *budget.Guard { return l.guard }

// Trials is the number of trials started so far.
func (l *Logger) Trials() int { return l.trials }

// StartTrial opens a trial. It fails if the wall-time budget is already
// spent, so no new work starts after the deadline.
func (l *Logger) StartTrial(number int, p params.Set) error {
	if err := l.guard.Check(); err != nil {
		return err
	}
	l.trial = number
	l.epochs, _ = p.Int(config.EpochsParam)
	l.reported = 0
	l.lastLoss = nil
	l.trials++
	l.write(Record{Event: EventTrialStart, Trial: number, Params: p})
	l.log.Debug("trial started", "trial", number, "params", map[string]any(p))
	return nil
}

// ReportEpoch records one finished epoch and charges it to the budget.
func (l *Logger) ReportEpoch(epoch int, loss float64) error {
	l.reported++
	l.lastLoss = &loss
	err := l.guard.Charge(1)
	l.write(Record{Event: EventEpoch, Trial: l.trial, Epoch: epoch, Loss: &loss})
	return err
}

// EndTrial closes the trial. When a successful trainer reported no epochs
// the whole trial is charged here instead.
func (l *Logger) EndTrial(loss float64, trainErr error) error {
	var chargeErr error
	if trainErr == nil && l.reported == 0 && l.epochs > 0 {
		chargeErr = l.guard.Charge(float64(l.epochs))
	}
	rec := Record{Event: EventTrialEnd, Trial: l.trial}
	if trainErr != nil {
		rec.Error = trainErr.Error()
		if l.lastLoss != nil {
			rec.Loss = l.lastLoss
		}
	} else {
		rec.Loss = &loss
	}
	l.write(rec)
	l.log.Debug("trial finished", "trial", l.trial, "loss", loss, "consumed", l.guard.Consumed(), "err", trainErr)
	if trainErr != nil {
		return trainErr
	}
	return chargeErr
}

func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

func (l *Logger) write(r Record) {
	if l.out == nil {
		return
	}
	r.Time = time.Now().UTC()
	r.Consumed = l.guard.Consumed()
	if err := l.out.Write(r); err != nil {
		l.log.Warn("writing trial log", "err", err)
	}
}
