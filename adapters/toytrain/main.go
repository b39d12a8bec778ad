// Command toytrain is a reference external trainer for hporun. It speaks
// both trainer protocols:
//
//	command:   parameters as JSON on stdin, NDJSON events on stdout
//	container: parameters in <trial-dir>/params.json, result in
//	           <trial-dir>/result.json
//
// The loss is a smooth bowl over the numeric parameters that shrinks with
// every epoch, so optimizers have something to find.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// event mirrors the NDJSON lines the command trainer reads.
type event struct {
	Event string  `json:"event"`
	Epoch int     `json:"epoch,omitempty"`
	Loss  float64 `json:"loss"`
}

// result mirrors the container trainer's result.json.
type result struct {
	Loss   float64   `json:"loss"`
	Epochs []float64 `json:"epochs"`
}

// Model scores parameter sets. Target is where every numeric parameter
// would ideally sit after a log10 squash into (0,1).
type Model struct {
	Target float64
	Delay  time.Duration
}

// Loss returns the loss after epoch (1-based).
func (m Model) Loss(p map[string]any, epoch int) float64 {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var d float64
	for _, k := range keys {
		if k == "epochs" {
			continue
		}
		switch v := p[k].(type) {
		case float64:
			x := squash(v) - m.Target
			d += x * x
		case string:
			if v != "relu" {
				d += 0.05
			}
		case bool:
			if !v {
				d += 0.05
			}
		}
	}
	return d + (1+d)*math.Exp(-float64(epoch)/3)
}

// Train runs epochs epochs and reports each loss through emit.
func (m Model) Train(p map[string]any, epochs int, emit func(epoch int, loss float64) error) (float64, error) {
	var loss float64
	for epoch := 1; epoch <= epochs; epoch++ {
		if m.Delay > 0 {
			time.Sleep(m.Delay)
		}
		loss = m.Loss(p, epoch)
		if err := emit(epoch, loss); err != nil {
			return loss, err
		}
	}
	return loss, nil
}

func squash(x float64) float64 {
	return 0.5 + math.Atan(math.Copysign(math.Log1p(math.Abs(x)*10), x))/math.Pi
}

// epochsFor prefers the parameter set, then HPORUN_EPOCHS, then 1.
func epochsFor(p map[string]any) int {
	if v, ok := p["epochs"].(float64); ok && v >= 1 {
		return int(v)
	}
	if n, err := strconv.Atoi(os.Getenv("HPORUN_EPOCHS")); err == nil && n >= 1 {
		return n
	}
	return 1
}

// runCommand is the stdin/stdout protocol.
func runCommand(m Model, in io.Reader, out io.Writer) error {
	var p map[string]any
	if err := json.NewDecoder(in).Decode(&p); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	enc := json.NewEncoder(out)
	loss, err := m.Train(p, epochsFor(p), func(epoch int, loss float64) error {
		return enc.Encode(event{Event: "epoch", Epoch: epoch, Loss: loss})
	})
	if err != nil {
		return err
	}
	return enc.Encode(event{Event: "result", Loss: loss})
}

// runTrialDir is the container protocol.
func runTrialDir(m Model, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, "params.json"))
	if err != nil {
		return fmt.Errorf("reading params: %w", err)
	}
	var p map[string]any
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	var res result
	res.Loss, err = m.Train(p, epochsFor(p), func(epoch int, loss float64) error {
		res.Epochs = append(res.Epochs, loss)
		return nil
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "result.json"), data, 0o644)
}

func main() {
	trialDir := pflag.String("trial-dir", "", "container mode: read params.json and write result.json here")
	target := pflag.Float64("target", 0.3, "optimum of every numeric parameter in squashed units")
	delay := pflag.Duration("epoch-delay", 0, "sleep per epoch")
	pflag.Parse()

	log.SetFlags(0)
	log.SetPrefix("toytrain: ")
	m := Model{Target: *target, Delay: *delay}

	var err error
	if *trialDir != "" {
		err = runTrialDir(m, *trialDir)
	} else {
		err = runCommand(m, os.Stdin, os.Stdout)
	}
	if err != nil {
		log.Fatal(err)
	}
}
