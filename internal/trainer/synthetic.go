package trainer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/params"
)

// Synthetic is an in-process trainer with a deterministic loss surface. Each
// parameter has a hidden optimum derived from its name and the seed; the
// loss is the squared distance to those optima plus a term that decays with
// the epoch, so more epochs always help.
type Synthetic struct {
	Seed       int64
	Noise      float64
	EpochDelay time.Duration
}

func (s *Synthetic) Train(ctx context.Context, p params.Set, r Reporter) (float64, error) {
	epochs, err := epochsOf(p)
	if err != nil {
		return 0, err
	}
	base := s.distance(p)
	rng := rand.New(rand.NewSource(s.Seed ^ int64(hashString(fmt.Sprint(p)))))

	var loss float64
	for epoch := 1; epoch <= epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return loss, err
		}
		if s.EpochDelay > 0 {
			select {
			case <-ctx.Done():
				return loss, ctx.Err()
			case <-time.After(s.EpochDelay):
			}
		}
		loss = base + (1+base)*math.Exp(-float64(epoch)/3)
		if s.Noise > 0 {
			loss += s.Noise * rng.NormFloat64()
		}
		if r != nil {
			if err := r.ReportEpoch(epoch, loss); err != nil {
				return loss, err
			}
		}
	}
	return loss, nil
}

func (s *Synthetic) distance(p params.Set) float64 {
	var d float64
	for _, name := range p.Keys() {
		if name == config.EpochsParam {
			continue
		}
		target := s.target(name)
		var x float64
		if f, ok := p.Float(name); ok {
			x = squash(f)
		} else {
			x = float64(hashString(fmt.Sprint(p[name]))%1000) / 1000
		}
		d += (x - target) * (x - target)
	}
	return d
}

func (s *Synthetic) target(name string) float64 {
	h := hashString(fmt.Sprintf("%d/%s", s.Seed, name))
	return float64(h%1000) / 1000
}

// squash maps the real line onto (0,1) keeping small values distinguishable.
func squash(x float64) float64 {
	return 0.5 + math.Atan(math.Copysign(math.Log1p(math.Abs(x)*10), x))/math.Pi
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
