// Package space turns the tunable_params section of an experiment into a
// search space that every optimizer backend shares.
//
// A space is an ordered list of dimensions. Each dimension can be sampled
// directly, or mapped to and from the unit interval so that model-based
// samplers (TPE, the Gaussian-process surrogate, differential evolution) can
// work on a plain []float64 in [0,1]^d.
package space

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/signalnine/hporun/internal/config"
	"github.com/signalnine/hporun/internal/params"
	"golang.org/x/exp/constraints"
)

//////
// Const, vars, types.
//////

// ErrUnsupportedParamType is returned by Build for a type other than
// float, int or categorical.
var ErrUnsupportedParamType = errors.New("unsupported parameter type")

// Kind is the declared type of a dimension.
type Kind int

const (
	Float Kind = iota
	Int
	Categorical
)

func (k Kind) String() string {
	switch k {
	case Float:
		return config.TypeFloat
	case Int:
		return config.TypeInt
	case Categorical:
		return config.TypeCategorical
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Range is an inclusive numeric interval.
type Range[T constraints.Integer | constraints.Float] struct {
	Min T
	Max T
}

// Contains reports whether v lies in [Min, Max].
func (r Range[T]) Contains(v T) bool {
	return v >= r.Min && v <= r.Max
}

// Clamp limits v to [Min, Max].
func (r Range[T]) Clamp(v T) T {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Width is Max - Min.
func (r Range[T]) Width() T {
	return r.Max - r.Min
}

// Dimension is one tunable parameter. Only the fields matching Kind are set.
type Dimension struct {
	Name    string
	Kind    Kind
	Floats  Range[float64]
	Ints    Range[int]
	Log     bool
	Choices []any
}

// Configuration is a concrete point in the space, keyed by parameter name.
type Configuration map[string]any

// Space is an ordered, immutable set of dimensions.
type Space struct {
	dims  []Dimension
	index map[string]int
}

//////
// Factory.
//////

// Build creates one dimension per tunable parameter, preserving order.
func Build(tunable []config.TunableParam) (*Space, error) {
	s := &Space{index: make(map[string]int, len(tunable))}
	for _, p := range tunable {
		d, err := newDimension(p)
		if err != nil {
			return nil, err
		}
		if _, dup := s.index[d.Name]; dup {
			return nil, fmt.Errorf("param %q: duplicate name", d.Name)
		}
		s.index[d.Name] = len(s.dims)
		s.dims = append(s.dims, d)
	}
	return s, nil
}

func newDimension(p config.TunableParam) (Dimension, error) {
	d := Dimension{Name: p.Name}
	switch p.Type {
	case config.TypeFloat:
		if p.Low > p.High {
			return d, fmt.Errorf("param %q: low %v > high %v", p.Name, p.Low, p.High)
		}
		if p.Log && p.Low <= 0 {
			return d, fmt.Errorf("param %q: log scale needs low > 0", p.Name)
		}
		d.Kind = Float
		d.Floats = Range[float64]{Min: p.Low, Max: p.High}
		d.Log = p.Log
	case config.TypeInt:
		lo, hi := int(p.Low), int(p.High)
		if float64(lo) != p.Low || float64(hi) != p.High {
			return d, fmt.Errorf("param %q: int bounds must be whole numbers", p.Name)
		}
		if lo > hi {
			return d, fmt.Errorf("param %q: low %d > high %d", p.Name, lo, hi)
		}
		d.Kind = Int
		d.Ints = Range[int]{Min: lo, Max: hi}
	case config.TypeCategorical:
		if len(p.Choices) == 0 {
			return d, fmt.Errorf("param %q: categorical needs at least one choice", p.Name)
		}
		d.Kind = Categorical
		d.Choices = append([]any(nil), p.Choices...)
	default:
		return d, fmt.Errorf("param %q: type %q: %w", p.Name, p.Type, ErrUnsupportedParamType)
	}
	return d, nil
}

//////
// Methods.
//////

// Len is the number of dimensions.
func (s *Space) Len() int { return len(s.dims) }

// Dimensions returns the dimensions in declaration order.
func (s *Space) Dimensions() []Dimension {
	return append([]Dimension(nil), s.dims...)
}

// Names returns the dimension names in declaration order.
func (s *Space) Names() []string {
	names := make([]string, len(s.dims))
	for i, d := range s.dims {
		names[i] = d.Name
	}
	return names
}

// Sample draws a configuration uniformly (log-uniformly for log floats).
func (s *Space) Sample(rng *rand.Rand) Configuration {
	c := make(Configuration, len(s.dims))
	for _, d := range s.dims {
		c[d.Name] = d.Sample(rng)
	}
	return c
}

// SampleUnit draws a uniform point in the unit hypercube.
func (s *Space) SampleUnit(rng *rand.Rand) []float64 {
	u := make([]float64, len(s.dims))
	for i := range u {
		u[i] = rng.Float64()
	}
	return u
}

// Encode maps c to the unit hypercube.
func (s *Space) Encode(c Configuration) ([]float64, error) {
	u := make([]float64, len(s.dims))
	for i, d := range s.dims {
		v, ok := c[d.Name]
		if !ok {
			return nil, fmt.Errorf("param %q: missing", d.Name)
		}
		x, err := d.ToUnit(v)
		if err != nil {
			return nil, err
		}
		u[i] = x
	}
	return u, nil
}

// Decode maps a unit-hypercube point back to a configuration. Coordinates
// outside [0,1] are clamped.
func (s *Space) Decode(u []float64) Configuration {
	c := make(Configuration, len(s.dims))
	for i, d := range s.dims {
		c[d.Name] = d.FromUnit(u[i])
	}
	return c
}

// Validate checks that c has exactly the space's names and every value is
// inside its dimension.
func (s *Space) Validate(c Configuration) error {
	if len(c) != len(s.dims) {
		return fmt.Errorf("configuration has %d values, space has %d dimensions", len(c), len(s.dims))
	}
	for _, d := range s.dims {
		v, ok := c[d.Name]
		if !ok {
			return fmt.Errorf("param %q: missing", d.Name)
		}
		if !d.Contains(v) {
			return fmt.Errorf("param %q: value %v out of range", d.Name, v)
		}
	}
	return nil
}

// Sample draws one value from the dimension.
func (d Dimension) Sample(rng *rand.Rand) any {
	switch d.Kind {
	case Float:
		if d.Log {
			lo, hi := math.Log(d.Floats.Min), math.Log(d.Floats.Max)
			return d.Floats.Clamp(math.Exp(lo + rng.Float64()*(hi-lo)))
		}
		return d.Floats.Min + rng.Float64()*d.Floats.Width()
	case Int:
		return d.Ints.Min + rng.Intn(d.Ints.Width()+1)
	default:
		return d.Choices[rng.Intn(len(d.Choices))]
	}
}

// FromUnit maps u in [0,1] to a value of the dimension.
func (d Dimension) FromUnit(u float64) any {
	u = Range[float64]{Min: 0, Max: 1}.Clamp(u)
	switch d.Kind {
	case Float:
		if d.Log {
			lo, hi := math.Log(d.Floats.Min), math.Log(d.Floats.Max)
			return d.Floats.Clamp(math.Exp(lo + u*(hi-lo)))
		}
		return d.Floats.Clamp(d.Floats.Min + u*d.Floats.Width())
	case Int:
		n := d.Ints.Width() + 1
		return d.Ints.Min + min(int(u*float64(n)), n-1)
	default:
		n := len(d.Choices)
		return d.Choices[min(int(u*float64(n)), n-1)]
	}
}

// ToUnit maps a value of the dimension to [0,1]. Int and categorical values
// map to the centre of their cell so FromUnit(ToUnit(v)) == v.
func (d Dimension) ToUnit(v any) (float64, error) {
	switch d.Kind {
	case Float:
		x, ok := params.AsFloat(v)
		if !ok {
			return 0, fmt.Errorf("param %q: %v is not numeric", d.Name, v)
		}
		x = d.Floats.Clamp(x)
		if d.Floats.Width() == 0 {
			return 0.5, nil
		}
		if d.Log {
			lo, hi := math.Log(d.Floats.Min), math.Log(d.Floats.Max)
			return (math.Log(x) - lo) / (hi - lo), nil
		}
		return (x - d.Floats.Min) / d.Floats.Width(), nil
	case Int:
		x, ok := params.AsFloat(v)
		if !ok {
			return 0, fmt.Errorf("param %q: %v is not numeric", d.Name, v)
		}
		n := float64(d.Ints.Width() + 1)
		i := d.Ints.Clamp(int(math.Round(x)))
		return (float64(i-d.Ints.Min) + 0.5) / n, nil
	default:
		i := d.ChoiceIndex(v)
		if i < 0 {
			return 0, fmt.Errorf("param %q: %v is not a declared choice", d.Name, v)
		}
		return (float64(i) + 0.5) / float64(len(d.Choices)), nil
	}
}

// ChoiceIndex returns the index of v among the choices, or -1. Numbers
// compare by value so choices survive a JSON round trip.
func (d Dimension) ChoiceIndex(v any) int {
	for i, c := range d.Choices {
		if sameValue(c, v) {
			return i
		}
	}
	return -1
}

// Contains reports whether v is a legal value of the dimension.
func (d Dimension) Contains(v any) bool {
	switch d.Kind {
	case Float:
		x, ok := params.AsFloat(v)
		return ok && d.Floats.Contains(x)
	case Int:
		x, ok := params.AsFloat(v)
		return ok && x == math.Trunc(x) && d.Ints.Contains(int(x))
	default:
		return d.ChoiceIndex(v) >= 0
	}
}

func sameValue(a, b any) bool {
	fa, aNum := params.AsFloat(a)
	fb, bNum := params.AsFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	if aNum != bNum {
		return false
	}
	return a == b
}
