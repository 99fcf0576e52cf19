package model

import (
	"fmt"
	"math/rand"
)

// Batch represents an evaluation or training batch drawn from one task.
type Batch struct {
	Task   int
	Inputs [][]float64
	Labels []int
}

// Len reports the number of records in the batch.
func (b Batch) Len() int { return len(b.Inputs) }

// Capability tags how a model's forward pass behaves.
type Capability int

const (
	// Deterministic models are a pure function of inputs and parameters.
	Deterministic Capability = iota
	// Probabilistic models sample internal noise on every forward pass.
	Probabilistic
)

func (c Capability) String() string {
	switch c {
	case Deterministic:
		return "deterministic"
	case Probabilistic:
		return "probabilistic"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// ParseCapability maps a capability name or a layer type tag to a Capability.
func ParseCapability(s string) (Capability, error) {
	switch s {
	case "deterministic", "frequentist":
		return Deterministic, nil
	case "probabilistic", "bayesian", "lrt", "bbb":
		return Probabilistic, nil
	default:
		return 0, fmt.Errorf("unknown capability %q", s)
	}
}

// Model is a classifier producing class probabilities.
//
// Forward must not mutate the model. Probabilistic models draw all of their
// sampling noise from rng, so two calls with independently seeded sources are
// independent; deterministic models ignore rng.
type Model interface {
	Capability() Capability
	// Architecture describes everything besides the params that shapes the
	// output, e.g. "softplus 4-6-3". Models with equal architectures and
	// param layouts compute the same function from the same params.
	Architecture() string
	InputSize() int
	NumClasses() int
	Forward(inputs [][]float64, rng *rand.Rand) ([][]float64, error)
	Params() []Param
	WithParams(params []Param) (Model, error)
}

// Param is a named, shaped parameter tensor stored row-major.
type Param struct {
	Name   string    `json:"name"`
	Shape  []int     `json:"shape"`
	Data   []float64 `json:"data"`
	Output bool      `json:"output,omitempty"`
}

// Size returns the number of elements implied by Shape.
func (p Param) Size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// SameShape reports whether p and o have identical dimensions.
func (p Param) SameShape(o Param) bool {
	if len(p.Shape) != len(o.Shape) {
		return false
	}
	for i := range p.Shape {
		if p.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of p.
func (p Param) Clone() Param {
	return Param{
		Name:   p.Name,
		Shape:  append([]int(nil), p.Shape...),
		Data:   append([]float64(nil), p.Data...),
		Output: p.Output,
	}
}

// CloneParams deep-copies a parameter list.
func CloneParams(params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = p.Clone()
	}
	return out
}
