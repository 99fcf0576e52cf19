// Package ensemble runs repeated forward passes of a model over one batch.
package ensemble

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"taskmix/internal/model"
)

// Ensemble holds T probability vectors per input, indexed [n][t][c].
type Ensemble [][][]float64

// Len returns the number of inputs N.
func (e Ensemble) Len() int { return len(e) }

// Passes returns T.
func (e Ensemble) Passes() int {
	if len(e) == 0 {
		return 0
	}
	return len(e[0])
}

// Classes returns C.
func (e Ensemble) Classes() int {
	if len(e) == 0 || len(e[0]) == 0 {
		return 0
	}
	return len(e[0][0])
}

// Mean returns the mean-over-T probability vector of input n.
func (e Ensemble) Mean(n int) []float64 {
	mean := make([]float64, e.Classes())
	for _, probs := range e[n] {
		floats.Add(mean, probs)
	}
	floats.Scale(1/float64(len(e[n])), mean)
	return mean
}

// Sampler draws independent forward passes. A Sampler is safe for concurrent
// use; its only mutable state is an atomic call counter.
type Sampler struct {
	seed  uint64
	calls atomic.Uint64
}

// NewSampler returns a Sampler. A zero seed picks a random one.
func NewSampler(seed int64) *Sampler {
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Sampler{seed: uint64(seed)}
}

// Fork returns an independent sampler for stream id. Every fork draws a fresh
// value from the parent's call counter, so forks with distinct ids and repeated
// forks of one id never share pass seeds. The sequence is reproducible for a
// fixed seed and fork order.
func (s *Sampler) Fork(id int) *Sampler {
	call := s.calls.Add(1)
	return &Sampler{seed: mix(s.seed^mix(uint64(id)+0x51ed27)) + mix(call)*0x9e3779b97f4a7c15}
}

// Sample runs passes forward evaluations of m over inputs. Deterministic models
// are evaluated exactly once regardless of passes.
func (s *Sampler) Sample(m model.Model, inputs [][]float64, passes int) (Ensemble, error) {
	if passes < 1 {
		return nil, fmt.Errorf("ensemble: %w: passes must be >= 1 (got %d)", model.ErrEmptyEnsemble, passes)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("ensemble: %w: no inputs", model.ErrEmptyEnsemble)
	}
	if m.Capability() == model.Deterministic {
		passes = 1
	}
	call := s.calls.Add(1)

	out := make(Ensemble, len(inputs))
	for n := range out {
		out[n] = make([][]float64, passes)
	}
	classes := -1
	for t := 0; t < passes; t++ {
		var rng *rand.Rand
		if m.Capability() == model.Probabilistic {
			rng = rand.New(rand.NewSource(int64(s.passSeed(call, t))))
		}
		probs, err := m.Forward(inputs, rng)
		if err != nil {
			return nil, fmt.Errorf("ensemble: pass %d: %w", t, err)
		}
		if len(probs) != len(inputs) {
			return nil, &model.ShapeError{Op: fmt.Sprintf("ensemble: pass %d rows", t), Want: len(inputs), Got: len(probs)}
		}
		for n, p := range probs {
			if classes < 0 {
				classes = len(p)
			}
			if len(p) != classes {
				return nil, &model.ShapeError{Op: fmt.Sprintf("ensemble: pass %d input %d classes", t, n), Want: classes, Got: len(p)}
			}
			out[n][t] = p
		}
	}
	return out, nil
}

func (s *Sampler) passSeed(call uint64, pass int) uint64 {
	return mix(s.seed + mix(call)*0x9e3779b97f4a7c15 + uint64(pass))
}

// mix is the splitmix64 finalizer.
func mix(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
