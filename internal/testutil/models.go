package testutil

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"taskmix/internal/dataset"
	"taskmix/internal/model"
	"taskmix/internal/trainer"
)

// Table is a model whose output for input n is Probs[int(input[0])]. It lets
// tests script exact per-input probabilities. When Jitter is non-zero and the
// capability is probabilistic, every pass perturbs the vector with noise
// drawn from the pass's rng before renormalizing.
type Table struct {
	Cap    model.Capability
	Probs  [][]float64
	Jitter float64
	Err    error
}

var _ model.Model = (*Table)(nil)

func (m *Table) Capability() model.Capability { return m.Cap }
func (m *Table) Architecture() string { return "table" }
func (m *Table) InputSize() int { return 1 }
func (m *Table) NumClasses() int { return len(m.Probs[0]) }
func (m *Table) Params() []model.Param {
	return []model.Param{{Name: "fc1.W", Shape: []int{1}, Data: []float64{0}, Output: true}}
}

func (m *Table) WithParams([]model.Param) (model.Model, error) {
	return nil, errors.New("table models have no trainable parameters")
}

func (m *Table) Forward(inputs [][]float64, rng *rand.Rand) ([][]float64, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([][]float64, len(inputs))
	for i, x := range inputs {
		base := m.Probs[int(x[0])]
		p := append([]float64(nil), base...)
		if m.Cap == model.Probabilistic && m.Jitter > 0 && rng != nil {
			sum := 0.0
			for c := range p {
				p[c] += rng.Float64() * m.Jitter
				sum += p[c]
			}
			for c := range p {
				p[c] /= sum
			}
		}
		out[i] = p
	}
	return out, nil
}

// IndexBatch returns a batch whose n-th input selects row n of a Table.
func IndexBatch(labels ...int) model.Batch {
	inputs := make([][]float64, len(labels))
	for i := range inputs {
		inputs[i] = []float64{float64(i)}
	}
	return model.Batch{Inputs: inputs, Labels: append([]int(nil), labels...)}
}

// Tasks bundles trained task specialists with their loaders.
type Tasks struct {
	Models []*model.Network
	Train  *dataset.Synthetic
	Valid  *dataset.Synthetic
}

// TaskOptions configures TrainTasks.
type TaskOptions struct {
	Capability     model.Capability
	NumTasks       int
	ClassesPerTask int
	FeatureSize    int
	Hidden         int
	PerTask        int
	Steps          int
	Seed           int64
	SharedInit     bool
}

// TrainTasks trains one network per task on disjoint synthetic class splits,
// each task living in its own feature subspace.
func TrainTasks(t testing.TB, opts TaskOptions) Tasks {
	t.Helper()
	if opts.NumTasks == 0 {
		opts.NumTasks = 2
	}
	if opts.ClassesPerTask == 0 {
		opts.ClassesPerTask = 5
	}
	if opts.FeatureSize == 0 {
		opts.FeatureSize = 12
	}
	if opts.Hidden == 0 {
		opts.Hidden = 16
	}
	if opts.PerTask == 0 {
		opts.PerTask = 200
	}
	if opts.Steps == 0 {
		opts.Steps = 400
	}
	train, err := dataset.NewSynthetic(dataset.SyntheticOptions{
		NumTasks:       opts.NumTasks,
		ClassesPerTask: opts.ClassesPerTask,
		FeatureSize:    opts.FeatureSize,
		PerTask:        opts.PerTask,
		Seed:           opts.Seed,
		TaskSubspace:   true,
	})
	require.NoError(t, err)

	nets, err := trainer.RunAll(context.Background(), trainer.RunConfig{
		Loader: train,
		Network: model.NetworkOptions{
			Capability:   opts.Capability,
			Sizes:        []int{opts.FeatureSize, opts.Hidden, opts.ClassesPerTask},
			LearningRate: 0.05,
			LogAlpha:     -4,
		},
		Steps:      opts.Steps,
		BatchSize:  16,
		Seed:       opts.Seed,
		SharedInit: opts.SharedInit,
	}, opts.NumTasks)
	require.NoError(t, err)
	return Tasks{Models: nets, Train: train, Valid: train.WithSplit(1)}
}

// Models converts networks to the model interface.
func Models(nets []*model.Network) []model.Model {
	out := make([]model.Model, len(nets))
	for i, n := range nets {
		out[i] = n
	}
	return out
}
