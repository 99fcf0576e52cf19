package ensemble

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmix/internal/model"
)

// countingModel records how often it is evaluated and which seeds it saw.
type countingModel struct {
	capability model.Capability
	classes    []int // classes returned per call, cycling
	calls      int
	draws      []float64
}

func (m *countingModel) Capability() model.Capability { return m.capability }
func (m *countingModel) Architecture() string { return "counting" }
func (m *countingModel) InputSize() int { return 1 }
func (m *countingModel) NumClasses() int { return m.classes[0] }
func (m *countingModel) Params() []model.Param { return nil }
func (m *countingModel) WithParams([]model.Param) (model.Model, error) { return m, nil }

func (m *countingModel) Forward(inputs [][]float64, rng *rand.Rand) ([][]float64, error) {
	c := m.classes[m.calls%len(m.classes)]
	m.calls++
	if rng != nil {
		m.draws = append(m.draws, rng.Float64())
	}
	out := make([][]float64, len(inputs))
	for i := range out {
		out[i] = make([]float64, c)
		out[i][0] = 1
	}
	return out, nil
}

func TestSamplerDeterministicShortCircuits(t *testing.T) {
	m := &countingModel{capability: model.Deterministic, classes: []int{3}}
	ens, err := NewSampler(1).Sample(m, [][]float64{{0}, {1}}, 25)
	require.NoError(t, err)
	assert.Equal(t, 1, m.calls)
	assert.Equal(t, 2, ens.Len())
	assert.Equal(t, 1, ens.Passes())
	assert.Equal(t, 3, ens.Classes())
}

func TestSamplerProbabilisticIndependentPasses(t *testing.T) {
	m := &countingModel{capability: model.Probabilistic, classes: []int{2}}
	ens, err := NewSampler(7).Sample(m, [][]float64{{0}}, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, m.calls)
	assert.Equal(t, 10, ens.Passes())

	seen := map[float64]bool{}
	for _, d := range m.draws {
		assert.False(t, seen[d], "two passes drew the same first value")
		seen[d] = true
	}
}

func TestSamplerForksDoNotShareSeeds(t *testing.T) {
	root := NewSampler(3)
	a := &countingModel{capability: model.Probabilistic, classes: []int{2}}
	b := &countingModel{capability: model.Probabilistic, classes: []int{2}}
	_, err := root.Fork(0).Sample(a, [][]float64{{0}}, 5)
	require.NoError(t, err)
	_, err = root.Fork(1).Sample(b, [][]float64{{0}}, 5)
	require.NoError(t, err)
	assert.NotEqual(t, a.draws, b.draws)

	again := &countingModel{capability: model.Probabilistic, classes: []int{2}}
	_, err = NewSampler(3).Fork(0).Sample(again, [][]float64{{0}}, 5)
	require.NoError(t, err)
	assert.Equal(t, a.draws, again.draws, "forks must be reproducible for a fixed seed")
}

func TestSamplerRepeatedForksDrawFreshSeeds(t *testing.T) {
	root := NewSampler(3)
	first := &countingModel{capability: model.Probabilistic, classes: []int{2}}
	second := &countingModel{capability: model.Probabilistic, classes: []int{2}}
	_, err := root.Fork(0).Sample(first, [][]float64{{0}}, 5)
	require.NoError(t, err)
	_, err = root.Fork(0).Sample(second, [][]float64{{0}}, 5)
	require.NoError(t, err)
	assert.NotEqual(t, first.draws, second.draws)

	replay := NewSampler(3)
	firstAgain := &countingModel{capability: model.Probabilistic, classes: []int{2}}
	secondAgain := &countingModel{capability: model.Probabilistic, classes: []int{2}}
	_, err = replay.Fork(0).Sample(firstAgain, [][]float64{{0}}, 5)
	require.NoError(t, err)
	_, err = replay.Fork(0).Sample(secondAgain, [][]float64{{0}}, 5)
	require.NoError(t, err)
	assert.Equal(t, first.draws, firstAgain.draws)
	assert.Equal(t, second.draws, secondAgain.draws)
}

func TestSamplerShapeMismatch(t *testing.T) {
	m := &countingModel{capability: model.Probabilistic, classes: []int{3, 4}}
	_, err := NewSampler(1).Sample(m, [][]float64{{0}}, 2)
	assert.ErrorIs(t, err, model.ErrShapeMismatch)
}

func TestSamplerRejectsEmpty(t *testing.T) {
	m := &countingModel{capability: model.Probabilistic, classes: []int{3}}
	_, err := NewSampler(1).Sample(m, [][]float64{{0}}, 0)
	assert.ErrorIs(t, err, model.ErrEmptyEnsemble)
	_, err = NewSampler(1).Sample(m, nil, 3)
	assert.ErrorIs(t, err, model.ErrEmptyEnsemble)
}

func TestEnsembleMean(t *testing.T) {
	ens := Ensemble{{{0.2, 0.8}, {0.6, 0.4}}}
	assert.InDeltaSlice(t, []float64{0.4, 0.6}, ens.Mean(0), 1e-12)
}
