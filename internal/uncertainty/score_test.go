package uncertainty

import (
	"math"
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmix/internal/ensemble"
	"taskmix/internal/model"
)

func TestScoreKnownValues(t *testing.T) {
	// One input, two passes that disagree completely.
	disagree := ensemble.Ensemble{{{1, 0}, {0, 1}}}
	// One input, two identical uniform passes.
	agree := ensemble.Ensemble{{{0.5, 0.5}, {0.5, 0.5}}}

	tests := []struct {
		name   string
		ens    ensemble.Ensemble
		metric Metric
		want   float64
	}{
		{name: "epistemic disagree", ens: disagree, metric: EpistemicSoftmax, want: 0.5},
		{name: "epistemic agree", ens: agree, metric: EpistemicSoftmax, want: 0},
		{name: "entropy disagree", ens: disagree, metric: PredictiveEntropy, want: math.Ln2},
		{name: "entropy agree", ens: agree, metric: PredictiveEntropy, want: math.Ln2},
		{name: "mi disagree", ens: disagree, metric: MutualInformation, want: math.Ln2},
		{name: "mi agree", ens: agree, metric: MutualInformation, want: 0},
		{name: "confidence disagree", ens: disagree, metric: Confidence, want: 0.5},
		{name: "confidence single", ens: ensemble.Ensemble{{{0.1, 0.9}}}, metric: Confidence, want: 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Score(tt.ens, tt.metric)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.InDelta(t, tt.want, got[0], 1e-12)
		})
	}
}

func TestScoreSinglePassIsZeroForSamplingMetrics(t *testing.T) {
	ens := ensemble.Ensemble{{{0.2, 0.3, 0.5}}, {{0.9, 0.05, 0.05}}}
	for _, m := range []Metric{EpistemicSoftmax, MutualInformation} {
		scores, err := Score(ens, m)
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 0}, scores, m)
	}
	scores, err := Score(ens, PredictiveEntropy)
	require.NoError(t, err)
	assert.Greater(t, scores[0], 0.0)
}

func TestScoreDeterministicModelHasNoDisagreement(t *testing.T) {
	net, err := model.NewNetwork(model.NetworkOptions{Sizes: []int{3, 4, 2}, Seed: 5})
	require.NoError(t, err)
	inputs := [][]float64{{1, 2, 3}, {0, 0, 1}}
	for _, passes := range []int{1, 5, 25} {
		ens, err := ensemble.NewSampler(1).Sample(net, inputs, passes)
		require.NoError(t, err)
		for _, m := range []Metric{EpistemicSoftmax, MutualInformation} {
			scores, err := Score(ens, m)
			require.NoError(t, err)
			assert.Equal(t, []float64{0, 0}, scores)
		}
	}
}

func TestScoreErrors(t *testing.T) {
	_, err := Score(nil, EpistemicSoftmax)
	assert.ErrorIs(t, err, model.ErrEmptyEnsemble)
	_, err = Score(ensemble.Ensemble{{{1}}}, Metric("bogus"))
	assert.Error(t, err)
}

// Property: predictive entropy >= mutual information >= 0 for any ensemble.
func TestInformationBound_Property(t *testing.T) {
	f := func(seed int64, passesRaw, classesRaw uint8) bool {
		rng := rand.New(rand.NewSource(seed))
		passes := int(passesRaw%30) + 1
		classes := int(classesRaw%9) + 2
		samples := make([][]float64, passes)
		for p := range samples {
			samples[p] = randomSimplex(rng, classes)
		}
		ens := ensemble.Ensemble{samples}
		h, err := Score(ens, PredictiveEntropy)
		if err != nil {
			return false
		}
		mi, err := Score(ens, MutualInformation)
		if err != nil {
			return false
		}
		return mi[0] >= 0 && h[0] >= mi[0]-1e-12
	}
	if err := quick.Check(f, nil); err != nil {
		t.Errorf("information bound property failed: %v", err)
	}
}

func randomSimplex(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	sum := 0.0
	for i := range out {
		out[i] = rng.ExpFloat64()
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func TestMetricPolarity(t *testing.T) {
	assert.Equal(t, HigherIsBetter, Confidence.Polarity())
	assert.True(t, Confidence.Better(0.9, 0.1))
	for _, m := range []Metric{EpistemicSoftmax, PredictiveEntropy, MutualInformation} {
		assert.Equal(t, LowerIsBetter, m.Polarity())
		assert.True(t, m.Better(0.1, 0.9))
		assert.False(t, m.Better(0.5, 0.5))
	}
	assert.True(t, EpistemicSoftmax.NeedsSampling())
	assert.False(t, PredictiveEntropy.NeedsSampling())
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("mutual_information")
	require.NoError(t, err)
	assert.Equal(t, MutualInformation, m)
	_, err = ParseMetric("variance")
	assert.Error(t, err)
}
