package uncertainty

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"taskmix/internal/ensemble"
	"taskmix/internal/model"
)

// Score computes one score per input of ens under metric.
func Score(ens ensemble.Ensemble, metric Metric) ([]float64, error) {
	if ens.Len() == 0 || ens.Passes() == 0 {
		return nil, fmt.Errorf("uncertainty: %w", model.ErrEmptyEnsemble)
	}
	var fn func([][]float64) float64
	switch metric {
	case EpistemicSoftmax:
		fn = Epistemic
	case PredictiveEntropy:
		fn = func(passes [][]float64) float64 { return Entropy(mean(passes)) }
	case MutualInformation:
		fn = MutualInfo
	case Confidence:
		fn = Confident
	default:
		return nil, fmt.Errorf("uncertainty: unknown metric %q", metric)
	}
	scores := make([]float64, ens.Len())
	for n, passes := range ens {
		scores[n] = fn(passes)
	}
	return scores, nil
}

// Epistemic returns the summed per-class population variance across passes.
// A single pass has no observable disagreement and scores exactly zero.
func Epistemic(passes [][]float64) float64 {
	if len(passes) < 2 {
		return 0
	}
	column := make([]float64, len(passes))
	total := 0.0
	for c := range passes[0] {
		for t, probs := range passes {
			column[t] = probs[c]
		}
		total += stat.PopVariance(column, nil)
	}
	return total
}

// Entropy is the Shannon entropy of p in nats.
func Entropy(p []float64) float64 {
	return stat.Entropy(p)
}

// Aleatoric is the mean per-pass entropy, the expected data uncertainty.
func Aleatoric(passes [][]float64) float64 {
	total := 0.0
	for _, probs := range passes {
		total += stat.Entropy(probs)
	}
	return total / float64(len(passes))
}

// MutualInfo is predictive entropy minus aleatoric entropy, clamped at zero to
// absorb rounding. A single pass scores exactly zero.
func MutualInfo(passes [][]float64) float64 {
	if len(passes) < 2 {
		return 0
	}
	return math.Max(0, Entropy(mean(passes))-Aleatoric(passes))
}

// Confident returns the largest probability of the mean vector.
func Confident(passes [][]float64) float64 {
	if len(passes) == 1 {
		return floats.Max(passes[0])
	}
	return floats.Max(mean(passes))
}

func mean(passes [][]float64) []float64 {
	out := make([]float64, len(passes[0]))
	for _, probs := range passes {
		floats.Add(out, probs)
	}
	floats.Scale(1/float64(len(passes)), out)
	return out
}
