// Package uncertainty scores ensembles of forward passes.
//
// Uncertainty metrics are lower-is-better; confidence is higher-is-better.
// Scores under different metrics are not comparable with each other.
package uncertainty

import "fmt"

// Metric names a per-input scoring rule.
type Metric string

const (
	// EpistemicSoftmax sums, over classes, the variance of that class's
	// probability across the T passes.
	EpistemicSoftmax Metric = "epistemic_softmax"
	// PredictiveEntropy is the entropy of the mean probability vector.
	PredictiveEntropy Metric = "predictive_entropy"
	// MutualInformation is predictive entropy minus the mean per-pass entropy.
	MutualInformation Metric = "mutual_information"
	// Confidence is the largest mean class probability.
	Confidence Metric = "confidence"
)

// Metrics lists every supported metric.
var Metrics = []Metric{EpistemicSoftmax, PredictiveEntropy, MutualInformation, Confidence}

// Polarity tells which direction of a score is preferred.
type Polarity int

const (
	LowerIsBetter Polarity = iota
	HigherIsBetter
)

func (p Polarity) String() string {
	if p == HigherIsBetter {
		return "higher-is-better"
	}
	return "lower-is-better"
}

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	for _, m := range Metrics {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("uncertainty: unknown metric %q", s)
}

func (m Metric) String() string { return string(m) }

// Polarity reports the preferred direction for m.
func (m Metric) Polarity() Polarity {
	if m == Confidence {
		return HigherIsBetter
	}
	return LowerIsBetter
}

// Better reports whether score a is strictly preferred over b under m.
func (m Metric) Better(a, b float64) bool {
	if m.Polarity() == HigherIsBetter {
		return a > b
	}
	return a < b
}

// NeedsSampling reports whether m is degenerate (always zero) for a single
// forward pass.
func (m Metric) NeedsSampling() bool {
	return m == EpistemicSoftmax || m == MutualInformation
}
