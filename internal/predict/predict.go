// Package predict reduces a model's forward passes to class predictions.
package predict

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"taskmix/internal/ensemble"
	"taskmix/internal/model"
)

// Result is the outcome of evaluating one model on one batch.
type Result struct {
	Classes  []int
	Accuracy float64
	Ensemble ensemble.Ensemble
}

// Predict evaluates m on batch. Probabilistic models are sampled passes times
// and classified by the argmax of the mean probability vector; deterministic
// models are evaluated once.
func Predict(m model.Model, batch model.Batch, passes int, sampler *ensemble.Sampler) (Result, error) {
	if batch.Len() == 0 {
		return Result{}, fmt.Errorf("predict: %w: empty batch", model.ErrEmptyEnsemble)
	}
	if len(batch.Labels) != batch.Len() {
		return Result{}, &model.ShapeError{Op: "predict: labels", Want: batch.Len(), Got: len(batch.Labels)}
	}
	ens, err := sampler.Sample(m, batch.Inputs, passes)
	if err != nil {
		return Result{}, fmt.Errorf("predict: %w", err)
	}
	classes := Classify(ens)
	return Result{Classes: classes, Accuracy: Accuracy(classes, batch.Labels), Ensemble: ens}, nil
}

// Classify returns the argmax of each input's mean probability vector. Ties go
// to the lowest class index.
func Classify(ens ensemble.Ensemble) []int {
	classes := make([]int, ens.Len())
	for n := range ens {
		classes[n] = floats.MaxIdx(ens.Mean(n))
	}
	return classes
}

// Accuracy is the fraction of positions where predicted equals labels.
func Accuracy(predicted, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	correct := 0
	for i, c := range predicted {
		if c == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}
