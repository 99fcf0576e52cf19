// Package arbiter picks, per input, which of several task-specialist models
// to trust, using each model's uncertainty or confidence on that input.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"taskmix/internal/ensemble"
	"taskmix/internal/logging"
	"taskmix/internal/model"
	"taskmix/internal/predict"
	"taskmix/internal/uncertainty"
)

// Options configures Arbitrate.
type Options struct {
	Metric uncertainty.Metric
	// Passes is the ensemble size T for probabilistic models.
	Passes int
	// Sampler is forked once per model; nil means a randomly seeded one.
	Sampler *ensemble.Sampler
	// AllowPolarityOverride permits confidence on probabilistic models (scored
	// on the mean vector) and sampling metrics on deterministic models.
	AllowPolarityOverride bool
	// Workers bounds concurrent model evaluations; zero means one per model.
	Workers int
	Logger  *slog.Logger
}

// Selection is the arbitrated outcome for one input.
type Selection struct {
	Class int
	Score float64
	Model int
}

// Report summarizes one arbitrated batch.
type Report struct {
	Accuracy float64
	// Selected[k] is the fraction of inputs routed to model k.
	Selected []float64
	// MeanScore[k] is model k's average score over the batch.
	MeanScore []float64
	// ModelAccuracy[k] is model k's standalone accuracy on the batch.
	ModelAccuracy []float64
	Selections    []Selection
}

type evaluation struct {
	classes []int
	scores  []float64
}

// Arbitrate scores every model on batch and routes each input to the model
// with the best score under opts.Metric, ties going to the lowest index. Any
// model failing aborts the whole batch.
func Arbitrate(ctx context.Context, models []model.Model, batch model.Batch, opts Options) (Report, error) {
	if len(models) == 0 {
		return Report{}, fmt.Errorf("arbiter: %w: no models", model.ErrEmptyEnsemble)
	}
	if batch.Len() == 0 {
		return Report{}, fmt.Errorf("arbiter: %w: empty batch", model.ErrEmptyEnsemble)
	}
	if len(batch.Labels) != batch.Len() {
		return Report{}, &model.ShapeError{Op: "arbiter: labels", Want: batch.Len(), Got: len(batch.Labels)}
	}
	if _, err := uncertainty.ParseMetric(string(opts.Metric)); err != nil {
		return Report{}, fmt.Errorf("arbiter: %w", err)
	}
	classes := models[0].NumClasses()
	for k, m := range models {
		if m.NumClasses() != classes {
			return Report{}, &model.ShapeError{Op: fmt.Sprintf("arbiter: model %d classes", k), Want: classes, Got: m.NumClasses()}
		}
		if err := checkPolarity(m, opts); err != nil {
			return Report{}, fmt.Errorf("arbiter: model %d: %w", k, err)
		}
	}
	if opts.Passes < 1 {
		opts.Passes = 1
	}
	if opts.Sampler == nil {
		opts.Sampler = ensemble.NewSampler(0)
	}
	logger := logging.OrDiscard(opts.Logger)

	evals := make([]evaluation, len(models))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for k, m := range models {
		sampler := opts.Sampler.Fork(k)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ens, err := sampler.Sample(m, batch.Inputs, opts.Passes)
			if err != nil {
				return fmt.Errorf("arbiter: model %d: %w", k, err)
			}
			scores, err := uncertainty.Score(ens, opts.Metric)
			if err != nil {
				return fmt.Errorf("arbiter: model %d: %w", k, err)
			}
			evals[k] = evaluation{classes: predict.Classify(ens), scores: scores}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := selectBest(evals, batch.Labels, opts.Metric)
	logger.Debug("arbitrated batch",
		"task", batch.Task,
		"metric", opts.Metric.String(),
		"passes", opts.Passes,
		"models", len(models),
		"accuracy", report.Accuracy,
	)
	return report, nil
}

func checkPolarity(m model.Model, opts Options) error {
	if opts.AllowPolarityOverride {
		return nil
	}
	switch {
	case opts.Metric == uncertainty.Confidence && m.Capability() != model.Deterministic:
		return fmt.Errorf("%w: %s needs a deterministic single-pass model, got %s", model.ErrMetricPolarity, opts.Metric, m.Capability())
	case opts.Metric.NeedsSampling() && m.Capability() == model.Deterministic:
		return fmt.Errorf("%w: %s is always zero for a deterministic model", model.ErrMetricPolarity, opts.Metric)
	}
	return nil
}

// selectBest reduces completed per-model evaluations to per-input selections.
func selectBest(evals []evaluation, labels []int, metric uncertainty.Metric) Report {
	n := len(labels)
	k := len(evals)
	report := Report{
		Selected:      make([]float64, k),
		MeanScore:     make([]float64, k),
		ModelAccuracy: make([]float64, k),
		Selections:    make([]Selection, n),
	}
	correct := 0
	for i := 0; i < n; i++ {
		best := 0
		for j := 1; j < k; j++ {
			if metric.Better(evals[j].scores[i], evals[best].scores[i]) {
				best = j
			}
		}
		sel := Selection{Class: evals[best].classes[i], Score: evals[best].scores[i], Model: best}
		report.Selections[i] = sel
		report.Selected[best]++
		if sel.Class == labels[i] {
			correct++
		}
	}
	for j, e := range evals {
		report.Selected[j] /= float64(n)
		sum := 0.0
		for _, s := range e.scores {
			sum += s
		}
		report.MeanScore[j] = sum / float64(n)
		report.ModelAccuracy[j] = predict.Accuracy(e.classes, labels)
	}
	report.Accuracy = float64(correct) / float64(n)
	return report
}
