// Package experiment drives the evaluations of task-specialist models and
// appends a human-readable report for each run.
package experiment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"taskmix/internal/arbiter"
	"taskmix/internal/config"
	"taskmix/internal/dataset"
	"taskmix/internal/ensemble"
	"taskmix/internal/logging"
	"taskmix/internal/metrics"
	"taskmix/internal/mixer"
	"taskmix/internal/model"
	"taskmix/internal/predict"
	"taskmix/internal/trainer"
	"taskmix/internal/uncertainty"
)

// env is everything one run needs after the config has been resolved.
type env struct {
	cfg        *config.Config
	logger     *slog.Logger
	out        io.Writer
	train      dataset.Loader
	valid      dataset.Loader
	inputSize  int
	capability model.Capability
	metric     uncertainty.Metric
	sampler    *ensemble.Sampler
	window     metrics.Window
}

type runFunc func(ctx context.Context, e *env, models []model.Model) error

var experiments = map[string]runFunc{
	config.RegularBayesian:         regular,
	config.RegularFrequentist:      regular,
	config.MultiModelUncertainty:   multiModel,
	config.MultiModelConfidence:    multiModel,
	config.AverageWeightsMixture:   averageWeights,
	config.MixtureHeadsUncertainty: mixtureHeads,
}

// Run executes cfg.Experiment and appends its report to sink. The report is
// written in one piece, including a failure line when the run errors.
func Run(ctx context.Context, cfg *config.Config, sink io.Writer, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger = logging.OrDiscard(logger)
	runID := uuid.NewString()
	logger = logger.With("experiment", cfg.Experiment, "run_id", runID)

	var buf bytes.Buffer
	writeHeader(&buf, cfg, runID, time.Now())

	start := time.Now()
	err := run(ctx, cfg, &buf, logger)
	if err != nil {
		fmt.Fprintf(&buf, "Failed: %v\n", err)
		logger.Error("experiment failed", "err", err)
	} else {
		logger.Info("experiment finished", "elapsed", time.Since(start).Round(time.Millisecond))
	}
	buf.WriteString("\n\n")

	if _, werr := sink.Write(buf.Bytes()); werr != nil {
		return errors.Join(err, fmt.Errorf("experiment: write report: %w", werr))
	}
	return err
}

func writeHeader(w io.Writer, cfg *config.Config, runID string, now time.Time) {
	fmt.Fprintf(w, "Performing experiment: %s\n", cfg.Experiment)
	fmt.Fprintf(w, "Date-Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(w, "Run-ID: %s\n\n", runID)
	fmt.Fprintf(w, "Args: num_tasks=%d classes_per_task=%d net_type=%s layer_type=%s activation=%s hidden=%v metric=%s ensemble_size=%d\n",
		cfg.NumTasks, cfg.ClassesPerTask, cfg.NetType, cfg.LayerType, cfg.Activation, cfg.Hidden, cfg.Metric, cfg.EnsembleSize)
	fmt.Fprintf(w, "Comment: %s\n\n", cfg.Comment)
}

func run(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) error {
	fn, ok := experiments[cfg.Experiment]
	if !ok {
		return fmt.Errorf("experiment: unknown experiment %q", cfg.Experiment)
	}
	e, err := newEnv(cfg, out, logger)
	if err != nil {
		return err
	}
	nets, err := loadModels(ctx, e)
	if err != nil {
		return err
	}
	models := make([]model.Model, len(nets))
	for i, n := range nets {
		models[i] = n
	}
	if err := fn(ctx, e, models); err != nil {
		return err
	}
	snap := e.window.Snapshot()
	logger.Info("evaluated",
		"evaluations", snap.Steps,
		"forward_samples", snap.Samples,
		"samples_per_sec", snap.SamplesPerSec,
		"load_ms", snap.AvgDataMS,
		"compute_ms", snap.AvgComputeMS,
	)
	return nil
}

func newEnv(cfg *config.Config, out io.Writer, logger *slog.Logger) (*env, error) {
	c, err := model.ParseCapability(cfg.LayerType)
	if err != nil {
		return nil, fmt.Errorf("experiment: %w", err)
	}
	metric, err := uncertainty.ParseMetric(cfg.Metric)
	if err != nil {
		return nil, fmt.Errorf("experiment: %w", err)
	}
	e := &env{
		cfg:        cfg,
		logger:     logger,
		out:        out,
		capability: c,
		metric:     metric,
		sampler:    ensemble.NewSampler(cfg.Seed),
	}
	if len(cfg.Data.Roots) > 0 {
		shards, err := dataset.NewShardLoader(dataset.ShardOptions{
			Roots:          cfg.Data.Roots,
			NumTasks:       cfg.NumTasks,
			ClassesPerTask: cfg.ClassesPerTask,
			PerTask:        cfg.Data.PerTask,
			NumWorkers:     cfg.Data.NumWorkers,
			Seed:           cfg.Data.Seed,
			RootPerTask:    cfg.Data.RootPerTask,
		})
		if err != nil {
			return nil, fmt.Errorf("experiment: %w", err)
		}
		e.train, e.valid, e.inputSize = shards, shards, dataset.FeatureSize
		return e, nil
	}
	synth, err := dataset.NewSynthetic(dataset.SyntheticOptions{
		NumTasks:       cfg.NumTasks,
		ClassesPerTask: cfg.ClassesPerTask,
		FeatureSize:    cfg.Data.FeatureSize,
		PerTask:        cfg.Data.PerTask,
		Seed:           cfg.Data.Seed,
		TaskSubspace:   cfg.Data.FeatureSize >= cfg.NumTasks,
	})
	if err != nil {
		return nil, fmt.Errorf("experiment: %w", err)
	}
	e.train, e.valid, e.inputSize = synth, synth.WithSplit(1), cfg.Data.FeatureSize
	return e, nil
}

// loadModels restores one checkpoint per task, or trains and saves them when
// training is enabled.
func loadModels(ctx context.Context, e *env) ([]*model.Network, error) {
	cfg := e.cfg
	sizes := append([]int{e.inputSize}, cfg.Hidden...)
	sizes = append(sizes, cfg.ClassesPerTask)
	runCfg := trainer.RunConfig{
		Loader: e.train,
		Network: model.NetworkOptions{
			Capability:   e.capability,
			Activation:   model.Activation(cfg.Activation),
			Sizes:        sizes,
			LearningRate: cfg.Train.LearningRate,
			LogAlpha:     cfg.LogAlpha,
		},
		Steps:      cfg.Train.Steps,
		BatchSize:  cfg.Train.BatchSize,
		LogEvery:   cfg.Train.LogEvery,
		Seed:       cfg.Train.Seed,
		SharedInit: cfg.Train.SharedInit,
		Logger:     e.logger,
	}

	nets := make([]*model.Network, cfg.NumTasks)
	for task := range nets {
		path := model.CheckpointPath(cfg.CheckpointDir, cfg.NetType, cfg.NumTasks, task)
		if cfg.Train.Enabled {
			n, err := trainer.Run(ctx, runCfg, task)
			if err != nil {
				return nil, err
			}
			if err := model.SaveCheckpoint(path, n); err != nil {
				return nil, fmt.Errorf("experiment: save task %d: %w", task, err)
			}
			e.logger.Info("saved checkpoint", "task", task, "path", path)
			nets[task] = n
			continue
		}
		n, err := model.LoadCheckpoint(path)
		if err != nil {
			return nil, fmt.Errorf("experiment: load task %d: %w", task, err)
		}
		if n.Capability() != e.capability {
			return nil, fmt.Errorf("experiment: %w: checkpoint %s is %s, layer_type %s wants %s",
				model.ErrArchitectureMismatch, path, n.Capability(), cfg.LayerType, e.capability)
		}
		if n.InputSize() != e.inputSize {
			return nil, &model.ShapeError{Op: "experiment: checkpoint " + path + " input", Want: e.inputSize, Got: n.InputSize()}
		}
		e.logger.Debug("loaded checkpoint", "task", task, "model", n.String())
		nets[task] = n
	}
	return nets, nil
}

func (e *env) passes() int {
	if e.capability == model.Deterministic {
		return 1
	}
	return e.cfg.EnsembleSize
}

// load fetches the validation batch of task.
func (e *env) load(ctx context.Context, task int) (model.Batch, time.Duration, error) {
	start := time.Now()
	batch, err := e.valid.Load(ctx, task)
	if err != nil {
		return model.Batch{}, 0, fmt.Errorf("experiment: load task %d: %w", task, err)
	}
	return batch, time.Since(start), nil
}

func (e *env) arbitrate(ctx context.Context, models []model.Model, task int) (arbiter.Report, error) {
	batch, loadTime, err := e.load(ctx, task)
	if err != nil {
		return arbiter.Report{}, err
	}
	start := time.Now()
	rep, err := arbiter.Arbitrate(ctx, models, batch, arbiter.Options{
		Metric:                e.metric,
		Passes:                e.passes(),
		Sampler:               e.sampler,
		AllowPolarityOverride: e.cfg.AllowOverride,
		Workers:               e.cfg.Workers,
		Logger:                e.logger,
	})
	if err != nil {
		return arbiter.Report{}, err
	}
	e.window.Record(metrics.Step{
		Samples: batch.Len() * len(models) * e.passes(),
		Data:    loadTime,
		Compute: time.Since(start),
	})
	return rep, nil
}

func (e *env) accuracy(ctx context.Context, m model.Model, task int) (float64, error) {
	batch, loadTime, err := e.load(ctx, task)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	res, err := predict.Predict(m, batch, e.passes(), e.sampler)
	if err != nil {
		return 0, err
	}
	e.window.Record(metrics.Step{Samples: batch.Len() * e.passes(), Data: loadTime, Compute: time.Since(start)})
	return res.Accuracy, nil
}

// regular evaluates every model on its own task.
func regular(ctx context.Context, e *env, models []model.Model) error {
	for i, m := range models {
		acc, err := e.accuracy(ctx, m, i)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Model-%d, Task-%d-Dataset=> Accuracy: %.3f\n", i+1, i+1, acc)
	}
	return nil
}

// multiModel routes every task's inputs among all models by the configured
// metric.
func multiModel(ctx context.Context, e *env, models []model.Model) error {
	for task := range models {
		rep, err := e.arbitrate(ctx, models, task)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "All Models, Task-%d-Dataset=> Accuracy: %.3f\n", task+1, rep.Accuracy)
		writeSelections(e, rep)
		fmt.Fprintln(e.out)
	}
	return nil
}

func writeSelections(e *env, rep arbiter.Report) {
	for j := range rep.Selected {
		if e.metric == uncertainty.Confidence {
			fmt.Fprintf(e.out, "Model-%d-selected: %.3f\tModel-%d-Confidence: %.3f\n", j+1, rep.Selected[j], j+1, rep.MeanScore[j])
			continue
		}
		fmt.Fprintf(e.out, "Model-%d-Preferred: %.3f\tModel-%d-Uncertainty: %.3f\n", j+1, rep.Selected[j], j+1, rep.MeanScore[j])
	}
}

// averageWeights prints every model on every task, then the fully averaged
// model on every task.
func averageWeights(ctx context.Context, e *env, models []model.Model) error {
	for i, m := range models {
		for task := range models {
			acc, err := e.accuracy(ctx, m, task)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "Model-%d, Loader-%d: %.3f\n", i+1, task+1, acc)
		}
	}
	mixed, err := mixer.Mix(models, true)
	if err != nil {
		return err
	}
	merged, err := mixed.Model()
	if err != nil {
		return err
	}
	for task := range models {
		acc, err := e.accuracy(ctx, merged, task)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Model-Mix, Loader-%d: %.3f\n", task+1, acc)
	}
	return nil
}

// mixtureHeads averages everything but the output layers, attaches each
// task's head to the shared body and arbitrates among the results.
func mixtureHeads(ctx context.Context, e *env, models []model.Model) error {
	for i, m := range models {
		acc, err := e.accuracy(ctx, m, i)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Model-%d, Loader-%d: %.3f\n", i+1, i+1, acc)
	}
	mixed, err := mixer.Mix(models, false)
	if err != nil {
		return err
	}
	heads, err := mixed.AttachAll()
	if err != nil {
		return err
	}
	for task := range models {
		rep, err := e.arbitrate(ctx, heads, task)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Model-Mix, Loader-%d: %.3f\n", task+1, rep.Accuracy)
		writeSelections(e, rep)
	}
	return nil
}
