// Package trainer fits task-specialist networks so that evaluations have real
// models to compare. It runs plain cross-entropy SGD on the mean parameters.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"taskmix/internal/dataset"
	"taskmix/internal/logging"
	"taskmix/internal/metrics"
	"taskmix/internal/model"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Loader    dataset.Loader
	Network   model.NetworkOptions
	Steps     int
	BatchSize int
	LogEvery  int
	Seed      int64
	// SharedInit starts every task's network from the same initialization,
	// as when specialists are fine-tuned from one common starting point.
	SharedInit bool
	Logger     *slog.Logger
}

// Run trains one network on the batch of task and returns it.
func Run(ctx context.Context, cfg RunConfig, task int) (*model.Network, error) {
	if cfg.Loader == nil {
		return nil, errors.New("trainer: loader is nil")
	}
	if cfg.Steps <= 0 {
		return nil, errors.New("trainer: steps must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	logger := logging.OrDiscard(cfg.Logger).With("task", task)

	data, err := cfg.Loader.Load(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("trainer: load task %d: %w", task, err)
	}
	if data.Len() == 0 {
		return nil, fmt.Errorf("trainer: %w: task %d has no samples", model.ErrEmptyEnsemble, task)
	}

	opts := cfg.Network
	opts.Seed = cfg.Seed
	if !cfg.SharedInit {
		opts.Seed += int64(task)
	}
	mdl, err := model.NewNetwork(opts)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed + int64(task)*31))
	var window metrics.Window

	for step := 1; step <= cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		startData := time.Now()
		batch := nextBatch(data, cfg.BatchSize, rng)
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss := mdl.TrainStep(batch)
		computeTime := time.Since(startCompute)

		window.Record(metrics.Step{Samples: batch.Len(), Data: dataTime, Compute: computeTime, Loss: loss})

		if step%cfg.LogEvery == 0 {
			logWindow(logger, &window, step)
		}
	}
	if window.Steps() > 0 {
		logWindow(logger, &window, cfg.Steps)
	}
	logger.Info("trained task model", "model", mdl.String(), "steps", cfg.Steps)
	return mdl, nil
}

// logWindow reports the steps recorded since the previous report and resets w.
func logWindow(logger *slog.Logger, w *metrics.Window, step int) {
	snap := w.Snapshot()
	logger.Debug("train step",
		"step", step,
		"window", snap.Steps,
		"samples_per_sec", snap.SamplesPerSec,
		"data_ms", snap.AvgDataMS,
		"compute_ms", snap.AvgComputeMS,
		"loss", snap.MeanLoss,
	)
}

// RunAll trains one network per task in order.
func RunAll(ctx context.Context, cfg RunConfig, numTasks int) ([]*model.Network, error) {
	nets := make([]*model.Network, numTasks)
	for task := range nets {
		n, err := Run(ctx, cfg, task)
		if err != nil {
			return nil, err
		}
		nets[task] = n
	}
	return nets, nil
}

// nextBatch draws a minibatch with replacement from data.
func nextBatch(data model.Batch, batchSize int, rng *rand.Rand) model.Batch {
	inputs := make([][]float64, 0, batchSize)
	labels := make([]int, 0, batchSize)
	for len(inputs) < batchSize {
		i := rng.Intn(data.Len())
		inputs = append(inputs, data.Inputs[i])
		labels = append(labels, data.Labels[i])
	}
	return model.Batch{Task: data.Task, Inputs: inputs, Labels: labels}
}
