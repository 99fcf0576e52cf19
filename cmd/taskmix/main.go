package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"taskmix/internal/config"
	"taskmix/internal/experiment"
	"taskmix/internal/logging"
)

func main() {
	if err := run(); err != nil {
		slog.Error("taskmix failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "configs/demo.yaml", "Path to YAML config")
	name := flag.String("experiment", "", "Experiment to run")
	tasks := flag.Int("tasks", 0, "Number of tasks")
	layerType := flag.String("layer-type", "", "Layer type: lrt, bbb or frequentist")
	metric := flag.String("metric", "", "Arbitration metric")
	ensembleSize := flag.Int("ensemble", 0, "Stochastic passes per input")
	comment := flag.String("comment", "", "Comment recorded in the report")
	train := flag.Bool("train", false, "Train and save task models instead of loading checkpoints")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		Experiment:   *name,
		NumTasks:     *tasks,
		LayerType:    *layerType,
		Metric:       *metric,
		EnsembleSize: *ensembleSize,
		Comment:      *comment,
		Train:        *train,
	})

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(cfg.LogDir, cfg.Experiment+".txt")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open report log: %w", err)
	}
	defer logFile.Close()
	logger.Info("appending report", "path", logPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return experiment.Run(ctx, cfg, io.MultiWriter(os.Stdout, logFile), logger)
}
