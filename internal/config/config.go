package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Experiment names accepted by the driver.
const (
	RegularBayesian         = "regular_prediction_bayesian"
	RegularFrequentist      = "regular_prediction_frequentist"
	MultiModelUncertainty   = "multi_model_uncertainty"
	MultiModelConfidence    = "multi_model_confidence"
	AverageWeightsMixture   = "average_weights_mixture"
	MixtureHeadsUncertainty = "mixture_heads_uncertainty"
)

// Config captures the runtime knobs for an experiment run.
type Config struct {
	Experiment     string   `yaml:"experiment" validate:"required,oneof=regular_prediction_bayesian regular_prediction_frequentist multi_model_uncertainty multi_model_confidence average_weights_mixture mixture_heads_uncertainty"`
	NumTasks       int      `yaml:"num_tasks" validate:"min=1"`
	ClassesPerTask int      `yaml:"classes_per_task" validate:"min=1"`
	NetType        string   `yaml:"net_type" validate:"required,alphanum"`
	LayerType      string   `yaml:"layer_type" validate:"oneof=lrt bbb frequentist"`
	Activation     string   `yaml:"activation" validate:"oneof=softplus relu"`
	Hidden         []int    `yaml:"hidden" validate:"dive,min=1"`
	LogAlpha       float64  `yaml:"log_alpha" validate:"lte=0"`
	Metric         string   `yaml:"metric" validate:"oneof=epistemic_softmax predictive_entropy mutual_information confidence"`
	EnsembleSize   int      `yaml:"ensemble_size" validate:"min=1"`
	AllowOverride  bool     `yaml:"allow_polarity_override"`
	Workers        int      `yaml:"workers" validate:"min=0"`
	Seed           int64    `yaml:"seed"`
	Comment        string   `yaml:"comment"`
	CheckpointDir  string   `yaml:"checkpoint_dir" validate:"required"`
	LogDir         string   `yaml:"log_dir" validate:"required"`
	Data           Data     `yaml:"data"`
	Train          Training `yaml:"train"`
	Log            Logging  `yaml:"log"`
}

// Data selects where task batches come from. With no roots, batches are drawn
// from synthetic Gaussian clusters.
type Data struct {
	Roots       []string `yaml:"roots" validate:"dive,required"`
	RootPerTask bool     `yaml:"root_per_task"`
	PerTask     int      `yaml:"per_task" validate:"min=1"`
	FeatureSize int      `yaml:"feature_size" validate:"min=1"`
	NumWorkers  int      `yaml:"num_workers" validate:"min=1"`
	Seed        int64    `yaml:"seed"`
}

// Training configures fitting of task models when no checkpoints exist.
type Training struct {
	Enabled      bool    `yaml:"enabled"`
	Steps        int     `yaml:"steps" validate:"min=1"`
	BatchSize    int     `yaml:"batch_size" validate:"min=1"`
	LearningRate float64 `yaml:"learning_rate" validate:"gt=0"`
	LogEvery     int     `yaml:"log_every" validate:"min=1"`
	SharedInit   bool    `yaml:"shared_init"`
	Seed         int64   `yaml:"seed"`
}

// Logging configures the structured logger.
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Experiment   string
	NumTasks     int
	LayerType    string
	Metric       string
	EnsembleSize int
	Comment      string
	Train        bool
}

// Default returns a config that runs the two-task uncertainty experiment on
// synthetic data.
func Default() *Config {
	return &Config{
		Experiment:     MultiModelUncertainty,
		NumTasks:       2,
		ClassesPerTask: 5,
		NetType:        "mlp",
		LayerType:      "lrt",
		Activation:     "softplus",
		Hidden:         []int{32},
		LogAlpha:       -4,
		Metric:         "epistemic_softmax",
		EnsembleSize:   25,
		Seed:           7,
		CheckpointDir:  "checkpoints",
		LogDir:         "experiments/mixtures",
		Data: Data{
			PerTask:     200,
			FeatureSize: 16,
			NumWorkers:  2,
			Seed:        42,
		},
		Train: Training{
			Steps:        400,
			BatchSize:    16,
			LearningRate: 0.05,
			LogEvery:     100,
			Seed:         1,
		},
		Log: Logging{Level: "info", Format: "text"},
	}
}

// Load reads a Config from YAML on top of Default and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Experiment != "" {
		c.Experiment = o.Experiment
	}
	if o.NumTasks > 0 {
		c.NumTasks = o.NumTasks
	}
	if o.LayerType != "" {
		c.LayerType = o.LayerType
	}
	if o.Metric != "" {
		c.Metric = o.Metric
	}
	if o.EnsembleSize > 0 {
		c.EnsembleSize = o.EnsembleSize
	}
	if o.Comment != "" {
		c.Comment = o.Comment
	}
	if o.Train {
		c.Train.Enabled = true
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Experiment {
	case RegularBayesian:
		if c.LayerType == "frequentist" {
			return fmt.Errorf("invalid config: %s needs a bayesian layer type", c.Experiment)
		}
	case RegularFrequentist, MultiModelConfidence:
		if c.LayerType != "frequentist" {
			return fmt.Errorf("invalid config: %s needs layer_type frequentist (got %s)", c.Experiment, c.LayerType)
		}
	}
	if c.Experiment == MultiModelConfidence && c.Metric != "confidence" && !c.AllowOverride {
		return fmt.Errorf("invalid config: %s scores by confidence (got metric %s)", c.Experiment, c.Metric)
	}
	if c.Data.RootPerTask && len(c.Data.Roots) != c.NumTasks {
		return fmt.Errorf("invalid config: root_per_task needs one root per task (got %d roots for %d tasks)", len(c.Data.Roots), c.NumTasks)
	}
	if c.Experiment == MixtureHeadsUncertainty && c.NumTasks < 2 {
		return fmt.Errorf("invalid config: %s needs at least two tasks", c.Experiment)
	}
	return nil
}
