// Package config loads experiment parameters for training runs.
//
// Files are YAML (.yaml, .yml) or JSON (.json). The first keys match the
// params files used for MNIST runs:
//
//	batch_size: 20
//	layers: [16, 32, 4]
//	epochs: 2
//	model_folder: runs/pseudo
//	model_type: pseudo_backprop
//	learning_rate: 0.01
//	momentum: 0.9
//	random_seed: 42
//
// Keys missing from a file keep their Default value.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/pseudoprop/internal/dataset"
	"github.com/born-ml/pseudoprop/internal/nn"
	"github.com/born-ml/pseudoprop/internal/optim"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig reports an unusable experiment file.
var ErrInvalidConfig = errors.New("invalid experiment config")

// Experiment holds everything a training run needs.
type Experiment struct {
	BatchSize    int     `yaml:"batch_size" json:"batch_size"`
	Layers       []int   `yaml:"layers" json:"layers"`
	Epochs       int     `yaml:"epochs" json:"epochs"`
	ModelFolder  string  `yaml:"model_folder" json:"model_folder"`
	ModelType    string  `yaml:"model_type" json:"model_type"` // vanilla, fa, pseudo_backprop (see nn.ParseVariant)
	LearningRate float32 `yaml:"learning_rate" json:"learning_rate"`
	Momentum     float32 `yaml:"momentum" json:"momentum"`
	RandomSeed   int64   `yaml:"random_seed" json:"random_seed"`

	Bias       bool    `yaml:"bias" json:"bias"`
	Activation string  `yaml:"activation" json:"activation"`
	Optimizer  string  `yaml:"optimizer" json:"optimizer"` // sgd or adam
	PinvCutoff float64 `yaml:"pinv_cutoff" json:"pinv_cutoff"`

	// RecomputeEvery refreshes pseudo-backprop operators every n optimizer
	// steps. 0 never refreshes.
	RecomputeEvery int `yaml:"recompute_every" json:"recompute_every"`

	// SaveEvery logs the running loss and writes a checkpoint every n training
	// examples. 0 only saves the initial network.
	SaveEvery int `yaml:"save_every" json:"save_every"`

	// TestExamples are split off the generated set for evaluation.
	TestExamples int `yaml:"test_examples" json:"test_examples"`

	Dataset dataset.BlobsConfig `yaml:"dataset" json:"dataset"`
}

// Default returns a small pseudo-backprop experiment on a 4-class blob set.
func Default() Experiment {
	return Experiment{
		BatchSize:      20,
		Layers:         []int{16, 32, 4},
		Epochs:         2,
		ModelFolder:    "models",
		ModelType:      nn.PseudoBackprop.String(),
		LearningRate:   0.01,
		Momentum:       0.9,
		RandomSeed:     42,
		Bias:           true,
		Activation:     nn.ReLU.String(),
		Optimizer:      "sgd",
		RecomputeEvery: 1,
		SaveEvery:      10000,
		TestExamples:   400,
		Dataset: dataset.BlobsConfig{
			NumClasses:      4,
			Features:        16,
			SamplesPerClass: 600,
			CenterScale:     2,
			Spread:          1,
			Seed:            7,
		},
	}
}

// Load reads an experiment file on top of Default and validates it.
func Load(path string) (Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Experiment{}, fmt.Errorf("read experiment: %w", err)
	}
	exp, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Experiment{}, fmt.Errorf("%s: %w", path, err)
	}
	return exp, nil
}

// Parse decodes data in the format named by ext (".yaml", ".yml" or ".json").
// Unknown keys are rejected.
func Parse(data []byte, ext string) (Experiment, error) {
	exp := Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&exp); err != nil {
			return Experiment{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&exp); err != nil {
			return Experiment{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	default:
		return Experiment{}, fmt.Errorf("%w: unsupported extension %q", ErrInvalidConfig, ext)
	}
	if err := exp.Validate(); err != nil {
		return Experiment{}, err
	}
	return exp, nil
}

// Save writes the experiment as YAML or JSON depending on the extension of path.
func (e Experiment) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(e)
	case ".json":
		data, err = json.MarshalIndent(e, "", "  ")
	default:
		return fmt.Errorf("%w: unsupported extension %q", ErrInvalidConfig, filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("encode experiment: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the experiment. Errors wrap ErrInvalidConfig.
func (e Experiment) Validate() error {
	switch {
	case e.BatchSize < 1:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalidConfig, e.BatchSize)
	case len(e.Layers) < 2:
		return fmt.Errorf("%w: layers needs at least 2 sizes, got %v", ErrInvalidConfig, e.Layers)
	case e.Epochs < 0:
		return fmt.Errorf("%w: epochs must be non-negative, got %d", ErrInvalidConfig, e.Epochs)
	case e.ModelFolder == "":
		return fmt.Errorf("%w: model_folder is empty", ErrInvalidConfig)
	case e.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrInvalidConfig, e.LearningRate)
	case e.Momentum < 0 || e.Momentum >= 1:
		return fmt.Errorf("%w: momentum must be in [0, 1), got %g", ErrInvalidConfig, e.Momentum)
	case e.RecomputeEvery < 0 || e.SaveEvery < 0 || e.TestExamples < 0:
		return fmt.Errorf("%w: recompute_every, save_every and test_examples must be non-negative", ErrInvalidConfig)
	}
	switch strings.ToLower(e.Optimizer) {
	case "", "sgd", "adam":
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, e.Optimizer)
	}

	if _, err := e.NetworkConfig(nil); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := e.Dataset.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if in, out := e.Layers[0], e.Layers[len(e.Layers)-1]; in != e.Dataset.Features || out != e.Dataset.NumClasses {
		return fmt.Errorf("%w: layers %v do not match dataset (%d features, %d classes)",
			ErrInvalidConfig, e.Layers, e.Dataset.Features, e.Dataset.NumClasses)
	}
	if total := e.Dataset.NumClasses * e.Dataset.SamplesPerClass; e.TestExamples >= total {
		return fmt.Errorf("%w: test_examples %d leaves no training data out of %d", ErrInvalidConfig, e.TestExamples, total)
	}
	return nil
}

// Variant parses ModelType.
func (e Experiment) Variant() (nn.Variant, error) {
	return nn.ParseVariant(e.ModelType)
}

// NetworkConfig builds the network configuration, seeding initialization
// from RandomSeed.
func (e Experiment) NetworkConfig(logger *slog.Logger) (nn.Config, error) {
	v, err := e.Variant()
	if err != nil {
		return nn.Config{}, err
	}
	act, err := nn.ParseActivation(e.Activation)
	if err != nil {
		return nn.Config{}, err
	}
	cfg := nn.DefaultConfig(e.Layers, v)
	cfg.Bias = e.Bias
	cfg.Activation = act
	cfg.Cutoff = e.PinvCutoff
	cfg.Rand = rand.New(rand.NewSource(e.RandomSeed))
	cfg.Logger = logger
	return cfg, cfg.Validate()
}

// OptimizerConfig returns the optimizer settings.
func (e Experiment) OptimizerConfig() optim.Config {
	return optim.Config{
		Name:     e.Optimizer,
		LR:       e.LearningRate,
		Momentum: e.Momentum,
	}
}
