package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/pseudoprop/internal/config"
	"github.com/born-ml/pseudoprop/internal/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paramsJSON = `{
  "batch_size": 10,
  "layers": [16, 8, 4],
  "epochs": 3,
  "model_folder": "out",
  "model_type": "fa",
  "learning_rate": 0.05,
  "momentum": 0.5,
  "random_seed": 3
}`

const paramsYAML = `
batch_size: 32
layers: [5, 7, 3]
epochs: 1
model_folder: runs/pb
model_type: pseudo_backprop
learning_rate: 0.1
momentum: 0
random_seed: 11
bias: false
activation: tanh
recompute_every: 5
pinv_cutoff: 1.0e-10
save_every: 320
test_examples: 30
dataset:
  num_classes: 3
  features: 5
  samples_per_class: 50
  center_scale: 1.5
  spread: 0.5
  seed: 9
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestLoadJSON(t *testing.T) {
	exp, err := config.Load(writeFile(t, "params.json", paramsJSON))
	require.NoError(t, err)

	assert.Equal(t, 10, exp.BatchSize)
	assert.Equal(t, []int{16, 8, 4}, exp.Layers)
	assert.Equal(t, 3, exp.Epochs)
	assert.Equal(t, "out", exp.ModelFolder)
	assert.Equal(t, float32(0.05), exp.LearningRate)
	assert.Equal(t, int64(3), exp.RandomSeed)

	// Absent keys keep defaults.
	assert.True(t, exp.Bias)
	assert.Equal(t, config.Default().Dataset, exp.Dataset)

	v, err := exp.Variant()
	require.NoError(t, err)
	assert.Equal(t, nn.FeedbackAlignment, v)
}

func TestLoadYAML(t *testing.T) {
	exp, err := config.Load(writeFile(t, "params.yaml", paramsYAML))
	require.NoError(t, err)

	assert.Equal(t, 32, exp.BatchSize)
	assert.False(t, exp.Bias)
	assert.Equal(t, 5, exp.RecomputeEvery)
	assert.Equal(t, 320, exp.SaveEvery)
	assert.Equal(t, 3, exp.Dataset.NumClasses)
	assert.InDelta(t, 0.5, exp.Dataset.Spread, 1e-12)

	cfg, err := exp.NetworkConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, nn.PseudoBackprop, cfg.Variant)
	assert.Equal(t, nn.Tanh, cfg.Activation)
	assert.False(t, cfg.Bias)
	assert.InDelta(t, 1e-10, cfg.Cutoff, 1e-20)
	assert.Equal(t, []int{5, 7, 3}, cfg.LayerSizes)
	assert.NotNil(t, cfg.Rand)

	opt := exp.OptimizerConfig()
	assert.Equal(t, float32(0.1), opt.LR)
	assert.Equal(t, float32(0), opt.Momentum)
}

func TestSeedDrivesNetworkInit(t *testing.T) {
	exp := config.Default()
	a, err := exp.NetworkConfig(nil)
	require.NoError(t, err)
	b, err := exp.NetworkConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, a.Rand.Int63(), b.Rand.Int63())
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = config.Load(writeFile(t, "params.toml", "batch_size = 1"))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = config.Load(writeFile(t, "params.json", `{"batch_sise": 4}`))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = config.Load(writeFile(t, "params.yml", "layerz: [1, 2]\n"))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = config.Load(writeFile(t, "params.json", `{"batch_size": `))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Experiment)
	}{
		{"batch size", func(e *config.Experiment) { e.BatchSize = 0 }},
		{"single layer", func(e *config.Experiment) { e.Layers = []int{16} }},
		{"negative epochs", func(e *config.Experiment) { e.Epochs = -1 }},
		{"no folder", func(e *config.Experiment) { e.ModelFolder = "" }},
		{"learning rate", func(e *config.Experiment) { e.LearningRate = 0 }},
		{"momentum", func(e *config.Experiment) { e.Momentum = 1 }},
		{"model type", func(e *config.Experiment) { e.ModelType = "hebbian" }},
		{"activation", func(e *config.Experiment) { e.Activation = "gelu" }},
		{"optimizer", func(e *config.Experiment) { e.Optimizer = "rmsprop" }},
		{"cutoff", func(e *config.Experiment) { e.PinvCutoff = -1 }},
		{"recompute", func(e *config.Experiment) { e.RecomputeEvery = -1 }},
		{"input width", func(e *config.Experiment) { e.Layers = []int{15, 32, 4} }},
		{"class count", func(e *config.Experiment) { e.Layers = []int{16, 32, 5} }},
		{"dataset", func(e *config.Experiment) { e.Dataset.SamplesPerClass = 0 }},
		{"test split", func(e *config.Experiment) { e.TestExamples = 2400 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := config.Default()
			tt.mutate(&exp)
			assert.ErrorIs(t, exp.Validate(), config.ErrInvalidConfig)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range []string{".yaml", ".json"} {
		t.Run(ext, func(t *testing.T) {
			want := config.Default()
			want.ModelType = "vanilla"
			want.Bias = false
			want.Layers = []int{16, 4}

			path := filepath.Join(t.TempDir(), "params"+ext)
			require.NoError(t, want.Save(path))

			got, err := config.Load(path)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	assert.ErrorIs(t, config.Default().Save(filepath.Join(t.TempDir(), "p.txt")), config.ErrInvalidConfig)
}
