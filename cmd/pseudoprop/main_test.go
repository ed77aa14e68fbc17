package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeParams(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	folder := filepath.Join(dir, "models")
	params := `{
  "batch_size": 10,
  "layers": [3, 6, 2],
  "epochs": 1,
  "model_folder": "` + filepath.ToSlash(folder) + `",
  "model_type": "pseudo_backprop",
  "learning_rate": 0.05,
  "momentum": 0.9,
  "random_seed": 1,
  "save_every": 20,
  "test_examples": 10,
  "dataset": {"num_classes": 2, "features": 3, "samples_per_class": 20, "center_scale": 2, "spread": 0.5, "seed": 4}
}`
	path := filepath.Join(dir, "params.json")
	require.NoError(t, os.WriteFile(path, []byte(params), 0o644))
	return path, folder
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &out))
	assert.Contains(t, out.String(), version)
}

func TestRunUsageErrors(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), nil, &out))
	assert.Error(t, run(context.Background(), []string{"serve"}, &out))
	assert.Error(t, run(context.Background(), []string{"train"}, &out))
	assert.Error(t, run(context.Background(), []string{"eval", "-params", "x.json"}, &out))
}

func TestRunTrainThenEval(t *testing.T) {
	params, folder := writeParams(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"train", "-params", params, "-log-level", "error"}, &out))
	assert.Contains(t, out.String(), "accuracy")
	assert.FileExists(t, filepath.Join(folder, "params.yaml"))

	initial := filepath.Join(folder, "model_pseudo_backprop_epoch_0_images_0.safetensors")
	final := filepath.Join(folder, "model_pseudo_backprop_epoch_1_images_0.safetensors")
	assert.FileExists(t, initial)
	assert.FileExists(t, filepath.Join(folder, "model_pseudo_backprop_epoch_0_images_20.safetensors"))
	assert.FileExists(t, final)

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"eval", "-params", params, "-checkpoint", final}, &out))
	assert.Contains(t, out.String(), "epoch 1")
	assert.Contains(t, out.String(), "10 examples")

	out.Reset()
	require.NoError(t, run(context.Background(),
		[]string{"train", "-params", params, "-resume", final, "-log-level", "error"}, &out))
	assert.Contains(t, out.String(), "0 steps")
}
