// Package train runs supervised training of synapse networks with periodic
// checkpoints.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/born-ml/pseudoprop/internal/autodiff"
	"github.com/born-ml/pseudoprop/internal/dataset"
	"github.com/born-ml/pseudoprop/internal/nn"
	"github.com/born-ml/pseudoprop/internal/optim"
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// CheckpointExt is the file extension of saved checkpoints.
const CheckpointExt = ".safetensors"

// Config controls a training run.
type Config struct {
	// Epochs is the number of passes over the training batches.
	Epochs int

	// RecomputeEvery refreshes pseudo-backprop operators after every n
	// optimizer steps. 0 never refreshes; other variants ignore it.
	RecomputeEvery int

	// SaveEvery logs the running loss and saves a checkpoint each time
	// another n examples of the current epoch have been seen. 0 disables
	// mid-epoch checkpoints.
	SaveEvery int

	// ModelFolder receives the checkpoints. It is created if missing.
	ModelFolder string

	// Logger receives progress. Nil means slog.Default().
	Logger *slog.Logger
}

// EpochStats summarizes one epoch.
type EpochStats struct {
	Epoch    int
	Loss     float64 // Sum of mean batch losses
	Batches  int
	Examples int64
	Duration time.Duration
}

// MeanLoss returns the average batch loss of the epoch.
func (s EpochStats) MeanLoss() float64 {
	if s.Batches == 0 {
		return 0
	}
	return s.Loss / float64(s.Batches)
}

// Result describes a finished run.
type Result struct {
	RunID       uuid.UUID
	Epochs      []EpochStats
	Steps       int
	Checkpoints []string
}

// Trainer drives forward, loss, backward and optimizer cycles over a network.
//
// Example:
//
//	trainer, err := train.New(net, optimizer, backend, train.Config{
//	    Epochs:         2,
//	    RecomputeEvery: 1,
//	    SaveEvery:      10000,
//	    ModelFolder:    "models",
//	})
//	result, err := trainer.Fit(ctx, batches)
type Trainer[B autodiff.BackwardCapable] struct {
	cfg        Config
	net        *nn.Network[B]
	optimizer  optim.Optimizer
	criterion  *nn.CrossEntropyLoss[B]
	backend    B
	logger     *slog.Logger
	runID      uuid.UUID
	startEpoch int
	resumed    bool
	steps      int
}

// New creates a trainer.
func New[B autodiff.BackwardCapable](net *nn.Network[B], optimizer optim.Optimizer, backend B, cfg Config) (*Trainer[B], error) {
	if net == nil || optimizer == nil {
		return nil, errors.New("train: network and optimizer are required")
	}
	if cfg.Epochs < 0 || cfg.RecomputeEvery < 0 || cfg.SaveEvery < 0 {
		return nil, fmt.Errorf("train: negative epochs, recompute or save interval in %+v", cfg)
	}
	if cfg.ModelFolder == "" {
		return nil, errors.New("train: model folder is empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer[B]{
		cfg:       cfg,
		net:       net,
		optimizer: optimizer,
		criterion: nn.NewCrossEntropyLoss(backend),
		backend:   backend,
		logger:    logger,
		runID:     uuid.New(),
	}, nil
}

// RunID identifies the run in checkpoint metadata.
func (t *Trainer[B]) RunID() uuid.UUID {
	return t.runID
}

// Steps returns the number of optimizer steps taken so far.
func (t *Trainer[B]) Steps() int {
	return t.steps
}

// CheckpointName returns the file name used for a snapshot taken after
// images examples of epoch.
func CheckpointName(v nn.Variant, epoch int, images int64) string {
	return fmt.Sprintf("model_%s_epoch_%d_images_%d%s", v, epoch, images, CheckpointExt)
}

// Resume restores network and optimizer from a checkpoint. Fit then
// continues with the epoch the checkpoint was taken in, from its start, and
// keeps the checkpoint's run id.
func (t *Trainer[B]) Resume(path string) (*nn.Checkpoint[B], error) {
	ckpt, err := nn.LoadCheckpoint[B](path, t.net, t.optimizer)
	if err != nil {
		return nil, err
	}
	t.runID = ckpt.RunID
	t.startEpoch = ckpt.Epoch
	t.resumed = true
	t.logger.Info("resumed from checkpoint",
		"path", path,
		"run_id", t.runID,
		"epoch", ckpt.Epoch,
		"images", humanize.Comma(ckpt.Images))
	return ckpt, nil
}

// Fit trains for the configured number of epochs. A fresh run saves the
// untrained network first, then every SaveEvery examples and at the end of
// each epoch. A resumed run never rewrites the untrained checkpoint.
// Cancelling ctx stops training between steps.
func (t *Trainer[B]) Fit(ctx context.Context, batches *dataset.Batches) (Result, error) {
	result := Result{RunID: t.runID}
	if err := os.MkdirAll(t.cfg.ModelFolder, 0o755); err != nil {
		return result, fmt.Errorf("create model folder: %w", err)
	}

	save := func(epoch int, images int64, loss float64) error {
		path, err := t.save(epoch, images, loss)
		if err != nil {
			return err
		}
		result.Checkpoints = append(result.Checkpoints, path)
		return nil
	}

	if !t.resumed {
		if err := save(0, 0, 0); err != nil {
			return result, err
		}
	}

	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		t.logger.Info("working on epoch", "epoch", epoch+1, "epochs", t.cfg.Epochs)
		stats := EpochStats{Epoch: epoch}
		started := time.Now()
		batches.Reset()

		var running float64
		nextSave := int64(t.cfg.SaveEvery)
		for batch, ok := batches.Next(); ok; batch, ok = batches.Next() {
			if err := ctx.Err(); err != nil {
				result.Steps = t.steps
				return result, err
			}

			loss, err := t.Step(batch)
			if err != nil {
				result.Steps = t.steps
				return result, fmt.Errorf("epoch %d batch %d: %w", epoch, stats.Batches, err)
			}
			running += float64(loss)
			stats.Loss += float64(loss)
			stats.Batches++
			stats.Examples += int64(batch.Size)

			if t.cfg.SaveEvery > 0 && stats.Examples >= nextSave {
				t.logger.Info("running loss",
					"epoch", epoch,
					"batch", stats.Batches-1,
					"images", humanize.Comma(stats.Examples),
					"loss", running)
				if err := save(epoch, stats.Examples, running); err != nil {
					return result, err
				}
				running = 0
				for nextSave <= stats.Examples {
					nextSave += int64(t.cfg.SaveEvery)
				}
			}
		}

		stats.Duration = time.Since(started)
		result.Epochs = append(result.Epochs, stats)
		t.logger.Info("epoch finished",
			"epoch", epoch+1,
			"mean_loss", stats.MeanLoss(),
			"images", humanize.Comma(stats.Examples),
			"duration", stats.Duration.Round(time.Millisecond))
		if err := save(epoch+1, 0, stats.MeanLoss()); err != nil {
			return result, err
		}
	}

	result.Steps = t.steps
	t.logger.Info("training has finished", "steps", humanize.Comma(int64(t.steps)), "run_id", t.runID)
	return result, nil
}

// Step runs one forward, backward and update cycle on batch and returns the
// mean batch loss.
func (t *Trainer[B]) Step(batch dataset.Batch) (float32, error) {
	if batch.Size < 1 {
		return 0, errors.New("train: empty batch")
	}
	x, err := tensor.FromSlice(batch.X, tensor.Shape{batch.Size, len(batch.X) / batch.Size}, t.backend)
	if err != nil {
		return 0, err
	}
	y, err := tensor.FromSlice(batch.Y, tensor.Shape{batch.Size}, t.backend)
	if err != nil {
		return 0, err
	}

	tape := t.backend.GetTape()
	tape.Clear()
	tape.StartRecording()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()

	logits, err := t.net.Forward(x)
	if err != nil {
		return 0, err
	}
	loss, err := t.criterion.Forward(logits, y)
	if err != nil {
		return 0, err
	}

	grads := autodiff.Backward(loss, t.backend)
	tape.StopRecording()
	t.optimizer.Step(grads)
	t.optimizer.ZeroGrad()
	t.steps++

	if t.cfg.RecomputeEvery > 0 && t.net.Variant() == nn.PseudoBackprop && t.steps%t.cfg.RecomputeEvery == 0 {
		if err := t.net.Recompute(); err != nil {
			return 0, fmt.Errorf("recompute backward operators: %w", err)
		}
		t.logger.Debug("recomputed backward operators", "step", t.steps)
	}
	return loss.Item(), nil
}

func (t *Trainer[B]) save(epoch int, images int64, loss float64) (string, error) {
	path := filepath.Join(t.cfg.ModelFolder, CheckpointName(t.net.Variant(), epoch, images))
	ckpt := &nn.Checkpoint[B]{
		Model:     t.net,
		Optimizer: t.optimizer,
		RunID:     t.runID,
		Epoch:     epoch,
		Images:    images,
		Loss:      loss,
		Metadata:  map[string]string{"variant": t.net.Variant().String()},
	}
	if err := ckpt.Save(path); err != nil {
		return "", err
	}
	t.logger.Debug("saved checkpoint", "path", path)
	return path, nil
}
