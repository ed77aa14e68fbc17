package nn

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/pseudoprop/internal/serialization"
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// OptimizerState represents an optimizer that can save/load its state.
//
// Optimizers from the optim package implement this interface; defining it
// here keeps nn free of an import cycle.
type OptimizerState interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
	GetLR() float32
}

// Checkpoint metadata keys.
const (
	MetaCheckpoint = "checkpoint"
	MetaRunID      = "run_id"
	MetaEpoch      = "epoch"
	MetaImages     = "images"
	MetaLoss       = "loss"
	MetaLR         = "lr"
	MetaCreatedAt  = "created_at"

	optimizerPrefix = "optimizer."
)

// Checkpoint is a training snapshot: every model tensor (backward operators
// included), the optimizer buffers and where training stood.
//
// Example:
//
//	ckpt := &nn.Checkpoint[B]{
//	    Model:     net,
//	    Optimizer: optimizer,
//	    RunID:     runID,
//	    Epoch:     1,
//	    Images:    60000,
//	    Loss:      0.31,
//	}
//	err := ckpt.Save("model_pseudo_backprop_epoch_1_images_60000.safetensors")
//
// To resume:
//
//	ckpt, err := nn.LoadCheckpoint("model.safetensors", net, optimizer)
type Checkpoint[B tensor.Backend] struct {
	Model     Module[B]
	Optimizer OptimizerState    // May be nil
	RunID     uuid.UUID         // Identifies the training run; zero is replaced on Save
	Epoch     int               // Completed epochs
	Images    int64             // Examples seen in the current epoch
	Loss      float64           // Running loss at this point
	Metadata  map[string]string // Extra string metadata
	CreatedAt time.Time
}

// Save writes the checkpoint as a SafeTensors file. Optimizer tensors are
// stored under the "optimizer." prefix.
func (c *Checkpoint[B]) Save(path string) error {
	if c.RunID == uuid.Nil {
		c.RunID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	combined := make(map[string]*tensor.RawTensor)
	for name, raw := range c.Model.StateDict() {
		combined[name] = raw
	}

	metadata := make(map[string]string, len(c.Metadata)+7)
	for k, v := range c.Metadata {
		metadata[k] = v
	}
	metadata[MetaCheckpoint] = "true"
	metadata[MetaRunID] = c.RunID.String()
	metadata[MetaEpoch] = strconv.Itoa(c.Epoch)
	metadata[MetaImages] = strconv.FormatInt(c.Images, 10)
	metadata[MetaLoss] = strconv.FormatFloat(c.Loss, 'g', -1, 64)
	metadata[MetaCreatedAt] = c.CreatedAt.Format(time.RFC3339)

	if c.Optimizer != nil {
		for name, raw := range c.Optimizer.StateDict() {
			combined[optimizerPrefix+name] = raw
		}
		metadata[MetaLR] = strconv.FormatFloat(float64(c.Optimizer.GetLR()), 'g', -1, 32)
	}

	if err := serialization.WriteSafeTensors(path, combined, metadata); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint restores model and optimizer (if non-nil) from path.
//
// The model must have the architecture and variant the checkpoint was saved
// with. Drifted backward operators are restored exactly. On error neither
// model nor optimizer is changed.
func LoadCheckpoint[B tensor.Backend](path string, model Module[B], optimizer OptimizerState) (*Checkpoint[B], error) {
	stateDict, metadata, err := serialization.ReadSafeTensors(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if metadata[MetaCheckpoint] != "true" {
		return nil, fmt.Errorf("%s: file is not a checkpoint", path)
	}

	ckpt := &Checkpoint[B]{
		Model:     model,
		Optimizer: optimizer,
		Metadata:  metadata,
	}
	if ckpt.RunID, err = uuid.Parse(metadata[MetaRunID]); err != nil {
		return nil, fmt.Errorf("checkpoint run id: %w", err)
	}
	if ckpt.Epoch, err = strconv.Atoi(metadata[MetaEpoch]); err != nil {
		return nil, fmt.Errorf("checkpoint epoch: %w", err)
	}
	if ckpt.Images, err = strconv.ParseInt(metadata[MetaImages], 10, 64); err != nil {
		return nil, fmt.Errorf("checkpoint images: %w", err)
	}
	if ckpt.Loss, err = strconv.ParseFloat(metadata[MetaLoss], 64); err != nil {
		return nil, fmt.Errorf("checkpoint loss: %w", err)
	}
	if created, ok := metadata[MetaCreatedAt]; ok {
		if ckpt.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("checkpoint created_at: %w", err)
		}
	}

	modelState := make(map[string]*tensor.RawTensor)
	optimizerState := make(map[string]*tensor.RawTensor)
	for name, raw := range stateDict {
		if rest, ok := strings.CutPrefix(name, optimizerPrefix); ok {
			optimizerState[rest] = raw
		} else {
			modelState[name] = raw
		}
	}

	// Both loads are all-or-nothing; the optimizer goes first so a model
	// failure can put its previous state back.
	var previous map[string]*tensor.RawTensor
	if optimizer != nil {
		previous = optimizer.StateDict()
		if err := optimizer.LoadStateDict(optimizerState); err != nil {
			return nil, fmt.Errorf("failed to load optimizer state: %w", err)
		}
	}
	if err := model.LoadStateDict(modelState); err != nil {
		if optimizer != nil {
			if rerr := optimizer.LoadStateDict(previous); rerr != nil {
				return nil, fmt.Errorf("failed to load model state: %w (optimizer restore: %v)", err, rerr)
			}
		}
		return nil, fmt.Errorf("failed to load model state: %w", err)
	}
	return ckpt, nil
}
