// Package nn implements synapse layers with pluggable credit-assignment rules
// and the feed-forward networks built from them.
//
// This package provides:
//   - Module interface: base interface for network components
//   - Parameter: trainable tensors with gradient slots
//   - Synapse: a linear layer whose backward pass uses a separate operator
//   - Network: a chain of synapses with a nonlinearity between layers
//   - Variants: vanilla backprop, feedback alignment, pseudo-backprop
//   - CrossEntropyLoss and Checkpoint for training
package nn

import (
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// Module is the base interface for network components.
//
// Forward validates its input and reports malformed shapes as errors wrapping
// ErrShape rather than panicking.
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error)

	// Parameters returns all trainable parameters of this module.
	Parameters() []*Parameter[B]

	// StateDict returns the module's tensors by name.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict copies tensors from a state dictionary into the module.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}
