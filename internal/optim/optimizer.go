// Package optim implements the optimizers that train synapse networks.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//
// Optimizers only see Network.Parameters(), so backward operators are never
// updated by a Step.
//
// Example usage:
//
//	optimizer := optim.NewSGD(net.Parameters(), optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	}, backend)
//
//	backend.Tape().StartRecording()
//	logits, _ := net.Forward(images)
//	loss, _ := criterion.Forward(logits, labels)
//	grads := autodiff.Backward(loss, backend)
//
//	optimizer.Step(grads)
//	optimizer.ZeroGrad()
package optim

import (
	"fmt"
	"strings"

	"github.com/born-ml/pseudoprop/internal/nn"
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies gradient updates to all parameters in place.
	//
	// Gradients are looked up in grads by parameter tensor first, then in
	// the parameter's own Grad slot. Parameters without either are skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32

	// SetLR updates the learning rate.
	SetLR(lr float32)

	// StateDict exports the optimizer buffers.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores the optimizer buffers.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// Config selects and configures an optimizer by name.
type Config struct {
	Name     string     `yaml:"name" json:"name"`         // "sgd" (default) or "adam"
	LR       float32    `yaml:"lr" json:"lr"`             // Learning rate
	Momentum float32    `yaml:"momentum" json:"momentum"` // SGD only
	Betas    [2]float32 `yaml:"betas" json:"betas"`       // Adam only
	Eps      float32    `yaml:"eps" json:"eps"`           // Adam only
}

// New builds the optimizer named by cfg.Name.
func New[B tensor.Backend](params []*nn.Parameter[B], cfg Config, backend B) (Optimizer, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "sgd":
		return NewSGD(params, SGDConfig{LR: cfg.LR, Momentum: cfg.Momentum}, backend), nil
	case "adam":
		return NewAdam(params, AdamConfig{LR: cfg.LR, Betas: cfg.Betas, Eps: cfg.Eps}, backend), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Name)
	}
}

// getGradient returns the gradient of param, or nil if it has none.
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) []float32 {
	if param == nil {
		return nil
	}
	if g, ok := grads[param.Tensor().Raw()]; ok && g != nil {
		return g.AsFloat32()
	}
	if g := param.Grad(); g != nil {
		return g.Raw().AsFloat32()
	}
	return nil
}

// loadBuffer validates a saved buffer against its parameter and returns a copy.
func loadBuffer[B tensor.Backend](key string, raw *tensor.RawTensor, param *nn.Parameter[B]) (*tensor.RawTensor, error) {
	if !raw.Shape().Equal(param.Tensor().Shape()) {
		return nil, fmt.Errorf("%s shape mismatch for parameter %s: expected %v, got %v",
			key, param.Name(), param.Tensor().Shape(), raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		return nil, fmt.Errorf("%s dtype mismatch for parameter %s: got %s", key, param.Name(), raw.DType())
	}
	return raw.Clone(), nil
}
