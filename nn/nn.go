// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides synapse layers with pluggable credit assignment and
// the multilayer networks built from them.
//
// Three variants share one forward computation y = x·Wᵀ + b and differ in
// the operator B that carries the error backward (grad_x = grad_y·B):
//   - Vanilla: B = W
//   - FeedbackAlignment: B is fixed random, drawn at construction
//   - PseudoBackprop: B = pinv(W)ᵀ, refreshed only by Recompute
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	net, err := nn.NewPseudoBackprop([]int{784, 300, 10}, backend, nn.WithSeed(1))
//	logits, err := net.Forward(images)
//	...
//	optimizer.Step(grads)
//	err = net.Recompute()
package nn

import (
	"github.com/born-ml/pseudoprop/internal/nn"
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// Module is implemented by synapses and networks.
type Module[B tensor.Backend] = nn.Module[B]

// Parameter is a trainable tensor.
type Parameter[B tensor.Backend] = nn.Parameter[B]

// Variant selects the credit-assignment rule.
type Variant = nn.Variant

// Variants.
const (
	Vanilla           Variant = nn.Vanilla
	FeedbackAlignment Variant = nn.FeedbackAlignment
	PseudoBackprop    Variant = nn.PseudoBackprop
)

// ParseVariant converts a name such as "fa" or "pseudo_backprop" to a Variant.
func ParseVariant(name string) (Variant, error) {
	return nn.ParseVariant(name)
}

// Activation is the nonlinearity between layers.
type Activation = nn.Activation

// Activations.
const (
	ReLU     Activation = nn.ReLU
	Sigmoid  Activation = nn.Sigmoid
	Tanh     Activation = nn.Tanh
	Identity Activation = nn.Identity
)

// DefaultCutoff is the default relative singular-value cutoff of pseudoinverses.
const DefaultCutoff = nn.DefaultCutoff

// Errors.
var (
	ErrShape       = nn.ErrShape
	ErrConfig      = nn.ErrConfig
	ErrLayerIndex  = nn.ErrLayerIndex
	ErrUnsupported = nn.ErrUnsupported
)

// ShapeError describes a rejected tensor shape; it matches ErrShape.
type ShapeError = nn.ShapeError

// Synapse is a linear layer with a separate backward operator.
type Synapse[B tensor.Backend] = nn.Synapse[B]

// SynapseConfig configures a single synapse.
type SynapseConfig = nn.SynapseConfig

// NewSynapse creates a synapse.
func NewSynapse[B tensor.Backend](cfg SynapseConfig, backend B) (*Synapse[B], error) {
	return nn.NewSynapse(cfg, backend)
}

// Network is a chain of synapses.
type Network[B tensor.Backend] = nn.Network[B]

// Config configures a network.
type Config = nn.Config

// Option adjusts a Config.
type Option = nn.Option

// Options.
var (
	WithBias       = nn.WithBias
	WithActivation = nn.WithActivation
	WithSeed       = nn.WithSeed
	WithRand       = nn.WithRand
	WithCutoff     = nn.WithCutoff
	WithLogger     = nn.WithLogger
)

// DefaultConfig returns a config with bias and ReLU.
func DefaultConfig(sizes []int, v Variant) Config {
	return nn.DefaultConfig(sizes, v)
}

// NewNetwork builds a network from cfg.
func NewNetwork[B tensor.Backend](cfg Config, backend B) (*Network[B], error) {
	return nn.NewNetwork(cfg, backend)
}

// NewVanilla builds a backpropagation network.
func NewVanilla[B tensor.Backend](sizes []int, backend B, opts ...Option) (*Network[B], error) {
	return nn.NewVanilla(sizes, backend, opts...)
}

// NewFeedbackAlignment builds a feedback-alignment network.
func NewFeedbackAlignment[B tensor.Backend](sizes []int, backend B, opts ...Option) (*Network[B], error) {
	return nn.NewFeedbackAlignment(sizes, backend, opts...)
}

// NewPseudoBackprop builds a pseudo-backprop network.
func NewPseudoBackprop[B tensor.Backend](sizes []int, backend B, opts ...Option) (*Network[B], error) {
	return nn.NewPseudoBackprop(sizes, backend, opts...)
}

// CrossEntropyLoss is the mean cross-entropy of logits against class labels.
type CrossEntropyLoss[B tensor.Backend] = nn.CrossEntropyLoss[B]

// NewCrossEntropyLoss creates the loss.
func NewCrossEntropyLoss[B tensor.Backend](backend B) *CrossEntropyLoss[B] {
	return nn.NewCrossEntropyLoss(backend)
}

// Checkpoint is a training snapshot stored as SafeTensors.
type Checkpoint[B tensor.Backend] = nn.Checkpoint[B]

// LoadCheckpoint restores model and optimizer from path.
func LoadCheckpoint[B tensor.Backend](path string, model Module[B], optimizer nn.OptimizerState) (*Checkpoint[B], error) {
	return nn.LoadCheckpoint[B](path, model, optimizer)
}
