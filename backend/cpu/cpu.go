// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend.
//
// Element-wise kernels split large tensors across goroutines; the
// pseudoinverse is computed with an SVD.
//
// Example:
//
//	backend := cpu.New()
//	x := tensor.Zeros[float32](tensor.Shape{2, 3}, backend)
package cpu

import (
	internalcpu "github.com/born-ml/pseudoprop/internal/backend/cpu"
	"github.com/born-ml/pseudoprop/internal/parallel"
	"github.com/born-ml/pseudoprop/tensor"
)

// Backend is the CPU backend.
type Backend = internalcpu.CPUBackend

var _ tensor.Backend = (*Backend)(nil)

// ParallelConfig controls how kernels split work across goroutines.
type ParallelConfig = parallel.Config

// DefaultParallelConfig uses one worker per CPU.
func DefaultParallelConfig() ParallelConfig {
	return parallel.DefaultConfig()
}

// New creates a CPU backend with the default parallel configuration.
func New() *Backend {
	return internalcpu.New()
}

// NewWithParallel creates a CPU backend with an explicit parallel configuration.
func NewWithParallel(cfg ParallelConfig) *Backend {
	return internalcpu.NewWithParallel(cfg)
}
