package nn

import (
	"errors"
	"fmt"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// Common errors.
var (
	// ErrShape reports a tensor whose dimensions do not fit a synapse.
	ErrShape = errors.New("shape mismatch")

	// ErrConfig reports an invalid network configuration.
	ErrConfig = errors.New("invalid network configuration")

	// ErrLayerIndex reports a hidden-layer index outside [0, NumLayers).
	ErrLayerIndex = errors.New("layer index out of range")

	// ErrUnsupported reports an operation the synapse variant does not allow.
	ErrUnsupported = errors.New("operation not supported by variant")
)

// ShapeError provides detail about a shape mismatch. It matches ErrShape.
type ShapeError struct {
	Op       string       // Operation that rejected the tensor
	Expected tensor.Shape // Expected shape; -1 marks a free dimension
	Got      tensor.Shape // Actual shape
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %v: expected %v, got %v", e.Op, ErrShape, e.Expected, e.Got)
}

// Is reports whether target is ErrShape.
func (e *ShapeError) Is(target error) bool {
	return target == ErrShape
}
