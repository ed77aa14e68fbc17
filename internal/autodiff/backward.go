package autodiff

import (
	"fmt"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// BackwardCapable is an interface for backends that support backward pass.
// AutodiffBackend implements this interface.
type BackwardCapable interface {
	tensor.Backend
	// GetTape returns the gradient tape for backward computation.
	GetTape() *GradientTape
}

// GetTape returns the gradient tape (implements BackwardCapable interface).
func (b *AutodiffBackend[B]) GetTape() *GradientTape {
	return b.tape
}

// Backward computes gradients of t with respect to every recorded tensor,
// seeding the output gradient with ones.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	x := tensor.Ones[float32](tensor.Shape{2}, backend)
//	y := x.Mul(x) // y = x²
//	gradients := autodiff.Backward(y, backend)
//	grad := gradients[x.Raw()]
func Backward[T tensor.DType, B BackwardCapable](t *tensor.Tensor[T, B], backend B) map[*tensor.RawTensor]*tensor.RawTensor {
	return BackwardFrom(t, tensor.Ones[T](t.Shape(), backend), backend)
}

// BackwardFrom computes gradients of t given an arbitrary upstream gradient
// of the same shape, as if t were followed by a loss whose gradient is outputGrad.
func BackwardFrom[T tensor.DType, B BackwardCapable](t, outputGrad *tensor.Tensor[T, B], backend B) map[*tensor.RawTensor]*tensor.RawTensor {
	tape := backend.GetTape()
	if tape.NumOps() == 0 {
		panic("backward: no operations recorded (did you forget to call Tape().StartRecording()?)")
	}
	if !t.Shape().Equal(outputGrad.Shape()) {
		panic(fmt.Sprintf("backward: output gradient shape %v does not match output shape %v", outputGrad.Shape(), t.Shape()))
	}
	if t.DType() != tensor.Float32 && t.DType() != tensor.Float64 {
		panic(fmt.Sprintf("backward: unsupported dtype %s (only float32/float64 supported)", t.DType()))
	}

	return tape.Backward(t.Raw(), outputGrad.Raw(), backend)
}
