package ops

import (
	"fmt"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to match the target shape.
// This is necessary when broadcasting was used in the forward pass.
//
// Example:
//
//	Forward: x[2,3] + bias[3] -> y[2,3]  (bias was broadcast along dim 0)
//	Backward: grad_y[2,3] -> grad_bias[3] (sum along dim 0)
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	if grad.Shape().Equal(targetShape) {
		return grad
	}

	result := grad
	for len(result.Shape()) > len(targetShape) {
		result = backend.SumDim(result, 0, false)
	}

	for i, dim := range targetShape {
		if dim == 1 && result.Shape()[i] != 1 {
			result = backend.SumDim(result, i, true)
		}
	}

	if !result.Shape().Equal(targetShape) {
		panic(fmt.Sprintf("reduceBroadcast: cannot reduce %v to %v", grad.Shape(), targetShape))
	}
	return result
}

// fillLike creates a tensor shaped like t with every element set to value.
func fillLike(t *tensor.RawTensor, value float64, device tensor.Device) *tensor.RawTensor {
	out, err := tensor.NewRaw(t.Shape(), t.DType(), device)
	if err != nil {
		panic(fmt.Sprintf("fillLike: %v", err))
	}

	switch t.DType() {
	case tensor.Float32:
		data := out.AsFloat32()
		for i := range data {
			data[i] = float32(value)
		}
	case tensor.Float64:
		data := out.AsFloat64()
		for i := range data {
			data[i] = value
		}
	default:
		panic(fmt.Sprintf("fillLike: unsupported dtype %s", t.DType()))
	}
	return out
}

// mapFloat applies fn element-wise to a float tensor and returns a new tensor.
func mapFloat(t *tensor.RawTensor, device tensor.Device, fn func(float64) float64) *tensor.RawTensor {
	out, err := tensor.NewRaw(t.Shape(), t.DType(), device)
	if err != nil {
		panic(fmt.Sprintf("mapFloat: %v", err))
	}

	switch t.DType() {
	case tensor.Float32:
		dst := out.AsFloat32()
		for i, v := range t.AsFloat32() {
			dst[i] = float32(fn(float64(v)))
		}
	case tensor.Float64:
		dst := out.AsFloat64()
		for i, v := range t.AsFloat64() {
			dst[i] = fn(v)
		}
	default:
		panic(fmt.Sprintf("mapFloat: unsupported dtype %s (only float32/float64 supported)", t.DType()))
	}
	return out
}
