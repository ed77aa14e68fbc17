package cpu

import (
	"fmt"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// SumDim sums tensor elements along the specified dimension.
//
// Parameters:
//   - dim: dimension to reduce (supports negative indexing: -1 = last dim)
//   - keepDim: if true, keep the reduced dimension with size 1; if false, remove it
//
// Example:
//
//	grad := ...                              // [batch, out]
//	biasGrad := backend.SumDim(grad, 0, false) // [out]
func (cpu *CPUBackend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	shape := x.Shape()
	dim = normalizeDim("sumdim", dim, len(shape))

	result, err := tensor.NewRaw(reducedShape(shape, dim, keepDim), x.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("sumdim: %v", err))
	}

	outer, size, inner := splitAt(shape, dim)
	switch x.DType() {
	case tensor.Float32:
		sumDim(result.AsFloat32(), x.AsFloat32(), outer, size, inner)
	case tensor.Float64:
		sumDim(result.AsFloat64(), x.AsFloat64(), outer, size, inner)
	case tensor.Int32:
		sumDim(result.AsInt32(), x.AsInt32(), outer, size, inner)
	default:
		panic(fmt.Sprintf("sumdim: unsupported dtype %s", x.DType()))
	}

	return result
}

// Argmax returns int32 indices of the maximum along dim; dim is removed.
// Ties resolve to the lowest index.
func (cpu *CPUBackend) Argmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = normalizeDim("argmax", dim, len(shape))

	result, err := tensor.NewRaw(reducedShape(shape, dim, false), tensor.Int32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("argmax: %v", err))
	}

	outer, size, inner := splitAt(shape, dim)
	switch x.DType() {
	case tensor.Float32:
		argmax(result.AsInt32(), x.AsFloat32(), outer, size, inner)
	case tensor.Float64:
		argmax(result.AsInt32(), x.AsFloat64(), outer, size, inner)
	case tensor.Int32:
		argmax(result.AsInt32(), x.AsInt32(), outer, size, inner)
	default:
		panic(fmt.Sprintf("argmax: unsupported dtype %s", x.DType()))
	}

	return result
}

func normalizeDim(op string, dim, ndim int) int {
	if dim < 0 {
		dim += ndim
	}
	if dim < 0 || dim >= ndim {
		panic(fmt.Sprintf("%s: dimension %d out of range for %dD tensor", op, dim, ndim))
	}
	return dim
}

func reducedShape(shape tensor.Shape, dim int, keepDim bool) tensor.Shape {
	if keepDim {
		out := shape.Clone()
		out[dim] = 1
		return out
	}
	out := make(tensor.Shape, 0, len(shape)-1)
	for i, d := range shape {
		if i != dim {
			out = append(out, d)
		}
	}
	return out
}

// splitAt views shape as [outer, size, inner] around dim.
func splitAt(shape tensor.Shape, dim int) (outer, size, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[dim], inner
}

func sumDim[T number](dst, src []T, outer, size, inner int) {
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			var sum T
			for s := 0; s < size; s++ {
				sum += src[(o*size+s)*inner+i]
			}
			dst[o*inner+i] = sum
		}
	}
}

func argmax[T number](dst []int32, src []T, outer, size, inner int) {
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			best := 0
			bestVal := src[o*size*inner+i]
			for s := 1; s < size; s++ {
				if v := src[(o*size+s)*inner+i]; v > bestVal {
					best, bestVal = s, v
				}
			}
			dst[o*inner+i] = int32(best) //nolint:gosec // G115: class count fits int32
		}
	}
}
