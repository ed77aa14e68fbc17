package cpu

import (
	"fmt"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// Reshape returns a copy of t with a new shape.
// One dimension may be -1, in which case it is inferred from the element count.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	shape, err := resolveShape(newShape, t.NumElements())
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}

	result, err := t.Clone().WithShape(shape)
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	return result
}

func resolveShape(shape tensor.Shape, numElements int) (tensor.Shape, error) {
	resolved := shape.Clone()
	inferred := -1
	known := 1
	for i, dim := range resolved {
		switch {
		case dim == -1 && inferred >= 0:
			return nil, fmt.Errorf("only one dimension can be -1, got %v", shape)
		case dim == -1:
			inferred = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d in %v", dim, shape)
		default:
			known *= dim
		}
	}

	if inferred >= 0 {
		if numElements%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension for %v from %d elements", shape, numElements)
		}
		resolved[inferred] = numElements / known
	}

	if resolved.NumElements() != numElements {
		return nil, fmt.Errorf("shape %v needs %d elements, tensor has %d", resolved, resolved.NumElements(), numElements)
	}
	return resolved, nil
}

// Transpose permutes dimensions.
// With no axes the dimension order is reversed, so a 2D tensor is transposed.
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)

	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}
	if err := validatePermutation(axes, ndim); err != nil {
		panic(fmt.Sprintf("transpose: %v", err))
	}

	outShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		outShape[i] = shape[ax]
	}

	result, err := tensor.NewRaw(outShape, t.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("transpose: %v", err))
	}

	// Source strides reordered into output dimension order.
	inStrides := t.Strides()
	permStrides := make([]int, ndim)
	for i, ax := range axes {
		permStrides[i] = inStrides[ax]
	}
	outStrides := outShape.ComputeStrides()

	switch t.DType() {
	case tensor.Float32:
		permute(result.AsFloat32(), t.AsFloat32(), outStrides, permStrides)
	case tensor.Float64:
		permute(result.AsFloat64(), t.AsFloat64(), outStrides, permStrides)
	case tensor.Int32:
		permute(result.AsInt32(), t.AsInt32(), outStrides, permStrides)
	default:
		panic(fmt.Sprintf("transpose: unsupported dtype %s", t.DType()))
	}

	return result
}

func validatePermutation(axes []int, ndim int) error {
	if len(axes) != ndim {
		return fmt.Errorf("expected %d axes, got %d", ndim, len(axes))
	}
	seen := make([]bool, ndim)
	for _, ax := range axes {
		if ax < 0 || ax >= ndim || seen[ax] {
			return fmt.Errorf("invalid permutation %v", axes)
		}
		seen[ax] = true
	}
	return nil
}

func permute[T number](dst, src []T, outStrides, permStrides []int) {
	for i := range dst {
		dst[i] = src[computeFlatIndex(i, outStrides, permStrides)]
	}
}
