// Package cpu implements the CPU backend with gonum BLAS and LAPACK integration.
package cpu

import (
	"fmt"

	"github.com/born-ml/pseudoprop/internal/parallel"
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// CPUBackend implements tensor operations on CPU.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config
}

// New creates a new CPU backend that splits large element-wise kernels
// across all cores.
func New() *CPUBackend {
	return NewWithParallel(parallel.DefaultConfig())
}

// NewWithParallel creates a CPU backend with an explicit parallel config.
func NewWithParallel(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    cfg,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", opAdd, a, b)
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("sub", opSub, a, b)
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", opMul, a, b)
}

// MulScalar multiplies every element by scalar.
// For int32 tensors the product is truncated toward zero.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar float64) *tensor.RawTensor {
	result, err := tensor.NewRaw(x.Shape(), x.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("mulscalar: failed to create result tensor: %v", err))
	}

	switch x.DType() {
	case tensor.Float32:
		s := float32(scalar)
		dst := result.AsFloat32()
		for i, v := range x.AsFloat32() {
			dst[i] = v * s
		}
	case tensor.Float64:
		dst := result.AsFloat64()
		for i, v := range x.AsFloat64() {
			dst[i] = v * scalar
		}
	case tensor.Int32:
		dst := result.AsInt32()
		for i, v := range x.AsInt32() {
			dst[i] = int32(float64(v) * scalar)
		}
	default:
		panic(fmt.Sprintf("mulscalar: unsupported dtype %s", x.DType()))
	}

	return result
}

type binaryOp int

const (
	opAdd binaryOp = iota
	opSub
	opMul
)

type number interface {
	~float32 | ~float64 | ~int32
}

func binaryKernel[T number](op binaryOp) func(x, y T) T {
	switch op {
	case opAdd:
		return func(x, y T) T { return x + y }
	case opSub:
		return func(x, y T) T { return x - y }
	case opMul:
		return func(x, y T) T { return x * y }
	default:
		panic(fmt.Sprintf("unknown binary op %d", op))
	}
}

func (cpu *CPUBackend) binary(name string, op binaryOp, a, b *tensor.RawTensor) *tensor.RawTensor {
	if a.DType() != b.DType() {
		panic(fmt.Sprintf("%s: dtype mismatch %s vs %s", name, a.DType(), b.DType()))
	}

	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}

	result, err := tensor.NewRaw(outShape, a.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", name, err))
	}

	switch a.DType() {
	case tensor.Float32:
		applyBinary(cpu.par, result.AsFloat32(), a.AsFloat32(), b.AsFloat32(),
			outShape, a.Shape(), b.Shape(), needsBroadcast, binaryKernel[float32](op))
	case tensor.Float64:
		applyBinary(cpu.par, result.AsFloat64(), a.AsFloat64(), b.AsFloat64(),
			outShape, a.Shape(), b.Shape(), needsBroadcast, binaryKernel[float64](op))
	case tensor.Int32:
		applyBinary(cpu.par, result.AsInt32(), a.AsInt32(), b.AsInt32(),
			outShape, a.Shape(), b.Shape(), needsBroadcast, binaryKernel[int32](op))
	default:
		panic(fmt.Sprintf("%s: unsupported dtype %s", name, a.DType()))
	}

	return result
}

func applyBinary[T number](par parallel.Config, dst, a, b []T, outShape, aShape, bShape tensor.Shape, broadcast bool, fn func(x, y T) T) {
	if !broadcast {
		parallel.ForRange(len(dst), par, func(start, end int) {
			for i := start; i < end; i++ {
				dst[i] = fn(a[i], b[i])
			}
		})
		return
	}

	outStrides := outShape.ComputeStrides()
	aStrides := computeBroadcastStridesForShape(aShape, outShape)
	bStrides := computeBroadcastStridesForShape(bShape, outShape)

	parallel.ForRange(len(dst), par, func(start, end int) {
		for i := start; i < end; i++ {
			ai := computeFlatIndex(i, outStrides, aStrides)
			bi := computeFlatIndex(i, outStrides, bStrides)
			dst[i] = fn(a[ai], b[bi])
		}
	})
}
