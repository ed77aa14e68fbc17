package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/pseudoprop/internal/parallel"
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// ReLU computes max(0, x) element-wise.
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("relu", x, func(v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// Sigmoid computes σ(x) = 1 / (1 + exp(-x)) element-wise.
func (cpu *CPUBackend) Sigmoid(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("sigmoid", x, func(v float64) float64 {
		return 1.0 / (1.0 + math.Exp(-v))
	})
}

// Tanh computes the hyperbolic tangent element-wise.
func (cpu *CPUBackend) Tanh(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.unary("tanh", x, math.Tanh)
}

func (cpu *CPUBackend) unary(name string, x *tensor.RawTensor, fn func(float64) float64) *tensor.RawTensor {
	result, err := tensor.NewRaw(x.Shape(), x.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}

	switch x.DType() {
	case tensor.Float32:
		src, dst := x.AsFloat32(), result.AsFloat32()
		parallel.ForRange(len(dst), cpu.par, func(start, end int) {
			for i := start; i < end; i++ {
				dst[i] = float32(fn(float64(src[i])))
			}
		})
	case tensor.Float64:
		src, dst := x.AsFloat64(), result.AsFloat64()
		parallel.ForRange(len(dst), cpu.par, func(start, end int) {
			for i := start; i < end; i++ {
				dst[i] = fn(src[i])
			}
		})
	default:
		panic(fmt.Sprintf("%s: unsupported dtype %s (only float32/float64 supported)", name, x.DType()))
	}

	return result
}

// CrossEntropy computes the mean cross-entropy loss of logits [N, C] against
// int32 class indices [N]. The result is a scalar tensor.
//
// log_softmax uses the log-sum-exp trick:
//
//	log_softmax(z) = z - (max(z) + log(Σ exp(z - max(z))))
func (cpu *CPUBackend) CrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("cross_entropy: expected 2D logits, got %v", shape))
	}
	if targets.DType() != tensor.Int32 || len(targets.Shape()) != 1 || targets.Shape()[0] != shape[0] {
		panic(fmt.Sprintf("cross_entropy: targets must be int32 [%d], got %s %v", shape[0], targets.DType(), targets.Shape()))
	}

	batch, classes := shape[0], shape[1]
	labels := targets.AsInt32()

	var total float64
	switch logits.DType() {
	case tensor.Float32:
		data := logits.AsFloat32()
		row := make([]float64, classes)
		for b := 0; b < batch; b++ {
			for c := 0; c < classes; c++ {
				row[c] = float64(data[b*classes+c])
			}
			total += sampleLoss(row, labels[b])
		}
	case tensor.Float64:
		data := logits.AsFloat64()
		for b := 0; b < batch; b++ {
			total += sampleLoss(data[b*classes:(b+1)*classes], labels[b])
		}
	default:
		panic(fmt.Sprintf("cross_entropy: unsupported dtype %s", logits.DType()))
	}

	result, err := tensor.NewRaw(tensor.Shape{}, logits.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("cross_entropy: %v", err))
	}
	mean := total / float64(batch)
	if logits.DType() == tensor.Float32 {
		result.AsFloat32()[0] = float32(mean)
	} else {
		result.AsFloat64()[0] = mean
	}
	return result
}

func sampleLoss(logits []float64, target int32) float64 {
	if target < 0 || int(target) >= len(logits) {
		panic(fmt.Sprintf("cross_entropy: target %d out of range for %d classes", target, len(logits)))
	}

	maxVal := math.Inf(-1)
	for _, v := range logits {
		maxVal = math.Max(maxVal, v)
	}
	var sumExp float64
	for _, v := range logits {
		sumExp += math.Exp(v - maxVal)
	}
	logSumExp := maxVal + math.Log(sumExp)
	return logSumExp - logits[target]
}
