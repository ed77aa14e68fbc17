package ops

import (
	"fmt"
	"math"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// CrossEntropyOp represents the mean cross-entropy loss of logits [N, C]
// against int32 class indices [N].
//
// Backward:
//
//	∂L/∂logits = (softmax(logits) - y_one_hot) / batch_size
//
// Targets are class indices and receive no gradient.
type CrossEntropyOp struct {
	logits  *tensor.RawTensor
	targets *tensor.RawTensor
	output  *tensor.RawTensor
}

// NewCrossEntropyOp creates a new cross-entropy operation.
func NewCrossEntropyOp(logits, targets, output *tensor.RawTensor) *CrossEntropyOp {
	return &CrossEntropyOp{
		logits:  logits,
		targets: targets,
		output:  output,
	}
}

// Inputs returns the differentiable input [logits].
func (op *CrossEntropyOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.logits}
}

// Output returns the scalar loss tensor.
func (op *CrossEntropyOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes the gradient with respect to logits.
func (op *CrossEntropyOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	shape := op.logits.Shape()
	batch, classes := shape[0], shape[1]
	labels := op.targets.AsInt32()

	grad, err := tensor.NewRaw(shape, op.logits.DType(), backend.Device())
	if err != nil {
		panic(fmt.Sprintf("cross_entropy backward: %v", err))
	}

	row := make([]float64, classes)
	switch op.logits.DType() {
	case tensor.Float32:
		logits, dst := op.logits.AsFloat32(), grad.AsFloat32()
		scale := float64(outputGrad.AsFloat32()[0]) / float64(batch)
		for b := 0; b < batch; b++ {
			for c := range row {
				row[c] = float64(logits[b*classes+c])
			}
			softmaxInPlace(row)
			row[labels[b]]--
			for c, v := range row {
				dst[b*classes+c] = float32(v * scale)
			}
		}
	case tensor.Float64:
		logits, dst := op.logits.AsFloat64(), grad.AsFloat64()
		scale := outputGrad.AsFloat64()[0] / float64(batch)
		for b := 0; b < batch; b++ {
			copy(row, logits[b*classes:(b+1)*classes])
			softmaxInPlace(row)
			row[labels[b]]--
			for c, v := range row {
				dst[b*classes+c] = v * scale
			}
		}
	default:
		panic(fmt.Sprintf("cross_entropy backward: unsupported dtype %s", op.logits.DType()))
	}

	return []*tensor.RawTensor{grad}
}

// softmaxInPlace overwrites z with softmax(z), using max subtraction for stability.
func softmaxInPlace(z []float64) {
	maxVal := math.Inf(-1)
	for _, v := range z {
		maxVal = math.Max(maxVal, v)
	}
	var sum float64
	for i, v := range z {
		z[i] = math.Exp(v - maxVal)
		sum += z[i]
	}
	for i := range z {
		z[i] /= sum
	}
}
