package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// CrossEntropyBackend is implemented by backends with a fused cross-entropy
// kernel. The autodiff backend records it on the tape.
type CrossEntropyBackend interface {
	CrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor
}

// CrossEntropyLoss computes the mean cross-entropy of raw logits against
// integer class labels:
//
//	Loss = mean_b( logsumexp(z_b) - z_b[target_b] )
//
// Example:
//
//	criterion := nn.NewCrossEntropyLoss(backend)
//	loss, err := criterion.Forward(logits, labels)
type CrossEntropyLoss[B tensor.Backend] struct {
	backend B
}

// NewCrossEntropyLoss creates a cross-entropy loss.
func NewCrossEntropyLoss[B tensor.Backend](backend B) *CrossEntropyLoss[B] {
	return &CrossEntropyLoss[B]{backend: backend}
}

// Forward returns the scalar mean loss for logits [batch, classes] and
// targets [batch].
func (c *CrossEntropyLoss[B]) Forward(
	logits *tensor.Tensor[float32, B],
	targets *tensor.Tensor[int32, B],
) (*tensor.Tensor[float32, B], error) {
	shape := logits.Shape()
	if len(shape) != 2 || shape[0] == 0 {
		return nil, &ShapeError{Op: "cross entropy logits", Expected: tensor.Shape{-1, -1}, Got: shape.Clone()}
	}
	batchSize, numClasses := shape[0], shape[1]
	if !targets.Shape().Equal(tensor.Shape{batchSize}) {
		return nil, &ShapeError{Op: "cross entropy targets", Expected: tensor.Shape{batchSize}, Got: targets.Shape().Clone()}
	}

	labels := targets.Raw().AsInt32()
	for i, label := range labels {
		if label < 0 || int(label) >= numClasses {
			return nil, fmt.Errorf("cross entropy: target %d is %d, not in [0, %d)", i, label, numClasses)
		}
	}

	if ce, ok := any(c.backend).(CrossEntropyBackend); ok {
		return tensor.New[float32, B](ce.CrossEntropy(logits.Raw(), targets.Raw()), c.backend), nil
	}

	data := logits.Raw().AsFloat32()
	var total float64
	for b := 0; b < batchSize; b++ {
		row := data[b*numClasses : (b+1)*numClasses]
		total += logSumExp(row) - float64(row[labels[b]])
	}

	lossRaw, err := tensor.NewRaw(tensor.Shape{}, tensor.Float32, c.backend.Device())
	if err != nil {
		return nil, err
	}
	lossRaw.AsFloat32()[0] = float32(total / float64(batchSize))
	return tensor.New[float32, B](lossRaw, c.backend), nil
}

// logSumExp computes log(sum(exp(z))) with the max subtracted first.
func logSumExp(z []float32) float64 {
	maxVal := math.Inf(-1)
	for _, v := range z {
		maxVal = math.Max(maxVal, float64(v))
	}
	var sum float64
	for _, v := range z {
		sum += math.Exp(float64(v) - maxVal)
	}
	return maxVal + math.Log(sum)
}
