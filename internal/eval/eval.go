// Package eval measures classification performance of a network.
package eval

import (
	"context"
	"fmt"

	"github.com/born-ml/pseudoprop/internal/autodiff"
	"github.com/born-ml/pseudoprop/internal/dataset"
	"github.com/born-ml/pseudoprop/internal/nn"
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// Forwarder is the part of a network evaluation needs.
type Forwarder[B tensor.Backend] interface {
	Forward(input *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error)
}

// Result summarizes one pass over an evaluation set.
type Result struct {
	// Confusion[label][predicted] counts examples.
	Confusion [][]int

	// Loss is the sum over batches of the mean batch cross-entropy.
	Loss float64

	Examples int
	Batches  int
}

// Correct returns the number of correctly classified examples.
func (r Result) Correct() int {
	correct := 0
	for i := range r.Confusion {
		correct += r.Confusion[i][i]
	}
	return correct
}

// Accuracy returns the fraction of correctly classified examples.
func (r Result) Accuracy() float64 {
	if r.Examples == 0 {
		return 0
	}
	return float64(r.Correct()) / float64(r.Examples)
}

// MeanLoss returns Loss divided by the number of batches.
func (r Result) MeanLoss() float64 {
	if r.Batches == 0 {
		return 0
	}
	return r.Loss / float64(r.Batches)
}

// ClassAccuracy returns per-label recall; labels with no examples get 0.
func (r Result) ClassAccuracy() []float64 {
	acc := make([]float64, len(r.Confusion))
	for label, row := range r.Confusion {
		total := 0
		for _, n := range row {
			total += n
		}
		if total > 0 {
			acc[label] = float64(row[label]) / float64(total)
		}
	}
	return acc
}

// Evaluate runs every batch through net.Forward, predicts the argmax class
// and accumulates the confusion matrix and loss. The iterator is rewound
// first. Nothing is recorded on an autodiff tape. A label outside
// [0, numClasses) fails with dataset.ErrInvalid.
func Evaluate[B tensor.Backend](
	ctx context.Context,
	net Forwarder[B],
	batches *dataset.Batches,
	numClasses int,
	backend B,
) (Result, error) {
	if numClasses < 1 {
		return Result{}, fmt.Errorf("evaluate: numClasses must be positive, got %d", numClasses)
	}

	if bc, ok := any(backend).(autodiff.BackwardCapable); ok {
		if tape := bc.GetTape(); tape.IsRecording() {
			tape.StopRecording()
			defer tape.StartRecording()
		}
	}

	result := Result{Confusion: make([][]int, numClasses)}
	for i := range result.Confusion {
		result.Confusion[i] = make([]int, numClasses)
	}

	criterion := nn.NewCrossEntropyLoss(backend)
	batches.Reset()
	for batch, ok := batches.Next(); ok; batch, ok = batches.Next() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		for _, label := range batch.Y {
			if label < 0 || int(label) >= numClasses {
				return result, fmt.Errorf("evaluate batch %d: %w: label %d not in [0, %d)",
					result.Batches, dataset.ErrInvalid, label, numClasses)
			}
		}

		features := len(batch.X) / batch.Size
		x, err := tensor.FromSlice(batch.X, tensor.Shape{batch.Size, features}, backend)
		if err != nil {
			return result, err
		}
		labels, err := tensor.FromSlice(batch.Y, tensor.Shape{batch.Size}, backend)
		if err != nil {
			return result, err
		}

		logits, err := net.Forward(x)
		if err != nil {
			return result, fmt.Errorf("evaluate batch %d: %w", result.Batches, err)
		}
		if got := logits.Shape(); len(got) != 2 || got[1] != numClasses {
			return result, &nn.ShapeError{Op: "evaluate", Expected: tensor.Shape{batch.Size, numClasses}, Got: got.Clone()}
		}
		loss, err := criterion.Forward(logits, labels)
		if err != nil {
			return result, fmt.Errorf("evaluate batch %d: %w", result.Batches, err)
		}

		predicted := logits.Argmax(1).Data()
		for i, label := range batch.Y {
			result.Confusion[label][predicted[i]]++
		}
		result.Loss += float64(loss.Item())
		result.Examples += batch.Size
		result.Batches++
	}
	return result, nil
}
