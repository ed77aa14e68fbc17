package ops

import (
	"fmt"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// MatMulOp records a plain product out = a @ b on the tape.
//
// Synapses record LinearOp instead. MatMulOp serves composed graphs, where
// the product is treated as a bias-free linear layer with W = b^T under
// TransposeRule, so both operands receive exact gradients.
type MatMulOp struct {
	a, b   *tensor.RawTensor
	output *tensor.RawTensor
}

// NewMatMulOp creates a new MatMulOp.
func NewMatMulOp(a, b, output *tensor.RawTensor) *MatMulOp {
	return &MatMulOp{a: a, b: b, output: output}
}

// Backward returns [grad @ b^T, a^T @ grad].
func (op *MatMulOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	if !outputGrad.Shape().Equal(op.output.Shape()) {
		panic(fmt.Sprintf("matmul backward: gradient shape %v does not match output %v",
			outputGrad.Shape(), op.output.Shape()))
	}

	grads := TransposeRule{}.ComputeGradients(outputGrad, LinearSaved{
		Input:        op.a,
		LinearParams: LinearParams{Weight: backend.Transpose(op.b, 1, 0)},
	}, backend)
	// grads.Weight is the gradient of b^T.
	return []*tensor.RawTensor{grads.Input, backend.Transpose(grads.Weight, 1, 0)}
}

// Inputs returns [a, b].
func (op *MatMulOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.a, op.b}
}

// Output returns a @ b.
func (op *MatMulOp) Output() *tensor.RawTensor {
	return op.output
}
