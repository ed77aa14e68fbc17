package ops

import (
	"fmt"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// LinearParams are the tensors a synapse contributes to one forward call.
type LinearParams struct {
	Weight *tensor.RawTensor // [out, in]
	Bias   *tensor.RawTensor // [out], nil when the synapse has no bias

	// Backward is the operator used to transport the error to the previous
	// layer, shape [out, in]. Rules that derive it from Weight ignore it.
	Backward *tensor.RawTensor

	// BiasGrad requests a bias gradient. It is ignored when Bias is nil.
	BiasGrad bool
}

// LinearSaved is the state retained between a forward call and its backward pass.
type LinearSaved struct {
	Input *tensor.RawTensor
	LinearParams
}

// LinearGrads holds the gradients produced by a rule's backward pass.
// Bias is nil when no bias gradient was requested.
type LinearGrads struct {
	Input  *tensor.RawTensor
	Weight *tensor.RawTensor
	Bias   *tensor.RawTensor
}

// DifferentiableLinearOp is a linear forward computation paired with a custom
// gradient rule. Implementations define how the output error is transported
// back to the input; the forward weight gradient is always grad^T @ input.
type DifferentiableLinearOp interface {
	// ComputeOutput returns input @ Weight^T (+ Bias).
	ComputeOutput(input *tensor.RawTensor, params LinearParams, backend tensor.Backend) *tensor.RawTensor

	// ComputeGradients returns the input, weight and bias gradients for outputGrad.
	ComputeGradients(outputGrad *tensor.RawTensor, saved LinearSaved, backend tensor.Backend) LinearGrads
}

// TransposeRule is standard backpropagation: grad_in = grad_out @ W.
type TransposeRule struct{}

// ComputeOutput implements DifferentiableLinearOp.
func (TransposeRule) ComputeOutput(input *tensor.RawTensor, params LinearParams, backend tensor.Backend) *tensor.RawTensor {
	return linearForward(input, params, backend)
}

// ComputeGradients implements DifferentiableLinearOp.
func (TransposeRule) ComputeGradients(outputGrad *tensor.RawTensor, saved LinearSaved, backend tensor.Backend) LinearGrads {
	return parameterGrads(backend.MatMul(outputGrad, saved.Weight), outputGrad, saved, backend)
}

// OperatorRule transports the error through an arbitrary backward operator B
// of shape [out, in]: grad_in = grad_out @ B. Feedback alignment supplies a
// fixed random B; pseudo-backprop supplies pinv(W)^T.
type OperatorRule struct{}

// ComputeOutput implements DifferentiableLinearOp.
func (OperatorRule) ComputeOutput(input *tensor.RawTensor, params LinearParams, backend tensor.Backend) *tensor.RawTensor {
	if params.Backward == nil {
		panic("linear: operator rule requires a backward operator")
	}
	return linearForward(input, params, backend)
}

// ComputeGradients implements DifferentiableLinearOp.
func (OperatorRule) ComputeGradients(outputGrad *tensor.RawTensor, saved LinearSaved, backend tensor.Backend) LinearGrads {
	return parameterGrads(backend.MatMul(outputGrad, saved.Backward), outputGrad, saved, backend)
}

func linearForward(input *tensor.RawTensor, params LinearParams, backend tensor.Backend) *tensor.RawTensor {
	out := backend.MatMul(input, backend.Transpose(params.Weight, 1, 0))
	if params.Bias != nil {
		out = backend.Add(out, params.Bias)
	}
	return out
}

// parameterGrads completes LinearGrads with the rule-independent gradients:
// grad_W = grad^T @ input and grad_b = sum(grad, batch).
func parameterGrads(inputGrad, outputGrad *tensor.RawTensor, saved LinearSaved, backend tensor.Backend) LinearGrads {
	grads := LinearGrads{
		Input:  inputGrad,
		Weight: backend.MatMul(backend.Transpose(outputGrad, 1, 0), saved.Input),
	}
	if saved.Bias != nil && saved.BiasGrad {
		grads.Bias = backend.SumDim(outputGrad, 0, false)
	}
	return grads
}

// LinearOp records one synapse forward call on the tape.
//
// Inputs are [input, weight] or [input, weight, bias]. The backward operator
// lives only in the saved state, so the tape never produces a gradient for it.
type LinearOp struct {
	rule   DifferentiableLinearOp
	saved  LinearSaved
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewLinearOp creates a new LinearOp.
func NewLinearOp(rule DifferentiableLinearOp, input *tensor.RawTensor, params LinearParams, output *tensor.RawTensor) *LinearOp {
	inputs := []*tensor.RawTensor{input, params.Weight}
	if params.Bias != nil {
		inputs = append(inputs, params.Bias)
	}
	return &LinearOp{
		rule:   rule,
		saved:  LinearSaved{Input: input, LinearParams: params},
		inputs: inputs,
		output: output,
	}
}

// Backward delegates to the rule.
func (op *LinearOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	if len(outputGrad.Shape()) != 2 || outputGrad.Shape()[0] != op.saved.Input.Shape()[0] {
		panic(fmt.Sprintf("linear backward: gradient shape %v does not match batch of input %v",
			outputGrad.Shape(), op.saved.Input.Shape()))
	}

	grads := op.rule.ComputeGradients(outputGrad, op.saved, backend)
	out := []*tensor.RawTensor{grads.Input, grads.Weight}
	if op.saved.Bias != nil {
		out = append(out, grads.Bias)
	}
	return out
}

// Inputs returns [input, weight] or [input, weight, bias].
func (op *LinearOp) Inputs() []*tensor.RawTensor {
	return op.inputs
}

// Output returns the linear output.
func (op *LinearOp) Output() *tensor.RawTensor {
	return op.output
}

// Saved exposes the retained forward state.
func (op *LinearOp) Saved() LinearSaved {
	return op.saved
}
