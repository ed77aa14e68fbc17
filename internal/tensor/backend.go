package tensor

// Backend defines the operations a compute backend must provide.
//
// It covers what dense multi-layer perceptrons
// need for forward evaluation, gradient transport and pseudoinverse-based
// backward operators.
//
// Implementations:
//   - CPU: pure Go kernels with gonum BLAS for matrix products
//   - Autodiff: decorator over any Backend that records a gradient tape
type Backend interface {
	// Element-wise binary operations with NumPy broadcasting.
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor

	// MulScalar multiplies every element by a scalar.
	MulScalar(x *RawTensor, scalar float64) *RawTensor

	// MatMul computes (M, K) @ (K, N) -> (M, N).
	MatMul(a, b *RawTensor) *RawTensor

	// Shape operations.
	Reshape(t *RawTensor, newShape Shape) *RawTensor
	Transpose(t *RawTensor, axes ...int) *RawTensor

	// Reductions.
	SumDim(x *RawTensor, dim int, keepDim bool) *RawTensor
	Argmax(x *RawTensor, dim int) *RawTensor

	// Pinv computes the Moore-Penrose pseudoinverse of a 2D tensor.
	// Singular values at or below rcond times the largest one are treated as
	// zero. The numerical rank that survived the cutoff is returned alongside.
	Pinv(x *RawTensor, rcond float64) (*RawTensor, int, error)

	// Metadata.
	Name() string
	Device() Device
}
