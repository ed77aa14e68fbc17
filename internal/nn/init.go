package nn

import (
	"math"
	"math/rand"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// ScalingFactor is the constant c in the initialization bound k = sqrt(c / fan_in).
const ScalingFactor = 4

// DefaultCutoff is the relative singular-value cutoff used for pseudoinverses
// unless WithCutoff overrides it.
const DefaultCutoff = 1e-15

// InitBound returns k = sqrt(ScalingFactor / fanIn).
//
// Sampling forward weights from U(-k, k) keeps the forward activation variance
// roughly constant across layer widths.
func InitBound(fanIn int) float64 {
	return math.Sqrt(ScalingFactor / float64(fanIn))
}

// Uniform creates a float32 tensor with values drawn from U(-bound, bound).
func Uniform[B tensor.Backend](shape tensor.Shape, bound float64, rng *rand.Rand, backend B) *tensor.Tensor[float32, B] {
	return tensor.Uniform[float32](shape, -bound, bound, rng, backend)
}

// biasBound returns the bias sampling bound for a variant.
// Feedback alignment widens it by ScalingFactor.
func biasBound(v Variant, fanIn int) float64 {
	k := InitBound(fanIn)
	if v == FeedbackAlignment {
		return ScalingFactor * k
	}
	return k
}

// transpose2D returns a float32 matrix transposed without touching any tape.
func transpose2D(m *tensor.RawTensor) *tensor.RawTensor {
	shape := m.Shape()
	rows, cols := shape[0], shape[1]

	out, err := tensor.NewRaw(tensor.Shape{cols, rows}, m.DType(), m.Device())
	if err != nil {
		panic(err)
	}
	src, dst := m.AsFloat32(), out.AsFloat32()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
	return out
}
