package cpu

import (
	"errors"
	"fmt"

	"github.com/born-ml/pseudoprop/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// ErrSVDFailed is returned when the singular value decomposition does not converge.
var ErrSVDFailed = errors.New("cpu: SVD factorization failed")

// Pinv computes the Moore-Penrose pseudoinverse of a 2D float tensor.
//
// The computation runs in float64 through gonum's thin SVD regardless of the
// input dtype; the result is converted back. For x of shape (M, N) the result
// has shape (N, M):
//
//	pinv(x) = V · diag(1/s_i) · Uᵀ,  s_i > rcond · max(s)
//
// Singular values at or below the cutoff contribute zero. The returned rank is
// the number of singular values that survived the cutoff.
func (cpu *CPUBackend) Pinv(x *tensor.RawTensor, rcond float64) (*tensor.RawTensor, int, error) {
	shape := x.Shape()
	if len(shape) != 2 {
		return nil, 0, fmt.Errorf("pinv: expected 2D tensor, got shape %v", shape)
	}
	if rcond < 0 {
		return nil, 0, fmt.Errorf("pinv: rcond must be non-negative, got %g", rcond)
	}

	rows, cols := shape[0], shape[1]
	var src *mat.Dense
	switch x.DType() {
	case tensor.Float32:
		data := make([]float64, rows*cols)
		for i, v := range x.AsFloat32() {
			data[i] = float64(v)
		}
		src = mat.NewDense(rows, cols, data)
	case tensor.Float64:
		src = mat.NewDense(rows, cols, append([]float64(nil), x.AsFloat64()...))
	default:
		return nil, 0, fmt.Errorf("pinv: unsupported dtype %s", x.DType())
	}

	var svd mat.SVD
	if ok := svd.Factorize(src, mat.SVDThin); !ok {
		return nil, 0, ErrSVDFailed
	}

	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Values are sorted in descending order.
	cutoff := rcond * values[0]
	rank := 0
	for _, s := range values {
		if s > cutoff {
			rank++
		}
	}

	// V[:, :rank] scaled column-wise by 1/s, then times U[:, :rank]ᵀ.
	pinv := mat.NewDense(cols, rows, nil)
	if rank > 0 {
		vr := mat.DenseCopyOf(v.Slice(0, cols, 0, rank))
		for j := 0; j < rank; j++ {
			inv := 1 / values[j]
			for i := 0; i < cols; i++ {
				vr.Set(i, j, vr.At(i, j)*inv)
			}
		}
		pinv.Mul(vr, u.Slice(0, rows, 0, rank).T())
	}

	result, err := tensor.NewRaw(tensor.Shape{cols, rows}, x.DType(), cpu.device)
	if err != nil {
		return nil, 0, fmt.Errorf("pinv: %w", err)
	}
	raw := pinv.RawMatrix()
	switch x.DType() {
	case tensor.Float32:
		dst := result.AsFloat32()
		for i := 0; i < cols; i++ {
			for j := 0; j < rows; j++ {
				dst[i*rows+j] = float32(raw.Data[i*raw.Stride+j])
			}
		}
	case tensor.Float64:
		dst := result.AsFloat64()
		for i := 0; i < cols; i++ {
			copy(dst[i*rows:(i+1)*rows], raw.Data[i*raw.Stride:i*raw.Stride+rows])
		}
	}

	return result, rank, nil
}
