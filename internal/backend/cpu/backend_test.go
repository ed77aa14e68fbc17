package cpu_test

import (
	"math"
	"testing"

	"github.com/born-ml/pseudoprop/internal/backend/cpu"
	"github.com/born-ml/pseudoprop/internal/parallel"
	"github.com/born-ml/pseudoprop/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw64(t *testing.T, shape tensor.Shape, values ...float64) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float64, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat64(), values)
	return r
}

func raw32(t *testing.T, shape tensor.Shape, values ...float32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), values)
	return r
}

func rawInt(t *testing.T, shape tensor.Shape, values ...int32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsInt32(), values)
	return r
}

func assertSliceInDelta(t *testing.T, expected, actual []float64, delta float64) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		assert.InDelta(t, expected[i], actual[i], delta, "index %d", i)
	}
}

func TestNew(t *testing.T) {
	backend := cpu.New()
	assert.Equal(t, "CPU", backend.Name())
	assert.Equal(t, tensor.CPU, backend.Device())
}

func TestParallelKernelsMatchSequential(t *testing.T) {
	par := cpu.NewWithParallel(parallel.Config{Enabled: true, NumWorkers: 4, MinChunkSize: 16})
	seq := cpu.NewWithParallel(parallel.Sequential())

	const rows, cols = 64, 33
	a := make([]float32, rows*cols)
	for i := range a {
		a[i] = float32(i%17) - 8.5
	}
	b := make([]float32, cols)
	for i := range b {
		b[i] = float32(i) * 0.25
	}
	x := raw32(t, tensor.Shape{rows, cols}, a...)
	row := raw32(t, tensor.Shape{cols}, b...)

	assert.Equal(t, seq.Add(x, row).AsFloat32(), par.Add(x, row).AsFloat32())
	assert.Equal(t, seq.Mul(x, x).AsFloat32(), par.Mul(x, x).AsFloat32())
	assert.Equal(t, seq.ReLU(x).AsFloat32(), par.ReLU(x).AsFloat32())
	assert.Equal(t, seq.Tanh(x).AsFloat32(), par.Tanh(x).AsFloat32())
}

func TestElementwise(t *testing.T) {
	backend := cpu.New()
	a := raw64(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	b := raw64(t, tensor.Shape{2, 3}, 10, 11, 12, 13, 14, 15)

	assertSliceInDelta(t, []float64{11, 13, 15, 17, 19, 21}, backend.Add(a, b).AsFloat64(), 1e-12)
	assertSliceInDelta(t, []float64{9, 9, 9, 9, 9, 9}, backend.Sub(b, a).AsFloat64(), 1e-12)
	assertSliceInDelta(t, []float64{10, 22, 36, 52, 70, 90}, backend.Mul(a, b).AsFloat64(), 1e-12)
	assertSliceInDelta(t, []float64{0.5, 1, 1.5, 2, 2.5, 3}, backend.MulScalar(a, 0.5).AsFloat64(), 1e-12)

	// Inputs are never written.
	assertSliceInDelta(t, []float64{1, 2, 3, 4, 5, 6}, a.AsFloat64(), 0)
}

func TestAddBroadcastsBiasRow(t *testing.T) {
	backend := cpu.New()
	x := raw32(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	bias := raw32(t, tensor.Shape{3}, 10, 20, 30)

	out := backend.Add(x, bias)
	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, out.AsFloat32())
}

func TestAddBroadcastsColumn(t *testing.T) {
	backend := cpu.New()
	col := rawInt(t, tensor.Shape{2, 1}, 1, 2)
	row := rawInt(t, tensor.Shape{1, 3}, 10, 20, 30)

	out := backend.Add(col, row)
	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())
	assert.Equal(t, []int32{11, 21, 31, 12, 22, 32}, out.AsInt32())
}

func TestElementwiseShapeMismatchPanics(t *testing.T) {
	backend := cpu.New()
	a := raw64(t, tensor.Shape{2, 3})
	b := raw64(t, tensor.Shape{2, 4})
	assert.Panics(t, func() { backend.Add(a, b) })
}

func TestMatMul(t *testing.T) {
	backend := cpu.New()

	t.Run("float64", func(t *testing.T) {
		a := raw64(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
		b := raw64(t, tensor.Shape{3, 2}, 7, 8, 9, 10, 11, 12)
		out := backend.MatMul(a, b)
		assert.Equal(t, tensor.Shape{2, 2}, out.Shape())
		assertSliceInDelta(t, []float64{58, 64, 139, 154}, out.AsFloat64(), 1e-12)
	})

	t.Run("float32", func(t *testing.T) {
		a := raw32(t, tensor.Shape{1, 2}, 1, 2)
		b := raw32(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
		out := backend.MatMul(a, b)
		assert.Equal(t, []float32{9, 12, 15}, out.AsFloat32())
	})

	t.Run("int32", func(t *testing.T) {
		a := rawInt(t, tensor.Shape{2, 2}, 1, 2, 3, 4)
		b := rawInt(t, tensor.Shape{2, 2}, 5, 6, 7, 8)
		assert.Equal(t, []int32{19, 22, 43, 50}, backend.MatMul(a, b).AsInt32())
	})

	t.Run("mismatch", func(t *testing.T) {
		a := raw64(t, tensor.Shape{2, 3})
		b := raw64(t, tensor.Shape{2, 3})
		assert.Panics(t, func() { backend.MatMul(a, b) })
	})
}

func TestTranspose(t *testing.T) {
	backend := cpu.New()

	x := raw64(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	xt := backend.Transpose(x)
	assert.Equal(t, tensor.Shape{3, 2}, xt.Shape())
	assertSliceInDelta(t, []float64{1, 4, 2, 5, 3, 6}, xt.AsFloat64(), 0)

	y := rawInt(t, tensor.Shape{2, 2, 2}, 0, 1, 2, 3, 4, 5, 6, 7)
	yp := backend.Transpose(y, 1, 0, 2)
	assert.Equal(t, tensor.Shape{2, 2, 2}, yp.Shape())
	assert.Equal(t, []int32{0, 1, 4, 5, 2, 3, 6, 7}, yp.AsInt32())

	assert.Panics(t, func() { backend.Transpose(x, 0, 0) })
}

func TestReshape(t *testing.T) {
	backend := cpu.New()
	x := raw64(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	y := backend.Reshape(x, tensor.Shape{3, -1})
	assert.Equal(t, tensor.Shape{3, 2}, y.Shape())

	y.AsFloat64()[0] = 100
	assert.InDelta(t, 1, x.AsFloat64()[0], 0)

	assert.Panics(t, func() { backend.Reshape(x, tensor.Shape{4, 2}) })
	assert.Panics(t, func() { backend.Reshape(x, tensor.Shape{-1, -1}) })
}

func TestSumDim(t *testing.T) {
	backend := cpu.New()
	x := raw64(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	rows := backend.SumDim(x, 0, false)
	assert.Equal(t, tensor.Shape{3}, rows.Shape())
	assertSliceInDelta(t, []float64{5, 7, 9}, rows.AsFloat64(), 1e-12)

	cols := backend.SumDim(x, -1, true)
	assert.Equal(t, tensor.Shape{2, 1}, cols.Shape())
	assertSliceInDelta(t, []float64{6, 15}, cols.AsFloat64(), 1e-12)

	assert.Panics(t, func() { backend.SumDim(x, 2, false) })
}

func TestArgmax(t *testing.T) {
	backend := cpu.New()
	x := raw32(t, tensor.Shape{3, 4},
		0.1, 0.9, 0.3, 0.2,
		5, 1, 1, 5,
		-3, -2, -1, -4)

	idx := backend.Argmax(x, 1)
	assert.Equal(t, tensor.Int32, idx.DType())
	assert.Equal(t, tensor.Shape{3}, idx.Shape())
	assert.Equal(t, []int32{1, 0, 2}, idx.AsInt32())

	assert.Equal(t, []int32{1, 1, 1, 1}, backend.Argmax(x, 0).AsInt32())
}

func TestActivations(t *testing.T) {
	backend := cpu.New()
	x := raw64(t, tensor.Shape{4}, -2, -0.5, 0, 3)

	assertSliceInDelta(t, []float64{0, 0, 0, 3}, backend.ReLU(x).AsFloat64(), 0)

	sig := backend.Sigmoid(x).AsFloat64()
	assert.InDelta(t, 0.5, sig[2], 1e-12)
	assert.InDelta(t, 1/(1+math.Exp(2)), sig[0], 1e-12)

	tanh := backend.Tanh(x).AsFloat64()
	assert.InDelta(t, math.Tanh(3), tanh[3], 1e-12)

	ints := rawInt(t, tensor.Shape{1}, 1)
	assert.Panics(t, func() { backend.ReLU(ints) })
}

func TestCrossEntropy(t *testing.T) {
	backend := cpu.New()

	// Uniform logits give log(C) per sample.
	logits := raw64(t, tensor.Shape{2, 4})
	targets := rawInt(t, tensor.Shape{2}, 0, 3)
	loss := backend.CrossEntropy(logits, targets)
	assert.Equal(t, 1, loss.NumElements())
	assert.InDelta(t, math.Log(4), loss.AsFloat64()[0], 1e-12)

	// One confident correct sample and one uniform sample.
	logits32 := raw32(t, tensor.Shape{2, 2}, 10, -10, 0, 0)
	targets2 := rawInt(t, tensor.Shape{2}, 0, 1)
	want := (math.Log(1+math.Exp(-20)) + math.Log(2)) / 2
	assert.InDelta(t, want, float64(backend.CrossEntropy(logits32, targets2).AsFloat32()[0]), 1e-6)

	assert.Panics(t, func() { backend.CrossEntropy(logits, rawInt(t, tensor.Shape{2}, 0, 4)) })
}
