package tensor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBackend satisfies Backend for creation tests; compute methods are unused.
type stubBackend struct {
	Backend
}

func (stubBackend) Name() string   { return "stub" }
func (stubBackend) Device() Device { return CPU }

func TestDataTypeSize(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Float64.Size())
	assert.Equal(t, 4, Int32.Size())
	assert.Equal(t, "float64", Float64.String())
}

func TestShapeNumElements(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 12, Shape{3, 4}.NumElements())
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
}

func TestShapeValidate(t *testing.T) {
	require.NoError(t, Shape{2, 3}.Validate())
	require.Error(t, Shape{2, 0}.Validate())
	require.Error(t, Shape{-1}.Validate())
}

func TestShapeStrides(t *testing.T) {
	assert.Equal(t, []int{12, 4, 1}, Shape{2, 3, 4}.ComputeStrides())
	assert.Equal(t, []int{}, Shape{}.ComputeStrides())
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Shape
		want      Shape
		broadcast bool
		wantErr   bool
	}{
		{"equal", Shape{3, 5}, Shape{3, 5}, Shape{3, 5}, false, false},
		{"column", Shape{3, 1}, Shape{3, 5}, Shape{3, 5}, true, false},
		{"row bias", Shape{3, 5}, Shape{5}, Shape{3, 5}, true, false},
		{"incompatible", Shape{3, 4}, Shape{3, 5}, nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, broadcast, err := BroadcastShapes(tt.a, tt.b)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.broadcast, broadcast)
		})
	}
}

func TestRawCloneIsDeep(t *testing.T) {
	raw, err := NewRaw(Shape{2, 2}, Float32, CPU)
	require.NoError(t, err)
	raw.AsFloat32()[0] = 1.5

	clone := raw.Clone()
	clone.AsFloat32()[0] = 9

	assert.InDelta(t, 1.5, raw.AsFloat32()[0], 1e-7)
	assert.InDelta(t, 9, clone.AsFloat32()[0], 1e-7)
}

func TestRawCopyFrom(t *testing.T) {
	dst, err := NewRaw(Shape{2, 3}, Float64, CPU)
	require.NoError(t, err)
	src, err := NewRaw(Shape{2, 3}, Float64, CPU)
	require.NoError(t, err)
	src.AsFloat64()[5] = 4

	require.NoError(t, dst.CopyFrom(src))
	assert.InDelta(t, 4, dst.AsFloat64()[5], 1e-12)

	other, err := NewRaw(Shape{3, 2}, Float64, CPU)
	require.NoError(t, err)
	require.Error(t, dst.CopyFrom(other))
}

func TestRawWithShapeSharesStorage(t *testing.T) {
	raw, err := NewRaw(Shape{2, 3}, Float32, CPU)
	require.NoError(t, err)

	view, err := raw.WithShape(Shape{6})
	require.NoError(t, err)
	view.AsFloat32()[4] = 7
	assert.InDelta(t, 7, raw.AsFloat32()[4], 1e-7)

	_, err = raw.WithShape(Shape{4})
	require.Error(t, err)
}

func TestRawDTypeMismatchPanics(t *testing.T) {
	raw, err := NewRaw(Shape{2}, Int32, CPU)
	require.NoError(t, err)
	assert.Panics(t, func() { raw.AsFloat32() })
}

func TestFromSlice(t *testing.T) {
	b := stubBackend{}
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3}, b)
	require.NoError(t, err)

	assert.Equal(t, Shape{2, 3}, x.Shape())
	assert.Equal(t, Float32, x.DType())
	assert.InDelta(t, 6, x.At(1, 2), 1e-7)

	x.Set(10, 0, 1)
	assert.InDelta(t, 10, x.Data()[1], 1e-7)

	_, err = FromSlice([]float32{1, 2}, Shape{2, 3}, b)
	require.Error(t, err)
}

func TestAtOutOfBoundsPanics(t *testing.T) {
	x := Zeros[float64](Shape{2, 2}, stubBackend{})
	assert.Panics(t, func() { x.At(2, 0) })
	assert.Panics(t, func() { x.At(0) })
}

func TestFullAndOnes(t *testing.T) {
	b := stubBackend{}
	for _, v := range Ones[float64](Shape{3}, b).Data() {
		assert.InDelta(t, 1, v, 1e-12)
	}
	for _, v := range Full[int32](Shape{2, 2}, 7, b).Data() {
		assert.Equal(t, int32(7), v)
	}
}

func TestUniformRangeAndSeed(t *testing.T) {
	b := stubBackend{}
	a := Uniform[float32](Shape{10, 10}, -0.5, 0.5, rand.New(rand.NewSource(42)), b)
	c := Uniform[float32](Shape{10, 10}, -0.5, 0.5, rand.New(rand.NewSource(42)), b)

	assert.Equal(t, a.Data(), c.Data())
	for _, v := range a.Data() {
		assert.GreaterOrEqual(t, v, float32(-0.5))
		assert.Less(t, v, float32(0.5))
	}
}

func TestRandnMoments(t *testing.T) {
	x := Randn[float64](Shape{10000}, rand.New(rand.NewSource(1)), stubBackend{})

	var sum, sq float64
	for _, v := range x.Data() {
		sum += v
		sq += v * v
	}
	n := float64(x.NumElements())
	assert.InDelta(t, 0, sum/n, 0.05)
	assert.InDelta(t, 1, sq/n, 0.05)
}

func TestCloneAndDetach(t *testing.T) {
	x, err := FromSlice([]float64{1, 2}, Shape{2}, stubBackend{})
	require.NoError(t, err)
	x.RequireGrad()

	clone := x.Clone()
	clone.Data()[0] = 5
	assert.InDelta(t, 1, x.Data()[0], 1e-12)
	assert.False(t, clone.RequiresGrad())

	detached := x.Detach()
	detached.Data()[1] = 8
	assert.InDelta(t, 8, x.Data()[1], 1e-12)
	assert.False(t, detached.RequiresGrad())
	assert.True(t, x.RequiresGrad())
}
