package nn_test

import (
	"fmt"
	"testing"

	"github.com/born-ml/pseudoprop/internal/autodiff"
	"github.com/born-ml/pseudoprop/internal/backend/cpu"
	"github.com/born-ml/pseudoprop/internal/nn"
	"github.com/born-ml/pseudoprop/internal/optim"
	"github.com/born-ml/pseudoprop/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNetwork(t *testing.T, backend Backend, sizes []int, v nn.Variant, seed int64, opts ...nn.Option) *nn.Network[Backend] {
	t.Helper()
	cfg := nn.DefaultConfig(sizes, v)
	cfg.Rand = seeded(seed)
	cfg.Logger = quietLogger()
	for _, opt := range opts {
		opt(&cfg)
	}
	net, err := nn.NewNetwork(cfg, backend)
	require.NoError(t, err)
	return net
}

func labels(backend Backend, values ...int32) *tensor.Tensor[int32, Backend] {
	l, err := tensor.FromSlice(values, tensor.Shape{len(values)}, backend)
	if err != nil {
		panic(err)
	}
	return l
}

// trainStep runs one forward/backward/update cycle and returns the loss.
func trainStep(t *testing.T, backend Backend, net *nn.Network[Backend], opt optim.Optimizer,
	x *tensor.Tensor[float32, Backend], y *tensor.Tensor[int32, Backend],
) float32 {
	t.Helper()
	backend.Tape().Clear()
	backend.Tape().StartRecording()

	logits, err := net.Forward(x)
	require.NoError(t, err)
	loss, err := nn.NewCrossEntropyLoss(backend).Forward(logits, y)
	require.NoError(t, err)

	grads := autodiff.Backward(loss, backend)
	backend.Tape().StopRecording()
	opt.Step(grads)
	opt.ZeroGrad()
	return loss.Item()
}

func TestFactories(t *testing.T) {
	backend := newBackend()
	sizes := []int{4, 5, 3}
	factories := map[nn.Variant]func([]int, Backend, ...nn.Option) (*nn.Network[Backend], error){
		nn.Vanilla:           nn.NewVanilla[Backend],
		nn.FeedbackAlignment: nn.NewFeedbackAlignment[Backend],
		nn.PseudoBackprop:    nn.NewPseudoBackprop[Backend],
	}

	for v, factory := range factories {
		net, err := factory(sizes, backend, nn.WithSeed(1), nn.WithLogger(quietLogger()))
		require.NoError(t, err)
		assert.Equal(t, v, net.Variant())
		assert.Equal(t, sizes, net.LayerSizes())
		assert.Equal(t, 2, net.NumLayers())
		assert.Equal(t, nn.ReLU, net.Activation())
		assert.Len(t, net.Parameters(), 4, "bias is on by default")
	}

	net, err := nn.NewVanilla(sizes, backend,
		nn.WithBias(false), nn.WithActivation(nn.Tanh), nn.WithCutoff(1e-6), nn.WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Len(t, net.Parameters(), 2)
	assert.Equal(t, nn.Tanh, net.Activation())
	for _, layer := range net.Layers() {
		assert.Equal(t, 1e-6, layer.Cutoff())
	}
}

func TestNetworkConfigErrors(t *testing.T) {
	backend := newBackend()
	tests := []nn.Config{
		{LayerSizes: []int{5}},
		{LayerSizes: []int{}},
		{LayerSizes: []int{4, 0, 3}},
		{LayerSizes: []int{4, -2}},
		{LayerSizes: []int{4, 3}, Variant: nn.Variant(7)},
		{LayerSizes: []int{4, 3}, Activation: nn.Activation(9)},
		{LayerSizes: []int{4, 3}, Cutoff: -1},
	}
	for i, cfg := range tests {
		_, err := nn.NewNetwork(cfg, backend)
		assert.ErrorIs(t, err, nn.ErrConfig, "case %d", i)
	}
}

func TestSeededNetworksAreIdentical(t *testing.T) {
	backend := newBackend()
	a := newNetwork(t, backend, []int{6, 4, 2}, nn.FeedbackAlignment, 99)
	b := newNetwork(t, backend, []int{6, 4, 2}, nn.FeedbackAlignment, 99)

	stateA, stateB := a.StateDict(), b.StateDict()
	require.Len(t, stateB, len(stateA))
	for key, raw := range stateA {
		assert.Equal(t, raw.AsFloat32(), stateB[key].AsFloat32(), key)
	}
}

func TestParameterNamesExcludeOperators(t *testing.T) {
	net := newNetwork(t, newBackend(), []int{4, 5, 3}, nn.PseudoBackprop, 1)

	var names []string
	for _, p := range net.Parameters() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"layers.0.weight", "layers.0.bias", "layers.1.weight", "layers.1.bias"}, names)
}

// forward_to_hidden(x, 0) has width b and forward has width c for sizes [a, b, c].
func TestShapeChain(t *testing.T) {
	for _, v := range allVariants {
		backend := newBackend()
		net := newNetwork(t, backend, []int{7, 5, 3}, v, 2)
		x := randn(backend, 6, 7, 3)

		hidden, err := net.ForwardToHidden(x, 0)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{6, 5}, hidden.Shape(), v.String())
		for _, h := range hidden.Data() {
			assert.GreaterOrEqual(t, h, float32(0), "hidden activations are post-ReLU")
		}

		out, err := net.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{6, 3}, out.Shape(), v.String())

		last, err := net.ForwardToHidden(x, 1)
		require.NoError(t, err)
		assert.Equal(t, out.Data(), last.Data(), "the last layer returns the raw output")
	}
}

func TestHiddenIndexBounds(t *testing.T) {
	backend := newBackend()
	net := newNetwork(t, backend, []int{4, 5, 3}, nn.PseudoBackprop, 1)
	x := randn(backend, 2, 4, 1)

	for _, i := range []int{-1, 2, 10} {
		_, err := net.ForwardToHidden(x, i)
		assert.ErrorIs(t, err, nn.ErrLayerIndex, fmt.Sprint(i))

		_, err = net.Layer(i)
		assert.ErrorIs(t, err, nn.ErrLayerIndex, fmt.Sprint(i))
	}
}

func TestNetworkForwardShapeError(t *testing.T) {
	backend := newBackend()
	net := newNetwork(t, backend, []int{4, 5, 3}, nn.Vanilla, 1)

	_, err := net.Forward(randn(backend, 2, 3, 1))
	assert.ErrorIs(t, err, nn.ErrShape)
}

// Gradients through the synapse rule match the same network composed from
// individually recorded tensor ops.
func TestVanillaNetworkMatchesComposedOps(t *testing.T) {
	backend := newBackend()
	net := newNetwork(t, backend, []int{4, 6, 3}, nn.Vanilla, 5)
	x := randn(backend, 3, 4, 6)
	y := labels(backend, 0, 2, 1)
	criterion := nn.NewCrossEntropyLoss(backend)

	backend.Tape().StartRecording()
	logits, err := net.Forward(x)
	require.NoError(t, err)
	loss, err := criterion.Forward(logits, y)
	require.NoError(t, err)
	got := autodiff.Backward(loss, backend)

	backend.Tape().Clear()
	backend.Tape().StartRecording()
	l0, _ := net.Layer(0)
	l1, _ := net.Layer(1)
	h := x.MatMul(l0.Weight().Tensor().T()).Add(l0.Bias().Tensor())
	h, err = nn.Activate(nn.ReLU, h)
	require.NoError(t, err)
	ref := h.MatMul(l1.Weight().Tensor().T()).Add(l1.Bias().Tensor())
	refLoss, err := criterion.Forward(ref, y)
	require.NoError(t, err)
	want := autodiff.Backward(refLoss, backend)

	assert.InDelta(t, refLoss.Item(), loss.Item(), 1e-6)
	keys := []*tensor.RawTensor{x.Raw()}
	for _, p := range net.Parameters() {
		keys = append(keys, p.Tensor().Raw())
	}
	for i, key := range keys {
		require.Contains(t, got, key, "tensor %d", i)
		assert.InDeltaSlice(t, want[key].AsFloat32(), got[key].AsFloat32(), 1e-5, "tensor %d", i)
	}
}

// Training steps never touch a feedback alignment operator.
func TestFeedbackAlignmentOperatorImmutable(t *testing.T) {
	backend := newBackend()
	net := newNetwork(t, backend, []int{4, 6, 3}, nn.FeedbackAlignment, 3)
	opt := optim.NewSGD(net.Parameters(), optim.SGDConfig{LR: 0.1, Momentum: 0.9}, backend)
	x := randn(backend, 5, 4, 4)
	y := labels(backend, 0, 1, 2, 1, 0)

	var operators, weights [][]float32
	for _, layer := range net.Layers() {
		operators = append(operators, layer.BackwardOperator().Data())
		weights = append(weights, layer.ForwardWeight().Data())
	}

	for step := 0; step < 5; step++ {
		trainStep(t, backend, net, opt, x, y)
	}

	for i, layer := range net.Layers() {
		assert.Equal(t, operators[i], layer.BackwardOperator().Data(), "layer %d operator", i)
		assert.NotEqual(t, weights[i], layer.ForwardWeight().Data(), "layer %d weight", i)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	for _, v := range allVariants {
		t.Run(v.String(), func(t *testing.T) {
			backend := newBackend()
			net := newNetwork(t, backend, []int{2, 8, 2}, v, 11)
			opt := optim.NewSGD(net.Parameters(), optim.SGDConfig{LR: 0.1, Momentum: 0.5}, backend)

			x, _ := tensor.FromSlice([]float32{2, 2, 1.5, 2.5, -2, -2, -2.5, -1.5}, tensor.Shape{4, 2}, backend)
			y := labels(backend, 0, 0, 1, 1)

			first := trainStep(t, backend, net, opt, x, y)
			var last float32
			for step := 0; step < 30; step++ {
				last = trainStep(t, backend, net, opt, x, y)
				if v == nn.PseudoBackprop && step%5 == 0 {
					require.NoError(t, net.Recompute())
				}
			}
			assert.Less(t, last, first)
		})
	}
}

// Construct [4, 5, 3] pseudo-backprop, forward a batch of 2, recompute, and
// check only the operators changed.
func TestPseudoBackpropEndToEnd(t *testing.T) {
	backend := newBackend()
	net, err := nn.NewPseudoBackprop([]int{4, 5, 3}, backend,
		nn.WithBias(true), nn.WithSeed(42), nn.WithLogger(quietLogger()))
	require.NoError(t, err)

	x := randn(backend, 2, 4, 43)
	out, err := net.Forward(x)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{2, 3}, out.Shape())

	weights := make(map[string][]float32)
	for key, raw := range net.StateDict() {
		weights[key] = append([]float32(nil), raw.AsFloat32()...)
	}

	// Drift the weights so the recomputed operators differ.
	opt := optim.NewSGD(net.Parameters(), optim.SGDConfig{LR: 0.5}, backend)
	trainStep(t, backend, net, opt, x, labels(backend, 0, 2))
	drifted := make(map[string][]float32)
	for key, raw := range net.StateDict() {
		drifted[key] = append([]float32(nil), raw.AsFloat32()...)
	}
	outBefore, err := net.Forward(x)
	require.NoError(t, err)

	require.NoError(t, net.Recompute())

	outAfter, err := net.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, outAfter.Shape())
	assert.Equal(t, outBefore.Data(), outAfter.Data())

	for key, raw := range net.StateDict() {
		if key == "layers.0.backward" || key == "layers.1.backward" {
			assert.NotEqual(t, drifted[key], raw.AsFloat32(), key)
			continue
		}
		assert.Equal(t, drifted[key], raw.AsFloat32(), key)
		assert.NotEqual(t, weights[key], raw.AsFloat32(), "training moved %s", key)
	}
}

func TestRecomputeUnsupported(t *testing.T) {
	net := newNetwork(t, newBackend(), []int{4, 3}, nn.FeedbackAlignment, 1)
	assert.ErrorIs(t, net.Recompute(), nn.ErrUnsupported)
}

// An operator copied from network A drives backward passes on network B bit for bit.
func TestTransplantOperator(t *testing.T) {
	backend := newBackend()
	a := newNetwork(t, backend, []int{4, 5, 3}, nn.PseudoBackprop, 1)
	b := newNetwork(t, backend, []int{4, 5, 3}, nn.PseudoBackprop, 2)

	la, _ := a.Layer(1)
	lb, _ := b.Layer(1)
	own := lb.BackwardOperator()
	transplanted := la.BackwardOperator()
	require.NoError(t, lb.SetBackwardOperator(transplanted))
	assert.Equal(t, transplanted.Data(), lb.BackwardOperator().Data())

	x := randn(backend, 2, 4, 7)
	g := randn(backend, 2, 3, 8)

	backend.Tape().StartRecording()
	hidden, err := b.ForwardToHidden(x, 0)
	require.NoError(t, err)
	out, err := lb.Forward(hidden)
	require.NoError(t, err)
	grads := autodiff.BackwardFrom(out, g, backend)

	inner := cpu.New()
	want := inner.MatMul(g.Raw(), transplanted.Raw()).AsFloat32()
	assert.Equal(t, want, grads[hidden.Raw()].AsFloat32())
	assert.NotEqual(t, inner.MatMul(g.Raw(), own.Raw()).AsFloat32(), grads[hidden.Raw()].AsFloat32())
}

func TestNetworkStateDict(t *testing.T) {
	backend := newBackend()
	src := newNetwork(t, backend, []int{4, 5, 3}, nn.FeedbackAlignment, 1)
	dst := newNetwork(t, backend, []int{4, 5, 3}, nn.FeedbackAlignment, 2)

	state := src.StateDict()
	assert.ElementsMatch(t, []string{
		"layers.0.weight", "layers.0.bias", "layers.0.backward",
		"layers.1.weight", "layers.1.bias", "layers.1.backward",
	}, keysOf(state))

	require.NoError(t, dst.LoadStateDict(state))
	x := randn(backend, 3, 4, 5)
	want, err := src.Forward(x)
	require.NoError(t, err)
	got, err := dst.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())

	for i := 0; i < 2; i++ {
		ls, _ := src.Layer(i)
		ld, _ := dst.Layer(i)
		assert.Equal(t, ls.BackwardOperator().Data(), ld.BackwardOperator().Data())
	}

	wrong := newNetwork(t, backend, []int{4, 6, 3}, nn.FeedbackAlignment, 3)
	assert.ErrorIs(t, wrong.LoadStateDict(state), nn.ErrShape)

	vanilla := newNetwork(t, backend, []int{4, 5, 3}, nn.Vanilla, 1)
	assert.Len(t, vanilla.StateDict(), 4)
}

func TestNetworkLoadStateDictIsAtomic(t *testing.T) {
	backend := newBackend()
	src := newNetwork(t, backend, []int{4, 5, 3}, nn.PseudoBackprop, 1)
	dst := newNetwork(t, backend, []int{4, 5, 3}, nn.PseudoBackprop, 2)

	before := make(map[string][]float32)
	for key, raw := range dst.StateDict() {
		before[key] = append([]float32(nil), raw.AsFloat32()...)
	}

	// Layer 0 is valid and differs from dst; layer 1 has the wrong shape.
	state := make(map[string]*tensor.RawTensor)
	for key, raw := range src.StateDict() {
		state[key] = raw.Clone()
	}
	state["layers.1.weight"] = randn(backend, 3, 6, 7).Raw()

	err := dst.LoadStateDict(state)
	require.ErrorIs(t, err, nn.ErrShape)
	assert.ErrorContains(t, err, "layer 1")

	for key, raw := range dst.StateDict() {
		assert.Equal(t, before[key], raw.AsFloat32(), key)
	}

	// Missing operator in a later layer is also rejected before any write.
	fa := newNetwork(t, backend, []int{4, 5, 3}, nn.FeedbackAlignment, 2)
	faBefore, _ := fa.Layer(0)
	weight0 := faBefore.ForwardWeight().Data()
	faState := newNetwork(t, backend, []int{4, 5, 3}, nn.FeedbackAlignment, 1).StateDict()
	delete(faState, "layers.1.backward")
	require.Error(t, fa.LoadStateDict(faState))
	layer0, _ := fa.Layer(0)
	assert.Equal(t, weight0, layer0.ForwardWeight().Data())
}

func TestNetworkOnPlainBackend(t *testing.T) {
	backend := cpu.New()
	net, err := nn.NewPseudoBackprop([]int{3, 4, 2}, backend, nn.WithSeed(1), nn.WithLogger(quietLogger()))
	require.NoError(t, err)

	x := tensor.Randn[float32](tensor.Shape{5, 3}, seeded(2), backend)
	out, err := net.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{5, 2}, out.Shape())
	require.NoError(t, net.Recompute())
}

func TestCollectGradsAndZeroGrad(t *testing.T) {
	backend := newBackend()
	net := newNetwork(t, backend, []int{3, 4, 2}, nn.PseudoBackprop, 1)

	backend.Tape().StartRecording()
	out, err := net.Forward(randn(backend, 2, 3, 1))
	require.NoError(t, err)
	loss, err := nn.NewCrossEntropyLoss(backend).Forward(out, labels(backend, 0, 1))
	require.NoError(t, err)
	grads := autodiff.Backward(loss, backend)

	nn.CollectGrads(net.Parameters(), grads)
	for _, p := range net.Parameters() {
		require.NotNil(t, p.Grad(), p.Name())
		assert.Equal(t, p.Tensor().Shape(), p.Grad().Shape(), p.Name())
	}

	net.ZeroGrad()
	for _, p := range net.Parameters() {
		assert.Nil(t, p.Grad(), p.Name())
	}
}

func keysOf(m map[string]*tensor.RawTensor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
