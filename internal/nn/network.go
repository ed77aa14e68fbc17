package nn

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// Config describes a feed-forward network of synapses.
type Config struct {
	// LayerSizes lists the width of every layer, input first: [d0, d1, ..., dL].
	// It yields L synapses, synapse i mapping d_i to d_{i+1}.
	LayerSizes []int

	// Variant selects the credit-assignment rule shared by all synapses.
	Variant Variant

	// Bias enables the bias term of every synapse.
	Bias bool

	// Activation is applied after every synapse except the last.
	Activation Activation

	// Cutoff is the relative pinv cutoff; 0 means DefaultCutoff.
	Cutoff float64

	// Rand drives initialization. Nil seeds from the clock.
	Rand *rand.Rand

	// Logger receives construction and numerical warnings. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a config with bias enabled and ReLU hidden activations.
func DefaultConfig(sizes []int, v Variant) Config {
	return Config{
		LayerSizes: append([]int(nil), sizes...),
		Variant:    v,
		Bias:       true,
		Activation: ReLU,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if len(c.LayerSizes) < 2 {
		return fmt.Errorf("%w: need at least 2 layer sizes, got %d", ErrConfig, len(c.LayerSizes))
	}
	for i, size := range c.LayerSizes {
		if size <= 0 {
			return fmt.Errorf("%w: layer size %d is %d, must be positive", ErrConfig, i, size)
		}
	}
	if !c.Variant.valid() {
		return fmt.Errorf("%w: unknown variant %d", ErrConfig, int(c.Variant))
	}
	if c.Activation < ReLU || c.Activation > Identity {
		return fmt.Errorf("%w: unknown activation %d", ErrConfig, int(c.Activation))
	}
	if c.Cutoff < 0 {
		return fmt.Errorf("%w: pinv cutoff must be non-negative, got %g", ErrConfig, c.Cutoff)
	}
	return nil
}

// Option adjusts a Config before a network is built.
type Option func(*Config)

// WithBias enables or disables the bias of every synapse.
func WithBias(enabled bool) Option {
	return func(c *Config) { c.Bias = enabled }
}

// WithActivation sets the hidden-layer nonlinearity.
func WithActivation(a Activation) Option {
	return func(c *Config) { c.Activation = a }
}

// WithSeed makes initialization deterministic.
func WithSeed(seed int64) Option {
	return func(c *Config) {
		//nolint:gosec // G404: initialization randomness, not security-sensitive
		c.Rand = rand.New(rand.NewSource(seed))
	}
}

// WithRand sets the initialization source.
func WithRand(rng *rand.Rand) Option {
	return func(c *Config) { c.Rand = rng }
}

// WithCutoff sets the relative pinv cutoff of every synapse.
func WithCutoff(cutoff float64) Option {
	return func(c *Config) { c.Cutoff = cutoff }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// Network is a chain of synapses sharing one variant, with an activation
// between consecutive synapses and none after the last.
//
// Example:
//
//	net, err := nn.NewPseudoBackprop([]int{784, 256, 10}, backend, nn.WithSeed(42))
//	logits, err := net.Forward(images)
type Network[B tensor.Backend] struct {
	layers     []*Synapse[B]
	sizes      []int
	variant    Variant
	activation Activation
	logger     *slog.Logger
}

// NewNetwork builds a network from cfg.
func NewNetwork[B tensor.Backend](cfg Config, backend B) (*Network[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rng := cfg.Rand
	if rng == nil {
		rng = newClockRand()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Network[B]{
		sizes:      append([]int(nil), cfg.LayerSizes...),
		variant:    cfg.Variant,
		activation: cfg.Activation,
		logger:     logger,
	}

	for i := 0; i+1 < len(cfg.LayerSizes); i++ {
		layer, err := NewSynapse(SynapseConfig{
			InFeatures:  cfg.LayerSizes[i],
			OutFeatures: cfg.LayerSizes[i+1],
			Variant:     cfg.Variant,
			Bias:        cfg.Bias,
			Cutoff:      cfg.Cutoff,
			Name:        fmt.Sprintf("layers.%d", i),
			Rand:        rng,
			Logger:      logger,
		}, backend)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		n.layers = append(n.layers, layer)
	}

	logger.Info("network created",
		"variant", cfg.Variant,
		"layers", n.sizes,
		"activation", cfg.Activation,
		"bias", cfg.Bias)
	return n, nil
}

// NewVanilla builds a backpropagation network.
func NewVanilla[B tensor.Backend](sizes []int, backend B, opts ...Option) (*Network[B], error) {
	return newVariantNetwork(sizes, Vanilla, backend, opts)
}

// NewFeedbackAlignment builds a network whose errors travel through fixed random matrices.
func NewFeedbackAlignment[B tensor.Backend](sizes []int, backend B, opts ...Option) (*Network[B], error) {
	return newVariantNetwork(sizes, FeedbackAlignment, backend, opts)
}

// NewPseudoBackprop builds a network whose errors travel through pseudoinverses
// of the forward weights.
func NewPseudoBackprop[B tensor.Backend](sizes []int, backend B, opts ...Option) (*Network[B], error) {
	return newVariantNetwork(sizes, PseudoBackprop, backend, opts)
}

func newVariantNetwork[B tensor.Backend](sizes []int, v Variant, backend B, opts []Option) (*Network[B], error) {
	cfg := DefaultConfig(sizes, v)
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewNetwork(cfg, backend)
}

// Forward computes the network output for input of shape [batch, d0].
func (n *Network[B]) Forward(input *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	return n.forward(input, len(n.layers)-1)
}

// ForwardToHidden runs the network up to layer i and returns that layer's
// activation. For a hidden layer this is the value after the nonlinearity;
// for the last layer it is the raw output, as in Forward.
func (n *Network[B]) ForwardToHidden(input *tensor.Tensor[float32, B], i int) (*tensor.Tensor[float32, B], error) {
	if i < 0 || i >= len(n.layers) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrLayerIndex, i, len(n.layers))
	}
	return n.forward(input, i)
}

func (n *Network[B]) forward(input *tensor.Tensor[float32, B], last int) (*tensor.Tensor[float32, B], error) {
	h := input
	for i := 0; i <= last; i++ {
		var err error
		h, err = n.layers[i].Forward(h)
		if err != nil {
			return nil, err
		}
		if i < len(n.layers)-1 {
			h, err = Activate(n.activation, h)
			if err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

// Parameters returns the trainable parameters of all layers in order.
func (n *Network[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, layer := range n.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// ZeroGrad clears every parameter gradient.
func (n *Network[B]) ZeroGrad() {
	for _, p := range n.Parameters() {
		p.ZeroGrad()
	}
}

// Layers returns the synapses in order.
func (n *Network[B]) Layers() []*Synapse[B] {
	return append([]*Synapse[B](nil), n.layers...)
}

// Layer returns synapse i.
func (n *Network[B]) Layer(i int) (*Synapse[B], error) {
	if i < 0 || i >= len(n.layers) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrLayerIndex, i, len(n.layers))
	}
	return n.layers[i], nil
}

// NumLayers returns the number of synapses.
func (n *Network[B]) NumLayers() int {
	return len(n.layers)
}

// LayerSizes returns a copy of the layer widths, input first.
func (n *Network[B]) LayerSizes() []int {
	return append([]int(nil), n.sizes...)
}

// Variant returns the credit-assignment variant.
func (n *Network[B]) Variant() Variant {
	return n.variant
}

// Activation returns the hidden-layer nonlinearity.
func (n *Network[B]) Activation() Activation {
	return n.activation
}

// Recompute refreshes the backward operator of every synapse from its current
// forward weight. It is only valid for pseudo-backprop networks.
func (n *Network[B]) Recompute() error {
	if n.variant != PseudoBackprop {
		return fmt.Errorf("recompute: %w (%s)", ErrUnsupported, n.variant)
	}
	for _, layer := range n.layers {
		if err := layer.Recompute(); err != nil {
			return err
		}
	}
	return nil
}

// RankDeficientRecomputes sums the rank-deficient pseudoinverse count of all layers.
func (n *Network[B]) RankDeficientRecomputes() int {
	total := 0
	for _, layer := range n.layers {
		total += layer.RankDeficientRecomputes()
	}
	return total
}

// StateDict returns all layer tensors keyed "layers.<i>.<name>".
func (n *Network[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for i, layer := range n.layers {
		for name, raw := range layer.StateDict() {
			stateDict[fmt.Sprintf("layers.%d.%s", i, name)] = raw
		}
	}
	return stateDict
}

// LoadStateDict restores every layer from keys "layers.<i>.<name>".
// Keys outside that scheme are ignored. All layers are validated before any
// is written, so on error the network is left unchanged.
func (n *Network[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	loads := make([]*synapseLoad, len(n.layers))
	for i, layer := range n.layers {
		prefix := fmt.Sprintf("layers.%d.", i)
		layerState := make(map[string]*tensor.RawTensor)
		for key, raw := range stateDict {
			if name, ok := strings.CutPrefix(key, prefix); ok {
				layerState[name] = raw
			}
		}
		load, err := layer.prepareLoad(layerState)
		if err != nil {
			return fmt.Errorf("failed to load layer %d: %w", i, err)
		}
		loads[i] = load
	}
	for i, layer := range n.layers {
		if err := layer.applyLoad(loads[i]); err != nil {
			return fmt.Errorf("failed to load layer %d: %w", i, err)
		}
	}
	return nil
}

func newClockRand() *rand.Rand {
	//nolint:gosec // G404: initialization randomness, not security-sensitive
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
