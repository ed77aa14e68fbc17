package nn

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/born-ml/pseudoprop/internal/autodiff/ops"
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// LinearBackend is implemented by backends that record a synapse forward call
// as one operation whose backward pass is the synapse's rule.
type LinearBackend interface {
	Linear(rule ops.DifferentiableLinearOp, input *tensor.RawTensor, params ops.LinearParams) *tensor.RawTensor
}

// SynapseConfig describes one synapse.
type SynapseConfig struct {
	InFeatures  int
	OutFeatures int
	Variant     Variant
	Bias        bool
	Cutoff      float64      // Relative pinv cutoff; 0 means DefaultCutoff
	Name        string       // Prefix for parameter names and log fields
	Rand        *rand.Rand   // Initialization source; nil seeds from the clock
	Logger      *slog.Logger // nil means slog.Default()
}

// Synapse is a linear layer y = x @ W^T + b whose backward pass transports
// the error through a backward operator B of shape [out, in]:
//
//	grad_x = grad_y @ B
//	grad_W = grad_y^T @ x
//	grad_b = sum(grad_y, batch)
//
// The variant decides what B is:
//   - Vanilla: B is W itself, so the rule is ordinary backpropagation
//   - FeedbackAlignment: B is random, drawn once at construction
//   - PseudoBackprop: B = pinv(W)^T, refreshed only by Recompute
//
// B is not a Parameter and never receives a gradient. Accessors return deep
// copies, so callers can read it while training mutates the synapse.
type Synapse[B tensor.Backend] struct {
	name        string
	variant     Variant
	inFeatures  int
	outFeatures int

	weight *Parameter[B] // [out, in]
	bias   *Parameter[B] // [out], nil without bias

	mu         sync.RWMutex
	backward   *tensor.RawTensor // [out, in], nil for Vanilla
	cutoff     float64
	biasFrozen bool

	rule          ops.DifferentiableLinearOp
	rankDeficient atomic.Int64
	backend       B
	logger        *slog.Logger
}

// NewSynapse creates and initializes a synapse.
//
// Initialization, with k = sqrt(ScalingFactor / in):
//   - weight ~ U(-k, k)
//   - feedback alignment operator ~ U(-k, k)
//   - bias ~ U(-4k, 4k) for feedback alignment, U(-k, k) otherwise
//
// A pseudo-backprop operator is computed from the fresh weight before the bias
// is drawn.
func NewSynapse[B tensor.Backend](cfg SynapseConfig, backend B) (*Synapse[B], error) {
	if cfg.InFeatures <= 0 || cfg.OutFeatures <= 0 {
		return nil, fmt.Errorf("%w: synapse size %dx%d must be positive", ErrConfig, cfg.OutFeatures, cfg.InFeatures)
	}
	if !cfg.Variant.valid() {
		return nil, fmt.Errorf("%w: unknown variant %d", ErrConfig, int(cfg.Variant))
	}
	if cfg.Cutoff < 0 {
		return nil, fmt.Errorf("%w: pinv cutoff must be non-negative, got %g", ErrConfig, cfg.Cutoff)
	}

	cutoff := cfg.Cutoff
	if cutoff == 0 {
		cutoff = DefaultCutoff
	}
	rng := cfg.Rand
	if rng == nil {
		rng = newClockRand()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "synapse"
	}

	s := &Synapse[B]{
		name:        name,
		variant:     cfg.Variant,
		inFeatures:  cfg.InFeatures,
		outFeatures: cfg.OutFeatures,
		cutoff:      cutoff,
		rule:        cfg.Variant.rule(),
		backend:     backend,
		logger:      logger,
	}

	k := InitBound(cfg.InFeatures)
	shape := tensor.Shape{cfg.OutFeatures, cfg.InFeatures}
	s.weight = NewParameter(name+".weight", Uniform(shape, k, rng, backend))

	switch cfg.Variant {
	case FeedbackAlignment:
		s.backward = Uniform(shape, k, rng, backend).Raw()
	case PseudoBackprop:
		op, err := s.pseudoInverseOperator()
		if err != nil {
			return nil, err
		}
		s.backward = op
	}

	if cfg.Bias {
		bound := biasBound(cfg.Variant, cfg.InFeatures)
		s.bias = NewParameter(name+".bias", Uniform(tensor.Shape{cfg.OutFeatures}, bound, rng, backend))
		logger.Info("bias is activated", "synapse", name, "variant", cfg.Variant)
	} else {
		logger.Info("bias is deactivated", "synapse", name, "variant", cfg.Variant)
	}

	return s, nil
}

// Forward computes input @ W^T + b for input of shape [batch, in].
//
// On a LinearBackend the call is recorded so that a later backward pass uses
// the operator captured here; a later Recompute or SetBackwardOperator does
// not affect gradients of this call.
func (s *Synapse[B]) Forward(input *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	shape := input.Shape()
	if len(shape) != 2 || shape[1] != s.inFeatures {
		return nil, &ShapeError{
			Op:       s.name + " forward",
			Expected: tensor.Shape{-1, s.inFeatures},
			Got:      shape.Clone(),
		}
	}

	s.mu.RLock()
	params := ops.LinearParams{
		Weight:   s.weight.Tensor().Raw(),
		Backward: s.backward,
		BiasGrad: !s.biasFrozen,
	}
	s.mu.RUnlock()
	if s.bias != nil {
		params.Bias = s.bias.Tensor().Raw()
	}

	var out *tensor.RawTensor
	if lb, ok := any(s.backend).(LinearBackend); ok {
		out = lb.Linear(s.rule, input.Raw(), params)
	} else {
		out = s.rule.ComputeOutput(input.Raw(), params, s.backend)
	}
	return tensor.New[float32, B](out, s.backend), nil
}

// Recompute replaces the backward operator with pinv(W)^T computed from the
// current forward weight. Only pseudo-backprop synapses support it.
//
// A weight whose numerical rank falls below min(out, in) after the cutoff is
// not an error: the least-squares pseudoinverse is used, a warning is logged
// and RankDeficientRecomputes is incremented.
func (s *Synapse[B]) Recompute() error {
	if s.variant != PseudoBackprop {
		return fmt.Errorf("%s: recompute: %w (%s)", s.name, ErrUnsupported, s.variant)
	}

	op, err := s.pseudoInverseOperator()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.backward = op
	s.mu.Unlock()
	return nil
}

// SetBackwardOperator overrides the backward operator with a copy of m, which
// must have shape [out, in]. Only pseudo-backprop synapses support it.
func (s *Synapse[B]) SetBackwardOperator(m *tensor.Tensor[float32, B]) error {
	if s.variant != PseudoBackprop {
		return fmt.Errorf("%s: set backward operator: %w (%s)", s.name, ErrUnsupported, s.variant)
	}
	expected := tensor.Shape{s.outFeatures, s.inFeatures}
	if !m.Shape().Equal(expected) {
		return &ShapeError{Op: s.name + " set backward operator", Expected: expected, Got: m.Shape().Clone()}
	}

	op := m.Raw().Clone()
	s.mu.Lock()
	s.backward = op
	s.mu.Unlock()
	return nil
}

// ForwardWeight returns an independent copy of W.
func (s *Synapse[B]) ForwardWeight() *tensor.Tensor[float32, B] {
	return s.weight.Tensor().Clone()
}

// BackwardOperator returns an independent copy of the backward operator.
// For Vanilla this is a copy of W.
func (s *Synapse[B]) BackwardOperator() *tensor.Tensor[float32, B] {
	if s.variant == Vanilla {
		return s.ForwardWeight()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tensor.New[float32, B](s.backward.Clone(), s.backend)
}

// SetCutoff sets the relative singular-value cutoff used by Recompute.
// Only pseudo-backprop synapses take a pseudoinverse.
func (s *Synapse[B]) SetCutoff(cutoff float64) error {
	if s.variant != PseudoBackprop {
		return fmt.Errorf("%s: set cutoff: %w (%s)", s.name, ErrUnsupported, s.variant)
	}
	if cutoff < 0 {
		return fmt.Errorf("%w: pinv cutoff must be non-negative, got %g", ErrConfig, cutoff)
	}
	s.mu.Lock()
	s.cutoff = cutoff
	s.mu.Unlock()
	return nil
}

// Cutoff returns the relative singular-value cutoff.
func (s *Synapse[B]) Cutoff() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cutoff
}

// FreezeBias stops (or resumes) bias gradient computation. A frozen bias is
// left out of Parameters.
func (s *Synapse[B]) FreezeBias(frozen bool) {
	s.mu.Lock()
	s.biasFrozen = frozen
	s.mu.Unlock()
}

// RankDeficientRecomputes counts pseudoinverses computed from a weight below full rank.
func (s *Synapse[B]) RankDeficientRecomputes() int {
	return int(s.rankDeficient.Load())
}

// Parameters returns [weight] or [weight, bias]. The backward operator is
// never included.
func (s *Synapse[B]) Parameters() []*Parameter[B] {
	s.mu.RLock()
	frozen := s.biasFrozen
	s.mu.RUnlock()

	if s.bias != nil && !frozen {
		return []*Parameter[B]{s.weight, s.bias}
	}
	return []*Parameter[B]{s.weight}
}

// Name returns the synapse name.
func (s *Synapse[B]) Name() string { return s.name }

// Variant returns the credit-assignment variant.
func (s *Synapse[B]) Variant() Variant { return s.variant }

// InFeatures returns the input size.
func (s *Synapse[B]) InFeatures() int { return s.inFeatures }

// OutFeatures returns the output size.
func (s *Synapse[B]) OutFeatures() int { return s.outFeatures }

// Weight returns the forward weight parameter.
func (s *Synapse[B]) Weight() *Parameter[B] { return s.weight }

// Bias returns the bias parameter, or nil.
func (s *Synapse[B]) Bias() *Parameter[B] { return s.bias }

// StateDict returns "weight", "bias" (when present) and "backward" (for the
// non-vanilla variants). Values are live tensors; clone before mutating.
func (s *Synapse[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := map[string]*tensor.RawTensor{
		"weight": s.weight.Tensor().Raw(),
	}
	if s.bias != nil {
		stateDict["bias"] = s.bias.Tensor().Raw()
	}
	if s.variant != Vanilla {
		s.mu.RLock()
		stateDict["backward"] = s.backward
		s.mu.RUnlock()
	}
	return stateDict
}

// LoadStateDict restores the synapse from a state dictionary.
//
// A stored backward operator is restored as is, including a feedback-alignment
// operator. A pseudo-backprop state without one is recomputed from the loaded
// weight. On error the synapse is left unchanged.
func (s *Synapse[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	load, err := s.prepareLoad(stateDict)
	if err != nil {
		return err
	}
	return s.applyLoad(load)
}

// synapseLoad is a validated state dict ready to be copied in.
type synapseLoad struct {
	weight   *tensor.RawTensor
	bias     *tensor.RawTensor
	backward *tensor.RawTensor
	rank     int // Rank of the loaded weight when backward was recomputed, else -1
}

// prepareLoad checks every tensor and computes anything derived from them
// without touching the synapse.
func (s *Synapse[B]) prepareLoad(stateDict map[string]*tensor.RawTensor) (*synapseLoad, error) {
	weightShape := tensor.Shape{s.outFeatures, s.inFeatures}
	if err := s.checkState(stateDict, "weight", weightShape); err != nil {
		return nil, err
	}
	load := &synapseLoad{weight: stateDict["weight"], rank: -1}
	if s.bias != nil {
		if err := s.checkState(stateDict, "bias", tensor.Shape{s.outFeatures}); err != nil {
			return nil, err
		}
		load.bias = stateDict["bias"]
	}

	if s.variant == Vanilla {
		return load, nil
	}
	if _, ok := stateDict["backward"]; ok || s.variant == FeedbackAlignment {
		if err := s.checkState(stateDict, "backward", weightShape); err != nil {
			return nil, err
		}
		load.backward = stateDict["backward"].Clone()
		return load, nil
	}

	op, rank, err := s.pinvOf(load.weight, s.Cutoff())
	if err != nil {
		return nil, err
	}
	load.backward, load.rank = op, rank
	return load, nil
}

// applyLoad copies a prepared state into the synapse.
func (s *Synapse[B]) applyLoad(load *synapseLoad) error {
	if err := s.weight.Tensor().Raw().CopyFrom(load.weight); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	if load.bias != nil {
		if err := s.bias.Tensor().Raw().CopyFrom(load.bias); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if load.backward != nil {
		s.mu.Lock()
		s.backward = load.backward
		s.mu.Unlock()
	}
	if load.rank >= 0 {
		s.noteRank(load.rank, s.Cutoff())
	}
	return nil
}

func (s *Synapse[B]) checkState(stateDict map[string]*tensor.RawTensor, key string, expected tensor.Shape) error {
	raw, ok := stateDict[key]
	if !ok || raw == nil {
		return fmt.Errorf("%s: missing %s in state dict", s.name, key)
	}
	if !raw.Shape().Equal(expected) {
		return &ShapeError{Op: s.name + " load " + key, Expected: expected, Got: raw.Shape().Clone()}
	}
	if raw.DType() != tensor.Float32 {
		return fmt.Errorf("%s: %s dtype mismatch: expected float32, got %s", s.name, key, raw.DType())
	}
	return nil
}

func (s *Synapse[B]) pseudoInverseOperator() (*tensor.RawTensor, error) {
	cutoff := s.Cutoff()
	op, rank, err := s.pinvOf(s.weight.Tensor().Raw(), cutoff)
	if err != nil {
		return nil, err
	}
	s.noteRank(rank, cutoff)
	return op, nil
}

// pinvOf returns pinv(w)^T as an [out, in] operator and the numerical rank of w.
func (s *Synapse[B]) pinvOf(w *tensor.RawTensor, cutoff float64) (*tensor.RawTensor, int, error) {
	pinv, rank, err := s.backend.Pinv(w, cutoff)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: pseudoinverse: %w", s.name, err)
	}
	// pinv(W) is [in, out]; the operator is stored as [out, in].
	return transpose2D(pinv), rank, nil
}

func (s *Synapse[B]) noteRank(rank int, cutoff float64) {
	if full := min(s.inFeatures, s.outFeatures); rank < full {
		s.rankDeficient.Add(1)
		s.logger.Warn("forward weight is rank-deficient",
			"synapse", s.name, "rank", rank, "full_rank", full, "cutoff", cutoff)
	}
	s.logger.Debug("backward operator recomputed", "synapse", s.name, "rank", rank)
}
