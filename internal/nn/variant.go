package nn

import (
	"fmt"
	"strings"

	"github.com/born-ml/pseudoprop/internal/autodiff/ops"
)

// Variant selects the credit-assignment rule of a synapse.
type Variant int

// Supported variants.
const (
	// Vanilla is standard backpropagation; the backward operator is the forward weight.
	Vanilla Variant = iota

	// FeedbackAlignment uses a fixed random backward operator drawn at construction.
	FeedbackAlignment

	// PseudoBackprop uses the Moore-Penrose pseudoinverse of the forward weight,
	// recomputed only when the caller asks for it.
	PseudoBackprop
)

// String returns the canonical variant name.
func (v Variant) String() string {
	switch v {
	case Vanilla:
		return "vanilla"
	case FeedbackAlignment:
		return "feedback_alignment"
	case PseudoBackprop:
		return "pseudo_backprop"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant converts a variant name to a Variant.
//
// Accepted names (case-insensitive):
//   - "vanilla", "backprop"
//   - "feedback_alignment", "fa"
//   - "pseudo_backprop", "pseudo"
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "vanilla", "backprop":
		return Vanilla, nil
	case "feedback_alignment", "fa":
		return FeedbackAlignment, nil
	case "pseudo_backprop", "pseudo":
		return PseudoBackprop, nil
	default:
		return 0, fmt.Errorf("%w: unknown variant %q", ErrConfig, name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	if !v.valid() {
		return nil, fmt.Errorf("%w: unknown variant %d", ErrConfig, int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := ParseVariant(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Variant) valid() bool {
	return v >= Vanilla && v <= PseudoBackprop
}

// rule returns the gradient rule implementing the variant.
// Feedback alignment and pseudo-backprop share one operator-driven rule;
// they differ only in where the operator comes from.
func (v Variant) rule() ops.DifferentiableLinearOp {
	if v == Vanilla {
		return ops.TransposeRule{}
	}
	return ops.OperatorRule{}
}
