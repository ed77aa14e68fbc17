package nn

import (
	"fmt"
	"strings"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// ReLUBackend is implemented by backends with a ReLU kernel.
type ReLUBackend interface {
	ReLU(*tensor.RawTensor) *tensor.RawTensor
}

// SigmoidBackend is implemented by backends with a sigmoid kernel.
type SigmoidBackend interface {
	Sigmoid(*tensor.RawTensor) *tensor.RawTensor
}

// TanhBackend is implemented by backends with a tanh kernel.
type TanhBackend interface {
	Tanh(*tensor.RawTensor) *tensor.RawTensor
}

// Activation is the nonlinearity a Network applies between synapses.
type Activation int

// Supported activations.
const (
	ReLU Activation = iota
	Sigmoid
	Tanh
	Identity
)

// String returns the activation name.
func (a Activation) String() string {
	switch a {
	case ReLU:
		return "relu"
	case Sigmoid:
		return "sigmoid"
	case Tanh:
		return "tanh"
	case Identity:
		return "identity"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// ParseActivation converts a name to an Activation. The empty string means ReLU.
func ParseActivation(name string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "relu":
		return ReLU, nil
	case "sigmoid":
		return Sigmoid, nil
	case "tanh":
		return Tanh, nil
	case "identity", "linear", "none":
		return Identity, nil
	default:
		return 0, fmt.Errorf("%w: unknown activation %q", ErrConfig, name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Activation) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Activation) UnmarshalText(text []byte) error {
	parsed, err := ParseActivation(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Activate applies a to x through the backend's kernel.
// On an autodiff backend the call is recorded.
func Activate[B tensor.Backend](a Activation, x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	backend := x.Backend()

	var (
		out *tensor.RawTensor
		ok  bool
	)
	switch a {
	case Identity:
		return x, nil
	case ReLU:
		var k ReLUBackend
		if k, ok = any(backend).(ReLUBackend); ok {
			out = k.ReLU(x.Raw())
		}
	case Sigmoid:
		var k SigmoidBackend
		if k, ok = any(backend).(SigmoidBackend); ok {
			out = k.Sigmoid(x.Raw())
		}
	case Tanh:
		var k TanhBackend
		if k, ok = any(backend).(TanhBackend); ok {
			out = k.Tanh(x.Raw())
		}
	default:
		return nil, fmt.Errorf("%w: unknown activation %d", ErrConfig, int(a))
	}

	if !ok {
		return nil, fmt.Errorf("%w: backend %s has no %s kernel", ErrUnsupported, backend.Name(), a)
	}
	return tensor.New[float32, B](out, backend), nil
}
