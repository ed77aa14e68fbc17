package optim

import (
	"fmt"
	"math"

	"github.com/born-ml/pseudoprop/internal/nn"
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)
//
// where m_hat and v_hat are m_t and v_t divided by (1 - beta^t).
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam[B tensor.Backend] struct {
	params  []*nn.Parameter[B]
	lr      float32
	beta1   float32
	beta2   float32
	eps     float32
	t       int
	m       map[*nn.Parameter[B]]*tensor.RawTensor
	v       map[*nn.Parameter[B]]*tensor.RawTensor
	backend B
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Running average coefficients (default: [0.9, 0.999])
	Eps   float32    // Denominator term (default: 1e-8)
}

// NewAdam creates a new Adam optimizer. Zero config fields take their defaults.
func NewAdam[B tensor.Backend](params []*nn.Parameter[B], config AdamConfig, backend B) *Adam[B] {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	return &Adam[B]{
		params:  params,
		lr:      config.LR,
		beta1:   config.Betas[0],
		beta2:   config.Betas[1],
		eps:     config.Eps,
		m:       make(map[*nn.Parameter[B]]*tensor.RawTensor),
		v:       make(map[*nn.Parameter[B]]*tensor.RawTensor),
		backend: backend,
	}
}

// Step performs a single optimization step.
func (a *Adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++
	correction1 := float32(1 - math.Pow(float64(a.beta1), float64(a.t)))
	correction2 := float32(1 - math.Pow(float64(a.beta2), float64(a.t)))

	for _, param := range a.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}

		m := a.moment(a.m, param)
		v := a.moment(a.v, param)
		data := param.Tensor().Raw().AsFloat32()
		for i, g := range grad {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			mHat := m[i] / correction1
			vHat := v[i] / correction2
			data[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
		}
	}
}

func (a *Adam[B]) moment(buffers map[*nn.Parameter[B]]*tensor.RawTensor, param *nn.Parameter[B]) []float32 {
	buf, ok := buffers[param]
	if !ok {
		buf = tensor.Zeros[float32](param.Tensor().Shape(), a.backend).Raw()
		buffers[param] = buf
	}
	return buf.AsFloat32()
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam[B]) ZeroGrad() {
	for _, param := range a.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (a *Adam[B]) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *Adam[B]) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken.
func (a *Adam[B]) GetTimestep() int {
	return a.t
}

// StateDict returns moment buffers keyed "m.{i}" and "v.{i}" plus the step
// count under "step".
func (a *Adam[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for i, param := range a.params {
		if m, ok := a.m[param]; ok {
			stateDict[fmt.Sprintf("m.%d", i)] = m
		}
		if v, ok := a.v[param]; ok {
			stateDict[fmt.Sprintf("v.%d", i)] = v
		}
	}
	step := tensor.Zeros[int32](tensor.Shape{1}, a.backend).Raw()
	step.AsInt32()[0] = int32(a.t) //nolint:gosec // G115: step counts stay far below 2^31
	stateDict["step"] = step
	return stateDict
}

// LoadStateDict restores moment buffers and the step count.
func (a *Adam[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	m := make(map[*nn.Parameter[B]]*tensor.RawTensor)
	v := make(map[*nn.Parameter[B]]*tensor.RawTensor)
	for i, param := range a.params {
		for prefix, dst := range map[string]map[*nn.Parameter[B]]*tensor.RawTensor{"m": m, "v": v} {
			key := fmt.Sprintf("%s.%d", prefix, i)
			raw, ok := stateDict[key]
			if !ok {
				continue
			}
			buf, err := loadBuffer(key, raw, param)
			if err != nil {
				return err
			}
			dst[param] = buf
		}
	}

	t := 0
	if step, ok := stateDict["step"]; ok {
		if step.DType() != tensor.Int32 || step.NumElements() != 1 {
			return fmt.Errorf("step must be a single int32, got %s %v", step.DType(), step.Shape())
		}
		t = int(step.AsInt32()[0])
	}

	a.m, a.v, a.t = m, v, t
	return nil
}
