package tabddpm

import "math"

// AdamWConfig holds the optimizer hyperparameters.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamWConfig returns the usual moment decays for lr and weightDecay.
func DefaultAdamWConfig(lr, weightDecay float64) AdamWConfig {
	return AdamWConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: weightDecay}
}

// adamState holds the first and second moment estimates for one parameter.
type adamState struct {
	m, v []float64
}

// AdamW applies Adam updates with weight decay decoupled from the gradient.
type AdamW struct {
	cfg    AdamWConfig
	params []*Param
	states []adamState
	step   int
}

// NewAdamW creates optimizer state initialized to zero for params.
func NewAdamW(params []*Param, cfg AdamWConfig) *AdamW {
	states := make([]adamState, len(params))
	for i, p := range params {
		states[i] = adamState{m: make([]float64, p.Numel()), v: make([]float64, p.Numel())}
	}
	return &AdamW{cfg: cfg, params: params, states: states}
}

// LR returns the current learning rate.
func (o *AdamW) LR() float64 { return o.cfg.LR }

// SetLR changes the learning rate used by later steps.
func (o *AdamW) SetLR(lr float64) { o.cfg.LR = lr }

// Step updates every parameter from its accumulated gradient:
//
//	w *= 1 - lr*wd
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	w -= lr * m_hat / (sqrt(v_hat) + eps)
func (o *AdamW) Step() {
	o.step++
	c := o.cfg
	bc1 := 1 - math.Pow(c.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(c.Beta2, float64(o.step))
	decay := 1 - c.LR*c.WeightDecay
	for i, p := range o.params {
		st := o.states[i]
		for j, g := range p.Grad {
			st.m[j] = c.Beta1*st.m[j] + (1-c.Beta1)*g
			st.v[j] = c.Beta2*st.v[j] + (1-c.Beta2)*g*g
			mHat := st.m[j] / bc1
			vHat := st.v[j] / bc2
			p.Data[j] = p.Data[j]*decay - c.LR*mHat/(math.Sqrt(vHat)+c.Eps)
		}
	}
}

// annealLR returns the linearly decayed learning rate after step of steps.
func annealLR(base float64, step, steps int) float64 {
	if steps <= 0 {
		return base
	}
	frac := float64(step) / float64(steps)
	return base * (1 - frac)
}
