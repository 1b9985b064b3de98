package tabddpm

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// DefaultEMADecay is the smoothing factor used by the trainer.
const DefaultEMADecay = 0.999

// EMA keeps a shadow copy of model parameters, blended toward the live
// weights after every optimizer step. The shadow is never trained directly.
type EMA struct {
	decay  float64
	names  []string
	shapes [][]int
	shadow [][]float64
}

// NewEMA snapshots params as the initial shadow.
func NewEMA(params []*Param, decay float64) *EMA {
	e := &EMA{decay: decay}
	for _, p := range params {
		e.names = append(e.names, p.Name)
		e.shapes = append(e.shapes, append([]int(nil), p.Shape...))
		e.shadow = append(e.shadow, append([]float64(nil), p.Data...))
	}
	return e
}

// Decay returns the smoothing factor.
func (e *EMA) Decay() float64 { return e.decay }

// Update moves every shadow tensor toward params:
// shadow = decay*shadow + (1-decay)*param.
func (e *EMA) Update(params []*Param) error {
	if len(params) != len(e.shadow) {
		return fmt.Errorf("%w: ema tracks %d tensors, got %d", ErrShapeMismatch, len(e.shadow), len(params))
	}
	for i, p := range params {
		s := e.shadow[i]
		if len(s) != len(p.Data) {
			return fmt.Errorf("%w: ema tensor %s has %d values, got %d", ErrShapeMismatch, e.names[i], len(s), len(p.Data))
		}
		floats.Scale(e.decay, s)
		floats.AddScaled(s, 1-e.decay, p.Data)
	}
	return nil
}

// Params returns the shadow weights as named tensors.
func (e *EMA) Params() []*Param {
	out := make([]*Param, len(e.shadow))
	for i := range e.shadow {
		out[i] = &Param{Name: e.names[i], Shape: e.shapes[i], Data: e.shadow[i]}
	}
	return out
}

// CopyTo overwrites params with the shadow weights.
func (e *EMA) CopyTo(params []*Param) error {
	if len(params) != len(e.shadow) {
		return fmt.Errorf("%w: ema tracks %d tensors, got %d", ErrShapeMismatch, len(e.shadow), len(params))
	}
	for i, p := range params {
		if len(p.Data) != len(e.shadow[i]) {
			return fmt.Errorf("%w: ema tensor %s has %d values, got %d", ErrShapeMismatch, e.names[i], len(e.shadow[i]), len(p.Data))
		}
		copy(p.Data, e.shadow[i])
	}
	return nil
}
