package tabddpm

import "math"

// applyActivation applies relu or silu. Any other name is the identity.
func applyActivation(value float64, activation string) float64 {
	switch activation {
	case "relu":
		return math.Max(0, value)
	case "silu":
		return value / (1 + math.Exp(-value))
	default:
		return value
	}
}

// activationDerivative computes the derivative of the activation function at
// the pre-activation value.
func activationDerivative(value float64, activation string) float64 {
	switch activation {
	case "relu":
		if value > 0 {
			return 1
		}
		return 0
	case "silu":
		sig := 1 / (1 + math.Exp(-value))
		return sig * (1 + value*(1-sig))
	default:
		return 1
	}
}

// activate writes act(src) into dst element-wise.
func activate(dst, src []float64, activation string) {
	for i, v := range src {
		dst[i] = applyActivation(v, activation)
	}
}

// activateBackward scales grad in place by act'(pre).
func activateBackward(grad, pre []float64, activation string) {
	for i, v := range pre {
		grad[i] *= activationDerivative(v, activation)
	}
}
