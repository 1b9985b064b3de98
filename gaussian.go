package tabddpm

import (
	"math"
	"math/rand/v2"
)

// gaussianQSample writes the closed-form marginal
// x_t = sqrt(abar_t)*x_0 + sqrt(1-abar_t)*noise into dst.
func (s *Schedule) gaussianQSample(dst, x0, noise []float64, t int) {
	a, b := s.sqrtAlphasCumprod[t], s.sqrtOneMinusAlphasCumprod[t]
	for i := range x0 {
		dst[i] = a*x0[i] + b*noise[i]
	}
}

// gaussianPredictStart recovers x_0 from x_t and the predicted noise.
func (s *Schedule) gaussianPredictStart(dst, xt, eps []float64, t int) {
	a, b := s.sqrtRecipAlphasCumprod[t], s.sqrtRecipm1AlphasCumprod[t]
	for i := range xt {
		dst[i] = a*xt[i] - b*eps[i]
	}
}

// gaussianPosteriorMean is the mean of q(x_{t-1} | x_t, x_0).
func (s *Schedule) gaussianPosteriorMean(dst, x0, xt []float64, t int) {
	c1, c2 := s.posteriorMeanCoef1[t], s.posteriorMeanCoef2[t]
	for i := range xt {
		dst[i] = c1*x0[i] + c2*xt[i]
	}
}

// gaussianPStep draws x_{t-1} from the learned reverse transition given the
// predicted noise. No noise is added at t=0.
func (s *Schedule) gaussianPStep(dst, xt, eps []float64, t int, rng *rand.Rand) {
	x0 := make([]float64, len(xt))
	s.gaussianPredictStart(x0, xt, eps, t)
	s.gaussianPosteriorMean(dst, x0, xt, t)
	if t == 0 {
		return
	}
	std := math.Exp(0.5 * s.modelLogVariance[t])
	for i := range dst {
		dst[i] += std * rng.NormFloat64()
	}
}

// gaussianDDIMStep moves x_t to x_prev where prev < t is the next timestep
// of the reduced schedule (-1 for the final step). eta=0 is deterministic.
func (s *Schedule) gaussianDDIMStep(dst, xt, eps []float64, t, prev int, eta float64, rng *rand.Rand) {
	ab, abp := s.alphaBarAt(t), s.alphaBarAt(prev)
	sigma := ddimSigma(ab, abp, eta)
	dir := math.Sqrt(math.Max(1-abp-sigma*sigma, 0))
	sqrtAb, sqrtAbp := math.Sqrt(ab), math.Sqrt(abp)
	sqrt1mAb := math.Sqrt(1 - ab)
	for i := range xt {
		x0 := (xt[i] - sqrt1mAb*eps[i]) / sqrtAb
		dst[i] = x0*sqrtAbp + dir*eps[i]
		if prev >= 0 && sigma > 0 {
			dst[i] += sigma * rng.NormFloat64()
		}
	}
}

func ddimSigma(ab, abp, eta float64) float64 {
	if eta == 0 {
		return 0
	}
	return eta * math.Sqrt((1-abp)/(1-ab)) * math.Sqrt(1-ab/abp)
}

// gaussianMSE returns mean((noise - out)^2) over the row and writes the
// gradient of that value w.r.t. out, scaled by scale, into grad.
func gaussianMSE(grad, out, noise []float64, scale float64) float64 {
	if len(out) == 0 {
		return 0
	}
	n := float64(len(out))
	loss := 0.0
	for i := range out {
		d := out[i] - noise[i]
		loss += d * d
		grad[i] = scale * 2 * d / n
	}
	return loss / n
}
