package tabddpm

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

var negInf = math.Inf(-1)

// logOneHot returns log of the one-hot vector for class k of size K.
func logOneHot(k, size int) []float64 {
	out := make([]float64, size)
	for i := range out {
		out[i] = negInf
	}
	out[k] = 0
	return out
}

// multinomialQLog writes log q(x_t | x_0) for a column of size len(dst).
func (s *Schedule) multinomialQLog(dst []float64, x0, t int) {
	logK := math.Log(float64(len(dst)))
	la, l1m := s.logCumprodAlpha[t], s.log1mCumprodAlpha[t]
	for k := range dst {
		on := negInf
		if k == x0 {
			on = 0
		}
		dst[k] = logAddExp(on+la, l1m-logK)
	}
}

// multinomialQSample draws x_t ~ q(x_t | x_0).
func (s *Schedule) multinomialQSample(rng *rand.Rand, x0, size, t int) int {
	logq := make([]float64, size)
	s.multinomialQLog(logq, x0, t)
	return sampleLogCategorical(rng, logq)
}

// multinomialPosterior writes log q(x_{t-1} | x_t, x_0) into dst for a
// distribution over x_0 given by logX0. It also returns the log of the
// predicted x_{t-1} marginal, which the gradient needs.
func (s *Schedule) multinomialPosterior(dst, logX0 []float64, xt, t int) []float64 {
	size := len(logX0)
	logK := math.Log(float64(size))
	logE := make([]float64, size)
	if t == 0 {
		copy(logE, logX0)
	} else {
		la, l1m := s.logCumprodAlpha[t-1], s.log1mCumprodAlpha[t-1]
		for k := range logE {
			logE[k] = logAddExp(logX0[k]+la, l1m-logK)
		}
	}
	for k := range dst {
		on := negInf
		if k == xt {
			on = 0
		}
		dst[k] = logE[k] + logAddExp(on+s.logAlpha[t], s.log1mAlpha[t]-logK)
	}
	lse := floats.LogSumExp(dst)
	for k := range dst {
		dst[k] -= lse
	}
	return logE
}

// modelPosterior is log p(x_{t-1} | x_t) under predicted x_0 probabilities
// logP. At t == 0 the model decodes x_0 directly.
func (s *Schedule) modelPosterior(logP []float64, xt, t int) (logPi, logE []float64) {
	if t == 0 {
		return logP, logP
	}
	logPi = make([]float64, len(logP))
	logE = s.multinomialPosterior(logPi, logP, xt, t)
	return logPi, logE
}

// multinomialLoss returns the variational term for one categorical column:
// KL(q(x_{t-1}|x_t,x_0) || p(x_{t-1}|x_t)) for t > 0 and the decoder NLL at
// t == 0. The gradient w.r.t. the column logits, times scale, is written to
// grad.
func (s *Schedule) multinomialLoss(grad, logits []float64, x0, xt, t int, scale float64) float64 {
	size := len(logits)
	logP := LogSoftmax(logits)
	logPi, logE := s.modelPosterior(logP, xt, t)

	w := make([]float64, size)
	loss := 0.0
	if t == 0 {
		w[x0] = 1
		loss = -logPi[x0]
	} else {
		logQ := make([]float64, size)
		s.multinomialPosterior(logQ, logOneHot(x0, size), xt, t)
		for k := range logQ {
			w[k] = math.Exp(logQ[k])
			if w[k] > 0 {
				loss += w[k] * (logQ[k] - logPi[k])
			}
		}
	}

	la := 0.0
	if t > 0 {
		la = s.logCumprodAlpha[t-1]
	}
	r := make([]float64, size)
	sum := 0.0
	for k := range r {
		if math.IsInf(logE[k], -1) {
			continue
		}
		r[k] = math.Exp(la+logP[k]-logE[k]) * (math.Exp(logPi[k]) - w[k])
		sum += r[k]
	}
	for k := range grad {
		grad[k] = scale * (r[k] - math.Exp(logP[k])*sum)
	}
	return loss
}

// multinomialPriorKL is KL(q(x_T | x_0) || uniform) for a column of size.
func (s *Schedule) multinomialPriorKL(x0, size int) float64 {
	logq := make([]float64, size)
	s.multinomialQLog(logq, x0, s.t-1)
	logK := math.Log(float64(size))
	kl := 0.0
	for _, l := range logq {
		kl += math.Exp(l) * (l + logK)
	}
	return kl
}

// multinomialPStep draws x_{t-1} from the model posterior.
func (s *Schedule) multinomialPStep(rng *rand.Rand, logits []float64, xt, t int) int {
	logPi, _ := s.modelPosterior(LogSoftmax(logits), xt, t)
	return sampleLogCategorical(rng, logPi)
}

// multinomialDDIMStep mixes x_t, the predicted x_0 and the uniform
// distribution to jump from t to prev (-1 for the final step).
func (s *Schedule) multinomialDDIMStep(rng *rand.Rand, logits []float64, xt, t, prev int, eta float64) int {
	size := len(logits)
	logP := LogSoftmax(logits)
	ab, abp := s.alphaBarAt(t), s.alphaBarAt(prev)
	sigma := ddimSigma(ab, abp, eta)
	c1 := safeLog(sigma)
	c2 := safeLog(abp - sigma*ab)
	c3 := safeLog(1-sigma-(abp-sigma*ab)) - math.Log(float64(size))
	lp := make([]float64, size)
	for k := range lp {
		v := logAddExp(c2+logP[k], c3)
		if k == xt {
			v = logAddExp(v, c1)
		}
		lp[k] = v
	}
	return sampleLogCategorical(rng, lp)
}
