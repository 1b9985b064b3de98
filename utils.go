package tabddpm

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// LogSoftmax returns log(softmax(inputs)) without going through probabilities.
func LogSoftmax(inputs []float64) []float64 {
	lse := floats.LogSumExp(inputs)
	out := make([]float64, len(inputs))
	for i, v := range inputs {
		out[i] = v - lse
	}
	return out
}

// ArgMax returns the index of the maximum value in the slice.
// If the slice is empty, it returns -1.
func ArgMax(arr []float64) int {
	if len(arr) == 0 {
		return -1
	}
	return floats.MaxIdx(arr)
}

// logAddExp returns log(exp(a) + exp(b)), tolerating -Inf operands.
func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}

// log1mExp returns log(1 - exp(a)) for a <= 0.
func log1mExp(a float64) float64 {
	if a > -math.Ln2 {
		return math.Log(-math.Expm1(a))
	}
	return math.Log1p(-math.Exp(a))
}

// safeLog maps 0 to -Inf instead of producing NaN for tiny negatives.
func safeLog(x float64) float64 {
	if x <= 0 {
		return math.Inf(-1)
	}
	return math.Log(x)
}

// sampleLogCategorical draws an index from unnormalized log-probabilities via
// the Gumbel-max trick.
func sampleLogCategorical(rng *rand.Rand, logits []float64) int {
	best, bestIdx := math.Inf(-1), 0
	for i, l := range logits {
		if math.IsInf(l, -1) {
			continue
		}
		u := rng.Float64()
		g := -math.Log(-math.Log(u+1e-30) + 1e-30)
		if v := l + g; v > best {
			best, bestIdx = v, i
		}
	}
	return bestIdx
}

// sampleCategorical draws an index proportional to the non-negative weights.
func sampleCategorical(rng *rand.Rand, weights []float64) int {
	total := floats.Sum(weights)
	u := rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if u < acc {
			return i
		}
	}
	return len(weights) - 1
}

// newRand returns a deterministic PCG-backed generator for seed.
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
