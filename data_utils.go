// data_utils.go
package tabddpm

import (
	"math/rand/v2"
)

// SplitIndices shuffles [0, n) and splits it into train/validation index sets
// according to the given fraction (e.g., 0.8 for 80% train, 20% val).
func SplitIndices(n int, trainFrac float64, rng *rand.Rand) (train, val []int) {
	trainSize := int(trainFrac * float64(n))
	if trainSize > n {
		trainSize = n
	}
	perm := rng.Perm(n)
	train = append([]int(nil), perm[:trainSize]...)
	val = append([]int(nil), perm[trainSize:]...)
	return
}

// takeRows returns the rows of m listed in idx, in order.
func takeRows[T any](m []T, idx []int) []T {
	if m == nil {
		return nil
	}
	out := make([]T, len(idx))
	for i, p := range idx {
		out[i] = m[p]
	}
	return out
}

// keptIndices lists [0, n) without the indices in drop.
func keptIndices(n int, drop []int) []int {
	skip := make(map[int]bool, len(drop))
	for _, i := range drop {
		skip[i] = true
	}
	keep := make([]int, 0, n-len(skip))
	for i := 0; i < n; i++ {
		if !skip[i] {
			keep = append(keep, i)
		}
	}
	return keep
}
