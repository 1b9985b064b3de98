package tabddpm

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// ClassPolicy decides which class labels conditional sampling generates.
// counts holds the train frequency of every class.
type ClassPolicy interface {
	Name() string
	Labels(rng *rand.Rand, counts []int, n int) ([]float64, error)
}

// ParseClassPolicy returns the policy registered under name. The empty name
// selects the proportional policy. Exchanging the counts of classes 0 and 1
// is "swap"; "fix" draws every class uniformly.
func ParseClassPolicy(name string) (ClassPolicy, error) {
	switch name {
	case "", "proportional":
		return proportionalPolicy{}, nil
	case "fix":
		return uniformPolicy{}, nil
	case "swap":
		return swapPolicy{}, nil
	case "fill":
		return fillPolicy{}, nil
	}
	return nil, fmt.Errorf("%w: disbalance %q", ErrUnknownPolicy, name)
}

func drawLabels(rng *rand.Rand, weights []float64, n int) ([]float64, error) {
	if floats.Sum(weights) <= 0 {
		return nil, fmt.Errorf("class distribution has no mass")
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(sampleCategorical(rng, weights))
	}
	return out, nil
}

func countsToWeights(counts []int) []float64 {
	w := make([]float64, len(counts))
	for i, c := range counts {
		w[i] = float64(c)
	}
	return w
}

// proportionalPolicy draws labels from the empirical train distribution.
type proportionalPolicy struct{}

func (proportionalPolicy) Name() string { return "proportional" }

func (proportionalPolicy) Labels(rng *rand.Rand, counts []int, n int) ([]float64, error) {
	return drawLabels(rng, countsToWeights(counts), n)
}

// uniformPolicy draws every class with equal probability.
type uniformPolicy struct{}

func (uniformPolicy) Name() string { return "fix" }

func (uniformPolicy) Labels(rng *rand.Rand, counts []int, n int) ([]float64, error) {
	w := make([]float64, len(counts))
	for i := range w {
		w[i] = 1
	}
	return drawLabels(rng, w, n)
}

// swapPolicy exchanges the frequencies of classes 0 and 1 before drawing.
type swapPolicy struct{}

func (swapPolicy) Name() string { return "swap" }

func (swapPolicy) Labels(rng *rand.Rand, counts []int, n int) ([]float64, error) {
	w := countsToWeights(counts)
	if len(w) < 2 {
		return nil, fmt.Errorf("swap policy needs at least 2 classes, have %d", len(w))
	}
	w[0], w[1] = w[1], w[0]
	return drawLabels(rng, w, n)
}

// fillPolicy draws n labels proportionally and then tops up every
// non-majority class until it matches the majority count. The result may
// hold more than n labels.
type fillPolicy struct{}

func (fillPolicy) Name() string { return "fill" }

func (fillPolicy) Labels(rng *rand.Rand, counts []int, n int) ([]float64, error) {
	labels, err := drawLabels(rng, countsToWeights(counts), n)
	if err != nil {
		return nil, err
	}
	drawn := make([]int, len(counts))
	for _, y := range labels {
		drawn[int(y)]++
	}
	major := 0
	for _, c := range drawn {
		major = max(major, c)
	}
	for k, c := range drawn {
		for ; c < major; c++ {
			labels = append(labels, float64(k))
		}
	}
	return labels, nil
}
