package tabddpm

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// TimeSampling selects how training timesteps are drawn.
type TimeSampling string

const (
	TimeUniform    TimeSampling = "uniform"
	TimeImportance TimeSampling = "importance"
)

// importance sampling kicks in once every timestep has more than this many
// loss observations
const importanceWarmup = 10

type timeSampler struct {
	method    TimeSampling
	t         int
	ltHistory []float64
	ltCount   []int
}

func newTimeSampler(method TimeSampling, numTimesteps int) (*timeSampler, error) {
	switch method {
	case "":
		method = TimeUniform
	case TimeUniform, TimeImportance:
	default:
		return nil, fmt.Errorf("unknown time sampling %q", method)
	}
	return &timeSampler{
		method:    method,
		t:         numTimesteps,
		ltHistory: make([]float64, numTimesteps),
		ltCount:   make([]int, numTimesteps),
	}, nil
}

func (s *timeSampler) warm() bool {
	for _, c := range s.ltCount {
		if c <= importanceWarmup {
			return false
		}
	}
	return true
}

// sample returns b timesteps and the probability each was drawn with.
func (s *timeSampler) sample(rng *rand.Rand, b int) ([]int, []float64) {
	ts := make([]int, b)
	pt := make([]float64, b)
	if s.method == TimeImportance && s.warm() {
		w := make([]float64, s.t)
		for i, h := range s.ltHistory {
			w[i] = math.Sqrt(h+1e-10) + 0.0001
		}
		if s.t > 1 {
			w[0] = w[1]
		}
		total := 0.0
		for _, v := range w {
			total += v
		}
		for i := range ts {
			ts[i] = sampleCategorical(rng, w)
			pt[i] = w[ts[i]] / total
		}
		return ts, pt
	}
	for i := range ts {
		ts[i] = rng.IntN(s.t)
		pt[i] = 1 / float64(s.t)
	}
	return ts, pt
}

// observe folds a per-row loss into the squared-loss history of t.
func (s *timeSampler) observe(t int, loss float64) {
	s.ltHistory[t] = 0.1*loss*loss + 0.9*s.ltHistory[t]
	s.ltCount[t]++
}
