package tabddpm

import (
	"math"
	"testing"
)

func TestLogSoftmax(t *testing.T) {
	in := []float64{1000, 1001, 999}
	lp := LogSoftmax(in)
	sum := 0.0
	for i := range lp {
		sum += math.Exp(lp[i])
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("exp(LogSoftmax) sums to %v", sum)
	}
	if got, want := lp[1]-lp[0], 1.0; math.Abs(got-want) > 1e-12 {
		t.Fatalf("log-ratio = %v, want %v", got, want)
	}
	if ArgMax(in) != 1 || ArgMax(nil) != -1 {
		t.Fatal("ArgMax mismatch")
	}
}

func TestLogSpaceHelpers(t *testing.T) {
	if got := logAddExp(math.Log(2), math.Log(3)); math.Abs(got-math.Log(5)) > 1e-12 {
		t.Fatalf("logAddExp = %v, want log 5", got)
	}
	if got := logAddExp(math.Inf(-1), 1.5); got != 1.5 {
		t.Fatalf("logAddExp(-Inf, 1.5) = %v", got)
	}
	for _, a := range []float64{-1e-8, -0.3, -5} {
		if got, want := log1mExp(a), math.Log(1-math.Exp(a)); math.Abs(got-want) > 1e-6*math.Abs(want) {
			t.Fatalf("log1mExp(%v) = %v, want %v", a, got, want)
		}
	}
	if !math.IsInf(safeLog(0), -1) {
		t.Fatal("safeLog(0) is not -Inf")
	}
}

func TestSampleLogCategoricalSkipsImpossible(t *testing.T) {
	rng := newRand(6)
	logits := []float64{math.Inf(-1), 0, math.Log(3)}
	counts := make([]int, 3)
	for i := 0; i < 4000; i++ {
		counts[sampleLogCategorical(rng, logits)]++
	}
	if counts[0] != 0 {
		t.Fatalf("drew an impossible category %d times", counts[0])
	}
	if share := float64(counts[2]) / 4000; math.Abs(share-0.75) > 0.03 {
		t.Fatalf("category 2 share %v, want ~0.75", share)
	}
}

func TestTimeSamplerUniformThenImportance(t *testing.T) {
	s, err := newTimeSampler(TimeImportance, 5)
	if err != nil {
		t.Fatalf("newTimeSampler() error = %v", err)
	}
	rng := newRand(9)
	ts, pt := s.sample(rng, 8)
	for i := range ts {
		if ts[i] < 0 || ts[i] >= 5 || pt[i] != 0.2 {
			t.Fatalf("cold sample (%d, %v), want uniform", ts[i], pt[i])
		}
	}
	for step := 0; step < 5; step++ {
		for k := 0; k <= importanceWarmup; k++ {
			loss := 0.01
			if step == 4 {
				loss = 10
			}
			s.observe(step, loss)
		}
	}
	if !s.warm() {
		t.Fatal("sampler not warm after enough observations")
	}
	ts, pt = s.sample(rng, 2000)
	hits := 0
	for i := range ts {
		if ts[i] == 4 {
			hits++
			if pt[i] <= 0.2 {
				t.Fatalf("p(t=4) = %v, want above uniform", pt[i])
			}
		}
	}
	if hits < 1000 {
		t.Fatalf("high-loss step drawn %d/2000 times", hits)
	}
	if _, err := newTimeSampler("random", 5); err == nil {
		t.Fatal("expected error for unknown time sampling")
	}
}
