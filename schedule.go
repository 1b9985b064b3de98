package tabddpm

import (
	"fmt"
	"math"
)

// Schedule holds the precomputed noise tables for a fixed number of
// timesteps. It is built once and only read afterwards.
type Schedule struct {
	kind string
	t    int

	betas             []float64
	alphas            []float64
	alphasCumprod     []float64
	alphasCumprodPrev []float64

	sqrtAlphasCumprod         []float64
	sqrtOneMinusAlphasCumprod []float64
	sqrtRecipAlphasCumprod    []float64
	sqrtRecipm1AlphasCumprod  []float64
	posteriorVariance         []float64
	posteriorMeanCoef1        []float64
	posteriorMeanCoef2        []float64
	modelLogVariance          []float64

	logAlpha          []float64
	log1mAlpha        []float64
	logCumprodAlpha   []float64
	log1mCumprodAlpha []float64
}

// NewSchedule builds the tables for the named beta schedule.
func NewSchedule(kind string, numTimesteps int) (*Schedule, error) {
	if numTimesteps < 1 {
		return nil, fmt.Errorf("num timesteps must be >= 1, got %d", numTimesteps)
	}
	var betas []float64
	switch kind {
	case "cosine":
		betas = betasForAlphaBar(numTimesteps, func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}, 0.999)
	case "linear":
		scale := 1000.0 / float64(numTimesteps)
		start, end := scale*0.0001, scale*0.02
		betas = make([]float64, numTimesteps)
		for i := range betas {
			if numTimesteps == 1 {
				betas[i] = start
				continue
			}
			betas[i] = start + (end-start)*float64(i)/float64(numTimesteps-1)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheduler, kind)
	}
	return newScheduleFromBetas(kind, betas), nil
}

func betasForAlphaBar(n int, alphaBar func(float64) float64, maxBeta float64) []float64 {
	betas := make([]float64, n)
	for i := 0; i < n; i++ {
		t1 := float64(i) / float64(n)
		t2 := float64(i+1) / float64(n)
		betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), maxBeta)
	}
	return betas
}

func newScheduleFromBetas(kind string, betas []float64) *Schedule {
	n := len(betas)
	s := &Schedule{kind: kind, t: n, betas: betas}
	alloc := func() []float64 { return make([]float64, n) }

	s.alphas = alloc()
	s.alphasCumprod = alloc()
	s.alphasCumprodPrev = alloc()
	s.logAlpha = alloc()
	s.log1mAlpha = alloc()
	s.logCumprodAlpha = alloc()
	s.log1mCumprodAlpha = alloc()

	prod, logProd := 1.0, 0.0
	for i, b := range betas {
		s.alphas[i] = 1 - b
		s.alphasCumprodPrev[i] = prod
		prod *= s.alphas[i]
		s.alphasCumprod[i] = prod

		s.logAlpha[i] = math.Log(s.alphas[i])
		s.log1mAlpha[i] = log1mExp(s.logAlpha[i])
		logProd += s.logAlpha[i]
		s.logCumprodAlpha[i] = logProd
		s.log1mCumprodAlpha[i] = log1mExp(logProd)
	}

	s.sqrtAlphasCumprod = alloc()
	s.sqrtOneMinusAlphasCumprod = alloc()
	s.sqrtRecipAlphasCumprod = alloc()
	s.sqrtRecipm1AlphasCumprod = alloc()
	s.posteriorVariance = alloc()
	s.posteriorMeanCoef1 = alloc()
	s.posteriorMeanCoef2 = alloc()
	s.modelLogVariance = alloc()
	for i := 0; i < n; i++ {
		ac, prev := s.alphasCumprod[i], s.alphasCumprodPrev[i]
		s.sqrtAlphasCumprod[i] = math.Sqrt(ac)
		s.sqrtOneMinusAlphasCumprod[i] = math.Sqrt(1 - ac)
		s.sqrtRecipAlphasCumprod[i] = math.Sqrt(1 / ac)
		s.sqrtRecipm1AlphasCumprod[i] = math.Sqrt(1/ac - 1)
		s.posteriorVariance[i] = betas[i] * (1 - prev) / (1 - ac)
		s.posteriorMeanCoef1[i] = betas[i] * math.Sqrt(prev) / (1 - ac)
		s.posteriorMeanCoef2[i] = (1 - prev) * math.Sqrt(s.alphas[i]) / (1 - ac)
	}
	// the posterior variance is 0 at t=0; the model variance uses the t=1 value there
	for i := 0; i < n; i++ {
		mv := betas[i]
		if i == 0 && n > 1 {
			mv = s.posteriorVariance[1]
		}
		s.modelLogVariance[i] = safeLog(mv)
	}
	return s
}

// Kind is the schedule name the tables were built from.
func (s *Schedule) Kind() string { return s.kind }

// NumTimesteps is the schedule length.
func (s *Schedule) NumTimesteps() int { return s.t }

// Beta returns beta_t.
func (s *Schedule) Beta(t int) float64 { return s.betas[t] }

// AlphaCumprod returns the retained-signal product up to and including t.
func (s *Schedule) AlphaCumprod(t int) float64 { return s.alphasCumprod[t] }

// AlphaCumprodPrev returns the retained-signal product before step t; it is 1
// at t=0 and AlphaCumprod(t-1) elsewhere.
func (s *Schedule) AlphaCumprodPrev(t int) float64 { return s.alphasCumprodPrev[t] }

// alphaBarAt extends AlphaCumprod with alpha-bar(-1) = 1.
func (s *Schedule) alphaBarAt(t int) float64 {
	if t < 0 {
		return 1
	}
	return s.alphasCumprod[t]
}
