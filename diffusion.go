package tabddpm

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// DiffusionConfig defines parameters for the diffusion process
type DiffusionConfig struct {
	NumNumerical     int          // Width of the continuous segment
	NumClasses       []int        // Category size per categorical column; nil or [0] for none
	NumTimesteps     int          // Number of diffusion steps
	GaussianLossType string       // Only "mse"
	Scheduler        string       // "cosine" or "linear"
	TimeSampling     TimeSampling // "uniform" or "importance"
	Seed             uint64       // Seed for noise, timesteps and sampling
}

// Diffusion runs Gaussian diffusion over the numeric columns and multinomial
// diffusion over the categorical columns of a row, sharing one denoiser.
//
// Rows passed in and returned hold the numeric features first, followed by
// one class index per categorical column.
type Diffusion struct {
	numNumerical int
	numClasses   []int
	offsets      []int
	catWidth     int

	denoise Denoiser
	sched   *Schedule
	times   *timeSampler
	rng     *rand.Rand
}

// NewDiffusion precomputes the schedule and binds the denoiser.
func NewDiffusion(cfg DiffusionConfig, denoise Denoiser) (*Diffusion, error) {
	if cfg.NumNumerical < 0 {
		return nil, fmt.Errorf("num numerical features must be >= 0, got %d", cfg.NumNumerical)
	}
	switch cfg.GaussianLossType {
	case "", "mse":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLoss, cfg.GaussianLossType)
	}
	sched, err := NewSchedule(cfg.Scheduler, cfg.NumTimesteps)
	if err != nil {
		return nil, err
	}
	times, err := newTimeSampler(cfg.TimeSampling, cfg.NumTimesteps)
	if err != nil {
		return nil, err
	}
	d := &Diffusion{
		numNumerical: cfg.NumNumerical,
		denoise:      denoise,
		sched:        sched,
		times:        times,
		rng:          newRand(cfg.Seed),
	}
	for _, k := range cfg.NumClasses {
		if k == 0 {
			continue
		}
		if k < 1 {
			return nil, fmt.Errorf("category size must be positive, got %d", k)
		}
		d.offsets = append(d.offsets, d.catWidth)
		d.numClasses = append(d.numClasses, k)
		d.catWidth += k
	}
	if d.numNumerical+d.catWidth == 0 {
		return nil, fmt.Errorf("diffusion needs at least one numeric or categorical column")
	}
	return d, nil
}

// Schedule exposes the precomputed noise tables.
func (d *Diffusion) Schedule() *Schedule { return d.sched }

// InputDim is the denoiser width: numeric features plus the one-hot width
// of every categorical column.
func (d *Diffusion) InputDim() int { return d.numNumerical + d.catWidth }

// RowDim is the width of rows accepted and produced by the process.
func (d *Diffusion) RowDim() int { return d.numNumerical + len(d.numClasses) }

// Reseed resets the random state.
func (d *Diffusion) Reseed(seed uint64) { d.rng = newRand(seed) }

func (d *Diffusion) checkRows(x *mat.Dense) (int, error) {
	r, c := x.Dims()
	if c != d.RowDim() {
		return 0, fmt.Errorf("%w: rows have %d columns, want %d", ErrShapeMismatch, c, d.RowDim())
	}
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		for j, k := range d.numClasses {
			v := row[d.numNumerical+j]
			if v < 0 || int(v) >= k || v != math.Trunc(v) {
				return 0, fmt.Errorf("row %d: category %v out of range for column %d of size %d", i, v, j, k)
			}
		}
	}
	return r, nil
}

// qSample draws x_t for each row at its timestep. It returns the noisy rows,
// the Gaussian noise used for the numeric segment and the denoiser input.
func (d *Diffusion) qSample(x *mat.Dense, t []int) (xt *mat.Dense, noise *mat.Dense, in *mat.Dense) {
	r, _ := x.Dims()
	nNum := d.numNumerical
	xt = mat.NewDense(r, d.RowDim(), nil)
	in = mat.NewDense(r, d.InputDim(), nil)
	if nNum > 0 {
		noise = mat.NewDense(r, nNum, nil)
	}
	for i := 0; i < r; i++ {
		src, dst, inRow := x.RawRowView(i), xt.RawRowView(i), in.RawRowView(i)
		if nNum > 0 {
			nz := noise.RawRowView(i)
			for j := range nz {
				nz[j] = d.rng.NormFloat64()
			}
			d.sched.gaussianQSample(dst[:nNum], src[:nNum], nz, t[i])
			copy(inRow[:nNum], dst[:nNum])
		}
		for j, k := range d.numClasses {
			c := d.sched.multinomialQSample(d.rng, int(src[nNum+j]), k, t[i])
			dst[nNum+j] = float64(c)
			inRow[nNum+d.offsets[j]+c] = 1
		}
	}
	return xt, noise, in
}

// QSample draws x_t ~ q(x_t | x_0) row-wise in closed form.
func (d *Diffusion) QSample(x *mat.Dense, t []int) (*mat.Dense, error) {
	r, err := d.checkRows(x)
	if err != nil {
		return nil, err
	}
	if len(t) != r {
		return nil, fmt.Errorf("%w: %d timesteps for %d rows", ErrShapeMismatch, len(t), r)
	}
	xt, _, _ := d.qSample(x, t)
	return xt, nil
}

// MixedLoss draws a timestep per row, corrupts the batch and evaluates the
// denoiser. It returns the multinomial and Gaussian loss terms and the
// gradient of their sum w.r.t. the denoiser output, ready for Backward.
func (d *Diffusion) MixedLoss(x *mat.Dense, y []float64) (lossMulti, lossGauss float64, grad *mat.Dense, err error) {
	b, err := d.checkRows(x)
	if err != nil {
		return 0, 0, nil, err
	}
	if b == 0 {
		return 0, 0, nil, ErrEmptySplit
	}
	t, pt := d.times.sample(d.rng, b)
	xt, noise, in := d.qSample(x, t)
	out := d.denoise.Forward(in, t, y)
	if _, c := out.Dims(); c != d.InputDim() {
		return 0, 0, nil, fmt.Errorf("%w: denoiser returned %d columns, want %d", ErrShapeMismatch, c, d.InputDim())
	}

	nNum, nCat := d.numNumerical, len(d.numClasses)
	grad = mat.NewDense(b, d.InputDim(), nil)
	invB := 1 / float64(b)
	for i := 0; i < b; i++ {
		o, g := out.RawRowView(i), grad.RawRowView(i)
		if nNum > 0 {
			lossGauss += gaussianMSE(g[:nNum], o[:nNum], noise.RawRowView(i), invB)
		}
		if nCat == 0 {
			continue
		}
		x0Row, xtRow := x.RawRowView(i), xt.RawRowView(i)
		scale := invB / (pt[i] * float64(nCat))
		rowVB, rowPrior := 0.0, 0.0
		for j, k := range d.numClasses {
			seg := nNum + d.offsets[j]
			x0, xtc := int(x0Row[nNum+j]), int(xtRow[nNum+j])
			rowVB += d.sched.multinomialLoss(g[seg:seg+k], o[seg:seg+k], x0, xtc, t[i], scale)
			rowPrior += d.sched.multinomialPriorKL(x0, k)
		}
		d.times.observe(t[i], rowVB)
		lossMulti += (rowVB/pt[i] + rowPrior) / float64(nCat)
	}
	return lossMulti * invB, lossGauss * invB, grad, nil
}

// Sample runs ancestral sampling over the full schedule.
func (d *Diffusion) Sample(n int, y []float64) (*mat.Dense, error) {
	seq := make([]int, d.sched.t)
	for i := range seq {
		seq[i] = d.sched.t - 1 - i
	}
	return d.sample(n, y, seq, false, 0)
}

// SampleDDIM runs the implicit sampler over steps evenly spaced timesteps.
// steps == NumTimesteps visits every timestep.
func (d *Diffusion) SampleDDIM(n int, y []float64, steps int, eta float64) (*mat.Dense, error) {
	seq, err := ddimTimesteps(d.sched.t, steps)
	if err != nil {
		return nil, err
	}
	return d.sample(n, y, seq, true, eta)
}

// ddimTimesteps returns a descending subsequence of [0, T) of length steps
// that always starts at T-1.
func ddimTimesteps(numTimesteps, steps int) ([]int, error) {
	if steps < 1 || steps > numTimesteps {
		return nil, fmt.Errorf("ddim steps must be in [1, %d], got %d", numTimesteps, steps)
	}
	if steps == 1 {
		return []int{numTimesteps - 1}, nil
	}
	seq := make([]int, 0, steps)
	last := -1
	for i := steps - 1; i >= 0; i-- {
		ts := int(math.Round(float64(i) * float64(numTimesteps-1) / float64(steps-1)))
		if ts == last {
			continue
		}
		seq = append(seq, ts)
		last = ts
	}
	return seq, nil
}

func (d *Diffusion) sample(n int, y []float64, seq []int, ddim bool, eta float64) (*mat.Dense, error) {
	if n < 1 {
		return nil, fmt.Errorf("number of samples must be >= 1, got %d", n)
	}
	if y != nil && len(y) != n {
		return nil, fmt.Errorf("%w: %d labels for %d samples", ErrShapeMismatch, len(y), n)
	}
	nNum := d.numNumerical
	z := mat.NewDense(n, d.RowDim(), nil)
	for i := 0; i < n; i++ {
		row := z.RawRowView(i)
		for j := 0; j < nNum; j++ {
			row[j] = d.rng.NormFloat64()
		}
		for j, k := range d.numClasses {
			row[nNum+j] = float64(d.rng.IntN(k))
		}
	}

	ts := make([]int, n)
	for idx, t := range seq {
		prev := -1
		if idx+1 < len(seq) {
			prev = seq[idx+1]
		}
		for i := range ts {
			ts[i] = t
		}
		in := mat.NewDense(n, d.InputDim(), nil)
		for i := 0; i < n; i++ {
			row, inRow := z.RawRowView(i), in.RawRowView(i)
			copy(inRow[:nNum], row[:nNum])
			for j := range d.numClasses {
				inRow[nNum+d.offsets[j]+int(row[nNum+j])] = 1
			}
		}
		out := d.denoise.Forward(in, ts, y)
		if _, c := out.Dims(); c != d.InputDim() {
			return nil, fmt.Errorf("%w: denoiser returned %d columns, want %d", ErrShapeMismatch, c, d.InputDim())
		}
		next := make([]float64, nNum)
		for i := 0; i < n; i++ {
			row, o := z.RawRowView(i), out.RawRowView(i)
			if nNum > 0 {
				if ddim {
					d.sched.gaussianDDIMStep(next, row[:nNum], o[:nNum], t, prev, eta, d.rng)
				} else {
					d.sched.gaussianPStep(next, row[:nNum], o[:nNum], t, d.rng)
				}
				copy(row[:nNum], next)
			}
			for j, k := range d.numClasses {
				seg := nNum + d.offsets[j]
				xt := int(row[nNum+j])
				var c int
				if ddim {
					c = d.sched.multinomialDDIMStep(d.rng, o[seg:seg+k], xt, t, prev, eta)
				} else {
					c = d.sched.multinomialPStep(d.rng, o[seg:seg+k], xt, t)
				}
				row[nNum+j] = float64(c)
			}
		}
	}
	return z, nil
}

// SampleAllOptions controls batched generation.
type SampleAllOptions struct {
	NumSamples int
	BatchSize  int
	DDIM       bool
	Steps      int
	Eta        float64
	// Labels holds one conditioning value per sample, or nil.
	Labels []float64
}

// SampleAll generates NumSamples rows in batches. A batch that produces NaN
// rows aborts generation with ErrFoundNaNs.
func (d *Diffusion) SampleAll(opts SampleAllOptions) (*mat.Dense, error) {
	if opts.NumSamples < 1 {
		return nil, fmt.Errorf("number of samples must be >= 1, got %d", opts.NumSamples)
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", opts.BatchSize)
	}
	if opts.Labels != nil && len(opts.Labels) != opts.NumSamples {
		return nil, fmt.Errorf("%w: %d labels for %d samples", ErrShapeMismatch, len(opts.Labels), opts.NumSamples)
	}
	all := mat.NewDense(opts.NumSamples, d.RowDim(), nil)
	for done := 0; done < opts.NumSamples; {
		b := min(opts.BatchSize, opts.NumSamples-done)
		var y []float64
		if opts.Labels != nil {
			y = opts.Labels[done : done+b]
		}
		var (
			batch *mat.Dense
			err   error
		)
		if opts.DDIM {
			batch, err = d.SampleDDIM(b, y, opts.Steps, opts.Eta)
		} else {
			batch, err = d.Sample(b, y)
		}
		if err != nil {
			return nil, err
		}
		for i := 0; i < b; i++ {
			row := batch.RawRowView(i)
			for _, v := range row {
				if math.IsNaN(v) {
					return nil, fmt.Errorf("%w: batch starting at row %d", ErrFoundNaNs, done)
				}
			}
			all.SetRow(done+i, row)
		}
		done += b
	}
	return all, nil
}
