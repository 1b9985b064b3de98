package tabddpm

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// oracleDenoiser is exact for standard normal numeric columns and uniform
// categorical columns: eps = sqrt(1-abar_t)*x_t and flat logits.
type oracleDenoiser struct {
	sched        *Schedule
	numNumerical int
}

func (o *oracleDenoiser) Forward(x *mat.Dense, t []int, y []float64) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		scale := math.Sqrt(1 - o.sched.AlphaCumprod(t[i]))
		in, dst := x.RawRowView(i), out.RawRowView(i)
		for j := 0; j < o.numNumerical; j++ {
			dst[j] = scale * in[j]
		}
	}
	return out
}

// fixedDenoiser returns the same output for every call.
type fixedDenoiser struct{ out *mat.Dense }

func (f *fixedDenoiser) Forward(x *mat.Dense, t []int, y []float64) *mat.Dense {
	return mat.DenseCopyOf(f.out)
}

func newOracleDiffusion(t *testing.T, cfg DiffusionConfig) *Diffusion {
	t.Helper()
	sched, err := NewSchedule(cfg.Scheduler, cfg.NumTimesteps)
	if err != nil {
		t.Fatalf("NewSchedule() error = %v", err)
	}
	d, err := NewDiffusion(cfg, &oracleDenoiser{sched: sched, numNumerical: cfg.NumNumerical})
	if err != nil {
		t.Fatalf("NewDiffusion() error = %v", err)
	}
	return d
}

func checkOracleSamples(t *testing.T, name string, z *mat.Dense, nNum int, sizes []int) {
	t.Helper()
	r, _ := z.Dims()
	for j := 0; j < nNum; j++ {
		col := mat.Col(nil, j, z)
		mean, std := stat.MeanStdDev(col, nil)
		if math.Abs(mean) > 0.15 {
			t.Fatalf("%s: column %d mean = %v, want ~0", name, j, mean)
		}
		if std < 0.8 || std > 1.2 {
			t.Fatalf("%s: column %d std = %v, want ~1", name, j, std)
		}
	}
	for j, k := range sizes {
		counts := make([]float64, k)
		for i := 0; i < r; i++ {
			counts[int(z.At(i, nNum+j))]++
		}
		for c, n := range counts {
			if f := n / float64(r); math.Abs(f-1/float64(k)) > 0.05 {
				t.Fatalf("%s: categorical column %d class %d frequency %v, want ~%v", name, j, c, f, 1/float64(k))
			}
		}
	}
}

func TestOracleAncestralAndDDIMAgree(t *testing.T) {
	cfg := DiffusionConfig{
		NumNumerical: 2,
		NumClasses:   []int{3},
		NumTimesteps: 100,
		Scheduler:    "cosine",
		Seed:         11,
	}
	d := newOracleDiffusion(t, cfg)
	anc, err := d.Sample(2000, nil)
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	checkOracleSamples(t, "ancestral", anc, 2, []int{3})

	ddim, err := d.SampleDDIM(2000, nil, 100, 0)
	if err != nil {
		t.Fatalf("SampleDDIM() error = %v", err)
	}
	checkOracleSamples(t, "ddim", ddim, 2, []int{3})
}

func TestQSampleDeterministic(t *testing.T) {
	cfg := DiffusionConfig{NumNumerical: 3, NumClasses: []int{2, 4}, NumTimesteps: 50, Scheduler: "linear", Seed: 5}
	x := mat.NewDense(4, 5, []float64{
		0.1, -0.2, 1.5, 0, 3,
		1.0, 0.0, -1.0, 1, 0,
		0.5, 0.5, 0.5, 1, 2,
		-2, 2, 0, 0, 1,
	})
	ts := []int{0, 10, 25, 49}
	a := newOracleDiffusion(t, cfg)
	b := newOracleDiffusion(t, cfg)
	xa, err := a.QSample(x, ts)
	if err != nil {
		t.Fatalf("QSample() error = %v", err)
	}
	xb, err := b.QSample(x, ts)
	if err != nil {
		t.Fatalf("QSample() error = %v", err)
	}
	if !mat.Equal(xa, xb) {
		t.Fatalf("same seed produced different samples:\n%v\n%v", mat.Formatted(xa), mat.Formatted(xb))
	}
	r, c := xa.Dims()
	if r != 4 || c != 5 {
		t.Fatalf("QSample dims = %dx%d, want 4x5", r, c)
	}
	for i := 0; i < r; i++ {
		if v := xa.At(i, 3); v != 0 && v != 1 {
			t.Fatalf("row %d: category %v outside [0, 2)", i, v)
		}
		if v := xa.At(i, 4); v < 0 || v > 3 || v != math.Trunc(v) {
			t.Fatalf("row %d: category %v outside [0, 4)", i, v)
		}
	}
}

func TestQSampleRejectsBadRows(t *testing.T) {
	d := newOracleDiffusion(t, DiffusionConfig{NumNumerical: 1, NumClasses: []int{2}, NumTimesteps: 10, Scheduler: "cosine"})
	if _, err := d.QSample(mat.NewDense(1, 3, nil), []int{0}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("QSample() wrong width error = %v, want ErrShapeMismatch", err)
	}
	if _, err := d.QSample(mat.NewDense(1, 2, []float64{0, 2}), []int{0}); err == nil {
		t.Fatal("expected error for out-of-range category")
	}
	if _, err := d.QSample(mat.NewDense(2, 2, nil), []int{0}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("QSample() timestep count error = %v, want ErrShapeMismatch", err)
	}
}

func TestNewDiffusionValidation(t *testing.T) {
	den := &fixedDenoiser{}
	if _, err := NewDiffusion(DiffusionConfig{NumNumerical: 1, NumTimesteps: 10, Scheduler: "cosine", GaussianLossType: "kl"}, den); !errors.Is(err, ErrUnsupportedLoss) {
		t.Fatalf("loss type error = %v, want ErrUnsupportedLoss", err)
	}
	if _, err := NewDiffusion(DiffusionConfig{NumNumerical: 1, NumTimesteps: 10, Scheduler: "quadratic"}, den); !errors.Is(err, ErrUnknownScheduler) {
		t.Fatalf("scheduler error = %v, want ErrUnknownScheduler", err)
	}
	if _, err := NewDiffusion(DiffusionConfig{NumClasses: []int{0}, NumTimesteps: 10, Scheduler: "cosine"}, den); err == nil {
		t.Fatal("expected error for a diffusion without columns")
	}
	d, err := NewDiffusion(DiffusionConfig{NumNumerical: 2, NumClasses: []int{3, 0, 2}, NumTimesteps: 10, Scheduler: "linear"}, den)
	if err != nil {
		t.Fatalf("NewDiffusion() error = %v", err)
	}
	if d.InputDim() != 7 || d.RowDim() != 4 {
		t.Fatalf("InputDim/RowDim = %d/%d, want 7/4", d.InputDim(), d.RowDim())
	}
}

func TestMixedLossGradient(t *testing.T) {
	const b = 3
	cfg := DiffusionConfig{NumNumerical: 2, NumClasses: []int{3, 2}, NumTimesteps: 20, Scheduler: "cosine", Seed: 9}
	out := mat.NewDense(b, 7, nil)
	rng := newRand(1)
	for i := 0; i < b; i++ {
		for j := 0; j < 7; j++ {
			out.Set(i, j, rng.NormFloat64())
		}
	}
	den := &fixedDenoiser{out: out}
	d, err := NewDiffusion(cfg, den)
	if err != nil {
		t.Fatalf("NewDiffusion() error = %v", err)
	}
	x := mat.NewDense(b, 4, []float64{
		0.3, -1, 2, 1,
		1.1, 0.4, 0, 0,
		-0.7, 0.2, 1, 1,
	})
	eval := func() (float64, *mat.Dense) {
		d.Reseed(42)
		lm, lg, grad, err := d.MixedLoss(x, nil)
		if err != nil {
			t.Fatalf("MixedLoss() error = %v", err)
		}
		return lm + lg, grad
	}
	_, grad := eval()
	raw := out.RawMatrix().Data
	orig := append([]float64(nil), raw...)
	num := fd.Gradient(nil, func(v []float64) float64 {
		copy(raw, v)
		l, _ := eval()
		return l
	}, orig, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	copy(raw, orig)
	for i := 0; i < b; i++ {
		for j := 0; j < 7; j++ {
			n := num[i*7+j]
			if math.Abs(n-grad.At(i, j)) > 1e-5*math.Max(1, math.Abs(n)) {
				t.Fatalf("grad[%d][%d] analytic %v numeric %v", i, j, grad.At(i, j), n)
			}
		}
	}
}

func TestSampleAllNaNs(t *testing.T) {
	out := mat.NewDense(2, 1, []float64{math.NaN(), math.NaN()})
	d, err := NewDiffusion(DiffusionConfig{NumNumerical: 1, NumTimesteps: 5, Scheduler: "cosine"}, &fixedDenoiser{out: out})
	if err != nil {
		t.Fatalf("NewDiffusion() error = %v", err)
	}
	if _, err := d.SampleAll(SampleAllOptions{NumSamples: 2, BatchSize: 2}); !errors.Is(err, ErrFoundNaNs) {
		t.Fatalf("SampleAll() error = %v, want ErrFoundNaNs", err)
	}
}

func TestSampleAllBatches(t *testing.T) {
	d := newOracleDiffusion(t, DiffusionConfig{NumNumerical: 1, NumClasses: []int{2}, NumTimesteps: 10, Scheduler: "cosine", Seed: 2})
	z, err := d.SampleAll(SampleAllOptions{NumSamples: 25, BatchSize: 10, DDIM: true, Steps: 5})
	if err != nil {
		t.Fatalf("SampleAll() error = %v", err)
	}
	if r, c := z.Dims(); r != 25 || c != 2 {
		t.Fatalf("SampleAll dims = %dx%d, want 25x2", r, c)
	}
	if _, err := d.SampleAll(SampleAllOptions{NumSamples: 3, BatchSize: 2, Labels: []float64{0}}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("SampleAll() labels error = %v, want ErrShapeMismatch", err)
	}
}
