package tabddpm

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Denoiser predicts, for a noisy mixed-type batch at timesteps t, the noise
// of the numeric segment followed by per-column logits of the categorical
// segment. y holds the class label (or regression target) per row and may
// be nil.
type Denoiser interface {
	Forward(x *mat.Dense, t []int, y []float64) *mat.Dense
}

// TrainableDenoiser is a Denoiser whose last Forward can be backpropagated.
type TrainableDenoiser interface {
	Denoiser
	Backward(grad *mat.Dense)
	Params() []*Param
	ZeroGrad()
	SetTraining(training bool)
}

// MLPDiffusion is the feed-forward denoising network: a sinusoidal timestep
// embedding (optionally plus a label embedding) is added to a projection of
// the input, followed by ReLU blocks and a linear head back to d_in.
type MLPDiffusion struct {
	dIn        int
	dimT       int
	numClasses int
	isYCond    bool
	dropout    float64

	time0, time2 *Linear
	labelEmb     *Embedding
	labelLin     *Linear
	proj         *Linear
	blocks       []*Linear
	head         *Linear

	training bool
	rng      *rand.Rand

	// forward caches
	h1      *mat.Dense
	le      *mat.Dense
	pre     []*mat.Dense
	masks   [][]float64
	hasCond bool
}

// NewMLPDiffusion builds the network with freshly initialized weights.
func NewMLPDiffusion(p ModelParams) (*MLPDiffusion, error) {
	if p.DIn < 1 {
		return nil, fmt.Errorf("d_in must be >= 1, got %d", p.DIn)
	}
	if len(p.RTDL.DLayers) == 0 {
		return nil, fmt.Errorf("rtdl_params.d_layers must not be empty")
	}
	if p.RTDL.Dropout < 0 || p.RTDL.Dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0, 1), got %v", p.RTDL.Dropout)
	}
	dimT := p.DimT
	if dimT == 0 {
		dimT = 128
	}
	rng := newRand(p.Seed)
	m := &MLPDiffusion{
		dIn:        p.DIn,
		dimT:       dimT,
		numClasses: p.NumClasses,
		isYCond:    p.IsYCond,
		dropout:    p.RTDL.Dropout,
		rng:        rng,
	}
	m.time0 = newLinear("time_embed.0", dimT, dimT, rng)
	m.time2 = newLinear("time_embed.2", dimT, dimT, rng)
	if p.IsYCond {
		if p.NumClasses > 0 {
			m.labelEmb = newEmbedding("label_emb", p.NumClasses, dimT, rng)
		} else {
			m.labelLin = newLinear("label_emb", 1, dimT, rng)
		}
	}
	m.proj = newLinear("proj", p.DIn, dimT, rng)
	prev := dimT
	for i, d := range p.RTDL.DLayers {
		m.blocks = append(m.blocks, newLinear(fmt.Sprintf("mlp.blocks.%d", i), prev, d, rng))
		prev = d
	}
	m.head = newLinear("mlp.head", prev, p.DIn, rng)
	return m, nil
}

// Params lists every trainable tensor in a stable order.
func (m *MLPDiffusion) Params() []*Param {
	var ps []*Param
	ps = append(ps, m.time0.params()...)
	ps = append(ps, m.time2.params()...)
	if m.labelEmb != nil {
		ps = append(ps, m.labelEmb.params()...)
	}
	if m.labelLin != nil {
		ps = append(ps, m.labelLin.params()...)
	}
	ps = append(ps, m.proj.params()...)
	for _, b := range m.blocks {
		ps = append(ps, b.params()...)
	}
	ps = append(ps, m.head.params()...)
	return ps
}

// NumParams is the total scalar count.
func (m *MLPDiffusion) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		n += p.Numel()
	}
	return n
}

func (m *MLPDiffusion) ZeroGrad() {
	for _, p := range m.Params() {
		p.zeroGrad()
	}
}

// SetTraining toggles dropout.
func (m *MLPDiffusion) SetTraining(training bool) { m.training = training }

// timestepEmbedding builds [cos(t*f), sin(t*f)] features with geometric
// frequencies f_i = 10000^(-i/half).
func timestepEmbedding(t []int, dim int) *mat.Dense {
	half := dim / 2
	out := mat.NewDense(len(t), dim, nil)
	for r, ts := range t {
		row := out.RawRowView(r)
		for i := 0; i < half; i++ {
			freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
			arg := float64(ts) * freq
			row[i] = math.Cos(arg)
			row[half+i] = math.Sin(arg)
		}
	}
	return out
}

func mapDense(src *mat.Dense, activation string) *mat.Dense {
	r, c := src.Dims()
	dst := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		activate(dst.RawRowView(i), src.RawRowView(i), activation)
	}
	return dst
}

func (m *MLPDiffusion) Forward(x *mat.Dense, t []int, y []float64) *mat.Dense {
	rows, _ := x.Dims()
	m.h1 = m.time0.Forward(timestepEmbedding(t, m.dimT))
	emb := m.time2.Forward(mapDense(m.h1, "silu"))

	m.hasCond = m.isYCond && y != nil
	if m.hasCond {
		if m.labelEmb != nil {
			labels := make([]int, len(y))
			for i, v := range y {
				labels[i] = int(v)
			}
			m.le = m.labelEmb.Forward(labels)
		} else {
			m.le = m.labelLin.Forward(mat.NewDense(len(y), 1, append([]float64(nil), y...)))
		}
		emb.Add(emb, mapDense(m.le, "silu"))
	}

	h := m.proj.Forward(x)
	h.Add(h, emb)

	m.pre = m.pre[:0]
	m.masks = m.masks[:0]
	for _, blk := range m.blocks {
		z := blk.Forward(h)
		m.pre = append(m.pre, z)
		h = mapDense(z, "relu")
		var mask []float64
		if m.training && m.dropout > 0 {
			_, c := h.Dims()
			mask = make([]float64, rows*c)
			keep := 1 / (1 - m.dropout)
			for i := range mask {
				if m.rng.Float64() >= m.dropout {
					mask[i] = keep
				}
			}
			data := h.RawMatrix().Data
			for i := range data {
				data[i] *= mask[i]
			}
		}
		m.masks = append(m.masks, mask)
	}
	return m.head.Forward(h)
}

func (m *MLPDiffusion) Backward(grad *mat.Dense) {
	dh := m.head.Backward(grad)
	for i := len(m.blocks) - 1; i >= 0; i-- {
		data := dh.RawMatrix().Data
		if mask := m.masks[i]; mask != nil {
			for j := range data {
				data[j] *= mask[j]
			}
		}
		activateBackward(data, m.pre[i].RawMatrix().Data, "relu")
		dh = m.blocks[i].Backward(dh)
	}
	m.proj.Backward(dh)

	if m.hasCond {
		dle := mat.DenseCopyOf(dh)
		activateBackward(dle.RawMatrix().Data, m.le.RawMatrix().Data, "silu")
		if m.labelEmb != nil {
			m.labelEmb.Backward(dle)
		} else {
			m.labelLin.Backward(dle)
		}
	}

	ds1 := m.time2.Backward(dh)
	activateBackward(ds1.RawMatrix().Data, m.h1.RawMatrix().Data, "silu")
	m.time0.Backward(ds1)
}
