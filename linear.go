package tabddpm

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a named, flat parameter tensor with its gradient accumulator.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// Numel is the number of scalars in the tensor.
func (p *Param) Numel() int { return len(p.Data) }

func (p *Param) zeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

func uniformInit(data []float64, bound float64, rng *rand.Rand) {
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
}

// Linear is a dense affine layer y = xW + b with W stored as [in, out].
type Linear struct {
	W, B    *Param
	in, out int

	x *mat.Dense
}

func newLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		W:   newParam(name+".weight", in, out),
		B:   newParam(name+".bias", out),
		in:  in,
		out: out,
	}
	bound := 1 / math.Sqrt(float64(in))
	uniformInit(l.W.Data, bound, rng)
	uniformInit(l.B.Data, bound, rng)
	return l
}

func (l *Linear) params() []*Param { return []*Param{l.W, l.B} }

func (l *Linear) weights() *mat.Dense { return mat.NewDense(l.in, l.out, l.W.Data) }

// Forward computes xW + b and keeps x for Backward.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	r, _ := x.Dims()
	y := mat.NewDense(r, l.out, nil)
	y.Mul(x, l.weights())
	for i := 0; i < r; i++ {
		floats.Add(y.RawRowView(i), l.B.Data)
	}
	l.x = x
	return y
}

// Backward accumulates parameter gradients and returns dL/dx.
func (l *Linear) Backward(dy *mat.Dense) *mat.Dense {
	r, _ := dy.Dims()
	var dW mat.Dense
	dW.Mul(l.x.T(), dy)
	for i := 0; i < l.in; i++ {
		floats.Add(l.W.Grad[i*l.out:(i+1)*l.out], dW.RawRowView(i))
	}
	for i := 0; i < r; i++ {
		floats.Add(l.B.Grad, dy.RawRowView(i))
	}
	dx := mat.NewDense(r, l.in, nil)
	dx.Mul(dy, l.weights().T())
	return dx
}

// Embedding maps class indices to learned rows of a [classes, dim] table.
type Embedding struct {
	W          *Param
	classes    int
	dim        int
	lastLabels []int
}

func newEmbedding(name string, classes, dim int, rng *rand.Rand) *Embedding {
	e := &Embedding{W: newParam(name+".weight", classes, dim), classes: classes, dim: dim}
	for i := range e.W.Data {
		e.W.Data[i] = rng.NormFloat64()
	}
	return e
}

func (e *Embedding) params() []*Param { return []*Param{e.W} }

// Forward looks up one row per label.
func (e *Embedding) Forward(labels []int) *mat.Dense {
	out := mat.NewDense(len(labels), e.dim, nil)
	for i, c := range labels {
		copy(out.RawRowView(i), e.W.Data[c*e.dim:(c+1)*e.dim])
	}
	e.lastLabels = labels
	return out
}

// Backward scatters row gradients back into the table.
func (e *Embedding) Backward(dy *mat.Dense) {
	for i, c := range e.lastLabels {
		floats.Add(e.W.Grad[c*e.dim:(c+1)*e.dim], dy.RawRowView(i))
	}
}
