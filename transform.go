package tabddpm

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Normalization names a numeric column transform.
type Normalization string

const (
	NormNone     Normalization = ""
	NormStandard Normalization = "standard"
	NormQuantile Normalization = "quantile"
	NormMinMax   Normalization = "minmax"
)

// NumericTransform maps raw numeric rows to the model scale and back. It is
// fitted once and never refitted.
type NumericTransform interface {
	Transform(rows [][]float64) [][]float64
	Inverse(rows [][]float64) [][]float64
}

// FitNumericTransform fits kind on the columns of rows. A nil transform is
// returned for NormNone.
func FitNumericTransform(kind Normalization, rows [][]float64) (NumericTransform, error) {
	if len(rows) == 0 {
		return nil, ErrEmptySplit
	}
	switch kind {
	case NormNone:
		return nil, nil
	case NormStandard:
		return fitStandard(rows), nil
	case NormMinMax:
		return fitMinMax(rows), nil
	case NormQuantile:
		return fitQuantile(rows), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNormalization, kind)
}

func column(rows [][]float64, j int) []float64 {
	col := make([]float64, len(rows))
	for i, r := range rows {
		col[i] = r[j]
	}
	return col
}

func mapColumns(rows [][]float64, f func(j int, v float64) float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		o := make([]float64, len(r))
		for j, v := range r {
			o[j] = f(j, v)
		}
		out[i] = o
	}
	return out
}

// affine transforms x to (x - shift) / scale per column.
type affine struct {
	shift, scale []float64
}

func (a *affine) Transform(rows [][]float64) [][]float64 {
	return mapColumns(rows, func(j int, v float64) float64 { return (v - a.shift[j]) / a.scale[j] })
}

func (a *affine) Inverse(rows [][]float64) [][]float64 {
	return mapColumns(rows, func(j int, v float64) float64 { return v*a.scale[j] + a.shift[j] })
}

func fitStandard(rows [][]float64) *affine {
	d := len(rows[0])
	a := &affine{shift: make([]float64, d), scale: make([]float64, d)}
	for j := 0; j < d; j++ {
		col := column(rows, j)
		a.shift[j] = stat.Mean(col, nil)
		a.scale[j] = stat.PopStdDev(col, nil)
		if a.scale[j] == 0 {
			a.scale[j] = 1
		}
	}
	return a
}

func fitMinMax(rows [][]float64) *affine {
	d := len(rows[0])
	a := &affine{shift: make([]float64, d), scale: make([]float64, d)}
	for j := 0; j < d; j++ {
		col := column(rows, j)
		a.shift[j] = floats.Min(col)
		a.scale[j] = floats.Max(col) - a.shift[j]
		if a.scale[j] == 0 {
			a.scale[j] = 1
		}
	}
	return a
}

// boundsThreshold keeps normal quantiles finite at the edges.
const boundsThreshold = 1e-7

// quantileNormal maps each column through its empirical CDF and then the
// standard normal quantile function.
type quantileNormal struct {
	references []float64
	quantiles  [][]float64
	clipMin    float64
	clipMax    float64
}

// quantileCount is n/30 clamped to [10, 1000] and to the number of rows.
func quantileCount(n int) int {
	q := min(max(n/30, 10), 1000)
	return max(1, min(q, n))
}

func fitQuantile(rows [][]float64) *quantileNormal {
	nq := quantileCount(len(rows))
	t := &quantileNormal{
		references: make([]float64, nq),
		clipMin:    distuv.UnitNormal.Quantile(boundsThreshold - 0x1p-52),
		clipMax:    distuv.UnitNormal.Quantile(1 - (boundsThreshold - 0x1p-52)),
	}
	if nq == 1 {
		t.references[0] = 0.5
	} else {
		floats.Span(t.references, 0, 1)
	}
	for j := range rows[0] {
		col := column(rows, j)
		sort.Float64s(col)
		q := make([]float64, nq)
		for i, r := range t.references {
			q[i] = percentile(col, r)
		}
		// quantiles must be non-decreasing
		for i := 1; i < nq; i++ {
			q[i] = math.Max(q[i], q[i-1])
		}
		t.quantiles = append(t.quantiles, q)
	}
	return t
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// interp is one-dimensional piecewise linear interpolation over increasing
// xp, clamping outside the range.
func interp(x float64, xp, fp []float64) float64 {
	j := sort.Search(len(xp), func(i int) bool { return xp[i] > x }) - 1
	if j < 0 {
		return fp[0]
	}
	if j >= len(xp)-1 {
		return fp[len(fp)-1]
	}
	return fp[j] + (x-xp[j])*(fp[j+1]-fp[j])/(xp[j+1]-xp[j])
}

func negReversed(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[len(v)-1-i] = -x
	}
	return out
}

func (t *quantileNormal) Transform(rows [][]float64) [][]float64 {
	negRef := negReversed(t.references)
	negQ := make([][]float64, len(t.quantiles))
	for j, q := range t.quantiles {
		negQ[j] = negReversed(q)
	}
	return mapColumns(rows, func(j int, v float64) float64 {
		q := t.quantiles[j]
		var u float64
		switch {
		case v <= q[0]:
			u = 0
		case v >= q[len(q)-1]:
			u = 1
		default:
			// averaging both directions spreads ties evenly
			u = 0.5 * (interp(v, q, t.references) - interp(-v, negQ[j], negRef))
		}
		z := distuv.UnitNormal.Quantile(u)
		return math.Min(math.Max(z, t.clipMin), t.clipMax)
	})
}

func (t *quantileNormal) Inverse(rows [][]float64) [][]float64 {
	return mapColumns(rows, func(j int, v float64) float64 {
		q := t.quantiles[j]
		u := distuv.UnitNormal.CDF(v)
		switch {
		case u-boundsThreshold < 0:
			return q[0]
		case u+boundsThreshold > 1:
			return q[len(q)-1]
		}
		return interp(u, t.references, q)
	})
}

// NumNaNPolicy selects how missing numeric values are handled.
type NumNaNPolicy string

const (
	NumNaNNone     NumNaNPolicy = ""
	NumNaNMean     NumNaNPolicy = "mean"
	NumNaNDropRows NumNaNPolicy = "drop-rows"
)

// numImputer fills missing numeric cells with per-column train means.
type numImputer struct {
	means []float64
}

func fitNumImputer(rows [][]float64) *numImputer {
	if len(rows) == 0 {
		return &numImputer{}
	}
	d := len(rows[0])
	imp := &numImputer{means: make([]float64, d)}
	for j := 0; j < d; j++ {
		col := slices.DeleteFunc(column(rows, j), math.IsNaN)
		if len(col) > 0 {
			imp.means[j] = stat.Mean(col, nil)
		}
	}
	return imp
}

func (imp *numImputer) apply(rows [][]float64) {
	for _, r := range rows {
		for j, v := range r {
			if math.IsNaN(v) {
				r[j] = imp.means[j]
			}
		}
	}
}

// nanRows returns the indices of rows holding at least one NaN.
func nanRows(rows [][]float64) []int {
	var out []int
	for i, r := range rows {
		if slices.ContainsFunc(r, math.IsNaN) {
			out = append(out, i)
		}
	}
	return out
}
