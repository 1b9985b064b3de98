package tabddpm

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// FastLoader serves an endless stream of mini-batches from a fixed training
// matrix. Rows are visited in a pre-shuffled order; a fresh permutation is
// drawn once the current one is exhausted. The final batch of a pass may be
// short.
type FastLoader struct {
	x         *mat.Dense
	y         []float64
	batchSize int
	rng       *rand.Rand

	perm []int
	pos  int
}

// NewFastLoader wraps x (one row per example) and optional per-row labels y.
func NewFastLoader(x *mat.Dense, y []float64, batchSize int, rng *rand.Rand) (*FastLoader, error) {
	r, _ := x.Dims()
	if r == 0 {
		return nil, ErrEmptySplit
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	if y != nil && len(y) != r {
		return nil, fmt.Errorf("%w: %d labels for %d rows", ErrShapeMismatch, len(y), r)
	}
	l := &FastLoader{x: x, y: y, batchSize: batchSize, rng: rng}
	l.reshuffle()
	return l, nil
}

func (l *FastLoader) reshuffle() {
	r, _ := l.x.Dims()
	l.perm = l.rng.Perm(r)
	l.pos = 0
}

// Next returns the next batch of rows and their labels (nil without labels).
func (l *FastLoader) Next() (*mat.Dense, []float64) {
	if l.pos >= len(l.perm) {
		l.reshuffle()
	}
	end := min(l.pos+l.batchSize, len(l.perm))
	idx := l.perm[l.pos:end]
	l.pos = end

	_, c := l.x.Dims()
	xb := mat.NewDense(len(idx), c, nil)
	var yb []float64
	if l.y != nil {
		yb = make([]float64, len(idx))
	}
	for i, p := range idx {
		xb.SetRow(i, l.x.RawRowView(p))
		if yb != nil {
			yb[i] = l.y[p]
		}
	}
	return xb, yb
}
