package tabddpm

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// CatNaNPolicy selects how missing categorical cells are handled.
type CatNaNPolicy string

const (
	// CatNaNNone keeps missing cells as their own category.
	CatNaNNone         CatNaNPolicy = ""
	CatNaNMostFrequent CatNaNPolicy = "most_frequent"
)

// CatEncoding selects the representation of categorical columns.
type CatEncoding string

const (
	CatOrdinal CatEncoding = "ordinal"
	CatOneHot  CatEncoding = "one-hot"
)

const (
	catMissingValue = "__nan__"
	catRareValue    = "__rare__"
)

// CategoricalEncoder maps string category columns to class indices. It is
// fitted on the training rows only; categories are sorted per column.
type CategoricalEncoder struct {
	nanPolicy    CatNaNPolicy
	mostFrequent []string
	popular      []map[string]bool // nil when rare folding is off
	categories   [][]string
	index        []map[string]int
}

// FitCategoricalEncoder learns the alphabet of every column of rows.
// minFrequency > 0 folds categories seen in fewer than
// round(minFrequency*len(rows)) training rows into one rare category.
func FitCategoricalEncoder(rows [][]string, nanPolicy CatNaNPolicy, minFrequency float64) (*CategoricalEncoder, error) {
	if len(rows) == 0 {
		return nil, ErrEmptySplit
	}
	switch nanPolicy {
	case CatNaNNone, CatNaNMostFrequent:
	default:
		return nil, fmt.Errorf("unknown categorical nan policy %q", nanPolicy)
	}
	d := len(rows[0])
	e := &CategoricalEncoder{nanPolicy: nanPolicy}

	if nanPolicy == CatNaNMostFrequent {
		e.mostFrequent = make([]string, d)
		for j := 0; j < d; j++ {
			counts := make(map[string]int)
			for _, r := range rows {
				if !isMissing(r[j]) {
					counts[r[j]]++
				}
			}
			e.mostFrequent[j] = mostCommon(counts)
		}
	}

	filled := e.fillMissing(rows)
	if minFrequency > 0 {
		minCount := int(math.Round(minFrequency * float64(len(rows))))
		e.popular = make([]map[string]bool, d)
		for j := 0; j < d; j++ {
			counts := make(map[string]int)
			for _, r := range filled {
				counts[r[j]]++
			}
			e.popular[j] = make(map[string]bool)
			for v, c := range counts {
				if c >= minCount {
					e.popular[j][v] = true
				}
			}
		}
	}

	prepared := e.foldRare(filled)
	e.categories = make([][]string, d)
	e.index = make([]map[string]int, d)
	for j := 0; j < d; j++ {
		seen := make(map[string]bool)
		for _, r := range prepared {
			seen[r[j]] = true
		}
		cats := make([]string, 0, len(seen))
		for v := range seen {
			cats = append(cats, v)
		}
		sort.Strings(cats)
		e.categories[j] = cats
		e.index[j] = make(map[string]int, len(cats))
		for k, v := range cats {
			e.index[j][v] = k
		}
	}
	return e, nil
}

// mostCommon returns the most frequent key, breaking ties by the smallest.
func mostCommon(counts map[string]int) string {
	best, bestCount := "", -1
	for v, c := range counts {
		if c > bestCount || (c == bestCount && v < best) {
			best, bestCount = v, c
		}
	}
	if bestCount < 0 {
		return catMissingValue
	}
	return best
}

func (e *CategoricalEncoder) fillMissing(rows [][]string) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		o := make([]string, len(r))
		for j, v := range r {
			switch {
			case !isMissing(v):
				o[j] = v
			case e.nanPolicy == CatNaNMostFrequent:
				o[j] = e.mostFrequent[j]
			default:
				o[j] = catMissingValue
			}
		}
		out[i] = o
	}
	return out
}

func (e *CategoricalEncoder) foldRare(rows [][]string) [][]string {
	if e.popular == nil {
		return rows
	}
	for _, r := range rows {
		for j, v := range r {
			if !e.popular[j][v] {
				r[j] = catRareValue
			}
		}
	}
	return rows
}

// Sizes returns the alphabet size of every column.
func (e *CategoricalEncoder) Sizes() []int {
	out := make([]int, len(e.categories))
	for j, c := range e.categories {
		out[j] = len(c)
	}
	return out
}

// Categories returns the sorted alphabet of column j.
func (e *CategoricalEncoder) Categories(j int) []string { return e.categories[j] }

// Encode maps rows to class indices. A category never seen in training
// falls back to the rare category when the column has one and fails with
// ErrUnknownCategory otherwise.
func (e *CategoricalEncoder) Encode(rows [][]string) ([][]int, error) {
	prepared := e.foldRare(e.fillMissing(rows))
	out := make([][]int, len(prepared))
	for i, r := range prepared {
		if len(r) != len(e.categories) {
			return nil, fmt.Errorf("%w: row %d has %d categorical columns, want %d", ErrShapeMismatch, i, len(r), len(e.categories))
		}
		codes := make([]int, len(r))
		for j, v := range r {
			k, ok := e.lookup(j, v)
			if !ok {
				return nil, fmt.Errorf("%w: %q in column %d", ErrUnknownCategory, v, j)
			}
			codes[j] = k
		}
		out[i] = codes
	}
	return out, nil
}

func (e *CategoricalEncoder) lookup(j int, v string) (int, bool) {
	if k, ok := e.index[j][v]; ok {
		return k, true
	}
	k, ok := e.index[j][catRareValue]
	return k, ok
}

// UnknownRows returns the indices of rows holding a category that Encode
// would reject.
func (e *CategoricalEncoder) UnknownRows(rows [][]string) []int {
	var bad []int
	for i, r := range e.foldRare(e.fillMissing(rows)) {
		for j, v := range r {
			if j >= len(e.index) {
				break
			}
			if _, ok := e.lookup(j, v); !ok {
				bad = append(bad, i)
				break
			}
		}
	}
	return bad
}

// Decode maps class indices back to category labels. The missing marker
// decodes to an empty cell.
func (e *CategoricalEncoder) Decode(codes [][]int) ([][]string, error) {
	out := make([][]string, len(codes))
	for i, r := range codes {
		if len(r) != len(e.categories) {
			return nil, fmt.Errorf("%w: row %d has %d categorical columns, want %d", ErrShapeMismatch, i, len(r), len(e.categories))
		}
		labels := make([]string, len(r))
		for j, k := range r {
			if k < 0 || k >= len(e.categories[j]) {
				return nil, fmt.Errorf("%w: index %d in column %d of size %d", ErrUnknownCategory, k, j, len(e.categories[j]))
			}
			labels[j] = e.categories[j][k]
			if labels[j] == catMissingValue {
				labels[j] = ""
			}
		}
		out[i] = labels
	}
	return out, nil
}

// OneHotWidth is the total width of the one-hot representation.
func (e *CategoricalEncoder) OneHotWidth() int {
	w := 0
	for _, c := range e.categories {
		w += len(c)
	}
	return w
}

// OneHot expands class indices to concatenated indicator vectors.
func (e *CategoricalEncoder) OneHot(codes [][]int) [][]float64 {
	w := e.OneHotWidth()
	out := make([][]float64, len(codes))
	for i, r := range codes {
		o := make([]float64, w)
		off := 0
		for j, k := range r {
			o[off+k] = 1
			off += len(e.categories[j])
		}
		out[i] = o
	}
	return out
}

// FromOneHot picks the largest entry of every column group.
func (e *CategoricalEncoder) FromOneHot(rows [][]float64) [][]int {
	out := make([][]int, len(rows))
	for i, r := range rows {
		codes := make([]int, len(e.categories))
		off := 0
		for j, c := range e.categories {
			codes[j] = floats.MaxIdx(r[off : off+len(c)])
			off += len(c)
		}
		out[i] = codes
	}
	return out
}
