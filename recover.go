package tabddpm

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// SplitNumCatTarget cuts generated rows into original-scale numeric values,
// category labels and target cells. labels carries the conditioning values
// used during sampling and is required when the dataset is label-conditioned.
func (d *Dataset) SplitNumCatTarget(gen *mat.Dense, labels []float64) (num [][]float64, cat [][]string, target []string, err error) {
	r, c := gen.Dims()
	nNum, nCat := d.NumNumericalFeatures(), len(d.CategorySizes())
	if c != nNum+nCat {
		return nil, nil, nil, fmt.Errorf("%w: generated rows have %d columns, dataset expects %d", ErrShapeMismatch, c, nNum+nCat)
	}

	numRows := make([][]float64, r)
	codes := make([][]int, r)
	for i := 0; i < r; i++ {
		row := gen.RawRowView(i)
		numRows[i] = slices.Clone(row[:nNum])
		codes[i] = make([]int, nCat)
		for j := 0; j < nCat; j++ {
			codes[i][j] = int(math.Round(row[nNum+j]))
		}
	}
	num, ohCodes := d.InverseNumeric(numRows)
	if ohCodes != nil {
		codes = ohCodes
	}
	if d.catEncoder != nil {
		if cat, err = d.InverseCategorical(codes); err != nil {
			return nil, nil, nil, err
		}
	} else {
		cat = make([][]string, r)
	}

	switch {
	case d.IsYCond:
		if len(labels) != r {
			return nil, nil, nil, fmt.Errorf("%w: %d labels for %d generated rows", ErrShapeMismatch, len(labels), r)
		}
		if target, err = d.InverseTarget(labels); err != nil {
			return nil, nil, nil, err
		}
	case d.TaskType.IsClassification():
		target = make([]string, r)
		for i := range cat {
			target[i] = cat[i][0]
			cat[i] = cat[i][1:]
		}
	default:
		target = make([]string, r)
		for i := range num {
			target[i] = formatNumeric(num[i][0])
			num[i] = num[i][1:]
		}
	}
	return num, cat, target, nil
}

// RecoverTable reassembles columns in their original order using
// info.IdxMapping and names them with info.IdxNameMapping.
func RecoverTable(num [][]float64, cat [][]string, target []string, info *Info) (*Table, error) {
	nNum, nCat := len(info.NumColIdx), len(info.CatColIdx)
	n := info.NumColumns()
	t := &Table{Header: make([]string, n), Rows: make([][]string, len(target))}
	for idx := 0; idx < n; idx++ {
		name, ok := info.IdxNameMapping[idx]
		if !ok {
			return nil, fmt.Errorf("idx_name_mapping has no entry for column %d", idx)
		}
		t.Header[idx] = name
	}
	isNum := func(idx int) bool { return slices.Contains(info.NumColIdx, idx) }
	isCat := func(idx int) bool { return slices.Contains(info.CatColIdx, idx) }

	for i := range t.Rows {
		row := make([]string, n)
		for idx := 0; idx < n; idx++ {
			pos, ok := info.IdxMapping[idx]
			if !ok {
				return nil, fmt.Errorf("idx_mapping has no entry for column %d", idx)
			}
			switch {
			case isNum(idx):
				if pos >= len(num[i]) {
					return nil, fmt.Errorf("%w: numeric position %d, have %d", ErrShapeMismatch, pos, len(num[i]))
				}
				row[idx] = formatNumeric(num[i][pos])
			case isCat(idx):
				p := pos - nNum
				if p < 0 || p >= len(cat[i]) {
					return nil, fmt.Errorf("%w: categorical position %d, have %d", ErrShapeMismatch, p, len(cat[i]))
				}
				row[idx] = cat[i][p]
			default:
				if pos-nNum-nCat != 0 {
					return nil, fmt.Errorf("%w: target position %d", ErrShapeMismatch, pos-nNum-nCat)
				}
				row[idx] = target[i]
			}
		}
		t.Rows[i] = row
	}
	return t, nil
}
