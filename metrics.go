// metrics.go
package tabddpm

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ImputeScores summarizes how well imputed target columns match the real one.
type ImputeScores struct {
	MicroF1  float64
	MicroAUC float64
}

// labelOneHot fits a one-hot alphabet on real labels.
type labelOneHot struct {
	categories []string
	index      map[string]int
}

func fitLabelOneHot(labels []string) *labelOneHot {
	seen := make(map[string]bool)
	for _, v := range labels {
		seen[v] = true
	}
	enc := &labelOneHot{index: make(map[string]int, len(seen))}
	for v := range seen {
		enc.categories = append(enc.categories, v)
	}
	sort.Strings(enc.categories)
	for i, v := range enc.categories {
		enc.index[v] = i
	}
	return enc
}

func (e *labelOneHot) transform(labels []string) ([][]float64, error) {
	out := make([][]float64, len(labels))
	for i, v := range labels {
		k, ok := e.index[v]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, v)
		}
		row := make([]float64, len(e.categories))
		row[k] = 1
		out[i] = row
	}
	return out, nil
}

// ComputeImputeScores one-hot encodes the true labels, averages the one-hot
// votes of every imputation run and scores the result: micro-F1 of the
// argmax prediction and micro-averaged ROC AUC over the flattened
// indicator matrix. Imputed labels absent from the real alphabet fail with
// ErrUnknownCategory; a flattened truth holding one class fails with
// ErrSingleClass.
func ComputeImputeScores(truth []string, runs [][]string) (ImputeScores, error) {
	if len(truth) == 0 || len(runs) == 0 {
		return ImputeScores{}, ErrEmptySplit
	}
	enc := fitLabelOneHot(truth)
	realY, _ := enc.transform(truth)

	k := len(enc.categories)
	synY := make([][]float64, len(truth))
	for i := range synY {
		synY[i] = make([]float64, k)
	}
	for r, run := range runs {
		if len(run) != len(truth) {
			return ImputeScores{}, fmt.Errorf("%w: run %d has %d rows, real has %d", ErrShapeMismatch, r, len(run), len(truth))
		}
		oh, err := enc.transform(run)
		if err != nil {
			return ImputeScores{}, fmt.Errorf("run %d: %w", r, err)
		}
		for i := range oh {
			floats.Add(synY[i], oh[i])
		}
	}
	for i := range synY {
		floats.Scale(1/float64(len(runs)), synY[i])
	}

	correct := 0
	for i := range realY {
		if ArgMax(realY[i]) == ArgMax(synY[i]) {
			correct++
		}
	}
	scores := ImputeScores{MicroF1: float64(correct) / float64(len(realY))}

	var y []float64
	var classes []bool
	for i := range realY {
		for j := range realY[i] {
			y = append(y, synY[i][j])
			classes = append(classes, realY[i][j] == 1)
		}
	}
	auc, err := RocAUC(y, classes)
	if err != nil {
		return ImputeScores{}, err
	}
	scores.MicroAUC = auc
	return scores, nil
}

// RocAUC is the area under the ROC curve of scores y for binary classes.
func RocAUC(y []float64, classes []bool) (float64, error) {
	if len(y) != len(classes) {
		return 0, fmt.Errorf("%w: %d scores for %d labels", ErrShapeMismatch, len(y), len(classes))
	}
	pos := 0
	for _, c := range classes {
		if c {
			pos++
		}
	}
	if pos == 0 || pos == len(classes) {
		return 0, ErrSingleClass
	}
	ys := append([]float64(nil), y...)
	cs := append([]bool(nil), classes...)
	stat.SortWeightedLabeled(ys, cs, nil)
	tpr, fpr, _ := stat.ROC(nil, ys, cs, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}
