package tabddpm

// Column deviation report: compares aggregate statistics of a synthetic
// table against the real one and buckets the relative deviations.
//
//	0-10%    close match
//	10-50%   noticeable drift
//	above 50% failure

import (
	"fmt"
	"math"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// failureDeviation is the percentage above which a statistic counts as failed.
const failureDeviation = 50

// DeviationBucket represents a specific deviation range
type DeviationBucket struct {
	RangeMin float64 `json:"range_min"`
	RangeMax float64 `json:"range_max"`
	Count    int     `json:"count"`
}

// DeviationResult is one compared statistic.
type DeviationResult struct {
	Column    string  `json:"column"`
	Statistic string  `json:"statistic"`
	Expected  float64 `json:"expected"`
	Actual    float64 `json:"actual"`
	Deviation float64 `json:"deviation"`
	Bucket    string  `json:"bucket"`
}

// DeviationReport stores the full comparison breakdown
type DeviationReport struct {
	Buckets  map[string]DeviationBucket `json:"buckets"`
	Results  []DeviationResult          `json:"results"`
	Score    float64                    `json:"score"`
	Total    int                        `json:"total"`
	Failures int                        `json:"failures"`
}

// NewDeviationReport initializes an empty report
func NewDeviationReport() *DeviationReport {
	return &DeviationReport{
		Buckets: map[string]DeviationBucket{
			"0-10%":   {0, 10, 0},
			"10-20%":  {10, 20, 0},
			"20-30%":  {20, 30, 0},
			"30-40%":  {30, 40, 0},
			"40-50%":  {40, 50, 0},
			"50-100%": {50, 100, 0},
			"100%+":   {100, math.Inf(1), 0},
		},
	}
}

// deviationBucket returns the percentage deviation of actual from expected
// and the bucket it falls into.
func deviationBucket(expected, actual float64) (float64, string) {
	var deviation float64
	if math.Abs(expected) < 1e-10 {
		deviation = math.Abs(actual-expected) * 100
	} else {
		deviation = math.Abs((actual - expected) / expected * 100)
	}
	if math.IsNaN(deviation) {
		deviation = math.Inf(1)
	}

	switch {
	case deviation <= 10:
		return deviation, "0-10%"
	case deviation <= 20:
		return deviation, "10-20%"
	case deviation <= 30:
		return deviation, "20-30%"
	case deviation <= 40:
		return deviation, "30-40%"
	case deviation <= 50:
		return deviation, "40-50%"
	case deviation <= 100:
		return deviation, "50-100%"
	}
	return deviation, "100%+"
}

// Add records one statistic and updates the running score.
func (r *DeviationReport) Add(column, statistic string, expected, actual float64) {
	dev, name := deviationBucket(expected, actual)
	b := r.Buckets[name]
	b.Count++
	r.Buckets[name] = b
	r.Results = append(r.Results, DeviationResult{
		Column: column, Statistic: statistic,
		Expected: expected, Actual: actual,
		Deviation: dev, Bucket: name,
	})
	r.Total++
	if dev > failureDeviation {
		r.Failures++
	}
	r.Score += math.Max(0, 100-dev)
}

// FinalScore is the mean per-statistic score in [0, 100].
func (r *DeviationReport) FinalScore() float64 {
	if r.Total == 0 {
		return 0
	}
	return math.Max(0, r.Score/float64(r.Total))
}

// CompareTables compares synthetic against reference column by column: mean and
// standard deviation of numeric columns, and the frequency of every reference
// category in categorical and classification target columns. Columns are
// matched by name.
func CompareTables(reference, synthetic *Table, info *Info) (*DeviationReport, error) {
	r := NewDeviationReport()
	for idx, name := range info.ColumnNames {
		ri, si := reference.ColumnIndex(name), synthetic.ColumnIndex(name)
		if ri < 0 || si < 0 {
			return nil, fmt.Errorf("column %q missing from one of the tables", name)
		}
		numeric := slices.Contains(info.NumColIdx, idx) ||
			(slices.Contains(info.TargetColIdx, idx) && !info.TaskType.IsClassification())
		if numeric {
			rv, err := parseColumn(reference.Column(ri))
			if err != nil {
				return nil, fmt.Errorf("real column %q: %w", name, err)
			}
			sv, err := parseColumn(synthetic.Column(si))
			if err != nil {
				return nil, fmt.Errorf("synthetic column %q: %w", name, err)
			}
			rm, rs := stat.MeanStdDev(rv, nil)
			sm, ss := stat.MeanStdDev(sv, nil)
			r.Add(name, "mean", rm, sm)
			r.Add(name, "std", rs, ss)
			continue
		}
		rf := frequencies(reference.Column(ri))
		sf := frequencies(synthetic.Column(si))
		cats := make([]string, 0, len(rf))
		for c := range rf {
			cats = append(cats, c)
		}
		slices.Sort(cats)
		for _, c := range cats {
			r.Add(name, "freq:"+c, rf[c], sf[c])
		}
	}
	return r, nil
}

func parseColumn(cells []string) ([]float64, error) {
	out := make([]float64, 0, len(cells))
	for _, c := range cells {
		if isMissing(c) {
			continue
		}
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func frequencies(cells []string) map[string]float64 {
	out := make(map[string]float64)
	for _, c := range cells {
		out[c]++
	}
	for k := range out {
		out[k] /= float64(len(cells))
	}
	return out
}
