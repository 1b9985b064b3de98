package tabddpm

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Split names a partition of the dataset.
type Split string

const (
	SplitTrain Split = "train"
	SplitVal   Split = "val"
	SplitTest  Split = "test"
)

// changeValFraction is the share of pooled training rows moved to val.
const changeValFraction = 0.2

// Transformations configures preprocessing. Zero values mean "off".
type Transformations struct {
	Seed            uint64
	Normalization   Normalization
	NumNaNPolicy    NumNaNPolicy
	CatNaNPolicy    CatNaNPolicy
	CatMinFrequency float64
	CatEncoding     CatEncoding
	YPolicy         string // "default" standardizes regression targets
}

// MakeOptions controls how columns are assembled.
type MakeOptions struct {
	// TaskType overrides info.json when set.
	TaskType TaskType
	// IsYCond keeps the target out of the diffused row; it is then passed
	// to the network as a conditioning label instead.
	IsYCond bool
	// ChangeVal pools train and val after fitting the transforms and carves
	// a fresh validation split from them.
	ChangeVal bool
	// Logger receives warnings about rows dropped from val and test. nil
	// means logrus.New().
	Logger *logrus.Logger
}

// Dataset holds the transformed splits plus everything needed to invert
// generated rows. Transforms are fitted on the train split once.
//
// For classification without label conditioning the target is the first
// column of the categorical block; for regression it is the first column of
// the numeric block.
type Dataset struct {
	Info     *Info
	TaskType TaskType
	IsYCond  bool

	XNum map[Split][][]float64
	XCat map[Split][][]int
	Y    map[Split][]float64

	numTransform  NumericTransform
	numImputer    *numImputer
	catEncoder    *CategoricalEncoder
	oneHot        bool
	numRawWidth   int
	targetEncoder *CategoricalEncoder
	yMean, yStd   float64
	yStandardized bool
	logger        *logrus.Logger
}

// rawSplit is one split before any transform.
type rawSplit struct {
	num    [][]float64
	cat    [][]string
	target []string
}

func readRawSplit(t *Table, info *Info) (*rawSplit, error) {
	rs := &rawSplit{}
	for i, row := range t.Rows {
		num := make([]float64, len(info.NumColIdx))
		for j, idx := range info.NumColIdx {
			v, err := parseNumeric(row[idx])
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, t.Header[idx], err)
			}
			num[j] = v
		}
		cat := make([]string, len(info.CatColIdx))
		for j, idx := range info.CatColIdx {
			cat[j] = row[idx]
		}
		rs.num = append(rs.num, num)
		rs.cat = append(rs.cat, cat)
		rs.target = append(rs.target, row[info.TargetColIdx[0]])
	}
	return rs, nil
}

func (rs *rawSplit) dropRows(idx []int) {
	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
	}
	keep := func(i int) bool { return !drop[i] }
	var num [][]float64
	var cat [][]string
	var target []string
	for i := range rs.num {
		if keep(i) {
			num = append(num, rs.num[i])
			cat = append(cat, rs.cat[i])
			target = append(target, rs.target[i])
		}
	}
	rs.num, rs.cat, rs.target = num, cat, target
}

// readSplitTables loads train.csv and, when present, val.csv and test.csv.
func readSplitTables(dir string) (map[Split]*Table, error) {
	tables := make(map[Split]*Table)
	for _, s := range []Split{SplitTrain, SplitVal, SplitTest} {
		t, err := ReadCSV(filepath.Join(dir, string(s)+".csv"))
		if err != nil {
			if s != SplitTrain && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		tables[s] = t
	}
	return tables, nil
}

// MakeDataset reads info.json and the split CSV files from dir, fits the
// transforms on the train split and applies them to every split.
func MakeDataset(dir string, T Transformations, opts MakeOptions) (*Dataset, error) {
	info, err := LoadInfo(filepath.Join(dir, "info.json"))
	if err != nil {
		return nil, err
	}
	tables, err := readSplitTables(dir)
	if err != nil {
		return nil, err
	}
	return BuildDataset(info, tables, T, opts)
}

// BuildDataset is MakeDataset over already loaded tables.
func BuildDataset(info *Info, tables map[Split]*Table, T Transformations, opts MakeOptions) (*Dataset, error) {
	train, ok := tables[SplitTrain]
	if !ok || len(train.Rows) == 0 {
		return nil, fmt.Errorf("train split: %w", ErrEmptySplit)
	}
	if err := info.Complete(train.Header); err != nil {
		return nil, err
	}
	if len(info.TargetColIdx) != 1 {
		return nil, fmt.Errorf("exactly one target column is supported, info lists %d", len(info.TargetColIdx))
	}
	task := info.TaskType
	if opts.TaskType != "" {
		task = opts.TaskType
	}
	if _, err := ParseTaskType(string(task)); err != nil {
		return nil, err
	}

	raw := make(map[Split]*rawSplit)
	for s, t := range tables {
		if len(t.Header) != len(train.Header) {
			return nil, fmt.Errorf("%w: %s split has %d columns, train has %d", ErrShapeMismatch, s, len(t.Header), len(train.Header))
		}
		rs, err := readRawSplit(t, info)
		if err != nil {
			return nil, fmt.Errorf("%s split: %w", s, err)
		}
		raw[s] = rs
	}

	d := &Dataset{
		Info:     info,
		TaskType: task,
		IsYCond:  opts.IsYCond,
		XNum:     make(map[Split][][]float64),
		XCat:     make(map[Split][][]int),
		Y:        make(map[Split][]float64),
		oneHot:   T.CatEncoding == CatOneHot,
		logger:   opts.Logger,
	}
	if d.logger == nil {
		d.logger = logrus.New()
	}
	switch T.CatEncoding {
	case "", CatOrdinal, CatOneHot:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, T.CatEncoding)
	}

	if err := d.handleNumNaNs(raw, T.NumNaNPolicy); err != nil {
		return nil, err
	}
	if err := d.buildTarget(raw, T.YPolicy); err != nil {
		return nil, err
	}

	// assemble the blocks fed to the transforms
	numBlock := make(map[Split][][]float64)
	catBlock := make(map[Split][][]string)
	for s, rs := range raw {
		numBlock[s] = rs.num
		catBlock[s] = rs.cat
		if opts.IsYCond {
			continue
		}
		if task.IsClassification() {
			cb := make([][]string, len(rs.cat))
			for i, r := range rs.cat {
				cb[i] = append([]string{rs.target[i]}, r...)
			}
			catBlock[s] = cb
		} else {
			nb := make([][]float64, len(rs.num))
			for i, r := range rs.num {
				v, err := parseNumeric(rs.target[i])
				if err != nil {
					return nil, fmt.Errorf("%s split row %d target: %w", s, i, err)
				}
				nb[i] = append([]float64{v}, r...)
			}
			numBlock[s] = nb
		}
	}

	var err error
	if len(catBlock[SplitTrain][0]) > 0 {
		d.catEncoder, err = FitCategoricalEncoder(catBlock[SplitTrain], T.CatNaNPolicy, T.CatMinFrequency)
		if err != nil {
			return nil, err
		}
		for s, rows := range catBlock {
			if s != SplitTrain {
				if bad := d.catEncoder.UnknownRows(rows); len(bad) > 0 {
					d.warnDropped(s, len(bad), "category not seen in train")
					keep := keptIndices(len(rows), bad)
					rows = takeRows(rows, keep)
					numBlock[s] = takeRows(numBlock[s], keep)
					d.Y[s] = takeRows(d.Y[s], keep)
				}
			}
			codes, err := d.catEncoder.Encode(rows)
			if err != nil {
				return nil, fmt.Errorf("%s split: %w", s, err)
			}
			d.XCat[s] = codes
		}
	}

	d.numRawWidth = len(numBlock[SplitTrain][0])
	if d.numRawWidth > 0 {
		d.numTransform, err = FitNumericTransform(T.Normalization, numBlock[SplitTrain])
		if err != nil {
			return nil, err
		}
		for s, rows := range numBlock {
			if d.numTransform != nil {
				rows = d.numTransform.Transform(rows)
			}
			d.XNum[s] = rows
		}
	}

	if d.oneHot && d.catEncoder != nil {
		for s, codes := range d.XCat {
			oh := d.catEncoder.OneHot(codes)
			if d.numRawWidth == 0 {
				d.XNum[s] = oh
				continue
			}
			for i := range oh {
				d.XNum[s][i] = append(d.XNum[s][i], oh[i]...)
			}
		}
		d.XCat = make(map[Split][][]int)
	}

	if opts.ChangeVal {
		d.changeVal(T.Seed)
	}
	return d, nil
}

func (d *Dataset) handleNumNaNs(raw map[Split]*rawSplit, policy NumNaNPolicy) error {
	found := false
	for _, rs := range raw {
		if len(nanRows(rs.num)) > 0 {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	switch policy {
	case NumNaNMean:
		d.numImputer = fitNumImputer(raw[SplitTrain].num)
		for _, rs := range raw {
			d.numImputer.apply(rs.num)
		}
	case NumNaNDropRows:
		for _, rs := range raw {
			rs.dropRows(nanRows(rs.num))
		}
		if len(raw[SplitTrain].num) == 0 {
			return fmt.Errorf("train split after dropping nan rows: %w", ErrEmptySplit)
		}
	case NumNaNNone:
		return fmt.Errorf("numeric columns hold missing values and num_nan_policy is unset")
	default:
		return fmt.Errorf("%w: num_nan_policy %q", ErrUnknownPolicy, policy)
	}
	return nil
}

// buildTarget fills Y: class indices for classification, optionally
// standardized values for regression.
func (d *Dataset) buildTarget(raw map[Split]*rawSplit, yPolicy string) error {
	if d.TaskType.IsClassification() {
		rows := make([][]string, len(raw[SplitTrain].target))
		for i, v := range raw[SplitTrain].target {
			rows[i] = []string{v}
		}
		enc, err := FitCategoricalEncoder(rows, CatNaNNone, 0)
		if err != nil {
			return err
		}
		d.targetEncoder = enc
		for s, rs := range raw {
			if s != SplitTrain {
				labels := make([][]string, len(rs.target))
				for i, v := range rs.target {
					labels[i] = []string{v}
				}
				if bad := enc.UnknownRows(labels); len(bad) > 0 {
					d.warnDropped(s, len(bad), "target class not seen in train")
					rs.dropRows(bad)
				}
			}
			y := make([]float64, len(rs.target))
			for i, v := range rs.target {
				codes, err := enc.Encode([][]string{{v}})
				if err != nil {
					return fmt.Errorf("%s split target: %w", s, err)
				}
				y[i] = float64(codes[0][0])
			}
			d.Y[s] = y
		}
		return nil
	}

	for s, rs := range raw {
		y := make([]float64, len(rs.target))
		for i, v := range rs.target {
			f, err := parseNumeric(v)
			if err != nil {
				return fmt.Errorf("%s split row %d target: %w", s, i, err)
			}
			y[i] = f
		}
		d.Y[s] = y
	}
	switch yPolicy {
	case "":
	case "default":
		d.yMean = stat.Mean(d.Y[SplitTrain], nil)
		d.yStd = stat.PopStdDev(d.Y[SplitTrain], nil)
		if d.yStd == 0 {
			d.yStd = 1
		}
		d.yStandardized = true
		for _, y := range d.Y {
			for i := range y {
				y[i] = (y[i] - d.yMean) / d.yStd
			}
		}
	default:
		return fmt.Errorf("%w: y_policy %q", ErrUnknownPolicy, yPolicy)
	}
	return nil
}

// warnDropped logs rows removed from an evaluation split. Only train feeds
// the diffusion, so val and test rows the encoders cannot represent are
// skipped instead of failing the build.
func (d *Dataset) warnDropped(s Split, n int, reason string) {
	d.logger.WithFields(logrus.Fields{"split": s, "rows": n, "reason": reason}).Warn("dropped rows")
}

// changeVal pools train and val rows and re-splits them 80/20.
func (d *Dataset) changeVal(seed uint64) {
	n := len(d.Y[SplitTrain]) + len(d.Y[SplitVal])
	pool := func(s1, s2 []float64) []float64 { return append(slices.Clone(s1), s2...) }
	y := pool(d.Y[SplitTrain], d.Y[SplitVal])
	var num [][]float64
	if d.XNum[SplitTrain] != nil {
		num = append(slices.Clone(d.XNum[SplitTrain]), d.XNum[SplitVal]...)
	}
	var cat [][]int
	if d.XCat[SplitTrain] != nil {
		cat = append(slices.Clone(d.XCat[SplitTrain]), d.XCat[SplitVal]...)
	}
	trainIdx, valIdx := SplitIndices(n, 1-changeValFraction, newRand(seed))
	d.Y[SplitTrain], d.Y[SplitVal] = takeRows(y, trainIdx), takeRows(y, valIdx)
	if num != nil {
		d.XNum[SplitTrain], d.XNum[SplitVal] = takeRows(num, trainIdx), takeRows(num, valIdx)
	}
	if cat != nil {
		d.XCat[SplitTrain], d.XCat[SplitVal] = takeRows(cat, trainIdx), takeRows(cat, valIdx)
	}
}

// Size is the number of rows in split.
func (d *Dataset) Size(s Split) int { return len(d.Y[s]) }

// NumNumericalFeatures is the width of the Gaussian segment, including one-hot
// columns and a regression target.
func (d *Dataset) NumNumericalFeatures() int {
	rows := d.XNum[SplitTrain]
	if len(rows) == 0 {
		return 0
	}
	return len(rows[0])
}

// CategorySizes returns the alphabet size of every categorical column of
// the diffused row. It is empty under one-hot encoding.
func (d *Dataset) CategorySizes() []int {
	if d.catEncoder == nil || d.oneHot {
		return nil
	}
	return d.catEncoder.Sizes()
}

// NumClasses is the number of target classes, or 0 for regression.
func (d *Dataset) NumClasses() int {
	if d.targetEncoder == nil {
		return 0
	}
	return d.targetEncoder.Sizes()[0]
}

// ClassCounts counts the train rows of every target class.
func (d *Dataset) ClassCounts() ([]int, error) {
	if !d.TaskType.IsClassification() {
		return nil, ErrNotClassification
	}
	counts := make([]int, d.NumClasses())
	for _, y := range d.Y[SplitTrain] {
		counts[int(y)]++
	}
	return counts, nil
}

// Matrix returns split as diffusion rows: numeric block then category
// indices.
func (d *Dataset) Matrix(s Split) (*mat.Dense, error) {
	n := d.Size(s)
	if n == 0 {
		return nil, fmt.Errorf("%s split: %w", s, ErrEmptySplit)
	}
	nNum, nCat := d.NumNumericalFeatures(), len(d.CategorySizes())
	m := mat.NewDense(n, nNum+nCat, nil)
	for i := 0; i < n; i++ {
		row := m.RawRowView(i)
		if nNum > 0 {
			copy(row, d.XNum[s][i])
		}
		for j := 0; j < nCat; j++ {
			row[nNum+j] = float64(d.XCat[s][i][j])
		}
	}
	return m, nil
}

// InverseNumeric maps rows of the numeric block back to the original scale.
// Under one-hot encoding it also returns the decoded category indices of
// the trailing indicator columns.
func (d *Dataset) InverseNumeric(rows [][]float64) ([][]float64, [][]int) {
	numPart := make([][]float64, len(rows))
	var ohPart [][]float64
	for i, r := range rows {
		numPart[i] = r[:d.numRawWidth]
		if d.oneHot && d.catEncoder != nil {
			ohPart = append(ohPart, r[d.numRawWidth:])
		}
	}
	if d.numTransform != nil && d.numRawWidth > 0 {
		numPart = d.numTransform.Inverse(numPart)
	}
	var codes [][]int
	if ohPart != nil {
		codes = d.catEncoder.FromOneHot(ohPart)
	}
	return numPart, codes
}

// InverseCategorical decodes category indices to labels.
func (d *Dataset) InverseCategorical(codes [][]int) ([][]string, error) {
	if d.catEncoder == nil {
		return make([][]string, len(codes)), nil
	}
	return d.catEncoder.Decode(codes)
}

// InverseTarget maps model labels (class indices or standardized values)
// back to target cells.
func (d *Dataset) InverseTarget(y []float64) ([]string, error) {
	out := make([]string, len(y))
	if d.targetEncoder != nil {
		for i, v := range y {
			labels, err := d.targetEncoder.Decode([][]int{{int(v)}})
			if err != nil {
				return nil, err
			}
			out[i] = labels[0][0]
		}
		return out, nil
	}
	for i, v := range y {
		if d.yStandardized {
			v = v*d.yStd + d.yMean
		}
		out[i] = formatNumeric(v)
	}
	return out, nil
}
