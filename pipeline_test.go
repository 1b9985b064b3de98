package tabddpm

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"gonum.org/v1/gonum/mat"
)

var toyHeader = []string{"age", "color", "income", "size", "score", "label"}

// toyTables builds n rows with numeric columns age, income and score,
// categorical columns color (2 values) and size (4 values) and a binary
// label that depends on income.
func toyTables(n int) (*Info, map[Split]*Table) {
	rng := newRand(21)
	colors := []string{"red", "blue"}
	sizes := []string{"S", "M", "L", "XL"}
	rows := make([][]string, n)
	for i := range rows {
		age := 20 + rng.Float64()*40
		income := 1000 + rng.NormFloat64()*300
		label := "no"
		if income > 1000 {
			label = "yes"
		}
		rows[i] = []string{
			strconv.FormatFloat(age, 'f', 2, 64),
			colors[i%2],
			strconv.FormatFloat(income, 'f', 2, 64),
			sizes[i%4],
			strconv.FormatFloat(rng.ExpFloat64(), 'f', 3, 64),
			label,
		}
	}
	info := &Info{
		Name:         "toy",
		TaskType:     BinClass,
		NumColIdx:    []int{0, 2, 4},
		CatColIdx:    []int{1, 3},
		TargetColIdx: []int{5},
	}
	train := &Table{Header: slices.Clone(toyHeader), Rows: rows}
	return info, map[Split]*Table{SplitTrain: train}
}

func toyOptions(ds *Dataset, yCond bool) Options {
	return Options{
		Dataset:   ds,
		ModelType: ModelMLP,
		ModelParams: ModelParams{
			IsYCond: yCond,
			DimT:    16,
			RTDL:    RTDLParams{DLayers: []int{32, 32}},
		},
		Diffusion: DiffusionParams{NumTimesteps: 20, GaussianLossType: "mse", Scheduler: "cosine"},
		Seed:      3,
		Logger:    quietLogger(),
	}
}

// numericBounds returns per-column [min, max] widened by half the range on
// each side.
func numericBounds(t *testing.T, train *Table, cols []int) map[int][2]float64 {
	t.Helper()
	out := make(map[int][2]float64, len(cols))
	for _, j := range cols {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, row := range train.Rows {
			v, err := strconv.ParseFloat(row[j], 64)
			if err != nil {
				t.Fatalf("train %s = %q: %v", toyHeader[j], row[j], err)
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		margin := 0.5 * (hi - lo)
		out[j] = [2]float64{lo - margin, hi + margin}
	}
	return out
}

func checkSynthetic(t *testing.T, table *Table, n int, train *Table) {
	t.Helper()
	bounds := numericBounds(t, train, []int{0, 2, 4})
	if !slices.Equal(table.Header, toyHeader) {
		t.Fatalf("Header = %v, want %v", table.Header, toyHeader)
	}
	if len(table.Rows) != n {
		t.Fatalf("got %d rows, want %d", len(table.Rows), n)
	}
	for i, row := range table.Rows {
		for _, j := range []int{0, 2, 4} {
			v, err := strconv.ParseFloat(row[j], 64)
			if err != nil {
				t.Fatalf("row %d column %s = %q is not numeric", i, toyHeader[j], row[j])
			}
			if b := bounds[j]; v < b[0] || v > b[1] {
				t.Fatalf("row %d column %s = %v outside [%v, %v]", i, toyHeader[j], v, b[0], b[1])
			}
		}
		if !slices.Contains([]string{"red", "blue"}, row[1]) {
			t.Fatalf("row %d color = %q", i, row[1])
		}
		if !slices.Contains([]string{"S", "M", "L", "XL"}, row[3]) {
			t.Fatalf("row %d size = %q", i, row[3])
		}
		if row[5] != "yes" && row[5] != "no" {
			t.Fatalf("row %d label = %q", i, row[5])
		}
	}
}

func TestBuildDatasetLayout(t *testing.T) {
	info, tables := toyTables(100)
	ds, err := BuildDataset(info, tables, Transformations{Normalization: NormQuantile}, MakeOptions{})
	if err != nil {
		t.Fatalf("BuildDataset() error = %v", err)
	}
	if ds.NumNumericalFeatures() != 3 {
		t.Fatalf("NumNumericalFeatures() = %d, want 3", ds.NumNumericalFeatures())
	}
	// the label leads the categorical block
	if got := ds.CategorySizes(); !slices.Equal(got, []int{2, 2, 4}) {
		t.Fatalf("CategorySizes() = %v, want [2 2 4]", got)
	}
	m, err := ds.Matrix(SplitTrain)
	if err != nil {
		t.Fatalf("Matrix() error = %v", err)
	}
	if r, c := m.Dims(); r != 100 || c != 6 {
		t.Fatalf("Matrix dims = %dx%d, want 100x6", r, c)
	}

	// rows of the train matrix invert back to the source table
	num, cat, target, err := ds.SplitNumCatTarget(m, nil)
	if err != nil {
		t.Fatalf("SplitNumCatTarget() error = %v", err)
	}
	table, err := RecoverTable(num, cat, target, ds.Info)
	if err != nil {
		t.Fatalf("RecoverTable() error = %v", err)
	}
	src := tables[SplitTrain].Rows
	for i := range src {
		for _, j := range []int{1, 3, 5} {
			if table.Rows[i][j] != src[i][j] {
				t.Fatalf("row %d column %s: %q, want %q", i, toyHeader[j], table.Rows[i][j], src[i][j])
			}
		}
	}
}

func TestBuildDatasetOneHotAndYCond(t *testing.T) {
	info, tables := toyTables(60)
	ds, err := BuildDataset(info, tables, Transformations{Normalization: NormStandard, CatEncoding: CatOneHot}, MakeOptions{IsYCond: true})
	if err != nil {
		t.Fatalf("BuildDataset() error = %v", err)
	}
	if ds.CategorySizes() != nil {
		t.Fatalf("CategorySizes() = %v under one-hot, want none", ds.CategorySizes())
	}
	if ds.NumNumericalFeatures() != 3+2+4 {
		t.Fatalf("NumNumericalFeatures() = %d, want 9", ds.NumNumericalFeatures())
	}
	if ds.NumClasses() != 2 {
		t.Fatalf("NumClasses() = %d, want 2", ds.NumClasses())
	}
	counts, err := ds.ClassCounts()
	if err != nil {
		t.Fatalf("ClassCounts() error = %v", err)
	}
	if counts[0]+counts[1] != 60 {
		t.Fatalf("ClassCounts() = %v", counts)
	}
}

func TestBuildDatasetChangeVal(t *testing.T) {
	info, tables := toyTables(80)
	tables[SplitVal] = &Table{Header: slices.Clone(toyHeader), Rows: tables[SplitTrain].Rows[:20]}
	ds, err := BuildDataset(info, tables, Transformations{Normalization: NormStandard, Seed: 1}, MakeOptions{ChangeVal: true})
	if err != nil {
		t.Fatalf("BuildDataset() error = %v", err)
	}
	if ds.Size(SplitTrain) != 80 || ds.Size(SplitVal) != 20 {
		t.Fatalf("split sizes after change_val = %d/%d, want 80/20", ds.Size(SplitTrain), ds.Size(SplitVal))
	}
}

func TestBuildDatasetErrors(t *testing.T) {
	info, tables := toyTables(20)
	if _, err := BuildDataset(info, tables, Transformations{Normalization: "robust"}, MakeOptions{}); !errors.Is(err, ErrUnknownNormalization) {
		t.Fatalf("normalization error = %v, want ErrUnknownNormalization", err)
	}
	info, tables = toyTables(20)
	if _, err := BuildDataset(info, tables, Transformations{CatEncoding: "hash"}, MakeOptions{}); !errors.Is(err, ErrUnknownEncoding) {
		t.Fatalf("encoding error = %v, want ErrUnknownEncoding", err)
	}
	info, tables = toyTables(20)
	tables[SplitTrain].Rows[3][0] = ""
	if _, err := BuildDataset(info, tables, Transformations{}, MakeOptions{}); err == nil {
		t.Fatal("expected error for missing numeric values without a policy")
	}
	info, tables = toyTables(20)
	tables[SplitTrain].Rows[3][0] = "NaN"
	ds, err := BuildDataset(info, tables, Transformations{NumNaNPolicy: NumNaNDropRows}, MakeOptions{})
	if err != nil {
		t.Fatalf("BuildDataset(drop-rows) error = %v", err)
	}
	if ds.Size(SplitTrain) != 19 {
		t.Fatalf("train size after drop-rows = %d, want 19", ds.Size(SplitTrain))
	}
}

func TestBuildDatasetSkipsUnseenEvalCategories(t *testing.T) {
	info, tables := toyTables(60)
	train := tables[SplitTrain].Rows
	green := slices.Clone(train[0])
	green[1] = "green"
	maybe := slices.Clone(train[1])
	maybe[5] = "maybe"
	tables[SplitTest] = &Table{Header: slices.Clone(toyHeader), Rows: [][]string{green, train[2], maybe, train[3]}}
	tables[SplitVal] = &Table{Header: slices.Clone(toyHeader), Rows: [][]string{train[4], green}}

	ds, err := BuildDataset(info, tables, Transformations{Normalization: NormStandard}, MakeOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("BuildDataset() error = %v", err)
	}
	if ds.Size(SplitTrain) != 60 || ds.Size(SplitTest) != 2 || ds.Size(SplitVal) != 1 {
		t.Fatalf("sizes train/val/test = %d/%d/%d, want 60/1/2", ds.Size(SplitTrain), ds.Size(SplitVal), ds.Size(SplitTest))
	}
	if len(ds.XNum[SplitTest]) != 2 || len(ds.XCat[SplitTest]) != 2 {
		t.Fatalf("test blocks out of step: %d numeric, %d categorical rows", len(ds.XNum[SplitTest]), len(ds.XCat[SplitTest]))
	}
	if _, err := ds.Matrix(SplitTest); err != nil {
		t.Fatalf("Matrix(test) error = %v", err)
	}

	// with rare folding the unseen value is kept as the rare category
	info, tables = toyTables(60)
	rows := tables[SplitTrain].Rows
	rows[0][3] = "XXL"
	green = slices.Clone(rows[1])
	green[3] = "tiny"
	tables[SplitTest] = &Table{Header: slices.Clone(toyHeader), Rows: [][]string{green}}
	ds, err = BuildDataset(info, tables, Transformations{Normalization: NormStandard, CatMinFrequency: 0.05}, MakeOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("BuildDataset(rare) error = %v", err)
	}
	if ds.Size(SplitTest) != 1 {
		t.Fatalf("test size with rare folding = %d, want 1", ds.Size(SplitTest))
	}
}

func TestMakeDatasetFromDir(t *testing.T) {
	dir := t.TempDir()
	info, tables := toyTables(40)
	if err := info.Save(filepath.Join(dir, "info.json")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := tables[SplitTrain].WriteCSV(filepath.Join(dir, "train.csv")); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	ds, err := MakeDataset(dir, Transformations{Normalization: NormMinMax}, MakeOptions{})
	if err != nil {
		t.Fatalf("MakeDataset() error = %v", err)
	}
	if ds.Size(SplitTrain) != 40 || ds.Size(SplitTest) != 0 {
		t.Fatalf("sizes = %d/%d", ds.Size(SplitTrain), ds.Size(SplitTest))
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	info, tables := toyTables(100)
	ds, err := BuildDataset(info, tables, Transformations{Normalization: NormQuantile}, MakeOptions{})
	if err != nil {
		t.Fatalf("BuildDataset() error = %v", err)
	}
	p, err := New(toyOptions(ds, false))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	out := t.TempDir()
	history, err := p.Train(TrainOptions{OutputDir: out, Steps: 50, LR: 0.002, WeightDecay: 1e-4, BatchSize: 32})
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if len(history) != 50 {
		t.Fatalf("history has %d rows, want 50", len(history))
	}
	for _, name := range []string{ModelFile, ModelEMAFile, LossCSVFile, LossPlotFile} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Fatalf("artifact %s: %v", name, err)
		}
	}

	samplePath := filepath.Join(out, "synthetic", "tabddpm.csv")
	table, err := p.Sample(SampleOptions{Path: samplePath, NumSamples: 20, BatchSize: 8})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	checkSynthetic(t, table, 20, tables[SplitTrain])
	written, err := ReadCSV(samplePath)
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if len(written.Rows) != 20 {
		t.Fatalf("written CSV has %d rows", len(written.Rows))
	}
	if _, err := CompareTables(tables[SplitTrain], table, ds.Info); err != nil {
		t.Fatalf("CompareTables() error = %v", err)
	}

	// a fresh pipeline restores the EMA snapshot and samples with DDIM
	opts := toyOptions(ds, false)
	opts.CheckpointPath = filepath.Join(out, ModelEMAFile)
	restored, err := New(opts)
	if err != nil {
		t.Fatalf("New(checkpoint) error = %v", err)
	}
	live, stored := p.Model().Params(), restored.Model().Params()
	for i := range live {
		if !slices.Equal(live[i].Data, stored[i].Data) {
			t.Fatalf("param %s after Train differs from the ema snapshot", live[i].Name)
		}
	}
	table, err = restored.Sample(SampleOptions{NumSamples: 10, BatchSize: 10, DDIM: true, Steps: 5, Seed: 4})
	if err != nil {
		t.Fatalf("Sample(ddim) error = %v", err)
	}
	checkSynthetic(t, table, 10, tables[SplitTrain])
}

func TestPipelineConditionalSampling(t *testing.T) {
	info, tables := toyTables(100)
	ds, err := BuildDataset(info, tables, Transformations{Normalization: NormStandard}, MakeOptions{IsYCond: true})
	if err != nil {
		t.Fatalf("BuildDataset() error = %v", err)
	}
	p, err := New(toyOptions(ds, true))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := p.Train(TrainOptions{OutputDir: t.TempDir(), Steps: 20, LR: 0.002, BatchSize: 32}); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	table, err := p.Sample(SampleOptions{NumSamples: 40, BatchSize: 16, Disbalance: "fix", Seed: 9})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	checkSynthetic(t, table, 40, tables[SplitTrain])
	classes := make(map[string]int)
	for _, row := range table.Rows {
		classes[row[5]]++
	}
	if classes["yes"] == 0 || classes["no"] == 0 {
		t.Fatalf("uniform class policy produced %v", classes)
	}

	if _, err := p.Sample(SampleOptions{NumSamples: 4, BatchSize: 4, Disbalance: "oversample"}); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("Sample(unknown policy) error = %v, want ErrUnknownPolicy", err)
	}
}

func TestNewPipelineValidation(t *testing.T) {
	info, tables := toyTables(30)
	ds, err := BuildDataset(info, tables, Transformations{Normalization: NormStandard}, MakeOptions{})
	if err != nil {
		t.Fatalf("BuildDataset() error = %v", err)
	}
	opts := toyOptions(ds, false)
	opts.ModelParams.DIn = 4
	if _, err := New(opts); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("New(wrong d_in) error = %v, want ErrShapeMismatch", err)
	}
	opts = toyOptions(ds, true)
	if _, err := New(opts); err == nil {
		t.Fatal("expected error for a conditioned model on an unconditioned dataset")
	}
	opts = toyOptions(ds, false)
	opts.ModelType = "transformer"
	var unknown *UnknownModelError
	if _, err := New(opts); !errors.As(err, &unknown) {
		t.Fatalf("New(transformer) error = %v, want *UnknownModelError", err)
	}
	opts = toyOptions(ds, false)
	opts.CheckpointPath = filepath.Join(t.TempDir(), "missing.safetensors")
	if _, err := New(opts); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("New(missing checkpoint) error = %v, want not-exist", err)
	}
	opts = toyOptions(ds, false)
	opts.Device = "cuda:0"
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New(cuda) error = %v", err)
	}
	if p.Device().String() != "cuda:0" {
		t.Fatalf("Device() = %v", p.Device())
	}
}

func TestTrainerLossDecreases(t *testing.T) {
	const rows = 256
	x := mat.NewDense(rows, 2, nil)
	rng := newRand(12)
	for i := 0; i < rows; i++ {
		v := rng.NormFloat64()
		x.Set(i, 0, v)
		x.Set(i, 1, 0.5*v+0.1*rng.NormFloat64())
	}
	model, err := NewMLPDiffusion(ModelParams{DIn: 2, DimT: 16, RTDL: RTDLParams{DLayers: []int{64, 64}}, Seed: 1})
	if err != nil {
		t.Fatalf("NewMLPDiffusion() error = %v", err)
	}
	d, err := NewDiffusion(DiffusionConfig{NumNumerical: 2, NumTimesteps: 100, Scheduler: "cosine", Seed: 1}, model)
	if err != nil {
		t.Fatalf("NewDiffusion() error = %v", err)
	}
	const steps = 400
	tr, err := NewTrainer(d, model, x, nil, TrainConfig{
		Steps:     steps,
		LR:        0.002,
		BatchSize: 64,
		OutputDir: t.TempDir(),
		Seed:      5,
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewTrainer() error = %v", err)
	}
	if err := tr.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	h := tr.History()
	if len(h) != steps {
		t.Fatalf("history has %d rows, want %d", len(h), steps)
	}
	stored, err := ReadLossCSV(filepath.Join(tr.Config.OutputDir, LossCSVFile))
	if err != nil {
		t.Fatalf("ReadLossCSV() error = %v", err)
	}
	if len(stored) != steps {
		t.Fatalf("loss.csv has %d rows, want %d", len(stored), steps)
	}
	mean := func(rs []LossRecord) float64 {
		s := 0.0
		for _, r := range rs {
			s += r.Loss
		}
		return s / float64(len(rs))
	}
	first, last := mean(h[:100]), mean(h[steps-100:])
	if first < last {
		t.Fatalf("loss went up: first window %v, last window %v", first, last)
	}
	if tr.EMA().Decay() != DefaultEMADecay {
		t.Fatalf("EMA decay = %v, want default", tr.EMA().Decay())
	}
}
