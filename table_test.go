package tabddpm

import (
	"math"
	"path/filepath"
	"slices"
	"testing"
)

func mixedInfo() *Info {
	return &Info{
		Name:         "toy",
		TaskType:     BinClass,
		NumColIdx:    []int{0, 2},
		CatColIdx:    []int{1},
		TargetColIdx: []int{3},
	}
}

func TestInfoCompleteMappings(t *testing.T) {
	info := mixedInfo()
	if err := info.Complete([]string{"age", "color", "income", "label"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	want := map[int]int{0: 0, 2: 1, 1: 2, 3: 3}
	for k, v := range want {
		if info.IdxMapping[k] != v {
			t.Fatalf("IdxMapping = %v, want %v", info.IdxMapping, want)
		}
		if info.InverseIdxMapping[v] != k {
			t.Fatalf("InverseIdxMapping = %v", info.InverseIdxMapping)
		}
	}
	if info.IdxNameMapping[2] != "income" {
		t.Fatalf("IdxNameMapping = %v", info.IdxNameMapping)
	}

	bad := mixedInfo()
	bad.CatColIdx = []int{0}
	if err := bad.Complete([]string{"a", "b", "c", "d"}); err == nil {
		t.Fatal("expected error for a column with two roles")
	}
}

func TestInfoSaveLoad(t *testing.T) {
	info := mixedInfo()
	if err := info.Complete([]string{"age", "color", "income", "label"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "info.json")
	if err := info.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := LoadInfo(path)
	if err != nil {
		t.Fatalf("LoadInfo() error = %v", err)
	}
	if got.TaskType != BinClass || got.IdxMapping[2] != 1 || got.IdxNameMapping[3] != "label" {
		t.Fatalf("loaded info = %+v", got)
	}
}

func TestRecoverTableOrder(t *testing.T) {
	info := mixedInfo()
	if err := info.Complete([]string{"age", "color", "income", "label"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	table, err := RecoverTable(
		[][]float64{{31, 1200.5}, {45, 800}},
		[][]string{{"red"}, {"blue"}},
		[]string{"yes", "no"},
		info,
	)
	if err != nil {
		t.Fatalf("RecoverTable() error = %v", err)
	}
	if !slices.Equal(table.Header, []string{"age", "color", "income", "label"}) {
		t.Fatalf("Header = %v", table.Header)
	}
	if !slices.Equal(table.Rows[0], []string{"31", "red", "1200.5", "yes"}) {
		t.Fatalf("row 0 = %v", table.Rows[0])
	}
	if !slices.Equal(table.Rows[1], []string{"45", "blue", "800", "no"}) {
		t.Fatalf("row 1 = %v", table.Rows[1])
	}
}

func TestTableCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "t.csv")
	src := &Table{Header: []string{"a", "b"}, Rows: [][]string{{"1", "x,y"}, {"", "z"}}}
	if err := src.WriteCSV(path); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	got, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if !slices.Equal(got.Header, src.Header) || !slices.Equal(got.Rows[0], src.Rows[0]) || !slices.Equal(got.Rows[1], src.Rows[1]) {
		t.Fatalf("round trip = %+v", got)
	}
	if got.ColumnIndex("b") != 1 || got.ColumnIndex("c") != -1 {
		t.Fatal("ColumnIndex mismatch")
	}
	if v, err := parseNumeric(got.Rows[1][0]); err != nil || !math.IsNaN(v) {
		t.Fatalf("parseNumeric(empty) = %v, %v; want NaN", v, err)
	}
}

func TestCompareTables(t *testing.T) {
	info := mixedInfo()
	header := []string{"age", "color", "income", "label"}
	if err := info.Complete(header); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	ref := &Table{Header: header, Rows: [][]string{
		{"30", "red", "100", "yes"},
		{"40", "blue", "200", "no"},
		{"50", "red", "300", "yes"},
	}}
	report, err := CompareTables(ref, ref, info)
	if err != nil {
		t.Fatalf("CompareTables() error = %v", err)
	}
	if report.FinalScore() != 100 || report.Failures != 0 {
		t.Fatalf("identical tables scored %v with %d failures", report.FinalScore(), report.Failures)
	}
	// 2 numeric columns x (mean, std) + 2 categories of color + 2 of label
	if report.Total != 8 {
		t.Fatalf("Total = %d, want 8", report.Total)
	}

	shifted := &Table{Header: header, Rows: [][]string{
		{"300", "red", "100", "yes"},
		{"400", "red", "200", "yes"},
		{"500", "red", "300", "yes"},
	}}
	report, err = CompareTables(ref, shifted, info)
	if err != nil {
		t.Fatalf("CompareTables() error = %v", err)
	}
	if report.Failures == 0 || report.FinalScore() >= 100 {
		t.Fatalf("shifted table scored %v with %d failures", report.FinalScore(), report.Failures)
	}
}

func TestDeviationBucket(t *testing.T) {
	for _, tc := range []struct {
		expected, actual float64
		bucket           string
	}{
		{100, 105, "0-10%"},
		{100, 150, "40-50%"},
		{100, 180, "50-100%"},
		{100, 300, "100%+"},
		{0, 0, "0-10%"},
	} {
		if _, got := deviationBucket(tc.expected, tc.actual); got != tc.bucket {
			t.Fatalf("deviationBucket(%v, %v) = %q, want %q", tc.expected, tc.actual, got, tc.bucket)
		}
	}
}

func TestDeviationReportFailures(t *testing.T) {
	r := NewDeviationReport()
	r.Add("c", "mean", 100, 150)
	if r.Failures != 0 {
		t.Fatalf("50%% deviation counted as failure: %d", r.Failures)
	}
	r.Add("c", "mean", 100, 180)
	if r.Failures != 1 {
		t.Fatalf("Failures = %d after an 80%% deviation, want 1", r.Failures)
	}
	r.Add("c", "std", 1, 3)
	if r.Failures != 2 || r.Total != 3 {
		t.Fatalf("Failures/Total = %d/%d, want 2/3", r.Failures, r.Total)
	}
	if r.Buckets["50-100%"].Count != 1 || r.Buckets["100%+"].Count != 1 {
		t.Fatalf("buckets = %v", r.Buckets)
	}
}

func TestLossCSVRoundTrip(t *testing.T) {
	dir := t.TempDir()
	history := []LossRecord{
		{Step: 0, MLoss: 1.5, GLoss: 0.75, Loss: 2.25},
		{Step: 1, MLoss: 1.25, GLoss: 0.5, Loss: 1.75},
	}
	path := filepath.Join(dir, LossCSVFile)
	if err := WriteLossCSV(path, history); err != nil {
		t.Fatalf("WriteLossCSV() error = %v", err)
	}
	got, err := ReadLossCSV(path)
	if err != nil {
		t.Fatalf("ReadLossCSV() error = %v", err)
	}
	if !slices.Equal(got, history) {
		t.Fatalf("ReadLossCSV() = %v, want %v", got, history)
	}
	if err := PlotLoss(filepath.Join(dir, LossPlotFile), history); err != nil {
		t.Fatalf("PlotLoss() error = %v", err)
	}
	if err := PlotLoss(filepath.Join(dir, "empty.png"), nil); err == nil {
		t.Fatal("expected error for an empty history")
	}
}
