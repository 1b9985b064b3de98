package tabddpm

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// Table is a header plus string cells, the in-memory form of a CSV file.
type Table struct {
	Header []string
	Rows   [][]string
}

// ReadCSV loads a headed CSV file. Every row must have the header's width.
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read %s: missing header", path)
	}
	return &Table{Header: records[0], Rows: records[1:]}, nil
}

// WriteCSV stores the table with its header, creating parent directories.
func (t *Table) WriteCSV(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(t.Header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Column returns a copy of column j.
func (t *Table) Column(j int) []string {
	col := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		col[i] = row[j]
	}
	return col
}

// ColumnIndex returns the position of name in the header, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// isMissing reports whether a cell encodes a missing value.
func isMissing(v string) bool {
	switch v {
	case "", "NA", "NaN", "nan", "null":
		return true
	}
	return false
}

// parseNumeric parses a numeric cell; missing cells become NaN.
func parseNumeric(v string) (float64, error) {
	if isMissing(v) {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(v, 64)
}

func formatNumeric(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
