package tabddpm

import (
	"encoding/csv"
	"fmt"
	"image/color"
	"os"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// LossRecord is one optimization step of the loss history.
type LossRecord struct {
	Step  int
	MLoss float64
	GLoss float64
	Loss  float64
}

var lossHeader = []string{"step", "mloss", "gloss", "loss"}

// WriteLossCSV writes one row per step with a header line.
func WriteLossCSV(path string, history []LossRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(lossHeader); err != nil {
		f.Close()
		return err
	}
	for _, r := range history {
		rec := []string{
			strconv.Itoa(r.Step),
			strconv.FormatFloat(r.MLoss, 'g', -1, 64),
			strconv.FormatFloat(r.GLoss, 'g', -1, 64),
			strconv.FormatFloat(r.Loss, 'g', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadLossCSV parses a file written by WriteLossCSV.
func ReadLossCSV(path string) ([]LossRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read %s: missing header", path)
	}
	out := make([]LossRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(lossHeader) {
			return nil, fmt.Errorf("%s line %d: %d fields, want %d", path, i+2, len(row), len(lossHeader))
		}
		var r LossRecord
		if r.Step, err = strconv.Atoi(row[0]); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+2, err)
		}
		vals := [3]*float64{&r.MLoss, &r.GLoss, &r.Loss}
		for j, dst := range vals {
			if *dst, err = strconv.ParseFloat(row[j+1], 64); err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, i+2, err)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// PlotLoss renders the three loss curves against the step index as a PNG.
func PlotLoss(path string, history []LossRecord) error {
	if len(history) == 0 {
		return fmt.Errorf("plot loss: empty history")
	}
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	series := []struct {
		name  string
		col   color.RGBA
		value func(LossRecord) float64
	}{
		{"mloss", color.RGBA{R: 200, G: 30, B: 30, A: 255}, func(r LossRecord) float64 { return r.MLoss }},
		{"gloss", color.RGBA{R: 20, G: 80, B: 200, A: 255}, func(r LossRecord) float64 { return r.GLoss }},
		{"loss", color.RGBA{R: 40, G: 40, B: 40, A: 255}, func(r LossRecord) float64 { return r.Loss }},
	}
	for _, s := range series {
		xys := make(plotter.XYs, len(history))
		for i, r := range history {
			xys[i] = plotter.XY{X: float64(r.Step), Y: s.value(r)}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		line.Color = s.col
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	p.Add(plotter.NewGrid())

	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
