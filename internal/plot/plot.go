// Package plot renders result files as charts.
package plot

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/cwbudde/oclbench/internal/report"
	"github.com/cwbudde/oclbench/internal/timing"
)

const nsPerMicro = 1000.0

// ErrNoData is returned when nothing is left to draw.
var ErrNoData = errors.New("plot: no data")

// Series is one labelled result file.
type Series struct {
	Name string
	Rows []report.Row
}

// Load reads result files into series named by their topology.
func Load(paths map[string]string) ([]Series, error) {
	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	slices.Sort(names)

	series := make([]Series, 0, len(names))
	for _, name := range names {
		rows, err := report.ReadRows(paths[name])
		if err != nil {
			return nil, err
		}
		series = append(series, Series{Name: name, Rows: rows})
	}
	return series, nil
}

// Timeline draws one bar per unit of a batch from its start to its end
// offset.
func Timeline(row report.Row, title string) (*plot.Plot, error) {
	if len(row.Spans) == 0 {
		return nil, ErrNoData
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Offset (us)"
	p.Y.Label.Text = "Unit"
	p.Y.Min = 0
	p.Y.Max = float64(len(row.Spans) + 1)

	for i, s := range row.Spans {
		y := float64(i + 1)
		line, err := plotter.NewLine(plotter.XYs{
			{X: float64(s.Start) / nsPerMicro, Y: y},
			{X: float64(s.End) / nsPerMicro, Y: y},
		})
		if err != nil {
			return nil, fmt.Errorf("unit %d: %w", i, err)
		}
		line.Width = vg.Points(8)
		line.Color = plotutil.Color(i)
		p.Add(line)
	}
	p.Add(plotter.NewGrid())
	return p, nil
}

// SpanByUnits draws, per series, the mean batch span over the batch size.
// A non-zero problemSize keeps only rows of that size.
func SpanByUnits(series []Series, problemSize uint64, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Kernels per batch"
	p.Y.Label.Text = "Batch span (us)"
	p.Legend.Top = true

	var lines []any
	for _, s := range series {
		pts := spanPoints(s.Rows, problemSize)
		if len(pts) == 0 {
			continue
		}
		lines = append(lines, s.Name, pts)
	}
	if len(lines) == 0 {
		return nil, ErrNoData
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return nil, err
	}
	return p, nil
}

// spanPoints averages the batch span per batch size, sorted by size.
func spanPoints(rows []report.Row, problemSize uint64) plotter.XYs {
	type acc struct {
		sum float64
		n   int
	}
	byUnits := make(map[int]*acc)
	for _, r := range rows {
		if problemSize != 0 && r.ProblemSize != problemSize {
			continue
		}
		a := byUnits[r.Units]
		if a == nil {
			a = &acc{}
			byUnits[r.Units] = a
		}
		a.sum += float64(timing.Total(r.Spans)) / nsPerMicro
		a.n++
	}

	units := make([]int, 0, len(byUnits))
	for u := range byUnits {
		units = append(units, u)
	}
	slices.Sort(units)

	pts := make(plotter.XYs, len(units))
	for i, u := range units {
		a := byUnits[u]
		pts[i] = plotter.XY{X: float64(u), Y: a.sum / float64(a.n)}
	}
	return pts
}

// Save writes p as an image; the format follows the file extension.
func Save(p *plot.Plot, path string) error {
	if err := p.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
