package plot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/plotter"

	"github.com/cwbudde/oclbench/internal/report"
	"github.com/cwbudde/oclbench/internal/timing"
)

func rows() []report.Row {
	return []report.Row{
		{Units: 2, ProblemSize: 64, Spans: []timing.Span{{Start: 0, End: 1000}, {Start: 500, End: 3000}}},
		{Units: 2, ProblemSize: 128, Spans: []timing.Span{{Start: 0, End: 2000}, {Start: 0, End: 5000}}},
		{Units: 3, ProblemSize: 64, Spans: []timing.Span{{Start: 0, End: 1000}, {Start: 0, End: 1000}, {Start: 4000, End: 6000}}},
	}
}

func TestSpanPoints(t *testing.T) {
	assert.Equal(t, plotter.XYs{{X: 2, Y: 4}, {X: 3, Y: 6}}, spanPoints(rows(), 0))
	assert.Equal(t, plotter.XYs{{X: 2, Y: 3}, {X: 3, Y: 6}}, spanPoints(rows(), 64))
	assert.Empty(t, spanPoints(rows(), 7))
}

func TestSpanByUnitsSaves(t *testing.T) {
	p, err := SpanByUnits([]Series{{Name: "in-order-queue", Rows: rows()}, {Name: "empty"}}, 0, "spans")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "spans.png")
	require.NoError(t, Save(p, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	_, err = SpanByUnits([]Series{{Name: "empty"}}, 0, "none")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestTimeline(t *testing.T) {
	p, err := Timeline(rows()[2], "batch")
	require.NoError(t, err)
	assert.Equal(t, float64(4), p.Y.Max)
	require.NoError(t, Save(p, filepath.Join(t.TempDir(), "batch.svg")))

	_, err = Timeline(report.Row{Units: 1}, "empty")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	w, err := report.Create(dir, "multi-queue", "Sim GPU 0")
	require.NoError(t, err)
	for _, r := range rows() {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())

	series, err := Load(map[string]string{"multi-queue": w.Path()})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, rows(), series[0].Rows)

	_, err = Load(map[string]string{"x": filepath.Join(dir, "missing.txt")})
	assert.Error(t, err)
}
