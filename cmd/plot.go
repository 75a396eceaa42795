package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/dispatch"
	"github.com/cwbudde/oclbench/internal/plot"
	"github.com/cwbudde/oclbench/internal/report"
)

var (
	plotDevice      string
	plotProblemSize uint64
	plotOut         string
)

var plotCmd = &cobra.Command{
	Use:   "plot",
	Short: "Render queue result files to images",
	Long: `Reads the result files of one device written by "queues" and renders
the mean batch span per batch size for every topology. The largest batch
of each topology is also drawn as a timeline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := settings.OutputDir
		out := plotOut
		if out == "" {
			out = filepath.Join(dir, "spans-"+report.Sanitize(plotDevice)+".png")
		}
		return renderPlots(dir, plotDevice, plotProblemSize, out)
	},
}

func init() {
	plotCmd.Flags().StringVar(&plotDevice, "device", "", "Device name the results were written for (required)")
	plotCmd.Flags().Uint64Var(&plotProblemSize, "size", 0, "Only plot batches of this problem size (0 = all)")
	plotCmd.Flags().StringVarP(&plotOut, "out", "o", "", "Output image (default <output-dir>/spans-<device>.png)")
	plotCmd.MarkFlagRequired("device")
	rootCmd.AddCommand(plotCmd)
}

// renderPlots writes the span chart to out and one timeline per topology
// next to it.
func renderPlots(dir, device string, problemSize uint64, out string) error {
	paths := make(map[string]string)
	for _, name := range []string{dispatch.NameOutOfOrder, dispatch.NameInOrder, dispatch.NameMultiQueue} {
		paths[name] = filepath.Join(dir, report.FileName(name, device))
	}
	series, err := plot.Load(paths)
	if err != nil {
		return err
	}

	title := fmt.Sprintf("Batch span on %s", device)
	if problemSize != 0 {
		title += fmt.Sprintf(" (%d work items)", problemSize)
	}
	p, err := plot.SpanByUnits(series, problemSize, title)
	if err != nil {
		return err
	}
	if err := plot.Save(p, out); err != nil {
		return err
	}
	slog.Info("Wrote plot", "path", out)

	ext := filepath.Ext(out)
	base := strings.TrimSuffix(out, ext)
	for _, s := range series {
		row, ok := largestBatch(s.Rows, problemSize)
		if !ok {
			continue
		}
		p, err := plot.Timeline(row, fmt.Sprintf("%s: %d kernels, %d work items", s.Name, row.Units, row.ProblemSize))
		if err != nil {
			return err
		}
		path := base + "-" + s.Name + ext
		if err := plot.Save(p, path); err != nil {
			return err
		}
		slog.Info("Wrote plot", "path", path)
	}
	return nil
}

// largestBatch picks the row with the most units, then the largest
// problem size.
func largestBatch(rows []report.Row, problemSize uint64) (report.Row, bool) {
	var best report.Row
	found := false
	for _, r := range rows {
		if problemSize != 0 && r.ProblemSize != problemSize {
			continue
		}
		if !found || r.Units > best.Units || (r.Units == best.Units && r.ProblemSize > best.ProblemSize) {
			best, found = r, true
		}
	}
	return best, found
}
