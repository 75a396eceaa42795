package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/dispatch"
	"github.com/cwbudde/oclbench/internal/report"
)

var (
	queuesOutputDir string
	queuesTraceFile string
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Measure kernel concurrency per queue topology",
	Long: `Dispatches batches of identical kernels through an out-of-order queue,
an in-order queue and one queue per kernel. Every batch is gated on one
barrier so all kernels are released at once. Each topology writes one
result file with the start and end offset of every kernel.`,
	RunE: experiment(runQueues),
}

func init() {
	queuesCmd.Flags().StringVarP(&queuesOutputDir, "output-dir", "o", "", "Directory for result files (overrides config)")
	queuesCmd.Flags().StringVar(&queuesTraceFile, "trace", "", "Append a JSONL trace of every batch to this file (overrides config)")
	rootCmd.AddCommand(queuesCmd)
}

// workSizes doubles from lo up to and including hi. It stops before the
// next doubling would pass hi or overflow.
func workSizes(lo, hi uint64) []uint64 {
	if lo == 0 || lo > hi {
		return nil
	}
	var sizes []uint64
	for s := lo; ; s *= 2 {
		sizes = append(sizes, s)
		if s > hi/2 {
			return sizes
		}
	}
}

// newProgress returns a progress bar on terminals and nil otherwise.
func newProgress(total int, description string) *progressbar.ProgressBar {
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
}

func runQueues(e *env) error {
	cfg := e.cfg.Queues
	outDir := e.cfg.OutputDir
	if queuesOutputDir != "" {
		outDir = queuesOutputDir
	}
	traceFile := e.cfg.TraceFile
	if queuesTraceFile != "" {
		traceFile = queuesTraceFile
	}

	m, err := e.open()
	if err != nil {
		return err
	}
	defer func() { cl.Check(m.Release()) }()

	dev := m.Devices()[0]
	name := dev.Info().Name
	fmt.Fprintf(e.out, "# running on %s\n", name)

	prog, err := compileFor(m.Context(), []cl.Device{dev}, computeSource, "")
	if err != nil {
		return err
	}
	defer func() { cl.Check(prog.Release()) }()
	kernel, err := prog.Kernel("compute")
	if err != nil {
		return err
	}
	defer func() { cl.Check(kernel.Release()) }()

	strategies := dispatch.Topologies(m.Context())
	writers := make([]*report.RowWriter, 0, len(strategies))
	ok := false
	defer func() {
		if ok {
			return
		}
		for _, w := range writers {
			cl.Check(w.Abort())
		}
	}()
	for _, s := range strategies {
		w, err := report.Create(outDir, s.Name(), name)
		if err != nil {
			return err
		}
		writers = append(writers, w)
		if err := w.Comment("running on %s", name); err != nil {
			return err
		}
	}

	var trace *report.TraceWriter
	if traceFile != "" {
		trace, err = report.NewTraceWriter(traceFile, report.NewRunID())
		if err != nil {
			return err
		}
		defer func() { cl.Check(trace.Close()) }()
		slog.Info("Tracing batches", "path", traceFile, "run_id", trace.RunID())
	}

	sizes := workSizes(cfg.MinWorkSize, cfg.MaxWorkSize)
	bar := newProgress(len(sizes)*(cfg.MaxKernels-cfg.MinKernels+1), "queues")
	start := time.Now()

	for _, size := range sizes {
		for n := cfg.MinKernels; n <= cfg.MaxKernels; n++ {
			sw := sweepStep{env: e, ctx: m.Context(), dev: dev, kernel: kernel, trace: trace}
			if err := sw.run(strategies, writers, size, n); err != nil {
				return err
			}
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	}

	ok = true
	for _, w := range writers {
		if err := w.Close(); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "# wrote %s (%d rows)\n", w.Path(), w.Rows())
	}
	slog.Info("Sweep complete", "device", name, "elapsed", time.Since(start))
	return nil
}

// sweepStep is one (work size, kernel count) point of the sweep.
type sweepStep struct {
	env    *env
	ctx    cl.Context
	dev    cl.Device
	kernel cl.Kernel
	trace  *report.TraceWriter
}

func (s *sweepStep) run(strategies []dispatch.Strategy, writers []*report.RowWriter, size uint64, n int) error {
	buffers := make([]cl.Buffer, 0, n)
	defer func() {
		for _, b := range buffers {
			cl.Check(b.Release())
		}
	}()
	for i := 0; i < n; i++ {
		b, err := s.ctx.CreateBuffer(cl.MemReadWrite, size*4)
		if err != nil {
			return fmt.Errorf("buffer %d of %d: %w", i, n, err)
		}
		buffers = append(buffers, b)
	}

	iterations := s.env.cfg.Queues.Iterations
	spec := dispatch.WorkSpec{
		Kernel:     s.kernel,
		GlobalSize: []uint64{size},
		Args:       func(unit int) []any { return []any{buffers[unit], iterations} },
	}

	device := s.dev.Info().Name
	for i, strategy := range strategies {
		batch, err := dispatch.Measure(strategy, s.dev, spec, n)
		if err != nil {
			return err
		}
		if err := writeBatch(writers[i], batch); err != nil {
			return err
		}
		s.env.metrics.Observe("queues", strategy.Name(), device, batch.Samples)

		slog.Debug("Batch measured",
			"topology", strategy.Name(),
			"units", batch.Units,
			"size", size,
			"span", batch.Normalized.Total())

		if s.trace == nil {
			continue
		}
		err = s.trace.Write(report.TraceEntry{
			Experiment:  "queues",
			Topology:    strategy.Name(),
			Device:      device,
			Units:       batch.Units,
			ProblemSize: batch.ProblemSize,
			Wait:        batch.Summary.Wait,
			Exec:        batch.Summary.Exec,
			Span:        batch.Normalized.Total(),
			Dropped:     batch.Summary.Dropped,
			Spans:       batch.Normalized.Spans,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// writeBatch writes one result row. Units without profiling info have no
// span, so the row is preceded by a comment naming how many are missing.
func writeBatch(w *report.RowWriter, batch *dispatch.Batch) error {
	if dropped := batch.Normalized.Dropped; dropped > 0 {
		slog.Warn("Samples without profiling info",
			"topology", batch.Topology,
			"units", batch.Units,
			"dropped", dropped)
		if err := w.Comment("%d of %d units without profiling info", dropped, batch.Units); err != nil {
			return err
		}
	}
	return w.Write(report.Row{Units: batch.Units, ProblemSize: batch.ProblemSize, Spans: batch.Normalized.Spans})
}
