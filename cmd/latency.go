package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/config"
	"github.com/cwbudde/oclbench/internal/timing"
)

var latencyCmd = &cobra.Command{
	Use:   "latency",
	Short: "Measure kernel launch latency",
	Long: `Launches an empty kernel on every device, one launch at a time, and
reports the mean time from enqueue to start, the execution time and the
host wall clock per launch. A second run chains the launches through
their events and reports min/max/mean.`,
	RunE: experiment(runLatency),
}

func init() {
	rootCmd.AddCommand(latencyCmd)
}

// latencyResult holds the means of the single-launch run and the
// statistics of the chained run.
type latencyResult struct {
	Wait, Exec    timing.Stats
	Wall          time.Duration
	ChainedWait   timing.Stats
	ChainedExec   timing.Stats
	ChainedWall   time.Duration
	single, chain []timing.Timestamps
}

func runLatency(e *env) error {
	m, err := e.openWithQueues(cl.QueueProperties{Profiling: true})
	if err != nil {
		return err
	}
	defer func() { cl.Check(m.Release()) }()

	prog, err := compileFor(m.Context(), nil, touchSource, "")
	if err != nil {
		return err
	}
	defer func() { cl.Check(prog.Release()) }()
	kernel, err := prog.Kernel("touch")
	if err != nil {
		return err
	}
	defer func() { cl.Check(kernel.Release()) }()

	queues := m.Queues()
	for i, dev := range m.Devices() {
		res, err := measureLatency(m.Context(), queues[i], kernel, e.cfg.Latency)
		if err != nil {
			return fmt.Errorf("%s: %w", dev.Info().Name, err)
		}
		name := dev.Info().Name
		e.metrics.Observe("latency", "single", name, res.single)
		e.metrics.Observe("latency", "chained", name, res.chain)

		if i > 0 {
			fmt.Fprintln(e.out)
		}
		printLatency(e.out, name, res)
	}
	return nil
}

func measureLatency(ctx cl.Context, q cl.Queue, kernel cl.Kernel, cfg config.LatencyConfig) (*latencyResult, error) {
	size := []uint64{cfg.WorkSize}
	launch := func(wait []cl.Event) (cl.Event, error) {
		return q.EnqueueKernel(kernel, size, wait)
	}

	for r := 0; r < cfg.Warmup; r++ {
		ev, err := launch(nil)
		if err != nil {
			return nil, err
		}
		err = ctx.WaitForEvents(ev)
		cl.Check(ev.Release())
		if err != nil {
			return nil, err
		}
	}

	res := &latencyResult{single: make([]timing.Timestamps, 0, cfg.Runs)}
	var wall time.Duration
	for r := 0; r < cfg.Runs; r++ {
		start := time.Now()
		ev, err := launch(nil)
		if err != nil {
			return nil, err
		}
		err = ctx.WaitForEvents(ev)
		wall += time.Since(start)
		if err != nil {
			cl.Check(ev.Release())
			return nil, err
		}
		ts, err := timing.Extract(ev)
		cl.Check(ev.Release())
		if err != nil {
			return nil, err
		}
		res.single = append(res.single, ts)
	}
	res.Wall = wall / time.Duration(cfg.Runs)
	sum, err := timing.Summarize(res.single)
	if err != nil {
		return nil, err
	}
	res.Wait, res.Exec = sum.Wait, sum.Exec

	if res.chain, res.ChainedWall, err = measureChained(ctx, launch, cfg.Chained); err != nil {
		return nil, err
	}
	if sum, err = timing.Summarize(res.chain); err != nil {
		return nil, err
	}
	res.ChainedWait, res.ChainedExec = sum.Wait, sum.Exec
	return res, nil
}

// measureChained enqueues n launches, each waiting on its predecessor, and
// waits only for the last one.
func measureChained(ctx cl.Context, launch func(wait []cl.Event) (cl.Event, error), n int) ([]timing.Timestamps, time.Duration, error) {
	events := make([]cl.Event, 0, n)
	defer func() {
		for _, ev := range events {
			cl.Check(ev.Release())
		}
	}()

	start := time.Now()
	for r := 0; r < n; r++ {
		var wait []cl.Event
		if r > 0 {
			wait = events[r-1 : r]
		}
		ev, err := launch(wait)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	if err := ctx.WaitForEvents(events[n-1]); err != nil {
		return nil, 0, err
	}
	wall := time.Since(start) / time.Duration(n)

	samples := make([]timing.Timestamps, n)
	for i, ev := range events {
		ts, err := timing.Extract(ev)
		if err != nil {
			return nil, 0, err
		}
		samples[i] = ts
	}
	return samples, wall, nil
}

func micros(ns uint64) float64 { return float64(ns) / 1000 }

func printLatency(w io.Writer, name string, res *latencyResult) {
	fmt.Fprintf(w, "%s\n", name)
	fmt.Fprintf(w, "  wait for start: %8.5f us\n", micros(res.Wait.Mean))
	fmt.Fprintf(w, "  execution time: %8.5f us\n", micros(res.Exec.Mean))
	fmt.Fprintf(w, "  wall clock    : %8.5f us\n", float64(res.Wall.Nanoseconds())/1000)
	fmt.Fprintf(w, "  chained (%d launches)\n", res.ChainedWait.N)
	fmt.Fprintf(w, "  wait for start: %8.5f us [min=%3.4f, max=%3.4f]\n",
		micros(res.ChainedWait.Mean), micros(res.ChainedWait.Min), micros(res.ChainedWait.Max))
	fmt.Fprintf(w, "  execution time: %8.5f us [min=%3.4f, max=%3.4f]\n",
		micros(res.ChainedExec.Mean), micros(res.ChainedExec.Min), micros(res.ChainedExec.Max))
	fmt.Fprintf(w, "  wall clock    : %8.5f us\n", float64(res.ChainedWall.Nanoseconds())/1000)
}
