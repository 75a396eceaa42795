package main

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/timing"
)

var bandwidthCmd = &cobra.Command{
	Use:   "bandwidth",
	Short: "Measure transfer throughput for every set of devices",
	Long: `Splits a host array evenly across every non-empty subset of the
devices and measures upload and download throughput in MB/s for sizes
doubling between the configured bounds. Between the transfers a trivial
kernel touches every buffer.`,
	RunE: experiment(runBandwidth),
}

func init() {
	rootCmd.AddCommand(bandwidthCmd)
}

// subsets enumerates every non-empty subset of {0..n-1}, smallest first
// and in lexicographic order within one size.
func subsets(n int) [][]int {
	var all [][]int
	var pick func(start, size int, cur []int)
	pick = func(start, size int, cur []int) {
		if len(cur) == size {
			all = append(all, append([]int(nil), cur...))
			return
		}
		for i := start; i < n; i++ {
			pick(i+1, size, append(cur, i))
		}
	}
	for size := 1; size <= n; size++ {
		pick(0, size, nil)
	}
	return all
}

func subsetID(set []int) string {
	var b strings.Builder
	for _, i := range set {
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}

// throughput is MB/s for size bytes moved in d.
func throughput(size uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(size) / 1024 / 1024 / d.Seconds()
}

type transfer struct {
	ctx    cl.Context
	kernel cl.Kernel
	queues []cl.Queue
	runs   int
	// maxChunk is the smallest allocation limit of the devices.
	maxChunk uint64
}

func runBandwidth(e *env) error {
	cfg := e.cfg.Bandwidth
	m, err := e.openWithQueues(cl.QueueProperties{Profiling: true})
	if err != nil {
		return err
	}
	defer func() { cl.Check(m.Release()) }()

	prog, err := compileFor(m.Context(), nil, touchArraySource, "")
	if err != nil {
		return err
	}
	defer func() { cl.Check(prog.Release()) }()
	kernel, err := prog.Kernel("touch_array")
	if err != nil {
		return err
	}
	defer func() { cl.Check(kernel.Release()) }()

	queues := m.Queues()
	sets := subsets(len(queues))
	sizes := workSizes(cfg.MinSize, cfg.MaxSize)
	bar := newProgress(len(sets)*len(sizes), "bandwidth")

	fmt.Fprintln(e.out, "# device(s)  /  size in bytes  /  upload MB/s  / download MB/s")
	for _, set := range sets {
		t := &transfer{ctx: m.Context(), kernel: kernel, runs: cfg.Runs, maxChunk: math.MaxUint64}
		for _, i := range set {
			t.queues = append(t.queues, queues[i])
			t.maxChunk = min(t.maxChunk, m.Devices()[i].Info().MaxMemAlloc)
		}
		for _, size := range sizes {
			if bar != nil {
				_ = bar.Add(1)
			}
			chunk := chunkSize(size, len(set))
			switch {
			case chunk == 0:
				slog.Warn("Skipping size smaller than the device count",
					"devices", subsetID(set),
					"size", size)
				continue
			case chunk > t.maxChunk:
				slog.Warn("Skipping size above allocation limit",
					"devices", subsetID(set),
					"size", humanize.IBytes(size),
					"limit", humanize.IBytes(t.maxChunk))
				continue
			}
			up, down, err := t.measure(chunk)
			if err != nil {
				return fmt.Errorf("devices %s, %s: %w", subsetID(set), humanize.IBytes(size), err)
			}
			moved := chunk * uint64(len(set))
			fmt.Fprintf(e.out, "%s  %d  %.5f  %.5f\n", subsetID(set), size, throughput(moved, up), throughput(moved, down))
		}
	}
	return nil
}

// chunkSize is the per-device share of size bytes. Remainder bytes are
// not transferred.
func chunkSize(size uint64, devices int) uint64 {
	return size / uint64(devices)
}

// measure returns the mean upload and download time of chunk bytes per
// queue. Times come from the device clock when every event carries
// timestamps and from the host clock otherwise.
func (t *transfer) measure(chunk uint64) (up, down time.Duration, err error) {
	n := uint64(len(t.queues))
	host := make([]byte, chunk*n)

	buffers := make([]cl.Buffer, 0, n)
	defer func() {
		for _, b := range buffers {
			cl.Check(b.Release())
		}
	}()
	for range t.queues {
		b, err := t.ctx.CreateBuffer(cl.MemReadWrite, chunk)
		if err != nil {
			return 0, 0, err
		}
		buffers = append(buffers, b)
	}

	for r := 0; r < t.runs; r++ {
		d, err := t.each(func(i int, q cl.Queue) (cl.Event, error) {
			return q.EnqueueWriteBuffer(buffers[i], true, 0, host[uint64(i)*chunk:uint64(i+1)*chunk], nil)
		})
		if err != nil {
			return 0, 0, err
		}
		up += d

		_, err = t.each(func(i int, q cl.Queue) (cl.Event, error) {
			if err := t.kernel.SetArg(0, buffers[i]); err != nil {
				return nil, err
			}
			return q.EnqueueKernel(t.kernel, []uint64{chunk}, nil)
		})
		if err != nil {
			return 0, 0, err
		}

		d, err = t.each(func(i int, q cl.Queue) (cl.Event, error) {
			return q.EnqueueReadBuffer(buffers[i], false, 0, host[uint64(i)*chunk:uint64(i+1)*chunk], nil)
		})
		if err != nil {
			return 0, 0, err
		}
		down += d
	}
	runs := time.Duration(t.runs)
	return up / runs, down / runs, nil
}

// each enqueues one command per queue, waits for all of them and returns
// how long they took together.
func (t *transfer) each(enqueue func(i int, q cl.Queue) (cl.Event, error)) (time.Duration, error) {
	events := make([]cl.Event, 0, len(t.queues))
	defer func() {
		for _, ev := range events {
			cl.Check(ev.Release())
		}
	}()

	start := time.Now()
	for i, q := range t.queues {
		ev, err := enqueue(i, q)
		if err != nil {
			return 0, err
		}
		events = append(events, ev)
	}
	if err := t.ctx.WaitForEvents(events...); err != nil {
		return 0, err
	}
	wall := time.Since(start)

	spans := make([]timing.Span, 0, len(events))
	for _, ev := range events {
		ts, err := timing.Extract(ev)
		if err != nil {
			return 0, err
		}
		if !ts.Available {
			return wall, nil
		}
		spans = append(spans, timing.Span{Start: ts.Started, End: ts.Ended})
	}
	return time.Duration(timing.Total(spans)), nil
}
