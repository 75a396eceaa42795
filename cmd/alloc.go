package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/platform"
)

var allocSweep bool

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Check the maximum allocation and allocation times",
	Long: `Allocates a buffer of the largest size each device advertises and
reports whether it could be allocated, written and read. With --sweep the
size is halved down to the configured minimum and the time to allocate
and fill each buffer is printed.`,
	RunE: experiment(runAlloc),
}

func init() {
	allocCmd.Flags().BoolVar(&allocSweep, "sweep", false, "Time allocations of halving sizes")
	rootCmd.AddCommand(allocCmd)
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}

// maxAllocResult is the outcome of allocating the advertised maximum.
type maxAllocResult struct {
	Allocated, Written, Read bool
	Alloc, Warmup, Write     time.Duration
	ReadTime                 time.Duration
}

func runAlloc(e *env) error {
	m, err := e.open()
	if err != nil {
		return err
	}
	defer func() { cl.Check(m.Release()) }()

	for i, dev := range m.Devices() {
		if i > 0 {
			fmt.Fprintln(e.out)
		}
		if err := allocDevice(e, m, dev); err != nil {
			return fmt.Errorf("%s: %w", dev.Info().Name, err)
		}
	}
	return nil
}

// allocDevice measures one device in a context of its own, so earlier
// allocations on other devices do not count against it.
func allocDevice(e *env, m *platform.Manager, dev cl.Device) error {
	ctx, err := m.Driver().CreateContext([]cl.Device{dev})
	if err != nil {
		return err
	}
	defer func() { cl.Check(ctx.Release()) }()
	q, err := ctx.CreateQueue(dev, cl.QueueProperties{Profiling: true})
	if err != nil {
		return err
	}
	defer func() { cl.Check(q.Release()) }()

	info := dev.Info()
	if !allocSweep {
		res := measureMaxAlloc(ctx, q, info.MaxMemAlloc)
		printMaxAlloc(e.out, info, res)
		return nil
	}

	fmt.Fprintf(e.out, "%s\n", info.Name)
	for size := info.MaxMemAlloc; size >= e.cfg.Alloc.MinSize && size > 0; size /= 2 {
		d, err := timeAllocation(ctx, q, size)
		if err != nil {
			return fmt.Errorf("%s: %w", humanize.IBytes(size), err)
		}
		fmt.Fprintf(e.out, "  %-12d %3.5f\n", size, d.Seconds())
	}
	return nil
}

func measureMaxAlloc(ctx cl.Context, q cl.Queue, size uint64) maxAllocResult {
	var res maxAllocResult
	start := time.Now()
	buf, ok := platform.TryAllocate(ctx, cl.MemReadWrite, size)
	res.Alloc = time.Since(start)
	res.Allocated = ok
	if !ok {
		return res
	}
	defer func() { cl.Check(buf.Release()) }()

	data := make([]byte, size)
	transfer := func(enqueue func() (cl.Event, error)) (time.Duration, bool) {
		start := time.Now()
		ev, err := enqueue()
		d := time.Since(start)
		if err != nil {
			return d, false
		}
		cl.Check(ev.Release())
		return d, true
	}
	write := func() (cl.Event, error) { return q.EnqueueWriteBuffer(buf, true, 0, data, nil) }

	res.Warmup, _ = transfer(write)
	res.Write, res.Written = transfer(write)
	res.ReadTime, res.Read = transfer(func() (cl.Event, error) {
		return q.EnqueueReadBuffer(buf, true, 0, data, nil)
	})
	return res
}

func timeAllocation(ctx cl.Context, q cl.Queue, size uint64) (time.Duration, error) {
	buf, err := ctx.CreateBuffer(cl.MemReadWrite, size)
	if err != nil {
		return 0, err
	}
	defer func() { cl.Check(buf.Release()) }()

	data := make([]byte, size)
	start := time.Now()
	ev, err := q.EnqueueWriteBuffer(buf, true, 0, data, nil)
	d := time.Since(start)
	if err != nil {
		return 0, err
	}
	cl.Check(ev.Release())
	return d, nil
}

func printMaxAlloc(w io.Writer, info cl.DeviceInfo, res maxAllocResult) {
	fmt.Fprintf(w, "%s\n", info.Name)
	fmt.Fprintf(w, "  CL_DEVICE_GLOBAL_MEM_SIZE    : %-11d B (%s)\n", info.GlobalMemSize, humanize.IBytes(info.GlobalMemSize))
	fmt.Fprintf(w, "  CL_DEVICE_MAX_MEM_ALLOC_SIZE : %-11d B (%s, %3.1f%%)\n",
		info.MaxMemAlloc, humanize.IBytes(info.MaxMemAlloc),
		float64(info.MaxMemAlloc)/float64(max(info.GlobalMemSize, 1))*100)
	fmt.Fprintf(w, "  Could allocate               : %s (%3.5f s)\n", yesNo(res.Allocated), res.Alloc.Seconds())
	if !res.Allocated {
		return
	}
	fmt.Fprintf(w, "  Could write                  : %s (%3.5f s, %3.2f MB/s, warm up: %3.5fs)\n",
		yesNo(res.Written), res.Write.Seconds(), throughput(info.MaxMemAlloc, res.Write), res.Warmup.Seconds())
	fmt.Fprintf(w, "  Could read                   : %s (%3.5f s, %3.2f MB/s)\n",
		yesNo(res.Read), res.ReadTime.Seconds(), throughput(info.MaxMemAlloc, res.ReadTime))
}
