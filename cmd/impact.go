package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/timing"
)

var impactCmd = &cobra.Command{
	Use:   "impact",
	Short: "Compare queue layouts for a write-compute-read pipeline",
	Long: `Runs a pipeline of upload, kernel and download, each step waiting on
the previous one, with four queue layouts: one in-order queue, one
out-of-order queue, a compute queue plus a transfer queue, and one queue
per step.`,
	RunE: experiment(runImpact),
}

func init() {
	rootCmd.AddCommand(impactCmd)
}

// queueLayout assigns the write, compute and read steps to queues.
type queueLayout struct {
	name   string
	props  cl.QueueProperties
	assign [3]int
}

var layouts = []queueLayout{
	{name: "Blocking queue", assign: [3]int{0, 0, 0}},
	{name: "Out-of-order queue", props: cl.QueueProperties{OutOfOrder: true}, assign: [3]int{0, 0, 0}},
	{name: "Two queues", assign: [3]int{1, 0, 1}},
	{name: "Three queues", assign: [3]int{1, 0, 2}},
}

func (l queueLayout) queues() int {
	return max(l.assign[0], l.assign[1], l.assign[2]) + 1
}

// pipelineResult is the host wall clock and the device time from the
// first upload start to the last download end.
type pipelineResult struct {
	Wall   time.Duration
	Device uint64
}

type pipeline struct {
	ctx        cl.Context
	kernel     cl.Kernel
	in, out    cl.Buffer
	host       []byte
	elements   uint64
	iterations int
}

func runImpact(e *env) error {
	cfg := e.cfg.Impact
	m, err := e.open()
	if err != nil {
		return err
	}
	defer func() { cl.Check(m.Release()) }()

	prog, err := compileFor(m.Context(), nil, copySource, "")
	if err != nil {
		return err
	}
	defer func() { cl.Check(prog.Release()) }()
	kernel, err := prog.Kernel("copy")
	if err != nil {
		return err
	}
	defer func() { cl.Check(kernel.Release()) }()

	size := cfg.Elements * 4
	in, err := m.Context().CreateBuffer(cl.MemReadOnly, size)
	if err != nil {
		return fmt.Errorf("input buffer: %w", err)
	}
	defer func() { cl.Check(in.Release()) }()
	out, err := m.Context().CreateBuffer(cl.MemWriteOnly, size)
	if err != nil {
		return fmt.Errorf("output buffer: %w", err)
	}
	defer func() { cl.Check(out.Release()) }()

	if err := kernel.SetArg(0, in); err != nil {
		return err
	}
	if err := kernel.SetArg(1, out); err != nil {
		return err
	}

	input := make([]float32, cfg.Elements)
	for i := range input {
		input[i] = float32(i)
	}
	p := &pipeline{
		ctx:        m.Context(),
		kernel:     kernel,
		in:         in,
		out:        out,
		host:       float32s(input),
		elements:   cfg.Elements,
		iterations: cfg.Iterations,
	}

	for i, dev := range m.Devices() {
		if i > 0 {
			fmt.Fprintln(e.out)
		}
		fmt.Fprintf(e.out, "%s\n", dev.Info().Name)
		for _, l := range layouts {
			res, err := p.run(dev, l)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", dev.Info().Name, l.name, err)
			}
			fmt.Fprintf(e.out, "  %-18s: %3.5fs (device %3.5fs)\n",
				l.name, res.Wall.Seconds(), float64(res.Device)/1e9)
		}
	}
	return nil
}

func (p *pipeline) run(dev cl.Device, l queueLayout) (*pipelineResult, error) {
	queues := make([]cl.Queue, 0, l.queues())
	defer func() {
		for _, q := range queues {
			cl.Check(q.Release())
		}
	}()
	props := l.props
	props.Profiling = true
	for i := 0; i < l.queues(); i++ {
		q, err := p.ctx.CreateQueue(dev, props)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	wq, cq, rq := queues[l.assign[0]], queues[l.assign[1]], queues[l.assign[2]]

	var first, read cl.Event
	release := func() {
		for _, ev := range []cl.Event{first, read} {
			if ev != nil {
				cl.Check(ev.Release())
			}
		}
	}
	defer release()

	start := time.Now()
	for i := 0; i < p.iterations; i++ {
		var wait []cl.Event
		if read != nil {
			wait = []cl.Event{read}
		}
		write, err := wq.EnqueueWriteBuffer(p.in, false, 0, p.host, wait)
		if err != nil {
			return nil, err
		}
		if read != nil {
			cl.Check(read.Release())
			read = nil
		}

		compute, err := cq.EnqueueKernel(p.kernel, []uint64{p.elements}, []cl.Event{write})
		if err != nil {
			cl.Check(write.Release())
			return nil, err
		}
		read, err = rq.EnqueueReadBuffer(p.out, false, 0, p.host, []cl.Event{compute})
		cl.Check(compute.Release())
		if i == 0 {
			first = write
		} else {
			cl.Check(write.Release())
		}
		if err != nil {
			return nil, err
		}
	}
	if read == nil {
		return &pipelineResult{}, nil
	}
	if err := p.ctx.WaitForEvents(read); err != nil {
		return nil, err
	}
	res := &pipelineResult{Wall: time.Since(start)}

	begin, err := timing.Extract(first)
	if err != nil {
		return nil, err
	}
	end, err := timing.Extract(read)
	if err != nil {
		return nil, err
	}
	if begin.Available && end.Available {
		res.Device = end.Ended - begin.Started
	}
	return res, nil
}
