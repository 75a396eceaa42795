package main

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/cl"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Probe double precision support per device",
	Long: `Builds and runs a kernel on every device that reports which of the
cl_khr_fp64 and cl_amd_fp64 macros the compiler defines.`,
	RunE: experiment(runFlags),
}

func init() {
	rootCmd.AddCommand(flagsCmd)
}

const (
	flagKhrFP64 = 1 << 0
	flagAmdFP64 = 1 << 1
)

func runFlags(e *env) error {
	m, err := e.open()
	if err != nil {
		return err
	}
	defer func() { cl.Check(m.Release()) }()

	for _, dev := range m.Devices() {
		flags, err := probeFP64(m.Context(), dev)
		if err != nil {
			return fmt.Errorf("%s: %w", dev.Info().Name, err)
		}
		fmt.Fprintf(e.out, "%s\n  cl_khr_fp64 = %d\n  cl_amd_fp64 = %d\n",
			dev.Info().Name, flags&flagKhrFP64, (flags&flagAmdFP64)>>1)
	}
	return nil
}

// probeFP64 builds the probe for dev alone, runs it once and returns the
// flag word.
func probeFP64(ctx cl.Context, dev cl.Device) (uint32, error) {
	q, err := ctx.CreateQueue(dev, cl.QueueProperties{})
	if err != nil {
		return 0, err
	}
	defer func() { cl.Check(q.Release()) }()

	prog, err := compileFor(ctx, []cl.Device{dev}, fp64Source, "")
	if err != nil {
		return 0, err
	}
	defer func() { cl.Check(prog.Release()) }()
	k, err := prog.Kernel("probe_fp64")
	if err != nil {
		return 0, err
	}
	defer func() { cl.Check(k.Release()) }()

	buf, err := ctx.CreateBuffer(cl.MemReadWrite, 4)
	if err != nil {
		return 0, err
	}
	defer func() { cl.Check(buf.Release()) }()

	if err := k.SetArg(0, buf); err != nil {
		return 0, err
	}
	run, err := q.EnqueueKernel(k, []uint64{1}, nil)
	if err != nil {
		return 0, err
	}
	cl.Check(run.Release())

	host := make([]byte, 4)
	read, err := q.EnqueueReadBuffer(buf, true, 0, host, nil)
	if err != nil {
		return 0, err
	}
	cl.Check(read.Release())
	return binary.LittleEndian.Uint32(host), nil
}
