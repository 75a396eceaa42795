package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/callback"
	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/cl/sim"
)

var callbackCmd = &cobra.Command{
	Use:   "callback",
	Short: "Notify the host from a running kernel",
	Long: `Runs a kernel that calls a generated print(float, int, int) helper. A
listener polls the shared Callback struct on its own queue and prints the
parameters on the host.`,
	RunE: experiment(runCallback),
}

func init() {
	rootCmd.AddCommand(callbackCmd)
}

const callbackSource = `
__kernel void do_something(global Callback *cb)
{
    print(cb, 3.5f, 7, 42);
}
`

// newPrintRegistry registers print(float, int, int), writing every
// notification to w.
func newPrintRegistry(w io.Writer) (*callback.Registry, error) {
	var mu sync.Mutex
	reg := callback.NewRegistry()
	_, err := reg.Register("print", func(args []any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "print: %v %v %v\n", args[0], args[1], args[2])
	}, callback.Float, callback.Int, callback.Int)
	return reg, err
}

func runCallback(e *env) error {
	cfg := e.cfg.Callback
	reg, err := newPrintRegistry(e.out)
	if err != nil {
		return err
	}
	if s, ok := e.drv.(*sim.Driver); ok {
		s.RegisterKernelFunc("do_something", func(call *sim.Call) {
			cb, ok := call.Args[0].([]byte)
			if !ok {
				return
			}
			if err := reg.Store(cb, "print", float32(3.5), int32(7), int32(42)); err != nil {
				slog.Warn("Emulated callback failed", "error", err)
			}
		})
	}

	m, err := e.openWithQueues(cl.QueueProperties{})
	if err != nil {
		return err
	}
	defer func() { cl.Check(m.Release()) }()
	dev := m.Devices()[0]

	prog, err := compileFor(m.Context(), []cl.Device{dev}, reg.Source(callbackSource), "")
	if err != nil {
		return err
	}
	defer func() { cl.Check(prog.Release()) }()
	k, err := prog.Kernel("do_something")
	if err != nil {
		return err
	}
	defer func() { cl.Check(k.Release()) }()

	l, err := callback.Listen(context.Background(), m.Context(), dev, reg, callback.Options{
		Interval: cfg.Interval,
		Grace:    cfg.Grace,
	})
	if err != nil {
		return err
	}

	if err := k.SetArg(0, l.Buffer()); err != nil {
		cl.Check(l.Stop())
		return err
	}
	ev, err := m.Queues()[0].EnqueueKernel(k, []uint64{cfg.WorkSize}, nil)
	if err != nil {
		cl.Check(l.Stop())
		return err
	}
	err = m.Context().WaitForEvents(ev)
	cl.Check(ev.Release())
	if stopErr := l.Stop(); err == nil {
		err = stopErr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "# %d notification(s) handled\n", l.Handled())
	return nil
}
