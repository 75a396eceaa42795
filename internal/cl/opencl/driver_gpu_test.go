//go:build gpu

package opencl

import (
	"errors"
	"testing"
	"time"

	"github.com/cwbudde/oclbench/internal/cl"
)

func TestOpenCLProfiledKernel(t *testing.T) {
	drv, err := New()
	if err != nil {
		t.Skipf("OpenCL unavailable: %v", err)
	}
	platforms, err := drv.Platforms()
	if err != nil || len(platforms) == 0 {
		t.Skipf("no OpenCL platforms: %v", err)
	}
	devices, err := platforms[0].Devices(cl.DeviceTypeAll)
	if err != nil {
		t.Skipf("no OpenCL devices: %v", err)
	}

	ctx, err := drv.CreateContext(devices[:1])
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer ctx.Release()

	prog, err := ctx.CreateProgramWithSource("__kernel void fill(__global uint *out, uint v) { out[get_global_id(0)] = v; }")
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	defer prog.Release()
	if err := prog.Build(devices[:1], ""); err != nil {
		log, _ := prog.BuildLog(devices[0])
		t.Fatalf("build: %v\n%s", err, log)
	}

	k, err := prog.CreateKernel("fill")
	if err != nil {
		t.Fatalf("create kernel: %v", err)
	}
	defer k.Release()

	buf, err := ctx.CreateBuffer(cl.MemReadWrite, 16)
	if err != nil {
		t.Fatalf("create buffer: %v", err)
	}
	defer buf.Release()
	if err := k.SetArg(0, buf); err != nil {
		t.Fatalf("set arg 0: %v", err)
	}
	if err := k.SetArg(1, uint32(5)); err != nil {
		t.Fatalf("set arg 1: %v", err)
	}

	q, err := ctx.CreateQueue(devices[0], cl.QueueProperties{Profiling: true})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	defer q.Release()

	gate, err := ctx.CreateUserEvent()
	if err != nil {
		t.Fatalf("create user event: %v", err)
	}
	defer gate.Release()

	ev, err := q.EnqueueKernel(k, []uint64{4}, []cl.Event{gate})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	defer ev.Release()
	if err := gate.SetComplete(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := ctx.WaitForEvents(ev); err != nil {
		t.Fatalf("wait: %v", err)
	}

	start, err := ev.ProfilingInfo(cl.ProfilingStart)
	if err != nil {
		t.Fatalf("profiling start: %v", err)
	}
	end, err := ev.ProfilingInfo(cl.ProfilingEnd)
	if err != nil {
		t.Fatalf("profiling end: %v", err)
	}
	if end < start {
		t.Fatalf("end %d before start %d", end, start)
	}

	if _, err := gate.ProfilingInfo(cl.ProfilingStart); !errors.Is(err, cl.ProfilingInfoNotAvailable) {
		t.Logf("user event profiling: %v", err)
	}
}

func TestOpenCLReleasePendingRead(t *testing.T) {
	drv, err := New()
	if err != nil {
		t.Skipf("OpenCL unavailable: %v", err)
	}
	platforms, err := drv.Platforms()
	if err != nil || len(platforms) == 0 {
		t.Skipf("no OpenCL platforms: %v", err)
	}
	devices, err := platforms[0].Devices(cl.DeviceTypeAll)
	if err != nil {
		t.Skipf("no OpenCL devices: %v", err)
	}

	ctx, err := drv.CreateContext(devices[:1])
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	defer ctx.Release()
	q, err := ctx.CreateQueue(devices[0], cl.QueueProperties{})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	defer q.Release()
	buf, err := ctx.CreateBuffer(cl.MemReadWrite, 64)
	if err != nil {
		t.Fatalf("create buffer: %v", err)
	}
	defer buf.Release()

	gate, err := ctx.CreateUserEvent()
	if err != nil {
		t.Fatalf("create user event: %v", err)
	}
	defer gate.Release()

	// The read cannot start before the gate is signalled, so Release must
	// return while it is still pending.
	read, err := q.EnqueueReadBuffer(buf, false, 0, make([]byte, 64), []cl.Event{gate})
	if err != nil {
		t.Fatalf("enqueue read: %v", err)
	}
	released := make(chan error, 1)
	go func() { released <- read.Release() }()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("release: %v", err)
		}
	case <-time.After(2 * time.Second):
		_ = gate.SetComplete()
		t.Fatal("release blocked on a pending read")
	}

	if err := gate.SetComplete(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := q.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := read.Release(); err == nil {
		t.Fatal("second release succeeded")
	}
}
