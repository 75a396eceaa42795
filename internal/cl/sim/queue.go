package sim

import (
	"math"

	"github.com/cwbudde/oclbench/internal/cl"
)

type commandKind int

const (
	kindUser commandKind = iota
	kindKernel
	kindTransfer
)

type event struct {
	drv   *Driver
	ctx   *context
	queue *queue
	kind  commandKind
	seq   uint64

	waitList []*event
	prev     *event
	duration uint64
	effect   func()

	queued, submit, start, end uint64
	resolved                   bool
	released                   bool
}

func (e *event) ProfilingInfo(param cl.ProfilingParam) (uint64, error) {
	e.drv.mu.Lock()
	defer e.drv.mu.Unlock()

	if e.released {
		return 0, cl.NewError("clGetEventProfilingInfo", cl.InvalidEvent)
	}
	e.drv.resolveLocked()
	if e.queue == nil || !e.queue.props.Profiling || !e.resolved {
		return 0, cl.NewError("clGetEventProfilingInfo", cl.ProfilingInfoNotAvailable)
	}
	switch param {
	case cl.ProfilingQueued:
		return e.queued, nil
	case cl.ProfilingSubmit:
		return e.submit, nil
	case cl.ProfilingStart:
		return e.start, nil
	case cl.ProfilingEnd:
		return e.end, nil
	}
	return 0, cl.NewError("clGetEventProfilingInfo", cl.InvalidValue)
}

func (e *event) Release() error {
	e.drv.mu.Lock()
	defer e.drv.mu.Unlock()
	e.drv.tick()

	if e.released {
		return cl.NewError("clReleaseEvent", cl.InvalidEvent)
	}
	e.released = true
	return nil
}

type userEvent struct {
	event
}

func (u *userEvent) SetComplete() error {
	d := u.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if u.released {
		return cl.NewError("clSetUserEventStatus", cl.InvalidEvent)
	}
	if u.resolved {
		return cl.NewError("clSetUserEventStatus", cl.InvalidOperation)
	}
	u.submit, u.start, u.end = d.clock, d.clock, d.clock
	u.resolved = true
	d.resolveLocked()
	d.cond.Broadcast()
	return nil
}

type queue struct {
	drv   *Driver
	ctx   *context
	dev   *device
	props cl.QueueProperties

	last         *event
	submitFreeAt uint64
	lastEnd      uint64
	released     bool
}

func (q *queue) Device() cl.Device              { return q.dev }
func (q *queue) Properties() cl.QueueProperties { return q.props }

func (q *queue) EnqueueKernel(k cl.Kernel, globalSize []uint64, waitList []cl.Event) (cl.Event, error) {
	const op = "clEnqueueNDRangeKernel"
	d := q.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if q.released || q.ctx.released {
		return nil, cl.NewError(op, cl.InvalidCommandQueue)
	}
	sk, ok := k.(*kernel)
	if !ok || sk.drv != d || sk.released {
		return nil, cl.NewError(op, cl.InvalidKernel)
	}
	if sk.prog.ctx != q.ctx || sk.prog.builds[q.dev] == nil || !sk.prog.builds[q.dev].ok {
		return nil, cl.NewError(op, cl.InvalidProgramExecutable)
	}
	if len(globalSize) == 0 || len(globalSize) > 3 {
		return nil, cl.NewError(op, cl.InvalidWorkDimension)
	}
	items := uint64(1)
	for _, n := range globalSize {
		if n == 0 {
			return nil, cl.NewError(op, cl.InvalidGlobalWorkSize)
		}
		items *= n
	}
	args, err := sk.snapshot()
	if err != nil {
		return nil, cl.NewError(op, cl.InvalidKernelArgs)
	}
	deps, err := d.unwrap(waitList, true)
	if err != nil {
		return nil, cl.NewError(op, cl.InvalidEventWaitList)
	}

	dur := q.dev.cfg.KernelOverhead + uint64(math.Ceil(float64(items)*q.dev.cfg.NsPerWorkItem))
	ev := q.push(kindKernel, deps, dur)

	if fn := d.kernelFuncs[sk.name]; fn != nil {
		call := &Call{
			GlobalSize: append([]uint64(nil), globalSize...),
			Macros:     sk.prog.builds[q.dev].macros,
		}
		ev.effect = func() {
			call.Args = make([]any, len(args))
			for i, a := range args {
				if b, ok := a.(*buffer); ok {
					call.Args[i] = b.bytes()
				} else {
					call.Args[i] = a
				}
			}
			fn(call)
		}
	}

	d.resolveLocked()
	return ev, nil
}

func (q *queue) EnqueueWriteBuffer(b cl.Buffer, blocking bool, offset uint64, data []byte, waitList []cl.Event) (cl.Event, error) {
	snapshot := append([]byte(nil), data...)
	return q.transfer("clEnqueueWriteBuffer", b, blocking, offset, uint64(len(data)), waitList, func(sb *buffer) {
		copy(sb.bytes()[offset:], snapshot)
	})
}

func (q *queue) EnqueueReadBuffer(b cl.Buffer, blocking bool, offset uint64, data []byte, waitList []cl.Event) (cl.Event, error) {
	return q.transfer("clEnqueueReadBuffer", b, blocking, offset, uint64(len(data)), waitList, func(sb *buffer) {
		copy(data, sb.bytes()[offset:])
	})
}

func (q *queue) transfer(op string, b cl.Buffer, blocking bool, offset, size uint64, waitList []cl.Event, apply func(*buffer)) (cl.Event, error) {
	d := q.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if q.released || q.ctx.released {
		return nil, cl.NewError(op, cl.InvalidCommandQueue)
	}
	sb, ok := b.(*buffer)
	if !ok || sb.drv != d || sb.released || sb.ctx != q.ctx {
		return nil, cl.NewError(op, cl.InvalidMemObject)
	}
	if size == 0 || offset+size > sb.size {
		return nil, cl.NewError(op, cl.InvalidValue)
	}
	deps, err := d.unwrap(waitList, true)
	if err != nil {
		return nil, cl.NewError(op, cl.InvalidEventWaitList)
	}

	cfg := q.dev.cfg
	dur := cfg.TransferOverhead + uint64(math.Ceil(float64(size)/cfg.BytesPerNs))
	ev := q.push(kindTransfer, deps, dur)
	ev.effect = func() { apply(sb) }

	d.resolveLocked()
	if blocking {
		d.waitLocked([]*event{ev})
	}
	return ev, nil
}

// push appends a command to the queue. Caller holds d.mu.
func (q *queue) push(kind commandKind, deps []*event, duration uint64) *event {
	d := q.drv
	d.seq++
	ev := &event{
		drv:      d,
		ctx:      q.ctx,
		queue:    q,
		kind:     kind,
		seq:      d.seq,
		waitList: deps,
		duration: duration,
		queued:   d.clock,
	}
	if !q.props.OutOfOrder {
		ev.prev = q.last
	}
	q.last = ev
	d.pending = append(d.pending, ev)
	return ev
}

func (q *queue) Finish() error {
	d := q.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if q.released {
		return cl.NewError("clFinish", cl.InvalidCommandQueue)
	}
	var mine []*event
	for _, ev := range d.pending {
		if ev.queue == q {
			mine = append(mine, ev)
		}
	}
	d.waitLocked(mine)
	if q.lastEnd > d.clock {
		d.clock = q.lastEnd
	}
	return nil
}

func (q *queue) Release() error {
	d := q.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if q.released {
		return cl.NewError("clReleaseCommandQueue", cl.InvalidCommandQueue)
	}
	q.released = true
	return nil
}

// unwrap converts a wait list. Caller holds d.mu.
func (d *Driver) unwrap(events []cl.Event, allowEmpty bool) ([]*event, error) {
	if len(events) == 0 && !allowEmpty {
		return nil, cl.InvalidValue
	}
	out := make([]*event, 0, len(events))
	for _, e := range events {
		var ev *event
		switch v := e.(type) {
		case *event:
			ev = v
		case *userEvent:
			ev = &v.event
		default:
			return nil, cl.InvalidEvent
		}
		if ev.drv != d || ev.released {
			return nil, cl.InvalidEvent
		}
		out = append(out, ev)
	}
	return out, nil
}

// waitLocked blocks until every event is resolved and moves the host
// clock past the last end time. Caller holds d.mu.
func (d *Driver) waitLocked(events []*event) {
	for {
		d.resolveLocked()
		done := true
		var last uint64
		for _, ev := range events {
			if !ev.resolved {
				done = false
				break
			}
			if ev.end > last {
				last = ev.end
			}
		}
		if done {
			if last > d.clock {
				d.clock = last
			}
			return
		}
		d.cond.Wait()
	}
}

// ready reports whether every dependency of ev has ended and returns the
// earliest time ev may be submitted.
func (ev *event) ready() (uint64, bool) {
	at := ev.queued
	for _, dep := range ev.waitList {
		if !dep.resolved {
			return 0, false
		}
		at = max(at, dep.end)
	}
	if ev.prev != nil {
		if !ev.prev.resolved {
			return 0, false
		}
		at = max(at, ev.prev.end)
	}
	return at, true
}

// resolveLocked schedules every pending command whose dependencies are
// known, earliest-ready first. Caller holds d.mu.
func (d *Driver) resolveLocked() {
	for {
		best := -1
		var bestAt uint64
		for i, ev := range d.pending {
			at, ok := ev.ready()
			if !ok {
				continue
			}
			if best < 0 || at < bestAt {
				best, bestAt = i, at
			}
		}
		if best < 0 {
			return
		}
		ev := d.pending[best]
		d.pending = append(d.pending[:best], d.pending[best+1:]...)
		d.schedule(ev, bestAt)
	}
}

func (d *Driver) schedule(ev *event, readyAt uint64) {
	q := ev.queue
	dev := q.dev

	ev.submit = max(readyAt, q.submitFreeAt)
	q.submitFreeAt = ev.submit + dev.cfg.SubmitCost
	earliest := ev.submit + dev.cfg.LaunchLatency

	switch ev.kind {
	case kindTransfer:
		ev.start = max(earliest, dev.copyFreeAt)
		ev.end = ev.start + ev.duration
		dev.copyFreeAt = ev.end
	default:
		slot := 0
		for i, free := range dev.slots {
			if free < dev.slots[slot] {
				slot = i
			}
		}
		ev.start = max(earliest, dev.slots[slot])
		ev.end = ev.start + ev.duration
		dev.slots[slot] = ev.end
	}

	q.lastEnd = max(q.lastEnd, ev.end)
	ev.resolved = true
	if ev.effect != nil {
		ev.effect()
		ev.effect = nil
	}
}
