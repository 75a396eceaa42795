package dispatch

import (
	"errors"
	"fmt"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/timing"
)

// ErrBatchSize is returned for a batch with fewer than one unit.
var ErrBatchSize = errors.New("dispatch: batch needs at least one unit")

// Topology names, also used in result file names.
const (
	NameOutOfOrder = "out-of-order-queue"
	NameInOrder    = "in-order-queue"
	NameMultiQueue = "multi-queue"
)

// WorkSpec describes the unit of work of a batch. Every unit runs Kernel
// over GlobalSize with the arguments returned by Args for its index.
type WorkSpec struct {
	Kernel     cl.Kernel
	GlobalSize []uint64
	// Args may be nil when the kernel arguments are bound once up front.
	Args func(unit int) []any
}

// ProblemSize is the total number of work items of one unit.
func (s WorkSpec) ProblemSize() uint64 {
	if len(s.GlobalSize) == 0 {
		return 0
	}
	n := uint64(1)
	for _, g := range s.GlobalSize {
		n *= g
	}
	return n
}

func (s WorkSpec) bind(unit int) error {
	if s.Args == nil {
		return nil
	}
	for i, arg := range s.Args(unit) {
		if err := s.Kernel.SetArg(i, arg); err != nil {
			return fmt.Errorf("unit %d: argument %d: %w", unit, i, err)
		}
	}
	return nil
}

// Strategy is one queue topology. Run enqueues n units gated on a single
// barrier, signals it, waits once and returns exactly one completion event
// per unit. The caller releases the events; transient queues are released
// before Run returns.
type Strategy interface {
	Name() string
	Run(dev cl.Device, spec WorkSpec, n int) ([]cl.Event, error)
}

type singleQueue struct {
	ctx   cl.Context
	name  string
	props cl.QueueProperties
}

// SingleOrdered enqueues every unit back-to-back on one in-order queue.
// Each unit depends only on the barrier, so whatever serialization shows
// up comes from the ordering contract of the queue itself.
func SingleOrdered(ctx cl.Context) Strategy {
	return &singleQueue{ctx: ctx, name: NameInOrder, props: cl.QueueProperties{Profiling: true}}
}

// SingleRelaxed enqueues every unit on one out-of-order queue.
func SingleRelaxed(ctx cl.Context) Strategy {
	return &singleQueue{ctx: ctx, name: NameOutOfOrder, props: cl.QueueProperties{OutOfOrder: true, Profiling: true}}
}

func (s *singleQueue) Name() string { return s.name }

func (s *singleQueue) Run(dev cl.Device, spec WorkSpec, n int) ([]cl.Event, error) {
	if n < 1 {
		return nil, ErrBatchSize
	}
	q, err := s.ctx.CreateQueue(dev, s.props)
	if err != nil {
		return nil, fmt.Errorf("%s: create queue: %w", s.name, err)
	}
	defer func() { cl.Check(q.Release()) }()

	return dispatch(s.ctx, func(int) cl.Queue { return q }, spec, n)
}

type multiQueue struct {
	ctx cl.Context
}

// MultiQueue gives every unit its own in-order queue on the same device.
func MultiQueue(ctx cl.Context) Strategy {
	return &multiQueue{ctx: ctx}
}

func (m *multiQueue) Name() string { return NameMultiQueue }

func (m *multiQueue) Run(dev cl.Device, spec WorkSpec, n int) ([]cl.Event, error) {
	if n < 1 {
		return nil, ErrBatchSize
	}
	queues := make([]cl.Queue, 0, n)
	defer func() {
		for _, q := range queues {
			cl.Check(q.Release())
		}
	}()
	for i := 0; i < n; i++ {
		q, err := m.ctx.CreateQueue(dev, cl.QueueProperties{Profiling: true})
		if err != nil {
			return nil, fmt.Errorf("%s: create queue %d: %w", NameMultiQueue, i, err)
		}
		queues = append(queues, q)
	}

	return dispatch(m.ctx, func(i int) cl.Queue { return queues[i] }, spec, n)
}

// Topologies returns the strategies in reporting order.
func Topologies(ctx cl.Context) []Strategy {
	return []Strategy{SingleRelaxed(ctx), SingleOrdered(ctx), MultiQueue(ctx)}
}

// dispatch is the batch protocol shared by every topology: one barrier,
// n enqueues that each wait on it, one signal and one wait.
func dispatch(ctx cl.Context, queueFor func(unit int) cl.Queue, spec WorkSpec, n int) ([]cl.Event, error) {
	barrier, err := NewBarrier(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { cl.Check(barrier.Close()) }()

	events := make([]cl.Event, 0, n)
	fail := func(err error) ([]cl.Event, error) {
		releaseEvents(events)
		return nil, err
	}

	for i := 0; i < n; i++ {
		if err := spec.bind(i); err != nil {
			return fail(err)
		}
		ev, err := queueFor(i).EnqueueKernel(spec.Kernel, spec.GlobalSize, barrier.Attach())
		if err != nil {
			return fail(fmt.Errorf("enqueue unit %d: %w", i, err))
		}
		events = append(events, ev)
	}

	if err := barrier.Signal(); err != nil {
		return fail(err)
	}
	if err := ctx.WaitForEvents(events...); err != nil {
		return fail(fmt.Errorf("wait for batch: %w", err))
	}
	return events, nil
}

func releaseEvents(events []cl.Event) {
	for _, ev := range events {
		cl.Check(ev.Release())
	}
}

// Batch is the measured outcome of one strategy run.
type Batch struct {
	Topology    string
	Units       int
	ProblemSize uint64
	Samples     []timing.Timestamps
	Normalized  timing.Normalized
	Summary     timing.Summary
}

// Measure runs strategy, reads the timestamps of every event, releases
// the events and derives the batch statistics.
func Measure(strategy Strategy, dev cl.Device, spec WorkSpec, n int) (*Batch, error) {
	events, err := strategy.Run(dev, spec, n)
	if err != nil {
		return nil, err
	}

	samples := make([]timing.Timestamps, len(events))
	var extractErr error
	for i, ev := range events {
		ts, err := timing.Extract(ev)
		if err != nil && extractErr == nil {
			extractErr = fmt.Errorf("%s: unit %d: %w", strategy.Name(), i, err)
		}
		samples[i] = ts
		cl.Check(ev.Release())
	}
	if extractErr != nil {
		return nil, extractErr
	}

	b := &Batch{
		Topology:    strategy.Name(),
		Units:       len(events),
		ProblemSize: spec.ProblemSize(),
		Samples:     samples,
	}
	if b.Normalized, err = timing.Normalize(samples); err != nil {
		return nil, fmt.Errorf("%s: %w", strategy.Name(), err)
	}
	if b.Summary, err = timing.Summarize(samples); err != nil {
		return nil, fmt.Errorf("%s: %w", strategy.Name(), err)
	}
	return b, nil
}
