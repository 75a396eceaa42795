package callback

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cwbudde/oclbench/internal/cl"
)

// Options tune a Listener.
type Options struct {
	// Interval between two polls of the flag.
	Interval time.Duration
	// Grace is how long Stop keeps polling before it cancels.
	Grace time.Duration
}

// DefaultOptions poll every millisecond and give late notifications
// 2.5ms.
func DefaultOptions() Options {
	return Options{Interval: time.Millisecond, Grace: 2500 * time.Microsecond}
}

// Listener polls a device-resident Callback struct on its own queue.
// It shares nothing with the dispatch path except the buffer, which
// kernels receive as an argument.
type Listener struct {
	reg   *Registry
	queue cl.Queue
	buf   cl.Buffer
	host  []byte
	grace time.Duration

	limiter *rate.Limiter
	cancel  context.CancelFunc
	group   *errgroup.Group
	handled atomic.Int64
	stopped bool
}

// Listen allocates the Callback buffer on dev, clears it and starts
// polling. The caller must call Stop.
func Listen(ctx context.Context, clctx cl.Context, dev cl.Device, reg *Registry, opts Options) (*Listener, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}

	queue, err := clctx.CreateQueue(dev, cl.QueueProperties{})
	if err != nil {
		return nil, fmt.Errorf("callback queue: %w", err)
	}
	size := reg.BufferSize()
	buf, err := clctx.CreateBuffer(cl.MemReadWrite, uint64(size))
	if err != nil {
		cl.Check(queue.Release())
		return nil, fmt.Errorf("callback buffer: %w", err)
	}

	l := &Listener{
		reg:     reg,
		queue:   queue,
		buf:     buf,
		host:    make([]byte, size),
		grace:   opts.Grace,
		limiter: rate.NewLimiter(rate.Every(opts.Interval), 1),
	}
	if err := l.write(); err != nil {
		l.release()
		return nil, err
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.group, ctx = errgroup.WithContext(ctx)
	l.group.Go(func() error { return l.loop(ctx) })

	slog.Debug("Callback listener started", "device", dev.Info().Name, "bytes", size, "interval", opts.Interval)
	return l, nil
}

// Buffer is the Callback struct to pass to kernels.
func (l *Listener) Buffer() cl.Buffer { return l.buf }

// Handled counts the notifications delivered so far.
func (l *Listener) Handled() int64 { return l.handled.Load() }

// Stop waits the grace period, cancels polling, waits for the poller and
// releases the queue and buffer. It returns the error that ended polling,
// if any.
func (l *Listener) Stop() error {
	if l.stopped {
		return nil
	}
	l.stopped = true

	time.Sleep(l.grace)
	l.cancel()
	err := l.group.Wait()
	l.release()
	return err
}

func (l *Listener) release() {
	cl.Check(l.buf.Release())
	cl.Check(l.queue.Release())
}

func (l *Listener) loop(ctx context.Context) error {
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			// Cancelled by Stop.
			return nil
		}
		if err := l.poll(); err != nil {
			return err
		}
	}
}

// poll reads the struct once and dispatches a pending notification.
func (l *Listener) poll() error {
	ev, err := l.queue.EnqueueReadBuffer(l.buf, true, 0, l.host, nil)
	if err != nil {
		return fmt.Errorf("read callback flag: %w", err)
	}
	cl.Check(ev.Release())
	id := binary.LittleEndian.Uint32(l.host)
	if id == 0 {
		return nil
	}

	e, args, err := l.reg.decode(id, l.host[flagSize:])
	if err != nil {
		slog.Warn("Dropping callback", "id", id, "error", err)
	} else if e.handler != nil {
		e.handler(args)
		l.handled.Add(1)
	}

	binary.LittleEndian.PutUint32(l.host, 0)
	return l.write()
}

func (l *Listener) write() error {
	ev, err := l.queue.EnqueueWriteBuffer(l.buf, true, 0, l.host, nil)
	if err != nil {
		return fmt.Errorf("reset callback flag: %w", err)
	}
	cl.Check(ev.Release())
	return nil
}
