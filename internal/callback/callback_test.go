package callback

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/cl/sim"
	"github.com/cwbudde/oclbench/internal/platform"
)

const userSource = `
__kernel void do_something(global Callback *cb)
{
    print(cb, 3.5f, 7, 42);
}
`

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	r := NewRegistry()
	a := must.M1(r.Register("first", nil, Float))
	b := must.M1(r.Register("second", nil, Double, Int))
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)
	assert.Equal(t, 12, r.PayloadSize())
	assert.Equal(t, 16, r.BufferSize())

	_, err := r.Register("first", nil)
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = r.Register("9lives", nil)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = r.Register("bad", nil, ParamType(7))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestSourceDeclaresHelpers(t *testing.T) {
	r := NewRegistry()
	must.M1(r.Register("print", nil, Float, Int, Int))
	src := r.Source(userSource)

	assert.True(t, strings.HasPrefix(src, "typedef struct { unsigned flag; char data[12]; } Callback;"))
	assert.Contains(t, src, "void print(global Callback *cb, float param0, int param1, int param2)")
	assert.Contains(t, src, "*((global int *) &cb->data[8]) = param2;")
	assert.Contains(t, src, "cb->flag = 1;")
	assert.True(t, strings.HasSuffix(src, userSource))
}

func TestSourceCompiles(t *testing.T) {
	m := must.M1(platform.New(sim.NewDefault(), 0, cl.DeviceTypeGPU))
	defer m.Release()

	r := NewRegistry()
	must.M1(r.Register("print", nil, Float, Int, Int))
	must.M1(r.Register("progress", nil, Double))

	prog, err := platform.Compile(m.Context(), nil, r.Source(userSource), "")
	require.NoError(t, err)
	defer prog.Release()
	assert.Equal(t, []string{"do_something"}, prog.EntryPoints())
}

func TestStoreDecodeRoundTrip(t *testing.T) {
	r := NewRegistry()
	id := must.M1(r.Register("mixed", nil, Double, Float, Int))
	buf := make([]byte, r.BufferSize())

	require.NoError(t, r.Store(buf, "mixed", 2.25, float32(-1.5), int32(-9)))
	assert.Equal(t, id, binary.LittleEndian.Uint32(buf))
	assert.Equal(t, math.Float64bits(2.25), binary.LittleEndian.Uint64(buf[4:]))

	e, args, err := r.decode(id, buf[4:])
	require.NoError(t, err)
	assert.Equal(t, "mixed", e.name)
	assert.Equal(t, []any{2.25, float32(-1.5), int32(-9)}, args)

	assert.ErrorIs(t, r.Store(buf, "mixed", 1.0), ErrArgumentCount)
	assert.ErrorIs(t, r.Store(buf, "mixed", 1, float32(1), int32(1)), ErrInvalidType)
	assert.ErrorIs(t, r.Store(buf[:8], "mixed", 2.25, float32(-1.5), int32(-9)), ErrShortPayload)

	_, _, err = r.decode(99, buf[4:])
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestListenerDeliversKernelNotification(t *testing.T) {
	drv := sim.NewDefault()
	m := must.M1(platform.NewWithQueues(drv, 0, cl.DeviceTypeGPU, cl.QueueProperties{}))
	defer m.Release()

	var (
		mu  sync.Mutex
		got [][]any
	)
	r := NewRegistry()
	must.M1(r.Register("print", func(args []any) {
		mu.Lock()
		got = append(got, args)
		mu.Unlock()
	}, Float, Int, Int))

	drv.RegisterKernelFunc("do_something", func(call *sim.Call) {
		must.M(r.Store(call.Args[0].([]byte), "print", float32(3.5), int32(7), int32(42)))
	})

	prog := must.M1(platform.Compile(m.Context(), nil, r.Source(userSource), ""))
	defer prog.Release()
	k := must.M1(prog.Kernel("do_something"))
	defer k.Release()

	l, err := Listen(context.Background(), m.Context(), m.Devices()[0], r, Options{Interval: time.Millisecond, Grace: 5 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, k.SetArg(0, l.Buffer()))
	q := m.Queues()[0]
	ev, err := q.EnqueueKernel(k, []uint64{1000}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Context().WaitForEvents(ev))
	require.NoError(t, ev.Release())

	require.Eventually(t, func() bool { return l.Handled() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, l.Stop())
	assert.NoError(t, l.Stop(), "second stop is a no-op")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, []any{float32(3.5), int32(7), int32(42)}, got[0])
}

func TestListenerStopsWithoutNotifications(t *testing.T) {
	m := must.M1(platform.New(sim.NewDefault(), 0, cl.DeviceTypeGPU))
	defer m.Release()

	r := NewRegistry()
	must.M1(r.Register("noop", nil))

	l, err := Listen(context.Background(), m.Context(), m.Devices()[0], r, Options{Interval: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.Stop())
	assert.Zero(t, l.Handled())
}
