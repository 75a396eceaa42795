package platform

import (
	"errors"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/cl/sim"
)

// flakyDriver fails queue creation once a budget is used up and counts
// releases.
type flakyDriver struct {
	cl.Driver
	queueBudget int

	queuesReleased  int
	contextReleased int
}

func (d *flakyDriver) CreateContext(devices []cl.Device) (cl.Context, error) {
	ctx, err := d.Driver.CreateContext(devices)
	if err != nil {
		return nil, err
	}
	return &flakyContext{Context: ctx, drv: d}, nil
}

type flakyContext struct {
	cl.Context
	drv *flakyDriver
}

func (c *flakyContext) CreateQueue(dev cl.Device, props cl.QueueProperties) (cl.Queue, error) {
	if c.drv.queueBudget == 0 {
		return nil, cl.NewError("clCreateCommandQueue", cl.OutOfResources)
	}
	c.drv.queueBudget--
	q, err := c.Context.CreateQueue(dev, props)
	if err != nil {
		return nil, err
	}
	return &countedQueue{Queue: q, drv: c.drv}, nil
}

func (c *flakyContext) Release() error {
	c.drv.contextReleased++
	return c.Context.Release()
}

type countedQueue struct {
	cl.Queue
	drv *flakyDriver
}

func (q *countedQueue) Release() error {
	q.drv.queuesReleased++
	return q.Queue.Release()
}

func TestDiscoverMatchesRuntimeDeviceCount(t *testing.T) {
	drv := sim.NewDefault()
	platforms := must.M1(drv.Platforms())

	for idx, p := range platforms {
		for _, filter := range []cl.DeviceType{cl.DeviceTypeAll, cl.DeviceTypeGPU, cl.DeviceTypeCPU, cl.DeviceTypeAccelerator} {
			want, err := p.Devices(filter)
			m, derr := Discover(drv, idx, filter)
			if err != nil {
				assert.ErrorIs(t, derr, ErrNoMatchingDevice, "platform %d %s", idx, filter)
				assert.ErrorIs(t, derr, cl.DeviceNotFound)
				continue
			}
			require.NoError(t, derr)
			assert.Len(t, m.Devices(), len(want), "platform %d %s", idx, filter)
			assert.Equal(t, idx, m.Index())
			assert.Equal(t, filter, m.Filter())
			assert.NoError(t, m.Release())
		}
	}
}

func TestDiscoverOutOfRange(t *testing.T) {
	drv := sim.NewDefault()
	for _, idx := range []int{-1, 2, 17} {
		_, err := Discover(drv, idx, cl.DeviceTypeGPU)
		assert.ErrorIs(t, err, ErrNoProvider, "index %d", idx)
	}
}

func TestNewWithQueues(t *testing.T) {
	m, err := NewWithQueues(sim.NewDefault(), 0, cl.DeviceTypeAll, cl.QueueProperties{Profiling: true})
	require.NoError(t, err)

	queues := m.Queues()
	require.Len(t, queues, 2)
	for i, q := range queues {
		assert.Equal(t, m.Devices()[i], q.Device(), "queue %d is bound to device %d", i, i)
	}
	require.NotNil(t, m.Context())

	require.NoError(t, m.Release())
	assert.NoError(t, m.Release(), "release is idempotent")
	assert.Nil(t, m.Context())
	assert.Empty(t, m.Devices())

	for _, q := range queues {
		assert.ErrorIs(t, q.Release(), cl.InvalidCommandQueue, "already released by the manager")
	}
	_, err = m.CreateContext()
	assert.ErrorIs(t, err, ErrReleased)
}

func TestReleaseNil(t *testing.T) {
	var m *Manager
	assert.NoError(t, m.Release())
}

func TestCreateQueuesPartialFailure(t *testing.T) {
	drv := &flakyDriver{Driver: sim.NewDefault(), queueBudget: 1}

	_, err := NewWithQueues(drv, 0, cl.DeviceTypeAll, cl.QueueProperties{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueCreation)
	assert.ErrorIs(t, err, cl.OutOfResources)
	assert.Equal(t, 1, drv.queuesReleased, "the queue created before the failure is released")
	assert.Equal(t, 1, drv.contextReleased, "the context is released after queue failure")
}

func TestQueuesNotOwnedWithoutCreateQueues(t *testing.T) {
	drv := &flakyDriver{Driver: sim.NewDefault(), queueBudget: 10}
	m, err := New(drv, 0, cl.DeviceTypeGPU)
	require.NoError(t, err)

	q, err := m.Context().CreateQueue(m.Devices()[0], cl.QueueProperties{})
	require.NoError(t, err)

	require.NoError(t, m.Release())
	assert.Equal(t, 0, drv.queuesReleased, "transient queues belong to their creator")
	assert.Equal(t, 1, drv.contextReleased)
	assert.NoError(t, q.Release())
}

func TestCreateQueuesNeedsContext(t *testing.T) {
	m, err := Discover(sim.NewDefault(), 0, cl.DeviceTypeGPU)
	require.NoError(t, err)
	defer m.Release()

	_, err = m.CreateQueues(cl.QueueProperties{})
	assert.ErrorIs(t, err, ErrQueueCreation)

	ctx, err := m.CreateContext()
	require.NoError(t, err)
	again, err := m.CreateContext()
	require.NoError(t, err)
	assert.Same(t, ctx, again, "one context per manager")
}

func TestTryAllocate(t *testing.T) {
	m, err := New(sim.NewDefault(), 0, cl.DeviceTypeGPU)
	require.NoError(t, err)
	defer m.Release()

	limit := m.Devices()[0].Info().MaxMemAlloc
	buf, ok := TryAllocate(m.Context(), cl.MemReadWrite, limit)
	require.True(t, ok)
	defer buf.Release()

	_, ok = TryAllocate(m.Context(), cl.MemReadWrite, limit*2)
	assert.False(t, ok)
}

func TestOpenDriver(t *testing.T) {
	drv, err := OpenDriver("sim", sim.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "sim", drv.Name())

	_, err = OpenDriver("quantum", sim.DefaultConfig())
	assert.ErrorIs(t, err, ErrUnknownBackend)

	assert.Equal(t, BackendOpenCL, NormalizeBackend(" GPU "))
	assert.Equal(t, BackendSim, NormalizeBackend("simulated"))
	assert.Equal(t, DefaultBackend(), NormalizeBackend(""))

	if _, err := OpenDriver("opencl", sim.DefaultConfig()); err != nil && !errors.Is(err, ErrBackendUnavailable) {
		t.Logf("opencl backend: %v", err)
	}
}
