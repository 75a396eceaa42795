// Package platform owns the lifetime of everything derived from one
// compute provider: its device list, the shared execution context and the
// optional per-device queues.
package platform

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/cwbudde/oclbench/internal/cl"
)

var (
	ErrNoProvider       = errors.New("no compute provider at requested index")
	ErrNoMatchingDevice = errors.New("no device of requested type")
	ErrContextCreation  = errors.New("could not create execution context")
	ErrQueueCreation    = errors.New("could not create command queue")
	ErrReleased         = errors.New("platform already released")
)

// Manager holds one provider, its devices, the execution context and,
// optionally, one queue per device.
type Manager struct {
	drv      cl.Driver
	index    int
	filter   cl.DeviceType
	platform cl.Platform
	devices  []cl.Device

	ctx       cl.Context
	queues    []cl.Queue
	ownQueues bool
	released  bool
}

// wrap attaches a sentinel and, when present, the runtime cause.
func wrap(sentinel, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return errors.Wrap(sentinel, msg)
	}
	return errors.WithStack(fmt.Errorf("%w: %s: %w", sentinel, msg, cause))
}

// Discover selects the provider at index and every device matching filter.
func Discover(drv cl.Driver, index int, filter cl.DeviceType) (*Manager, error) {
	platforms, err := drv.Platforms()
	if err != nil {
		return nil, wrap(ErrNoProvider, err, "enumerate providers")
	}
	if index < 0 || index >= len(platforms) {
		return nil, wrap(ErrNoProvider, nil, "invalid platform %d out of %d platforms", index, len(platforms))
	}

	p := platforms[index]
	devices, err := p.Devices(filter)
	if err == nil && len(devices) == 0 {
		err = cl.NewError("clGetDeviceIDs", cl.DeviceNotFound)
	}
	if err != nil {
		return nil, wrap(ErrNoMatchingDevice, err, "%s devices on platform %d", filter, index)
	}

	slog.Debug("Discovered platform",
		"backend", drv.Name(),
		"platform", p.Info().Name,
		"index", index,
		"type", filter.String(),
		"devices", len(devices))

	return &Manager{
		drv:      drv,
		index:    index,
		filter:   filter,
		platform: p,
		devices:  devices,
	}, nil
}

// New discovers the provider and creates the execution context.
func New(drv cl.Driver, index int, filter cl.DeviceType) (*Manager, error) {
	m, err := Discover(drv, index, filter)
	if err != nil {
		return nil, err
	}
	if _, err := m.CreateContext(); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

// NewWithQueues is New followed by CreateQueues. The queues are owned by
// the manager and released with it.
func NewWithQueues(drv cl.Driver, index int, filter cl.DeviceType, props cl.QueueProperties) (*Manager, error) {
	m, err := New(drv, index, filter)
	if err != nil {
		return nil, err
	}
	if _, err := m.CreateQueues(props); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

func (m *Manager) Driver() cl.Driver             { return m.drv }
func (m *Manager) Index() int                    { return m.index }
func (m *Manager) Filter() cl.DeviceType         { return m.filter }
func (m *Manager) PlatformInfo() cl.PlatformInfo { return m.platform.Info() }

// Devices returns the discovered devices in runtime order.
func (m *Manager) Devices() []cl.Device {
	return append([]cl.Device(nil), m.devices...)
}

// Context returns the execution context, or nil before CreateContext.
func (m *Manager) Context() cl.Context { return m.ctx }

// Queues returns the manager-owned queues, one per device.
func (m *Manager) Queues() []cl.Queue {
	return append([]cl.Queue(nil), m.queues...)
}

// CreateContext binds every discovered device into the execution context.
// There is exactly one context per manager; later calls return it.
func (m *Manager) CreateContext() (cl.Context, error) {
	if m.released {
		return nil, ErrReleased
	}
	if m.ctx != nil {
		return m.ctx, nil
	}
	ctx, err := m.drv.CreateContext(m.devices)
	if err != nil {
		return nil, wrap(ErrContextCreation, err, "%d devices", len(m.devices))
	}
	m.ctx = ctx
	return ctx, nil
}

// CreateQueues opens one queue per device, in device order. If any queue
// cannot be created, the ones already created are released.
func (m *Manager) CreateQueues(props cl.QueueProperties) ([]cl.Queue, error) {
	if m.released {
		return nil, ErrReleased
	}
	if m.ctx == nil {
		return nil, wrap(ErrQueueCreation, nil, "no execution context")
	}
	if m.queues != nil {
		return m.Queues(), nil
	}

	queues := make([]cl.Queue, 0, len(m.devices))
	for i, dev := range m.devices {
		q, err := m.ctx.CreateQueue(dev, props)
		if err != nil {
			for _, created := range queues {
				cl.Check(created.Release())
			}
			return nil, wrap(ErrQueueCreation, err, "device %d (%s)", i, dev.Info().Name)
		}
		queues = append(queues, q)
	}
	m.queues = queues
	m.ownQueues = true
	return m.Queues(), nil
}

// Release frees the owned queues, then the context, then drops the device
// list. It is safe on a nil or already released manager. Every release is
// attempted; the first failure is returned.
func (m *Manager) Release() error {
	if m == nil || m.released {
		return nil
	}
	m.released = true

	var first error
	keep := func(err error) {
		if !cl.Check(err) && first == nil {
			first = err
		}
	}
	if m.ownQueues {
		for _, q := range m.queues {
			keep(q.Release())
		}
	}
	m.queues = nil
	if m.ctx != nil {
		keep(m.ctx.Release())
		m.ctx = nil
	}
	m.devices = nil
	return first
}

// TryAllocate creates a buffer and reports failure as false instead of an
// error: running out of device memory is a measured outcome.
func TryAllocate(ctx cl.Context, flags cl.MemFlags, size uint64) (cl.Buffer, bool) {
	buf, err := ctx.CreateBuffer(flags, size)
	if err != nil {
		slog.Debug("Allocation failed", "size", size, "status", cl.StatusOf(err).Name())
		return nil, false
	}
	return buf, true
}
