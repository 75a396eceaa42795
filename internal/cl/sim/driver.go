// Package sim is a deterministic, pure-Go implementation of the cl driver
// interfaces.
//
// Commands never run in real time. Every host call advances a virtual
// clock, and commands are scheduled onto the virtual device as soon as
// their dependencies are known: a command is ready once its wait list and,
// on an in-order queue, its predecessor have ended. Submission through one
// queue is serialized by SubmitCost, a device runs at most ComputeUnits
// kernels at once, and transfers share a single copy engine per device.
// WaitForEvents blocks on a condition variable, so a user event completed
// from another goroutine releases the waiters.
package sim

import (
	"fmt"
	"sync"

	"github.com/cwbudde/oclbench/internal/cl"
)

// Call is one kernel execution handed to a KernelFunc.
type Call struct {
	// Args holds buffer arguments as []byte views of the buffer contents
	// and scalars as set.
	Args       []any
	GlobalSize []uint64
	// Macros are the preprocessor definitions the program was built with
	// for the executing device.
	Macros map[string]string
}

// Defined reports whether name was a macro during the build.
func (c *Call) Defined(name string) bool {
	_, ok := c.Macros[name]
	return ok
}

// KernelFunc emulates the device side of a kernel.
type KernelFunc func(call *Call)

// Driver is the simulated runtime.
type Driver struct {
	mu   sync.Mutex
	cond *sync.Cond

	hostOverhead uint64
	clock        uint64

	platforms   []*platform
	kernelFuncs map[string]KernelFunc
	pending     []*event
	seq         uint64
}

const clockOrigin = 1_000_000

// New creates a simulated runtime from cfg.
func New(cfg Config) (*Driver, error) {
	d := &Driver{
		hostOverhead: cfg.HostOverhead,
		clock:        clockOrigin,
		kernelFuncs:  make(map[string]KernelFunc),
	}
	d.cond = sync.NewCond(&d.mu)

	for pi, pc := range cfg.Platforms {
		p := &platform{
			drv:  d,
			info: cl.PlatformInfo{Name: pc.Name, Vendor: pc.Vendor, Version: pc.Version},
		}
		for di, dc := range pc.Devices {
			typ, err := parseType(dc.Type)
			if err != nil {
				return nil, fmt.Errorf("platform %d device %d: %w", pi, di, err)
			}
			units := dc.ComputeUnits
			if units == 0 {
				units = 1
			}
			p.devices = append(p.devices, &device{
				drv:      d,
				platform: p,
				cfg:      dc,
				slots:    make([]uint64, units),
				info: cl.DeviceInfo{
					Name:            dc.Name,
					Vendor:          dc.Vendor,
					Version:         dc.Version,
					Type:            typ,
					MaxComputeUnits: units,
					GlobalMemSize:   dc.GlobalMemSize,
					MaxMemAlloc:     dc.MaxMemAlloc,
					TimerResolution: dc.TimerResolution,
					Extensions:      append([]string(nil), dc.Extensions...),
				},
			})
		}
		d.platforms = append(d.platforms, p)
	}
	return d, nil
}

// NewDefault creates a runtime with DefaultConfig.
func NewDefault() *Driver {
	d, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Driver) Name() string { return "sim" }

// RegisterKernelFunc installs a device-side emulation for every kernel
// with the given entry-point name.
func (d *Driver) RegisterKernelFunc(name string, fn KernelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernelFuncs[name] = fn
}

// Now returns the current host clock.
func (d *Driver) Now() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

func (d *Driver) Platforms() ([]cl.Platform, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	out := make([]cl.Platform, len(d.platforms))
	for i, p := range d.platforms {
		out[i] = p
	}
	return out, nil
}

func (d *Driver) CreateContext(devices []cl.Device) (cl.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if len(devices) == 0 {
		return nil, cl.NewError("clCreateContext", cl.InvalidValue)
	}
	ctx := &context{drv: d}
	for _, dev := range devices {
		sd, ok := dev.(*device)
		if !ok || sd.drv != d {
			return nil, cl.NewError("clCreateContext", cl.InvalidDevice)
		}
		if sd.platform != ctx.platform() && ctx.platform() != nil {
			return nil, cl.NewError("clCreateContext", cl.InvalidDevice)
		}
		ctx.devices = append(ctx.devices, sd)
	}
	return ctx, nil
}

// tick advances the host clock by one API call. Caller holds d.mu.
func (d *Driver) tick() {
	d.clock += d.hostOverhead
}

type platform struct {
	drv     *Driver
	info    cl.PlatformInfo
	devices []*device
}

func (p *platform) Info() cl.PlatformInfo { return p.info }

func (p *platform) Devices(filter cl.DeviceType) ([]cl.Device, error) {
	var out []cl.Device
	for _, dev := range p.devices {
		if dev.info.Type.Matches(filter) {
			out = append(out, dev)
		}
	}
	if len(out) == 0 {
		return nil, cl.NewError("clGetDeviceIDs", cl.DeviceNotFound)
	}
	return out, nil
}

type device struct {
	drv      *Driver
	platform *platform
	cfg      DeviceConfig
	info     cl.DeviceInfo

	// slots holds the time each compute unit becomes free.
	slots      []uint64
	copyFreeAt uint64
}

func (dev *device) Info() cl.DeviceInfo { return dev.info }

type context struct {
	drv      *Driver
	devices  []*device
	used     uint64
	released bool
}

func (c *context) platform() *platform {
	if len(c.devices) == 0 {
		return nil
	}
	return c.devices[0].platform
}

func (c *context) has(dev *device) bool {
	for _, d := range c.devices {
		if d == dev {
			return true
		}
	}
	return false
}

// limits returns the smallest allocation and memory limits of the context.
func (c *context) limits() (maxAlloc, globalMem uint64) {
	for i, dev := range c.devices {
		if i == 0 || dev.info.MaxMemAlloc < maxAlloc {
			maxAlloc = dev.info.MaxMemAlloc
		}
		if i == 0 || dev.info.GlobalMemSize < globalMem {
			globalMem = dev.info.GlobalMemSize
		}
	}
	return maxAlloc, globalMem
}

func (c *context) Devices() []cl.Device {
	out := make([]cl.Device, len(c.devices))
	for i, dev := range c.devices {
		out[i] = dev
	}
	return out
}

func (c *context) CreateQueue(dev cl.Device, props cl.QueueProperties) (cl.Queue, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.tick()

	if c.released {
		return nil, cl.NewError("clCreateCommandQueue", cl.InvalidContext)
	}
	sd, ok := dev.(*device)
	if !ok || !c.has(sd) {
		return nil, cl.NewError("clCreateCommandQueue", cl.InvalidDevice)
	}
	return &queue{drv: c.drv, ctx: c, dev: sd, props: props}, nil
}

func (c *context) CreateUserEvent() (cl.UserEvent, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.tick()

	if c.released {
		return nil, cl.NewError("clCreateUserEvent", cl.InvalidContext)
	}
	c.drv.seq++
	return &userEvent{event: event{
		drv:    c.drv,
		ctx:    c,
		seq:    c.drv.seq,
		queued: c.drv.clock,
	}}, nil
}

func (c *context) CreateProgramWithSource(source string) (cl.Program, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.tick()

	if c.released {
		return nil, cl.NewError("clCreateProgramWithSource", cl.InvalidContext)
	}
	if source == "" {
		return nil, cl.NewError("clCreateProgramWithSource", cl.InvalidValue)
	}
	return &program{
		drv:    c.drv,
		ctx:    c,
		source: source,
		builds: make(map[*device]*buildResult),
	}, nil
}

func (c *context) CreateBuffer(flags cl.MemFlags, size uint64) (cl.Buffer, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.tick()

	if c.released {
		return nil, cl.NewError("clCreateBuffer", cl.InvalidContext)
	}
	maxAlloc, globalMem := c.limits()
	if size == 0 || size > maxAlloc {
		return nil, cl.NewError("clCreateBuffer", cl.InvalidBufferSize)
	}
	if c.used+size > globalMem {
		return nil, cl.NewError("clCreateBuffer", cl.MemObjectAllocationFailure)
	}
	c.used += size
	return &buffer{drv: c.drv, ctx: c, flags: flags, size: size}, nil
}

func (c *context) WaitForEvents(events ...cl.Event) error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.tick()

	if len(events) == 0 {
		return cl.NewError("clWaitForEvents", cl.InvalidValue)
	}
	evs, err := c.drv.unwrap(events, false)
	if err != nil {
		return cl.NewError("clWaitForEvents", cl.InvalidEvent)
	}
	c.drv.waitLocked(evs)
	return nil
}

func (c *context) Release() error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.tick()

	if c.released {
		return cl.NewError("clReleaseContext", cl.InvalidContext)
	}
	c.released = true
	return nil
}

type buffer struct {
	drv      *Driver
	ctx      *context
	flags    cl.MemFlags
	size     uint64
	data     []byte
	released bool
}

func (b *buffer) Size() uint64 { return b.size }

// bytes returns the backing store, allocating it on first use so that
// large allocations that are never touched cost nothing.
func (b *buffer) bytes() []byte {
	if b.data == nil {
		b.data = make([]byte, b.size)
	}
	return b.data
}

func (b *buffer) Release() error {
	b.drv.mu.Lock()
	defer b.drv.mu.Unlock()
	b.drv.tick()

	if b.released {
		return cl.NewError("clReleaseMemObject", cl.InvalidMemObject)
	}
	b.released = true
	b.ctx.used -= b.size
	b.data = nil
	return nil
}
