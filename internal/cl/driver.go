// Package cl is a thin, handle-based abstraction over a compute runtime.
//
// The interfaces mirror the OpenCL host API closely: every object that is
// created must be released by its owner, status codes are reported as
// *Error values, and enqueue calls return events that carry profiling
// timestamps. Two implementations exist: internal/cl/opencl (cgo, built
// with -tags gpu) and internal/cl/sim (pure Go, deterministic).
package cl

// Driver is the entry point of a runtime implementation.
type Driver interface {
	// Name identifies the backend ("opencl", "sim").
	Name() string
	// Platforms enumerates the providers exposed by the runtime.
	Platforms() ([]Platform, error)
	// CreateContext binds the given devices into one execution context.
	CreateContext(devices []Device) (Context, error)
}

// Platform is one compute provider.
type Platform interface {
	Info() PlatformInfo
	// Devices returns the devices of the requested type. It fails with
	// DeviceNotFound if none match.
	Devices(filter DeviceType) ([]Device, error)
}

// Device is an opaque handle to one accelerator unit. Devices are owned by
// the runtime and are never released individually.
type Device interface {
	Info() DeviceInfo
}

// Context is a shared scheduling and memory domain.
type Context interface {
	Devices() []Device
	CreateQueue(device Device, props QueueProperties) (Queue, error)
	CreateUserEvent() (UserEvent, error)
	CreateProgramWithSource(source string) (Program, error)
	CreateBuffer(flags MemFlags, size uint64) (Buffer, error)
	// WaitForEvents blocks until every event has completed.
	WaitForEvents(events ...Event) error
	Release() error
}

// Queue is a per-device submission channel.
type Queue interface {
	Device() Device
	Properties() QueueProperties
	EnqueueKernel(kernel Kernel, globalSize []uint64, waitList []Event) (Event, error)
	EnqueueWriteBuffer(buffer Buffer, blocking bool, offset uint64, data []byte, waitList []Event) (Event, error)
	EnqueueReadBuffer(buffer Buffer, blocking bool, offset uint64, data []byte, waitList []Event) (Event, error)
	Finish() error
	Release() error
}

// Program is a source unit, possibly built for a set of devices.
type Program interface {
	// Build compiles the program for devices with the given options. It may
	// be called once per device with different options.
	Build(devices []Device, options string) error
	// BuildLog returns the complete compiler log for device.
	BuildLog(device Device) (string, error)
	// KernelNames lists the entry points of the built program.
	KernelNames() ([]string, error)
	CreateKernel(name string) (Kernel, error)
	Release() error
}

// Kernel is one entry point with bound arguments. Arguments are captured
// at enqueue time, so a kernel may be re-bound between enqueues.
type Kernel interface {
	Name() string
	// SetArg binds a Buffer or a scalar (int32, uint32, int64, uint64,
	// float32, float64) to the argument slot.
	SetArg(index int, value any) error
	Release() error
}

// Buffer is a device memory object.
type Buffer interface {
	Size() uint64
	Release() error
}

// Event is a completion token of one enqueued command.
type Event interface {
	// ProfilingInfo returns a device-clock timestamp in nanoseconds. It
	// fails with ProfilingInfoNotAvailable unless the queue has profiling
	// enabled.
	ProfilingInfo(param ProfilingParam) (uint64, error)
	Release() error
}

// UserEvent is an event with no associated work, completed by the host.
type UserEvent interface {
	Event
	SetComplete() error
}
