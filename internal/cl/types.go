package cl

import (
	"fmt"
	"strings"
)

// DeviceType describes the class of a compute device. The values match the
// OpenCL bitfield so they can be handed to the runtime unchanged.
type DeviceType uint64

const (
	DeviceTypeDefault     DeviceType = 1 << 0
	DeviceTypeCPU         DeviceType = 1 << 1
	DeviceTypeGPU         DeviceType = 1 << 2
	DeviceTypeAccelerator DeviceType = 1 << 3
	DeviceTypeAll         DeviceType = 0xFFFFFFFF
)

func (t DeviceType) String() string {
	switch {
	case t == DeviceTypeAll:
		return "All"
	case t&DeviceTypeGPU != 0:
		return "GPU"
	case t&DeviceTypeCPU != 0:
		return "CPU"
	case t&DeviceTypeAccelerator != 0:
		return "Accelerator"
	case t&DeviceTypeDefault != 0:
		return "Default"
	default:
		return "Unknown"
	}
}

// Matches reports whether a device of type t passes the filter.
func (t DeviceType) Matches(filter DeviceType) bool {
	return t&filter != 0
}

// ParseDeviceType maps a user-supplied class name to a DeviceType. Any
// non-empty prefix of "gpu", "cpu", "accelerator" or "all" is accepted.
func ParseDeviceType(name string) (DeviceType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DeviceTypeGPU, nil
	}

	candidates := []struct {
		name string
		typ  DeviceType
	}{
		{"gpu", DeviceTypeGPU},
		{"cpu", DeviceTypeCPU},
		{"accelerator", DeviceTypeAccelerator},
		{"all", DeviceTypeAll},
	}
	for _, c := range candidates {
		if strings.HasPrefix(c.name, name) {
			return c.typ, nil
		}
	}
	return 0, fmt.Errorf("unknown device type %q (want gpu, cpu or accelerator)", name)
}

// DeviceInfo captures metadata about a compute device.
type DeviceInfo struct {
	Name            string
	Vendor          string
	Version         string
	Type            DeviceType
	MaxComputeUnits uint32
	GlobalMemSize   uint64
	MaxMemAlloc     uint64
	// TimerResolution is the profiling timer resolution in nanoseconds.
	TimerResolution uint64
	Extensions      []string
}

// PlatformInfo captures metadata about a compute provider.
type PlatformInfo struct {
	Name    string
	Vendor  string
	Version string
}

// QueueProperties select the submission-order mode and profiling of a queue.
type QueueProperties struct {
	// OutOfOrder lets the device reorder or overlap independent commands.
	OutOfOrder bool
	Profiling  bool
}

func (p QueueProperties) String() string {
	var parts []string
	if p.OutOfOrder {
		parts = append(parts, "out-of-order")
	} else {
		parts = append(parts, "in-order")
	}
	if p.Profiling {
		parts = append(parts, "profiling")
	}
	return strings.Join(parts, "|")
}

// MemFlags describe how a buffer is accessed by kernels.
type MemFlags uint64

const (
	MemReadWrite    MemFlags = 1 << 0
	MemWriteOnly    MemFlags = 1 << 1
	MemReadOnly     MemFlags = 1 << 2
	MemAllocHostPtr MemFlags = 1 << 4
)

// ProfilingParam selects one of the four lifecycle timestamps of a command.
type ProfilingParam int

const (
	ProfilingQueued ProfilingParam = iota
	ProfilingSubmit
	ProfilingStart
	ProfilingEnd
)

func (p ProfilingParam) String() string {
	switch p {
	case ProfilingQueued:
		return "queued"
	case ProfilingSubmit:
		return "submit"
	case ProfilingStart:
		return "start"
	case ProfilingEnd:
		return "end"
	default:
		return fmt.Sprintf("ProfilingParam(%d)", int(p))
	}
}

// LocalSize is the kernel argument value for a local memory pointer
// parameter: the number of bytes to reserve per work-group.
type LocalSize uint64
