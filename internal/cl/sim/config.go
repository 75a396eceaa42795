package sim

import (
	"fmt"

	"github.com/cwbudde/oclbench/internal/cl"
)

// DeviceConfig describes one simulated device and its timing model. All
// durations are in nanoseconds of the simulated device clock.
type DeviceConfig struct {
	Name            string   `yaml:"name" validate:"required"`
	Vendor          string   `yaml:"vendor"`
	Version         string   `yaml:"version"`
	Type            string   `yaml:"type" validate:"required,oneof=gpu cpu accelerator"`
	ComputeUnits    uint32   `yaml:"compute_units" validate:"min=1"`
	GlobalMemSize   uint64   `yaml:"global_mem_size" validate:"min=1"`
	MaxMemAlloc     uint64   `yaml:"max_mem_alloc" validate:"min=1,ltefield=GlobalMemSize"`
	TimerResolution uint64   `yaml:"timer_resolution"`
	Extensions      []string `yaml:"extensions"`

	// SubmitCost is the time a queue needs to hand one command to the
	// device. Commands of the same queue are submitted one after another.
	SubmitCost uint64 `yaml:"submit_cost"`
	// LaunchLatency is the delay between submission and start.
	LaunchLatency    uint64  `yaml:"launch_latency"`
	KernelOverhead   uint64  `yaml:"kernel_overhead"`
	NsPerWorkItem    float64 `yaml:"ns_per_work_item" validate:"gte=0"`
	TransferOverhead uint64  `yaml:"transfer_overhead"`
	BytesPerNs       float64 `yaml:"bytes_per_ns" validate:"gt=0"`
}

// PlatformConfig describes one simulated provider.
type PlatformConfig struct {
	Name    string         `yaml:"name" validate:"required"`
	Vendor  string         `yaml:"vendor"`
	Version string         `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices" validate:"dive"`
}

// Config describes the simulated runtime.
type Config struct {
	Platforms []PlatformConfig `yaml:"platforms" validate:"dive"`
	// HostOverhead is added to the clock for every host API call.
	HostOverhead uint64 `yaml:"host_overhead"`
}

// DefaultConfig returns two providers: one with a GPU and a CPU, and one
// with an accelerator.
func DefaultConfig() Config {
	return Config{
		HostOverhead: 500,
		Platforms: []PlatformConfig{
			{
				Name:    "Simulated Compute Platform",
				Vendor:  "oclbench",
				Version: "OpenCL 1.2 sim",
				Devices: []DeviceConfig{
					{
						Name:             "Sim GPU 0",
						Vendor:           "oclbench",
						Version:          "OpenCL 1.2",
						Type:             "gpu",
						ComputeUnits:     16,
						GlobalMemSize:    512 << 20,
						MaxMemAlloc:      128 << 20,
						TimerResolution:  1,
						Extensions:       []string{"cl_khr_fp64", "cl_khr_global_int32_base_atomics"},
						SubmitCost:       2_000,
						LaunchLatency:    5_000,
						KernelOverhead:   3_000,
						NsPerWorkItem:    0.5,
						TransferOverhead: 8_000,
						BytesPerNs:       6,
					},
					{
						Name:             "Sim CPU",
						Vendor:           "oclbench",
						Version:          "OpenCL 1.2",
						Type:             "cpu",
						ComputeUnits:     4,
						GlobalMemSize:    256 << 20,
						MaxMemAlloc:      64 << 20,
						TimerResolution:  1,
						Extensions:       []string{"cl_khr_fp64"},
						SubmitCost:       500,
						LaunchLatency:    1_000,
						KernelOverhead:   500,
						NsPerWorkItem:    4,
						TransferOverhead: 500,
						BytesPerNs:       10,
					},
				},
			},
			{
				Name:    "Simulated Accelerator Platform",
				Vendor:  "oclbench",
				Version: "OpenCL 1.2 sim",
				Devices: []DeviceConfig{
					{
						Name:             "Sim Accelerator",
						Vendor:           "oclbench",
						Version:          "OpenCL 1.2",
						Type:             "accelerator",
						ComputeUnits:     2,
						GlobalMemSize:    128 << 20,
						MaxMemAlloc:      32 << 20,
						TimerResolution:  10,
						SubmitCost:       10_000,
						LaunchLatency:    20_000,
						KernelOverhead:   10_000,
						NsPerWorkItem:    1,
						TransferOverhead: 20_000,
						BytesPerNs:       2,
					},
				},
			},
		},
	}
}

func parseType(name string) (cl.DeviceType, error) {
	switch name {
	case "gpu":
		return cl.DeviceTypeGPU, nil
	case "cpu":
		return cl.DeviceTypeCPU, nil
	case "accelerator":
		return cl.DeviceTypeAccelerator, nil
	}
	return 0, fmt.Errorf("sim: unknown device type %q", name)
}
