package platform

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/cl/opencl"
	"github.com/cwbudde/oclbench/internal/cl/sim"
)

// Backend identifies a runtime implementation.
type Backend string

const (
	BackendSim    Backend = "sim"
	BackendOpenCL Backend = "opencl"
)

var (
	// ErrUnknownBackend is returned when the name does not match a known backend.
	ErrUnknownBackend = errors.New("unknown runtime backend")
	// ErrBackendUnavailable indicates the backend is not available in this build.
	ErrBackendUnavailable = errors.New("runtime backend unavailable")
)

// DefaultBackend is opencl when the binary carries OpenCL support and sim
// otherwise.
func DefaultBackend() Backend {
	if opencl.Available {
		return BackendOpenCL
	}
	return BackendSim
}

// NormalizeBackend maps arbitrary user input to a canonical backend identifier.
func NormalizeBackend(name string) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return DefaultBackend()
	case "sim", "simulated", "simulator":
		return BackendSim
	case "gpu", "opencl", "cl":
		return BackendOpenCL
	default:
		return Backend(name)
	}
}

// SupportedBackends returns the list of backends understood by OpenDriver.
func SupportedBackends() []Backend {
	return []Backend{BackendSim, BackendOpenCL}
}

// OpenDriver constructs the requested runtime. simCfg configures the
// simulated runtime and is ignored otherwise.
func OpenDriver(name string, simCfg sim.Config) (cl.Driver, error) {
	switch backend := NormalizeBackend(name); backend {
	case BackendSim:
		return sim.New(simCfg)
	case BackendOpenCL:
		drv, err := opencl.New()
		if errors.Is(err, opencl.ErrNotBuilt) {
			return nil, errors.Wrap(ErrBackendUnavailable, err.Error())
		}
		return drv, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
}
