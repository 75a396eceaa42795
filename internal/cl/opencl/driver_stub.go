//go:build !gpu

package opencl

import "github.com/cwbudde/oclbench/internal/cl"

// Available reports whether OpenCL support is compiled in.
const Available = false

// New returns ErrNotBuilt when OpenCL support is not compiled in.
func New() (cl.Driver, error) {
	return nil, ErrNotBuilt
}
