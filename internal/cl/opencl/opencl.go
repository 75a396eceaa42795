// Package opencl implements the cl driver interfaces on top of the system
// OpenCL library. It is only functional in binaries built with -tags gpu.
package opencl

import "errors"

// ErrNotBuilt indicates the binary was built without OpenCL support.
var ErrNotBuilt = errors.New("opencl support requires building with '-tags gpu'")
