package main

import (
	"encoding/binary"
	"math"

	"github.com/cwbudde/oclbench/internal/cl/sim"
)

// computeSource increments every element times times. Each work item owns
// one element, so concurrent units never touch each other's buffers.
const computeSource = `
__kernel void compute(global int *data, int times)
{
    size_t idx = get_global_id(0);
    for (int i = 0; i < times; i++)
        data[idx]++;
}
`

const touchSource = `
__kernel void touch(void)
{
    1 + 1;
}
`

// touchArraySource keeps the runtime from assuming a transferred buffer is
// never used.
const touchArraySource = `
__kernel void touch_array(global char *array)
{
    array[0] = array[1] + array[2];
}
`

const copySource = `
__kernel void copy(global const float *in, global float *out)
{
    size_t idx = get_global_id(0);
    out[idx] = in[idx];
}
`

const fp64Source = `
__kernel void probe_fp64(global int *flags)
{
    flags[0] = 0;
#if defined(cl_khr_fp64)
    flags[0] |= 1 << 0;
#endif
#if defined(cl_amd_fp64)
    flags[0] |= 1 << 1;
#endif
}
`

// emulate registers Go versions of the benchmark kernels so that results
// computed on the simulated runtime are real.
func emulate(drv *sim.Driver) {
	drv.RegisterKernelFunc("compute", func(call *sim.Call) {
		data, ok := call.Args[0].([]byte)
		if !ok {
			return
		}
		times, _ := call.Args[1].(int32)
		n := min(call.GlobalSize[0], uint64(len(data)/4))
		for i := uint64(0); i < n; i++ {
			v := binary.LittleEndian.Uint32(data[4*i:])
			binary.LittleEndian.PutUint32(data[4*i:], v+uint32(times))
		}
	})

	drv.RegisterKernelFunc("touch_array", func(call *sim.Call) {
		array, ok := call.Args[0].([]byte)
		if !ok || len(array) < 3 {
			return
		}
		array[0] = array[1] + array[2]
	})

	drv.RegisterKernelFunc("copy", func(call *sim.Call) {
		in, ok1 := call.Args[0].([]byte)
		out, ok2 := call.Args[1].([]byte)
		if !ok1 || !ok2 {
			return
		}
		n := min(call.GlobalSize[0]*4, uint64(len(in)), uint64(len(out)))
		copy(out[:n], in[:n])
	})

	drv.RegisterKernelFunc("probe_fp64", func(call *sim.Call) {
		flags, ok := call.Args[0].([]byte)
		if !ok || len(flags) < 4 {
			return
		}
		var v uint32
		if call.Defined("cl_khr_fp64") {
			v |= 1 << 0
		}
		if call.Defined("cl_amd_fp64") {
			v |= 1 << 1
		}
		binary.LittleEndian.PutUint32(flags, v)
	})
}

// float32s encodes values as a little-endian byte slice.
func float32s(values []float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}
