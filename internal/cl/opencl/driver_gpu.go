//go:build gpu

package opencl

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <stdlib.h>
#include <string.h>
#include <CL/cl.h>
*/
import "C"

import (
	"strings"
	"sync"
	"unsafe"

	"github.com/cwbudde/oclbench/internal/cl"
)

// Available reports whether OpenCL support is compiled in.
const Available = true

// Driver binds the system OpenCL ICD loader.
type Driver struct{}

// New returns the OpenCL driver.
func New() (cl.Driver, error) {
	var count C.cl_uint
	if status := C.clGetPlatformIDs(0, nil, &count); status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs", status)
	}
	return &Driver{}, nil
}

func (d *Driver) Name() string { return "opencl" }

func (d *Driver) Platforms() ([]cl.Platform, error) {
	var count C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &count)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(count)", status)
	}
	if count == 0 {
		return nil, nil
	}

	ids := make([]C.cl_platform_id, int(count))
	status = C.clGetPlatformIDs(count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(list)", status)
	}

	out := make([]cl.Platform, 0, len(ids))
	for _, id := range ids {
		p := &platform{id: id}
		var err error
		if p.info.Name, err = getPlatformString(id, C.CL_PLATFORM_NAME); err != nil {
			return nil, err
		}
		if p.info.Vendor, err = getPlatformString(id, C.CL_PLATFORM_VENDOR); err != nil {
			return nil, err
		}
		if p.info.Version, err = getPlatformString(id, C.CL_PLATFORM_VERSION); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (d *Driver) CreateContext(devices []cl.Device) (cl.Context, error) {
	if len(devices) == 0 {
		return nil, cl.NewError("clCreateContext", cl.InvalidValue)
	}
	ids := make([]C.cl_device_id, len(devices))
	devs := make([]*device, len(devices))
	for i, dev := range devices {
		cd, ok := dev.(*device)
		if !ok {
			return nil, cl.NewError("clCreateContext", cl.InvalidDevice)
		}
		ids[i], devs[i] = cd.id, cd
	}

	var status C.cl_int
	id := C.clCreateContext(nil, C.cl_uint(len(ids)), &ids[0], nil, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateContext", status)
	}
	return &context{id: id, devices: devs}, nil
}

type platform struct {
	id   C.cl_platform_id
	info cl.PlatformInfo
}

func (p *platform) Info() cl.PlatformInfo { return p.info }

func (p *platform) Devices(filter cl.DeviceType) ([]cl.Device, error) {
	var count C.cl_uint
	status := C.clGetDeviceIDs(p.id, C.cl_device_type(filter), 0, nil, &count)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(count)", status)
	}
	if count == 0 {
		return nil, cl.NewError("clGetDeviceIDs", cl.DeviceNotFound)
	}

	ids := make([]C.cl_device_id, int(count))
	status = C.clGetDeviceIDs(p.id, C.cl_device_type(filter), count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(list)", status)
	}

	out := make([]cl.Device, 0, len(ids))
	for _, id := range ids {
		info, err := buildDeviceInfo(id)
		if err != nil {
			return nil, err
		}
		out = append(out, &device{id: id, info: info})
	}
	return out, nil
}

type device struct {
	id   C.cl_device_id
	info cl.DeviceInfo
}

func (d *device) Info() cl.DeviceInfo { return d.info }

type context struct {
	id      C.cl_context
	devices []*device
}

func (c *context) Devices() []cl.Device {
	out := make([]cl.Device, len(c.devices))
	for i, d := range c.devices {
		out[i] = d
	}
	return out
}

func (c *context) CreateQueue(dev cl.Device, props cl.QueueProperties) (cl.Queue, error) {
	cd, ok := dev.(*device)
	if !ok {
		return nil, cl.NewError("clCreateCommandQueue", cl.InvalidDevice)
	}
	var flags C.cl_command_queue_properties
	if props.OutOfOrder {
		flags |= C.CL_QUEUE_OUT_OF_ORDER_EXEC_MODE_ENABLE
	}
	if props.Profiling {
		flags |= C.CL_QUEUE_PROFILING_ENABLE
	}

	var status C.cl_int
	id := C.clCreateCommandQueue(c.id, cd.id, flags, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateCommandQueue", status)
	}
	return &queue{id: id, dev: cd, props: props}, nil
}

func (c *context) CreateUserEvent() (cl.UserEvent, error) {
	var status C.cl_int
	id := C.clCreateUserEvent(c.id, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateUserEvent", status)
	}
	return &userEvent{event: event{id: id}}, nil
}

func (c *context) CreateProgramWithSource(source string) (cl.Program, error) {
	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))

	var status C.cl_int
	id := C.clCreateProgramWithSource(c.id, 1, &csrc, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateProgramWithSource", status)
	}
	return &program{id: id, ctx: c}, nil
}

func (c *context) CreateBuffer(flags cl.MemFlags, size uint64) (cl.Buffer, error) {
	var status C.cl_int
	id := C.clCreateBuffer(c.id, C.cl_mem_flags(flags), C.size_t(size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateBuffer", status)
	}
	return &buffer{id: id, size: size}, nil
}

func (c *context) WaitForEvents(events ...cl.Event) error {
	if len(events) == 0 {
		return cl.NewError("clWaitForEvents", cl.InvalidValue)
	}
	ids := make([]C.cl_event, len(events))
	evs := make([]*event, len(events))
	for i, e := range events {
		ev := unwrapEvent(e)
		if ev == nil {
			return cl.NewError("clWaitForEvents", cl.InvalidEvent)
		}
		ids[i], evs[i] = ev.id, ev
	}
	if status := C.clWaitForEvents(C.cl_uint(len(ids)), &ids[0]); status != C.CL_SUCCESS {
		return statusError("clWaitForEvents", status)
	}
	for _, ev := range evs {
		ev.complete()
	}
	return nil
}

func (c *context) Release() error {
	if c.id == nil {
		return cl.NewError("clReleaseContext", cl.InvalidContext)
	}
	status := C.clReleaseContext(c.id)
	c.id = nil
	return checkStatus("clReleaseContext", status)
}

type queue struct {
	id    C.cl_command_queue
	dev   *device
	props cl.QueueProperties

	mu      sync.Mutex
	staging []*event
}

func (q *queue) Device() cl.Device              { return q.dev }
func (q *queue) Properties() cl.QueueProperties { return q.props }

func (q *queue) EnqueueKernel(k cl.Kernel, globalSize []uint64, waitList []cl.Event) (cl.Event, error) {
	ck, ok := k.(*kernel)
	if !ok {
		return nil, cl.NewError("clEnqueueNDRangeKernel", cl.InvalidKernel)
	}
	if len(globalSize) == 0 {
		return nil, cl.NewError("clEnqueueNDRangeKernel", cl.InvalidWorkDimension)
	}
	global := make([]C.size_t, len(globalSize))
	for i, n := range globalSize {
		global[i] = C.size_t(n)
	}
	waits, err := eventIDs(waitList)
	if err != nil {
		return nil, err
	}

	var id C.cl_event
	status := C.clEnqueueNDRangeKernel(q.id, ck.id, C.cl_uint(len(global)), nil, &global[0], nil,
		C.cl_uint(len(waits)), waitPtr(waits), &id)
	if status != C.CL_SUCCESS {
		return nil, statusError("clEnqueueNDRangeKernel", status)
	}
	return &event{id: id}, nil
}

// Transfers go through C memory: the runtime may touch the host pointer
// after a non-blocking call returns, which Go memory does not allow.
func (q *queue) EnqueueWriteBuffer(b cl.Buffer, blocking bool, offset uint64, data []byte, waitList []cl.Event) (cl.Event, error) {
	cb, ok := b.(*buffer)
	if !ok || len(data) == 0 {
		return nil, cl.NewError("clEnqueueWriteBuffer", cl.InvalidMemObject)
	}
	waits, err := eventIDs(waitList)
	if err != nil {
		return nil, err
	}
	staging := C.malloc(C.size_t(len(data)))
	C.memcpy(staging, unsafe.Pointer(&data[0]), C.size_t(len(data)))

	var id C.cl_event
	status := C.clEnqueueWriteBuffer(q.id, cb.id, clBool(blocking), C.size_t(offset), C.size_t(len(data)),
		staging, C.cl_uint(len(waits)), waitPtr(waits), &id)
	if status != C.CL_SUCCESS {
		C.free(staging)
		return nil, statusError("clEnqueueWriteBuffer", status)
	}
	return q.track(&event{id: id, staging: staging}, blocking), nil
}

func (q *queue) EnqueueReadBuffer(b cl.Buffer, blocking bool, offset uint64, data []byte, waitList []cl.Event) (cl.Event, error) {
	cb, ok := b.(*buffer)
	if !ok || len(data) == 0 {
		return nil, cl.NewError("clEnqueueReadBuffer", cl.InvalidMemObject)
	}
	waits, err := eventIDs(waitList)
	if err != nil {
		return nil, err
	}
	staging := C.malloc(C.size_t(len(data)))

	var id C.cl_event
	status := C.clEnqueueReadBuffer(q.id, cb.id, clBool(blocking), C.size_t(offset), C.size_t(len(data)),
		staging, C.cl_uint(len(waits)), waitPtr(waits), &id)
	if status != C.CL_SUCCESS {
		C.free(staging)
		return nil, statusError("clEnqueueReadBuffer", status)
	}
	return q.track(&event{id: id, staging: staging, dst: data}, blocking), nil
}

func (q *queue) track(ev *event, blocking bool) *event {
	if blocking {
		ev.complete()
		return ev
	}
	q.mu.Lock()
	pending := q.staging[:0]
	for _, p := range q.staging {
		if p.done() {
			p.complete()
			continue
		}
		pending = append(pending, p)
	}
	q.staging = append(pending, ev)
	q.mu.Unlock()
	return ev
}

func (q *queue) Finish() error {
	if status := C.clFinish(q.id); status != C.CL_SUCCESS {
		return statusError("clFinish", status)
	}
	q.mu.Lock()
	pending := q.staging
	q.staging = nil
	q.mu.Unlock()
	for _, ev := range pending {
		ev.complete()
	}
	return nil
}

func (q *queue) Release() error {
	if q.id == nil {
		return cl.NewError("clReleaseCommandQueue", cl.InvalidCommandQueue)
	}
	if err := q.Finish(); err != nil {
		return err
	}
	status := C.clReleaseCommandQueue(q.id)
	q.id = nil
	return checkStatus("clReleaseCommandQueue", status)
}

type program struct {
	id  C.cl_program
	ctx *context
}

func (p *program) Build(devices []cl.Device, options string) error {
	var ids []C.cl_device_id
	for _, dev := range devices {
		cd, ok := dev.(*device)
		if !ok {
			return cl.NewError("clBuildProgram", cl.InvalidDevice)
		}
		ids = append(ids, cd.id)
	}
	var idPtr *C.cl_device_id
	if len(ids) > 0 {
		idPtr = &ids[0]
	}
	copts := C.CString(options)
	defer C.free(unsafe.Pointer(copts))

	status := C.clBuildProgram(p.id, C.cl_uint(len(ids)), idPtr, copts, nil, nil)
	return checkStatus("clBuildProgram", status)
}

// BuildLog queries the log size first and reads it into an exactly sized
// buffer.
func (p *program) BuildLog(dev cl.Device) (string, error) {
	cd, ok := dev.(*device)
	if !ok {
		return "", cl.NewError("clGetProgramBuildInfo", cl.InvalidDevice)
	}
	var size C.size_t
	if status := C.clGetProgramBuildInfo(p.id, cd.id, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size); status != C.CL_SUCCESS {
		return "", statusError("clGetProgramBuildInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, int(size))
	if status := C.clGetProgramBuildInfo(p.id, cd.id, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		return "", statusError("clGetProgramBuildInfo(log)", status)
	}
	return trimNull(buf), nil
}

func (p *program) KernelNames() ([]string, error) {
	var size C.size_t
	if status := C.clGetProgramInfo(p.id, C.CL_PROGRAM_KERNEL_NAMES, 0, nil, &size); status != C.CL_SUCCESS {
		return nil, statusError("clGetProgramInfo(size)", status)
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, int(size))
	if status := C.clGetProgramInfo(p.id, C.CL_PROGRAM_KERNEL_NAMES, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		return nil, statusError("clGetProgramInfo(names)", status)
	}
	names := trimNull(buf)
	if names == "" {
		return nil, nil
	}
	return strings.Split(names, ";"), nil
}

func (p *program) CreateKernel(name string) (cl.Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var status C.cl_int
	id := C.clCreateKernel(p.id, cname, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateKernel", status)
	}
	return &kernel{id: id, name: name}, nil
}

func (p *program) Release() error {
	if p.id == nil {
		return cl.NewError("clReleaseProgram", cl.InvalidProgram)
	}
	status := C.clReleaseProgram(p.id)
	p.id = nil
	return checkStatus("clReleaseProgram", status)
}

type kernel struct {
	id   C.cl_kernel
	name string
}

func (k *kernel) Name() string { return k.name }

func (k *kernel) SetArg(index int, value any) error {
	const op = "clSetKernelArg"
	idx := C.cl_uint(index)
	var status C.cl_int
	switch v := value.(type) {
	case *buffer:
		status = C.clSetKernelArg(k.id, idx, C.size_t(unsafe.Sizeof(v.id)), unsafe.Pointer(&v.id))
	case cl.LocalSize:
		status = C.clSetKernelArg(k.id, idx, C.size_t(v), nil)
	case int32:
		status = C.clSetKernelArg(k.id, idx, 4, unsafe.Pointer(&v))
	case uint32:
		status = C.clSetKernelArg(k.id, idx, 4, unsafe.Pointer(&v))
	case float32:
		status = C.clSetKernelArg(k.id, idx, 4, unsafe.Pointer(&v))
	case int64:
		status = C.clSetKernelArg(k.id, idx, 8, unsafe.Pointer(&v))
	case uint64:
		status = C.clSetKernelArg(k.id, idx, 8, unsafe.Pointer(&v))
	case float64:
		status = C.clSetKernelArg(k.id, idx, 8, unsafe.Pointer(&v))
	default:
		return cl.NewError(op, cl.InvalidArgValue)
	}
	return checkStatus(op, status)
}

func (k *kernel) Release() error {
	if k.id == nil {
		return cl.NewError("clReleaseKernel", cl.InvalidKernel)
	}
	status := C.clReleaseKernel(k.id)
	k.id = nil
	return checkStatus("clReleaseKernel", status)
}

type buffer struct {
	id   C.cl_mem
	size uint64
}

func (b *buffer) Size() uint64 { return b.size }

func (b *buffer) Release() error {
	if b.id == nil {
		return cl.NewError("clReleaseMemObject", cl.InvalidMemObject)
	}
	status := C.clReleaseMemObject(b.id)
	b.id = nil
	return checkStatus("clReleaseMemObject", status)
}

type event struct {
	id C.cl_event

	mu       sync.Mutex
	staging  unsafe.Pointer
	dst      []byte
	released bool
}

// done reports without blocking whether the command has finished or
// failed.
func (e *event) done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.staging == nil {
		return true
	}
	var status C.cl_int
	if C.clGetEventInfo(e.id, C.CL_EVENT_COMMAND_EXECUTION_STATUS,
		C.size_t(unsafe.Sizeof(status)), unsafe.Pointer(&status), nil) != C.CL_SUCCESS {
		return false
	}
	return status == C.CL_COMPLETE || status < 0
}

// complete waits for a transfer and settles its staging memory. An event
// released while its transfer was in flight is handed back to the runtime
// here.
func (e *event) complete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.staging == nil {
		return
	}
	C.clWaitForEvents(1, &e.id)
	if e.dst != nil {
		C.memcpy(unsafe.Pointer(&e.dst[0]), e.staging, C.size_t(len(e.dst)))
	}
	C.free(e.staging)
	e.staging, e.dst = nil, nil
	if e.released {
		C.clReleaseEvent(e.id)
		e.id = nil
	}
}

func (e *event) ProfilingInfo(param cl.ProfilingParam) (uint64, error) {
	var name C.cl_profiling_info
	switch param {
	case cl.ProfilingQueued:
		name = C.CL_PROFILING_COMMAND_QUEUED
	case cl.ProfilingSubmit:
		name = C.CL_PROFILING_COMMAND_SUBMIT
	case cl.ProfilingStart:
		name = C.CL_PROFILING_COMMAND_START
	case cl.ProfilingEnd:
		name = C.CL_PROFILING_COMMAND_END
	default:
		return 0, cl.NewError("clGetEventProfilingInfo", cl.InvalidValue)
	}
	var v C.cl_ulong
	status := C.clGetEventProfilingInfo(e.id, name, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	if status != C.CL_SUCCESS {
		return 0, statusError("clGetEventProfilingInfo", status)
	}
	return uint64(v), nil
}

// Release never waits. A transfer still in flight keeps its handle until
// the owning queue settles it in Finish, WaitForEvents or a later enqueue.
func (e *event) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.id == nil || e.released {
		return cl.NewError("clReleaseEvent", cl.InvalidEvent)
	}
	if e.staging != nil {
		e.released = true
		return nil
	}
	status := C.clReleaseEvent(e.id)
	e.id = nil
	return checkStatus("clReleaseEvent", status)
}

type userEvent struct {
	event
}

func (u *userEvent) SetComplete() error {
	return checkStatus("clSetUserEventStatus", C.clSetUserEventStatus(u.id, C.CL_COMPLETE))
}

func unwrapEvent(e cl.Event) *event {
	switch v := e.(type) {
	case *event:
		return v
	case *userEvent:
		return &v.event
	}
	return nil
}

func eventIDs(events []cl.Event) ([]C.cl_event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	ids := make([]C.cl_event, len(events))
	for i, e := range events {
		ev := unwrapEvent(e)
		if ev == nil || ev.id == nil {
			return nil, cl.NewError("enqueue", cl.InvalidEventWaitList)
		}
		ids[i] = ev.id
	}
	return ids, nil
}

func waitPtr(ids []C.cl_event) *C.cl_event {
	if len(ids) == 0 {
		return nil
	}
	return &ids[0]
}

func clBool(b bool) C.cl_bool {
	if b {
		return C.CL_TRUE
	}
	return C.CL_FALSE
}

func buildDeviceInfo(id C.cl_device_id) (cl.DeviceInfo, error) {
	name, err := getDeviceString(id, C.CL_DEVICE_NAME)
	if err != nil {
		return cl.DeviceInfo{}, err
	}
	vendor, err := getDeviceString(id, C.CL_DEVICE_VENDOR)
	if err != nil {
		return cl.DeviceInfo{}, err
	}
	version, err := getDeviceString(id, C.CL_DEVICE_VERSION)
	if err != nil {
		return cl.DeviceInfo{}, err
	}
	extensions, err := getDeviceString(id, C.CL_DEVICE_EXTENSIONS)
	if err != nil {
		return cl.DeviceInfo{}, err
	}

	var rawType C.cl_device_type
	if err := getDeviceValue(id, C.CL_DEVICE_TYPE, unsafe.Sizeof(rawType), unsafe.Pointer(&rawType)); err != nil {
		return cl.DeviceInfo{}, err
	}
	var computeUnits C.cl_uint
	if err := getDeviceValue(id, C.CL_DEVICE_MAX_COMPUTE_UNITS, unsafe.Sizeof(computeUnits), unsafe.Pointer(&computeUnits)); err != nil {
		return cl.DeviceInfo{}, err
	}
	var globalMem, maxAlloc C.cl_ulong
	if err := getDeviceValue(id, C.CL_DEVICE_GLOBAL_MEM_SIZE, unsafe.Sizeof(globalMem), unsafe.Pointer(&globalMem)); err != nil {
		return cl.DeviceInfo{}, err
	}
	if err := getDeviceValue(id, C.CL_DEVICE_MAX_MEM_ALLOC_SIZE, unsafe.Sizeof(maxAlloc), unsafe.Pointer(&maxAlloc)); err != nil {
		return cl.DeviceInfo{}, err
	}
	var resolution C.size_t
	if err := getDeviceValue(id, C.CL_DEVICE_PROFILING_TIMER_RESOLUTION, unsafe.Sizeof(resolution), unsafe.Pointer(&resolution)); err != nil {
		return cl.DeviceInfo{}, err
	}

	return cl.DeviceInfo{
		Name:            name,
		Vendor:          vendor,
		Version:         version,
		Type:            cl.DeviceType(rawType),
		MaxComputeUnits: uint32(computeUnits),
		GlobalMemSize:   uint64(globalMem),
		MaxMemAlloc:     uint64(maxAlloc),
		TimerResolution: uint64(resolution),
		Extensions:      strings.Fields(extensions),
	}, nil
}

func getDeviceValue(id C.cl_device_id, param C.cl_device_info, size uintptr, dst unsafe.Pointer) error {
	if status := C.clGetDeviceInfo(id, param, C.size_t(size), dst, nil); status != C.CL_SUCCESS {
		return statusError("clGetDeviceInfo", status)
	}
	return nil
}

func getPlatformString(id C.cl_platform_id, param C.cl_platform_info) (string, error) {
	var size C.size_t
	status := C.clGetPlatformInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(value)", status)
	}
	return trimNull(buf), nil
}

func getDeviceString(id C.cl_device_id, param C.cl_device_info) (string, error) {
	var size C.size_t
	status := C.clGetDeviceInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(value)", status)
	}
	return trimNull(buf), nil
}

func trimNull(buf []byte) string {
	if len(buf) == 0 {
		return ""
	}
	if buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}

func checkStatus(op string, status C.cl_int) error {
	if status == C.CL_SUCCESS {
		return nil
	}
	return statusError(op, status)
}

func statusError(op string, status C.cl_int) error {
	return cl.NewError(op, cl.Status(status))
}
