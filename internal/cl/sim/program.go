package sim

import (
	"slices"

	"github.com/cwbudde/oclbench/internal/cl"
)

type buildResult struct {
	ok      bool
	log     string
	macros  map[string]string
	kernels map[string]signature
	order   []string
}

type program struct {
	drv    *Driver
	ctx    *context
	source string
	builds map[*device]*buildResult

	kernels  int
	released bool
}

func (p *program) Build(devices []cl.Device, options string) error {
	const op = "clBuildProgram"
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if p.released {
		return cl.NewError(op, cl.InvalidProgram)
	}
	if p.kernels > 0 {
		return cl.NewError(op, cl.InvalidOperation)
	}
	targets := p.ctx.devices
	if len(devices) > 0 {
		targets = make([]*device, 0, len(devices))
		for _, dev := range devices {
			sd, ok := dev.(*device)
			if !ok || !p.ctx.has(sd) {
				return cl.NewError(op, cl.InvalidDevice)
			}
			targets = append(targets, sd)
		}
	}
	user, err := parseOptions(options)
	if err != nil {
		return cl.NewError(op, cl.InvalidBuildOptions)
	}

	failed := false
	for _, dev := range targets {
		macros := deviceMacros(dev)
		for k, v := range user {
			macros[k] = v
		}
		out := compile(p.source, macros)
		p.builds[dev] = &buildResult{
			ok:      out.ok,
			log:     out.log,
			macros:  macros,
			kernels: out.kernels,
			order:   out.order,
		}
		failed = failed || !out.ok
	}
	if failed {
		return cl.NewError(op, cl.BuildProgramFailure)
	}
	return nil
}

func (p *program) BuildLog(dev cl.Device) (string, error) {
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	sd, ok := dev.(*device)
	if !ok || !p.ctx.has(sd) {
		return "", cl.NewError("clGetProgramBuildInfo", cl.InvalidDevice)
	}
	if res := p.builds[sd]; res != nil {
		return res.log, nil
	}
	return "", nil
}

func (p *program) KernelNames() ([]string, error) {
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	var names []string
	built := false
	for _, dev := range p.ctx.devices {
		res := p.builds[dev]
		if res == nil || !res.ok {
			continue
		}
		built = true
		for _, name := range res.order {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	if !built {
		return nil, cl.NewError("clGetProgramInfo", cl.InvalidProgramExecutable)
	}
	return names, nil
}

// CreateKernel requires the entry point to exist with one signature on
// every device the program was built for.
func (p *program) CreateKernel(name string) (cl.Kernel, error) {
	const op = "clCreateKernel"
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if p.released {
		return nil, cl.NewError(op, cl.InvalidProgram)
	}
	var (
		sig   signature
		found int
		built int
	)
	for _, dev := range p.ctx.devices {
		res := p.builds[dev]
		if res == nil || !res.ok {
			continue
		}
		built++
		s, ok := res.kernels[name]
		if !ok {
			continue
		}
		if found > 0 && !slices.Equal(s, sig) {
			return nil, cl.NewError(op, cl.InvalidKernelDefinition)
		}
		sig = s
		found++
	}
	switch {
	case built == 0:
		return nil, cl.NewError(op, cl.InvalidProgramExecutable)
	case found == 0:
		return nil, cl.NewError(op, cl.InvalidKernelName)
	case found != built:
		return nil, cl.NewError(op, cl.InvalidKernelDefinition)
	}

	p.kernels++
	return &kernel{
		drv:    d,
		prog:   p,
		name:   name,
		params: sig,
		args:   make([]any, len(sig)),
		set:    make([]bool, len(sig)),
	}, nil
}

func (p *program) Release() error {
	d := p.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if p.released {
		return cl.NewError("clReleaseProgram", cl.InvalidProgram)
	}
	p.released = true
	return nil
}

type kernel struct {
	drv    *Driver
	prog   *program
	name   string
	params signature

	args     []any
	set      []bool
	released bool
}

func (k *kernel) Name() string { return k.name }

func (k *kernel) SetArg(index int, value any) error {
	const op = "clSetKernelArg"
	d := k.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if k.released {
		return cl.NewError(op, cl.InvalidKernel)
	}
	if index < 0 || index >= len(k.params) {
		return cl.NewError(op, cl.InvalidArgIndex)
	}
	param := k.params[index]

	if param.pointer {
		if param.space == "local" {
			if _, ok := value.(cl.LocalSize); !ok {
				return cl.NewError(op, cl.InvalidArgValue)
			}
		} else {
			b, ok := value.(*buffer)
			if !ok {
				return cl.NewError(op, cl.InvalidArgValue)
			}
			if b.drv != d || b.released || b.ctx != k.prog.ctx {
				return cl.NewError(op, cl.InvalidMemObject)
			}
		}
	} else {
		size, ok := scalarSize(value)
		if !ok {
			return cl.NewError(op, cl.InvalidArgValue)
		}
		if want := param.size(); want > 0 && want != size {
			return cl.NewError(op, cl.InvalidArgSize)
		}
	}
	k.args[index] = value
	k.set[index] = true
	return nil
}

// snapshot returns the bound arguments. Caller holds d.mu.
func (k *kernel) snapshot() ([]any, error) {
	for _, ok := range k.set {
		if !ok {
			return nil, cl.InvalidKernelArgs
		}
	}
	return slices.Clone(k.args), nil
}

func (k *kernel) Release() error {
	d := k.drv
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()

	if k.released {
		return cl.NewError("clReleaseKernel", cl.InvalidKernel)
	}
	k.released = true
	k.prog.kernels--
	return nil
}

func scalarSize(v any) (int, bool) {
	switch v.(type) {
	case int32, uint32, float32:
		return 4, true
	case int64, uint64, float64:
		return 8, true
	case int16, uint16:
		return 2, true
	case int8, uint8:
		return 1, true
	}
	return 0, false
}

func deviceMacros(dev *device) map[string]string {
	m := map[string]string{
		"__OPENCL_VERSION__": "120",
		"CL_VERSION_1_0":     "100",
		"CL_VERSION_1_1":     "110",
		"CL_VERSION_1_2":     "120",
		"__ENDIAN_LITTLE__":  "1",
	}
	switch dev.info.Type {
	case cl.DeviceTypeGPU:
		m["__GPU__"] = "1"
	case cl.DeviceTypeCPU:
		m["__CPU__"] = "1"
	}
	for _, ext := range dev.info.Extensions {
		m[ext] = "1"
	}
	return m
}
