package platform

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/cwbudde/oclbench/internal/cl"
)

// ErrShortRead is returned when a source file yields fewer bytes than its
// size.
var ErrShortRead = errors.New("short read of program source")

// BuildError carries the compiler log of a failed build.
type BuildError struct {
	Status cl.Status
	Log    string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("program build failed: %s", e.Status.Name())
}

// Is matches the runtime status, so errors.Is(err, cl.BuildProgramFailure)
// holds for a failed build.
func (e *BuildError) Is(target error) bool {
	s, ok := target.(cl.Status)
	return ok && s == e.Status
}

// Program is a successfully built program.
type Program struct {
	prog    cl.Program
	entries []string
}

// Compile builds source for devices with one option string.
func Compile(ctx cl.Context, devices []cl.Device, source, options string) (*Program, error) {
	return CompilePerDevice(ctx, devices, source, func(cl.Device) string { return options })
}

// CompilePerDevice builds one program once per device, each build with the
// options returned by optionsFor. Entry points whose signatures differ
// between devices fail later in Kernel with CL_INVALID_KERNEL_DEFINITION.
// An empty device list means every device of ctx.
func CompilePerDevice(ctx cl.Context, devices []cl.Device, source string, optionsFor func(cl.Device) string) (*Program, error) {
	if len(devices) == 0 {
		devices = ctx.Devices()
	}
	prog, err := ctx.CreateProgramWithSource(source)
	if err != nil {
		return nil, err
	}

	groups, order := groupByOptions(devices, optionsFor)
	for _, opts := range order {
		if err := prog.Build(groups[opts], opts); err != nil {
			status := cl.StatusOf(err)
			if status != cl.BuildProgramFailure {
				cl.Check(prog.Release())
				return nil, err
			}
			log := collectLogs(prog, devices)
			cl.Check(prog.Release())
			return nil, &BuildError{Status: status, Log: log}
		}
	}

	entries, err := prog.KernelNames()
	if err != nil {
		cl.Check(prog.Release())
		return nil, err
	}
	return &Program{prog: prog, entries: entries}, nil
}

// groupByOptions batches devices that share build options, keeping the
// first-seen order.
func groupByOptions(devices []cl.Device, optionsFor func(cl.Device) string) (map[string][]cl.Device, []string) {
	groups := make(map[string][]cl.Device)
	var order []string
	for _, dev := range devices {
		opts := optionsFor(dev)
		if _, ok := groups[opts]; !ok {
			order = append(order, opts)
		}
		groups[opts] = append(groups[opts], dev)
	}
	return groups, order
}

// collectLogs gathers the build log of every device. With more than one
// device each log gets a header naming its device.
func collectLogs(prog cl.Program, devices []cl.Device) string {
	if len(devices) == 1 {
		log, err := prog.BuildLog(devices[0])
		cl.Check(err)
		return log
	}
	var b strings.Builder
	for _, dev := range devices {
		log, err := prog.BuildLog(dev)
		if !cl.Check(err) || strings.TrimSpace(log) == "" {
			continue
		}
		fmt.Fprintf(&b, "== %s ==\n%s", dev.Info().Name, log)
		if !strings.HasSuffix(log, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// CompileFile reads the whole file and builds it. The file must yield
// exactly its stat size.
func CompileFile(ctx cl.Context, devices []cl.Device, path, options string) (*Program, error) {
	source, err := ReadSource(path)
	if err != nil {
		return nil, err
	}
	return Compile(ctx, devices, source, options)
}

// ReadSource reads a program source file.
func ReadSource(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open program source")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrap(err, "stat program source")
	}
	source, err := readSource(f, info.Size())
	if err != nil {
		return "", errors.WithMessage(err, path)
	}
	return source, nil
}

// readSource reads exactly size bytes from r.
func readSource(r io.Reader, size int64) (string, error) {
	buf := make([]byte, size)
	if n, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrapf(ErrShortRead, "read %d of %d bytes", n, len(buf))
	}
	return string(buf), nil
}

// Kernel creates a kernel for the named entry point. The caller releases it.
func (p *Program) Kernel(name string) (cl.Kernel, error) {
	return p.prog.CreateKernel(name)
}

// EntryPoints lists the kernels declared by the program.
func (p *Program) EntryPoints() []string {
	return append([]string(nil), p.entries...)
}

// Handle exposes the underlying runtime program.
func (p *Program) Handle() cl.Program { return p.prog }

// Release is safe on a nil program.
func (p *Program) Release() error {
	if p == nil || p.prog == nil {
		return nil
	}
	err := p.prog.Release()
	p.prog = nil
	return err
}
