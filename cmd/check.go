package main

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/platform"
)

var checkOptions string

var checkCmd = &cobra.Command{
	Use:   "check <file.cl>",
	Short: "Build a program and create every kernel in it",
	Long: `Builds the program for every selected device and tries to create each
kernel declared with "__kernel void". With more than one device it also
checks that a program built with different options per device rejects
an entry point whose signature differs between the builds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return experiment(func(e *env) error { return runCheck(e, args[0]) })(cmd, args)
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkOptions, "options", "", "Build options")
	rootCmd.AddCommand(checkCmd)
}

var kernelDecl = regexp.MustCompile(`__kernel\s+void\s+([_A-Za-z][_A-Za-z0-9]*)`)

// kernelNames lists the kernels declared in source, in order.
func kernelNames(source string) []string {
	var names []string
	for _, m := range kernelDecl.FindAllStringSubmatch(source, -1) {
		names = append(names, m[1])
	}
	return names
}

// statusName renders the runtime status of err, including failed builds.
func statusName(err error) string {
	var be *platform.BuildError
	if errors.As(err, &be) {
		return be.Status.Name()
	}
	return cl.StatusOf(err).Name()
}

func printCheck(w io.Writer, err error, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
	if err == nil {
		fmt.Fprintln(w, ": OK")
		return
	}
	fmt.Fprintf(w, ": Error: %s\n", statusName(err))
}

const kernelDefinitionSource = `
#ifdef FIRST
__kernel void foo(__global float *arg) {}
__kernel void bar(__global float *arg) {}
#else
__kernel void foo(__global float *arg) {}
__kernel void bar(__constant float *arg) {}
#endif
`

func runCheck(e *env, path string) error {
	source, err := platform.ReadSource(path)
	if err != nil {
		return err
	}

	m, err := e.open()
	printCheck(e.out, err, "Initialization")
	if err != nil {
		return err
	}
	defer func() { cl.Check(m.Release()) }()

	prog, err := platform.Compile(m.Context(), nil, source, checkOptions)
	printCheck(e.out, err, "Creating `%s`", path)
	var be *platform.BuildError
	if errors.As(err, &be) {
		fmt.Fprint(e.out, be.Log)
	}
	if err == nil {
		for _, name := range kernelNames(source) {
			k, err := prog.Kernel(name)
			printCheck(e.out, err, "Creating kernel `%s`", name)
			if err == nil {
				cl.Check(k.Release())
			}
		}
		cl.Check(prog.Release())
	}

	devices := m.Devices()
	if len(devices) < 2 {
		return nil
	}
	checkKernelDefinition(e.out, m.Context(), devices)
	return nil
}

// checkKernelDefinition builds one program with -D FIRST for the first
// device and without it for the rest. foo keeps its signature, bar does
// not.
func checkKernelDefinition(w io.Writer, ctx cl.Context, devices []cl.Device) {
	prog, err := platform.CompilePerDevice(ctx, devices, kernelDefinitionSource, func(dev cl.Device) string {
		if dev == devices[0] {
			return "-D FIRST"
		}
		return ""
	})
	printCheck(w, err, "Build program `kernel-definition` per device")
	if err != nil {
		return
	}
	defer func() { cl.Check(prog.Release()) }()

	k, err := prog.Kernel("foo")
	printCheck(w, err, "Created kernel `foo` with same signature")
	if err == nil {
		cl.Check(k.Release())
	}
	k, err = prog.Kernel("bar")
	printCheck(w, err, "Created kernel `bar` with different signature [expect CL_INVALID_KERNEL_DEFINITION]")
	if err == nil {
		cl.Check(k.Release())
	}
}
