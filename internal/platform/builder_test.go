package platform

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/cl/sim"
)

const validSource = `
__kernel void scale(__global float *data, const float factor)
{
    data[get_global_id(0)] *= factor;
}

__kernel void clear(__global float *data)
{
    data[get_global_id(0)] = 0.0f;
}
`

func newManager(t *testing.T, filter cl.DeviceType) *Manager {
	t.Helper()
	m, err := New(sim.NewDefault(), 0, filter)
	require.NoError(t, err)
	t.Cleanup(func() { m.Release() })
	return m
}

func TestCompileExposesEntryPoints(t *testing.T) {
	m := newManager(t, cl.DeviceTypeAll)

	prog, err := Compile(m.Context(), m.Devices(), validSource, "")
	require.NoError(t, err)
	defer prog.Release()

	assert.Equal(t, []string{"scale", "clear"}, prog.EntryPoints())
	for _, name := range prog.EntryPoints() {
		k, err := prog.Kernel(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, k.Name())
		require.NoError(t, k.Release())
	}
}

func TestCompileInvalidSourceReturnsLog(t *testing.T) {
	m := newManager(t, cl.DeviceTypeGPU)

	prog, err := Compile(m.Context(), nil, "__kernel void broken(__global int *a) { a[0] = 1;", "")
	assert.Nil(t, prog)

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, cl.BuildProgramFailure, buildErr.Status)
	assert.NotEmpty(t, buildErr.Log)
	assert.ErrorIs(t, err, cl.BuildProgramFailure)
}

func TestCompileLogNamesEveryDevice(t *testing.T) {
	m := newManager(t, cl.DeviceTypeAll)

	_, err := Compile(m.Context(), m.Devices(), "kernel int nope() {}", "")
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	for _, dev := range m.Devices() {
		assert.Contains(t, buildErr.Log, "== "+dev.Info().Name+" ==")
	}
}

func TestCompileBadOptionsIsNotBuildError(t *testing.T) {
	m := newManager(t, cl.DeviceTypeGPU)

	_, err := Compile(m.Context(), nil, validSource, "--unknown")
	var buildErr *BuildError
	assert.False(t, errors.As(err, &buildErr))
	assert.ErrorIs(t, err, cl.InvalidBuildOptions)
}

func TestCompilePerDeviceSignatureMismatch(t *testing.T) {
	m := newManager(t, cl.DeviceTypeAll)
	devices := m.Devices()
	require.Len(t, devices, 2)

	src := "__kernel void k(__global T *out) { out[0] = 1; }"
	prog, err := CompilePerDevice(m.Context(), devices, src, func(dev cl.Device) string {
		if dev.Info().Type == cl.DeviceTypeGPU {
			return "-DT=float"
		}
		return "-DT=int"
	})
	require.NoError(t, err, "each device builds on its own")
	defer prog.Release()

	_, err = prog.Kernel("k")
	assert.ErrorIs(t, err, cl.InvalidKernelDefinition)

	same, err := CompilePerDevice(m.Context(), devices, src, func(cl.Device) string { return "-DT=float" })
	require.NoError(t, err)
	defer same.Release()
	k, err := same.Kernel("k")
	require.NoError(t, err)
	require.NoError(t, k.Release())
}

func TestCompileFile(t *testing.T) {
	m := newManager(t, cl.DeviceTypeGPU)
	path := filepath.Join(t.TempDir(), "kernels.cl")
	require.NoError(t, os.WriteFile(path, []byte(validSource), 0o644))

	prog, err := CompileFile(m.Context(), nil, path, "")
	require.NoError(t, err)
	defer prog.Release()
	assert.Len(t, prog.EntryPoints(), 2)

	_, err = CompileFile(m.Context(), nil, filepath.Join(t.TempDir(), "missing.cl"), "")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadSourceShortRead(t *testing.T) {
	src, err := readSource(strings.NewReader("__kernel void k(void) {}"), 24)
	require.NoError(t, err)
	assert.Equal(t, "__kernel void k(void) {}", src)

	_, err = readSource(strings.NewReader("__kernel"), 24)
	assert.ErrorIs(t, err, ErrShortRead)
	assert.Contains(t, err.Error(), "read 8 of 24 bytes")
}

func TestProgramReleaseNil(t *testing.T) {
	var p *Program
	assert.NoError(t, p.Release())
}
