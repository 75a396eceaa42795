package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/oclbench/internal/config"
	"github.com/cwbudde/oclbench/internal/dispatch"
	"github.com/cwbudde/oclbench/internal/report"
	"github.com/cwbudde/oclbench/internal/timing"
)

const gpuName = "Sim GPU 0"

// testEnv returns a simulated environment with a small workload.
func testEnv(t *testing.T, mutate func(cfg *config.Config)) (*env, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Backend = "sim"
	cfg.OutputDir = t.TempDir()
	cfg.Queues = config.QueuesConfig{MinWorkSize: 2, MaxWorkSize: 8, MinKernels: 2, MaxKernels: 3, Iterations: 5}
	cfg.Latency = config.LatencyConfig{Warmup: 2, Runs: 20, Chained: 10, WorkSize: 16}
	cfg.Impact = config.ImpactConfig{Elements: 256, Iterations: 4}
	cfg.Bandwidth = config.BandwidthConfig{Runs: 2, MinSize: 1024, MaxSize: 4096}
	cfg.Callback.Grace = 200 * time.Millisecond
	for i := range cfg.Sim.Platforms[0].Devices {
		cfg.Sim.Platforms[0].Devices[i].MaxMemAlloc = 1 << 20
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, config.Validate(cfg))

	var out bytes.Buffer
	e, err := newEnv(cfg, &out)
	require.NoError(t, err)
	return e, &out
}

func TestWorkSizes(t *testing.T) {
	sizes := workSizes(2, 1024)
	assert.Len(t, sizes, 10)
	assert.Equal(t, uint64(2), sizes[0])
	assert.Equal(t, uint64(1024), sizes[9])
	assert.Equal(t, []uint64{3, 6}, workSizes(3, 10))
	assert.Empty(t, workSizes(0, 8))
	assert.Empty(t, workSizes(16, 8))
}

func TestWorkSizesStopsBeforeOverflow(t *testing.T) {
	sizes := workSizes(1, math.MaxUint64)
	require.Len(t, sizes, 64)
	assert.Equal(t, uint64(1)<<63, sizes[63])

	sizes = workSizes(3, math.MaxUint64)
	assert.Equal(t, uint64(3)<<62, sizes[len(sizes)-1])
}

func TestWriteBatchMarksDroppedUnits(t *testing.T) {
	w := must.M1(report.Create(t.TempDir(), dispatch.NameInOrder, gpuName))
	batch := &dispatch.Batch{
		Topology:    dispatch.NameInOrder,
		Units:       3,
		ProblemSize: 16,
		Normalized:  timing.Normalized{
			Spans:   []timing.Span{{Start: 0, End: 10}, {Start: 10, End: 20}},
			Dropped: 1,
		},
	}
	require.NoError(t, writeBatch(w, batch))
	require.NoError(t, w.Close())

	data := must.M1(os.ReadFile(w.Path()))
	assert.Contains(t, string(data), "# 1 of 3 units without profiling info\n")

	rows := must.M1(report.ReadRows(w.Path()))
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Units)
	assert.Len(t, rows[0].Spans, 2)
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, uint64(512), chunkSize(1024, 2))
	assert.Equal(t, uint64(341), chunkSize(1024, 3))
	assert.Zero(t, chunkSize(1, 2))
}

func TestSubsets(t *testing.T) {
	assert.Equal(t, [][]int{{0}, {1}, {2}, {0, 1}, {0, 2}, {1, 2}, {0, 1, 2}}, subsets(3))
	assert.Len(t, subsets(4), 15)
	assert.Equal(t, "02", subsetID([]int{0, 2}))
}

func TestKernelNames(t *testing.T) {
	src := `
__kernel void first(global int *a) {}
// __kernel void commented_out is still listed
__kernel  void _second(void) {}
void helper(void) {}
`
	assert.Equal(t, []string{"first", "commented_out", "_second"}, kernelNames(src))
}

func TestQueuesWritesResultFiles(t *testing.T) {
	dir := t.TempDir()
	e, out := testEnv(t, func(cfg *config.Config) {
		cfg.TraceFile = filepath.Join(dir, "trace.jsonl")
		cfg.MetricsFile = filepath.Join(dir, "metrics.prom")
	})
	require.NoError(t, runQueues(e))
	require.NoError(t, e.finish())
	assert.Contains(t, out.String(), "# running on "+gpuName)

	// work sizes 2, 4, 8 times kernel counts 2, 3
	for _, name := range []string{dispatch.NameOutOfOrder, dispatch.NameInOrder, dispatch.NameMultiQueue} {
		rows, err := report.ReadRows(filepath.Join(e.cfg.OutputDir, report.FileName(name, gpuName)))
		require.NoError(t, err, name)
		require.Len(t, rows, 6, name)
		for _, r := range rows {
			assert.Len(t, r.Spans, r.Units)
			assert.Equal(t, 2+2*r.Units, r.Columns())
		}
		assert.Equal(t, 2, rows[0].Units)
		assert.Equal(t, uint64(2), rows[0].ProblemSize)
	}

	tr := must.M1(report.NewTraceReader(e.cfg.TraceFile))
	defer tr.Close()
	entries, err := tr.ReadAll("")
	require.NoError(t, err)
	assert.Len(t, entries, 18)

	metrics, err := os.ReadFile(e.cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "oclbench_batches_total")
}

func TestLatency(t *testing.T) {
	e, out := testEnv(t, nil)
	require.NoError(t, runLatency(e))

	text := out.String()
	assert.Contains(t, text, gpuName)
	assert.Contains(t, text, "wait for start:")
	assert.Contains(t, text, "chained (10 launches)")
}

func TestImpact(t *testing.T) {
	e, out := testEnv(t, nil)
	require.NoError(t, runImpact(e))
	for _, l := range layouts {
		assert.Contains(t, out.String(), l.name)
	}
}

func TestBandwidthPowerSet(t *testing.T) {
	e, out := testEnv(t, func(cfg *config.Config) { cfg.DeviceType = "all" })
	require.NoError(t, runBandwidth(e))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// header, then subsets {0}, {1}, {0,1} times sizes 1024, 2048, 4096
	require.Len(t, lines, 1+3*3)
	assert.True(t, strings.HasPrefix(lines[1], "0  1024  "))
	assert.True(t, strings.HasPrefix(lines[9], "01  4096  "))
}

func TestBandwidthSkipsSizesBelowDeviceCount(t *testing.T) {
	e, out := testEnv(t, func(cfg *config.Config) {
		cfg.DeviceType = "all"
		cfg.Bandwidth.MinSize = 1
		cfg.Bandwidth.MaxSize = 4
	})
	require.NoError(t, runBandwidth(e))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// sizes 1, 2, 4 on each device, the pair only gets 2 and 4
	require.Len(t, lines, 1+3+3+2)
	assert.True(t, strings.HasPrefix(lines[7], "01  2  "))
}

func TestAlloc(t *testing.T) {
	e, out := testEnv(t, nil)
	require.NoError(t, runAlloc(e))
	assert.Contains(t, out.String(), "Could allocate               : yes")
	assert.Contains(t, out.String(), "Could read                   : yes")

	allocSweep = true
	defer func() { allocSweep = false }()
	e, out = testEnv(t, func(cfg *config.Config) { cfg.Alloc.MinSize = 1 << 18 })
	require.NoError(t, runAlloc(e))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// 1 MiB, 512 KiB, 256 KiB
	assert.Len(t, lines, 4)
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "check.cl")
	require.NoError(t, os.WriteFile(good, []byte(`
__kernel void scale(global float *data, float factor)
{
    data[get_global_id(0)] *= factor;
}
`), 0644))

	e, out := testEnv(t, func(cfg *config.Config) { cfg.DeviceType = "all" })
	require.NoError(t, runCheck(e, good))
	text := out.String()
	assert.Contains(t, text, "Initialization: OK")
	assert.Contains(t, text, "Creating kernel `scale`: OK")
	assert.Contains(t, text, "Created kernel `foo` with same signature: OK")
	assert.Contains(t, text, "[expect CL_INVALID_KERNEL_DEFINITION]: Error: CL_INVALID_KERNEL_DEFINITION")

	bad := filepath.Join(dir, "bad.cl")
	require.NoError(t, os.WriteFile(bad, []byte("__kernel void broken(global int *a {\n"), 0644))
	e, out = testEnv(t, nil)
	require.NoError(t, runCheck(e, bad))
	assert.Contains(t, out.String(), ": Error: CL_BUILD_PROGRAM_FAILURE")
}

func TestFlags(t *testing.T) {
	e, out := testEnv(t, func(cfg *config.Config) { cfg.DeviceType = "all" })
	require.NoError(t, runFlags(e))
	assert.Equal(t, "Sim GPU 0\n  cl_khr_fp64 = 1\n  cl_amd_fp64 = 0\n"+
		"Sim CPU\n  cl_khr_fp64 = 1\n  cl_amd_fp64 = 0\n", out.String())
}

func TestCallbackCommand(t *testing.T) {
	e, out := testEnv(t, nil)
	require.NoError(t, runCallback(e))
	assert.Contains(t, out.String(), "print: 3.5 7 42\n")
	assert.Contains(t, out.String(), "# 1 notification(s) handled")
}

func TestInfo(t *testing.T) {
	e, out := testEnv(t, nil)
	require.NoError(t, runInfo(e))
	text := out.String()
	assert.Contains(t, text, "Platform 0: Simulated Compute Platform")
	assert.Contains(t, text, "Platform 1: Simulated Accelerator Platform")
	assert.Contains(t, text, "Sim Accelerator")
	assert.Contains(t, text, "cl_khr_fp64")
}

func TestPlotAfterQueues(t *testing.T) {
	e, _ := testEnv(t, nil)
	require.NoError(t, runQueues(e))

	out := filepath.Join(e.cfg.OutputDir, "spans.png")
	require.NoError(t, renderPlots(e.cfg.OutputDir, gpuName, 0, out))
	for _, path := range []string{out, filepath.Join(e.cfg.OutputDir, "spans-"+dispatch.NameMultiQueue+".png")} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	assert.Error(t, renderPlots(t.TempDir(), gpuName, 0, out), "no result files")
}

func TestLargestBatch(t *testing.T) {
	rows := []report.Row{{Units: 2, ProblemSize: 8}, {Units: 3, ProblemSize: 4}, {Units: 3, ProblemSize: 2}}
	r, ok := largestBatch(rows, 0)
	require.True(t, ok)
	assert.Equal(t, report.Row{Units: 3, ProblemSize: 4}, r)

	r, ok = largestBatch(rows, 8)
	require.True(t, ok)
	assert.Equal(t, 2, r.Units)

	_, ok = largestBatch(rows, 16)
	assert.False(t, ok)
}

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&backendName, "backend", "sim", "")
	cmd.Flags().IntVarP(&platformFlag, "ocl-platform", "p", 0, "")
	cmd.Flags().StringVarP(&deviceType, "ocl-type", "t", "gpu", "")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"-p", "1", "-t", "acc"}))

	cfg := config.Default()
	cfg.Backend = "opencl"
	applyFlags(cmd, &cfg)
	assert.Equal(t, 1, cfg.Platform)
	assert.Equal(t, "acc", cfg.DeviceType)
	assert.Equal(t, "opencl", cfg.Backend, "unset flags keep file values")
	assert.Empty(t, cfg.MetricsFile)
}

func TestConfigCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--backend", "sim", "-p", "1", "config"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "backend: sim")
	assert.Contains(t, out.String(), "platform: 1")
	assert.Contains(t, out.String(), "device_type: gpu")
}
