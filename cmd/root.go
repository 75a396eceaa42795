package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/cl"
	"github.com/cwbudde/oclbench/internal/cl/sim"
	"github.com/cwbudde/oclbench/internal/config"
	"github.com/cwbudde/oclbench/internal/platform"
	"github.com/cwbudde/oclbench/internal/report"
)

var (
	logLevel     string
	configPath   string
	backendName  string
	platformFlag int
	deviceType   string
	metricsFile  string

	// settings is the effective configuration, set before any command runs.
	settings config.Config
)

var rootCmd = &cobra.Command{
	Use:   "oclbench",
	Short: "Micro-benchmarks for compute runtimes",
	Long: `oclbench measures how a compute runtime schedules work: launch latency,
concurrency of kernels dispatched through different queue topologies,
transfer bandwidth and allocation limits. Without OpenCL support the
experiments run against a deterministic simulated runtime.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logger
		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: level}
		handler := slog.NewTextHandler(os.Stderr, opts)
		slog.SetDefault(slog.New(handler))

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		if err := config.Validate(cfg); err != nil {
			return err
		}
		settings = cfg
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringVar(&backendName, "backend", string(platform.DefaultBackend()), "Runtime backend (sim, opencl)")
	flags.IntVarP(&platformFlag, "ocl-platform", "p", 0, "Platform index")
	flags.StringVarP(&deviceType, "ocl-type", "t", "gpu", "Device type (gpu, cpu, accelerator)")
	flags.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")
}

// applyFlags lets explicitly set flags override the configuration file.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = backendName
	}
	if flags.Changed("ocl-platform") {
		cfg.Platform = platformFlag
	}
	if flags.Changed("ocl-type") {
		cfg.DeviceType = deviceType
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = metricsFile
	}
}

// env is what every experiment needs: the settings and an open runtime.
type env struct {
	cfg     config.Config
	drv     cl.Driver
	filter  cl.DeviceType
	metrics *report.Metrics
	out     io.Writer
}

func newEnv(cfg config.Config, out io.Writer) (*env, error) {
	filter, err := cl.ParseDeviceType(cfg.DeviceType)
	if err != nil {
		return nil, err
	}
	drv, err := platform.OpenDriver(cfg.Backend, cfg.Sim)
	if err != nil {
		return nil, err
	}
	if s, ok := drv.(*sim.Driver); ok {
		emulate(s)
	}
	slog.Debug("Runtime ready", "backend", drv.Name(), "platform", cfg.Platform, "type", filter.String())

	e := &env{cfg: cfg, drv: drv, filter: filter, out: out}
	if cfg.MetricsFile != "" {
		e.metrics = report.NewMetrics()
	}
	return e, nil
}

// open discovers the configured platform and creates its context.
func (e *env) open() (*platform.Manager, error) {
	return platform.New(e.drv, e.cfg.Platform, e.filter)
}

// openWithQueues also creates one manager-owned queue per device.
func (e *env) openWithQueues(props cl.QueueProperties) (*platform.Manager, error) {
	return platform.NewWithQueues(e.drv, e.cfg.Platform, e.filter, props)
}

// finish writes the metrics textfile, if one was requested.
func (e *env) finish() error {
	if err := e.metrics.WriteTextfile(e.cfg.MetricsFile); err != nil {
		return err
	}
	if e.metrics != nil {
		slog.Info("Wrote metrics", "path", e.cfg.MetricsFile)
	}
	return nil
}

// experiment adapts a function of env into a cobra RunE.
func experiment(run func(e *env) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(settings, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if err := run(e); err != nil {
			return err
		}
		return e.finish()
	}
}

// compileFor builds source and logs the compiler output of a failed build.
func compileFor(ctx cl.Context, devices []cl.Device, source, options string) (*platform.Program, error) {
	prog, err := platform.Compile(ctx, devices, source, options)
	var be *platform.BuildError
	if errors.As(err, &be) {
		slog.Error("Build failed", "status", be.Status.Name(), "log", be.Log)
	}
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}
	return prog, nil
}
