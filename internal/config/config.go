// Package config loads the benchmark settings from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/oclbench/internal/cl/sim"
)

// Config holds every experiment setting. Zero values are never used
// directly: files are decoded over Default().
type Config struct {
	// Backend selects the runtime driver ("sim" or "opencl"); empty picks
	// the default of the build.
	Backend    string `yaml:"backend"`
	Platform   int    `yaml:"platform" validate:"gte=0"`
	DeviceType string `yaml:"device_type"`

	OutputDir   string `yaml:"output_dir" validate:"required"`
	TraceFile   string `yaml:"trace_file"`
	MetricsFile string `yaml:"metrics_file"`

	Queues    QueuesConfig    `yaml:"queues"`
	Latency   LatencyConfig   `yaml:"latency"`
	Impact    ImpactConfig    `yaml:"impact"`
	Bandwidth BandwidthConfig `yaml:"bandwidth"`
	Alloc     AllocConfig     `yaml:"alloc"`
	Callback  CallbackConfig  `yaml:"callback"`

	Sim sim.Config `yaml:"sim"`
}

// QueuesConfig bounds the concurrent queue sweep. Work sizes double from
// MinWorkSize up to MaxWorkSize.
type QueuesConfig struct {
	MinWorkSize uint64 `yaml:"min_work_size" validate:"min=1"`
	MaxWorkSize uint64 `yaml:"max_work_size" validate:"gtefield=MinWorkSize"`
	MinKernels  int    `yaml:"min_kernels" validate:"min=1"`
	MaxKernels  int    `yaml:"max_kernels" validate:"gtefield=MinKernels"`
	// Iterations is the loop count of the benchmark kernel.
	Iterations int32 `yaml:"iterations" validate:"gte=0"`
}

// LatencyConfig controls the launch latency experiment.
type LatencyConfig struct {
	Warmup   int    `yaml:"warmup" validate:"gte=0"`
	Runs     int    `yaml:"runs" validate:"min=1"`
	Chained  int    `yaml:"chained" validate:"min=1"`
	WorkSize uint64 `yaml:"work_size" validate:"min=1"`
}

// ImpactConfig controls the write-compute-read pipeline experiment.
type ImpactConfig struct {
	Elements   uint64 `yaml:"elements" validate:"min=1"`
	Iterations int    `yaml:"iterations" validate:"min=1"`
}

// BandwidthConfig controls the transfer experiment. Sizes double from
// MinSize up to MaxSize.
type BandwidthConfig struct {
	Runs    int    `yaml:"runs" validate:"min=1"`
	MinSize uint64 `yaml:"min_size" validate:"min=1"`
	MaxSize uint64 `yaml:"max_size" validate:"gtefield=MinSize"`
}

// AllocConfig controls the allocation experiments.
type AllocConfig struct {
	// MinSize ends the halving sweep.
	MinSize uint64 `yaml:"min_size" validate:"min=1"`
}

// CallbackConfig controls the device-to-host notification demo.
type CallbackConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Grace    time.Duration `yaml:"grace" validate:"gte=0"`
	WorkSize uint64        `yaml:"work_size" validate:"min=1"`
}

// Default returns the reference measurement settings.
func Default() Config {
	return Config{
		Platform:   0,
		DeviceType: "gpu",
		OutputDir:  ".",
		Queues: QueuesConfig{
			MinWorkSize: 2,
			MaxWorkSize: 1024,
			MinKernels:  2,
			MaxKernels:  7,
			Iterations:  1000,
		},
		Latency: LatencyConfig{
			Warmup:   10,
			Runs:     50000,
			Chained:  100,
			WorkSize: 16,
		},
		Impact: ImpactConfig{
			Elements:   1 << 20,
			Iterations: 200,
		},
		Bandwidth: BandwidthConfig{
			Runs:    10,
			MinSize: 256 << 10,
			MaxSize: 128 << 20,
		},
		Alloc: AllocConfig{
			MinSize: 1,
		},
		Callback: CallbackConfig{
			Interval: time.Millisecond,
			Grace:    2500 * time.Microsecond,
			WorkSize: 1000,
		},
		Sim: sim.DefaultConfig(),
	}
}

// Load reads path over the defaults and validates the result. An empty
// path yields the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode strictly decodes YAML over cfg. Unknown keys are errors.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of cfg, including the simulated
// device descriptions.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Marshal renders cfg as YAML, used by `config` to print the effective
// settings.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
