package report

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cwbudde/oclbench/internal/timing"
)

const nsPerSecond = 1e9

// Metrics collects per-batch timings into a private registry that is
// dumped in the Prometheus text format at the end of a run.
type Metrics struct {
	reg *prometheus.Registry

	// batches counts measured batches by experiment and topology
	batches *prometheus.CounterVec
	// dropped counts units whose timestamps the device could not report
	dropped *prometheus.CounterVec

	wait *prometheus.HistogramVec
	exec *prometheus.HistogramVec
	span *prometheus.HistogramVec
}

// NewMetrics creates the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := []string{"experiment", "topology", "device"}
	buckets := prometheus.ExponentialBuckets(1e-6, 2, 20) // 1µs to ~0.5s

	return &Metrics{
		reg: reg,
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oclbench_batches_total",
			Help: "Measured batches",
		}, labels),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oclbench_units_dropped_total",
			Help: "Units without profiling timestamps",
		}, labels),
		wait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oclbench_unit_wait_seconds",
			Help:    "Time from enqueue to start of one unit",
			Buckets: buckets,
		}, labels),
		exec: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oclbench_unit_exec_seconds",
			Help:    "Execution time of one unit",
			Buckets: buckets,
		}, labels),
		span: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oclbench_batch_span_seconds",
			Help:    "Earliest start to latest end of a batch",
			Buckets: buckets,
		}, labels),
	}
}

// Observe records every available sample of a batch. A nil receiver is a
// no-op, so callers need not check whether metrics are enabled.
func (m *Metrics) Observe(experiment, topology, device string, samples []timing.Timestamps) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"experiment": experiment, "topology": topology, "device": device}
	m.batches.With(labels).Inc()

	var spans []timing.Span
	for _, s := range samples {
		if !s.Available {
			m.dropped.With(labels).Inc()
			continue
		}
		m.wait.With(labels).Observe(float64(s.Wait()) / nsPerSecond)
		m.exec.With(labels).Observe(float64(s.Exec()) / nsPerSecond)
		spans = append(spans, timing.Span{Start: s.Started, End: s.Ended})
	}
	if len(spans) > 0 {
		m.span.With(labels).Observe(float64(timing.Total(spans)) / nsPerSecond)
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// WriteTextfile writes all metrics to path, in the node exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
