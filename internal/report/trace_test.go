package report

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cwbudde/oclbench/internal/timing"
)

func TestTraceWriter_WriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace", "batches.jsonl")
	runID := NewRunID()
	if _, err := uuid.Parse(runID); err != nil {
		t.Fatalf("Run ID %q is not a UUID: %v", runID, err)
	}

	writer, err := NewTraceWriter(path, runID)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	entries := []TraceEntry{
		{Experiment: "queues", Topology: "in-order-queue", Device: "Sim GPU 0", Units: 2, ProblemSize: 64,
			Wait: timing.Stats{Min: 1, Max: 2, Mean: 1, N: 2}, Span: 40},
		{Experiment: "queues", Topology: "multi-queue", Device: "Sim GPU 0", Units: 2, ProblemSize: 64,
			Spans: []timing.Span{{Start: 0, End: 10}, {Start: 4, End: 12}}, Span: 12},
		{RunID: "other", Experiment: "latency", Device: "Sim CPU"},
	}
	for _, e := range entries {
		if err := writer.Write(e); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	reader, err := NewTraceReader(path)
	if err != nil {
		t.Fatalf("Failed to create trace reader: %v", err)
	}
	defer reader.Close()

	got, err := reader.ReadAll(runID)
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries of run %s, got %d", runID, len(got))
	}
	for i, e := range got {
		if e.RunID != runID {
			t.Errorf("Entry %d: run ID %q", i, e.RunID)
		}
		if e.Topology != entries[i].Topology || e.Span != entries[i].Span {
			t.Errorf("Entry %d: got %+v", i, e)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("Entry %d: timestamp not set", i)
		}
	}
	if got[0].Wait != entries[0].Wait {
		t.Errorf("Wait stats = %+v, want %+v", got[0].Wait, entries[0].Wait)
	}
	if len(got[1].Spans) != 2 || got[1].Spans[1] != (timing.Span{Start: 4, End: 12}) {
		t.Errorf("Spans = %+v", got[1].Spans)
	}
}

func TestTraceWriter_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")

	for i := 0; i < 2; i++ {
		w, err := NewTraceWriter(path, NewRunID())
		if err != nil {
			t.Fatalf("Failed to create writer: %v", err)
		}
		if err := w.Write(TraceEntry{Experiment: "queues"}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		w.Close()
	}

	r, err := NewTraceReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	all, err := r.ReadAll("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].RunID == all[1].RunID {
		t.Errorf("Expected two entries from distinct runs, got %+v", all)
	}
	if _, err := r.Read(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestTraceReader_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	if err := os.WriteFile(path, []byte("{\"units\": 1}\n{not json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := NewTraceReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Read(); err != nil {
		t.Fatalf("First line should decode: %v", err)
	}
	if _, err := r.Read(); err == nil {
		t.Errorf("Expected unmarshal error")
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	samples := []timing.Timestamps{
		{Queued: 0, Submitted: 0, Started: 1000, Ended: 3000, Available: true},
		{Queued: 0, Submitted: 0, Started: 1500, Ended: 5000, Available: true},
		{},
	}
	m.Observe("queues", "multi-queue", "Sim GPU 0", samples)
	m.Observe("queues", "multi-queue", "Sim GPU 0", samples[:1])

	if n := testutil.ToFloat64(m.batches.WithLabelValues("queues", "multi-queue", "Sim GPU 0")); n != 2 {
		t.Errorf("batches = %v, want 2", n)
	}
	if n := testutil.ToFloat64(m.dropped.WithLabelValues("queues", "multi-queue", "Sim GPU 0")); n != 1 {
		t.Errorf("dropped = %v, want 1", n)
	}

	path := filepath.Join(t.TempDir(), "oclbench.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"oclbench_unit_wait_seconds_count",
		"oclbench_unit_exec_seconds_bucket",
		"oclbench_batch_span_seconds_sum",
		`topology="multi-queue"`,
	} {
		if !strings.Contains(string(data), name) {
			t.Errorf("Textfile is missing %s", name)
		}
	}
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	m.Observe("queues", "x", "y", nil)
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "none.prom")); err != nil {
		t.Errorf("nil metrics should be a no-op: %v", err)
	}
}
