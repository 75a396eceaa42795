package report

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/cwbudde/oclbench/internal/timing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Sim GPU 0", "Sim-GPU-0"},
		{"Intel(R) UHD Graphics 620", "Intel-R--UHD-Graphics-620"},
		{"gfx1030:xnack-", "gfx1030-xnack-"},
		{"", ""},
		{"Grüße", "Gr----e"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileName(t *testing.T) {
	got := FileName("multi-queue", "Sim GPU 0")
	if got != "multi-queue-Sim-GPU-0.txt" {
		t.Errorf("FileName = %q", got)
	}
}

func TestRowString(t *testing.T) {
	r := Row{Units: 2, ProblemSize: 1024, Spans: []timing.Span{{Start: 0, End: 15}, {Start: 3, End: 20}}}
	if got := r.String(); got != "2 1024 0 15 3 20" {
		t.Errorf("String() = %q", got)
	}
	if r.Columns() != 6 {
		t.Errorf("Columns() = %d, want 6", r.Columns())
	}
	if n := len(strings.Fields(r.String())); n != r.Columns() {
		t.Errorf("String() has %d fields, Columns() says %d", n, r.Columns())
	}
}

func TestParseRow(t *testing.T) {
	r, err := ParseRow("  3 64 0 10 5 12 7 30 ")
	if err != nil {
		t.Fatalf("ParseRow failed: %v", err)
	}
	want := Row{Units: 3, ProblemSize: 64, Spans: []timing.Span{{Start: 0, End: 10}, {Start: 5, End: 12}, {Start: 7, End: 30}}}
	if !reflect.DeepEqual(r, want) {
		t.Errorf("ParseRow = %+v, want %+v", r, want)
	}

	for _, bad := range []string{"", "1", "1 2 3", "x 2", "1 y", "1 2 3 z"} {
		if _, err := ParseRow(bad); err == nil {
			t.Errorf("ParseRow(%q) should fail", bad)
		}
	}
}

func TestRowWriter_WriteAndRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	w, err := Create(dir, "in-order-queue", "Sim GPU 0")
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if _, err := os.Stat(w.Path()); !os.IsNotExist(err) {
		t.Fatalf("Result file should not exist before Close")
	}

	rows := []Row{
		{Units: 2, ProblemSize: 2, Spans: []timing.Span{{Start: 0, End: 5}, {Start: 1, End: 6}}},
		{Units: 3, ProblemSize: 2, Spans: []timing.Span{{Start: 0, End: 5}, {Start: 1, End: 6}, {Start: 2, End: 9}}},
	}
	if err := w.Comment("running on %s", "Sim GPU 0"); err != nil {
		t.Fatalf("Failed to write comment: %v", err)
	}
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			t.Fatalf("Failed to write row: %v", err)
		}
	}
	if w.Rows() != 2 {
		t.Errorf("Rows() = %d, want 2", w.Rows())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second close should be a no-op: %v", err)
	}
	if err := w.Write(rows[0]); err == nil {
		t.Errorf("Write after Close should fail")
	}

	if _, err := os.Stat(w.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temp file left behind")
	}

	got, err := ReadRows(filepath.Join(dir, "in-order-queue-Sim-GPU-0.txt"))
	if err != nil {
		t.Fatalf("Failed to read rows: %v", err)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Errorf("ReadRows = %+v, want %+v", got, rows)
	}
}

func TestRowWriter_Abort(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "multi-queue", "dev")
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	_ = w.Write(Row{Units: 1, ProblemSize: 1, Spans: []timing.Span{{Start: 0, End: 1}}})
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty directory after Abort, found %d entries", len(entries))
	}
}

func TestRowWriter_Concurrent(t *testing.T) {
	w, err := Create(t.TempDir(), "out-of-order-queue", "dev")
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = w.Write(Row{Units: 1, ProblemSize: uint64(i), Spans: []timing.Span{{Start: 0, End: uint64(j)}}})
			}
		}(i)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rows, err := ReadRows(w.Path())
	if err != nil {
		t.Fatalf("ReadRows failed: %v", err)
	}
	if len(rows) != 400 {
		t.Errorf("Expected 400 rows, got %d", len(rows))
	}
}

func TestReadRows_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	if err := os.WriteFile(path, []byte("# header\n2 4 0 1 2 3\n2 4 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := ReadRows(path)
	if err == nil || !strings.Contains(err.Error(), "bad.txt:3") {
		t.Errorf("Expected error naming line 3, got %v", err)
	}

	if _, err := ReadRows(filepath.Join(t.TempDir(), "missing.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}
