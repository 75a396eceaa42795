// Package report writes and reads experiment results: columnar result
// files, a JSONL batch trace and a Prometheus textfile.
package report

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cwbudde/oclbench/internal/timing"
)

// Sanitize replaces every byte that is not an ASCII letter or digit by '-'.
func Sanitize(name string) string {
	b := []byte(name)
	for i, c := range b {
		if !isAlnum(c) {
			b[i] = '-'
		}
	}
	return string(b)
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// FileName is the result file of one topology on one device.
func FileName(topology, device string) string {
	return topology + "-" + Sanitize(device) + ".txt"
}

// Row is one batch: its size, the problem size of each unit and the
// normalized start/end offsets of every unit.
type Row struct {
	Units       int
	ProblemSize uint64
	Spans       []timing.Span
}

// Columns is the number of fields the row occupies in a result file.
func (r Row) Columns() int { return 2 + 2*len(r.Spans) }

func (r Row) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.Units))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(r.ProblemSize, 10))
	for _, s := range r.Spans {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(s.Start, 10))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(s.End, 10))
	}
	return b.String()
}

// ParseRow parses one line of a result file.
func ParseRow(line string) (Row, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields)%2 != 0 {
		return Row{}, fmt.Errorf("malformed row: %d fields", len(fields))
	}
	units, err := strconv.Atoi(fields[0])
	if err != nil {
		return Row{}, fmt.Errorf("malformed batch size: %w", err)
	}
	size, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("malformed problem size: %w", err)
	}
	r := Row{Units: units, ProblemSize: size, Spans: make([]timing.Span, 0, (len(fields)-2)/2)}
	for i := 2; i < len(fields); i += 2 {
		start, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return Row{}, fmt.Errorf("malformed start offset: %w", err)
		}
		end, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return Row{}, fmt.Errorf("malformed end offset: %w", err)
		}
		r.Spans = append(r.Spans, timing.Span{Start: start, End: end})
	}
	return r, nil
}

// RowWriter writes a result file. Rows go to a temporary file next to
// the target which is renamed into place on Close, so a crashed run never
// leaves a truncated result behind.
//
// RowWriter is safe for concurrent use.
type RowWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	rows   int
	closed bool
}

// Create opens the result file of topology on device in dir. The
// directory is created if needed.
func Create(dir, topology, device string) (*RowWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, FileName(topology, device))

	file, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create result file: %w", err)
	}

	return &RowWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Comment writes a '#' line, ignored by ReadRows.
func (w *RowWriter) Comment(format string, args ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if _, err := fmt.Fprintf(w.writer, "# "+format+"\n", args...); err != nil {
		return fmt.Errorf("failed to write comment: %w", err)
	}
	return nil
}

// Write appends one row.
func (w *RowWriter) Write(r Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if _, err := w.writer.WriteString(r.String()); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	w.rows++
	return nil
}

// Close flushes the rows and moves the file to its final path.
func (w *RowWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	tempPath := w.file.Name()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync result file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close result file: %w", err)
	}

	// Atomic rename to final location
	if err := os.Rename(tempPath, w.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename result file: %w", err)
	}

	slog.Debug("Result file written", "path", w.path, "rows", w.rows)
	return nil
}

// Abort discards everything written so far.
func (w *RowWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove temp result file: %w", err)
	}
	return nil
}

// Path returns the final path of the result file.
func (w *RowWriter) Path() string {
	return w.path
}

// Rows returns the number of rows written so far.
func (w *RowWriter) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// ReadRows reads a result file. Blank lines and '#' comments are skipped.
func ReadRows(path string) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// Rows of large batches can get long
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var rows []Row
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		r, err := ParseRow(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		rows = append(rows, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan result file: %w", err)
	}
	return rows, nil
}
