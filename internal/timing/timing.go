// Package timing turns the profiling timestamps of completed commands into
// batch-relative offsets and aggregate statistics.
package timing

import (
	"errors"
	"fmt"

	"github.com/cwbudde/oclbench/internal/cl"
)

// ErrEmptyBatch is returned for a batch without usable samples.
var ErrEmptyBatch = errors.New("timing: empty batch")

// Timestamps are the device clock values of one command, in nanoseconds.
type Timestamps struct {
	Queued    uint64
	Submitted uint64
	Started   uint64
	Ended     uint64
	// Available is false when the device could not report timestamps.
	Available bool
}

// Wait is the time between enqueue and start.
func (t Timestamps) Wait() uint64 { return t.Started - t.Queued }

// Exec is the execution time.
func (t Timestamps) Exec() uint64 { return t.Ended - t.Started }

var params = [...]cl.ProfilingParam{
	cl.ProfilingQueued,
	cl.ProfilingSubmit,
	cl.ProfilingStart,
	cl.ProfilingEnd,
}

// Extract reads the four timestamps of a completed command. A device
// without profiling support yields an unavailable sample, not an error.
func Extract(ev cl.Event) (Timestamps, error) {
	var v [len(params)]uint64
	for i, p := range params {
		ts, err := ev.ProfilingInfo(p)
		if errors.Is(err, cl.ProfilingInfoNotAvailable) {
			return Timestamps{}, nil
		}
		if err != nil {
			return Timestamps{}, fmt.Errorf("profiling %s: %w", p, err)
		}
		v[i] = ts
	}
	return Timestamps{
		Queued:    v[0],
		Submitted: v[1],
		Started:   v[2],
		Ended:     v[3],
		Available: true,
	}, nil
}

// Span is a start and end offset relative to the batch origin.
type Span struct {
	Start uint64
	End   uint64
}

// Normalized is a batch expressed relative to its earliest start.
type Normalized struct {
	Origin uint64
	Spans  []Span
	// Dropped counts unavailable samples left out of Spans.
	Dropped int
}

// Normalize expresses every available sample relative to the minimum
// start time of the batch.
func Normalize(samples []Timestamps) (Normalized, error) {
	if len(samples) == 0 {
		return Normalized{}, ErrEmptyBatch
	}
	var (
		n     Normalized
		found bool
	)
	for _, s := range samples {
		if !s.Available {
			n.Dropped++
			continue
		}
		if !found || s.Started < n.Origin {
			n.Origin = s.Started
		}
		found = true
	}
	if !found {
		return n, fmt.Errorf("%w: all %d samples unavailable", ErrEmptyBatch, len(samples))
	}

	n.Spans = make([]Span, 0, len(samples)-n.Dropped)
	for _, s := range samples {
		if s.Available {
			n.Spans = append(n.Spans, Span{Start: s.Started - n.Origin, End: s.Ended - n.Origin})
		}
	}
	return n, nil
}

// Total is the span of the whole batch.
func (n Normalized) Total() uint64 { return Total(n.Spans) }

// Total returns the latest end minus the earliest start.
func Total(spans []Span) uint64 {
	if len(spans) == 0 {
		return 0
	}
	lo, hi := spans[0].Start, spans[0].End
	for _, s := range spans[1:] {
		lo = min(lo, s.Start)
		hi = max(hi, s.End)
	}
	return hi - lo
}

// Stats are the minimum, maximum and population mean of a set of
// durations.
type Stats struct {
	Min  uint64
	Max  uint64
	Mean uint64
	N    int
}

// Aggregate accumulates in integers and divides once.
func Aggregate(values []uint64) (Stats, error) {
	if len(values) == 0 {
		return Stats{}, ErrEmptyBatch
	}
	st := Stats{Min: values[0], Max: values[0], N: len(values)}
	var sum uint64
	for _, v := range values {
		st.Min = min(st.Min, v)
		st.Max = max(st.Max, v)
		sum += v
	}
	st.Mean = sum / uint64(len(values))
	return st, nil
}

// Summary holds wait and execution statistics of a batch.
type Summary struct {
	Wait    Stats
	Exec    Stats
	Dropped int
}

// Summarize aggregates the available samples.
func Summarize(samples []Timestamps) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrEmptyBatch
	}
	var waits, execs []uint64
	dropped := 0
	for _, s := range samples {
		if !s.Available {
			dropped++
			continue
		}
		waits = append(waits, s.Wait())
		execs = append(execs, s.Exec())
	}
	wait, err := Aggregate(waits)
	if err != nil {
		return Summary{Dropped: dropped}, fmt.Errorf("%w: all %d samples unavailable", ErrEmptyBatch, len(samples))
	}
	exec, _ := Aggregate(execs)
	return Summary{Wait: wait, Exec: exec, Dropped: dropped}, nil
}
