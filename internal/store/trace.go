package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceEntry is one line of a run's iteration history in trace.jsonl.
type TraceEntry struct {
	Iteration int     `json:"iteration"`
	Objective float64 `json:"objective"`

	// Components holds the parts of a composite objective (x1, x2 for
	// coupled heat).
	Components map[string]float64 `json:"components,omitempty"`

	// AreaFraction is the solid share of the design domain.
	AreaFraction float64 `json:"areaFraction"`

	// Points is the number of boundary points.
	Points int `json:"points"`

	// Lambda is the multiplier reported by the sub-optimizer.
	Lambda float64 `json:"lambda"`

	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

const traceFile = "trace.jsonl"

// TracePath returns <baseDir>/runs/<runID>/trace.jsonl.
func TracePath(baseDir, runID string) string {
	return filepath.Join(RunDir(baseDir, runID), traceFile)
}

// TraceWriter appends entries to a run's trace. Every entry reaches the
// file before Write returns, so a killed run loses at most the line being
// written. Safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter opens the trace of a run, creating the run directory. A
// resumed run passes append to keep the earlier history.
func NewTraceWriter(baseDir, runID string, append bool) (*TraceWriter, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if err := os.MkdirAll(RunDir(baseDir, runID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	path := TracePath(baseDir, runID)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
	}, nil
}

// Write appends one entry. A zero Timestamp is set to the current time.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.writer.Write(data)
	tw.writer.WriteByte('\n')
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to write trace entry %d: %w", entry.Iteration, err)
	}
	return nil
}

// Flush syncs the trace file to disk.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	flushErr := tw.writer.Flush()
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush on close: %w", flushErr)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads a run's trace line by line.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
	pending []byte
}

// NewTraceReader opens the trace of a run. A run without a trace yields
// ErrNotFound.
func NewTraceReader(baseDir, runID string) (*TraceReader, error) {
	file, err := os.Open(TracePath(baseDir, runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{RunID: runID, Key: "trace"}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &TraceReader{file: file, scanner: scanner}, nil
}

// next returns the next non-empty line, or nil at the end of the file.
func (tr *TraceReader) next() ([]byte, error) {
	if tr.pending != nil {
		line := tr.pending
		tr.pending = nil
		return line, nil
	}
	for tr.scanner.Scan() {
		if line := tr.scanner.Bytes(); len(line) > 0 {
			return append([]byte(nil), line...), nil
		}
	}
	if err := tr.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan trace line: %w", err)
	}
	return nil, nil
}

// Read returns the next entry, or io.EOF when the trace is exhausted. A
// malformed final line is what a run killed mid-write leaves behind, so it
// ends the trace instead of failing it.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	line, err := tr.next()
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, io.EOF
	}

	var entry TraceEntry
	if jsonErr := json.Unmarshal(line, &entry); jsonErr != nil {
		following, err := tr.next()
		if err != nil {
			return nil, err
		}
		if following == nil {
			return nil, io.EOF
		}
		tr.pending = following
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", jsonErr)
	}
	return &entry, nil
}

// ReadAll reads the remaining entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

// Close closes the trace reader.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// DeleteTrace removes the trace of a run. A missing trace is not an error.
func DeleteTrace(baseDir, runID string) error {
	err := os.Remove(TracePath(baseDir, runID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete trace file: %w", err)
	}
	return nil
}
