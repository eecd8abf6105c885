package store

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// writeTrace writes one entry per iteration in [from, to).
func writeTrace(t *testing.T, baseDir, runID string, from, to int, appendMode bool) {
	t.Helper()
	w, err := NewTraceWriter(baseDir, runID, appendMode)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	for it := from; it < to; it++ {
		entry := TraceEntry{
			Iteration:    it,
			Objective:    10 - float64(it),
			AreaFraction: 0.9 - 0.01*float64(it),
			Points:       100 + it,
		}
		if err := w.Write(entry); err != nil {
			t.Fatalf("Failed to write iteration %d: %v", it, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
}

func readTrace(t *testing.T, baseDir, runID string) []TraceEntry {
	t.Helper()
	r, err := NewTraceReader(baseDir, runID)
	if err != nil {
		t.Fatalf("Failed to open trace: %v", err)
	}
	defer r.Close()
	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read trace: %v", err)
	}
	return entries
}

func TestTraceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "run", 0, 4, false)

	entries := readTrace(t, dir, "run")
	if len(entries) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Iteration != i || e.Points != 100+i || e.Objective != 10-float64(i) {
			t.Errorf("Entry %d mismatch: %+v", i, e)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("Entry %d: timestamp not set", i)
		}
	}
}

func TestTraceResumeAppends(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "run", 0, 3, false)
	writeTrace(t, dir, "run", 3, 5, true)

	entries := readTrace(t, dir, "run")
	if len(entries) != 5 {
		t.Fatalf("Expected 5 entries after resume, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Iteration != i {
			t.Errorf("Entry %d has iteration %d", i, e.Iteration)
		}
	}
}

func TestTraceNewRunTruncates(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "run", 0, 3, false)
	writeTrace(t, dir, "run", 0, 1, false)

	if entries := readTrace(t, dir, "run"); len(entries) != 1 {
		t.Errorf("Expected a fresh trace with 1 entry, got %d", len(entries))
	}
}

func TestTraceVisibleBeforeClose(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTraceWriter(dir, "live", false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer w.Close()

	if err := w.Write(TraceEntry{Iteration: 0, Objective: 1}); err != nil {
		t.Fatalf("Failed to write entry: %v", err)
	}

	// a status reader sees the entry while the run is still going
	if entries := readTrace(t, dir, "live"); len(entries) != 1 {
		t.Errorf("Expected 1 visible entry, got %d", len(entries))
	}
	if err := w.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
}

func TestTraceReadIteratively(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "run", 0, 5, false)

	r, err := NewTraceReader(dir, "run")
	if err != nil {
		t.Fatalf("Failed to open trace: %v", err)
	}
	defer r.Close()

	count := 0
	for {
		e, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if e.Iteration != count {
			t.Errorf("Expected iteration %d, got %d", count, e.Iteration)
		}
		count++
	}
	if count != 5 {
		t.Errorf("Expected 5 entries, got %d", count)
	}
}

func TestTraceTruncatedLastLine(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "crashed", 0, 2, false)

	f, err := os.OpenFile(TracePath(dir, "crashed"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open trace: %v", err)
	}
	f.WriteString(`{"iteration":2,"objec`)
	f.Close()

	if entries := readTrace(t, dir, "crashed"); len(entries) != 2 {
		t.Errorf("Expected the 2 complete entries, got %d", len(entries))
	}
}

func TestTraceCorruptMiddleLine(t *testing.T) {
	dir := t.TempDir()
	data := "{\"iteration\":0}\nnot json\n{\"iteration\":2}\n"
	if err := os.MkdirAll(RunDir(dir, "bad"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(TracePath(dir, "bad"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewTraceReader(dir, "bad")
	if err != nil {
		t.Fatalf("Failed to open trace: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadAll(); err == nil {
		t.Error("Expected an error for a corrupt line inside the trace")
	}
}

func TestTraceOmitsEmptyComponents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTraceWriter(dir, "run", false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	w.Write(TraceEntry{Iteration: 0, Objective: 0.5})
	w.Write(TraceEntry{Iteration: 1, Objective: 0.4, Components: map[string]float64{"x1": 0.3, "x2": 0.1}})
	w.Close()

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("Failed to read trace file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if strings.Contains(lines[0], "components") {
		t.Errorf("Empty components should be omitted: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"x2":0.1`) {
		t.Errorf("Components missing: %s", lines[1])
	}
}

func TestTraceReaderNotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTrace(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "run", 0, 1, false)

	if err := DeleteTrace(dir, "run"); err != nil {
		t.Fatalf("DeleteTrace failed: %v", err)
	}
	if _, err := os.Stat(TracePath(dir, "run")); !os.IsNotExist(err) {
		t.Error("Trace file still exists after delete")
	}
	// deleting again is fine
	if err := DeleteTrace(dir, "run"); err != nil {
		t.Errorf("DeleteTrace of a missing trace failed: %v", err)
	}
}

func TestTraceConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTraceWriter(dir, "run", false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(it int) {
			defer wg.Done()
			if err := w.Write(TraceEntry{Iteration: it, Timestamp: time.Now()}); err != nil {
				t.Errorf("Concurrent write failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	w.Close()

	if entries := readTrace(t, dir, "run"); len(entries) != 10 {
		t.Errorf("Expected 10 entries, got %d", len(entries))
	}
}

func TestNewTraceWriterRejectsEmptyRunID(t *testing.T) {
	if _, err := NewTraceWriter(t.TempDir(), "", false); err == nil {
		t.Error("Expected error for empty run ID")
	}
}
