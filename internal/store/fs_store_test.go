package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir() // Automatically cleaned up after test
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	return store, tempDir
}

// createTestRecord creates an iteration record with test data.
func createTestRecord(iteration int) *Record {
	return &Record{
		Iteration: iteration,
		Scalars:   map[string]float64{"objective": 12.5, "area_fraction": 0.43},
		Arrays:    map[string][]float64{"phi": {-1, -0.5, 0.25, 1}, "T": {0, 0.1, 0.2, 0}},
		Meta:      map[string]string{"algorithm": "bisection"},
		Timestamp: time.Now(),
	}
}

func createTestManifest(runID string) *Manifest {
	return &Manifest{
		RunID:     runID,
		Status:    StatusRunning,
		Objective: "coupled_heat",
		Algorithm: "bisection",
		Nelx:      160,
		Nely:      80,
		Iteration: -1,
		Created:   time.Now(),
		Updated:   time.Now(),
	}
}

// testSink runs the behaviour shared by every Sink implementation.
func testSink(t *testing.T, newSink func(t *testing.T) Sink) {
	t.Run("PutGet", func(t *testing.T) {
		sink := newSink(t)
		original := createTestRecord(3)

		if err := sink.Put("run-1", IterationKey(3), original); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		loaded, err := sink.Get("run-1", "phi003")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if loaded.Key != "phi003" {
			t.Errorf("Key mismatch: expected phi003, got %s", loaded.Key)
		}
		if loaded.Iteration != 3 {
			t.Errorf("Iteration mismatch: expected 3, got %d", loaded.Iteration)
		}
		if loaded.Scalars["objective"] != 12.5 {
			t.Errorf("objective mismatch: got %f", loaded.Scalars["objective"])
		}
		if len(loaded.Arrays["phi"]) != 4 || loaded.Arrays["phi"][2] != 0.25 {
			t.Errorf("phi mismatch: got %v", loaded.Arrays["phi"])
		}
		if loaded.Meta["algorithm"] != "bisection" {
			t.Errorf("meta mismatch: got %v", loaded.Meta)
		}
	})

	t.Run("PutIsWriteOnce", func(t *testing.T) {
		sink := newSink(t)
		first := createTestRecord(0)
		second := createTestRecord(0)
		second.Scalars["objective"] = 99

		if err := sink.Put("run-1", "phi000", first); err != nil {
			t.Fatalf("First put failed: %v", err)
		}
		err := sink.Put("run-1", "phi000", second)
		if !errors.Is(err, ErrExists) {
			t.Fatalf("Expected ErrExists, got %v", err)
		}

		loaded, err := sink.Get("run-1", "phi000")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if loaded.Scalars["objective"] != 12.5 {
			t.Errorf("Stored record was modified: objective %f", loaded.Scalars["objective"])
		}
	})

	t.Run("PutFillsTimestamp", func(t *testing.T) {
		sink := newSink(t)
		rec := createTestRecord(0)
		rec.Timestamp = time.Time{}

		if err := sink.Put("run-1", KeyConstants, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if !rec.Timestamp.IsZero() {
			t.Error("Put modified the caller's record")
		}
		loaded, err := sink.Get("run-1", KeyConstants)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if loaded.Timestamp.IsZero() {
			t.Error("Expected timestamp to be set")
		}
	})

	t.Run("PutRejectsInvalid", func(t *testing.T) {
		sink := newSink(t)
		if err := sink.Put("", "phi000", createTestRecord(0)); err == nil {
			t.Error("Expected error for empty runID")
		}
		if err := sink.Put("run-1", "phi000", nil); err == nil {
			t.Error("Expected error for nil record")
		}
		if err := sink.Put("run-1", KeyManifest, createTestRecord(0)); err == nil {
			t.Error("Expected error for reserved key")
		}
		if err := sink.Put("run-1", "../escape", createTestRecord(0)); err == nil {
			t.Error("Expected error for path-like key")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		sink := newSink(t)
		_, err := sink.Get("missing", "phi000")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %T: %v", err, err)
		}
	})

	t.Run("KeysSorted", func(t *testing.T) {
		sink := newSink(t)
		for _, key := range []string{"phi002", KeyConstants, "phi000", "phi001"} {
			if err := sink.Put("run-1", key, createTestRecord(0)); err != nil {
				t.Fatalf("Put %s failed: %v", key, err)
			}
		}
		if err := sink.PutManifest("run-1", createTestManifest("run-1")); err != nil {
			t.Fatalf("PutManifest failed: %v", err)
		}

		keys, err := sink.Keys("run-1")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		want := []string{"constants", "phi000", "phi001", "phi002"}
		if fmt.Sprint(keys) != fmt.Sprint(want) {
			t.Errorf("Expected keys %v, got %v", want, keys)
		}

		if _, err := sink.Keys("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ManifestRewrite", func(t *testing.T) {
		sink := newSink(t)
		m := createTestManifest("run-1")
		if err := sink.PutManifest("run-1", m); err != nil {
			t.Fatalf("PutManifest failed: %v", err)
		}

		m.Status = StatusCompleted
		m.Iteration = 41
		if err := sink.PutManifest("run-1", m); err != nil {
			t.Fatalf("Rewrite failed: %v", err)
		}

		loaded, err := sink.GetManifest("run-1")
		if err != nil {
			t.Fatalf("GetManifest failed: %v", err)
		}
		if loaded.Status != StatusCompleted || loaded.Iteration != 41 {
			t.Errorf("Expected completed at 41, got %s at %d", loaded.Status, loaded.Iteration)
		}

		if err := sink.PutManifest("run-2", m); err == nil {
			t.Error("Expected error for mismatched runID")
		}
		if _, err := sink.GetManifest("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		sink := newSink(t)

		infos, err := sink.ListRuns()
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(infos) != 0 {
			t.Errorf("Expected empty list, got %d runs", len(infos))
		}

		runs := []string{"run-1", "run-2", "run-3"}
		for _, runID := range runs {
			if err := sink.PutManifest(runID, createTestManifest(runID)); err != nil {
				t.Fatalf("Failed to save manifest %s: %v", runID, err)
			}
		}
		// A run without a manifest is not listed.
		if err := sink.Put("orphan", "phi000", createTestRecord(0)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		infos, err = sink.ListRuns()
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(infos) != len(runs) {
			t.Errorf("Expected %d runs, got %d", len(runs), len(infos))
		}

		found := make(map[string]bool)
		for _, info := range infos {
			found[info.RunID] = true
		}
		for _, runID := range runs {
			if !found[runID] {
				t.Errorf("Run %s not found in list", runID)
			}
		}
	})

	t.Run("DeleteRun", func(t *testing.T) {
		sink := newSink(t)
		if err := sink.Put("run-1", "phi000", createTestRecord(0)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := sink.PutManifest("run-1", createTestManifest("run-1")); err != nil {
			t.Fatalf("PutManifest failed: %v", err)
		}
		if err := sink.Put("run-10", "phi000", createTestRecord(0)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		if err := sink.DeleteRun("run-1"); err != nil {
			t.Fatalf("DeleteRun failed: %v", err)
		}
		if _, err := sink.Get("run-1", "phi000"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
		if _, err := sink.GetManifest("run-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected manifest to be deleted, got %v", err)
		}
		// Runs sharing a prefix are untouched.
		if _, err := sink.Get("run-10", "phi000"); err != nil {
			t.Errorf("Sibling run was deleted: %v", err)
		}

		if err := sink.DeleteRun("run-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		if err := sink.DeleteRun(""); err == nil {
			t.Error("Expected error for empty runID")
		}
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		sink := newSink(t)

		const numRecords = 10
		done := make(chan bool, numRecords)
		for i := 0; i < numRecords; i++ {
			go func(idx int) {
				if err := sink.Put("run-1", IterationKey(idx), createTestRecord(idx)); err != nil {
					t.Errorf("Concurrent put failed for %d: %v", idx, err)
				}
				done <- true
			}(i)
		}
		for i := 0; i < numRecords; i++ {
			<-done
		}

		keys, err := sink.Keys("run-1")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != numRecords {
			t.Errorf("Expected %d records, got %d", numRecords, len(keys))
		}
	})
}

func TestFSStore(t *testing.T) {
	testSink(t, func(t *testing.T) Sink {
		store, _ := setupTestStore(t)
		return store
	})
}

func TestNewFSStore(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "save")

	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store == nil {
		t.Fatal("Expected non-nil store")
	}

	// Verify base directory was created
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestFSStore_Layout(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.Put("run-1", "phi000", createTestRecord(0)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.PutManifest("run-1", createTestManifest("run-1")); err != nil {
		t.Fatalf("PutManifest failed: %v", err)
	}

	for _, name := range []string{"phi000.json", "manifest.json"} {
		path := filepath.Join(tempDir, "runs", "run-1", name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Errorf("Expected file %s", path)
		}
	}

	// Verify no temp files remain
	entries, err := os.ReadDir(filepath.Join(tempDir, "runs", "run-1"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 files, got %d", len(entries))
	}
}

func TestFSStore_ListSkipsInvalidDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.PutManifest("valid-run", createTestManifest("valid-run")); err != nil {
		t.Fatalf("Failed to save manifest: %v", err)
	}

	// Directory with a corrupted manifest
	badDir := filepath.Join(tempDir, "runs", "bad-run")
	if err := os.MkdirAll(badDir, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "manifest.json"), []byte("{"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	// Non-directory file in runs directory
	if err := os.WriteFile(filepath.Join(tempDir, "runs", "dummy.txt"), []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create dummy file: %v", err)
	}

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 1 || infos[0].RunID != "valid-run" {
		t.Errorf("Expected only valid-run, got %+v", infos)
	}
}
