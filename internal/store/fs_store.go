package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore implements the Sink interface using filesystem-based persistence.
// Records are stored as JSON files in a directory structure:
// <baseDir>/runs/<runID>/<key>.json
//
// Thread-safety: This implementation uses atomic file operations (link and
// rename) and does not require locks. Multiple goroutines can safely call
// methods concurrently.
type FSStore struct {
	baseDir string // Root directory for all run data (e.g., "./save")
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir: baseDir,
	}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

// RunDir returns the directory path for a given run ID.
func (fs *FSStore) RunDir(runID string) string {
	return RunDir(fs.baseDir, runID)
}

// RunDir returns <baseDir>/runs/<runID>.
func RunDir(baseDir, runID string) string {
	return filepath.Join(baseDir, "runs", runID)
}

func (fs *FSStore) recordPath(runID, key string) string {
	return filepath.Join(fs.RunDir(runID), key+".json")
}

// Put atomically stores a record. The data is written to a temporary file
// which is then hard-linked to its final name, so an existing record is never
// replaced.
func (fs *FSStore) Put(runID, key string, rec *Record) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	stored, err := prepare(key, rec)
	if err != nil {
		return err
	}

	runDir := fs.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	tmp, err := os.CreateTemp(runDir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp record file: %w", err)
	}
	tempPath := tmp.Name()
	defer os.Remove(tempPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp record file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp record file: %w", err)
	}

	finalPath := fs.recordPath(runID, key)
	if err := os.Link(tempPath, finalPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return &ExistsError{RunID: runID, Key: key}
		}
		return fmt.Errorf("failed to publish record file: %w", err)
	}

	slog.Debug("Record saved", "runID", runID, "key", key, "path", finalPath)
	return nil
}

// Get retrieves a record.
func (fs *FSStore) Get(runID, key string) (*Record, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}

	var rec Record
	if err := readJSON(fs.recordPath(runID, key), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{RunID: runID, Key: key}
		}
		return nil, err
	}
	return &rec, nil
}

// Keys lists the record keys of a run.
func (fs *FSStore) Keys(runID string) ([]string, error) {
	entries, err := os.ReadDir(fs.RunDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}

	keys := []string{}
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok || name == KeyManifest {
			continue // Skip temp files, traces and the manifest
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

// PutManifest replaces the run manifest using the temp file + rename pattern.
func (fs *FSStore) PutManifest(runID string, m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest cannot be nil")
	}
	if m.RunID != runID {
		return &ValidationError{Field: "RunID", Reason: "does not match " + runID}
	}
	if err := m.Validate(); err != nil {
		return err
	}

	runDir := fs.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}

	finalPath := fs.recordPath(runID, KeyManifest)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp manifest file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename manifest file: %w", err)
	}

	slog.Debug("Manifest saved", "runID", runID, "status", m.Status)
	return nil
}

// GetManifest retrieves the run manifest.
func (fs *FSStore) GetManifest(runID string) (*Manifest, error) {
	var m Manifest
	if err := readJSON(fs.recordPath(runID, KeyManifest), &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{RunID: runID, Key: KeyManifest}
		}
		return nil, err
	}
	return &m, nil
}

// ListRuns returns metadata for all runs with a manifest.
func (fs *FSStore) ListRuns() ([]RunInfo, error) {
	runsDir := filepath.Join(fs.baseDir, "runs")

	entries, err := os.ReadDir(runsDir)
	if os.IsNotExist(err) {
		// No runs exist yet, return empty slice
		return []RunInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	infos := []RunInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		m, err := fs.GetManifest(entry.Name())
		if errors.Is(err, ErrNotFound) {
			continue // Skip directories without a manifest
		}
		if err != nil {
			slog.Warn("Failed to load manifest for listing", "runID", entry.Name(), "error", err)
			continue // Skip corrupted manifests
		}
		infos = append(infos, m.ToInfo())
	}

	slog.Debug("Listed runs", "count", len(infos))
	return infos, nil
}

// DeleteRun removes the run directory and all its contents.
func (fs *FSStore) DeleteRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}

	runDir := fs.RunDir(runID)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return &NotFoundError{RunID: runID}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}

	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}

	slog.Debug("Run deleted", "runID", runID, "path", runDir)
	return nil
}

// Close implements Sink. The filesystem store holds no resources.
func (fs *FSStore) Close() error {
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to deserialize %s: %w", filepath.Base(path), err)
	}
	return nil
}
