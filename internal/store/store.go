package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Sink defines the interface for checkpoint persistence of optimization runs.
// Implementations must be safe for concurrent use.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if a run or record doesn't exist (for Get/Keys/DeleteRun)
//   - Return ErrExists when Put targets a key that was already written
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Sink interface {
	// Put stores a record under the given run and key. Records are write-once:
	// if the key already exists the call fails with ErrExists and the stored
	// record is left untouched. A zero Timestamp is set to the current time.
	Put(runID, key string, rec *Record) error

	// Get retrieves a record. Returns ErrNotFound if it doesn't exist.
	Get(runID, key string) (*Record, error)

	// Keys returns the record keys of a run in lexical order, excluding the
	// manifest. Returns ErrNotFound if the run doesn't exist.
	Keys(runID string) ([]string, error)

	// PutManifest writes or replaces the run manifest. It is the only
	// mutable entry of a run.
	PutManifest(runID string, m *Manifest) error

	// GetManifest retrieves the run manifest. Returns ErrNotFound if the run
	// has none.
	GetManifest(runID string) (*Manifest, error)

	// ListRuns returns metadata for all runs that have a manifest.
	// The returned slice may be empty if no runs exist.
	ListRuns() ([]RunInfo, error)

	// DeleteRun removes all records of the run. Returns ErrNotFound if the
	// run doesn't exist.
	DeleteRun(runID string) error

	// Close releases the resources held by the sink.
	Close() error
}

// Well-known record keys.
const (
	KeyConstants = "constants"
	KeyManifest  = "manifest"
)

// IterationKey returns the key of the φ snapshot of an iteration.
func IterationKey(iteration int) string {
	return fmt.Sprintf("phi%03d", iteration)
}

// ParseIterationKey returns the iteration of a snapshot key.
func ParseIterationKey(key string) (int, bool) {
	digits, ok := strings.CutPrefix(key, "phi")
	if !ok || len(digits) < 3 || digits[0] < '0' || digits[0] > '9' {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ErrNotFound is returned when a requested run or record does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run or record.
type NotFoundError struct {
	RunID string
	Key   string
}

func (e *NotFoundError) Error() string {
	switch {
	case e.RunID != "" && e.Key != "":
		return "record not found: " + e.RunID + "/" + e.Key
	case e.RunID != "":
		return "run not found: " + e.RunID
	}
	return "not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ErrExists is returned when a write-once record is written twice.
var ErrExists = &ExistsError{}

// ExistsError represents an attempt to overwrite a stored record.
type ExistsError struct {
	RunID string
	Key   string
}

func (e *ExistsError) Error() string {
	if e.RunID != "" {
		return "record already exists: " + e.RunID + "/" + e.Key
	}
	return "record already exists"
}

func (e *ExistsError) Is(target error) bool {
	_, ok := target.(*ExistsError)
	return ok
}
