package store

import (
	"fmt"
	"math"
	"time"
)

// Record is one checkpoint entry: the run constants or the state of one
// iteration. All fields are serialized to JSON for persistence. A record is
// never modified once it has been stored.
type Record struct {
	// Key is the record name within the run ("constants", "phi000", ...)
	Key string `json:"key"`

	// Iteration is the optimization iteration the record belongs to
	Iteration int `json:"iteration"`

	// Scalars holds named numbers such as the objective and area fraction
	Scalars map[string]float64 `json:"scalars,omitempty"`

	// Arrays holds named vectors such as φ and the primal fields
	Arrays map[string][]float64 `json:"arrays,omitempty"`

	// Meta holds free-form string attributes
	Meta map[string]string `json:"meta,omitempty"`

	// Timestamp records when this record was created
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks that the record can be persisted and read back.
func (r *Record) Validate() error {
	if r.Key == "" {
		return &ValidationError{Field: "Key", Reason: "cannot be empty"}
	}
	if r.Key == KeyManifest {
		return &ValidationError{Field: "Key", Reason: "is reserved for the run manifest"}
	}
	for _, c := range r.Key {
		if c == '/' || c == '\\' || c == '.' {
			return &ValidationError{Field: "Key", Reason: fmt.Sprintf("contains invalid character %q", c)}
		}
	}
	if r.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	for name, v := range r.Scalars {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "Scalars." + name, Reason: "must be finite"}
		}
	}
	for name, vs := range r.Arrays {
		for _, v := range vs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &ValidationError{Field: "Arrays." + name, Reason: "must be finite"}
			}
		}
	}
	return nil
}

// prepare returns the copy of rec that is actually stored.
func prepare(key string, rec *Record) (*Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("record cannot be nil")
	}
	out := *rec
	out.Key = key
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run statuses recorded in the manifest.
const (
	StatusRunning           = "running"
	StatusCompleted         = "completed"
	StatusConverged         = "converged"
	StatusResourceExhausted = "resource_exhausted"
	StatusCancelled         = "cancelled"
	StatusFailed            = "failed"
)

// Manifest describes a run. Unlike records it is rewritten as the run
// progresses.
type Manifest struct {
	// RunID is the unique identifier of the run
	RunID string `json:"runId"`

	// Status is one of the Status* constants
	Status string `json:"status"`

	// Objective and Algorithm name the physics and the sub-optimizer
	Objective string `json:"objective"`
	Algorithm string `json:"algorithm"`

	// Nelx and Nely are the grid dimensions, needed to validate resumes
	Nelx int `json:"nelx"`
	Nely int `json:"nely"`

	// Iteration is the last iteration with a stored snapshot (-1 if none)
	Iteration int `json:"iteration"`

	// Objective value and area fraction of the last iteration
	LastObjective    float64 `json:"lastObjective"`
	LastAreaFraction float64 `json:"lastAreaFraction"`

	// Error holds the failure message of a failed run
	Error string `json:"error,omitempty"`

	// Config is the effective configuration, serialized as YAML
	Config string `json:"config,omitempty"`

	// ConfigDigest is a hex SHA-256 of Config
	ConfigDigest string `json:"configDigest,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// ToInfo converts a manifest to RunInfo (metadata only).
func (m *Manifest) ToInfo() RunInfo {
	return RunInfo{
		RunID:        m.RunID,
		Status:       m.Status,
		Objective:    m.Objective,
		Iteration:    m.Iteration,
		LastValue:    m.LastObjective,
		AreaFraction: m.LastAreaFraction,
		Updated:      m.Updated,
	}
}

// Validate checks if the manifest has valid data.
func (m *Manifest) Validate() error {
	if m.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if m.Status == "" {
		return &ValidationError{Field: "Status", Reason: "cannot be empty"}
	}
	if m.Nelx <= 0 || m.Nely <= 0 {
		return &ValidationError{Field: "Nelx/Nely", Reason: "must be positive"}
	}
	if m.Iteration < -1 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be below -1"}
	}
	return nil
}

// IsCompatible checks if a run can be resumed on a grid of the given size
// with the given objective.
func (m *Manifest) IsCompatible(nelx, nely int, objective string) error {
	if m.Nelx != nelx || m.Nely != nely {
		return &CompatibilityError{
			Field:    "Grid",
			Expected: fmt.Sprintf("%dx%d", m.Nelx, m.Nely),
			Actual:   fmt.Sprintf("%dx%d", nelx, nely),
		}
	}
	if m.Objective != objective {
		return &CompatibilityError{
			Field:    "Objective",
			Expected: m.Objective,
			Actual:   objective,
		}
	}
	return nil
}

// RunInfo contains metadata about a run without any record data.
// Used for listing runs efficiently.
type RunInfo struct {
	RunID        string    `json:"runId"`
	Status       string    `json:"status"`
	Objective    string    `json:"objective"`
	Iteration    int       `json:"iteration"`
	LastValue    float64   `json:"lastValue"`
	AreaFraction float64   `json:"areaFraction"`
	Updated      time.Time `json:"updated"`
}

// ValidationError represents a record or manifest validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// CompatibilityError represents a resume compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
