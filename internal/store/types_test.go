package store

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestRecord_JSONSerialization(t *testing.T) {
	original := createTestRecord(7)
	original.Key = "phi007"

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Failed to marshal record: %v", err)
	}

	jsonStr := string(data)
	for _, field := range []string{`"key"`, `"iteration"`, `"scalars"`, `"arrays"`, `"meta"`, `"timestamp"`} {
		if !strings.Contains(jsonStr, field) {
			t.Errorf("JSON missing field %s", field)
		}
	}

	var decoded Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal record: %v", err)
	}
	if decoded.Key != original.Key || decoded.Iteration != original.Iteration {
		t.Errorf("Decoded record mismatch: %+v", decoded)
	}
	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp mismatch: expected %v, got %v", original.Timestamp, decoded.Timestamp)
	}
}

func TestRecord_JSONOmitsEmptyMaps(t *testing.T) {
	data, err := json.Marshal(&Record{Key: "constants", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Failed to marshal record: %v", err)
	}
	if strings.Contains(string(data), "arrays") {
		t.Errorf("Empty arrays should be omitted: %s", data)
	}
}

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *Record)
		field  string
	}{
		{"Valid", func(r *Record) {}, ""},
		{"EmptyKey", func(r *Record) { r.Key = "" }, "Key"},
		{"ReservedKey", func(r *Record) { r.Key = KeyManifest }, "Key"},
		{"SlashInKey", func(r *Record) { r.Key = "a/b" }, "Key"},
		{"DotInKey", func(r *Record) { r.Key = "a.json" }, "Key"},
		{"NegativeIteration", func(r *Record) { r.Iteration = -1 }, "Iteration"},
		{"NaNScalar", func(r *Record) { r.Scalars["objective"] = math.NaN() }, "Scalars.objective"},
		{"InfArray", func(r *Record) { r.Arrays["phi"][0] = math.Inf(1) }, "Arrays.phi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := createTestRecord(1)
			r.Key = "phi001"
			tt.modify(r)

			err := r.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Expected valid record, got %v", err)
				}
				return
			}

			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("Expected ValidationError, got %T: %v", err, err)
			}
			if valErr.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, valErr.Field)
			}
		})
	}
}

func TestManifest_Validate(t *testing.T) {
	m := createTestManifest("run-1")
	if err := m.Validate(); err != nil {
		t.Fatalf("Expected valid manifest, got %v", err)
	}

	m.RunID = ""
	if err := m.Validate(); err == nil {
		t.Error("Expected error for empty RunID")
	}

	m = createTestManifest("run-1")
	m.Nelx = 0
	if err := m.Validate(); err == nil {
		t.Error("Expected error for empty grid")
	}

	m = createTestManifest("run-1")
	m.Iteration = -2
	if err := m.Validate(); err == nil {
		t.Error("Expected error for iteration below -1")
	}
}

func TestManifest_IsCompatible(t *testing.T) {
	m := createTestManifest("run-1")

	if err := m.IsCompatible(160, 80, "coupled_heat"); err != nil {
		t.Errorf("Expected compatible, got %v", err)
	}

	err := m.IsCompatible(80, 40, "coupled_heat")
	var compErr *CompatibilityError
	if !errors.As(err, &compErr) {
		t.Fatalf("Expected CompatibilityError, got %T: %v", err, err)
	}
	if compErr.Field != "Grid" || compErr.Expected != "160x80" || compErr.Actual != "80x40" {
		t.Errorf("Unexpected error details: %+v", compErr)
	}

	err = m.IsCompatible(160, 80, "compliance")
	if !errors.As(err, &compErr) || compErr.Field != "Objective" {
		t.Errorf("Expected objective mismatch, got %v", err)
	}
}

func TestManifest_ToInfo(t *testing.T) {
	m := createTestManifest("run-1")
	m.Iteration = 12
	m.LastObjective = 3.5
	m.LastAreaFraction = 0.45

	info := m.ToInfo()
	if info.RunID != "run-1" || info.Status != StatusRunning || info.Objective != "coupled_heat" {
		t.Errorf("Identity mismatch: %+v", info)
	}
	if info.Iteration != 12 || info.LastValue != 3.5 || info.AreaFraction != 0.45 {
		t.Errorf("Progress mismatch: %+v", info)
	}
}

func TestIterationKeys(t *testing.T) {
	if got := IterationKey(7); got != "phi007" {
		t.Errorf("Expected phi007, got %s", got)
	}
	if got := IterationKey(1234); got != "phi1234" {
		t.Errorf("Expected phi1234, got %s", got)
	}

	tests := []struct {
		key  string
		want int
		ok   bool
	}{
		{"phi000", 0, true},
		{"phi042", 42, true},
		{"phi1234", 1234, true},
		{"phi42", 0, false},
		{"phi+42", 0, false},
		{"constants", 0, false},
		{"phiabc", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseIterationKey(tt.key)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseIterationKey(%q) = %d, %v; want %d, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}

func TestErrorMatching(t *testing.T) {
	var err error = &NotFoundError{RunID: "r", Key: "phi000"}
	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFoundError should match ErrNotFound")
	}
	if errors.Is(err, ErrExists) {
		t.Error("NotFoundError should not match ErrExists")
	}
	if !strings.Contains(err.Error(), "r/phi000") {
		t.Errorf("Unexpected message: %s", err)
	}

	err = &ExistsError{RunID: "r", Key: "phi000"}
	if !errors.Is(err, ErrExists) {
		t.Error("ExistsError should match ErrExists")
	}
}
