package engine

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateRunID(t *testing.T) {
	runID := GenerateRunID()

	if !strings.HasPrefix(runID, "run-") {
		t.Errorf("Run ID should start with 'run-', got: %s", runID)
	}

	// run- + 8 + - + 6 + - + 8 = 28 characters total
	if len(runID) != 28 {
		t.Errorf("Run ID should be 28 characters long, got %d: %s", len(runID), runID)
	}

	timestamp, hash, err := ParseRunID(runID)
	if err != nil {
		t.Errorf("Generated run ID should be parseable: %v", err)
	}

	now := time.Now().UTC()
	timestampUTC := timestamp.UTC()
	if timestampUTC.After(now) || timestampUTC.Before(now.Add(-time.Minute)) {
		t.Errorf("Timestamp should be recent, got: %v (now: %v)", timestampUTC, now)
	}

	if len(hash) != 8 {
		t.Errorf("Hash should be 8 characters, got %d: %s", len(hash), hash)
	}
}

func TestGenerateRunID_Uniqueness(t *testing.T) {
	runIDs := make(map[string]bool)
	for i := 0; i < 100; i++ {
		runID := GenerateRunID()
		if runIDs[runID] {
			t.Errorf("Generated duplicate run ID: %s", runID)
		}
		runIDs[runID] = true
	}
}

func TestParseRunID(t *testing.T) {
	tests := []struct {
		name        string
		runID       string
		expectError bool
	}{
		{
			name:        "valid run ID",
			runID:       "run-20240726-143022-a7b3c1d2",
			expectError: false,
		},
		{
			name:        "invalid prefix",
			runID:       "exec-20240726-143022-a7b3c1d",
			expectError: true,
		},
		{
			name:        "too short",
			runID:       "run-20240726-143022",
			expectError: true,
		},
		{
			name:        "invalid timestamp",
			runID:       "run-20241301-143022-a7b3c1d2",
			expectError: true,
		},
		{
			name:        "missing separator",
			runID:       "run-20240726-143022xa7b3c1d2",
			expectError: true,
		},
		{
			name:        "non-hex hash",
			runID:       "run-20240726-143022-zzzzzzzz",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseRunID(tt.runID)
			if tt.expectError && err == nil {
				t.Errorf("Expected error for run ID %s", tt.runID)
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error for run ID %s: %v", tt.runID, err)
			}
		})
	}
}

func TestIsValidRunID(t *testing.T) {
	if !IsValidRunID(GenerateRunID()) {
		t.Error("Generated run ID should be valid")
	}
	if IsValidRunID("not-a-run-id") {
		t.Error("Arbitrary string should not be a valid run ID")
	}
}

func TestContainerNameFor(t *testing.T) {
	got := ContainerNameFor("run-20240726-143022-a7b3c1d2")
	if got != "kiln-20240726-143022-a7b3c1d2" {
		t.Errorf("Unexpected container name: %s", got)
	}
}
