package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const runIDPrefix = "run-"

// GenerateRunID generates a timestamp-based run ID for human readability.
// Format: run-YYYYMMDD-HHMMSS-<8 hex chars>
// Example: run-20240726-143022-a7b3c1d2.
func GenerateRunID() string {
	now := time.Now().UTC()
	shortHash := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s-%s", runIDPrefix, now.Format("20060102-150405"), shortHash)
}

// ParseRunID extracts components from a run ID
// Returns timestamp, hash, and error if parsing fails.
func ParseRunID(runID string) (time.Time, string, error) {
	if len(runID) != 28 || !strings.HasPrefix(runID, runIDPrefix) {
		return time.Time{}, "", fmt.Errorf("invalid run ID format: %s", runID)
	}

	timestamp, err := time.Parse("20060102-150405", runID[4:19])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid timestamp in run ID %s: %v", runID, err)
	}

	if runID[19] != '-' {
		return time.Time{}, "", fmt.Errorf("invalid run ID format: missing hash portion in %s", runID)
	}

	hash := runID[20:]
	for _, c := range hash {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return time.Time{}, "", fmt.Errorf("invalid hash in run ID %s", runID)
		}
	}

	return timestamp, hash, nil
}

// IsValidRunID checks if a string follows the expected run ID format.
func IsValidRunID(runID string) bool {
	_, _, err := ParseRunID(runID)
	return err == nil
}

// ContainerNameFor derives the container name a run keeps for its lifetime.
func ContainerNameFor(runID string) string {
	return "kiln-" + strings.TrimPrefix(runID, runIDPrefix)
}
