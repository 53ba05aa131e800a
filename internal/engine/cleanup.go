package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultRetention is how long finished run directories are kept.
const DefaultRetention = 7 * 24 * time.Hour

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	Removed []string `json:"removed"`
	Skipped int      `json:"skipped"`
	Bytes   int64    `json:"bytes"`
}

// CleanupManager removes finished run directories older than maxAge.
type CleanupManager struct {
	workspace *Workspace
	maxAge    time.Duration
	logger    *zap.Logger
}

// NewCleanupManager creates a cleanup manager. A zero maxAge uses
// DefaultRetention.
func NewCleanupManager(workspace *Workspace, maxAge time.Duration, logger *zap.Logger) *CleanupManager {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupManager{
		workspace: workspace,
		maxAge:    maxAge,
		logger:    logger.Named("cleanup"),
	}
}

// CleanupFinishedRuns removes run directories whose last snapshot is older
// than maxAge and not running. With dryRun set nothing is deleted. This is
// an idempotent operation.
func (cm *CleanupManager) CleanupFinishedRuns(dryRun bool) (CleanupReport, error) {
	var report CleanupReport

	entries, err := os.ReadDir(cm.workspace.Root())
	if err != nil {
		return report, fmt.Errorf("failed to read workspace directory: %v", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !IsValidRunID(entry.Name()) {
			continue
		}
		runID := entry.Name()
		if !cm.expired(runID) {
			report.Skipped++
			continue
		}

		runDir := cm.workspace.RunDir(runID)
		size, err := directorySize(runDir)
		if err != nil {
			cm.logger.Debug("could not size run directory", zap.String("run_id", runID), zap.Error(err))
		}
		if !dryRun {
			if err := cm.workspace.Remove(runID); err != nil {
				return report, fmt.Errorf("failed to remove run %s: %v", runID, err)
			}
			cm.logger.Info("removed run directory", zap.String("run_id", runID), zap.Int64("bytes", size))
		}
		report.Removed = append(report.Removed, runID)
		report.Bytes += size
	}
	return report, nil
}

// expired reports whether a run is finished and old enough to remove. Runs
// without a readable snapshot are judged by the directory's age.
func (cm *CleanupManager) expired(runID string) bool {
	runDir := cm.workspace.RunDir(runID)
	state, err := LoadRunState(runID, runDir)
	if err != nil {
		info, statErr := os.Stat(runDir)
		return statErr == nil && time.Since(info.ModTime()) > cm.maxAge
	}
	if state.Status == StatusRunning {
		return false
	}
	finished := state.StartTime
	if state.EndTime != nil {
		finished = *state.EndTime
	}
	return time.Since(finished) > cm.maxAge
}

func directorySize(dirPath string) (int64, error) {
	var size int64
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
