package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dangazineu/kiln/internal/interfaces"
)

// RunStatus represents the terminal status of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusExhausted RunStatus = "exhausted"
	StatusCancelled RunStatus = "cancelled"
)

// ProceedSignal tells the router whether the last stage left the run clean.
type ProceedSignal string

const (
	ProceedContinue ProceedSignal = "continue"
	ProceedFix      ProceedSignal = "fix"
	ProceedHalt     ProceedSignal = "halt"
)

// Transcript is an append-only log of run messages.
type Transcript struct {
	mu      sync.RWMutex
	entries []interfaces.Message
}

// Append adds an entry stamped with the current time.
func (t *Transcript) Append(role string, stage Stage, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, interfaces.Message{
		Role:    role,
		Stage:   stage.String(),
		Content: content,
		Time:    time.Now(),
	})
}

// Entries returns a copy of every entry in append order.
func (t *Transcript) Entries() []interfaces.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]interfaces.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Transcript) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Entries())
}

func (t *Transcript) UnmarshalJSON(data []byte) error {
	var entries []interfaces.Message
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = entries
	return nil
}

// RunState is the single mutable record of one run. The orchestrator owns it;
// stage handlers receive it by pointer and change only their own fields.
//
// LastError and Proceed are written only through recordError, clearError and
// halt, which keep LastError nil exactly when Proceed is continue.
type RunState struct {
	RunID           string                    `json:"run_id"`
	Requirement     string                    `json:"requirement"`
	CodeSet         []interfaces.CodeArtifact `json:"code_set"`
	ContainerSpec   interfaces.ContainerSpec  `json:"container_spec"`
	Documentation   []interfaces.CodeArtifact `json:"documentation,omitempty"`
	LastError       *interfaces.ErrorRecord   `json:"last_error,omitempty"`
	IterationCount  int                       `json:"iteration_count"`
	IterationBudget int                       `json:"iteration_budget"`
	ContainerName   string                    `json:"container_name"`
	Proceed         ProceedSignal             `json:"proceed"`
	Stage           Stage                     `json:"stage"`
	Steps           int                       `json:"steps"`
	Status          RunStatus                 `json:"status"`
	LongRunning     bool                      `json:"long_running,omitempty"`
	Transcript      *Transcript               `json:"transcript"`
	StartTime       time.Time                 `json:"start_time"`
	EndTime         *time.Time                `json:"end_time,omitempty"`
}

// NewRunState creates the state for a fresh run.
func NewRunState(runID, requirement, containerName string, budget int) *RunState {
	return &RunState{
		RunID:           runID,
		Requirement:     requirement,
		IterationBudget: budget,
		ContainerName:   containerName,
		Proceed:         ProceedContinue,
		Stage:           StageGenerate,
		Status:          StatusRunning,
		Transcript:      &Transcript{},
		StartTime:       time.Now(),
	}
}

func (s *RunState) recordError(rec *interfaces.ErrorRecord) {
	if rec == nil {
		s.clearError()
		return
	}
	s.LastError = rec
	s.Proceed = ProceedFix
}

func (s *RunState) clearError() {
	s.LastError = nil
	s.Proceed = ProceedContinue
}

// halt marks the run terminal. The last error is kept for the result; a run
// that ends clean keeps the continue signal.
func (s *RunState) halt(status RunStatus) {
	if s.LastError != nil {
		s.Proceed = ProceedHalt
	}
	s.Status = status
	now := time.Now()
	s.EndTime = &now
}

// replaceArtifact swaps the artifact with the same filename and reports
// whether one was found.
func (s *RunState) replaceArtifact(a interfaces.CodeArtifact) bool {
	for i := range s.CodeSet {
		if s.CodeSet[i].Filename == a.Filename {
			s.CodeSet[i] = a
			return true
		}
	}
	return false
}

// StateStore persists RunState snapshots under <run dir>/state/run.json.
type StateStore struct {
	stateFile string
	mu        sync.Mutex
}

// NewStateStore creates the state directory for a run.
func NewStateStore(runDir string) (*StateStore, error) {
	stateDir := filepath.Join(runDir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %v", err)
	}
	return &StateStore{stateFile: filepath.Join(stateDir, "run.json")}, nil
}

// Path returns the snapshot file location.
func (st *StateStore) Path() string {
	return st.stateFile
}

// Save writes a snapshot of state atomically.
func (st *StateStore) Save(state *RunState) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %v", err)
	}

	tempFile := st.stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %v", err)
	}

	if err := os.Rename(tempFile, st.stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp state file: %v", err)
	}
	return nil
}

// LoadRunState reads the snapshot in runDir and checks it belongs to runID.
func LoadRunState(runID, runDir string) (*RunState, error) {
	data, err := os.ReadFile(filepath.Join(runDir, "state", "run.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %v", err)
	}

	state := &RunState{Transcript: &Transcript{}}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %v", err)
	}

	if state.RunID != runID {
		return nil, fmt.Errorf("run ID mismatch: expected %s, got %s", runID, state.RunID)
	}
	return state, nil
}
