package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	kilnerrors "github.com/dangazineu/kiln/internal/errors"
)

// containerNamePattern is the name grammar docker and podman accept.
var containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// NameClaim records which run holds a container name.
type NameClaim struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	ProcessID int       `json:"process_id"`
}

// NameRegistry gives each run exclusive use of its container name. With a
// lock directory, claims are also visible to other kiln processes on the
// same host; claims left by dead processes are reclaimed.
type NameRegistry struct {
	lockDir string
	claims  map[string]*NameClaim
	mu      sync.Mutex
}

// NewNameRegistry creates a registry. An empty lockDir keeps claims in
// memory only.
func NewNameRegistry(lockDir string) (*NameRegistry, error) {
	r := &NameRegistry{
		lockDir: lockDir,
		claims:  make(map[string]*NameClaim),
	}
	if lockDir == "" {
		return r, nil
	}

	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %v", err)
	}
	if err := r.cleanupStaleClaims(); err != nil {
		return nil, fmt.Errorf("failed to cleanup stale claims: %v", err)
	}
	return r, nil
}

// Claim reserves name for runID. Claiming a name held by another run fails
// with a NAME_IN_USE error; re-claiming one's own name is a no-op.
func (r *NameRegistry) Claim(name, runID string) error {
	if !containerNamePattern.MatchString(name) {
		return fmt.Errorf("invalid container name: %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.claims[name]; ok {
		if held.RunID == runID {
			return nil
		}
		return nameInUse(name, held.RunID)
	}

	claim := &NameClaim{
		Name:      name,
		RunID:     runID,
		ClaimedAt: time.Now(),
		ProcessID: os.Getpid(),
	}
	if r.lockDir != "" {
		if err := r.tryCreateLockFile(claim); err != nil {
			return err
		}
	}
	r.claims[name] = claim
	return nil
}

// Release frees name if runID holds it.
func (r *NameRegistry) Release(name, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.claims[name]
	if !ok {
		return fmt.Errorf("no claim held on container name %s", name)
	}
	if held.RunID != runID {
		return fmt.Errorf("container name %s is held by run %s, not %s", name, held.RunID, runID)
	}

	if r.lockDir != "" {
		if err := os.Remove(r.lockFile(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove lock file: %v", err)
		}
	}
	delete(r.claims, name)
	return nil
}

// Owner returns the run holding name in this registry.
func (r *NameRegistry) Owner(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held, ok := r.claims[name]
	if !ok {
		return "", false
	}
	return held.RunID, true
}

// Close releases every claim held by this registry.
func (r *NameRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.lockDir != "" {
		for name := range r.claims {
			if err := os.Remove(r.lockFile(name)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
	}
	r.claims = make(map[string]*NameClaim)
	return errors.Join(errs...)
}

func (r *NameRegistry) lockFile(name string) string {
	return filepath.Join(r.lockDir, name+".lock")
}

// tryCreateLockFile creates the lock file atomically, first removing it if
// its owner is gone.
func (r *NameRegistry) tryCreateLockFile(claim *NameClaim) error {
	path := r.lockFile(claim.Name)
	if _, err := os.Stat(path); err == nil {
		if held, live := r.readLiveClaim(path); live {
			return nameInUse(claim.Name, held.RunID)
		}
	}

	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("failed to marshal claim: %v", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nameInUse(claim.Name, "another process")
		}
		return fmt.Errorf("failed to create lock file: %v", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write lock file: %v", err)
	}
	return nil
}

// readLiveClaim reads a lock file and reports whether its owner is alive.
// Unreadable or dead claims are removed.
func (r *NameRegistry) readLiveClaim(path string) (NameClaim, bool) {
	var claim NameClaim
	data, err := os.ReadFile(path)
	if err != nil {
		return claim, false
	}
	if err := json.Unmarshal(data, &claim); err != nil {
		os.Remove(path)
		return claim, false
	}
	if !isProcessAlive(claim.ProcessID) {
		os.Remove(path)
		return claim, false
	}
	return claim, true
}

func (r *NameRegistry) cleanupStaleClaims() error {
	entries, err := os.ReadDir(r.lockDir)
	if err != nil {
		return fmt.Errorf("failed to read lock directory: %v", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".lock" {
			r.readLiveClaim(filepath.Join(r.lockDir, entry.Name()))
		}
	}
	return nil
}

func nameInUse(name, holder string) error {
	return kilnerrors.New(kilnerrors.CodeNameInUse,
		fmt.Sprintf("container name %s is in use by %s", name, holder))
}

// isProcessAlive sends signal 0, which checks existence without delivering
// anything. EPERM means the process exists under another user.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
