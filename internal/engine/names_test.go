package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	kilnerrors "github.com/dangazineu/kiln/internal/errors"
)

func TestNameRegistryClaim(t *testing.T) {
	r, err := NewNameRegistry("")
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	if err := r.Claim("kiln-a", "run-1"); err != nil {
		t.Fatalf("Failed to claim name: %v", err)
	}
	if err := r.Claim("kiln-a", "run-1"); err != nil {
		t.Errorf("Re-claiming own name should succeed: %v", err)
	}

	err = r.Claim("kiln-a", "run-2")
	if err == nil {
		t.Fatal("Second run should not claim a held name")
	}
	if !kilnerrors.HasCode(err, kilnerrors.CodeNameInUse) {
		t.Errorf("Expected NAME_IN_USE, got %v", err)
	}

	owner, ok := r.Owner("kiln-a")
	if !ok || owner != "run-1" {
		t.Errorf("Expected owner run-1, got %q (%v)", owner, ok)
	}

	if err := r.Release("kiln-a", "run-2"); err == nil {
		t.Error("Release by a non-owner should fail")
	}
	if err := r.Release("kiln-a", "run-1"); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	if err := r.Claim("kiln-a", "run-2"); err != nil {
		t.Errorf("Released name should be claimable: %v", err)
	}
}

func TestNameRegistryRejectsInvalidNames(t *testing.T) {
	r, _ := NewNameRegistry("")
	for _, name := range []string{"", "-leading", "has space", "a/b", "../x"} {
		if err := r.Claim(name, "run-1"); err == nil {
			t.Errorf("Expected error for name %q", name)
		}
	}
}

func TestNameRegistryConcurrentClaims(t *testing.T) {
	r, _ := NewNameRegistry("")

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Claim("kiln-shared", fmt.Sprintf("run-%d", i)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}
}

func TestNameRegistryLockFiles(t *testing.T) {
	lockDir := t.TempDir()

	first, err := NewNameRegistry(lockDir)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	if err := first.Claim("kiln-a", "run-1"); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if _, err := os.Stat(filepath.Join(lockDir, "kiln-a.lock")); err != nil {
		t.Fatalf("Lock file should exist: %v", err)
	}

	// A second registry sharing the directory sees the live claim.
	second, err := NewNameRegistry(lockDir)
	if err != nil {
		t.Fatalf("Failed to create second registry: %v", err)
	}
	if err := second.Claim("kiln-a", "run-2"); !kilnerrors.HasCode(err, kilnerrors.CodeNameInUse) {
		t.Errorf("Expected NAME_IN_USE across registries, got %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(lockDir, "kiln-a.lock")); !os.IsNotExist(err) {
		t.Error("Close should remove lock files")
	}
	if err := second.Claim("kiln-a", "run-2"); err != nil {
		t.Errorf("Name should be free after close: %v", err)
	}
}

func TestNameRegistryReclaimsStaleLocks(t *testing.T) {
	lockDir := t.TempDir()

	stale := NameClaim{Name: "kiln-old", RunID: "run-dead", ClaimedAt: time.Now(), ProcessID: 0}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(lockDir, "kiln-old.lock"), data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lockDir, "kiln-junk.lock"), []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewNameRegistry(lockDir)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	if _, err := os.Stat(filepath.Join(lockDir, "kiln-junk.lock")); !os.IsNotExist(err) {
		t.Error("Invalid lock file should be removed on startup")
	}
	if err := r.Claim("kiln-old", "run-new"); err != nil {
		t.Errorf("Stale claim should be reclaimed: %v", err)
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !isProcessAlive(os.Getpid()) {
		t.Error("Current process should be alive")
	}
	if isProcessAlive(0) || isProcessAlive(-1) {
		t.Error("Non-positive PIDs are never alive")
	}
}
