//go:build e2e
// +build e2e

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/dangazineu/kiln/internal/engine"
	"github.com/dangazineu/kiln/test/e2e"
)

func findProjectRoot(start string) string {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func TestE2E(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		if _, err := exec.LookPath("podman"); err != nil {
			t.Skip("no container runtime available")
		}
	}

	kilnPath := buildKiln(t)
	for name, tc := range e2e.TestCases {
		t.Run(name, func(t *testing.T) {
			runTest(t, kilnPath, &tc)
		})
	}
}

func buildKiln(t *testing.T) string {
	t.Helper()
	kilnPath := filepath.Join(t.TempDir(), "kiln")
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	projectRoot := findProjectRoot(wd)
	if projectRoot == "" {
		t.Fatal("failed to find project root")
	}
	buildCmd := exec.Command("go", "build", "-o", kilnPath, "./cmd/kiln")
	buildCmd.Dir = projectRoot
	var buildOut bytes.Buffer
	buildCmd.Stdout = &buildOut
	buildCmd.Stderr = &buildOut
	if err := buildCmd.Run(); err != nil {
		t.Fatalf("failed to build kiln binary: %v\nOutput:\n%s", err, buildOut.String())
	}
	return kilnPath
}

func runTest(t *testing.T, kilnPath string, tc *e2e.TestCase) {
	projectDir, err := tc.SetupLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to setup test case: %v", err)
	}

	var out, errOut bytes.Buffer
	kilnCmd := exec.Command(kilnPath, "run", "--json", "--source-dir", projectDir, "run the "+tc.Name+" project")
	kilnCmd.Env = append(os.Environ(),
		"KILN_WORKSPACE="+t.TempDir(),
		"KILN_EXECUTE_RUN_WINDOW=20s",
		"KILN_BUDGET=1",
	)
	kilnCmd.Stdout = &out
	kilnCmd.Stderr = &errOut
	// A non-succeeded run exits non-zero; the JSON result is still printed.
	_ = kilnCmd.Run()

	var result engine.RunResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse run result: %v\nstdout:\n%s\nstderr:\n%s", err, out.String(), errOut.String())
	}
	if testing.Verbose() {
		t.Logf("run %s: status=%s steps=%d", result.RunID, result.Status, result.Steps)
	}

	if string(result.Status) != tc.ExpectedStatus {
		t.Errorf("expected status %q, got %q (last error: %v)", tc.ExpectedStatus, result.Status, result.LastError)
	}
	switch {
	case tc.ExpectedKind == "" && result.LastError != nil:
		t.Errorf("expected no error, got %v", result.LastError)
	case tc.ExpectedKind != "" && (result.LastError == nil || string(result.LastError.Kind) != tc.ExpectedKind):
		t.Errorf("expected last error of kind %q, got %v", tc.ExpectedKind, result.LastError)
	}
}
