package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dangazineu/kiln/internal/interfaces"
)

// fakeRuntimeScript stands in for the docker CLI. Every invocation is
// appended to $FAKE_CALLS.
const fakeRuntimeScript = `#!/bin/sh
echo "$*" >> "$FAKE_CALLS"
case "$*" in
  *" build")
    if [ -n "$FAKE_BUILD_SLEEP" ]; then
      exec sleep "$FAKE_BUILD_SLEEP"
    fi
    echo "step 1/2"
    echo "step 2/2" >&2
    exit ${FAKE_BUILD_EXIT:-0}
    ;;
  *" up "*)
    echo "hello from app"
    echo "app exited with code ${FAKE_RUN_EXIT:-0}"
    exit ${FAKE_RUN_EXIT:-0}
    ;;
  logs*)
    if [ "$4" = "missing" ]; then
      echo "Error response from daemon: No such container: missing" >&2
      exit 1
    fi
    echo "tail line"
    ;;
  "rm -f gone")
    echo "Error: No such container: gone" >&2
    exit 1
    ;;
esac
exit 0
`

func newFakeContainerManager(t *testing.T) (*ContainerManager, string, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	binDir := t.TempDir()
	script := filepath.Join(binDir, "docker")
	require.NoError(t, os.WriteFile(script, []byte(fakeRuntimeScript), 0755))

	calls := filepath.Join(binDir, "calls.log")
	t.Setenv("FAKE_CALLS", calls)

	workDir := t.TempDir()
	compose := "services:\n  app:\n    build: .\n    container_name: kiln-x\n"
	require.NoError(t, os.WriteFile(filepath.Join(workDir, ComposeFileName), []byte(compose), 0644))

	cm := &ContainerManager{runtime: RuntimeDocker, binary: script, logger: zap.NewNop()}
	return cm, workDir, calls
}

func readCalls(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestDetectContainerRuntime(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container runtime detection test in short mode")
	}

	runtime, err := detectContainerRuntime()
	require.NoError(t, err)
	assert.Contains(t, []ContainerRuntime{RuntimeDocker, RuntimePodman, RuntimeNone}, runtime)

	if runtime != RuntimeNone {
		_, err := exec.LookPath(string(runtime))
		assert.NoError(t, err, "%s runtime detected but command not found", runtime)
	}
}

func TestNewContainerManagerUnknownBinary(t *testing.T) {
	_, err := NewContainerManager("definitely-not-a-runtime", nil)
	assert.Error(t, err)
}

func TestContainerManagerBuild(t *testing.T) {
	cm, workDir, calls := newFakeContainerManager(t)

	var lines []string
	err := cm.Build(context.Background(), workDir, func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	assert.Equal(t, []string{"step 1/2", "step 2/2"}, lines)

	got := readCalls(t, calls)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "compose -p kiln-x -f")
	assert.True(t, strings.HasSuffix(got[0], " build"))
}

func TestContainerManagerBuildFailure(t *testing.T) {
	cm, workDir, _ := newFakeContainerManager(t)
	t.Setenv("FAKE_BUILD_EXIT", "2")

	err := cm.Build(context.Background(), workDir, nil)
	var bf *BuildFailure
	require.ErrorAs(t, err, &bf)
	assert.Equal(t, 2, bf.ExitCode)
	assert.Contains(t, bf.Output, "step 1/2")
}

func TestContainerManagerBuildHonorsDeadline(t *testing.T) {
	cm, workDir, _ := newFakeContainerManager(t)
	t.Setenv("FAKE_BUILD_SLEEP", "30")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := cm.Build(ctx, workDir, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 5*time.Second, "a silent build must stop at the deadline")
}

func TestContainerManagerBuildCancelled(t *testing.T) {
	cm, workDir, _ := newFakeContainerManager(t)
	t.Setenv("FAKE_BUILD_SLEEP", "30")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := cm.Build(ctx, workDir, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMonitorBuildTimeoutTearsDownOnce(t *testing.T) {
	cm, workDir, calls := newFakeContainerManager(t)
	t.Setenv("FAKE_BUILD_SLEEP", "30")

	m := NewMonitor(cm, nil, MonitorConfig{
		BuildTimeout: 300 * time.Millisecond,
		RunWindow:    time.Second,
		ExitGrace:    time.Second,
		LogTail:      20,
	}, nil)

	start := time.Now()
	out := m.Execute(context.Background(), workDir, "kiln-x")
	assert.Less(t, time.Since(start), 10*time.Second)

	require.NotNil(t, out.Err)
	assert.Equal(t, interfaces.KindUnexpected, out.Err.Kind)
	assert.Contains(t, out.Err.Details, context.DeadlineExceeded.Error())

	var downs, ups int
	for _, call := range readCalls(t, calls) {
		if strings.HasSuffix(call, "down --remove-orphans") {
			downs++
		}
		if strings.Contains(call, " up ") {
			ups++
		}
	}
	assert.Equal(t, 1, downs, "teardown runs exactly once")
	assert.Equal(t, 0, ups, "nothing runs after a failed build")
}

func TestContainerManagerRun(t *testing.T) {
	cm, workDir, calls := newFakeContainerManager(t)
	t.Setenv("FAKE_RUN_EXIT", "4")

	stream, err := cm.Run(context.Background(), workDir)
	require.NoError(t, err)
	defer stream.Close()

	var lines []string
	for l := range stream.Lines() {
		lines = append(lines, l)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := stream.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, code)
	assert.Equal(t, []string{"hello from app", "app exited with code 4"}, lines)
	assert.Contains(t, readCalls(t, calls)[0], "up --abort-on-container-exit --no-log-prefix --exit-code-from app")
}

func TestContainerManagerFetchLogs(t *testing.T) {
	cm, _, calls := newFakeContainerManager(t)

	out, err := cm.FetchLogs(context.Background(), "kiln-x", 20)
	require.NoError(t, err)
	assert.Equal(t, "tail line\n", out)
	assert.Equal(t, "logs --tail 20 kiln-x", readCalls(t, calls)[0])

	_, err = cm.FetchLogs(context.Background(), "missing", 20)
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestContainerManagerTeardown(t *testing.T) {
	cm, workDir, calls := newFakeContainerManager(t)

	require.NoError(t, cm.Teardown(context.Background(), workDir, "kiln-x"))

	got := readCalls(t, calls)
	require.Len(t, got, 3)
	assert.Contains(t, got[0], "compose -p kiln-x -f")
	assert.True(t, strings.HasSuffix(got[0], "down --remove-orphans"))
	assert.Equal(t, "rm -f kiln-x", got[1])
	assert.Equal(t, "image prune -f", got[2])
}

func TestContainerManagerTeardownMissingResources(t *testing.T) {
	cm, _, calls := newFakeContainerManager(t)

	// No compose file and an already removed container.
	require.NoError(t, cm.Teardown(context.Background(), t.TempDir(), "gone"))
	assert.Equal(t, []string{"rm -f gone", "image prune -f"}, readCalls(t, calls))
}
