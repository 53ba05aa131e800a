package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ContainerRuntime represents the detected container runtime.
type ContainerRuntime string

const (
	RuntimeDocker ContainerRuntime = "docker"
	RuntimePodman ContainerRuntime = "podman"
	RuntimeNone   ContainerRuntime = "none"
)

// ComposeFileName is the composition spec file inside a build context.
const ComposeFileName = "compose.yaml"

// ErrContainerNotFound is returned by FetchLogs when the container is gone.
var ErrContainerNotFound = errors.New("container not found")

// BuildFailure reports a non-zero exit from the image build.
type BuildFailure struct {
	ExitCode int
	Output   string
}

func (e *BuildFailure) Error() string {
	return fmt.Sprintf("image build failed with exit code %d", e.ExitCode)
}

// Runtime is the container tooling as seen by the execution monitor and the
// log watchdog.
type Runtime interface {
	// Build builds every image in the workDir composition, sending each
	// output line to onLine. A non-zero exit returns *BuildFailure.
	Build(ctx context.Context, workDir string, onLine func(string)) error
	// Run starts the composition attached and returns its output stream.
	Run(ctx context.Context, workDir string) (Stream, error)
	// FetchLogs returns the last tail lines of a container's output.
	FetchLogs(ctx context.Context, containerName string, tail int) (string, error)
	// Teardown removes containers, networks and dangling images left by a
	// run. Resources that are already gone are not an error.
	Teardown(ctx context.Context, workDir, containerName string) error
}

// ContainerManager drives docker or podman through the compose subcommand.
type ContainerManager struct {
	runtime ContainerRuntime
	binary  string
	logger  *zap.Logger
}

// NewContainerManager creates a container manager. An empty preferred
// runtime means auto-detection.
func NewContainerManager(preferred string, logger *zap.Logger) (*ContainerManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var runtime ContainerRuntime
	if preferred != "" {
		runtime = ContainerRuntime(preferred)
		if _, err := exec.LookPath(preferred); err != nil {
			return nil, fmt.Errorf("container runtime %s not found: %w", preferred, err)
		}
	} else {
		detected, err := detectContainerRuntime()
		if err != nil {
			return nil, fmt.Errorf("failed to detect container runtime: %w", err)
		}
		runtime = detected
	}

	if runtime == RuntimeNone {
		return nil, fmt.Errorf("no supported container runtime found (docker or podman required)")
	}

	return &ContainerManager{
		runtime: runtime,
		binary:  string(runtime),
		logger:  logger.Named("runtime"),
	}, nil
}

// Runtime returns the runtime in use.
func (cm *ContainerManager) Runtime() ContainerRuntime {
	return cm.runtime
}

// detectContainerRuntime auto-detects available container runtime.
// Returns error for interface consistency (currently always nil).
func detectContainerRuntime() (ContainerRuntime, error) {
	if _, err := exec.LookPath("docker"); err == nil {
		cmd := exec.Command("docker", "version", "--format", "{{.Server.Version}}")
		if err := cmd.Run(); err == nil {
			return RuntimeDocker, nil
		}
	}

	if _, err := exec.LookPath("podman"); err == nil {
		cmd := exec.Command("podman", "version", "--format", "{{.Server.Version}}")
		if err := cmd.Run(); err == nil {
			return RuntimePodman, nil
		}
		// Podman might work in rootless mode without server
		cmd = exec.Command("podman", "info", "--format", "{{.Version.Version}}")
		if err := cmd.Run(); err == nil {
			return RuntimePodman, nil
		}
	}

	return RuntimeNone, nil
}

// composeArgs returns the compose prefix for workDir and the primary service.
func (cm *ContainerManager) composeArgs(workDir, project string) ([]string, string, error) {
	composePath := filepath.Join(workDir, ComposeFileName)
	data, err := os.ReadFile(composePath)
	if err != nil {
		return nil, "", fmt.Errorf("could not read compose spec: %w", err)
	}
	cf, err := ParseCompose(data)
	if err != nil {
		return nil, "", err
	}
	primary := cf.PrimaryService()
	if project == "" {
		project = cf.ContainerName(primary)
	}
	if project == "" {
		project = filepath.Base(workDir)
	}
	return []string{"compose", "-p", project, "-f", composePath}, primary, nil
}

func (cm *ContainerManager) Build(ctx context.Context, workDir string, onLine func(string)) error {
	args, _, err := cm.composeArgs(workDir, "")
	if err != nil {
		return err
	}
	args = append(args, "build")
	cm.logger.Debug("building images", zap.String("command", cm.binary+" "+strings.Join(args, " ")))

	cmd := exec.Command(cm.binary, args...)
	cmd.Dir = workDir
	stream, err := startProcessStream(cmd)
	if err != nil {
		return fmt.Errorf("failed to start image build: %w", err)
	}
	defer stream.Close()

	// Select on ctx too: a silent build must still stop at the deadline.
	var output []string
	lines := stream.Lines()
read:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break read
			}
			output = append(output, line)
			if len(output) > maxTailLines {
				output = output[1:]
			}
			if onLine != nil {
				onLine(line)
			}
		case <-ctx.Done():
			_ = stream.Close()
			return fmt.Errorf("image build did not complete: %w", ctx.Err())
		}
	}

	code, err := stream.Wait(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("image build did not complete: %w", err)
	}
	if code != 0 {
		return &BuildFailure{ExitCode: code, Output: strings.Join(output, "\n")}
	}
	return nil
}

func (cm *ContainerManager) Run(_ context.Context, workDir string) (Stream, error) {
	args, primary, err := cm.composeArgs(workDir, "")
	if err != nil {
		return nil, err
	}
	args = append(args, "up", "--abort-on-container-exit", "--no-log-prefix", "--exit-code-from", primary)
	cm.logger.Debug("starting composition", zap.String("command", cm.binary+" "+strings.Join(args, " ")))

	// Not bound to ctx: a detached service must outlive the call. The
	// caller ends it with Close or Teardown.
	cmd := exec.Command(cm.binary, args...)
	cmd.Dir = workDir
	stream, err := startProcessStream(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start composition: %w", err)
	}
	return stream, nil
}

func (cm *ContainerManager) FetchLogs(ctx context.Context, containerName string, tail int) (string, error) {
	cmd := exec.CommandContext(ctx, cm.binary, "logs", "--tail", fmt.Sprintf("%d", tail), containerName)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if isMissingResource(string(out)) {
			return "", fmt.Errorf("%s: %w", containerName, ErrContainerNotFound)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to fetch logs for %s: %v: %s", containerName, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (cm *ContainerManager) Teardown(ctx context.Context, workDir, containerName string) error {
	var errs []error

	if _, err := os.Stat(filepath.Join(workDir, ComposeFileName)); err == nil {
		args, _, err := cm.composeArgs(workDir, containerName)
		if err != nil {
			errs = append(errs, err)
		} else {
			args = append(args, "down", "--remove-orphans")
			if err := cm.runQuiet(ctx, args...); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if containerName != "" {
		if err := cm.runQuiet(ctx, "rm", "-f", containerName); err != nil {
			errs = append(errs, err)
		}
	}

	if err := cm.runQuiet(ctx, "image", "prune", "-f"); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// runQuiet runs a cleanup command, treating "no such" failures as success.
func (cm *ContainerManager) runQuiet(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, cm.binary, args...).CombinedOutput()
	if err == nil || isMissingResource(string(out)) {
		return nil
	}
	return fmt.Errorf("%s %s: %v: %s", cm.binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
}

func isMissingResource(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "no container with name") ||
		strings.Contains(lower, "no such object")
}
