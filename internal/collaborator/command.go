// Package collaborator provides the stage implementations the engine calls
// out to: external commands speaking JSON over stdio, and a directory source
// for pre-written projects.
package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dangazineu/kiln/internal/interfaces"
)

// Operations sent in the request envelope and in KILN_OPERATION.
const (
	OpGenerate   = "generate"
	OpPackage    = "package"
	OpRepairCode = "repair_code"
	OpRepairSpec = "repair_spec"
	OpDocument   = "document"
)

// exitTempFail is EX_TEMPFAIL from sysexits.h; commands use it to ask for a
// retry.
const exitTempFail = 75

// maxStderr bounds the stderr kept in errors.
const maxStderr = 4096

// waitDelay bounds how long a cancelled command's children may hold its
// output pipes open.
const waitDelay = 2 * time.Second

// Request is the JSON document written to the command's stdin.
type Request struct {
	Operation     string                    `json:"operation"`
	Requirement   string                    `json:"requirement,omitempty"`
	CodeSet       []interfaces.CodeArtifact `json:"code_set,omitempty"`
	ContainerSpec *interfaces.ContainerSpec `json:"container_spec,omitempty"`
	Error         *interfaces.ErrorRecord   `json:"error,omitempty"`
	Transcript    []interfaces.Message      `json:"transcript,omitempty"`
}

// Response is the JSON document read from the command's stdout. Which
// fields are expected depends on the operation.
type Response struct {
	Artifacts  []interfaces.CodeArtifact `json:"artifacts,omitempty"`
	Artifact   *interfaces.CodeArtifact  `json:"artifact,omitempty"`
	Dockerfile string                    `json:"dockerfile,omitempty"`
	Compose    string                    `json:"docker_compose,omitempty"`
}

// CommandError reports a command that exited non-zero.
type CommandError struct {
	Operation string
	ExitCode  int
	Stderr    string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s command exited with code %d", e.Operation, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Transient reports whether the command asked to be retried.
func (e *CommandError) Transient() bool {
	return e.ExitCode == exitTempFail
}

// Command runs an external program for every call. It implements every
// collaborator interface; which operations a program supports is up to
// the program.
type Command struct {
	argv   []string
	logger *zap.Logger
}

// NewCommand creates a command collaborator. The program must be on PATH
// or given by path.
func NewCommand(argv []string, logger *zap.Logger) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("command cannot be empty")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", argv[0], err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{
		argv:   argv,
		logger: logger.Named("collaborator").With(zap.String("command", argv[0])),
	}, nil
}

func (c *Command) Generate(ctx context.Context, requirement string) ([]interfaces.CodeArtifact, error) {
	resp, err := c.invoke(ctx, Request{Operation: OpGenerate, Requirement: requirement})
	if err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

func (c *Command) Package(ctx context.Context, codeSet []interfaces.CodeArtifact) (interfaces.ContainerSpec, error) {
	resp, err := c.invoke(ctx, Request{Operation: OpPackage, CodeSet: codeSet})
	if err != nil {
		return interfaces.ContainerSpec{}, err
	}
	return interfaces.ContainerSpec{Dockerfile: resp.Dockerfile, Compose: resp.Compose}, nil
}

func (c *Command) RepairCode(ctx context.Context, codeSet []interfaces.CodeArtifact, failure interfaces.ErrorRecord) (interfaces.CodeArtifact, error) {
	resp, err := c.invoke(ctx, Request{Operation: OpRepairCode, CodeSet: codeSet, Error: &failure})
	if err != nil {
		return interfaces.CodeArtifact{}, err
	}
	if resp.Artifact == nil {
		return interfaces.CodeArtifact{}, errors.New("repair_code response has no artifact")
	}
	return *resp.Artifact, nil
}

func (c *Command) RepairSpec(ctx context.Context, spec interfaces.ContainerSpec, failure interfaces.ErrorRecord, transcript []interfaces.Message) (interfaces.ContainerSpec, error) {
	resp, err := c.invoke(ctx, Request{Operation: OpRepairSpec, ContainerSpec: &spec, Error: &failure, Transcript: transcript})
	if err != nil {
		return interfaces.ContainerSpec{}, err
	}
	return interfaces.ContainerSpec{Dockerfile: resp.Dockerfile, Compose: resp.Compose}, nil
}

func (c *Command) Document(ctx context.Context, codeSet []interfaces.CodeArtifact) ([]interfaces.CodeArtifact, error) {
	resp, err := c.invoke(ctx, Request{Operation: OpDocument, CodeSet: codeSet})
	if err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

func (c *Command) invoke(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Operation, err)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Env = append(os.Environ(), "KILN_OPERATION="+req.Operation)
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking collaborator", zap.String("operation", req.Operation), zap.Int("request_bytes", len(body)))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CommandError{
				Operation: req.Operation,
				ExitCode:  exitErr.ExitCode(),
				Stderr:    truncate(strings.TrimSpace(stderr.String()), maxStderr),
			}
		}
		return nil, fmt.Errorf("failed to run %s command: %w", req.Operation, err)
	}
	if stderr.Len() > 0 {
		c.logger.Debug("collaborator stderr", zap.String("operation", req.Operation), zap.String("stderr", stderr.String()))
	}

	var resp Response
	if err := json.Unmarshal([]byte(stripJSONFences(stdout.String())), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", req.Operation, err)
	}
	return &resp, nil
}

// stripJSONFences removes a markdown code fence around a JSON document.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		lines := strings.Split(s, "\n")
		if len(lines) >= 2 {
			lines = lines[1:]
		}
		if len(lines) > 0 {
			last := strings.TrimSpace(lines[len(lines)-1])
			if last == "```" {
				lines = lines[:len(lines)-1]
			}
		}
		s = strings.TrimSpace(strings.Join(lines, "\n"))
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
