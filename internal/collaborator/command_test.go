package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dangazineu/kiln/internal/interfaces"
)

// script returns a collaborator that runs body under sh. Arguments after
// body are available as $1, $2, ...
func script(t *testing.T, body string, args ...string) *Command {
	t.Helper()
	argv := append([]string{"sh", "-c", body, "sh"}, args...)
	c, err := NewCommand(argv, nil)
	require.NoError(t, err)
	return c
}

func TestNewCommand_Validation(t *testing.T) {
	_, err := NewCommand(nil, nil)
	assert.Error(t, err)

	_, err = NewCommand([]string{" "}, nil)
	assert.Error(t, err)

	_, err = NewCommand([]string{"kiln-no-such-program-xyz"}, nil)
	assert.ErrorContains(t, err, "not found")
}

func TestCommand_GenerateSendsRequest(t *testing.T) {
	reqFile := filepath.Join(t.TempDir(), "request.json")
	c := script(t, `cat > "$1"; printf '%s\n' "$KILN_OPERATION" > "$1.op"; printf '{"artifacts":[{"filename":"main.py","programming_language":"python","code":"print(1)"}]}'`, reqFile)

	codeSet, err := c.Generate(context.Background(), "print one")
	require.NoError(t, err)
	require.Len(t, codeSet, 1)
	assert.Equal(t, "main.py", codeSet[0].Filename)
	assert.Equal(t, "python", codeSet[0].Language)
	assert.Equal(t, "print(1)", codeSet[0].Content)

	data, err := os.ReadFile(reqFile)
	require.NoError(t, err)
	var req Request
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, OpGenerate, req.Operation)
	assert.Equal(t, "print one", req.Requirement)

	op, err := os.ReadFile(reqFile + ".op")
	require.NoError(t, err)
	assert.Equal(t, "generate\n", string(op))
}

func TestCommand_RepairSpecCarriesErrorAndTranscript(t *testing.T) {
	reqFile := filepath.Join(t.TempDir(), "request.json")
	c := script(t, `cat > "$1"; printf '{"dockerfile":"FROM alpine","docker_compose":"services: {}"}'`, reqFile)

	failure := interfaces.ErrorRecord{Kind: interfaces.KindDockerConfiguration, Message: "bad base image"}
	transcript := []interfaces.Message{{Role: "user", Content: "build it", Time: time.Now()}}
	spec, err := c.RepairSpec(context.Background(), interfaces.ContainerSpec{Dockerfile: "FROM nope"}, failure, transcript)
	require.NoError(t, err)
	assert.Equal(t, "FROM alpine", spec.Dockerfile)
	assert.Equal(t, "services: {}", spec.Compose)

	data, err := os.ReadFile(reqFile)
	require.NoError(t, err)
	var req Request
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, OpRepairSpec, req.Operation)
	require.NotNil(t, req.Error)
	assert.Equal(t, interfaces.KindDockerConfiguration, req.Error.Kind)
	require.NotNil(t, req.ContainerSpec)
	assert.Equal(t, "FROM nope", req.ContainerSpec.Dockerfile)
	require.Len(t, req.Transcript, 1)
	assert.Equal(t, "build it", req.Transcript[0].Content)
}

func TestCommand_FencedResponse(t *testing.T) {
	c := script(t, "cat > /dev/null; printf '```json\\n{\"artifact\":{\"filename\":\"main.py\",\"code\":\"fixed\"}}\\n```\\n'")

	artifact, err := c.RepairCode(context.Background(), nil, interfaces.ErrorRecord{Kind: interfaces.KindDockerExecution})
	require.NoError(t, err)
	assert.Equal(t, "main.py", artifact.Filename)
	assert.Equal(t, "fixed", artifact.Content)
}

func TestCommand_RepairCodeWithoutArtifact(t *testing.T) {
	c := script(t, `cat > /dev/null; printf '{}'`)

	_, err := c.RepairCode(context.Background(), nil, interfaces.ErrorRecord{})
	assert.ErrorContains(t, err, "no artifact")
}

func TestCommand_ExitCodes(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		exitCode  int
		transient bool
	}{
		{name: "temporary failure", body: `cat > /dev/null; echo "rate limited" >&2; exit 75`, exitCode: 75, transient: true},
		{name: "hard failure", body: `cat > /dev/null; echo "model refused" >&2; exit 3`, exitCode: 3, transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := script(t, tt.body)
			_, err := c.Generate(context.Background(), "anything")
			require.Error(t, err)

			var cmdErr *CommandError
			require.True(t, errors.As(err, &cmdErr))
			assert.Equal(t, OpGenerate, cmdErr.Operation)
			assert.Equal(t, tt.exitCode, cmdErr.ExitCode)
			assert.Equal(t, tt.transient, cmdErr.Transient())
			assert.NotEmpty(t, cmdErr.Stderr)
			assert.Contains(t, err.Error(), cmdErr.Stderr)
		})
	}
}

func TestCommand_BadJSON(t *testing.T) {
	c := script(t, `cat > /dev/null; echo "here is your code"`)

	_, err := c.Package(context.Background(), nil)
	assert.ErrorContains(t, err, "failed to parse package response")
}

func TestCommand_ContextCancelled(t *testing.T) {
	c := script(t, `sleep 5`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Document(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStripJSONFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `{"a":1}`, want: `{"a":1}`},
		{in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{in: "```\n{\"a\":1}\n```\n", want: `{"a":1}`},
		{in: "  {\"a\":1}\n", want: `{"a":1}`},
	}
	for _, tt := range tests {
		if got := stripJSONFences(tt.in); got != tt.want {
			t.Errorf("stripJSONFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 3); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}
