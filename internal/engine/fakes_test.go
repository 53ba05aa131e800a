package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dangazineu/kiln/internal/interfaces"
)

// fakeRun scripts one Run call.
type fakeRun struct {
	lines    []string
	exitCode int
	// hang keeps the stream open after lines, like a server.
	hang bool
	// startErr fails Run itself.
	startErr error
}

type logResult struct {
	out string
	err error
}

// fakeRuntime is a scripted Runtime that records every call in order.
type fakeRuntime struct {
	mu sync.Mutex

	buildLines []string
	buildErrs  []error // one per Build call; the last repeats
	runs       []fakeRun
	logs       []logResult
	panicOnRun bool

	buildCalls int
	runCalls   int
	logCalls   int
	teardowns  []string
	events     []string
}

func (f *fakeRuntime) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeRuntime) Build(_ context.Context, _ string, onLine func(string)) error {
	f.mu.Lock()
	idx := f.buildCalls
	f.buildCalls++
	f.mu.Unlock()
	f.record("build")

	for _, l := range f.buildLines {
		onLine(l)
	}
	if len(f.buildErrs) == 0 {
		return nil
	}
	if idx >= len(f.buildErrs) {
		idx = len(f.buildErrs) - 1
	}
	return f.buildErrs[idx]
}

func (f *fakeRuntime) Run(_ context.Context, _ string) (Stream, error) {
	f.mu.Lock()
	idx := f.runCalls
	f.runCalls++
	f.mu.Unlock()
	f.record("run")

	if f.panicOnRun {
		panic("runtime exploded")
	}

	run := fakeRun{}
	if len(f.runs) > 0 {
		if idx >= len(f.runs) {
			idx = len(f.runs) - 1
		}
		run = f.runs[idx]
	}
	if run.startErr != nil {
		return nil, run.startErr
	}
	return newFakeStream(f, run), nil
}

func (f *fakeRuntime) FetchLogs(_ context.Context, containerName string, _ int) (string, error) {
	f.mu.Lock()
	idx := f.logCalls
	f.logCalls++
	f.mu.Unlock()
	f.record("logs")

	if len(f.logs) == 0 {
		return "", fmt.Errorf("%s: %w", containerName, ErrContainerNotFound)
	}
	if idx >= len(f.logs) {
		idx = len(f.logs) - 1
	}
	return f.logs[idx].out, f.logs[idx].err
}

func (f *fakeRuntime) Teardown(_ context.Context, _ string, containerName string) error {
	f.mu.Lock()
	f.teardowns = append(f.teardowns, containerName)
	f.mu.Unlock()
	f.record("teardown")
	return nil
}

func (f *fakeRuntime) teardownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.teardowns)
}

func (f *fakeRuntime) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

type fakeStream struct {
	rt       *fakeRuntime
	lines    chan string
	exitCode int
	done     chan struct{}
	once     sync.Once
}

func newFakeStream(rt *fakeRuntime, run fakeRun) *fakeStream {
	s := &fakeStream{
		rt:       rt,
		lines:    make(chan string, len(run.lines)),
		exitCode: run.exitCode,
		done:     make(chan struct{}),
	}
	for _, l := range run.lines {
		s.lines <- l
	}
	if !run.hang {
		close(s.lines)
		close(s.done)
	}
	return s
}

func (s *fakeStream) Lines() <-chan string { return s.lines }

func (s *fakeStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.rt.record("close")
	return nil
}

func (s *fakeStream) Detach() {
	s.rt.record("detach")
}

// fakeCollaborators implements every collaborator interface with scripted
// results.
type fakeCollaborators struct {
	mu sync.Mutex

	codeSet     []interfaces.CodeArtifact
	generateErr error
	spec        interfaces.ContainerSpec
	packageErr  error

	// codeFixes are returned by successive RepairCode calls; the last
	// repeats.
	codeFixes []interfaces.CodeArtifact
	repairErr error
	specFix   interfaces.ContainerSpec
	docs      []interfaces.CodeArtifact

	generateCalls   int
	packageCalls    int
	codeRepairCalls int
	specRepairCalls int
	documentCalls   int
	failures        []interfaces.ErrorRecord
}

func (c *fakeCollaborators) bundle() interfaces.Collaborators {
	return interfaces.Collaborators{
		Generator:    c,
		Packager:     c,
		CodeRepairer: c,
		SpecRepairer: c,
		Documenter:   c,
	}
}

func (c *fakeCollaborators) Generate(_ context.Context, _ string) ([]interfaces.CodeArtifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generateCalls++
	if c.generateErr != nil {
		return nil, c.generateErr
	}
	out := make([]interfaces.CodeArtifact, len(c.codeSet))
	copy(out, c.codeSet)
	return out, nil
}

func (c *fakeCollaborators) Package(_ context.Context, _ []interfaces.CodeArtifact) (interfaces.ContainerSpec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packageCalls++
	return c.spec, c.packageErr
}

func (c *fakeCollaborators) RepairCode(_ context.Context, _ []interfaces.CodeArtifact, failure interfaces.ErrorRecord) (interfaces.CodeArtifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codeRepairCalls++
	c.failures = append(c.failures, failure)
	if c.repairErr != nil {
		return interfaces.CodeArtifact{}, c.repairErr
	}
	if len(c.codeFixes) == 0 {
		return interfaces.CodeArtifact{}, errors.New("no fix scripted")
	}
	idx := c.codeRepairCalls - 1
	if idx >= len(c.codeFixes) {
		idx = len(c.codeFixes) - 1
	}
	return c.codeFixes[idx], nil
}

func (c *fakeCollaborators) RepairSpec(_ context.Context, _ interfaces.ContainerSpec, failure interfaces.ErrorRecord, _ []interfaces.Message) (interfaces.ContainerSpec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specRepairCalls++
	c.failures = append(c.failures, failure)
	if c.repairErr != nil {
		return interfaces.ContainerSpec{}, c.repairErr
	}
	return c.specFix, nil
}

func (c *fakeCollaborators) Document(_ context.Context, _ []interfaces.CodeArtifact) ([]interfaces.CodeArtifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.documentCalls++
	return c.docs, nil
}

const testCompose = "services:\n  app:\n    build: .\n"

func testSpec() interfaces.ContainerSpec {
	return interfaces.ContainerSpec{
		Dockerfile: "FROM python:3.12-slim\nCOPY . /app\nCMD [\"python\", \"/app/main.py\"]\n",
		Compose:    testCompose,
	}
}

const failingTrace = "Traceback (most recent call last):\n" +
	"  File \"/app/main.py\", line 1, in <module>\n" +
	"NameError: name 'x' is not defined\n" +
	"app exited with code 1"
