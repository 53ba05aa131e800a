package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	streamBuffer  = 256
	maxLineLength = 1024 * 1024

	// pipeGrace bounds how long Wait keeps reading after the process exits
	// while a grandchild still holds the output pipe.
	pipeGrace = 5 * time.Second
)

// Stream is the combined stdout/stderr of a running client process.
type Stream interface {
	// Lines yields output lines in order and is closed when the output ends.
	// It can be consumed once.
	Lines() <-chan string
	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) (int, error)
	// Close stops reading and kills the client process if it is still
	// running.
	Close() error
	// Detach stops delivering lines but leaves the process running. Output
	// keeps being drained so the process never blocks on a full pipe.
	Detach()
}

// processStream pumps a process's output into a channel. Two goroutines run
// under one errgroup: the line pump and the process waiter.
type processStream struct {
	cmd   *exec.Cmd
	lines chan string
	stop  chan struct{}
	done  chan struct{}
	group *errgroup.Group

	stopOnce sync.Once
	exitCode int
	waitErr  error
}

// startProcessStream starts cmd with stdout and stderr merged into one pipe.
func startProcessStream(cmd *exec.Cmd) (*processStream, error) {
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = pipeGrace
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}

	s := &processStream{
		cmd:   cmd,
		lines: make(chan string, streamBuffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		group: &errgroup.Group{},
	}

	s.group.Go(func() error {
		defer close(s.lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), maxLineLength)
		for scanner.Scan() {
			select {
			case s.lines <- scanner.Text():
			case <-s.stop:
			}
		}
		_, _ = io.Copy(io.Discard, pr)
		return scanner.Err()
	})

	s.group.Go(func() error {
		err := cmd.Wait()
		pw.Close()
		s.exitCode, s.waitErr = exitStatus(err)
		close(s.done)
		return nil
	})

	return s, nil
}

func (s *processStream) Lines() <-chan string {
	return s.lines
}

func (s *processStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.exitCode, s.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (s *processStream) Close() error {
	s.Detach()
	select {
	case <-s.done:
	default:
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
	err := s.group.Wait()
	if errors.Is(err, bufio.ErrTooLong) {
		return nil
	}
	return err
}

func (s *processStream) Detach() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// exitStatus splits a Wait error into an exit code and a start/IO failure.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
