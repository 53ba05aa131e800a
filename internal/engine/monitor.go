package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dangazineu/kiln/internal/interfaces"
)

const (
	// teardownTimeout bounds cleanup, which runs even after cancellation.
	teardownTimeout = 2 * time.Minute
	// maxLogLines bounds the output kept for the transcript.
	maxLogLines = 1000
)

// MonitorConfig bounds one build+run cycle.
type MonitorConfig struct {
	BuildTimeout time.Duration
	RunWindow    time.Duration
	ExitGrace    time.Duration
	LogTail      int
}

// Outcome is the result of one Execute call. A nil Err is success.
type Outcome struct {
	Err *interfaces.ErrorRecord
	// LongRunning marks a workload still serving after the run window. Its
	// teardown has not happened yet and is owed by the caller.
	LongRunning bool
	ExitCode    int
	Logs        string
}

// Success reports whether the cycle finished without a failure.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// Monitor runs one build+run cycle and turns it into an Outcome.
type Monitor struct {
	runtime    Runtime
	classifier *Classifier
	cfg        MonitorConfig
	logger     *zap.Logger
	metrics    *Metrics
}

// NewMonitor creates a monitor. A nil classifier uses the default rules.
func NewMonitor(runtime Runtime, classifier *Classifier, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if classifier == nil {
		classifier = defaultClassifier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	if cfg.RunWindow <= 0 {
		cfg.RunWindow = 30 * time.Second
	}
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = 10 * time.Second
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = 200
	}
	return &Monitor{
		runtime:    runtime,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger.Named("monitor"),
	}
}

// WithMetrics sets the metrics sink.
func (m *Monitor) WithMetrics(metrics *Metrics) *Monitor {
	m.metrics = metrics
	return m
}

// Execute builds and runs the composition in workDir. Teardown runs exactly
// once before Execute returns, after the last read of output, unless the
// outcome is LongRunning.
func (m *Monitor) Execute(ctx context.Context, workDir, containerName string) (out Outcome) {
	start := time.Now()
	logger := m.logger.With(zap.String("container", containerName))
	logs := newLineBuffer(maxLogLines)

	var stream Stream
	owesTeardown := true

	defer func() {
		if r := recover(); r != nil {
			logger.Error("execution panicked", zap.Any("panic", r))
			out = Outcome{
				Err:  interfaces.NewErrorRecord(interfaces.KindUnexpected, fmt.Sprintf("execution panicked: %v", r), logs.String(), StageExecute.String()),
				Logs: logs.String(),
			}
			owesTeardown = true
		}
		if stream != nil && owesTeardown {
			stream.Close()
		}
		if owesTeardown {
			m.teardown(ctx, workDir, containerName)
		}
		m.metrics.execution(out, time.Since(start))
	}()

	out = m.build(ctx, workDir, logs, logger)
	if !out.Success() {
		return out
	}

	stream, err := m.runtime.Run(ctx, workDir)
	if err != nil {
		logger.Error("failed to start container", zap.Error(err))
		return Outcome{
			Err:  interfaces.NewErrorRecord(interfaces.KindUnexpected, "failed to start container", err.Error(), StageExecute.String()),
			Logs: logs.String(),
		}
	}

	out, owesTeardown = m.observe(ctx, stream, containerName, logs, logger)
	return out
}

func (m *Monitor) build(ctx context.Context, workDir string, logs *lineBuffer, logger *zap.Logger) Outcome {
	buildCtx, cancel := context.WithTimeout(ctx, m.cfg.BuildTimeout)
	defer cancel()

	logs.Add("--- build ---")
	scanner := m.classifier.NewScanner(StageExecute.String())
	err := m.runtime.Build(buildCtx, workDir, func(line string) {
		logs.Add(line)
		scanner.Feed(line)
		logger.Debug("build output", zap.String("line", line))
	})
	if err == nil {
		return Outcome{}
	}

	var bf *BuildFailure
	if errors.As(err, &bf) {
		logger.Warn("image build failed", zap.Int("exit_code", bf.ExitCode))
		details := bf.Output
		if rec := scanner.Finish(bf.ExitCode, bf.Output); rec != nil && rec.Details != "" {
			details = rec.Details
		}
		return Outcome{
			Err:      interfaces.NewErrorRecord(interfaces.KindDockerConfiguration, bf.Error(), details, StageExecute.String()),
			ExitCode: bf.ExitCode,
			Logs:     logs.String(),
		}
	}

	logger.Error("image build did not complete", zap.Error(err))
	return Outcome{
		Err:  interfaces.NewErrorRecord(interfaces.KindUnexpected, "image build did not complete", err.Error(), StageExecute.String()),
		Logs: logs.String(),
	}
}

// observe consumes the run output. The second result reports whether the
// caller still has to tear the workload down.
func (m *Monitor) observe(ctx context.Context, stream Stream, containerName string, logs *lineBuffer, logger *zap.Logger) (Outcome, bool) {
	logs.Add("--- run ---")
	scanner := m.classifier.NewScanner(StageExecute.String())

	window := time.NewTimer(m.cfg.RunWindow)
	defer window.Stop()

	lines := stream.Lines()
consume:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break consume
			}
			logs.Add(line)
			logger.Debug("container output", zap.String("line", line))
			if scanner.Feed(line) {
				break consume
			}
		case <-window.C:
			if !scanner.Captured() {
				logger.Info("workload still running after run window, treating as service",
					zap.Duration("run_window", m.cfg.RunWindow))
				stream.Detach()
				return Outcome{LongRunning: true, Logs: logs.String()}, false
			}
			break consume
		case <-ctx.Done():
			return Outcome{
				Err:  interfaces.NewErrorRecord(interfaces.KindUnexpected, "execution cancelled", ctx.Err().Error(), StageExecute.String()),
				Logs: logs.String(),
			}, true
		}
	}
	stream.Detach()

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ExitGrace)
	defer cancel()
	exitCode, err := stream.Wait(waitCtx)
	if err != nil {
		markerCode, seen := scanner.ExitCode()
		switch {
		case seen:
			exitCode = markerCode
		case scanner.Captured():
			exitCode = -1
		default:
			logger.Warn("container did not exit in time", zap.Error(err))
			return Outcome{
				Err:  interfaces.NewErrorRecord(interfaces.KindUnexpected, "container did not exit within "+m.cfg.ExitGrace.String(), logs.String(), StageExecute.String()),
				Logs: logs.String(),
			}, true
		}
	}

	var fallback string
	if exitCode != 0 && !scanner.Captured() {
		fetched, err := m.runtime.FetchLogs(ctx, containerName, m.cfg.LogTail)
		if err != nil {
			logger.Debug("could not fetch fallback logs", zap.Error(err))
		}
		fallback = fetched
	}

	rec := scanner.Finish(exitCode, fallback)
	if rec != nil {
		logger.Info("execution failed", zap.String("kind", string(rec.Kind)), zap.Int("exit_code", exitCode))
	}
	return Outcome{Err: rec, ExitCode: exitCode, Logs: logs.String()}, true
}

func (m *Monitor) teardown(ctx context.Context, workDir, containerName string) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	err := m.runtime.Teardown(tctx, workDir, containerName)
	m.metrics.teardown(err)
	if err != nil {
		m.logger.Warn("teardown failed", zap.String("container", containerName), zap.Error(err))
	}
}

// Teardown tears down a workload left running by a LongRunning outcome.
func (m *Monitor) Teardown(ctx context.Context, workDir, containerName string) {
	m.teardown(ctx, workDir, containerName)
}

// lineBuffer keeps the last max lines of output.
type lineBuffer struct {
	max     int
	lines   []string
	dropped int
}

func newLineBuffer(max int) *lineBuffer {
	return &lineBuffer{max: max}
}

func (b *lineBuffer) Add(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[1:]
		b.dropped++
	}
}

func (b *lineBuffer) String() string {
	var sb strings.Builder
	if b.dropped > 0 {
		fmt.Fprintf(&sb, "... %d earlier lines omitted\n", b.dropped)
	}
	sb.WriteString(strings.Join(b.lines, "\n"))
	return sb.String()
}
