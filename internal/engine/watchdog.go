package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dangazineu/kiln/internal/interfaces"
)

// Watchdog defaults.
const (
	DefaultWatchInterval = time.Second
	DefaultWatchDuration = 3 * time.Second
	DefaultWatchTail     = 20
)

// Watchdog polls a running container's log tail for error evidence.
type Watchdog struct {
	runtime    Runtime
	classifier *Classifier
	tail       int
	logger     *zap.Logger
	metrics    *Metrics
}

// NewWatchdog creates a watchdog reading tail lines per poll.
func NewWatchdog(runtime Runtime, classifier *Classifier, tail int, logger *zap.Logger) *Watchdog {
	if classifier == nil {
		classifier = defaultClassifier
	}
	if tail <= 0 {
		tail = DefaultWatchTail
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		runtime:    runtime,
		classifier: classifier,
		tail:       tail,
		logger:     logger.Named("watchdog"),
	}
}

// WithMetrics sets the metrics sink.
func (w *Watchdog) WithMetrics(metrics *Metrics) *Watchdog {
	w.metrics = metrics
	return w
}

// Watch polls immediately and then every interval until duration has
// elapsed. It returns the first error found, or nil when the window closes
// clean or ctx is cancelled. Retrieval failures are reported, not retried.
func (w *Watchdog) Watch(ctx context.Context, containerName string, interval, duration time.Duration) *interfaces.ErrorRecord {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if duration <= 0 {
		duration = DefaultWatchDuration
	}
	logger := w.logger.With(zap.String("container", containerName))

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if rec := w.poll(ctx, containerName, logger); rec != nil {
			return rec
		}
		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			logger.Debug("watch window closed clean", zap.Duration("duration", duration))
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) poll(ctx context.Context, containerName string, logger *zap.Logger) *interfaces.ErrorRecord {
	logs, err := w.runtime.FetchLogs(ctx, containerName, w.tail)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrContainerNotFound):
			w.metrics.watchPoll("not_found")
			logger.Warn("container not found")
			return interfaces.NewErrorRecord(
				interfaces.KindContainerNotFound,
				fmt.Sprintf("container '%s' not found", containerName),
				err.Error(),
				StageWatch.String(),
			)
		default:
			w.metrics.watchPoll("internal")
			logger.Error("failed to retrieve logs", zap.Error(err))
			return interfaces.NewErrorRecord(
				interfaces.KindInternal,
				"failed to retrieve container logs",
				err.Error(),
				StageWatch.String(),
			)
		}
	}

	if rec := w.classifier.ClassifyTail(logs); rec != nil {
		w.metrics.watchPoll("error")
		logger.Info("error found in container logs")
		return rec
	}
	w.metrics.watchPoll("clean")
	return nil
}
