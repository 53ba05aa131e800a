package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dangazineu/kiln/internal/collaborator"
	"github.com/dangazineu/kiln/internal/config"
	"github.com/dangazineu/kiln/internal/engine"
	"github.com/dangazineu/kiln/internal/logging"
)

// lockDirName holds container name claims shared by kiln processes using
// the same workspace.
const lockDirName = ".locks"

// loadConfig reads the file named by --config, if any.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// app is everything a command needs to drive runs.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	workspace    *engine.Workspace
	orchestrator *engine.Orchestrator
	names        *engine.NameRegistry
}

// newApp wires an orchestrator from cfg. Collaborators are resolved before
// the container runtime so configuration mistakes surface first.
func newApp(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	collab, err := collaborator.Bundle(cfg.Collaborators, logger)
	if err != nil {
		return nil, err
	}

	classifier, err := engine.NewClassifier(cfg.Classifier.Ignore)
	if err != nil {
		return nil, err
	}

	runtime, err := engine.NewContainerManager(cfg.Runtime, logger)
	if err != nil {
		return nil, err
	}

	workspace, err := engine.NewWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}

	names, err := engine.NewNameRegistry(workspace.RunDir(lockDirName))
	if err != nil {
		return nil, err
	}

	orchestrator, err := engine.NewOrchestrator(collab, runtime, workspace, engine.OrchestratorConfig{
		IterationBudget: cfg.Budget,
		StepLimit:       cfg.StepLimit,
		KeepAlive:       cfg.KeepAlive,
		Monitor: engine.MonitorConfig{
			BuildTimeout: cfg.Execute.BuildTimeout,
			RunWindow:    cfg.Execute.RunWindow,
			ExitGrace:    cfg.Execute.ExitGrace,
			LogTail:      cfg.Execute.LogTail,
		},
		WatchInterval:       cfg.Watch.Interval,
		WatchDuration:       cfg.Watch.Duration,
		WatchTail:           cfg.Watch.Tail,
		CollaboratorTimeout: cfg.Collaborators.Timeout,
		Retry:               retryConfig(cfg.Collaborators.Retry),
		Classifier:          classifier,
	}, logger)
	if err != nil {
		names.Close()
		return nil, err
	}
	orchestrator.WithNameRegistry(names)
	if reg != nil {
		orchestrator.WithMetrics(engine.NewMetrics(reg))
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		workspace:    workspace,
		orchestrator: orchestrator,
		names:        names,
	}, nil
}

func (a *app) Close() {
	if err := a.names.Close(); err != nil {
		a.logger.Warn("failed to release container names", zap.Error(err))
	}
	logging.Sync(a.logger)
}

// retryConfig layers the configured retry bounds over the engine defaults.
func retryConfig(rc config.RetryConfig) engine.RetryConfig {
	retry := engine.DefaultRetryConfig()
	retry.MaxRetries = rc.Attempts - 1
	retry.InitialDelay = rc.InitialDelay
	retry.MaxDelay = rc.MaxDelay
	retry.BackoffFactor = rc.BackoffFactor
	retry.RetryableErrors = append(retry.RetryableErrors, rc.Patterns...)
	return retry
}
