package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	kilnerrors "github.com/dangazineu/kiln/internal/errors"
	"github.com/dangazineu/kiln/internal/interfaces"
)

// Orchestrator defaults.
const (
	DefaultIterationBudget     = 3
	DefaultStepLimit           = 20
	DefaultCollaboratorTimeout = 5 * time.Minute
)

// ErrStepLimitExceeded aborts a run that made more stage transitions than
// the step limit allows. It is distinct from budget exhaustion.
var ErrStepLimitExceeded = kilnerrors.New(kilnerrors.CodeStepLimit, "step limit exceeded")

// Transcript roles.
const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleSystem    = "system"
)

// OrchestratorConfig bounds a run.
type OrchestratorConfig struct {
	// IterationBudget caps repair attempts.
	IterationBudget int
	// StepLimit caps stage transitions regardless of the budget.
	StepLimit int
	// KeepAlive leaves a long-running service up after a successful run.
	KeepAlive bool

	Monitor       MonitorConfig
	WatchInterval time.Duration
	WatchDuration time.Duration
	WatchTail     int

	// CollaboratorTimeout bounds each collaborator call attempt.
	CollaboratorTimeout time.Duration
	Retry               RetryConfig

	// Classifier defaults to the built-in rules.
	Classifier *Classifier
}

// RunResult is the terminal view of a run.
type RunResult struct {
	RunID          string                    `json:"run_id"`
	Status         RunStatus                 `json:"status"`
	Stage          Stage                     `json:"stage"`
	Steps          int                       `json:"steps"`
	IterationCount int                       `json:"iteration_count"`
	LastError      *interfaces.ErrorRecord   `json:"last_error,omitempty"`
	CodeSet        []interfaces.CodeArtifact `json:"code_set"`
	ContainerSpec  interfaces.ContainerSpec  `json:"container_spec"`
	Documentation  []interfaces.CodeArtifact `json:"documentation,omitempty"`
	ContainerName  string                    `json:"container_name"`
	// Running is set when the service was left up for the caller.
	Running    bool                 `json:"running,omitempty"`
	WorkDir    string               `json:"work_dir"`
	Transcript []interfaces.Message `json:"transcript"`
	Duration   time.Duration        `json:"duration"`
}

func newRunResult(state *RunState, workDir string, running bool) *RunResult {
	end := time.Now()
	if state.EndTime != nil {
		end = *state.EndTime
	}
	return &RunResult{
		RunID:          state.RunID,
		Status:         state.Status,
		Stage:          state.Stage,
		Steps:          state.Steps,
		IterationCount: state.IterationCount,
		LastError:      state.LastError,
		CodeSet:        state.CodeSet,
		ContainerSpec:  state.ContainerSpec,
		Documentation:  state.Documentation,
		ContainerName:  state.ContainerName,
		Running:        running,
		WorkDir:        workDir,
		Transcript:     state.Transcript.Entries(),
		Duration:       end.Sub(state.StartTime),
	}
}

// Orchestrator drives runs through the generate, package, execute and
// repair stages until the workload runs clean or the run gives up.
// Concurrent calls to Run are independent; each run owns its container name.
type Orchestrator struct {
	collab    interfaces.Collaborators
	workspace *Workspace
	monitor   *Monitor
	watchdog  *Watchdog
	names     *NameRegistry
	retry     *RetryableExecutor
	cfg       OrchestratorConfig
	logger    *zap.Logger
	metrics   *Metrics
}

// NewOrchestrator wires an orchestrator. Generator, Packager and both
// repairers are required; the Documenter is optional.
func NewOrchestrator(collab interfaces.Collaborators, runtime Runtime, workspace *Workspace, cfg OrchestratorConfig, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case collab.Generator == nil:
		return nil, errors.New("generator cannot be nil")
	case collab.Packager == nil:
		return nil, errors.New("packager cannot be nil")
	case collab.CodeRepairer == nil:
		return nil, errors.New("code repairer cannot be nil")
	case collab.SpecRepairer == nil:
		return nil, errors.New("spec repairer cannot be nil")
	case runtime == nil:
		return nil, errors.New("runtime cannot be nil")
	case workspace == nil:
		return nil, errors.New("workspace cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IterationBudget <= 0 {
		cfg.IterationBudget = DefaultIterationBudget
	}
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = DefaultStepLimit
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = DefaultCollaboratorTimeout
	}

	names, err := NewNameRegistry("")
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		collab:    collab,
		workspace: workspace,
		monitor:   NewMonitor(runtime, cfg.Classifier, cfg.Monitor, logger),
		watchdog:  NewWatchdog(runtime, cfg.Classifier, cfg.WatchTail, logger),
		names:     names,
		retry:     NewRetryableExecutor(cfg.Retry),
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
	}, nil
}

// WithMetrics sets the metrics sink for the orchestrator and its monitors.
func (o *Orchestrator) WithMetrics(metrics *Metrics) *Orchestrator {
	o.metrics = metrics
	o.monitor.WithMetrics(metrics)
	o.watchdog.WithMetrics(metrics)
	return o
}

// WithNameRegistry shares a container name registry, such as one backed by
// lock files, across orchestrators.
func (o *Orchestrator) WithNameRegistry(names *NameRegistry) *Orchestrator {
	o.names = names
	return o
}

// run carries what a single Run needs beside its state.
type run struct {
	state   *RunState
	store   *StateStore
	workDir string
	logger  *zap.Logger
	// pending is set while a long-running service is still up.
	pending bool
}

// Run executes one requirement end to end. The result is returned on every
// path that created a run, including the step-limit and cancellation
// errors.
func (o *Orchestrator) Run(ctx context.Context, requirement string) (*RunResult, error) {
	if strings.TrimSpace(requirement) == "" {
		return nil, errors.New("requirement cannot be empty")
	}

	runID := GenerateRunID()
	containerName := ContainerNameFor(runID)
	if err := o.names.Claim(containerName, runID); err != nil {
		return nil, err
	}
	defer o.names.Release(containerName, runID)

	store, err := NewStateStore(o.workspace.RunDir(runID))
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.CodeWorkspace, "failed to create run directory")
	}

	r := &run{
		state:   NewRunState(runID, requirement, containerName, o.cfg.IterationBudget),
		store:   store,
		workDir: o.workspace.SourceDir(runID),
		logger:  o.logger.With(zap.String("run_id", runID), zap.String("container", containerName)),
	}
	r.state.Transcript.Append(roleUser, StageGenerate, requirement)
	o.save(r)

	o.metrics.runStarted()
	r.logger.Info("run started", zap.Int("budget", o.cfg.IterationBudget))

	runErr := o.loop(ctx, r)

	running := false
	if r.pending {
		if o.cfg.KeepAlive && r.state.Status == StatusSucceeded {
			running = true
			r.logger.Info("leaving service running")
		} else {
			o.monitor.Teardown(ctx, r.workDir, containerName)
			r.pending = false
		}
	}

	o.save(r)
	status := string(r.state.Status)
	if errors.Is(runErr, ErrStepLimitExceeded) {
		status = "step_limit"
	}
	o.metrics.runFinished(status)
	r.logger.Info("run finished",
		zap.String("status", string(r.state.Status)),
		zap.Int("iterations", r.state.IterationCount),
		zap.Int("steps", r.state.Steps))

	return newRunResult(r.state, r.workDir, running), runErr
}

// loop runs stages until a terminal stage has been handled.
func (o *Orchestrator) loop(ctx context.Context, r *run) error {
	state := r.state
	for {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("run cancelled", zap.String("stage", state.Stage.String()))
			state.halt(StatusCancelled)
			return kilnerrors.Wrap(err, kilnerrors.CodeCancelled, "run cancelled before "+state.Stage.String())
		}
		if state.Steps >= o.cfg.StepLimit {
			r.logger.Error("step limit exceeded", zap.Int("step_limit", o.cfg.StepLimit))
			state.halt(StatusFailed)
			return fmt.Errorf("%w: %d transitions", ErrStepLimitExceeded, o.cfg.StepLimit)
		}

		stage := state.Stage
		state.Steps++
		o.metrics.transition(stage)
		r.logger.Debug("entering stage", zap.String("stage", stage.String()), zap.Int("step", state.Steps))

		next := o.runStage(ctx, r, stage)
		o.save(r)
		if stage.Terminal() {
			return nil
		}
		state.Stage = next
	}
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, stage Stage) Stage {
	switch stage {
	case StageGenerate:
		return o.generate(ctx, r)
	case StagePersist:
		return o.persist(r)
	case StagePackage:
		return o.pack(ctx, r)
	case StageExecute:
		return o.execute(ctx, r)
	case StageWatch:
		return o.watch(ctx, r)
	case StageRepairCode, StageGenericRepair:
		return o.repairCode(ctx, r, stage)
	case StageRepairContainerSpec:
		return o.repairSpec(ctx, r)
	case StageFinalize:
		o.finalize(ctx, r)
		return StageFinalize
	case StageTerminate:
		o.terminate(r)
		return StageTerminate
	}
	r.logger.Error("unknown stage", zap.String("stage", stage.String()))
	r.state.recordError(interfaces.NewErrorRecord(interfaces.KindInternal, "unknown stage "+stage.String(), "", stage.String()))
	return StageTerminate
}

func (o *Orchestrator) generate(ctx context.Context, r *run) Stage {
	var codeSet []interfaces.CodeArtifact
	err := o.call(ctx, r, StageGenerate, func(ctx context.Context) error {
		var err error
		codeSet, err = o.collab.Generator.Generate(ctx, r.state.Requirement)
		return err
	})
	if err == nil && len(codeSet) == 0 {
		err = errors.New("generator returned no artifacts")
	}
	if err != nil {
		r.logger.Error("generation failed", zap.Error(err))
		o.fail(r, interfaces.NewErrorRecord(interfaces.KindUnexpected, "code generation failed", err.Error(), StageGenerate.String()))
		return StageTerminate
	}

	r.state.CodeSet = codeSet
	r.state.Transcript.Append(roleAssistant, StageGenerate, "generated "+artifactNames(codeSet))
	r.logger.Info("code generated", zap.Int("artifacts", len(codeSet)))
	return StagePersist
}

func (o *Orchestrator) persist(r *run) Stage {
	if err := o.workspace.WriteArtifacts(r.state.RunID, r.state.CodeSet); err != nil {
		r.logger.Error("failed to persist artifacts", zap.Error(err))
		o.fail(r, interfaces.NewErrorRecord(interfaces.KindInternal, "failed to persist artifacts", err.Error(), StagePersist.String()))
		return o.route(r)
	}
	return StagePackage
}

// pack asks the packager for a spec only when the run has none yet, then
// materializes the current spec into the build context.
func (o *Orchestrator) pack(ctx context.Context, r *run) Stage {
	state := r.state
	if state.ContainerSpec.IsZero() {
		var spec interfaces.ContainerSpec
		err := o.call(ctx, r, StagePackage, func(ctx context.Context) error {
			var err error
			spec, err = o.collab.Packager.Package(ctx, state.CodeSet)
			return err
		})
		if err == nil && spec.IsZero() {
			err = errors.New("packager returned an empty spec")
		}
		if err != nil {
			r.logger.Error("packaging failed", zap.Error(err))
			o.fail(r, interfaces.NewErrorRecord(interfaces.KindUnexpected, "packaging failed", err.Error(), StagePackage.String()))
			return StageTerminate
		}
		state.ContainerSpec = spec
		state.Transcript.Append(roleAssistant, StagePackage, "produced Dockerfile and compose spec")
	}

	if err := o.workspace.WriteSpec(state.RunID, state.ContainerSpec, state.ContainerName); err != nil {
		r.logger.Warn("container spec rejected", zap.Error(err))
		o.fail(r, interfaces.NewErrorRecord(interfaces.KindDockerConfiguration, "invalid container spec", err.Error(), StagePackage.String()))
		return o.route(r)
	}
	return StageExecute
}

func (o *Orchestrator) execute(ctx context.Context, r *run) Stage {
	state := r.state
	if r.pending {
		o.monitor.Teardown(ctx, r.workDir, state.ContainerName)
		r.pending = false
	}

	out := o.monitor.Execute(ctx, r.workDir, state.ContainerName)
	if out.Logs != "" {
		state.Transcript.Append(roleSystem, StageExecute, out.Logs)
	}

	if out.LongRunning {
		r.pending = true
		state.LongRunning = true
		state.clearError()
		r.logger.Info("workload is a long-running service, watching its logs")
		return StageWatch
	}

	if out.Success() {
		state.clearError()
		r.logger.Info("execution succeeded")
	} else {
		o.fail(r, out.Err)
	}
	return o.route(r)
}

func (o *Orchestrator) watch(ctx context.Context, r *run) Stage {
	state := r.state
	rec := o.watchdog.Watch(ctx, state.ContainerName, o.cfg.WatchInterval, o.cfg.WatchDuration)
	if rec == nil {
		state.clearError()
		return o.route(r)
	}

	o.fail(r, rec)
	state.Transcript.Append(roleSystem, StageWatch, rec.Details)
	o.monitor.Teardown(ctx, r.workDir, state.ContainerName)
	r.pending = false
	return o.route(r)
}

// repairCode handles code repair and generic repair: one replacement
// artifact, located by filename.
func (o *Orchestrator) repairCode(ctx context.Context, r *run, stage Stage) Stage {
	state := r.state
	state.IterationCount++
	failure := *state.LastError

	codeSet := make([]interfaces.CodeArtifact, len(state.CodeSet))
	copy(codeSet, state.CodeSet)

	var fix interfaces.CodeArtifact
	err := o.call(ctx, r, stage, func(ctx context.Context) error {
		var err error
		fix, err = o.collab.CodeRepairer.RepairCode(ctx, codeSet, failure)
		return err
	})
	if err != nil {
		return o.repairFailed(r, stage, err)
	}

	if state.replaceArtifact(fix) {
		state.Transcript.Append(roleAssistant, stage, "replaced "+fix.Filename)
	} else {
		// The set is left unchanged and the next execution will fail the
		// same way, spending budget.
		r.logger.Warn("repaired artifact matches no filename in the code set",
			zap.String("filename", fix.Filename),
			zap.String("known", artifactNames(state.CodeSet)))
		state.Transcript.Append(roleSystem, stage,
			fmt.Sprintf("repair returned %q which matches no artifact; code set unchanged", fix.Filename))
		o.metrics.unmatchedRepair()
	}

	o.metrics.repair(stage, true)
	r.logger.Info("code repaired", zap.String("stage", stage.String()), zap.Int("iteration", state.IterationCount))
	state.clearError()
	return StagePersist
}

func (o *Orchestrator) repairSpec(ctx context.Context, r *run) Stage {
	state := r.state
	state.IterationCount++
	failure := *state.LastError
	transcript := state.Transcript.Entries()

	var spec interfaces.ContainerSpec
	err := o.call(ctx, r, StageRepairContainerSpec, func(ctx context.Context) error {
		var err error
		spec, err = o.collab.SpecRepairer.RepairSpec(ctx, state.ContainerSpec, failure, transcript)
		return err
	})
	if err == nil && spec.IsZero() {
		err = errors.New("spec repairer returned an empty spec")
	}
	if err != nil {
		return o.repairFailed(r, StageRepairContainerSpec, err)
	}

	state.ContainerSpec = spec
	state.Transcript.Append(roleAssistant, StageRepairContainerSpec, "revised Dockerfile and compose spec")
	o.metrics.repair(StageRepairContainerSpec, true)
	r.logger.Info("container spec repaired", zap.Int("iteration", state.IterationCount))
	state.clearError()
	return StagePackage
}

// repairFailed ends the repair loop: a repairer that fails is not retried.
func (o *Orchestrator) repairFailed(r *run, stage Stage, err error) Stage {
	r.logger.Error("repair failed", zap.String("stage", stage.String()), zap.Error(err))
	o.metrics.repair(stage, false)
	o.fail(r, interfaces.NewErrorRecord(interfaces.KindDebugging, "repair attempt failed", err.Error(), stage.String()))
	return o.route(r)
}

func (o *Orchestrator) finalize(ctx context.Context, r *run) {
	state := r.state
	if o.collab.Documenter != nil {
		var docs []interfaces.CodeArtifact
		err := o.call(ctx, r, StageFinalize, func(ctx context.Context) error {
			var err error
			docs, err = o.collab.Documenter.Document(ctx, state.CodeSet)
			return err
		})
		switch {
		case err != nil:
			r.logger.Warn("documentation failed", zap.Error(err))
			state.Transcript.Append(roleSystem, StageFinalize, "documentation failed: "+err.Error())
		case len(docs) > 0:
			if err := o.workspace.WriteDocs(state.RunID, docs); err != nil {
				r.logger.Warn("failed to write documentation", zap.Error(err))
			}
			state.Documentation = docs
			state.Transcript.Append(roleAssistant, StageFinalize, "documented "+artifactNames(docs))
		}
	}
	state.halt(StatusSucceeded)
}

// terminate halts the run. A failed repairer is reported as a failure even
// when it used the last iteration.
func (o *Orchestrator) terminate(r *run) {
	state := r.state
	debugging := state.LastError != nil && state.LastError.Kind == interfaces.KindDebugging
	if !debugging && state.IterationCount >= state.IterationBudget {
		r.logger.Warn("iteration budget exhausted", zap.Int("budget", state.IterationBudget))
		state.halt(StatusExhausted)
		return
	}
	state.halt(StatusFailed)
}

// route applies the repair router to the current state.
func (o *Orchestrator) route(r *run) Stage {
	if rec := r.state.LastError; rec != nil && !rec.Kind.Known() {
		r.logger.Warn("unknown error kind, routing to generic repair", zap.String("kind", string(rec.Kind)))
	}
	next := Decide(r.state)
	r.logger.Debug("routed", zap.String("next", next.String()))
	return next
}

func (o *Orchestrator) fail(r *run, rec *interfaces.ErrorRecord) {
	r.state.recordError(rec)
	o.metrics.errorRecorded(rec.Kind)
	r.logger.Info("failure recorded", zap.String("kind", string(rec.Kind)), zap.String("message", rec.Message))
}

// call runs a collaborator with a per-attempt timeout and retries transient
// failures.
func (o *Orchestrator) call(ctx context.Context, r *run, stage Stage, fn func(context.Context) error) error {
	err := o.retry.ExecuteWithCallback(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.CollaboratorTimeout)
		defer cancel()
		return fn(cctx)
	}, func(attempt int, err error) {
		o.metrics.retry(stage)
		r.logger.Warn("retrying collaborator call",
			zap.String("stage", stage.String()), zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.CodeCollaborator, stage.String()+" collaborator failed")
	}
	return nil
}

func (o *Orchestrator) save(r *run) {
	if err := r.store.Save(r.state); err != nil {
		r.logger.Warn("failed to save run state", zap.Error(err))
	}
}

func artifactNames(codeSet []interfaces.CodeArtifact) string {
	names := make([]string, len(codeSet))
	for i, a := range codeSet {
		names[i] = a.Filename
	}
	return strings.Join(names, ", ")
}
