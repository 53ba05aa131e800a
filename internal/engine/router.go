package engine

import (
	"github.com/dangazineu/kiln/internal/interfaces"
)

// Stage names a step of the run state machine.
type Stage string

const (
	StageGenerate            Stage = "generate"
	StagePersist             Stage = "persist"
	StagePackage             Stage = "package"
	StageExecute             Stage = "execute"
	StageWatch               Stage = "watch"
	StageRepairContainerSpec Stage = "repair_container_spec"
	StageRepairCode          Stage = "repair_code"
	StageGenericRepair       Stage = "generic_repair"
	StageFinalize            Stage = "finalize"
	StageTerminate           Stage = "terminate"
)

func (s Stage) String() string {
	return string(s)
}

// Terminal reports whether the run ends at s.
func (s Stage) Terminal() bool {
	return s == StageFinalize || s == StageTerminate
}

// IsRepair reports whether s consumes one unit of the iteration budget.
func (s Stage) IsRepair() bool {
	switch s {
	case StageRepairContainerSpec, StageRepairCode, StageGenericRepair:
		return true
	}
	return false
}

// Decide picks the stage that follows an execution or watch. It reads the
// state and never changes it. Every state maps to exactly one stage; the
// budget check comes first, so an exhausted run terminates even when its
// last execution was clean.
func Decide(state *RunState) Stage {
	if state.IterationCount >= state.IterationBudget {
		return StageTerminate
	}
	if state.LastError == nil {
		return StageFinalize
	}

	switch state.LastError.Kind {
	case interfaces.KindDockerConfiguration:
		return StageRepairContainerSpec
	case interfaces.KindDockerExecution:
		return StageRepairCode
	case interfaces.KindDebugging:
		return StageTerminate
	case interfaces.KindContainerNotFound, interfaces.KindInternal, interfaces.KindUnexpected:
		return StageGenericRepair
	default:
		return StageGenericRepair
	}
}
