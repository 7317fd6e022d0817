package deployment

import (
	"fmt"
	"time"
)

// PlanState is a deployment plan's position in the orchestration state machine.
type PlanState string

// Plan states.
const (
	StatePending            PlanState = "Pending"
	StateAssessing          PlanState = "Assessing"
	StateAwaitingEscalation PlanState = "AwaitingEscalation"
	StateReserving          PlanState = "Reserving"
	StateExecuting          PlanState = "Executing"
	StateRollingBack        PlanState = "RollingBack"
	StateCommitted          PlanState = "Committed"
	StateDenied             PlanState = "Denied"
	StateRolledBack         PlanState = "RolledBack"
)

// transitions lists the allowed successor states.
// Pending may jump to Reserving or RollingBack when a plan is resumed after a crash.
var transitions = map[PlanState][]PlanState{
	StatePending:            {StateAssessing, StateReserving, StateRollingBack},
	StateAssessing:          {StateReserving, StateAwaitingEscalation, StateDenied},
	StateAwaitingEscalation: {StateReserving, StateDenied},
	StateReserving:          {StateExecuting, StateRollingBack},
	StateExecuting:          {StateCommitted, StateRollingBack},
	StateRollingBack:        {StateRolledBack},
}

// IsTerminal reports whether no further transition is possible.
func (s PlanState) IsTerminal() bool {
	return s == StateCommitted || s == StateDenied || s == StateRolledBack
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to PlanState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(from, to PlanState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// StageStatus is the lifecycle status of one stage execution.
type StageStatus string

// Stage statuses.
const (
	StagePending     StageStatus = "pending"
	StageRunning     StageStatus = "running"
	StageSucceeded   StageStatus = "succeeded"
	StageFailed      StageStatus = "failed"
	StageCompensated StageStatus = "compensated"
)

// StageExecution records the progress of one stage of a plan.
type StageExecution struct {
	StageID    string            `json:"stageID"`
	Kind       StageKind         `json:"kind"`
	Status     StageStatus       `json:"status"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"lastError,omitempty"`
	Output     map[string]string `json:"output,omitempty"`
	StartedAt  time.Time         `json:"startedAt,omitempty"`
	FinishedAt time.Time         `json:"finishedAt,omitempty"`
}

// NewExecutions returns one pending execution per plan stage.
func NewExecutions(p Plan) []StageExecution {
	execs := make([]StageExecution, len(p.Stages))
	for i, s := range p.Stages {
		execs[i] = StageExecution{StageID: s.ID, Kind: s.Kind, Status: StagePending}
	}
	return execs
}

// CountStatus counts executions with the given status.
func CountStatus(execs []StageExecution, status StageStatus) int {
	n := 0
	for _, e := range execs {
		if e.Status == status {
			n++
		}
	}
	return n
}
