package audit

import (
	"context"
	"errors"
	"time"
)

// Action names what happened. The set is closed.
type Action string

// Actions.
const (
	ActionRequestSubmitted Action = "request.submitted"
	ActionRequestRejected  Action = "request.rejected"

	ActionRiskAssessed Action = "risk.assessed"

	ActionEscalationRequested Action = "escalation.requested"
	ActionEscalationApproved  Action = "escalation.approved"
	ActionEscalationDenied    Action = "escalation.denied"
	ActionEscalationTimedOut  Action = "escalation.timed_out"

	ActionReservationAcquired Action = "reservation.acquired"
	ActionReservationBusy     Action = "reservation.busy"
	ActionReservationReleased Action = "reservation.released"

	ActionStageStarted   Action = "stage.started"
	ActionStageSucceeded Action = "stage.succeeded"
	ActionStageFailed    Action = "stage.failed"

	ActionCompensationSucceeded Action = "compensation.succeeded"
	ActionCompensationFailed    Action = "compensation.failed"

	ActionPlanTransition      Action = "plan.transition"
	ActionPlanCommitted       Action = "plan.committed"
	ActionPlanRolledBack      Action = "plan.rolled_back"
	ActionPlanDenied          Action = "plan.denied"
	ActionPlanCancelRequested Action = "plan.cancel_requested"
	ActionPlanResumed         Action = "plan.resumed"
)

// Outcome values used by the orchestrator.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeBusy     = "busy"
	OutcomeDenied   = "denied"
	OutcomeResidual = "residual"
	OutcomeSkipped  = "skipped"
)

// Actors that write entries on their own behalf.
const (
	ActorOrchestrator = "orchestrator"
	ActorRollback     = "rollback"
	ActorRiskGate     = "risk-gate"
)

// Entry is one immutable audit record.
type Entry struct {
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	RequestID string            `json:"requestID"`
	StageID   string            `json:"stageID,omitempty"`
	Actor     string            `json:"actor"`
	Action    Action            `json:"action"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Recorder appends entries and reads them back in sequence order.
type Recorder interface {
	// Append stores e and returns it with Seq and Timestamp assigned.
	Append(ctx context.Context, e Entry) (Entry, error)
	// ByRequest returns the entries of one request in sequence order.
	ByRequest(ctx context.Context, requestID string) ([]Entry, error)
	// Requests returns every request ID that has at least one entry, sorted.
	Requests(ctx context.Context) ([]string, error)
}

// ErrInvalidEntry is returned for entries without a request ID or action.
var ErrInvalidEntry = errors.New("invalid audit entry")

func checkEntry(e Entry) error {
	if e.RequestID == "" {
		return errors.Join(ErrInvalidEntry, errors.New("request ID is required"))
	}
	if e.Action == "" {
		return errors.Join(ErrInvalidEntry, errors.New("action is required"))
	}
	return nil
}

func cloneDetail(d map[string]string) map[string]string {
	if d == nil {
		return nil
	}
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
