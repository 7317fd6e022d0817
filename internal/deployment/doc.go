// Package deployment defines the data model shared by every orchestration component.
//
// # Core Types
//
// Request is an accepted, immutable infrastructure-change request.
// Plan is the ordered list of Stage descriptors derived from a Request by the Planner.
// StageKind is a closed enumeration; each kind maps to exactly one CompensationKind
// through the Compensations table, which is what the rollback coordinator walks.
// StageExecution records one stage's progress and PlanState is the orchestrator's
// per-plan state machine.
//
// Errors follow a fixed taxonomy (ErrValidation, ErrRiskDenied, ErrResourceContention,
// ErrStageTransient, ErrStageFatal, ErrRollbackResidual, ErrAuditWrite) so that every
// failure path can be classified with errors.Is.
package deployment
