package deployment

import "errors"

var (
	// ErrValidation marks a malformed request rejected before risk assessment.
	ErrValidation = errors.New("validation failed")

	// ErrRiskDenied marks a request denied by the risk gate or by an escalation reviewer.
	ErrRiskDenied = errors.New("risk denied")

	// ErrResourceContention marks a plan whose identifiers stayed busy beyond the retry budget.
	ErrResourceContention = errors.New("resource contention")

	// ErrStageTransient marks a retryable stage failure. It only surfaces once retries are exhausted.
	ErrStageTransient = errors.New("transient stage failure")

	// ErrStageFatal marks a stage failure that triggers rollback.
	ErrStageFatal = errors.New("fatal stage failure")

	// ErrRollbackResidual marks a rollback that left uncompensated resources behind.
	ErrRollbackResidual = errors.New("rollback left residual resources")

	// ErrAuditWrite marks an audit append failure. It blocks stage completion.
	ErrAuditWrite = errors.New("audit write failed")

	// ErrCancelled marks a plan cancelled by its requester.
	ErrCancelled = errors.New("plan cancelled")

	// ErrPlanNotFound is returned by control-surface lookups for unknown plans.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInvalidTransition is returned when a plan state change is not allowed.
	ErrInvalidTransition = errors.New("invalid plan state transition")
)
