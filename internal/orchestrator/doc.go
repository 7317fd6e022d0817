// Package orchestrator drives deployment plans through their state machine.
//
// Each submitted request gets its own goroutine, which owns the plan's state
// and stage executions for the plan's lifetime:
//
//	Pending -> Assessing -> Reserving -> Executing -> Committed
//	                    \-> AwaitingEscalation -> Reserving | Denied
//	                    \-> Denied
//	Reserving | Executing -> RollingBack -> RolledBack
//
// Stages run strictly in plan order. A stage counts as succeeded only after
// its audit entry has been appended, which is what makes Resume possible: the
// audit trail alone is enough to rebuild a crashed plan and continue after its
// last succeeded stage without re-running anything that already happened.
//
// Cancellation is cooperative. Cancel sets a flag that the plan checks between
// stages and while suspended; a remote call already in flight is allowed to
// finish and, if it succeeded, is compensated along with everything else.
package orchestrator
