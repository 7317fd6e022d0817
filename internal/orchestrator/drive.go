package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/executor"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/metrics"
	"github.com/imamik/vmpilot/internal/rollback"
	"github.com/imamik/vmpilot/internal/util/retry"
)

// outputPrefix marks stage outputs inside stage.succeeded audit details.
const outputPrefix = "out."

// errSuspended stops a plan at a stage boundary during shutdown.
var errSuspended = errors.New("plan suspended")

func (o *Orchestrator) drive(ctx context.Context, r *planRun) {
	defer o.wg.Done()
	defer close(r.done)

	ctx, span := o.tracer.Start(ctx, "plan", trace.WithAttributes(
		attribute.String("vmpilot.request.id", r.req.ID),
		attribute.Int("vmpilot.plan.stages", r.plan.Len()),
	))
	defer span.End()

	obs := o.observer.WithFields(map[string]string{"requester": r.req.Requester})
	start := time.Now()
	metrics.PlanStarted()

	var err error
	if r.resume != nil {
		err = o.driveResumed(ctx, r, obs)
	} else {
		err = o.driveFresh(ctx, r, obs)
	}

	if errors.Is(err, errSuspended) {
		metrics.PlanSuspended()
		obs.Event(Event{Type: EventPlanSuspended, PlanID: r.plan.ID, Message: "plan suspended at shutdown, resume with recover",
			Fields: map[string]string{"state": string(r.currentState())}})
		span.SetStatus(codes.Error, "suspended")
		return
	}

	st := r.status()
	metrics.RecordPlan(string(st.State), st.Residual, time.Since(start).Seconds())
	if st.Err != nil {
		span.RecordError(st.Err)
		span.SetStatus(codes.Error, string(st.State))
	}
	obs.Event(Event{
		Type:    EventPlanFinished,
		PlanID:  r.plan.ID,
		Message: "plan finished",
		Fields: map[string]string{
			"state":     string(st.State),
			"succeeded": strconv.Itoa(st.Succeeded()),
			"residual":  strconv.FormatBool(st.Residual),
		},
	})
	o.archive(r.req.ID)
}

// archive exports the trail of a finished plan. Failures are logged; the
// plan outcome does not depend on the archive.
func (o *Orchestrator) archive(requestID string) {
	if o.deps.Archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), time.Minute)
	defer cancel()
	key, err := o.deps.Archiver.Archive(ctx, requestID)
	if err != nil {
		o.logger.Error("failed to archive audit trail", "request", requestID, "error", err)
		return
	}
	o.logger.Info("audit trail archived", "request", requestID, "key", key)
}

func (o *Orchestrator) driveFresh(ctx context.Context, r *planRun, obs Observer) error {
	if err := o.transition(ctx, r, obs, deployment.StateAssessing); err != nil {
		return err
	}

	allowed, err := o.assess(ctx, r, obs)
	if err != nil || !allowed {
		return err
	}

	return o.reserveAndExecute(ctx, r, obs, nil)
}

// assess runs the risk gate and, when needed, the escalation. It reports
// whether the plan may proceed to Reserving; otherwise the plan is Denied.
func (o *Orchestrator) assess(ctx context.Context, r *planRun, obs Observer) (bool, error) {
	a := o.deps.Gate.Assess(r.req, r.plan)
	r.setAssessment(a)
	metrics.RecordDecision(string(a.Decision))
	o.audit(ctx, r, audit.Entry{
		Actor:   audit.ActorRiskGate,
		Action:  audit.ActionRiskAssessed,
		Outcome: string(a.Decision),
		Detail:  assessmentDetail(a),
	})

	switch a.Decision {
	case deployment.DecisionDeny:
		return false, o.deny(ctx, r, obs, fmt.Errorf("%w: score %.4f", deployment.ErrRiskDenied, a.Score))
	case deployment.DecisionRequireEscalation:
		return o.escalate(ctx, r, obs)
	}

	if r.cancelled() {
		return false, o.deny(ctx, r, obs, deployment.ErrCancelled)
	}
	return true, o.transition(ctx, r, obs, deployment.StateReserving)
}

func assessmentDetail(a deployment.RiskAssessment) map[string]string {
	d := map[string]string{
		"score":    strconv.FormatFloat(a.Score, 'f', 4, 64),
		"decision": string(a.Decision),
		"shape":    a.PlanShape,
	}
	for _, f := range a.Factors {
		d["factor."+f.Name] = strconv.FormatFloat(f.Weight, 'f', 4, 64)
	}
	return d
}

func (o *Orchestrator) escalate(ctx context.Context, r *planRun, obs Observer) (bool, error) {
	if err := o.transition(ctx, r, obs, deployment.StateAwaitingEscalation); err != nil {
		return false, err
	}
	o.audit(ctx, r, audit.Entry{
		Actor:   audit.ActorOrchestrator,
		Action:  audit.ActionEscalationRequested,
		Outcome: audit.OutcomeOK,
		Detail:  map[string]string{"timeout": o.cfg.EscalationTimeout.String()},
	})
	obs.Event(Event{Type: EventEscalation, PlanID: r.plan.ID, Message: "waiting for reviewer approval"})

	// The wait ends early on cancel or shutdown, and at the timeout whether or
	// not the approver enforces it.
	waitCtx, stopWait := r.cancellable(ctx)
	defer stopWait()
	waitCtx, stopTimer := context.WithTimeout(waitCtx, o.cfg.EscalationTimeout)
	defer stopTimer()

	d, err := o.deps.Approver.AwaitDecision(waitCtx, r.req.ID, o.cfg.EscalationTimeout)
	if err != nil && !r.cancelled() && ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		d, err = escalation.Decision{
			Verdict: escalation.VerdictTimedOut,
			Reason:  "no decision within " + o.cfg.EscalationTimeout.String(),
		}, nil
	}
	switch {
	case err != nil && r.cancelled():
		return false, o.deny(ctx, r, obs, deployment.ErrCancelled)
	case err != nil && ctx.Err() != nil:
		return false, errSuspended
	case err != nil:
		return false, o.deny(ctx, r, obs, fmt.Errorf("%w: escalation failed: %w", deployment.ErrRiskDenied, err))
	}

	actor := d.Reviewer
	if actor == "" {
		actor = "escalation"
	}
	detail := map[string]string{"reason": d.Reason}

	switch d.Verdict {
	case escalation.VerdictApproved:
		o.audit(ctx, r, audit.Entry{Actor: actor, Action: audit.ActionEscalationApproved, Outcome: audit.OutcomeOK, Detail: detail})
	case escalation.VerdictTimedOut:
		o.audit(ctx, r, audit.Entry{Actor: actor, Action: audit.ActionEscalationTimedOut, Outcome: audit.OutcomeDenied, Detail: detail})
		return false, o.deny(ctx, r, obs, fmt.Errorf("%w: escalation timed out after %s", deployment.ErrRiskDenied, o.cfg.EscalationTimeout))
	default:
		o.audit(ctx, r, audit.Entry{Actor: actor, Action: audit.ActionEscalationDenied, Outcome: audit.OutcomeDenied, Detail: detail})
		return false, o.deny(ctx, r, obs, fmt.Errorf("%w: escalation denied by %s", deployment.ErrRiskDenied, actor))
	}

	if r.cancelled() {
		return false, o.deny(ctx, r, obs, deployment.ErrCancelled)
	}
	return true, o.transition(ctx, r, obs, deployment.StateReserving)
}

func (o *Orchestrator) deny(ctx context.Context, r *planRun, obs Observer, cause error) error {
	r.setErr(cause)
	if err := o.transition(ctx, r, obs, deployment.StateDenied); err != nil {
		return err
	}
	o.audit(ctx, r, audit.Entry{
		Actor:   audit.ActorOrchestrator,
		Action:  audit.ActionPlanDenied,
		Outcome: audit.OutcomeDenied,
		Detail:  map[string]string{"reason": cause.Error()},
	})
	return nil
}

// reserveAll claims every identifier the plan needs and moves on to Executing.
// Contention rolls the plan back.
func (o *Orchestrator) reserveAll(ctx context.Context, r *planRun, obs Observer, pinned map[string]string) error {
	if err := o.reserveClaims(ctx, r, obs, pinned); err != nil {
		if errors.Is(err, errSuspended) {
			return err
		}
		return o.rollbackPlan(ctx, r, obs, err)
	}
	if r.cancelled() {
		return o.rollbackPlan(ctx, r, obs, deployment.ErrCancelled)
	}
	if ctx.Err() != nil {
		return errSuspended
	}
	return o.transition(ctx, r, obs, deployment.StateExecuting)
}

// reserveClaims reserves the plan's claims. pinned maps claim keys to values
// that must be re-reserved exactly, which is how resumed plans get their
// identifiers back.
func (o *Orchestrator) reserveClaims(ctx context.Context, r *planRun, obs Observer, pinned map[string]string) error {
	for _, sc := range r.plan.Claims() {
		claim := sc.Claim
		constraint := claim.Constraint
		if v, ok := pinned[claimKey(sc.StageID, claim.Bind)]; ok {
			constraint = deployment.Exact(v)
		}

		var res ledger.Reservation
		// Backing off on a busy identifier ends early on cancel.
		rctx, stop := r.cancellable(ctx)
		result := retry.Do(rctx, func(ctx context.Context) error {
			if r.cancelled() {
				return retry.Fatal(deployment.ErrCancelled)
			}
			var err error
			res, err = o.deps.Ledger.Reserve(ctx, r.plan.ID, claim.Class, constraint)
			if ledger.IsBusy(err) {
				obs.Event(Event{Type: EventReservationBusy, PlanID: r.plan.ID, Stage: sc.StageID, Message: "identifier busy",
					Fields: map[string]string{"class": string(claim.Class), "constraint": constraint.String()}})
				o.audit(ctx, r, audit.Entry{
					StageID: sc.StageID,
					Actor:   audit.ActorOrchestrator,
					Action:  audit.ActionReservationBusy,
					Outcome: audit.OutcomeBusy,
					Detail:  map[string]string{"class": string(claim.Class), "constraint": constraint.String()},
				})
			}
			return err
		},
			retry.WithMaxAttempts(o.cfg.ReserveAttempts),
			retry.WithInitialDelay(o.cfg.ReserveBackoff),
			retry.WithMaxDelay(o.cfg.ReserveMaxBackoff),
			retry.WithRetryIf(ledger.IsBusy),
		)
		stop()
		if r.cancelled() {
			return deployment.ErrCancelled
		}

		err := result.Err
		if errors.Is(err, ledger.ErrConsumed) && pinned != nil && constraint.IsExact() {
			// The plan committed the identifier before it crashed.
			o.logger.Warn("identifier already consumed by this plan", "plan", r.plan.ID, "class", claim.Class, "value", constraint.Exact)
			r.addHeld(held{Reservation: ledger.Reservation{PlanID: r.plan.ID, Class: claim.Class, Value: constraint.Exact, Constraint: constraint}, StageID: sc.StageID, Bind: claim.Bind})
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return errSuspended
			}
			cause := fmt.Errorf("failed to reserve %s for stage %s: %w", claim.Class, sc.StageID, err)
			if ledger.IsBusy(err) || errors.Is(err, ledger.ErrConsumed) {
				cause = fmt.Errorf("%w: %w", deployment.ErrResourceContention, cause)
			}
			return cause
		}

		r.addHeld(held{Reservation: res, StageID: sc.StageID, Bind: claim.Bind})
		o.audit(ctx, r, audit.Entry{
			StageID: sc.StageID,
			Actor:   audit.ActorOrchestrator,
			Action:  audit.ActionReservationAcquired,
			Outcome: audit.OutcomeOK,
			Detail: map[string]string{
				"reservation": res.ID,
				"class":       string(res.Class),
				"value":       res.Value,
				"bind":        claim.Bind,
			},
		})
	}
	return nil
}

func claimKey(stageID, bind string) string {
	return stageID + "/" + bind
}

// inputs assembles the values a stage consumes.
func (o *Orchestrator) inputs(r *planRun, stage deployment.Stage) executor.Inputs {
	in := executor.Inputs{
		executor.InputRequestID: r.req.ID,
		executor.InputRequester: r.req.Requester,
	}
	for _, h := range r.heldReservations() {
		if h.StageID == stage.ID {
			in[h.Bind] = h.Value
		}
	}
	r.mu.Lock()
	for _, ref := range stage.Inputs {
		if v, ok := r.outputs[ref.FromStage][ref.Key]; ok {
			in[ref.As] = v
		}
	}
	r.mu.Unlock()
	return in
}

// execute runs the stages from index first onwards.
func (o *Orchestrator) execute(ctx context.Context, r *planRun, obs Observer, first int) error {
	for i := first; i < r.plan.Len(); i++ {
		if r.cancelled() {
			return o.rollbackPlan(ctx, r, obs, deployment.ErrCancelled)
		}
		if ctx.Err() != nil {
			return errSuspended
		}
		if err := o.runStage(ctx, r, obs, i); err != nil {
			return o.rollbackPlan(ctx, r, obs, err)
		}
	}
	// A cancel that arrived during the last stage still rolls back.
	if r.cancelled() {
		return o.rollbackPlan(ctx, r, obs, deployment.ErrCancelled)
	}
	return o.commit(ctx, r, obs)
}

// runStage executes one stage. A non-nil error means the plan must roll back.
func (o *Orchestrator) runStage(ctx context.Context, r *planRun, obs Observer, i int) error {
	stage := r.plan.Stages[i]
	in := o.inputs(r, stage)
	// Stage records are written even while shutting down.
	actx := context.WithoutCancel(ctx)

	r.updateExec(i, func(e *deployment.StageExecution) {
		e.Status = deployment.StageRunning
		e.StartedAt = time.Now().UTC()
		e.LastError = ""
	})
	if _, err := o.deps.Recorder.Append(actx, audit.Entry{
		RequestID: r.req.ID,
		StageID:   stage.ID,
		Actor:     audit.ActorOrchestrator,
		Action:    audit.ActionStageStarted,
		Outcome:   audit.OutcomeOK,
		Detail:    map[string]string{"kind": string(stage.Kind)},
	}); err != nil {
		r.updateExec(i, func(e *deployment.StageExecution) {
			e.Status = deployment.StagePending
			e.StartedAt = time.Time{}
		})
		return fmt.Errorf("%w: stage %s: %w", deployment.ErrAuditWrite, stage.ID, err)
	}
	obs.Event(Event{Type: EventStageStarted, PlanID: r.plan.ID, Stage: stage.ID, Message: "stage started"})

	// In-flight remote calls are not interrupted by cancel or shutdown.
	out, attempts, err := o.deps.Runner.Run(actx, stage, in)

	if err != nil {
		r.updateExec(i, func(e *deployment.StageExecution) {
			e.Status = deployment.StageFailed
			e.Attempts += attempts
			e.LastError = err.Error()
			e.FinishedAt = time.Now().UTC()
		})
		detail := map[string]string{
			"kind":     string(stage.Kind),
			"attempts": strconv.Itoa(attempts),
			"error":    err.Error(),
		}
		var se *executor.StageError
		if errors.As(err, &se) {
			detail["transient"] = strconv.FormatBool(se.Transient)
		}
		o.audit(ctx, r, audit.Entry{
			StageID: stage.ID,
			Actor:   audit.ActorOrchestrator,
			Action:  audit.ActionStageFailed,
			Outcome: audit.OutcomeFailed,
			Detail:  detail,
		})
		obs.Event(Event{Type: EventStageFailed, PlanID: r.plan.ID, Stage: stage.ID, Message: err.Error()})
		if errors.Is(err, deployment.ErrStageFatal) {
			return err
		}
		return fmt.Errorf("%w: %w", deployment.ErrStageFatal, err)
	}

	// The stage took effect remotely. Keep the output for compensation even if
	// the audit append below fails.
	r.mu.Lock()
	r.outputs[i] = maps.Clone(out)
	r.mu.Unlock()

	detail := map[string]string{
		"kind":     string(stage.Kind),
		"attempts": strconv.Itoa(attempts),
	}
	for k, v := range out {
		detail[outputPrefix+k] = v
	}
	if _, err := o.deps.Recorder.Append(actx, audit.Entry{
		RequestID: r.req.ID,
		StageID:   stage.ID,
		Actor:     audit.ActorOrchestrator,
		Action:    audit.ActionStageSucceeded,
		Outcome:   audit.OutcomeOK,
		Detail:    detail,
	}); err != nil {
		cause := fmt.Errorf("%w: %w: stage %s: %w", deployment.ErrStageFatal, deployment.ErrAuditWrite, stage.ID, err)
		r.updateExec(i, func(e *deployment.StageExecution) {
			e.Status = deployment.StageFailed
			e.Attempts += attempts
			e.Output = maps.Clone(out)
			e.LastError = cause.Error()
			e.FinishedAt = time.Now().UTC()
		})
		obs.Event(Event{Type: EventStageFailed, PlanID: r.plan.ID, Stage: stage.ID, Message: cause.Error()})
		return cause
	}

	r.updateExec(i, func(e *deployment.StageExecution) {
		e.Status = deployment.StageSucceeded
		e.Attempts += attempts
		e.Output = maps.Clone(out)
		e.FinishedAt = time.Now().UTC()
	})
	obs.Event(Event{Type: EventStageSucceeded, PlanID: r.plan.ID, Stage: stage.ID, Message: "stage succeeded",
		Fields: map[string]string{"attempts": strconv.Itoa(attempts)}})
	return nil
}

func (o *Orchestrator) commit(ctx context.Context, r *planRun, obs Observer) error {
	if err := o.transition(ctx, r, obs, deployment.StateCommitted); err != nil {
		return err
	}
	values, err := o.releaseAll(ctx, r, nil)
	detail := map[string]string{"consumed": strings.Join(values, ",")}
	if err != nil {
		// The system exists either way. The identifiers stay acquired in the
		// trail and are settled on the next recovery.
		r.setErr(fmt.Errorf("committed with unsettled identifiers: %w", err))
		detail["error"] = err.Error()
	}
	o.audit(ctx, r, audit.Entry{
		Actor:   audit.ActorOrchestrator,
		Action:  audit.ActionPlanCommitted,
		Outcome: audit.OutcomeOK,
		Detail:  detail,
	})
	return nil
}

// releaseAll ends every reservation the plan holds. Identifiers of committed
// plans and of stages that could not be compensated are consumed; the rest go
// back to their pools. It returns the consumed values. A reservation that fails
// to end gets no release entry, which leaves it to settle on recovery.
func (o *Orchestrator) releaseAll(ctx context.Context, r *planRun, residualStages map[string]bool) ([]string, error) {
	committed := r.currentState() == deployment.StateCommitted
	var (
		consumed []string
		errs     []error
	)
	for _, h := range r.heldReservations() {
		if h.ID == "" {
			// Consumed before a crash; nothing is held in the ledger.
			consumed = append(consumed, h.Value)
			continue
		}
		outcome := ledger.OutcomeReleased
		if committed || residualStages[h.StageID] {
			outcome = ledger.OutcomeConsumed
			consumed = append(consumed, h.Value)
		}
		ctx := context.WithoutCancel(ctx)
		if err := o.deps.Ledger.Release(ctx, h.ID, outcome); err != nil && !errors.Is(err, ledger.ErrUnknownReservation) {
			o.logger.Error("failed to release reservation", "plan", r.plan.ID, "reservation", h.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", h.Class, h.Value, err))
			continue
		}
		o.audit(ctx, r, audit.Entry{
			StageID: h.StageID,
			Actor:   audit.ActorOrchestrator,
			Action:  audit.ActionReservationReleased,
			Outcome: string(outcome),
			Detail: map[string]string{
				"reservation": h.ID,
				"class":       string(h.Class),
				"value":       h.Value,
				"bind":        h.Bind,
			},
		})
	}
	return consumed, errors.Join(errs...)
}

// rollbackPlan compensates everything that took effect and ends in RolledBack.
func (o *Orchestrator) rollbackPlan(ctx context.Context, r *planRun, obs Observer, cause error) error {
	// Compensation must run to the end even during shutdown.
	ctx = context.WithoutCancel(ctx)

	if err := o.transition(ctx, r, obs, deployment.StateRollingBack); err != nil {
		return err
	}

	outcome := o.rollback.Compensate(ctx, r.req.ID, r.completed())
	// Stages whose result was lost in a crash cannot be compensated blindly.
	for _, i := range r.inDoubtStages() {
		s := r.plan.Stages[i]
		outcome.Residuals = append(outcome.Residuals, rollback.Residual{
			StageID:      s.ID,
			Kind:         s.Kind,
			Compensation: s.Compensation,
			Resource:     s.Param("name"),
			Error:        "stage outcome unknown after restart",
		})
	}

	done := make(map[string]bool, len(outcome.Compensated))
	for _, id := range outcome.Compensated {
		done[id] = true
	}
	residual := make(map[string]bool, len(outcome.Residuals))
	for _, res := range outcome.Residuals {
		residual[res.StageID] = true
	}
	for i, s := range r.plan.Stages {
		if done[s.ID] {
			r.updateExec(i, func(e *deployment.StageExecution) { e.Status = deployment.StageCompensated })
		}
	}
	_, relErr := o.releaseAll(ctx, r, residual)

	err := cause
	if rerr := outcome.Err(); rerr != nil {
		err = errors.Join(cause, rerr)
	}
	if relErr != nil {
		err = errors.Join(err, fmt.Errorf("unsettled identifiers: %w", relErr))
	}
	if outcome.AuditErr != nil {
		err = errors.Join(err, outcome.AuditErr)
	}
	r.mu.Lock()
	r.outcome = &outcome
	r.err = err
	r.mu.Unlock()

	if err := o.transition(ctx, r, obs, deployment.StateRolledBack); err != nil {
		return err
	}

	result := audit.OutcomeOK
	if !outcome.Clean() {
		result = audit.OutcomeResidual
	}
	detail := map[string]string{
		"cause":       cause.Error(),
		"compensated": strings.Join(outcome.Compensated, ","),
	}
	if len(outcome.Residuals) > 0 {
		raw, _ := json.Marshal(outcome.Residuals)
		detail["residuals"] = string(raw)
	}
	o.audit(ctx, r, audit.Entry{
		Actor:   audit.ActorOrchestrator,
		Action:  audit.ActionPlanRolledBack,
		Outcome: result,
		Detail:  detail,
	})
	return nil
}

// transition moves the plan to a new state. Invalid transitions are bugs and
// are returned as errors.
func (o *Orchestrator) transition(ctx context.Context, r *planRun, obs Observer, to deployment.PlanState) error {
	from := r.currentState()
	if err := deployment.CheckTransition(from, to); err != nil {
		o.logger.Error("refusing plan transition", "plan", r.plan.ID, "error", err)
		r.setErr(err)
		return err
	}
	r.setState(to)
	o.audit(ctx, r, audit.Entry{
		Actor:   audit.ActorOrchestrator,
		Action:  audit.ActionPlanTransition,
		Outcome: audit.OutcomeOK,
		Detail:  map[string]string{"from": string(from), "to": string(to)},
	})
	obs.Event(Event{Type: EventPlanState, PlanID: r.plan.ID, Message: string(from) + " -> " + string(to),
		Fields: map[string]string{"from": string(from), "to": string(to)}})
	return nil
}

// audit appends a plan-level entry. These entries do not gate progress, so a
// failure is logged at error level instead of stopping the plan; stage entries
// are appended directly and do gate progress.
func (o *Orchestrator) audit(ctx context.Context, r *planRun, e audit.Entry) {
	e.RequestID = r.req.ID
	if _, err := o.deps.Recorder.Append(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Error("failed to append audit entry", "request", r.req.ID, "action", e.Action, "error", err)
	}
}
