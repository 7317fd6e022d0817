package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/executor"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/rollback"
	"github.com/imamik/vmpilot/internal/util/async"
)

// stageReplay is what the audit trail says about one stage.
type stageReplay struct {
	started     bool
	succeeded   bool
	failed      bool
	compensated bool
	attempts    int
	output      executor.Output
	lastError   string
	startedAt   time.Time
	finishedAt  time.Time
}

func (s *stageReplay) inDoubt() bool {
	return s.started && !s.succeeded && !s.failed && !s.compensated
}

// acquired is a reservation the trail shows as still held.
type acquired struct {
	stageID string
	bind    string
	class   deployment.IdentifierClass
	value   string
}

// replay is a plan reconstructed from its audit trail. The trail is the only
// durable record of plan progress.
type replay struct {
	req             deployment.Request
	state           deployment.PlanState
	assessment      *deployment.RiskAssessment
	approved        bool
	cancelRequested bool
	stages          map[string]*stageReplay
	acquired        map[string]acquired
	outcome         *rollback.Outcome
	cause           string
	createdAt       time.Time
	updatedAt       time.Time
}

// parseReplay folds a request's entries into a replay. Requests that were
// rejected at submission have no plan and yield ErrPlanNotFound.
func parseReplay(entries []audit.Entry) (*replay, error) {
	rp := &replay{
		state:    deployment.StatePending,
		stages:   make(map[string]*stageReplay),
		acquired: make(map[string]acquired),
	}
	submitted := false

	stage := func(id string) *stageReplay {
		s, ok := rp.stages[id]
		if !ok {
			s = &stageReplay{}
			rp.stages[id] = s
		}
		return s
	}

	for _, e := range entries {
		rp.updatedAt = e.Timestamp
		switch e.Action {
		case audit.ActionRequestSubmitted:
			if err := json.Unmarshal([]byte(e.Detail["request"]), &rp.req); err != nil {
				return nil, fmt.Errorf("failed to decode submitted request %s: %w", e.RequestID, err)
			}
			rp.createdAt = e.Timestamp
			submitted = true
		case audit.ActionRiskAssessed:
			a := parseAssessment(e)
			rp.assessment = &a
			rp.approved = false
		case audit.ActionEscalationApproved:
			rp.approved = true
		case audit.ActionEscalationDenied, audit.ActionEscalationTimedOut:
			rp.approved = false
		case audit.ActionPlanTransition:
			rp.state = deployment.PlanState(e.Detail["to"])
		case audit.ActionPlanCancelRequested:
			rp.cancelRequested = true
		case audit.ActionReservationAcquired:
			rp.acquired[claimKey(e.StageID, e.Detail["bind"])] = acquired{
				stageID: e.StageID,
				bind:    e.Detail["bind"],
				class:   deployment.IdentifierClass(e.Detail["class"]),
				value:   e.Detail["value"],
			}
		case audit.ActionReservationReleased:
			delete(rp.acquired, claimKey(e.StageID, e.Detail["bind"]))
		case audit.ActionStageStarted:
			s := stage(e.StageID)
			s.started, s.succeeded, s.failed = true, false, false
			s.startedAt = e.Timestamp
		case audit.ActionStageSucceeded:
			s := stage(e.StageID)
			s.succeeded = true
			s.attempts += atoi(e.Detail["attempts"])
			s.output = executor.Output{}
			for k, v := range e.Detail {
				if key, ok := strings.CutPrefix(k, outputPrefix); ok {
					s.output[key] = v
				}
			}
			s.finishedAt = e.Timestamp
		case audit.ActionStageFailed:
			s := stage(e.StageID)
			s.failed = true
			s.attempts += atoi(e.Detail["attempts"])
			s.lastError = e.Detail["error"]
			s.finishedAt = e.Timestamp
		case audit.ActionCompensationSucceeded:
			if e.Outcome == audit.OutcomeOK {
				stage(e.StageID).compensated = true
			}
		case audit.ActionPlanRolledBack:
			out := rollback.Outcome{}
			if c := e.Detail["compensated"]; c != "" {
				out.Compensated = strings.Split(c, ",")
			}
			if raw := e.Detail["residuals"]; raw != "" {
				if err := json.Unmarshal([]byte(raw), &out.Residuals); err != nil {
					return nil, fmt.Errorf("failed to decode residuals of %s: %w", e.RequestID, err)
				}
			}
			rp.outcome = &out
			rp.cause = e.Detail["cause"]
		case audit.ActionPlanDenied:
			rp.cause = e.Detail["reason"]
		}
	}

	if !submitted {
		return nil, fmt.Errorf("%w: no submitted request in audit trail", deployment.ErrPlanNotFound)
	}
	return rp, nil
}

func parseAssessment(e audit.Entry) deployment.RiskAssessment {
	score, _ := strconv.ParseFloat(e.Detail["score"], 64)
	a := deployment.RiskAssessment{
		RequestID:  e.RequestID,
		Score:      score,
		Decision:   deployment.Decision(e.Detail["decision"]),
		PlanShape:  e.Detail["shape"],
		AssessedAt: e.Timestamp,
	}
	for k, v := range e.Detail {
		if name, ok := strings.CutPrefix(k, "factor."); ok {
			w, _ := strconv.ParseFloat(v, 64)
			a.Factors = append(a.Factors, deployment.Factor{Name: name, Weight: w})
		}
	}
	sort.Slice(a.Factors, func(i, j int) bool { return a.Factors[i].Name < a.Factors[j].Name })
	return a
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// sideEffects reports whether the plan got past the decision phase.
func (rp *replay) sideEffects() bool {
	if len(rp.acquired) > 0 || rp.state == deployment.StateRollingBack || rp.state == deployment.StateExecuting {
		return true
	}
	for _, s := range rp.stages {
		if s.started {
			return true
		}
	}
	return false
}

// needsRollback reports whether the plan was already failing when it stopped.
func (rp *replay) needsRollback() bool {
	if rp.state == deployment.StateRollingBack || rp.cancelRequested {
		return true
	}
	for _, s := range rp.stages {
		if s.failed && !s.compensated {
			return true
		}
	}
	return false
}

func (rp *replay) rollbackCause() error {
	if rp.cancelRequested {
		return deployment.ErrCancelled
	}
	for _, s := range rp.stages {
		if s.failed {
			return fmt.Errorf("%w: %s", deployment.ErrStageFatal, s.lastError)
		}
	}
	return fmt.Errorf("%w: rollback interrupted by restart", deployment.ErrStageFatal)
}

// pinned maps claim keys to the values the plan held before it stopped.
func (rp *replay) pinned() map[string]string {
	out := make(map[string]string, len(rp.acquired))
	for k, a := range rp.acquired {
		out[k] = a.value
	}
	return out
}

// kept returns the identifiers a finished plan owns for good but whose release
// is missing from the trail: all of a committed plan's, and those of stages a
// rolled back plan could not compensate.
func (rp *replay) kept() []acquired {
	var residual map[string]bool
	switch rp.state {
	case deployment.StateCommitted:
	case deployment.StateRolledBack:
		if rp.outcome == nil || len(rp.outcome.Residuals) == 0 {
			return nil
		}
		residual = make(map[string]bool, len(rp.outcome.Residuals))
		for _, res := range rp.outcome.Residuals {
			residual[res.StageID] = true
		}
	default:
		return nil
	}

	keys := make([]string, 0, len(rp.acquired))
	for k, a := range rp.acquired {
		if residual == nil || residual[a.stageID] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]acquired, 0, len(keys))
	for _, k := range keys {
		out = append(out, rp.acquired[k])
	}
	return out
}

// restore builds the in-memory run for plan as the trail describes it.
func (rp *replay) restore(plan deployment.Plan) *planRun {
	r := newPlanRun(rp.req, plan)
	r.createdAt = rp.createdAt
	r.updatedAt = rp.updatedAt
	r.assessment = rp.assessment

	for i, st := range plan.Stages {
		s, ok := rp.stages[st.ID]
		if !ok {
			continue
		}
		e := &r.execs[i]
		e.Attempts = s.attempts
		e.StartedAt = s.startedAt
		e.FinishedAt = s.finishedAt
		e.LastError = s.lastError
		switch {
		case s.compensated:
			e.Status = deployment.StageCompensated
			e.Output = s.output
		case s.succeeded:
			e.Status = deployment.StageSucceeded
			e.Output = s.output
			r.outputs[i] = s.output
		case s.failed:
			e.Status = deployment.StageFailed
		case s.inDoubt():
			r.inDoubt = append(r.inDoubt, i)
		}
	}

	if rp.state.IsTerminal() {
		r.state = rp.state
		r.outcome = rp.outcome
		if rp.cause != "" {
			r.err = errors.New(rp.cause)
		}
		if rp.cancelRequested {
			r.requestCancel()
		}
	}
	return r
}

// nextStage returns the index of the first stage that has not succeeded.
func (r *planRun) nextStage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.execs {
		if e.Status != deployment.StageSucceeded {
			return i
		}
	}
	return len(r.execs)
}

// Resume continues a plan from its audit trail. Plans that already finished
// are loaded for Status and reported with ErrTerminal.
func (o *Orchestrator) Resume(ctx context.Context, requestID string) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrShuttingDown
	}
	if o.running(requestID) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, requestID)
	}

	rp, plan, err := o.loadTrail(ctx, requestID)
	if err != nil {
		return err
	}
	if rp.state.IsTerminal() {
		return o.loadFinished(ctx, rp, plan)
	}
	return o.continuePlan(rp, plan)
}

// Recover resumes every unfinished plan found in the audit trail and loads
// finished ones so they can be queried. It returns how many plans resumed.
// Finished plans settle their identifiers before any plan reserves again.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	ids, err := o.deps.Recorder.Requests(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list audited requests: %w", err)
	}

	type unfinished struct {
		rp   *replay
		plan deployment.Plan
	}
	var (
		mu   sync.Mutex
		open []unfinished
	)
	tasks := make([]async.Task, 0, len(ids))
	for _, id := range ids {
		if o.running(id) {
			continue
		}
		tasks = append(tasks, async.Task{
			Name: id,
			Func: func(ctx context.Context) error {
				rp, plan, err := o.loadTrail(ctx, id)
				switch {
				case errors.Is(err, deployment.ErrPlanNotFound):
					return nil
				case err != nil:
					return err
				}
				if rp.state.IsTerminal() {
					if err := o.loadFinished(ctx, rp, plan); !errors.Is(err, ErrTerminal) {
						return err
					}
					return nil
				}
				mu.Lock()
				open = append(open, unfinished{rp: rp, plan: plan})
				mu.Unlock()
				return nil
			},
		})
	}
	if err := async.RunParallel(ctx, tasks, o.cfg.RecoverConcurrency); err != nil {
		return 0, err
	}

	resumed := 0
	var errs []error
	for _, u := range open {
		err := o.continuePlan(u.rp, u.plan)
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			errs = append(errs, err)
		}
	}
	return resumed, errors.Join(errs...)
}

func (o *Orchestrator) running(requestID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[requestID]
	return ok && !r.finished()
}

// loadTrail replays requestID's audit trail and rebuilds its plan.
func (o *Orchestrator) loadTrail(ctx context.Context, requestID string) (*replay, deployment.Plan, error) {
	entries, err := o.deps.Recorder.ByRequest(ctx, requestID)
	if err != nil {
		return nil, deployment.Plan{}, fmt.Errorf("failed to read audit trail of %s: %w", requestID, err)
	}
	if len(entries) == 0 {
		return nil, deployment.Plan{}, fmt.Errorf("%w: %s", deployment.ErrPlanNotFound, requestID)
	}
	rp, err := parseReplay(entries)
	if err != nil {
		return nil, deployment.Plan{}, err
	}
	plan, err := o.deps.Planner.Build(rp.req)
	if err != nil {
		return nil, deployment.Plan{}, fmt.Errorf("failed to rebuild plan %s: %w", requestID, err)
	}
	return rp, plan, nil
}

// loadFinished settles a finished plan's identifiers and registers it for
// Status. It returns ErrTerminal once the plan is settled.
func (o *Orchestrator) loadFinished(ctx context.Context, rp *replay, plan deployment.Plan) error {
	if err := o.settle(ctx, rp); err != nil {
		return err
	}
	r := rp.restore(plan)
	close(r.done)
	o.mu.Lock()
	if _, ok := o.runs[rp.req.ID]; !ok {
		o.runs[rp.req.ID] = r
	}
	o.mu.Unlock()
	return fmt.Errorf("%w: %s is %s", ErrTerminal, rp.req.ID, rp.state)
}

// settle consumes the identifiers a finished plan kept. A plan records its
// terminal state before its reservations end, so a crash in between leaves
// the consumption in the trail only.
func (o *Orchestrator) settle(ctx context.Context, rp *replay) error {
	var errs []error
	for _, a := range rp.kept() {
		if err := o.deps.Ledger.MarkConsumed(ctx, rp.req.ID, a.class, a.value); err != nil {
			errs = append(errs, fmt.Errorf("failed to settle %s %s of %s: %w", a.class, a.value, rp.req.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) continuePlan(rp *replay, plan deployment.Plan) error {
	r := rp.restore(plan)
	r.resume = rp
	o.logger.Info("resuming plan", "plan", rp.req.ID, "state", rp.state, "next_stage", r.nextStage())
	return o.start(r)
}

func (o *Orchestrator) driveResumed(ctx context.Context, r *planRun, obs Observer) error {
	rp := r.resume
	o.audit(ctx, r, audit.Entry{
		Actor:   audit.ActorOrchestrator,
		Action:  audit.ActionPlanResumed,
		Outcome: audit.OutcomeOK,
		Detail: map[string]string{
			"state":     string(rp.state),
			"succeeded": strconv.Itoa(deployment.CountStatus(r.status().Stages, deployment.StageSucceeded)),
			"in_doubt":  strconv.Itoa(len(r.inDoubtStages())),
		},
	})
	if rp.cancelRequested {
		r.requestCancel()
	}

	switch {
	case !rp.sideEffects() && rp.approved && rp.assessment != nil && rp.assessment.PlanShape == r.plan.Shape():
		// The reviewer already approved this plan; do not ask again.
		if err := o.transition(ctx, r, obs, deployment.StateReserving); err != nil {
			return err
		}
		return o.reserveAndExecute(ctx, r, obs, nil)
	case !rp.sideEffects():
		return o.driveFresh(ctx, r, obs)
	case rp.needsRollback():
		o.reclaim(ctx, r, rp)
		return o.rollbackPlan(ctx, r, obs, rp.rollbackCause())
	default:
		if err := o.transition(ctx, r, obs, deployment.StateReserving); err != nil {
			return err
		}
		// Creates are get-or-create by name, so unresolved stages are driven again.
		r.mu.Lock()
		r.inDoubt = nil
		r.mu.Unlock()
		return o.reserveAndExecute(ctx, r, obs, rp.pinned())
	}
}

func (o *Orchestrator) reserveAndExecute(ctx context.Context, r *planRun, obs Observer, pinned map[string]string) error {
	if err := o.reserveAll(ctx, r, obs, pinned); err != nil {
		return err
	}
	if r.currentState() != deployment.StateExecuting {
		return nil
	}
	return o.execute(ctx, r, obs, r.nextStage())
}

// reclaim takes back the identifiers a plan held before it stopped so that
// rollback can release or quarantine them.
func (o *Orchestrator) reclaim(ctx context.Context, r *planRun, rp *replay) {
	keys := make([]string, 0, len(rp.acquired))
	for k := range rp.acquired {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		a := rp.acquired[k]
		res, err := o.deps.Ledger.Reserve(ctx, r.plan.ID, a.class, deployment.Exact(a.value))
		switch {
		case err == nil:
			r.addHeld(held{Reservation: res, StageID: a.stageID, Bind: a.bind})
		case errors.Is(err, ledger.ErrConsumed):
			r.addHeld(held{Reservation: ledger.Reservation{PlanID: r.plan.ID, Class: a.class, Value: a.value}, StageID: a.stageID, Bind: a.bind})
		default:
			o.logger.Warn("could not reclaim identifier for rollback", "plan", r.plan.ID, "class", a.class, "value", a.value, "error", err)
		}
	}
}
