package orchestrator

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/executor"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/rollback"
)

// held is a reservation together with the claim it satisfies.
type held struct {
	ledger.Reservation
	StageID string
	Bind    string
}

// planRun is the state of one plan. Only the plan's goroutine writes it;
// the mutex makes snapshots safe for Status callers.
type planRun struct {
	req  deployment.Request
	plan deployment.Plan

	mu         sync.Mutex
	state      deployment.PlanState
	assessment *deployment.RiskAssessment
	execs      []deployment.StageExecution
	outputs    []executor.Output
	held       []held
	inDoubt    []int
	outcome    *rollback.Outcome
	err        error
	createdAt  time.Time
	updatedAt  time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}

	// resume is set when the plan continues from an audit trail.
	resume *replay
}

func newPlanRun(req deployment.Request, plan deployment.Plan) *planRun {
	now := time.Now().UTC()
	return &planRun{
		req:       req,
		plan:      plan,
		state:     deployment.StatePending,
		execs:     deployment.NewExecutions(plan),
		outputs:   make([]executor.Output, plan.Len()),
		createdAt: now,
		updatedAt: now,
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// requestCancel sets the cancel flag. It reports false if it was already set.
func (r *planRun) requestCancel() bool {
	first := false
	r.cancelOnce.Do(func() {
		close(r.cancelCh)
		first = true
	})
	return first
}

func (r *planRun) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// cancellable derives a context that also ends when the plan is cancelled.
func (r *planRun) cancellable(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (r *planRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *planRun) currentState() deployment.PlanState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *planRun) setState(s deployment.PlanState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	r.updatedAt = time.Now().UTC()
}

func (r *planRun) setAssessment(a deployment.RiskAssessment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assessment = &a
}

func (r *planRun) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *planRun) updateExec(i int, fn func(e *deployment.StageExecution)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.execs[i])
	r.updatedAt = time.Now().UTC()
}

func (r *planRun) addHeld(h held) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = append(r.held, h)
}

func (r *planRun) heldReservations() []held {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]held(nil), r.held...)
}

// inDoubtStages returns the indexes of stages that started before a crash and
// were never resolved.
func (r *planRun) inDoubtStages() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.inDoubt...)
}

// completed returns the stages that took effect remotely, in plan order.
func (r *planRun) completed() []rollback.Completed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rollback.Completed
	for i, e := range r.execs {
		if e.Status == deployment.StageSucceeded || (e.Status == deployment.StageFailed && r.outputs[i] != nil) {
			out = append(out, rollback.Completed{Stage: r.plan.Stages[i], Output: maps.Clone(r.outputs[i])})
		}
	}
	return out
}

func (r *planRun) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		PlanID:    r.plan.ID,
		RequestID: r.req.ID,
		Requester: r.req.Requester,
		State:     r.state,
		Cancelled: r.cancelled(),
		Err:       r.err,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
	// A plan still deciding, or denied while deciding, has no executions.
	if !deciding(r.state) {
		st.Stages = make([]deployment.StageExecution, len(r.execs))
		for i, e := range r.execs {
			e.Output = maps.Clone(e.Output)
			st.Stages[i] = e
		}
	}
	if r.assessment != nil {
		a := *r.assessment
		st.Assessment = &a
	}
	if r.outcome != nil {
		o := *r.outcome
		st.Rollback = &o
		st.Residual = !o.Clean()
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	return st
}

func deciding(s deployment.PlanState) bool {
	switch s {
	case deployment.StatePending, deployment.StateAssessing, deployment.StateAwaitingEscalation, deployment.StateDenied:
		return true
	}
	return false
}
