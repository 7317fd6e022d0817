// Package escalation routes require_escalation decisions to a human reviewer.
//
// The orchestrator suspends a plan and calls Approver.AwaitDecision with a
// bounded timeout. Broker is the in-process implementation: the HTTP API and
// the CLI call Approve or Deny on it, and a waiting plan resumes with the
// reviewer's verdict. An expired wait reports VerdictTimedOut, which the
// orchestrator treats as a denial.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/imamik/vmpilot/internal/metrics"
)

// Verdict is the result of an escalation.
type Verdict string

// Verdicts.
const (
	VerdictApproved Verdict = "approved"
	VerdictDenied   Verdict = "denied"
	VerdictTimedOut Verdict = "timed_out"
)

// Decision is a verdict together with who made it.
type Decision struct {
	Verdict  Verdict `json:"verdict"`
	Reviewer string  `json:"reviewer,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Approver blocks until a reviewer decides, the timeout expires or ctx is done.
type Approver interface {
	AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (Decision, error)
}

// ErrNotPending is returned when deciding on a request nobody is waiting for.
var ErrNotPending = errors.New("no pending escalation for request")

// Pending describes a plan waiting for review.
type Pending struct {
	RequestID string    `json:"requestID"`
	Since     time.Time `json:"since"`
	Deadline  time.Time `json:"deadline"`
}

type waiter struct {
	pending Pending
	ch      chan Decision
}

// Broker is an in-process Approver. It is safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	now     func() time.Time
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		waiters: make(map[string]*waiter),
		now:     time.Now,
	}
}

// AwaitDecision implements Approver. Only one wait per request is allowed at a time.
func (b *Broker) AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (Decision, error) {
	if timeout <= 0 {
		return Decision{}, fmt.Errorf("escalation timeout must be positive, got %s", timeout)
	}

	now := b.now()
	w := &waiter{
		pending: Pending{RequestID: requestID, Since: now, Deadline: now.Add(timeout)},
		ch:      make(chan Decision, 1),
	}

	b.mu.Lock()
	if _, busy := b.waiters[requestID]; busy {
		b.mu.Unlock()
		return Decision{}, fmt.Errorf("request %s is already awaiting a decision", requestID)
	}
	b.waiters[requestID] = w
	metrics.SetEscalationsPending(len(b.waiters))
	b.mu.Unlock()

	defer b.remove(requestID, w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-w.ch:
		return d, nil
	case <-timer.C:
		return Decision{Verdict: VerdictTimedOut, Reason: "no decision within " + timeout.String()}, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (b *Broker) remove(requestID string, w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiters[requestID] == w {
		delete(b.waiters, requestID)
	}
	metrics.SetEscalationsPending(len(b.waiters))
}

// Approve lets a waiting plan proceed.
func (b *Broker) Approve(requestID, reviewer, reason string) error {
	return b.decide(requestID, Decision{Verdict: VerdictApproved, Reviewer: reviewer, Reason: reason})
}

// Deny rejects a waiting plan.
func (b *Broker) Deny(requestID, reviewer, reason string) error {
	return b.decide(requestID, Decision{Verdict: VerdictDenied, Reviewer: reviewer, Reason: reason})
}

func (b *Broker) decide(requestID string, d Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.waiters[requestID]
	if !ok {
		return fmt.Errorf("%w %s", ErrNotPending, requestID)
	}
	// The waiter is removed here so a second decision cannot block.
	delete(b.waiters, requestID)
	metrics.SetEscalationsPending(len(b.waiters))
	w.ch <- d
	return nil
}

// Pending lists the plans waiting for review, oldest first.
func (b *Broker) Pending() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Pending, 0, len(b.waiters))
	for _, w := range b.waiters {
		out = append(out, w.pending)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// IsPending reports whether a request is waiting for review.
func (b *Broker) IsPending(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiters[requestID]
	return ok
}

// Static answers every escalation with a fixed verdict. Used for dry runs and
// unattended environments that pre-approve or pre-deny escalations.
type Static struct {
	Verdict Verdict
}

// AwaitDecision implements Approver.
func (s Static) AwaitDecision(ctx context.Context, _ string, _ time.Duration) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	return Decision{Verdict: s.Verdict, Reviewer: "policy"}, nil
}
