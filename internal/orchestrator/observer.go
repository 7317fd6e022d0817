package orchestrator

import (
	"context"
	"log/slog"
	"maps"
	"time"
)

// Observer receives structured plan events.
type Observer interface {
	Event(event Event)
	// WithFields returns an Observer that adds fields to every event.
	WithFields(fields map[string]string) Observer
}

// Event is one structured plan event.
type Event struct {
	Type      EventType
	PlanID    string
	Stage     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// EventType names a plan event.
type EventType string

const (
	// EventPlanState indicates a plan state transition.
	EventPlanState EventType = "plan.state"
	// EventPlanFinished indicates a plan reached a terminal state.
	EventPlanFinished EventType = "plan.finished"
	// EventPlanSuspended indicates a plan stopped at shutdown and can be resumed.
	EventPlanSuspended EventType = "plan.suspended"

	// EventStageStarted indicates a stage started.
	EventStageStarted EventType = "stage.started"
	// EventStageSucceeded indicates a stage succeeded.
	EventStageSucceeded EventType = "stage.succeeded"
	// EventStageFailed indicates a stage failed.
	EventStageFailed EventType = "stage.failed"

	// EventReservationBusy indicates the ledger answered busy.
	EventReservationBusy EventType = "reservation.busy"
	// EventEscalation indicates a plan is waiting for a reviewer.
	EventEscalation EventType = "escalation.waiting"
)

// SlogObserver writes events to a slog.Logger.
type SlogObserver struct {
	logger *slog.Logger
	fields map[string]string
}

// NewSlogObserver creates an observer. A nil logger uses slog.Default().
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{logger: logger, fields: map[string]string{}}
}

// Event implements Observer.
func (o *SlogObserver) Event(event Event) {
	level := slog.LevelInfo
	switch event.Type {
	case EventStageFailed, EventPlanSuspended:
		level = slog.LevelWarn
	case EventReservationBusy, EventStageStarted:
		level = slog.LevelDebug
	}

	attrs := make([]slog.Attr, 0, len(o.fields)+len(event.Fields)+3)
	attrs = append(attrs, slog.String("event", string(event.Type)))
	if event.PlanID != "" {
		attrs = append(attrs, slog.String("plan", event.PlanID))
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", event.Stage))
	}
	for k, v := range o.fields {
		if _, dup := event.Fields[k]; !dup {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	for k, v := range event.Fields {
		attrs = append(attrs, slog.String(k, v))
	}
	o.logger.LogAttrs(context.Background(), level, event.Message, attrs...)
}

// WithFields implements Observer.
func (o *SlogObserver) WithFields(fields map[string]string) Observer {
	merged := maps.Clone(o.fields)
	maps.Copy(merged, fields)
	return &SlogObserver{logger: o.logger, fields: merged}
}
