package deployment

import "time"

// Decision is the risk gate verdict.
type Decision string

// Risk decisions.
const (
	DecisionAllow             Decision = "allow"
	DecisionRequireEscalation Decision = "require_escalation"
	DecisionDeny              Decision = "deny"
)

// Factor is one contribution to a risk score.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail,omitempty"`
}

// RiskAssessment is the risk gate's output for one request and plan shape.
type RiskAssessment struct {
	RequestID  string    `json:"requestID"`
	Score      float64   `json:"score"`
	Factors    []Factor  `json:"factors"`
	Decision   Decision  `json:"decision"`
	PlanShape  string    `json:"planShape"`
	AssessedAt time.Time `json:"assessedAt"`
}
