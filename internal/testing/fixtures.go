package testing

import (
	"github.com/imamik/vmpilot/internal/deployment"
)

// Scenario is a named request together with the decision the default risk
// policy reaches for it.
type Scenario struct {
	Name     string
	Request  deployment.Request
	Decision deployment.Decision
}

// AllowedRequest is small, confident and reversible.
func AllowedRequest() deployment.Request {
	return NewRequestBuilder().Build()
}

// EscalatedRequest asks for an irreversible volume wipe.
func EscalatedRequest() deployment.Request {
	return NewRequestBuilder().
		WithID("e0000000-0000-4000-8000-000000000000").
		WithStorage(20).
		WithWipe().
		Build()
}

// DeniedRequest carries an artifact below the confidence floor.
func DeniedRequest() deployment.Request {
	return NewRequestBuilder().
		WithID("d0000000-0000-4000-8000-000000000000").
		WithTier(deployment.TierExpert).
		WithConfidence(0.5).
		Build()
}

// Scenarios returns one request per risk decision.
func Scenarios() []Scenario {
	return []Scenario{
		{Name: "allow", Request: AllowedRequest(), Decision: deployment.DecisionAllow},
		{Name: "escalate", Request: EscalatedRequest(), Decision: deployment.DecisionRequireEscalation},
		{Name: "deny", Request: DeniedRequest(), Decision: deployment.DecisionDeny},
	}
}
