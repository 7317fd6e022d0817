package risk

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/imamik/vmpilot/internal/deployment"
)

//go:embed policy.yaml
var defaultPolicy []byte

// Weights scale each factor's normalized value into its score contribution.
type Weights struct {
	BlastRadius        float64 `yaml:"blastRadius"`
	SkillTier          float64 `yaml:"skillTier"`
	Irreversible       float64 `yaml:"irreversible"`
	ArtifactConfidence float64 `yaml:"artifactConfidence"`
	LedgerPressure     float64 `yaml:"ledgerPressure"`
}

// Policy holds the thresholds and weights of the risk gate.
type Policy struct {
	T1              float64                            `yaml:"t1"`
	T2              float64                            `yaml:"t2"`
	ConfidenceFloor float64                            `yaml:"confidenceFloor"`
	Weights         Weights                            `yaml:"weights"`
	Criticality     map[deployment.Criticality]float64 `yaml:"criticality"`
	Tiers           map[deployment.Tier]float64        `yaml:"tiers"`
	MaxInstances    int                                `yaml:"maxInstances"`
	MaxCPU          int                                `yaml:"maxCPU"`
}

// DefaultPolicy returns the embedded default policy.
func DefaultPolicy() Policy {
	p, err := ParsePolicy(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("embedded risk policy is invalid: %v", err))
	}
	return p
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to unmarshal risk policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Overrides replaces thresholds that are set (non-zero).
type Overrides struct {
	T1              float64 `yaml:"t1" env:"T1"`
	T2              float64 `yaml:"t2" env:"T2"`
	ConfidenceFloor float64 `yaml:"confidenceFloor" env:"CONFIDENCE_FLOOR"`
}

// WithOverrides returns a copy of p with the set overrides applied.
func (p Policy) WithOverrides(o Overrides) (Policy, error) {
	if o.T1 != 0 {
		p.T1 = o.T1
	}
	if o.T2 != 0 {
		p.T2 = o.T2
	}
	if o.ConfidenceFloor != 0 {
		p.ConfidenceFloor = o.ConfidenceFloor
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks the thresholds are ordered and inside (0, 1).
func (p Policy) Validate() error {
	if p.T1 <= 0 || p.T2 >= 1 || p.T1 > p.T2 {
		return fmt.Errorf("invalid risk thresholds: need 0 < t1 <= t2 < 1, got t1=%.2f t2=%.2f", p.T1, p.T2)
	}
	if p.ConfidenceFloor < 0 || p.ConfidenceFloor > 1 {
		return fmt.Errorf("invalid confidence floor %.2f", p.ConfidenceFloor)
	}
	if p.MaxInstances <= 0 || p.MaxCPU <= 0 {
		return fmt.Errorf("maxInstances and maxCPU must be positive")
	}
	return nil
}

// Decide maps a score onto a decision.
func (p Policy) Decide(score float64) deployment.Decision {
	switch {
	case score < p.T1:
		return deployment.DecisionAllow
	case score <= p.T2:
		return deployment.DecisionRequireEscalation
	default:
		return deployment.DecisionDeny
	}
}
