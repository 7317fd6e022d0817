// Package risk scores deployment requests and decides whether they may run.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/ledger"
)

// Factor names.
const (
	FactorBlastRadius        = "blast_radius"
	FactorSkillTier          = "skill_tier"
	FactorIrreversible       = "irreversible_stages"
	FactorArtifactConfidence = "artifact_confidence"
	FactorLedgerPressure     = "ledger_pressure"
	FactorConfidenceFloor    = "confidence_floor"
)

// LedgerView is the read-only part of the ledger the gate looks at.
type LedgerView interface {
	Snapshot() []ledger.Reservation
	Capacity() map[deployment.IdentifierClass]int
}

// Gate scores requests. It never reserves identifiers or calls the remote API.
type Gate struct {
	policy Policy
	view   LedgerView
	now    func() time.Time
}

// New creates a gate. view may be nil, in which case ledger pressure is zero.
func New(policy Policy, view LedgerView) *Gate {
	return &Gate{policy: policy, view: view, now: time.Now}
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy { return g.policy }

// Assess scores a request against its plan.
func (g *Gate) Assess(req deployment.Request, plan deployment.Plan) deployment.RiskAssessment {
	p := g.policy
	spec := req.Resources

	var factors []deployment.Factor
	add := func(name string, value, weight float64, detail string) {
		factors = append(factors, deployment.Factor{
			Name:   name,
			Weight: round(clamp(value) * weight),
			Detail: detail,
		})
	}

	crit := p.Criticality[spec.Criticality]
	instanceShare := float64(spec.Instances) / float64(p.MaxInstances)
	cpuShare := float64(spec.Instances*spec.CPU) / float64(p.MaxCPU)
	blast := (crit + clamp(instanceShare) + clamp(cpuShare)) / 3
	add(FactorBlastRadius, blast, p.Weights.BlastRadius,
		fmt.Sprintf("%d instance(s), %d vCPU total, criticality %s", spec.Instances, spec.Instances*spec.CPU, spec.Criticality))

	add(FactorSkillTier, p.Tiers[req.Tier], p.Weights.SkillTier, fmt.Sprintf("tier %s", req.Tier))

	irreversible := 0
	for _, s := range plan.Stages {
		if s.Irreversible {
			irreversible++
		}
	}
	if irreversible > 0 {
		add(FactorIrreversible, 1, p.Weights.Irreversible, fmt.Sprintf("%d irreversible stage(s)", irreversible))
	}

	conf := req.Artifact.Confidence
	add(FactorArtifactConfidence, 1-conf, p.Weights.ArtifactConfidence, fmt.Sprintf("confidence %.2f", conf))

	if pressure, detail := g.pressure(); pressure > 0 {
		add(FactorLedgerPressure, pressure, p.Weights.LedgerPressure, detail)
	}

	score := 0.0
	for _, f := range factors {
		score += f.Weight
	}

	// Below the floor the request is denied no matter how small the rest is.
	if conf < p.ConfidenceFloor {
		penalty := round(math.Max(1, p.T2+0.01-score))
		factors = append(factors, deployment.Factor{
			Name:   FactorConfidenceFloor,
			Weight: penalty,
			Detail: fmt.Sprintf("confidence %.2f below floor %.2f", conf, p.ConfidenceFloor),
		})
		score += penalty
	}
	score = round(score)

	return deployment.RiskAssessment{
		RequestID:  req.ID,
		Score:      score,
		Factors:    factors,
		Decision:   p.Decide(score),
		PlanShape:  plan.Shape(),
		AssessedAt: g.now().UTC(),
	}
}

// pressure is the highest share of any pool currently reserved.
func (g *Gate) pressure() (float64, string) {
	if g.view == nil {
		return 0, ""
	}
	capacity := g.view.Capacity()
	used := make(map[deployment.IdentifierClass]int)
	for _, r := range g.view.Snapshot() {
		used[r.Class]++
	}
	var (
		worst      float64
		worstClass deployment.IdentifierClass
	)
	for class, n := range used {
		c := capacity[class]
		if c <= 0 {
			continue
		}
		if share := float64(n) / float64(c); share > worst {
			worst, worstClass = share, class
		}
	}
	if worst == 0 {
		return 0, ""
	}
	return clamp(worst), fmt.Sprintf("%s pool %.0f%% reserved", worstClass, worst*100)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
