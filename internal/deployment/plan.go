package deployment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/imamik/vmpilot/internal/util/naming"
)

// Plan is the ordered, immutable list of stages derived from one request.
type Plan struct {
	ID        string  `json:"id"`
	RequestID string  `json:"requestID"`
	Stages    []Stage `json:"stages"`
}

// Len returns the number of stages.
func (p Plan) Len() int { return len(p.Stages) }

// Validate enforces the plan invariants: stages are totally ordered, every stage
// only consumes outputs of strictly earlier stages, and every stage declares the
// compensation its kind maps to.
func (p Plan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan %s has no stages", p.ID)
	}
	for i, s := range p.Stages {
		if s.Index != i {
			return fmt.Errorf("stage %s: index %d does not match position %d", s.ID, s.Index, i)
		}
		if s.ID != StageID(i, s.Kind) {
			return fmt.Errorf("stage at position %d: id %q, want %q", i, s.ID, StageID(i, s.Kind))
		}
		want, err := CompensationFor(s.Kind)
		if err != nil {
			return fmt.Errorf("stage %s: %w", s.ID, err)
		}
		if s.Compensation != want {
			return fmt.Errorf("stage %s: compensation %s, want %s", s.ID, s.Compensation, want)
		}
		if s.Irreversible != s.Kind.IsIrreversible() {
			return fmt.Errorf("stage %s: irreversible flag mismatch", s.ID)
		}
		for _, in := range s.Inputs {
			if in.FromStage < 0 || in.FromStage >= i {
				return fmt.Errorf("stage %s: input %q must come from an earlier stage, got stage %d", s.ID, in.Key, in.FromStage)
			}
		}
		binds := make(map[string]bool, len(s.Needs))
		for _, c := range s.Needs {
			if binds[c.Bind] {
				return fmt.Errorf("stage %s: duplicate claim binding %q", s.ID, c.Bind)
			}
			binds[c.Bind] = true
		}
	}
	return nil
}

// Shape returns a stable fingerprint of the plan's stages and parameters.
// A different shape for the same request means the plan must be re-assessed.
func (p Plan) Shape() string {
	// json.Marshal sorts map keys, so the encoding is deterministic.
	data, err := json.Marshal(p.Stages)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Claims returns every identifier claim in plan order.
func (p Plan) Claims() []StageClaim {
	var claims []StageClaim
	for _, s := range p.Stages {
		for _, c := range s.Needs {
			claims = append(claims, StageClaim{StageID: s.ID, Claim: c})
		}
	}
	return claims
}

// StageClaim is a claim together with the stage that declared it.
type StageClaim struct {
	StageID string
	Claim   Claim
}

// Planner derives plans from requests.
type Planner struct {
	// NamePrefix prefixes every remote resource name so it can be found again.
	NamePrefix string
}

// NewPlanner creates a planner with the given resource name prefix.
func NewPlanner(prefix string) *Planner {
	if prefix == "" {
		prefix = naming.DefaultPrefix
	}
	return &Planner{NamePrefix: prefix}
}

// ResourceName returns the deterministic remote name of one instance of a request.
// Re-driven creates reuse the name so adapters can find an earlier attempt.
func (p *Planner) ResourceName(requestID string, instance int) string {
	return naming.Server(p.NamePrefix, requestID, instance)
}

// Build turns a validated request into a plan.
func (p *Planner) Build(req Request) (Plan, error) {
	if err := req.Validate(); err != nil {
		return Plan{}, err
	}

	b := &planBuilder{}
	spec := req.Resources

	for i := 0; i < spec.Instances; i++ {
		name := p.ResourceName(req.ID, i)
		volumeStage := -1

		if spec.StorageGB > 0 {
			volumeStage = b.add(StageAllocateResource, i, map[string]string{
				"owner":    name,
				"size_gb":  strconv.Itoa(spec.StorageGB),
				"location": spec.Location,
			}, nil, []Claim{{Class: ClassVolumeName, Constraint: Any(), Bind: KeyVolumeName}})
		}

		var computeInputs []InputRef
		if volumeStage >= 0 {
			computeInputs = append(computeInputs, InputRef{FromStage: volumeStage, Key: KeyVolumeHandle, As: KeyVolumeHandle})
		}
		vmConstraint := Any()
		if spec.VMID != 0 {
			vmConstraint = Exact(strconv.Itoa(spec.VMID))
		}
		computeStage := b.add(StageCreateCompute, i, map[string]string{
			"name":        name,
			"server_type": spec.ServerType,
			"image":       spec.Image,
			"location":    spec.Location,
			"cpu":         strconv.Itoa(spec.CPU),
			"memory_gb":   strconv.Itoa(spec.MemoryGB),
		}, computeInputs, []Claim{{Class: ClassVMID, Constraint: vmConstraint, Bind: KeyVMID}})

		// Without a pinned address the remote side assigns one on attach.
		var ipClaims []Claim
		if spec.Network.IP != "" {
			ipClaims = []Claim{{Class: ClassIPAddress, Constraint: Exact(spec.Network.IP), Bind: KeyIP}}
		}
		networkStage := b.add(StageConfigureNetwork, i, map[string]string{
			KeyNetwork: spec.Network.Name,
			"cidr":     spec.Network.CIDR,
		}, []InputRef{
			{FromStage: computeStage, Key: KeyServerHandle, As: KeyServerHandle},
		}, ipClaims)

		if req.Hardening != "" {
			b.add(StageApplyHardening, i, map[string]string{
				KeyProfile: req.Hardening,
			}, []InputRef{
				{FromStage: computeStage, Key: KeyServerHandle, As: KeyServerHandle},
				{FromStage: networkStage, Key: KeyIP, As: KeyIP},
			}, nil)
		}

		b.add(StageRegisterInventory, i, map[string]string{
			"request_id": req.ID,
			"requester":  req.Requester,
			"name":       naming.Inventory(p.NamePrefix, req.ID, i),
		}, []InputRef{
			{FromStage: computeStage, Key: KeyServerHandle, As: KeyServerHandle},
			{FromStage: computeStage, Key: KeyVMID, As: KeyVMID},
			{FromStage: networkStage, Key: KeyIP, As: KeyIP},
		}, nil)

		if req.WantsIrreversible(IrreversibleWipeVolume) && volumeStage >= 0 {
			b.add(StageWipeVolume, i, nil, []InputRef{
				{FromStage: volumeStage, Key: KeyVolumeHandle, As: KeyVolumeHandle},
			}, nil)
		}
	}

	plan := Plan{ID: req.ID, RequestID: req.ID, Stages: b.stages}
	if err := plan.Validate(); err != nil {
		return Plan{}, fmt.Errorf("planner produced an invalid plan: %w", err)
	}
	return plan, nil
}

type planBuilder struct {
	stages []Stage
}

func (b *planBuilder) add(kind StageKind, instance int, params map[string]string, inputs []InputRef, needs []Claim) int {
	idx := len(b.stages)
	b.stages = append(b.stages, Stage{
		ID:           StageID(idx, kind),
		Index:        idx,
		Kind:         kind,
		Instance:     instance,
		Params:       params,
		Inputs:       inputs,
		Needs:        needs,
		Compensation: Compensations[kind],
		Irreversible: kind.IsIrreversible(),
	})
	return idx
}
