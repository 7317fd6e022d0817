package testing

import (
	"slices"
	"time"

	"github.com/imamik/vmpilot/internal/deployment"
)

// RequestBuilder provides a fluent interface for constructing test requests.
// Each method returns a new builder (immutable) for chaining.
type RequestBuilder struct {
	req deployment.Request
}

// NewRequestBuilder creates a builder for a valid single-instance request:
// low criticality, intermediate tier, artifact confidence 0.95.
func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{
		req: deployment.Request{
			ID:        "7d3f0c1a-0000-4000-8000-000000000001",
			Requester: "alice@example.com",
			Tier:      deployment.TierIntermediate,
			Resources: deployment.ResourceSpec{
				Instances:   1,
				CPU:         2,
				MemoryGB:    4,
				StorageGB:   0,
				ServerType:  "cx22",
				Image:       "ubuntu-24.04",
				Location:    "nbg1",
				Network:     deployment.NetworkSpec{Name: "vmpilot-private"},
				Criticality: deployment.CriticalityLow,
			},
			Artifact: deployment.ArtifactRef{
				ID:         "artifact-1",
				Digest:     "sha256:0000000000000000000000000000000000000000000000000000000000000000",
				Confidence: 0.95,
			},
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

// WithID sets the request ID.
func (b *RequestBuilder) WithID(id string) *RequestBuilder {
	nb := b.clone()
	nb.req.ID = id
	return nb
}

// WithTier sets the skill tier.
func (b *RequestBuilder) WithTier(tier deployment.Tier) *RequestBuilder {
	nb := b.clone()
	nb.req.Tier = tier
	return nb
}

// WithInstances sets the instance count.
func (b *RequestBuilder) WithInstances(n int) *RequestBuilder {
	nb := b.clone()
	nb.req.Resources.Instances = n
	return nb
}

// WithCPU sets vCPUs per instance.
func (b *RequestBuilder) WithCPU(cpu int) *RequestBuilder {
	nb := b.clone()
	nb.req.Resources.CPU = cpu
	return nb
}

// WithStorage adds a data volume of the given size.
func (b *RequestBuilder) WithStorage(gb int) *RequestBuilder {
	nb := b.clone()
	nb.req.Resources.StorageGB = gb
	return nb
}

// WithCriticality sets the criticality.
func (b *RequestBuilder) WithCriticality(c deployment.Criticality) *RequestBuilder {
	nb := b.clone()
	nb.req.Resources.Criticality = c
	return nb
}

// WithVMID pins the VM ID.
func (b *RequestBuilder) WithVMID(id int) *RequestBuilder {
	nb := b.clone()
	nb.req.Resources.VMID = id
	return nb
}

// WithIP pins the private IP address.
func (b *RequestBuilder) WithIP(ip string) *RequestBuilder {
	nb := b.clone()
	nb.req.Resources.Network.IP = ip
	return nb
}

// WithConfidence sets the artifact confidence.
func (b *RequestBuilder) WithConfidence(c float64) *RequestBuilder {
	nb := b.clone()
	nb.req.Artifact.Confidence = c
	return nb
}

// WithHardening sets the hardening profile.
func (b *RequestBuilder) WithHardening(profile string) *RequestBuilder {
	nb := b.clone()
	nb.req.Hardening = profile
	return nb
}

// WithWipe requests the irreversible volume wipe. It needs storage.
func (b *RequestBuilder) WithWipe() *RequestBuilder {
	nb := b.clone()
	nb.req.Irreversible = append(nb.req.Irreversible, deployment.IrreversibleWipeVolume)
	return nb
}

// Build returns the request.
func (b *RequestBuilder) Build() deployment.Request {
	return b.clone().req
}

// Plan builds the request and its plan, panicking on invalid input.
func (b *RequestBuilder) Plan() (deployment.Request, deployment.Plan) {
	req := b.Build()
	plan, err := deployment.NewPlanner("").Build(req)
	if err != nil {
		panic(err)
	}
	return req, plan
}

func (b *RequestBuilder) clone() *RequestBuilder {
	nb := &RequestBuilder{req: b.req}
	nb.req.Irreversible = slices.Clone(b.req.Irreversible)
	return nb
}
