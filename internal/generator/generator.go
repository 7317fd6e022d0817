// Package generator turns natural-language change requests into
// infrastructure code and deployment requests.
//
// The code generator is an opaque collaborator. Only its output matters here:
// the generated code, a confidence score in [0, 1] and, when the model
// provides one, the resource shape it inferred. Confidence below the risk
// policy's floor makes the risk gate deny the request.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/imamik/vmpilot/internal/artifact"
	"github.com/imamik/vmpilot/internal/deployment"
)

// Result is one generation.
type Result struct {
	Code       string                   `json:"code"`
	Confidence float64                  `json:"confidence"`
	Resources  *deployment.ResourceSpec `json:"resources,omitempty"`
	Hardening  string                   `json:"hardening,omitempty"`
}

// Generator produces code for a prompt, tuned to the requester's tier.
type Generator interface {
	Generate(ctx context.Context, prompt string, tier deployment.Tier) (Result, error)
}

// Static returns a fixed result.
type Static struct {
	Result Result
	Err    error
}

// Generate implements Generator.
func (s Static) Generate(ctx context.Context, prompt string, _ deployment.Tier) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(prompt) == "" {
		return Result{}, errors.New("prompt is empty")
	}
	return s.Result, s.Err
}

// Prompt is a natural-language change request.
type Prompt struct {
	Text      string          `json:"prompt"`
	Requester string          `json:"requester"`
	Tier      deployment.Tier `json:"tier"`
}

// Drafter builds deployment requests from prompts.
type Drafter struct {
	gen      Generator
	store    artifact.Store
	defaults deployment.ResourceSpec
}

// NewDrafter creates a drafter. Fields the generator leaves empty are taken
// from defaults.
func NewDrafter(gen Generator, store artifact.Store, defaults deployment.ResourceSpec) *Drafter {
	return &Drafter{gen: gen, store: store, defaults: defaults}
}

// Draft generates code for p, stores it and returns the resulting request.
// The request is not validated; submission does that.
func (d *Drafter) Draft(ctx context.Context, p Prompt) (deployment.Request, error) {
	res, err := d.gen.Generate(ctx, p.Text, p.Tier)
	if err != nil {
		return deployment.Request{}, fmt.Errorf("failed to generate code: %w", err)
	}
	if res.Code == "" {
		return deployment.Request{}, errors.New("generator returned no code")
	}

	digest, location, err := d.store.Put(ctx, []byte(res.Code))
	if err != nil {
		return deployment.Request{}, fmt.Errorf("failed to store artifact: %w", err)
	}

	spec := d.defaults
	if res.Resources != nil {
		spec = mergeSpec(d.defaults, *res.Resources)
	}

	req := deployment.Request{
		Requester: p.Requester,
		Tier:      p.Tier,
		Resources: spec,
		Artifact: deployment.ArtifactRef{
			ID:         shortDigest(digest),
			Digest:     digest,
			Location:   location,
			Confidence: clamp(res.Confidence),
		},
		Hardening: res.Hardening,
	}
	return req.WithDefaults(), nil
}

func mergeSpec(base, over deployment.ResourceSpec) deployment.ResourceSpec {
	out := base
	if over.Instances > 0 {
		out.Instances = over.Instances
	}
	if over.CPU > 0 {
		out.CPU = over.CPU
	}
	if over.MemoryGB > 0 {
		out.MemoryGB = over.MemoryGB
	}
	if over.StorageGB > 0 {
		out.StorageGB = over.StorageGB
	}
	if over.ServerType != "" {
		out.ServerType = over.ServerType
	}
	if over.Image != "" {
		out.Image = over.Image
	}
	if over.Location != "" {
		out.Location = over.Location
	}
	if over.Network.Name != "" {
		out.Network = over.Network
	}
	if over.Criticality != "" {
		out.Criticality = over.Criticality
	}
	return out
}

func shortDigest(digest string) string {
	hex := strings.TrimPrefix(digest, "sha256:")
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return "art-" + hex
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
