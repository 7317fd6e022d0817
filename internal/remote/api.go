// Package remote defines the contract of the remote resource API that stages
// run against, the error classification used for retries, and an in-memory
// fake for tests.
package remote

import (
	"context"
	"fmt"
	"strings"
)

// Kind is the type of a remote resource.
type Kind string

// Resource kinds.
const (
	KindServer    Kind = "server"
	KindVolume    Kind = "volume"
	KindInventory Kind = "inventory"
)

// AttachKind is the type of an attach/detach operation.
type AttachKind string

// Attach kinds.
const (
	AttachNetwork   AttachKind = "network"
	AttachHardening AttachKind = "hardening"
	AttachWipe      AttachKind = "wipe"
)

// Spec describes a resource to create.
type Spec struct {
	// Name is deterministic per request and instance so that a create can be
	// re-driven without producing a duplicate.
	Name   string
	Params map[string]string
	Labels map[string]string
}

// Handle identifies a remote resource.
type Handle struct {
	Kind  Kind              `json:"kind"`
	ID    string            `json:"id"`
	Name  string            `json:"name,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// String encodes the handle as "<kind>/<id>".
func (h Handle) String() string {
	return string(h.Kind) + "/" + h.ID
}

// IsZero reports whether the handle is empty.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// ParseHandle decodes a handle produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok || kind == "" || id == "" {
		return Handle{}, fmt.Errorf("invalid resource handle %q", s)
	}
	return Handle{Kind: Kind(kind), ID: id}, nil
}

// AttachConfig describes what to attach to a resource.
type AttachConfig struct {
	Kind   AttachKind
	Target string
	Params map[string]string
}

// Ack is the result of a successful attach.
type Ack struct {
	Attrs map[string]string
}

// API is the remote resource-management API. Every call is synchronous from
// the caller's perspective and bounded by ctx.
type API interface {
	Create(ctx context.Context, kind Kind, spec Spec) (Handle, error)
	Destroy(ctx context.Context, h Handle) error
	Attach(ctx context.Context, h Handle, cfg AttachConfig) (Ack, error)
	Detach(ctx context.Context, h Handle, cfg AttachConfig) error
}

// HardenTarget is the machine a hardening profile is applied to.
type HardenTarget struct {
	Server  Handle
	Address string
	Profile string
}

// Hardener applies and reverts hardening profiles.
type Hardener interface {
	Harden(ctx context.Context, target HardenTarget) error
	Revert(ctx context.Context, target HardenTarget) error
}

// APIHardener applies hardening as an attach operation of the remote API.
// Reverting is a no-op: destroying the server removes the hardening with it.
type APIHardener struct {
	API API
}

func (h APIHardener) Harden(ctx context.Context, target HardenTarget) error {
	_, err := h.API.Attach(ctx, target.Server, AttachConfig{
		Kind:   AttachHardening,
		Target: target.Profile,
		Params: map[string]string{"address": target.Address},
	})
	return err
}

func (h APIHardener) Revert(context.Context, HardenTarget) error {
	return nil
}
