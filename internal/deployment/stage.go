package deployment

import "fmt"

// StageKind is the closed set of units of work a plan can contain.
type StageKind string

// Stage kinds.
const (
	StageAllocateResource  StageKind = "AllocateResource"
	StageCreateCompute     StageKind = "CreateCompute"
	StageConfigureNetwork  StageKind = "ConfigureNetwork"
	StageApplyHardening    StageKind = "ApplyHardening"
	StageRegisterInventory StageKind = "RegisterInventory"
	StageWipeVolume        StageKind = "WipeVolume"
)

// StageKinds lists every stage kind in canonical plan order.
var StageKinds = []StageKind{
	StageAllocateResource,
	StageCreateCompute,
	StageConfigureNetwork,
	StageApplyHardening,
	StageRegisterInventory,
	StageWipeVolume,
}

// CompensationKind is the closed set of actions that undo a stage.
type CompensationKind string

// Compensation kinds.
const (
	CompensateReleaseResource     CompensationKind = "ReleaseResource"
	CompensateDestroyCompute      CompensationKind = "DestroyCompute"
	CompensateDetachNetwork       CompensationKind = "DetachNetwork"
	CompensateRevertHardening     CompensationKind = "RevertHardening"
	CompensateDeregisterInventory CompensationKind = "DeregisterInventory"
	CompensateNone                CompensationKind = "None"
)

// Compensations maps every stage kind to the action that undoes it.
// RevertHardening is a no-op remotely: destroying the compute removes the hardening with it.
// WipeVolume cannot be undone, so it has no compensation and is flagged irreversible.
var Compensations = map[StageKind]CompensationKind{
	StageAllocateResource:  CompensateReleaseResource,
	StageCreateCompute:     CompensateDestroyCompute,
	StageConfigureNetwork:  CompensateDetachNetwork,
	StageApplyHardening:    CompensateRevertHardening,
	StageRegisterInventory: CompensateDeregisterInventory,
	StageWipeVolume:        CompensateNone,
}

// CompensationFor returns the compensating action for a stage kind.
func CompensationFor(kind StageKind) (CompensationKind, error) {
	c, ok := Compensations[kind]
	if !ok {
		return "", fmt.Errorf("unknown stage kind %q", kind)
	}
	return c, nil
}

// IsIrreversible reports whether a stage kind destroys data that cannot be restored.
func (k StageKind) IsIrreversible() bool {
	return k == StageWipeVolume
}

// Output keys produced by stages and consumed by later ones.
const (
	KeyVolumeHandle    = "volume_handle"
	KeyVolumeName      = "volume_name"
	KeyServerHandle    = "server_handle"
	KeyVMID            = "vm_id"
	KeyIP              = "ip"
	KeyNetwork         = "network"
	KeyProfile         = "profile"
	KeyInventoryHandle = "inventory_handle"
)

// InputRef wires an output of an earlier stage into this stage's inputs.
type InputRef struct {
	FromStage int    `json:"fromStage"`
	Key       string `json:"key"`
	As        string `json:"as"`
}

// Stage is one reversible unit of work in a plan.
type Stage struct {
	ID           string            `json:"id"`
	Index        int               `json:"index"`
	Kind         StageKind         `json:"kind"`
	Instance     int               `json:"instance"`
	Params       map[string]string `json:"params,omitempty"`
	Inputs       []InputRef        `json:"inputs,omitempty"`
	Needs        []Claim           `json:"needs,omitempty"`
	Compensation CompensationKind  `json:"compensation"`
	Irreversible bool              `json:"irreversible,omitempty"`
}

// StageID formats the canonical stage identifier.
func StageID(index int, kind StageKind) string {
	return fmt.Sprintf("%02d-%s", index, kind)
}

// Param returns a static parameter or an empty string.
func (s Stage) Param(key string) string {
	return s.Params[key]
}
