package executor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/util/labels"
	"github.com/imamik/vmpilot/internal/util/retry"
)

func (e *Executor) run(ctx context.Context, s deployment.Stage, in Inputs) (Output, error) {
	switch s.Kind {
	case deployment.StageAllocateResource:
		return e.allocateResource(ctx, s, in)
	case deployment.StageCreateCompute:
		return e.createCompute(ctx, s, in)
	case deployment.StageConfigureNetwork:
		return e.configureNetwork(ctx, s, in)
	case deployment.StageApplyHardening:
		return e.applyHardening(ctx, s, in)
	case deployment.StageRegisterInventory:
		return e.registerInventory(ctx, s, in)
	case deployment.StageWipeVolume:
		return e.wipeVolume(ctx, s, in)
	default:
		return nil, retry.Fatal(fmt.Errorf("unknown stage kind %q", s.Kind))
	}
}

func (e *Executor) compensate(ctx context.Context, s deployment.Stage, out Output) error {
	switch s.Compensation {
	case deployment.CompensateReleaseResource:
		return e.destroyFrom(ctx, out, deployment.KeyVolumeHandle)
	case deployment.CompensateDestroyCompute:
		return e.destroyFrom(ctx, out, deployment.KeyServerHandle)
	case deployment.CompensateDeregisterInventory:
		return e.destroyFrom(ctx, out, deployment.KeyInventoryHandle)
	case deployment.CompensateDetachNetwork:
		server, err := handleFrom(out, deployment.KeyServerHandle)
		if err != nil {
			return err
		}
		return e.api.Detach(ctx, server, remote.AttachConfig{
			Kind:   remote.AttachNetwork,
			Target: out[deployment.KeyNetwork],
		})
	case deployment.CompensateRevertHardening:
		server, err := handleFrom(out, deployment.KeyServerHandle)
		if err != nil {
			return err
		}
		return e.hardener.Revert(ctx, remote.HardenTarget{
			Server:  server,
			Address: out[deployment.KeyIP],
			Profile: out[deployment.KeyProfile],
		})
	case deployment.CompensateNone:
		return nil
	default:
		return retry.Fatal(fmt.Errorf("unknown compensation %q", s.Compensation))
	}
}

func (e *Executor) allocateResource(ctx context.Context, s deployment.Stage, in Inputs) (Output, error) {
	name := in[deployment.KeyVolumeName]
	if name == "" {
		return nil, retry.Fatal(fmt.Errorf("stage %s: no volume name reserved", s.ID))
	}
	h, err := e.api.Create(ctx, remote.KindVolume, remote.Spec{
		Name: name,
		Params: map[string]string{
			"size_gb":  s.Param("size_gb"),
			"location": s.Param("location"),
		},
		Labels: stageLabels(s, in),
	})
	if err != nil {
		return nil, err
	}
	return Output{
		deployment.KeyVolumeHandle: h.String(),
		deployment.KeyVolumeName:   name,
	}, nil
}

func (e *Executor) createCompute(ctx context.Context, s deployment.Stage, in Inputs) (Output, error) {
	params := map[string]string{
		"server_type": s.Param("server_type"),
		"image":       s.Param("image"),
		"location":    s.Param("location"),
		"cpu":         s.Param("cpu"),
		"memory_gb":   s.Param("memory_gb"),
		"vm_id":       in[deployment.KeyVMID],
	}
	if v := in[deployment.KeyVolumeHandle]; v != "" {
		params[deployment.KeyVolumeHandle] = v
	}

	h, err := e.api.Create(ctx, remote.KindServer, remote.Spec{
		Name:   s.Param("name"),
		Params: params,
		Labels: stageLabels(s, in),
	})
	if err != nil {
		return nil, err
	}

	vmID := in[deployment.KeyVMID]
	if vmID == "" {
		vmID = h.ID
	}
	return Output{
		deployment.KeyServerHandle: h.String(),
		deployment.KeyVMID:         vmID,
	}, nil
}

func (e *Executor) configureNetwork(ctx context.Context, s deployment.Stage, in Inputs) (Output, error) {
	server, err := handleFrom(in, deployment.KeyServerHandle)
	if err != nil {
		return nil, err
	}
	params := map[string]string{}
	if ip := in[deployment.KeyIP]; ip != "" {
		params["ip"] = ip
	}
	if cidr := s.Param("cidr"); cidr != "" {
		params["cidr"] = cidr
	}

	network := s.Param(deployment.KeyNetwork)
	ack, err := e.api.Attach(ctx, server, remote.AttachConfig{
		Kind:   remote.AttachNetwork,
		Target: network,
		Params: params,
	})
	if err != nil {
		return nil, err
	}

	ip := ack.Attrs["ip"]
	if ip == "" {
		ip = in[deployment.KeyIP]
	}
	return Output{
		deployment.KeyServerHandle: server.String(),
		deployment.KeyNetwork:      network,
		deployment.KeyIP:           ip,
	}, nil
}

func (e *Executor) applyHardening(ctx context.Context, s deployment.Stage, in Inputs) (Output, error) {
	server, err := handleFrom(in, deployment.KeyServerHandle)
	if err != nil {
		return nil, err
	}
	target := remote.HardenTarget{
		Server:  server,
		Address: in[deployment.KeyIP],
		Profile: s.Param(deployment.KeyProfile),
	}
	if err := e.hardener.Harden(ctx, target); err != nil {
		return nil, err
	}
	return Output{
		deployment.KeyServerHandle: server.String(),
		deployment.KeyIP:           target.Address,
		deployment.KeyProfile:      target.Profile,
	}, nil
}

func (e *Executor) registerInventory(ctx context.Context, s deployment.Stage, in Inputs) (Output, error) {
	h, err := e.api.Create(ctx, remote.KindInventory, remote.Spec{
		Name: s.Param("name"),
		Params: map[string]string{
			"request_id":               s.Param("request_id"),
			"requester":                s.Param("requester"),
			deployment.KeyServerHandle: in[deployment.KeyServerHandle],
			deployment.KeyVMID:         in[deployment.KeyVMID],
			deployment.KeyIP:           in[deployment.KeyIP],
		},
		Labels: stageLabels(s, in),
	})
	if err != nil {
		return nil, err
	}
	return Output{deployment.KeyInventoryHandle: h.String()}, nil
}

func (e *Executor) wipeVolume(ctx context.Context, s deployment.Stage, in Inputs) (Output, error) {
	volume, err := handleFrom(in, deployment.KeyVolumeHandle)
	if err != nil {
		return nil, err
	}
	ack, err := e.api.Attach(ctx, volume, remote.AttachConfig{Kind: remote.AttachWipe, Target: volume.ID})
	if err != nil {
		return nil, err
	}
	// Adapters that wipe by re-creating the volume report its new handle.
	handle := volume.String()
	if replaced := ack.Attrs[deployment.KeyVolumeHandle]; replaced != "" {
		handle = replaced
	}
	return Output{deployment.KeyVolumeHandle: handle, "wiped": "true"}, nil
}

func (e *Executor) destroyFrom(ctx context.Context, out Output, key string) error {
	h, err := handleFrom(out, key)
	if err != nil {
		return err
	}
	return e.api.Destroy(ctx, h)
}

// handleFrom decodes a handle from a stage payload. A missing or malformed
// handle is a programming error and never retried.
func handleFrom(values map[string]string, key string) (remote.Handle, error) {
	raw, ok := values[key]
	if !ok || raw == "" {
		return remote.Handle{}, retry.Fatal(fmt.Errorf("missing %s", key))
	}
	h, err := remote.ParseHandle(raw)
	if err != nil {
		return remote.Handle{}, retry.Fatal(err)
	}
	return h, nil
}

func stageLabels(s deployment.Stage, in Inputs) map[string]string {
	return labels.NewLabelBuilder(in[InputRequestID]).
		WithStage(string(s.Kind)).
		WithInstance(s.Instance).
		WithRequester(in[InputRequester]).
		Merge(map[string]string{"vmpilot.io/stage-index": strconv.Itoa(s.Index)}).
		Build()
}
