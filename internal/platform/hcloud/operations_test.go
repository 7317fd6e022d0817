package hcloud

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClientMinimal creates a RealClient with test timeouts and no hcloud.Client.
// Use this for tests where no action is awaited.
func testClientMinimal() *RealClient {
	return &RealClient{
		timeouts: testTimeouts(),
		logger:   slog.New(slog.DiscardHandler),
	}
}

func volumeLookup(v *hcloud.Volume, err error) func(context.Context) (*hcloud.Volume, *hcloud.Response, error) {
	return func(context.Context) (*hcloud.Volume, *hcloud.Response, error) {
		return v, nil, err
	}
}

// --- DeleteOperation ---

func TestDeleteOperation_ResourceExists(t *testing.T) {
	t.Parallel()

	vol := &hcloud.Volume{ID: 1, Name: "vol"}
	deleteCalled := false

	op := &DeleteOperation[*hcloud.Volume]{
		Name:         "1",
		ResourceType: "volume",
		Lookup:       volumeLookup(vol, nil),
		Delete: func(_ context.Context, resource *hcloud.Volume) (*hcloud.Response, error) {
			deleteCalled = true
			assert.Equal(t, vol, resource)
			return nil, nil
		},
	}

	require.NoError(t, op.Execute(context.Background(), testClientMinimal()))
	assert.True(t, deleteCalled, "Delete should have been called")
}

func TestDeleteOperation_ResourceNotFound(t *testing.T) {
	t.Parallel()

	op := &DeleteOperation[*hcloud.Volume]{
		Name:         "1",
		ResourceType: "volume",
		Lookup:       volumeLookup(nil, nil),
		Delete: func(_ context.Context, _ *hcloud.Volume) (*hcloud.Response, error) {
			t.Fatal("Delete should not be called for non-existent resource")
			return nil, nil
		},
	}

	require.NoError(t, op.Execute(context.Background(), testClientMinimal()))
}

func TestDeleteOperation_LookupError(t *testing.T) {
	t.Parallel()

	op := &DeleteOperation[*hcloud.Volume]{
		Name:         "1",
		ResourceType: "volume",
		Lookup:       volumeLookup(nil, errors.New("API error")),
		Delete: func(_ context.Context, _ *hcloud.Volume) (*hcloud.Response, error) {
			t.Fatal("Delete should not be called when the lookup fails")
			return nil, nil
		},
	}

	err := op.Execute(context.Background(), testClientMinimal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get volume 1")
	assert.Contains(t, err.Error(), "API error")
}

func TestDeleteOperation_LockedErrorCodesRetried(t *testing.T) {
	t.Parallel()

	for _, code := range []hcloud.ErrorCode{
		hcloud.ErrorCodeLocked,
		hcloud.ErrorCodeConflict,
		hcloud.ErrorCodeResourceLocked,
		hcloud.ErrorCodeResourceUnavailable,
	} {
		t.Run(string(code), func(t *testing.T) {
			t.Parallel()
			attempts := 0
			op := &DeleteOperation[*hcloud.Volume]{
				Name:         "1",
				ResourceType: "volume",
				Lookup:       volumeLookup(&hcloud.Volume{ID: 1}, nil),
				Delete: func(_ context.Context, _ *hcloud.Volume) (*hcloud.Response, error) {
					attempts++
					if attempts < 2 {
						return nil, hcloud.Error{Code: code, Message: "locked"}
					}
					return nil, nil
				},
			}

			require.NoError(t, op.Execute(context.Background(), testClientMinimal()))
			assert.Equal(t, 2, attempts, "error code %s should trigger retry", code)
		})
	}
}

func TestDeleteOperation_OtherErrorsAreFatal(t *testing.T) {
	t.Parallel()

	attempts := 0
	op := &DeleteOperation[*hcloud.Volume]{
		Name:         "1",
		ResourceType: "volume",
		Lookup:       volumeLookup(&hcloud.Volume{ID: 1}, nil),
		Delete: func(_ context.Context, _ *hcloud.Volume) (*hcloud.Response, error) {
			attempts++
			return nil, hcloud.Error{Code: hcloud.ErrorCodeProtected, Message: "delete protection"}
		},
	}

	err := op.Execute(context.Background(), testClientMinimal())
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

// --- EnsureOperation ---

func TestEnsureOperation_CreateNew(t *testing.T) {
	t.Parallel()

	created := &hcloud.Volume{ID: 7, Name: "vol"}
	op := &EnsureOperation[*hcloud.Volume, hcloud.VolumeCreateOpts, any]{
		Name:         "vol",
		ResourceType: "volume",
		Get: func(_ context.Context, name string) (*hcloud.Volume, *hcloud.Response, error) {
			assert.Equal(t, "vol", name)
			return nil, nil, nil
		},
		Create: func(_ context.Context, opts hcloud.VolumeCreateOpts) (*CreateResult[*hcloud.Volume], *hcloud.Response, error) {
			assert.Equal(t, 20, opts.Size)
			return &CreateResult[*hcloud.Volume]{Resource: created}, nil, nil
		},
		CreateOptsMapper: func() hcloud.VolumeCreateOpts {
			return hcloud.VolumeCreateOpts{Name: "vol", Size: 20}
		},
	}

	result, err := op.Execute(context.Background(), testClientMinimal())
	require.NoError(t, err)
	assert.Equal(t, created, result)
}

func TestEnsureOperation_ReturnExisting(t *testing.T) {
	t.Parallel()

	existing := &hcloud.Volume{ID: 42, Name: "vol"}
	op := &EnsureOperation[*hcloud.Volume, hcloud.VolumeCreateOpts, any]{
		Name:         "vol",
		ResourceType: "volume",
		Get: func(_ context.Context, _ string) (*hcloud.Volume, *hcloud.Response, error) {
			return existing, nil, nil
		},
		Create: func(_ context.Context, _ hcloud.VolumeCreateOpts) (*CreateResult[*hcloud.Volume], *hcloud.Response, error) {
			t.Fatal("Create should not be called when resource exists")
			return nil, nil, nil
		},
		CreateOptsMapper: func() hcloud.VolumeCreateOpts { return hcloud.VolumeCreateOpts{} },
	}

	result, err := op.Execute(context.Background(), testClientMinimal())
	require.NoError(t, err)
	assert.Equal(t, existing, result)
}

func TestEnsureOperation_ValidationFails(t *testing.T) {
	t.Parallel()

	op := &EnsureOperation[*hcloud.Volume, hcloud.VolumeCreateOpts, any]{
		Name:         "vol",
		ResourceType: "volume",
		Get: func(_ context.Context, _ string) (*hcloud.Volume, *hcloud.Response, error) {
			return &hcloud.Volume{ID: 42}, nil, nil
		},
		Validate: func(*hcloud.Volume) error {
			return errors.New("volume belongs to another request")
		},
		CreateOptsMapper: func() hcloud.VolumeCreateOpts { return hcloud.VolumeCreateOpts{} },
	}

	_, err := op.Execute(context.Background(), testClientMinimal())
	assert.ErrorContains(t, err, "another request")
}

func TestEnsureOperation_ExistingWithUpdate(t *testing.T) {
	t.Parallel()

	existing := &hcloud.Firewall{ID: 42, Name: "fw"}
	var gotRules int
	op := &EnsureOperation[*hcloud.Firewall, hcloud.FirewallCreateOpts, hcloud.FirewallSetRulesOpts]{
		Name:         "fw",
		ResourceType: "firewall",
		Get: func(_ context.Context, _ string) (*hcloud.Firewall, *hcloud.Response, error) {
			return existing, nil, nil
		},
		Update: func(_ context.Context, fw *hcloud.Firewall, opts hcloud.FirewallSetRulesOpts) ([]*hcloud.Action, *hcloud.Response, error) {
			assert.Equal(t, existing, fw)
			gotRules = len(opts.Rules)
			return nil, nil, nil
		},
		CreateOptsMapper: func() hcloud.FirewallCreateOpts { return hcloud.FirewallCreateOpts{} },
		UpdateOptsMapper: func(*hcloud.Firewall) hcloud.FirewallSetRulesOpts {
			return hcloud.FirewallSetRulesOpts{Rules: hardeningProfiles["ssh-baseline"]}
		},
	}

	_, err := op.Execute(context.Background(), testClientMinimal())
	require.NoError(t, err)
	assert.Equal(t, 2, gotRules)
}

func TestEnsureOperation_CreateError(t *testing.T) {
	t.Parallel()

	op := &EnsureOperation[*hcloud.Volume, hcloud.VolumeCreateOpts, any]{
		Name:         "vol",
		ResourceType: "volume",
		Get: func(_ context.Context, _ string) (*hcloud.Volume, *hcloud.Response, error) {
			return nil, nil, nil
		},
		Create: func(_ context.Context, _ hcloud.VolumeCreateOpts) (*CreateResult[*hcloud.Volume], *hcloud.Response, error) {
			return nil, nil, hcloud.Error{Code: hcloud.ErrorCodeUniquenessError, Message: "name already used"}
		},
		CreateOptsMapper: func() hcloud.VolumeCreateOpts { return hcloud.VolumeCreateOpts{} },
	}

	_, err := op.Execute(context.Background(), testClientMinimal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create volume")
	assert.True(t, isHCloudErrorCode(err, hcloud.ErrorCodeUniquenessError))
}

func TestWaitForActions_NoActions(t *testing.T) {
	t.Parallel()
	// nil client is safe because no actions means no API call
	require.NoError(t, waitForActions(context.Background(), nil))
	require.NoError(t, waitForActions(context.Background(), nil, nil, nil))
}

func TestWaitForActionResult(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	result := &CreateResult[*hcloud.Volume]{
		Action:  &hcloud.Action{ID: 10},
		Actions: []*hcloud.Action{{ID: 11}},
	}
	require.NoError(t, waitForActionResult(context.Background(), ts.client(), result))
}
