package hcloud

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/util/retry"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code      hcloud.ErrorCode
		want      remote.ErrorKind
		transient bool
	}{
		{hcloud.ErrorCodeLocked, remote.ErrLocked, true},
		{hcloud.ErrorCodeResourceLocked, remote.ErrLocked, true},
		{hcloud.ErrorCodeRateLimitExceeded, remote.ErrRateLimited, true},
		{hcloud.ErrorCodeResourceUnavailable, remote.ErrUnavailable, true},
		{hcloud.ErrorCodeMaintenance, remote.ErrUnavailable, true},
		{"timeout", remote.ErrTimeout, true},
		{hcloud.ErrorCodeNotFound, remote.ErrNotFound, false},
		{hcloud.ErrorCodeConflict, remote.ErrConflict, false},
		{hcloud.ErrorCodeUniquenessError, remote.ErrConflict, false},
		{hcloud.ErrorCodeInvalidInput, remote.ErrInvalid, false},
		{hcloud.ErrorCodeInvalidServerType, remote.ErrInvalid, false},
		{hcloud.ErrorCodeForbidden, remote.ErrForbidden, false},
		{hcloud.ErrorCodeUnauthorized, remote.ErrForbidden, false},
		{"something_new", remote.ErrUnknown, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			src := fmt.Errorf("failed to create server: %w", hcloud.Error{Code: tt.code, Message: "boom"})
			err := classify("create_server", src)

			var re *remote.Error
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.want, re.Kind)
			assert.Equal(t, string(tt.code), re.Code)
			assert.Equal(t, "create_server", re.Op)
			assert.Equal(t, tt.transient, remote.IsTransient(err))
			assert.ErrorIs(t, err, src)
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	t.Parallel()
	assert.NoError(t, classify("op", nil))

	classified := remote.Errorf(remote.ErrConflict, "create_server", "taken")
	var re *remote.Error
	require.True(t, errors.As(classify("create_server", fmt.Errorf("wrapped: %w", classified)), &re))
	assert.Same(t, classified, re)

	err := classify("create_server", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, remote.ErrUnknown, remote.KindOf(err))
	assert.Contains(t, err.Error(), "create_server")
}

func TestClassify_KeepsFatalMarker(t *testing.T) {
	t.Parallel()
	err := classify("create_server", retry.Fatal(hcloud.Error{Code: hcloud.ErrorCodeInvalidInput}))
	assert.True(t, retry.IsFatal(err))
	assert.Equal(t, remote.ErrInvalid, remote.KindOf(err))
}

func TestIsResourceLocked(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "generic error", err: errors.New("something went wrong"), expected: false},
		{name: "locked", err: hcloud.Error{Code: hcloud.ErrorCodeLocked}, expected: true},
		{name: "conflict", err: hcloud.Error{Code: hcloud.ErrorCodeConflict}, expected: true},
		{name: "resource locked", err: hcloud.Error{Code: hcloud.ErrorCodeResourceLocked}, expected: true},
		{name: "resource unavailable", err: hcloud.Error{Code: hcloud.ErrorCodeResourceUnavailable}, expected: true},
		{name: "not found", err: hcloud.Error{Code: hcloud.ErrorCodeNotFound}, expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, isResourceLocked(tt.err))
		})
	}
}

func TestIsInvalidParameter(t *testing.T) {
	t.Parallel()
	assert.True(t, isInvalidParameter(hcloud.Error{Code: hcloud.ErrorCodeInvalidInput}))
	assert.True(t, isInvalidParameter(fmt.Errorf("wrapped: %w", hcloud.Error{Code: hcloud.ErrorCodeInvalidServerType})))
	assert.False(t, isInvalidParameter(hcloud.Error{Code: hcloud.ErrorCodeLocked}))
	assert.False(t, isInvalidParameter(nil))
}

func TestResourceID(t *testing.T) {
	t.Parallel()
	id, err := resourceID(remote.Handle{Kind: remote.KindServer, ID: "42"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, raw := range []string{"", "0", "-1", "abc"} {
		_, err := resourceID(remote.Handle{Kind: remote.KindServer, ID: raw})
		assert.Equal(t, remote.ErrInvalid, remote.KindOf(err), raw)
	}
}
