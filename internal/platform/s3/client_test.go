package s3_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/platform/s3"
	"github.com/imamik/vmpilot/internal/platform/s3/s3test"
)

func newClient(t *testing.T, srv *s3test.Server) *s3.Client {
	t.Helper()
	c, err := s3.NewClient(context.Background(), srv.Config("vmpilot-test"))
	require.NoError(t, err)
	require.NoError(t, c.EnsureBucket(context.Background()))
	return c
}

func TestNewClient_RequiresBucket(t *testing.T) {
	t.Parallel()
	_, err := s3.NewClient(context.Background(), s3.Config{Region: "fsn1"})
	assert.Error(t, err)
}

func TestClient_EnsureBucketIdempotent(t *testing.T) {
	t.Parallel()
	srv := s3test.NewServer(t)
	c := newClient(t, srv)
	assert.Equal(t, "vmpilot-test", c.Bucket())
	require.NoError(t, c.EnsureBucket(context.Background()))
}

func TestClient_PutGetListDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := s3test.NewServer(t)
	c := newClient(t, srv)

	require.NoError(t, c.Put(ctx, "audit/a.jsonl", []byte("line\n"), "application/x-ndjson"))
	require.NoError(t, c.Put(ctx, "audit/b.jsonl", []byte("other\n"), ""))
	require.NoError(t, c.Put(ctx, "artifacts/x", []byte("code"), ""))

	data, err := c.Get(ctx, "audit/a.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))

	keys, err := c.List(ctx, "audit/")
	require.NoError(t, err)
	assert.Equal(t, []string{"audit/a.jsonl", "audit/b.jsonl"}, keys)

	require.NoError(t, c.Delete(ctx, "audit/a.jsonl"))
	_, ok := srv.Object("vmpilot-test", "audit/a.jsonl")
	assert.False(t, ok)
}

func TestClient_GetMissing(t *testing.T) {
	t.Parallel()
	srv := s3test.NewServer(t)
	c := newClient(t, srv)

	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, s3.ErrNotFound)
}

func TestClient_PutError(t *testing.T) {
	t.Parallel()
	srv := s3test.NewServer(t)
	c := newClient(t, srv)
	srv.FailPuts(true)

	err := c.Put(context.Background(), "k", []byte("v"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to put object k in bucket vmpilot-test")

	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "AccessDenied", apiErr.ErrorCode())
}
