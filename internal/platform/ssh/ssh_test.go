package ssh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()
	key, _ := testKey(t)

	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{"nil config", nil, "config cannot be nil"},
		{"empty host", &Config{User: "root", PrivateKey: key}, "config host cannot be empty"},
		{"empty user", &Config{Host: "10.0.0.1", PrivateKey: key}, "config user cannot be empty"},
		{"empty key", &Config{Host: "10.0.0.1", User: "root"}, "config private key cannot be empty"},
		{"invalid key", &Config{Host: "10.0.0.1", User: "root", PrivateKey: []byte("invalid key")}, "failed to parse private key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewClient(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewClient_AppliesDefaults(t *testing.T) {
	t.Parallel()
	key, _ := testKey(t)
	cfg := &Config{Host: "10.0.0.1", User: "root", PrivateKey: key}

	client, err := NewClient(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, client.config.Port)
	assert.Equal(t, defaultDialTimeout, client.config.DialTimeout)
	assert.Equal(t, defaultMaxRetries, client.config.MaxRetries)
	assert.Equal(t, defaultRetryDelay, client.config.RetryDelay)
	assert.NotNil(t, client.config.HostKeyCallback)

	// The caller's config is left alone.
	assert.Zero(t, cfg.Port)
	assert.Nil(t, cfg.HostKeyCallback)
}

func TestClient_Execute(t *testing.T) {
	t.Parallel()
	srv := newSSHServer(t, func(cmd string) (string, uint32) {
		if cmd == "false" {
			return "nope\n", 1
		}
		return "ok:" + cmd, 0
	})
	client, err := NewClient(&Config{Host: srv.host, Port: srv.port, User: "root", PrivateKey: srv.key, MaxRetries: 1})
	require.NoError(t, err)

	out, err := client.Execute(context.Background(), "uptime")
	require.NoError(t, err)
	assert.Equal(t, "ok:uptime", out)

	out, err = client.Execute(context.Background(), "false")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "nope\n", out)
	assert.Equal(t, srv.host, cmdErr.Host)
}

func TestClient_Execute_Unreachable(t *testing.T) {
	t.Parallel()
	key, _ := testKey(t)
	client, err := NewClient(&Config{
		Host:        "127.0.0.1",
		Port:        1,
		User:        "root",
		PrivateKey:  key,
		MaxRetries:  2,
		RetryDelay:  time.Millisecond,
		DialTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), "uptime")
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, "127.0.0.1:1", dialErr.Addr)
}

func TestClient_Execute_ContextCancelled(t *testing.T) {
	t.Parallel()
	key, _ := testKey(t)
	client, err := NewClient(&Config{Host: "127.0.0.1", Port: 1, User: "root", PrivateKey: key})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Execute(ctx, "uptime")
	assert.ErrorIs(t, err, context.Canceled)
}
