package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/deployment"
)

func collect(p Pool, limit int) []string {
	var out []string
	p.Each(func(v string) bool {
		out = append(out, v)
		return len(out) < limit
	})
	return out
}

func TestPrefixPool(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		cidr      string
		skip      int
		wantSize  int
		wantFirst []string
		wantErr   bool
	}{
		{name: "slash 24 skip gateway", cidr: "10.0.1.0/24", skip: 1, wantSize: 253, wantFirst: []string{"10.0.1.2", "10.0.1.3"}},
		{name: "ipv6 rejected", cidr: "fd00::/64", wantErr: true},
		{name: "garbage", cidr: "nope", wantErr: true},
		{name: "too small", cidr: "10.0.0.0/31", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewPrefixPool(deployment.ClassIPAddress, tt.cidr, tt.skip)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, p.Size())
			assert.Len(t, collect(p, 1000), tt.wantSize)
			if len(tt.wantFirst) > 0 {
				assert.Equal(t, tt.wantFirst, collect(p, len(tt.wantFirst)))
			}
		})
	}
}

func TestPrefixPool_Slash30(t *testing.T) {
	t.Parallel()
	p, err := NewPrefixPool(deployment.ClassIPAddress, "192.168.5.77/30", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.5.77", "192.168.5.78"}, collect(p, 10))
	assert.Negative(t, p.Compare("192.168.5.77", "192.168.5.78"))
}

func TestRangePool(t *testing.T) {
	t.Parallel()
	p, err := NewRangePool(deployment.ClassVMID, 5, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Size())
	assert.Equal(t, []string{"5", "6", "7"}, collect(p, 10))

	v, err := p.Normalize(" 0042 ")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
	_, err = p.Normalize("-1")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewRangePool(deployment.ClassVMID, 9, 1)
	assert.Error(t, err)
}

func TestNamePool(t *testing.T) {
	t.Parallel()
	p, err := NewNamePool(deployment.ClassVolumeName, "data", 12)
	require.NoError(t, err)
	assert.Equal(t, []string{"data-0", "data-1"}, collect(p, 2))
	assert.Negative(t, p.Compare("data-2", "data-10"), "numeric, not lexical")

	_, err = p.Normalize("has space")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewNamePool(deployment.ClassVolumeName, "", 3)
	assert.Error(t, err)
}

func TestDefaultPools(t *testing.T) {
	t.Parallel()
	pools := DefaultPools()
	require.Len(t, pools, 3)
	classes := map[deployment.IdentifierClass]bool{}
	for _, p := range pools {
		require.NotNil(t, p)
		classes[p.Class()] = true
	}
	assert.True(t, classes[deployment.ClassVMID])
	assert.True(t, classes[deployment.ClassIPAddress])
	assert.True(t, classes[deployment.ClassVolumeName])
}
