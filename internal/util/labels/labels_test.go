package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabelBuilder(t *testing.T) {
	t.Parallel()
	got := NewLabelBuilder("req-1").
		WithStage("CreateCompute").
		WithInstance(2).
		WithRequester("alice@example.com").
		Merge(map[string]string{"team": "infra"}).
		Build()

	assert.Equal(t, map[string]string{
		KeyRequest:   "req-1",
		KeyManagedBy: ManagedByVMPilot,
		KeyStage:     "CreateCompute",
		KeyInstance:  "2",
		KeyRequester: "alice-example.com",
		"team":       "infra",
	}, got)
}

func TestLabelBuilder_BuildReturnsCopy(t *testing.T) {
	t.Parallel()
	lb := NewLabelBuilder("req-1")
	first := lb.Build()
	first["mutated"] = "yes"
	assert.NotContains(t, lb.Build(), "mutated")
}

func TestLabelBuilder_EmptyRequesterSkipped(t *testing.T) {
	t.Parallel()
	assert.NotContains(t, NewLabelBuilder("r").WithRequester("").Build(), KeyRequester)
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"simple", "simple"},
		{"with space", "with-space"},
		{"-leading-and-trailing-", "leading-and-trailing"},
		{"a@b/c", "a-b-c"},
		{"0123456789012345678901234567890123456789012345678901234567890123456789", "012345678901234567890123456789012345678901234567890123456789012"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), tt.in)
	}
}

func TestSelectorForRequest(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "vmpilot.io/request=abc", SelectorForRequest("abc"))
}
