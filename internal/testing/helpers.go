package testing

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context that ends with the test. It expires after
// 30 seconds, or a second before the test binary's deadline if that is sooner.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	timeout := 30 * time.Second
	if deadline, ok := t.Deadline(); ok {
		if left := time.Until(deadline) - time.Second; left > 0 && left < timeout {
			timeout = left
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
