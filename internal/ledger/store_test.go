package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/deployment"
)

func runStoreContract(t *testing.T, open func(t *testing.T) ConsumedStore) {
	t.Run("empty", func(t *testing.T) {
		s := open(t)
		items, err := s.Load(context.Background())
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("save and load in order", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.Save(ctx, Consumed{Class: deployment.ClassVMID, Value: "101", PlanID: "p1", ConsumedAt: at}))
		require.NoError(t, s.Save(ctx, Consumed{Class: deployment.ClassIPAddress, Value: "10.0.1.2", PlanID: "p1", ConsumedAt: at}))

		items, err := s.Load(ctx)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "101", items[0].Value)
		assert.Equal(t, deployment.ClassIPAddress, items[1].Class)
		assert.True(t, at.Equal(items[0].ConsumedAt))
	})

	t.Run("duplicate save is ignored", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		c := Consumed{Class: deployment.ClassVMID, Value: "7", PlanID: "p1", ConsumedAt: time.Now()}
		require.NoError(t, s.Save(ctx, c))
		c.PlanID = "p2"
		require.NoError(t, s.Save(ctx, c))

		items, err := s.Load(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "p1", items[0].PlanID)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) ConsumedStore {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) ConsumedStore {
		s, err := OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_ReopenFile(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/ledger.db"

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, Consumed{Class: deployment.ClassVMID, Value: "300", PlanID: "p1", ConsumedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	l := New(DefaultPools(), WithStore(s))
	require.NoError(t, l.Load(ctx))
	assert.True(t, l.IsConsumed(deployment.ClassVMID, "300"))
}
