package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/test/util"
)

func newTestRegistry(t *testing.T) *runtime.Registry {
	pool, _ := util.SetupTestDatabase(t)
	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	return runtime.NewRegistry(pool, ids)
}

func TestRegisterAndList(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, &models.RuntimeRegistration{
		Kind:         "worker",
		Name:         "worker-a",
		Pool:         "default",
		Capabilities: []string{"http", "postgres"},
		Capacity:     8,
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	regs, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, id, regs[0].ID)
	assert.Equal(t, "worker-a", regs[0].Name)
	assert.Equal(t, []string{"http", "postgres"}, regs[0].Capabilities)
	assert.Equal(t, models.RuntimeReady, regs[0].Status)
	assert.False(t, regs[0].LastHeartbeat.IsZero())
}

func TestHeartbeat_RevivesStaleRuntime(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, &models.RuntimeRegistration{Kind: "worker", Name: "w"})
	require.NoError(t, err)

	// An ancient heartbeat marks the runtime offline.
	time.Sleep(10 * time.Millisecond)
	n, err := reg.MarkStale(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	statusOf := func() models.RuntimeStatus {
		regs, err := reg.List(ctx)
		require.NoError(t, err)
		require.Len(t, regs, 1)
		return regs[0].Status
	}
	assert.Equal(t, models.RuntimeOffline, statusOf())

	require.NoError(t, reg.Heartbeat(ctx, id))
	assert.Equal(t, models.RuntimeReady, statusOf())
}

func TestHeartbeat_KeepsDrainingStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, &models.RuntimeRegistration{Kind: "worker", Name: "w"})
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus(ctx, id, models.RuntimeDraining))
	require.NoError(t, reg.Heartbeat(ctx, id))

	regs, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, models.RuntimeDraining, regs[0].Status)
}

func TestMarkStale_SparesFreshRuntimes(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, &models.RuntimeRegistration{Kind: "worker", Name: "fresh"})
	require.NoError(t, err)

	n, err := reg.MarkStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDelete(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, &models.RuntimeRegistration{Kind: "server", Name: "s"})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, id))

	regs, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, regs)
}
