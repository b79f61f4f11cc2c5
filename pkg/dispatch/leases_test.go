package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/test/util"
)

func newTestLeases(t *testing.T) *dispatch.LeaseStore {
	pool, _ := util.SetupTestDatabase(t)
	return dispatch.NewLeaseStore(pool)
}

func TestLease_CreateAndGet(t *testing.T) {
	store := newTestLeases(t)
	ctx := context.Background()
	deadline := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)

	err := store.Create(ctx, dispatch.TaskLease{
		ExecutionID: 100, NodeID: "n1", NodeName: "fetch", Attempt: 1, Deadline: deadline,
	})
	require.NoError(t, err)

	lease, err := store.Get(ctx, 100, "n1")
	require.NoError(t, err)
	assert.Equal(t, "fetch", lease.NodeName)
	assert.Equal(t, 1, lease.Attempt)
	assert.Empty(t, lease.WorkerID)
	assert.WithinDuration(t, deadline, lease.Deadline, time.Second)
}

func TestLease_RedispatchReplaces(t *testing.T) {
	store := newTestLeases(t)
	ctx := context.Background()

	base := dispatch.TaskLease{
		ExecutionID: 100, NodeID: "n1", NodeName: "fetch",
		WorkerID: "w1", Attempt: 1, Deadline: time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Create(ctx, base))

	base.Attempt = 2
	base.WorkerID = ""
	require.NoError(t, store.Create(ctx, base))

	lease, err := store.Get(ctx, 100, "n1")
	require.NoError(t, err)
	assert.Equal(t, 2, lease.Attempt)
	assert.Empty(t, lease.WorkerID)
}

func TestLease_ClaimAndExtend(t *testing.T) {
	store := newTestLeases(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, dispatch.TaskLease{
		ExecutionID: 100, NodeID: "n1", NodeName: "fetch",
		Attempt: 1, Deadline: time.Now().Add(time.Minute),
	}))
	require.NoError(t, store.Claim(ctx, 100, "n1", "worker-7"))

	later := time.Now().UTC().Add(5 * time.Minute)
	require.NoError(t, store.Extend(ctx, 100, "n1", "worker-7", later))

	lease, err := store.Get(ctx, 100, "n1")
	require.NoError(t, err)
	assert.Equal(t, "worker-7", lease.WorkerID)
	assert.WithinDuration(t, later, lease.Deadline, time.Second)

	// A different worker cannot extend someone else's lease.
	err = store.Extend(ctx, 100, "n1", "impostor", later)
	assert.True(t, errors.Is(err, dispatch.ErrLeaseNotFound))
}

func TestLease_MissingLease(t *testing.T) {
	store := newTestLeases(t)
	ctx := context.Background()

	err := store.Claim(ctx, 100, "ghost", "w1")
	assert.True(t, errors.Is(err, dispatch.ErrLeaseNotFound))

	err = store.Extend(ctx, 100, "ghost", "w1", time.Now())
	assert.True(t, errors.Is(err, dispatch.ErrLeaseNotFound))

	_, err = store.Get(ctx, 100, "ghost")
	assert.True(t, errors.Is(err, dispatch.ErrLeaseNotFound))

	// Release is idempotent.
	assert.NoError(t, store.Release(ctx, 100, "ghost"))
}

func TestLease_Release(t *testing.T) {
	store := newTestLeases(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, dispatch.TaskLease{
		ExecutionID: 100, NodeID: "n1", NodeName: "fetch",
		Attempt: 1, Deadline: time.Now().Add(time.Minute),
	}))
	require.NoError(t, store.Release(ctx, 100, "n1"))

	_, err := store.Get(ctx, 100, "n1")
	assert.True(t, errors.Is(err, dispatch.ErrLeaseNotFound))
}

func TestLease_ClaimExpired(t *testing.T) {
	store := newTestLeases(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, dispatch.TaskLease{
			ExecutionID: 100, NodeID: fmt.Sprintf("expired-%d", i), NodeName: "fetch",
			WorkerID: "w1", Attempt: 1, Deadline: time.Now().Add(-time.Minute),
		}))
	}
	require.NoError(t, store.Create(ctx, dispatch.TaskLease{
		ExecutionID: 100, NodeID: "live", NodeName: "fetch",
		WorkerID: "w1", Attempt: 1, Deadline: time.Now().Add(time.Hour),
	}))

	first, err := store.ClaimExpired(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := store.ClaimExpired(ctx, 10)
	require.NoError(t, err)
	require.Len(t, second, 1, "claimed leases are gone; the live one stays")

	for _, l := range append(first, second...) {
		assert.NotEqual(t, "live", l.NodeID)
	}
	live, err := store.Get(ctx, 100, "live")
	require.NoError(t, err)
	assert.Equal(t, "live", live.NodeID)
}
