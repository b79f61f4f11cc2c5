package eventlog_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/test/util"
)

func TestAppend_MonotonicIDs(t *testing.T) {
	pool, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := eventlog.NewStore(pool)

	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	executionID := ids.Next()
	for i := 1; i <= 5; i++ {
		ev := models.Event{
			ExecutionID: executionID,
			EventType:   models.EventStepStarted,
			NodeID:      string(rune('a' + i)),
			NodeName:    "fetch",
		}
		id, err := store.Append(ctx, &ev)
		require.NoError(t, err)
		assert.Equal(t, int64(i), id)
		assert.Equal(t, id, ev.EventID)
	}
}

func TestAppend_DedupReturnsOriginalID(t *testing.T) {
	pool, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := eventlog.NewStore(pool)

	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	executionID := ids.Next()
	first := models.Event{
		ExecutionID: executionID,
		EventType:   models.EventStepCompleted,
		NodeID:      "node-1",
		NodeName:    "fetch",
		Result:      json.RawMessage(`{"rows":3}`),
	}
	originalID, err := store.Append(ctx, &first)
	require.NoError(t, err)

	dup := models.Event{
		ExecutionID: executionID,
		EventType:   models.EventStepCompleted,
		NodeID:      "node-1",
		NodeName:    "fetch",
		Result:      json.RawMessage(`{"rows":99}`),
	}
	dupID, err := store.Append(ctx, &dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, eventlog.ErrDuplicateEvent))
	assert.Equal(t, originalID, dupID)

	// The original payload survives.
	events, err := store.Read(ctx, executionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"rows":3}`, string(events[0].Result))
}

func TestAppend_IsolatesExecutions(t *testing.T) {
	pool, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := eventlog.NewStore(pool)

	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	a, b := ids.Next(), ids.Next()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, &models.Event{
			ExecutionID: a, EventType: models.EventStepStarted,
			NodeID: "a-" + string(rune('0'+i)), NodeName: "fetch",
		})
		require.NoError(t, err)
	}
	id, err := store.Append(ctx, &models.Event{
		ExecutionID: b, EventType: models.EventPlaybookInitialized, NodeID: "init",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id, "each execution numbers its events from 1")
}

func TestRead_FromAndLimit(t *testing.T) {
	pool, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := eventlog.NewStore(pool)

	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	executionID := ids.Next()
	for i := 0; i < 6; i++ {
		_, err := store.Append(ctx, &models.Event{
			ExecutionID: executionID,
			EventType:   models.EventStepStarted,
			NodeID:      "n-" + string(rune('0'+i)),
			NodeName:    "fetch",
		})
		require.NoError(t, err)
	}

	events, err := store.Read(ctx, executionID, 2, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].EventID)
	assert.Equal(t, int64(5), events[2].EventID)

	rest, err := store.Read(ctx, executionID, 5, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(6), rest[0].EventID)
}

func TestFilter(t *testing.T) {
	pool, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := eventlog.NewStore(pool)

	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	executionID := ids.Next()
	put := func(evType models.EventType, nodeID, nodeName, loopName string) {
		_, err := store.Append(ctx, &models.Event{
			ExecutionID: executionID, EventType: evType,
			NodeID: nodeID, NodeName: nodeName, LoopName: loopName,
		})
		require.NoError(t, err)
	}
	put(models.EventStepStarted, "n1", "fetch", "")
	put(models.EventStepCompleted, "n1", "fetch", "")
	put(models.EventStepStarted, "it-0", "regions", "regions")
	put(models.EventStepStarted, "it-1", "regions", "regions")

	byNode, err := store.Filter(ctx, executionID, eventlog.FilterOpts{NodeID: "n1"})
	require.NoError(t, err)
	assert.Len(t, byNode, 2)

	byLoop, err := store.Filter(ctx, executionID, eventlog.FilterOpts{LoopName: "regions"})
	require.NoError(t, err)
	assert.Len(t, byLoop, 2)

	byType, err := store.Filter(ctx, executionID, eventlog.FilterOpts{
		EventType: models.EventStepCompleted,
	})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "n1", byType[0].NodeID)

	none, err := store.Filter(ctx, executionID, eventlog.FilterOpts{NodeName: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEventFields_RoundTrip(t *testing.T) {
	pool, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := eventlog.NewStore(pool)

	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	executionID := ids.Next()
	index := 4
	ev := models.Event{
		ExecutionID:  executionID,
		EventType:    models.EventStepFailed,
		NodeID:       "n1",
		NodeName:     "fetch",
		NodeType:     "http",
		Status:       "tool_execution",
		WorkerID:     "worker-7",
		LoopName:     "regions",
		CurrentIndex: &index,
		Context:      json.RawMessage(`{"attempt":2}`),
		Error:        "connection refused",
	}
	_, err = store.Append(ctx, &ev)
	require.NoError(t, err)

	events, err := store.Read(ctx, executionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, "http", got.NodeType)
	assert.Equal(t, "tool_execution", got.Status)
	assert.Equal(t, "worker-7", got.WorkerID)
	assert.Equal(t, "regions", got.LoopName)
	require.NotNil(t, got.CurrentIndex)
	assert.Equal(t, 4, *got.CurrentIndex)
	assert.JSONEq(t, `{"attempt":2}`, string(got.Context))
	assert.Equal(t, "connection refused", got.Error)
	assert.Nil(t, got.Result)
}
