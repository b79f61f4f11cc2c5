package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/resultstore"
	"github.com/noetl/noetl/pkg/template"
	"github.com/noetl/noetl/test/util"
)

func TestRetryPermitted(t *testing.T) {
	policy := &playbook.RetryPolicy{MaxAttempts: 3}

	tests := []struct {
		name    string
		policy  *playbook.RetryPolicy
		attempt int
		kind    ErrorKind
		want    bool
	}{
		{"no policy", nil, 1, KindToolExecution, false},
		{"within attempts", policy, 1, KindToolExecution, true},
		{"attempts exhausted", policy, 3, KindToolExecution, false},
		{"credential failure is deterministic by default", policy, 1, KindCredential, false},
		{"validation failure is deterministic by default", policy, 1, KindInputValidation, false},
		{
			"retry_on opts a deterministic kind in",
			&playbook.RetryPolicy{MaxAttempts: 3, RetryOn: []string{"credential_failure"}},
			1, KindCredential, true,
		},
		{
			"retry_on excludes unlisted kinds",
			&playbook.RetryPolicy{MaxAttempts: 3, RetryOn: []string{"task_timeout"}},
			1, KindToolExecution, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryPermitted(tt.policy, tt.attempt, tt.kind))
		})
	}
}

type stubRenewer struct {
	mu     sync.Mutex
	calls  int
	failOn int
}

func (r *stubRenewer) Renew(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failOn > 0 && r.calls >= r.failOn {
		return errors.New("lease lost")
	}
	return nil
}

func (r *stubRenewer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestKeepLeaseAlive_RenewsUntilFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	renewer := &stubRenewer{failOn: 3}
	keepLeaseAlive(ctx, renewer, time.Millisecond)

	assert.Equal(t, 3, renewer.count(), "keepalive must stop once a renewal fails")
	require.NoError(t, ctx.Err(), "keepalive must return on its own, not via the timeout")
}

func TestKeepLeaseAlive_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	renewer := &stubRenewer{}

	done := make(chan struct{})
	go func() {
		keepLeaseAlive(ctx, renewer, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return renewer.count() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not stop after cancel")
	}
}

func TestHandleFailures_LoopOutOfAttemptsFailsExecution(t *testing.T) {
	pool, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	events := eventlog.NewStore(pool)
	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	eng := New(config.EngineConfig{}, Deps{IDs: ids, Events: events})

	executionID := ids.Next()
	loopCtx, _ := json.Marshal(loopStartContext{Size: 1, Mode: "sequential", Concurrency: 1, ManifestID: 42})
	idx := 0
	seed := []models.Event{
		{EventType: models.EventPlaybookInitialized},
		{EventType: models.EventLoopStarted, NodeID: "loop-1", NodeName: "regions", Context: loopCtx},
		{EventType: models.EventStepStarted, NodeID: "iter-1", NodeName: "regions", LoopName: "regions", CurrentIndex: &idx},
		{EventType: models.EventStepFailed, NodeID: "iter-1", NodeName: "regions", LoopName: "regions", CurrentIndex: &idx,
			Status: "tool_execution", Error: "boom"},
		// The loop advance gave up on the iteration and failed the loop node.
		{EventType: models.EventStepFailed, NodeID: "loop-1", NodeName: "regions",
			Status: "tool_execution", Error: "iteration 0 failed: boom"},
	}
	for i := range seed {
		seed[i].ExecutionID = executionID
		_, err := events.Append(ctx, &seed[i])
		require.NoError(t, err)
	}

	stored, err := events.Read(ctx, executionID, 0, 0)
	require.NoError(t, err)
	proj := Fold(executionID, stored)
	require.Equal(t, models.NodeFailed, proj.Steps["regions"].Latest.Status)

	pb := &playbook.Playbook{
		Path: "examples/loop",
		Steps: []playbook.Step{{
			Name: "regions",
			Kind: "http",
			Loop: &playbook.LoopSpec{Collection: "{{ workload.regions }}", Element: "region"},
		}},
	}
	done, err := eng.handleFailures(ctx, &models.Execution{ID: executionID}, pb, proj, template.Context{})
	require.NoError(t, err)
	assert.True(t, done)

	stored, err = events.Read(ctx, executionID, 0, 0)
	require.NoError(t, err)
	final := Fold(executionID, stored)
	assert.Equal(t, models.ExecutionFailed, final.Status)
	assert.Contains(t, final.Error, "regions")
}

func TestBeginLoop_EmptyCollection(t *testing.T) {
	pool, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	events := eventlog.NewStore(pool)
	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	results := resultstore.NewStore(config.ResultStoreConfig{
		InlineThreshold: 64,
		KVThreshold:     1024,
		SweepInterval:   time.Minute,
	}, pool, nil, ids)
	eng := New(config.EngineConfig{}, Deps{IDs: ids, Events: events, Results: results})

	executionID := ids.Next()
	step := &playbook.Step{
		Name: "fanout",
		Kind: "http",
		Loop: &playbook.LoopSpec{Collection: []any{}, Element: "item"},
	}
	proj := &Projection{ExecutionID: executionID}
	require.NoError(t, eng.beginLoop(ctx, proj, step, template.Context{}))

	stored, err := events.Read(ctx, executionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, models.EventLoopStarted, stored[0].EventType)
	assert.Equal(t, models.EventLoopCompleted, stored[1].EventType)
	assert.JSONEq(t, `[]`, string(stored[1].Result))

	// Zero iterations still get a real, already-closed manifest.
	var lc loopStartContext
	require.NoError(t, json.Unmarshal(stored[0].Context, &lc))
	require.NotZero(t, lc.ManifestID)
	manifest, err := results.LoadManifest(ctx, lc.ManifestID)
	require.NoError(t, err)
	assert.NotNil(t, manifest.CompletedAt)
	assert.Empty(t, manifest.Parts)

	aggregate, err := results.Combine(ctx, manifest)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(aggregate))

	p := Fold(executionID, stored)
	assert.True(t, p.Steps["fanout"].Completed())
	assert.True(t, p.Loops["fanout"].Done)
}
