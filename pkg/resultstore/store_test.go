package resultstore_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/resultstore"
	"github.com/noetl/noetl/test/util"
)

// newTestStore builds a store without the broker K/V tier; mid-size payloads
// then land in the database tier.
func newTestStore(t *testing.T) *resultstore.Store {
	pool, _ := util.SetupTestDatabase(t)
	cfg := config.ResultStoreConfig{
		InlineThreshold: 64,
		KVThreshold:     1024,
		SweepInterval:   time.Minute,
	}
	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	return resultstore.NewStore(cfg, pool, nil, ids)
}

func TestPutGet_InlineTier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"rows":3}`)
	ref, err := store.Put(ctx, resultstore.PutRequest{
		ExecutionID: 100, Name: "fetch", Scope: models.ScopeStep, Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierInline, ref.Tier)
	assert.Equal(t, int64(len(payload)), ref.Size)
	assert.Equal(t, string(payload), ref.Preview)

	got, gotRef, err := store.Get(ctx, ref.URI())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, ref.ID, gotRef.ID)
}

func TestPut_LargePayloadGoesToDatabase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("x"), 200)
	ref, err := store.Put(ctx, resultstore.PutRequest{
		ExecutionID: 100, Name: "fetch", Scope: models.ScopeStep, Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierDatabase, ref.Tier)
	assert.Len(t, ref.Preview, 200, "preview is capped at 1 KiB, not the inline bound")

	got, _, err := store.Get(ctx, ref.URI())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestGet_BadURIs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Get(ctx, "not-a-ref")
	assert.Error(t, err)

	_, _, err = store.Get(ctx, "noetl://execution/100/result/ghost/12345")
	assert.True(t, errors.Is(err, resultstore.ErrNotFound))
}

func TestStream(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ref, err := store.Put(ctx, resultstore.PutRequest{
		ExecutionID: 100, Name: "fetch", Scope: models.ScopeStep, Payload: []byte(`"hello"`),
	})
	require.NoError(t, err)

	rc, _, err := store.Stream(ctx, ref.URI())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(data))
}

func TestResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Inline payloads pass through untouched.
	out, err := store.Resolve(ctx, json.RawMessage(`{"rows":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":3}`, string(out))

	ref, err := store.Put(ctx, resultstore.PutRequest{
		ExecutionID: 100, Name: "fetch", Scope: models.ScopeStep, Payload: []byte(`{"rows":9}`),
	})
	require.NoError(t, err)

	envelope, _ := json.Marshal(map[string]string{"$ref": ref.URI()})
	out, err = store.Resolve(ctx, envelope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":9}`, string(out))
}

func TestListRefs_And_CorrelationKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	idx := 2
	page := 5
	_, err := store.Put(ctx, resultstore.PutRequest{
		ExecutionID: 100, Name: "regions", Scope: models.ScopeStep,
		Payload:        []byte(`"eu"`),
		IterationIndex: &idx, Page: &page, Cursor: "c-5", Batch: "b-1",
		Fields: json.RawMessage(`{"status":200}`),
	})
	require.NoError(t, err)
	_, err = store.Put(ctx, resultstore.PutRequest{
		ExecutionID: 200, Name: "other", Scope: models.ScopeStep, Payload: []byte(`1`),
	})
	require.NoError(t, err)

	refs, err := store.ListRefs(ctx, 100)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.NotNil(t, refs[0].IterationIndex)
	assert.Equal(t, 2, *refs[0].IterationIndex)
	require.NotNil(t, refs[0].Page)
	assert.Equal(t, 5, *refs[0].Page)
	assert.Equal(t, "c-5", refs[0].Cursor)
	assert.Equal(t, "b-1", refs[0].Batch)
	assert.JSONEq(t, `{"status":200}`, string(refs[0].Fields))
}

func TestCleanupExecution_SparesDurableScopes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	put := func(scope models.ResultScope) *models.ResultRef {
		ref, err := store.Put(ctx, resultstore.PutRequest{
			ExecutionID: 100, Name: string(scope), Scope: scope, Payload: []byte(`1`),
		})
		require.NoError(t, err)
		return ref
	}
	stepRef := put(models.ScopeStep)
	execRef := put(models.ScopeExecution)
	wfRef := put(models.ScopeWorkflow)
	permRef := put(models.ScopePermanent)

	require.NoError(t, store.CleanupExecution(ctx, 100))

	_, err := store.LookupRef(ctx, stepRef.URI())
	assert.True(t, errors.Is(err, resultstore.ErrNotFound))
	_, err = store.LookupRef(ctx, execRef.URI())
	assert.True(t, errors.Is(err, resultstore.ErrNotFound))
	_, err = store.LookupRef(ctx, wfRef.URI())
	assert.NoError(t, err)
	_, err = store.LookupRef(ctx, permRef.URI())
	assert.NoError(t, err)
}

func TestSweep_RemovesExpiredRefs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	dead, err := store.Put(ctx, resultstore.PutRequest{
		ExecutionID: 100, Name: "dead", Scope: models.ScopeStep,
		Payload: []byte(`1`), ExpiresAt: &past,
	})
	require.NoError(t, err)
	live, err := store.Put(ctx, resultstore.PutRequest{
		ExecutionID: 100, Name: "live", Scope: models.ScopeStep, Payload: []byte(`2`),
	})
	require.NoError(t, err)

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.LookupRef(ctx, dead.URI())
	assert.True(t, errors.Is(err, resultstore.ErrNotFound))
	_, err = store.LookupRef(ctx, live.URI())
	assert.NoError(t, err)
}

func putPart(t *testing.T, store *resultstore.Store, manifestID int64, index int, executionID int64, payload string) {
	t.Helper()
	ctx := context.Background()
	ref, err := store.Put(ctx, resultstore.PutRequest{
		ExecutionID: executionID, Name: fmt.Sprintf("part-%d", index),
		Scope: models.ScopeStep, Payload: []byte(payload),
	})
	require.NoError(t, err)
	require.NoError(t, store.PutPart(ctx, manifestID, models.ManifestPart{
		PartIndex: index, RefURI: ref.URI(), Size: ref.Size,
	}))
}

func TestManifest_AppendStrategy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.OpenManifest(ctx, 100, "regions", models.CombineAppend, "")
	require.NoError(t, err)
	putPart(t, store, m.ID, 0, 100, `{"region":"eu"}`)
	putPart(t, store, m.ID, 1, 100, `{"region":"us"}`)
	require.NoError(t, store.CloseManifest(ctx, m.ID))

	loaded, err := store.LoadManifest(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Parts, 2)
	require.NotNil(t, loaded.CompletedAt)

	combined, err := store.Combine(ctx, loaded)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"region":"eu"},{"region":"us"}]`, string(combined))
}

func TestManifest_ReplaceStrategy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.OpenManifest(ctx, 100, "latest", models.CombineReplace, "")
	require.NoError(t, err)

	// Empty manifest combines to the strategy's zero value.
	empty, err := store.LoadManifest(ctx, m.ID)
	require.NoError(t, err)
	combined, err := store.Combine(ctx, empty)
	require.NoError(t, err)
	assert.Equal(t, "null", string(combined))

	putPart(t, store, m.ID, 0, 100, `"old"`)
	putPart(t, store, m.ID, 1, 100, `"new"`)

	loaded, err := store.LoadManifest(ctx, m.ID)
	require.NoError(t, err)
	combined, err = store.Combine(ctx, loaded)
	require.NoError(t, err)
	assert.JSONEq(t, `"new"`, string(combined))
}

func TestManifest_MergeStrategy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.OpenManifest(ctx, 100, "settings", models.CombineMerge, "")
	require.NoError(t, err)
	putPart(t, store, m.ID, 0, 100, `{"a":1,"b":1}`)
	putPart(t, store, m.ID, 1, 100, `{"b":2,"c":3}`)

	loaded, err := store.LoadManifest(ctx, m.ID)
	require.NoError(t, err)
	combined, err := store.Combine(ctx, loaded)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2,"c":3}`, string(combined))
}

func TestManifest_ConcatStrategy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.OpenManifest(ctx, 100, "pages", models.CombineConcat, "data.items")
	require.NoError(t, err)
	putPart(t, store, m.ID, 0, 100, `{"data":{"items":[1,2]}}`)
	putPart(t, store, m.ID, 1, 100, `{"data":{"items":[3]}}`)

	loaded, err := store.LoadManifest(ctx, m.ID)
	require.NoError(t, err)
	combined, err := store.Combine(ctx, loaded)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(combined))
}

func TestManifest_PartIdempotenceAndClose(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.OpenManifest(ctx, 100, "regions", models.CombineAppend, "")
	require.NoError(t, err)

	// A retried iteration overwrites its own slot.
	putPart(t, store, m.ID, 0, 100, `"first"`)
	putPart(t, store, m.ID, 0, 100, `"retried"`)

	loaded, err := store.LoadManifest(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Parts, 1)

	combined, err := store.Combine(ctx, loaded)
	require.NoError(t, err)
	assert.JSONEq(t, `["retried"]`, string(combined))

	require.NoError(t, store.CloseManifest(ctx, m.ID))
	require.NoError(t, store.CloseManifest(ctx, m.ID), "closing twice is harmless")

	err = store.PutPart(ctx, m.ID, models.ManifestPart{PartIndex: 1, RefURI: "x"})
	assert.True(t, errors.Is(err, resultstore.ErrManifestClosed))

	err = store.CloseManifest(ctx, 424242)
	assert.True(t, errors.Is(err, resultstore.ErrNotFound))
}
