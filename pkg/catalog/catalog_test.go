package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/test/util"
)

const validPlaybook = `
steps:
  - name: fetch
    kind: http
    tool:
      http:
        method: GET
        url: "https://example.com"
`

func newTestCatalog(t *testing.T) *catalog.Service {
	pool, _ := util.SetupTestDatabase(t)
	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	return catalog.NewService(pool, ids)
}

func TestRegister_AssignsIncrementingVersions(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, "examples/fetch", []byte(validPlaybook), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.NotZero(t, first.ID)

	second, err := svc.Register(ctx, "examples/fetch", []byte(validPlaybook), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.ID, second.ID)

	// Versions are per path.
	other, err := svc.Register(ctx, "examples/other", []byte(validPlaybook), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version)
}

func TestRegister_RejectsInvalidPlaybook(t *testing.T) {
	svc := newTestCatalog(t)

	_, err := svc.Register(context.Background(), "bad", []byte("steps: []"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid playbook")
}

func TestRegister_RejectsPathMismatch(t *testing.T) {
	svc := newTestCatalog(t)

	content := []byte("path: declared/path\n" + validPlaybook)
	_, err := svc.Register(context.Background(), "registered/path", content, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares path")
}

func TestFetch_LatestAndSpecific(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	v1 := []byte(validPlaybook)
	v2 := []byte(validPlaybook + "workload:\n  env: prod\n")
	_, err := svc.Register(ctx, "examples/fetch", v1, nil)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "examples/fetch", v2, nil)
	require.NoError(t, err)

	latest, err := svc.Fetch(ctx, "examples/fetch", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, v2, []byte(latest.Content))

	pinned, err := svc.Fetch(ctx, "examples/fetch", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pinned.Version)
	assert.Equal(t, v1, []byte(pinned.Content))
}

func TestFetch_NotFound(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	_, err := svc.Fetch(ctx, "ghost", 0)
	assert.True(t, errors.Is(err, catalog.ErrNotFound))

	_, err = svc.Register(ctx, "examples/fetch", []byte(validPlaybook), nil)
	require.NoError(t, err)
	_, err = svc.Fetch(ctx, "examples/fetch", 9)
	assert.True(t, errors.Is(err, catalog.ErrNotFound))

	_, err = svc.FetchByID(ctx, 12345)
	assert.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestList_NewestVersionPerPath(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Register(ctx, "examples/a", []byte(validPlaybook), nil)
		require.NoError(t, err)
	}
	_, err := svc.Register(ctx, "examples/b", []byte(validPlaybook), nil)
	require.NoError(t, err)

	entries, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byPath := make(map[string]int)
	for _, e := range entries {
		byPath[e.Path] = e.Version
	}
	assert.Equal(t, 3, byPath["examples/a"])
	assert.Equal(t, 1, byPath["examples/b"])
}

func TestLoadPlaybook(t *testing.T) {
	svc := newTestCatalog(t)
	ctx := context.Background()

	entry, err := svc.Register(ctx, "examples/fetch", []byte(validPlaybook), nil)
	require.NoError(t, err)

	pb, got, err := svc.LoadPlaybook(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	require.Len(t, pb.Steps, 1)
	assert.Equal(t, "fetch", pb.Steps[0].Name)
}
