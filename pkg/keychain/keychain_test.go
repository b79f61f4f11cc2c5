package keychain_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/keychain"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/test/util"
)

// stubProvider hands out numbered tokens and counts derivations.
type stubProvider struct {
	calls atomic.Int64
	ttl   time.Duration
	err   error
}

func (p *stubProvider) Derive(_ context.Context, name string, _ json.RawMessage) ([]byte, time.Duration, error) {
	if p.err != nil {
		return nil, 0, p.err
	}
	n := p.calls.Add(1)
	return []byte(fmt.Sprintf("%s-token-%d", name, n)), p.ttl, nil
}

func testKeychainConfig() config.KeychainConfig {
	return config.KeychainConfig{
		EncryptionKey:     bytes.Repeat([]byte("k"), 32),
		TokenSafetyMargin: time.Second,
		ProviderTimeout:   5 * time.Second,
	}
}

func newTestKeychain(t *testing.T, provider keychain.TokenProvider) *keychain.Service {
	pool, _ := util.SetupTestDatabase(t)
	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	svc, err := keychain.NewService(testKeychainConfig(), pool, ids, provider)
	require.NoError(t, err)
	return svc
}

func TestPutFetch_Secret(t *testing.T) {
	svc := newTestKeychain(t, nil)
	ctx := context.Background()

	secret := []byte(`{"user":"svc","password":"hunter2"}`)
	entry, err := svc.Put(ctx, keychain.PutRequest{
		Name:      "pg_main",
		CatalogID: 7,
		Scope:     models.KeychainLocal,
		ScopeKey:  "100",
		Type:      models.CredentialSecret,
		Plaintext: secret,
		TTL:       time.Hour,
	})
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)

	plaintext, got, err := svc.Fetch(ctx, keychain.FetchRequest{
		Name: "pg_main", CatalogID: 7, Scope: models.KeychainLocal, ScopeKey: "100",
	})
	require.NoError(t, err)
	assert.Equal(t, secret, plaintext)
	assert.Equal(t, entry.ID, got.ID)
}

func TestPut_RejectsSchemaViolation(t *testing.T) {
	svc := newTestKeychain(t, nil)

	_, err := svc.Put(context.Background(), keychain.PutRequest{
		Name:      "api",
		Scope:     models.KeychainGlobal,
		Type:      models.CredentialSecret,
		Plaintext: []byte(`{"host":"db"}`),
		Schema:    json.RawMessage(`{"required":["host","token"]}`),
		TTL:       time.Hour,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, keychain.ErrCredentialSchema))
}

func TestFetch_DerivesOnMiss(t *testing.T) {
	provider := &stubProvider{ttl: time.Hour}
	svc := newTestKeychain(t, provider)
	ctx := context.Background()

	req := keychain.FetchRequest{Name: "gcp", Scope: models.KeychainGlobal}
	token, entry, err := svc.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []byte("gcp-token-1"), token)
	assert.Equal(t, models.CredentialToken, entry.Type)
	assert.Equal(t, int64(1), provider.calls.Load())

	// Second fetch hits the cache; no new derivation.
	token, _, err = svc.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []byte("gcp-token-1"), token)
	assert.Equal(t, int64(1), provider.calls.Load())
}

func TestFetch_RedrivesExpiredToken(t *testing.T) {
	provider := &stubProvider{ttl: time.Millisecond}
	svc := newTestKeychain(t, provider)
	ctx := context.Background()

	req := keychain.FetchRequest{Name: "gcp", Scope: models.KeychainGlobal}
	_, _, err := svc.Fetch(ctx, req)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	token, _, err := svc.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []byte("gcp-token-2"), token)
	assert.Equal(t, int64(2), provider.calls.Load())
}

func TestFetch_NoProviderFailsCleanly(t *testing.T) {
	svc := newTestKeychain(t, nil)

	_, _, err := svc.Fetch(context.Background(), keychain.FetchRequest{
		Name: "ghost", Scope: models.KeychainGlobal,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, keychain.ErrCredentialFailure))
}

func TestFetch_ProviderError(t *testing.T) {
	provider := &stubProvider{err: errors.New("idp is down")}
	svc := newTestKeychain(t, provider)

	_, _, err := svc.Fetch(context.Background(), keychain.FetchRequest{
		Name: "gcp", Scope: models.KeychainGlobal,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, keychain.ErrCredentialFailure))
	assert.Contains(t, err.Error(), "idp is down")
}

func TestDelete(t *testing.T) {
	svc := newTestKeychain(t, nil)
	ctx := context.Background()

	_, err := svc.Put(ctx, keychain.PutRequest{
		Name: "tmp", Scope: models.KeychainLocal, ScopeKey: "100",
		Type: models.CredentialSecret, Plaintext: []byte("x"), TTL: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "tmp", 0, models.KeychainLocal, "100"))

	_, _, err = svc.Fetch(ctx, keychain.FetchRequest{
		Name: "tmp", Scope: models.KeychainLocal, ScopeKey: "100",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, keychain.ErrCredentialFailure))
}

func TestCleanupExecution(t *testing.T) {
	svc := newTestKeychain(t, nil)
	ctx := context.Background()

	put := func(name string, scope models.KeychainScope, scopeKey string) {
		_, err := svc.Put(ctx, keychain.PutRequest{
			Name: name, Scope: scope, ScopeKey: scopeKey,
			Type: models.CredentialSecret, Plaintext: []byte("x"), TTL: time.Hour,
		})
		require.NoError(t, err)
	}
	put("local", models.KeychainLocal, "100")
	put("shared", models.KeychainShared, "100")
	put("global", models.KeychainGlobal, "")

	require.NoError(t, svc.CleanupExecution(ctx, 100))

	_, _, err := svc.Fetch(ctx, keychain.FetchRequest{Name: "local", Scope: models.KeychainLocal, ScopeKey: "100"})
	assert.Error(t, err)
	_, _, err = svc.Fetch(ctx, keychain.FetchRequest{Name: "shared", Scope: models.KeychainShared, ScopeKey: "100"})
	assert.Error(t, err)

	plaintext, _, err := svc.Fetch(ctx, keychain.FetchRequest{Name: "global", Scope: models.KeychainGlobal})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), plaintext)
}

func TestSweepExpired(t *testing.T) {
	svc := newTestKeychain(t, nil)
	ctx := context.Background()

	_, err := svc.Put(ctx, keychain.PutRequest{
		Name: "dead", Scope: models.KeychainGlobal,
		Type: models.CredentialSecret, Plaintext: []byte("x"), TTL: -time.Minute,
	})
	require.NoError(t, err)
	_, err = svc.Put(ctx, keychain.PutRequest{
		Name: "live", Scope: models.KeychainGlobal,
		Type: models.CredentialSecret, Plaintext: []byte("y"), TTL: time.Hour,
	})
	require.NoError(t, err)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	plaintext, _, err := svc.Fetch(ctx, keychain.FetchRequest{Name: "live", Scope: models.KeychainGlobal})
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), plaintext)
}
