// Package keychain caches credentials and derived tokens, encrypted at rest.
// Entries are scoped to an execution, an execution tree, or globally, and
// auto-renewing tokens are re-derived before their TTL runs out.
package keychain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
)

// ErrCredentialFailure reports that a credential could not be obtained or
// derived. Steps failing on it are retryable.
var ErrCredentialFailure = errors.New("credential failure")

// ErrCredentialSchema reports a credential payload that does not match its
// declared schema. Not retryable — the stored credential itself is wrong.
var ErrCredentialSchema = errors.New("credential schema mismatch")

// TokenProvider derives a short-lived token for a named credential.
type TokenProvider interface {
	Derive(ctx context.Context, name string, params json.RawMessage) (token []byte, ttl time.Duration, err error)
}

// Service is the keychain. All methods are safe for concurrent use; fetches
// of the same entry are serialized so one derivation serves all waiters.
type Service struct {
	cfg      config.KeychainConfig
	pool     *pgxpool.Pool
	box      *cipherBox
	ids      *ident.Allocator
	provider TokenProvider

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService builds the keychain. provider may be nil when token derivation
// is not configured; fetching a token entry then fails cleanly.
func NewService(cfg config.KeychainConfig, pool *pgxpool.Pool, ids *ident.Allocator, provider TokenProvider) (*Service, error) {
	box, err := newCipherBox(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:      cfg,
		pool:     pool,
		box:      box,
		ids:      ids,
		provider: provider,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// PutRequest describes a credential to store.
type PutRequest struct {
	Name      string
	CatalogID int64
	Scope     models.KeychainScope
	ScopeKey  string
	Type      models.CredentialType
	Plaintext []byte
	Schema    json.RawMessage
	AutoRenew bool
	TTL       time.Duration

	// DeriveParams are forwarded to the token provider on renewal.
	DeriveParams json.RawMessage
}

// Put encrypts and stores a credential, replacing any existing entry with
// the same identity.
func (s *Service) Put(ctx context.Context, req PutRequest) (*models.KeychainEntry, error) {
	if err := validateSchema(req.Plaintext, req.Schema); err != nil {
		return nil, err
	}
	ciphertext, err := s.box.seal(req.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialFailure, err)
	}

	now := time.Now().UTC()
	entry := &models.KeychainEntry{
		ID:        s.ids.Next(),
		Name:      req.Name,
		CatalogID: req.CatalogID,
		Scope:     req.Scope,
		ScopeKey:  req.ScopeKey,
		Type:      req.Type,
		Schema:    req.Schema,
		AutoRenew: req.AutoRenew,
		CreatedAt: now,
		ExpiresAt: now.Add(req.TTL),
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO keychain_entries (
			id, name, catalog_id, scope, scope_key, type, ciphertext, schema,
			auto_renew, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (name, catalog_id, scope, scope_key)
		DO UPDATE SET type = EXCLUDED.type, ciphertext = EXCLUDED.ciphertext,
		              schema = EXCLUDED.schema, auto_renew = EXCLUDED.auto_renew,
		              access_count = 0, accessed_at = NULL,
		              created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		entry.ID, entry.Name, entry.CatalogID, entry.Scope, entry.ScopeKey,
		entry.Type, ciphertext, nullableJSON(entry.Schema),
		entry.AutoRenew, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store keychain entry: %w", err)
	}
	return entry, nil
}

// FetchRequest identifies the credential wanted by a step.
type FetchRequest struct {
	Name      string
	CatalogID int64
	Scope     models.KeychainScope
	ScopeKey  string

	// DeriveParams configure token derivation on a cache miss or renewal.
	DeriveParams json.RawMessage
	Schema       json.RawMessage
	AutoRenew    bool
}

// Fetch returns the decrypted credential, deriving or renewing a token when
// the cache misses or the entry nears expiry. Concurrent fetches of one
// entry share a single derivation.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) ([]byte, *models.KeychainEntry, error) {
	lock := s.entryLock(req.Name, req.CatalogID, req.Scope, req.ScopeKey)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	entry, ciphertext, err := s.lookup(ctx, req)
	switch {
	case err == nil && !entry.Expired(now) && !entry.RenewalDue(now):
		plaintext, err := s.box.open(ciphertext)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCredentialFailure, err)
		}
		if err := s.touch(ctx, entry.ID); err != nil {
			slog.Warn("Failed to record keychain access", "name", req.Name, "error", err)
		}
		return plaintext, entry, nil

	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return nil, nil, err
	}

	// Cache miss, expiry, or renewal point: derive a fresh token.
	return s.derive(ctx, req)
}

func (s *Service) derive(ctx context.Context, req FetchRequest) ([]byte, *models.KeychainEntry, error) {
	if s.provider == nil {
		return nil, nil, fmt.Errorf("%w: no token provider configured for %s", ErrCredentialFailure, req.Name)
	}

	deriveCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	token, ttl, err := s.provider.Derive(deriveCtx, req.Name, req.DeriveParams)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: derive %s: %v", ErrCredentialFailure, req.Name, err)
	}
	if ttl > s.cfg.TokenSafetyMargin {
		ttl -= s.cfg.TokenSafetyMargin
	}

	entry, err := s.Put(ctx, PutRequest{
		Name:         req.Name,
		CatalogID:    req.CatalogID,
		Scope:        req.Scope,
		ScopeKey:     req.ScopeKey,
		Type:         models.CredentialToken,
		Plaintext:    token,
		Schema:       req.Schema,
		AutoRenew:    req.AutoRenew,
		TTL:          ttl,
		DeriveParams: req.DeriveParams,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Derived keychain token", "name", req.Name, "scope", req.Scope, "ttl", ttl)
	return token, entry, nil
}

// Delete removes one entry.
func (s *Service) Delete(ctx context.Context, name string, catalogID int64, scope models.KeychainScope, scopeKey string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM keychain_entries
		WHERE name = $1 AND catalog_id = $2 AND scope = $3 AND scope_key = $4`,
		name, catalogID, scope, scopeKey)
	if err != nil {
		return fmt.Errorf("failed to delete keychain entry: %w", err)
	}
	return nil
}

// CleanupExecution drops entries scoped to a finished execution or its tree.
func (s *Service) CleanupExecution(ctx context.Context, executionID int64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM keychain_entries
		WHERE scope IN ($1, $2) AND scope_key = $3`,
		models.KeychainLocal, models.KeychainShared, fmt.Sprintf("%d", executionID))
	if err != nil {
		return fmt.Errorf("failed to cleanup keychain entries: %w", err)
	}
	return nil
}

// SweepExpired deletes entries past their TTL, returning the count.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM keychain_entries WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep keychain: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Service) lookup(ctx context.Context, req FetchRequest) (*models.KeychainEntry, []byte, error) {
	var (
		entry      models.KeychainEntry
		ciphertext []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, catalog_id, scope, scope_key, type, ciphertext, schema,
		       auto_renew, access_count, accessed_at, created_at, expires_at
		FROM keychain_entries
		WHERE name = $1 AND catalog_id = $2 AND scope = $3 AND scope_key = $4`,
		req.Name, req.CatalogID, req.Scope, req.ScopeKey).Scan(
		&entry.ID, &entry.Name, &entry.CatalogID, &entry.Scope, &entry.ScopeKey,
		&entry.Type, &ciphertext, &entry.Schema, &entry.AutoRenew,
		&entry.AccessCount, &entry.AccessedAt, &entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to lookup keychain entry: %w", err)
	}
	return &entry, ciphertext, nil
}

func (s *Service) touch(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE keychain_entries
		SET access_count = access_count + 1, accessed_at = now()
		WHERE id = $1`, id)
	return err
}

func (s *Service) entryLock(name string, catalogID int64, scope models.KeychainScope, scopeKey string) *sync.Mutex {
	key := fmt.Sprintf("%s/%d/%s/%s", name, catalogID, scope, scopeKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// validateSchema checks that a JSON credential carries every field the
// schema's "required" list names. Non-JSON payloads skip validation unless a
// schema is declared.
func validateSchema(plaintext, schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var spec struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &spec); err != nil {
		return fmt.Errorf("%w: invalid schema: %v", ErrCredentialSchema, err)
	}
	if len(spec.Required) == 0 {
		return nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("%w: credential is not a JSON object", ErrCredentialSchema)
	}
	for _, field := range spec.Required {
		if _, ok := payload[field]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrCredentialSchema, field)
		}
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
