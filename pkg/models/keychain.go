package models

import (
	"encoding/json"
	"time"
)

// KeychainScope bounds the visibility and lifetime of a keychain entry.
type KeychainScope string

// Keychain scopes.
const (
	KeychainLocal  KeychainScope = "local"  // owning execution only
	KeychainShared KeychainScope = "shared" // execution tree (parent + children)
	KeychainGlobal KeychainScope = "global" // until token expiry
)

// CredentialType distinguishes stored secrets from derived tokens.
type CredentialType string

// Credential types.
const (
	CredentialSecret CredentialType = "secret" // raw value from the credential store
	CredentialToken  CredentialType = "token"  // derived via a provider request
)

// KeychainEntry is a cached credential or derived token. Payload is encrypted
// at rest; decryption happens only on fetch.
type KeychainEntry struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	CatalogID   int64          `json:"catalog_id"`
	Scope       KeychainScope  `json:"scope"`
	ScopeKey    string         `json:"scope_key"` // execution or tree id; "" for global
	Type        CredentialType `json:"type"`
	Ciphertext  []byte         `json:"-"`
	Schema      json.RawMessage `json:"schema,omitempty"` // optional JSON shape for validation
	AutoRenew   bool           `json:"auto_renew"`
	AccessCount int64          `json:"access_count"`
	AccessedAt  *time.Time     `json:"accessed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *KeychainEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// RenewalDue reports whether >=90% of the entry's lifetime has elapsed, the
// point at which an auto-renew entry is transparently re-derived.
func (e *KeychainEntry) RenewalDue(now time.Time) bool {
	if !e.AutoRenew {
		return false
	}
	ttl := e.ExpiresAt.Sub(e.CreatedAt)
	if ttl <= 0 {
		return true
	}
	return now.Sub(e.CreatedAt) >= ttl*9/10
}
