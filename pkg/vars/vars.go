// Package vars stores per-execution transient variables: user-defined
// values, cached step results, computed expressions, and iterator state.
// Writes go through to the database so a restarted engine sees the same
// values; reads hit the in-process cache first.
package vars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/models"
)

// ErrNotFound reports a missing or expired variable.
var ErrNotFound = errors.New("variable not found")

// Store manages transient variables for all executions on this instance.
type Store struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	cache map[cacheKey]*models.TransientVar
}

type cacheKey struct {
	executionID int64
	name        string
}

// NewStore builds a variable store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, cache: make(map[cacheKey]*models.TransientVar)}
}

// Set writes a variable through to the database and cache. Setting an
// existing name replaces its value and type.
func (s *Store) Set(ctx context.Context, executionID int64, name string, varType models.VarType, value json.RawMessage, ttl time.Duration) error {
	now := time.Now().UTC()
	v := &models.TransientVar{
		ExecutionID: executionID,
		Name:        name,
		Type:        varType,
		Value:       value,
		CreatedAt:   now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		v.ExpiresAt = &expires
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transient_vars (execution_id, name, type, value, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (execution_id, name)
		DO UPDATE SET type = EXCLUDED.type, value = EXCLUDED.value,
		              created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		v.ExecutionID, v.Name, v.Type, nullableJSON(v.Value), v.CreatedAt, v.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to set variable %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[cacheKey{executionID, name}] = v
	s.mu.Unlock()
	return nil
}

// Get returns a variable's value, counting the access. Expired variables
// read as missing.
func (s *Store) Get(ctx context.Context, executionID int64, name string) (json.RawMessage, error) {
	now := time.Now().UTC()

	s.mu.RLock()
	v, ok := s.cache[cacheKey{executionID, name}]
	s.mu.RUnlock()

	if !ok {
		loaded, err := s.load(ctx, executionID, name)
		if err != nil {
			return nil, err
		}
		v = loaded
		s.mu.Lock()
		s.cache[cacheKey{executionID, name}] = v
		s.mu.Unlock()
	}

	if v.ExpiresAt != nil && !now.Before(*v.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s (expired)", ErrNotFound, name)
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE transient_vars SET access_count = access_count + 1, accessed_at = now()
		WHERE execution_id = $1 AND name = $2`, executionID, name); err != nil {
		return nil, fmt.Errorf("failed to count variable access: %w", err)
	}
	return v.Value, nil
}

// All returns every live variable of an execution as a name-value map, for
// seeding expression evaluation contexts.
func (s *Store) All(ctx context.Context, executionID int64) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, value FROM transient_vars
		WHERE execution_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			name  string
			value json.RawMessage
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// Delete removes one variable.
func (s *Store) Delete(ctx context.Context, executionID int64, name string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM transient_vars WHERE execution_id = $1 AND name = $2`,
		executionID, name); err != nil {
		return fmt.Errorf("failed to delete variable %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.cache, cacheKey{executionID, name})
	s.mu.Unlock()
	return nil
}

// CleanupExecution drops all variables of a finished execution.
func (s *Store) CleanupExecution(ctx context.Context, executionID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM transient_vars WHERE execution_id = $1`, executionID); err != nil {
		return fmt.Errorf("failed to cleanup variables: %w", err)
	}
	s.mu.Lock()
	for key := range s.cache {
		if key.executionID == executionID {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) load(ctx context.Context, executionID int64, name string) (*models.TransientVar, error) {
	var v models.TransientVar
	err := s.pool.QueryRow(ctx, `
		SELECT execution_id, name, type, value, access_count, accessed_at, created_at, expires_at
		FROM transient_vars WHERE execution_id = $1 AND name = $2`,
		executionID, name).Scan(
		&v.ExecutionID, &v.Name, &v.Type, &v.Value,
		&v.AccessCount, &v.AccessedAt, &v.CreatedAt, &v.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to load variable %s: %w", name, err)
	}
	return &v, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
