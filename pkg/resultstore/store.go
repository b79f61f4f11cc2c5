// Package resultstore keeps step result payloads out of the event log and
// the broker. Payloads are placed by size: small ones inline, mid-size ones
// in the broker K/V tier, large ones in the database. Everything is
// addressed by a logical noetl:// reference that survives tier moves.
package resultstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
)

// ErrNotFound reports a reference whose payload no longer exists.
var ErrNotFound = errors.New("result not found")

const previewLimit = 1024

// cacheBudget bounds the hot-read cache. Entries are evicted oldest-first
// once total cached bytes exceed it.
const cacheBudget = 32 << 20

// Store is the result store. All methods are safe for concurrent use.
type Store struct {
	cfg  config.ResultStoreConfig
	pool *pgxpool.Pool
	kv   *broker.KV
	ids  *ident.Allocator

	// Hot-read cache for recently fetched payloads, bounded by cacheBudget.
	mu         sync.Mutex
	cache      map[int64][]byte
	cacheBytes int64
	cacheOrder []int64
}

// NewStore builds a result store. kv may be nil in tests; the K/V tier then
// falls through to the database.
func NewStore(cfg config.ResultStoreConfig, pool *pgxpool.Pool, kv *broker.KV, ids *ident.Allocator) *Store {
	return &Store{
		cfg:   cfg,
		pool:  pool,
		kv:    kv,
		ids:   ids,
		cache: make(map[int64][]byte),
	}
}

// PutRequest describes one payload to store.
type PutRequest struct {
	ExecutionID int64
	Name        string
	Scope       models.ResultScope
	Payload     []byte

	// Optional correlation keys for fan-out aggregation.
	IterationIndex *int
	Page           *int
	Cursor         string
	Batch          string

	// Fields extracted by the producer for cheap lookups without a full fetch.
	Fields json.RawMessage

	// ExpiresAt overrides the scope-derived expiry when set.
	ExpiresAt *time.Time
}

// Put stores the payload in the tier its size calls for and records the
// reference row. The returned ref's Tier tells the caller whether the
// payload may instead be embedded inline in the event.
func (s *Store) Put(ctx context.Context, req PutRequest) (*models.ResultRef, error) {
	id := s.ids.Next()

	ref := &models.ResultRef{
		ID:             id,
		ExecutionID:    req.ExecutionID,
		Name:           req.Name,
		Scope:          req.Scope,
		Size:           int64(len(req.Payload)),
		Preview:        preview(req.Payload),
		Fields:         req.Fields,
		IterationIndex: req.IterationIndex,
		Page:           req.Page,
		Cursor:         req.Cursor,
		Batch:          req.Batch,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      req.ExpiresAt,
	}

	var rowPayload []byte
	switch {
	case len(req.Payload) <= s.cfg.InlineThreshold:
		ref.Tier = models.TierInline
		rowPayload = req.Payload
	case s.kv != nil && len(req.Payload) <= s.cfg.KVThreshold:
		ref.Tier = models.TierBrokerKV
		key := kvKey(ref.ExecutionID, ref.ID)
		if _, err := s.kv.Put(ctx, key, req.Payload); err != nil {
			return nil, fmt.Errorf("failed to store payload in kv tier: %w", err)
		}
		ref.PhysicalURI = "kv://" + broker.BucketResults + "/" + key
	default:
		ref.Tier = models.TierDatabase
		rowPayload = req.Payload
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO result_refs (
			id, execution_id, name, scope, tier, physical_uri, size, preview,
			fields, iteration_index, page, cursor, batch, payload, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		ref.ID, ref.ExecutionID, ref.Name, ref.Scope, ref.Tier, ref.PhysicalURI,
		ref.Size, ref.Preview, nullableJSON(ref.Fields), ref.IterationIndex, ref.Page,
		ref.Cursor, ref.Batch, rowPayload, ref.CreatedAt, ref.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record result ref: %w", err)
	}

	s.cachePut(ref.ID, req.Payload)
	return ref, nil
}

// Get fetches the payload behind a logical reference.
func (s *Store) Get(ctx context.Context, uri string) ([]byte, *models.ResultRef, error) {
	_, _, id, err := models.ParseRefURI(uri)
	if err != nil {
		return nil, nil, err
	}

	ref, rowPayload, err := s.loadRef(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if cached, ok := s.cacheGet(id); ok {
		return cached, ref, nil
	}

	var payload []byte
	switch ref.Tier {
	case models.TierInline, models.TierDatabase:
		payload = rowPayload
	case models.TierBrokerKV:
		if s.kv == nil {
			return nil, nil, fmt.Errorf("%w: kv tier unavailable for %s", ErrNotFound, uri)
		}
		data, _, err := s.kv.Get(ctx, kvKey(ref.ExecutionID, ref.ID))
		if err != nil {
			if errors.Is(err, broker.ErrKeyNotFound) {
				return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
			}
			return nil, nil, err
		}
		payload = data
	default:
		return nil, nil, fmt.Errorf("unsupported storage tier %q for %s", ref.Tier, uri)
	}

	s.cachePut(id, payload)
	return payload, ref, nil
}

// Stream returns a reader over the payload behind a reference. Payloads are
// bounded by the K/V and database tiers, so buffering them whole is fine.
func (s *Store) Stream(ctx context.Context, uri string) (io.ReadCloser, *models.ResultRef, error) {
	payload, ref, err := s.Get(ctx, uri)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(payload)), ref, nil
}

// Resolve dereferences a result envelope: a {"$ref": ...} payload is
// replaced with the stored bytes, anything else passes through unchanged.
func (s *Store) Resolve(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	uri := models.RefFromResult(raw)
	if uri == "" {
		return raw, nil
	}
	payload, _, err := s.Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// LookupRef returns reference metadata without fetching the payload.
func (s *Store) LookupRef(ctx context.Context, uri string) (*models.ResultRef, error) {
	_, _, id, err := models.ParseRefURI(uri)
	if err != nil {
		return nil, err
	}
	ref, _, err := s.loadRef(ctx, id)
	return ref, err
}

// ListRefs returns all reference metadata of one execution, newest last.
func (s *Store) ListRefs(ctx context.Context, executionID int64) ([]models.ResultRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, name, scope, tier, physical_uri, size, preview,
		       fields, iteration_index, page, cursor, batch, created_at, expires_at
		FROM result_refs WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list result refs: %w", err)
	}
	defer rows.Close()

	var refs []models.ResultRef
	for rows.Next() {
		var ref models.ResultRef
		if err := rows.Scan(
			&ref.ID, &ref.ExecutionID, &ref.Name, &ref.Scope, &ref.Tier,
			&ref.PhysicalURI, &ref.Size, &ref.Preview, &ref.Fields,
			&ref.IterationIndex, &ref.Page, &ref.Cursor, &ref.Batch,
			&ref.CreatedAt, &ref.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// CleanupExecution drops all step- and execution-scoped artifacts of a
// finished execution. Workflow- and permanent-scoped refs survive.
func (s *Store) CleanupExecution(ctx context.Context, executionID int64) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tier FROM result_refs
		 WHERE execution_id = $1 AND scope IN ($2, $3)`,
		executionID, models.ScopeStep, models.ScopeExecution)
	if err != nil {
		return fmt.Errorf("failed to list refs for cleanup: %w", err)
	}
	type doomed struct {
		id   int64
		tier models.StorageTier
	}
	var victims []doomed
	for rows.Next() {
		var v doomed
		if err := rows.Scan(&v.id, &v.tier); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan cleanup row: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, v := range victims {
		if v.tier == models.TierBrokerKV && s.kv != nil {
			if err := s.kv.Delete(ctx, kvKey(executionID, v.id)); err != nil {
				slog.Warn("Failed to delete kv payload during cleanup", "id", v.id, "error", err)
			}
		}
		s.cacheDrop(v.id)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM result_refs WHERE execution_id = $1 AND scope IN ($2, $3)`,
		executionID, models.ScopeStep, models.ScopeExecution); err != nil {
		return fmt.Errorf("failed to delete result refs: %w", err)
	}
	return nil
}

// Sweep deletes refs past their expiry, returning how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, execution_id, tier FROM result_refs
		 WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired refs: %w", err)
	}
	type expired struct {
		id, executionID int64
		tier            models.StorageTier
	}
	var victims []expired
	for rows.Next() {
		var v expired
		if err := rows.Scan(&v.id, &v.executionID, &v.tier); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired ref: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, v := range victims {
		if v.tier == models.TierBrokerKV && s.kv != nil {
			if err := s.kv.Delete(ctx, kvKey(v.executionID, v.id)); err != nil {
				slog.Warn("Failed to delete expired kv payload", "id", v.id, "error", err)
			}
		}
		s.cacheDrop(v.id)
		if _, err := s.pool.Exec(ctx, `DELETE FROM result_refs WHERE id = $1`, v.id); err != nil {
			return 0, fmt.Errorf("failed to delete expired ref %d: %w", v.id, err)
		}
	}
	return len(victims), nil
}

// RunSweeper sweeps on the configured interval until ctx ends.
func (s *Store) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				slog.Warn("Result sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Swept expired results", "count", n)
			}
		}
	}
}

func (s *Store) loadRef(ctx context.Context, id int64) (*models.ResultRef, []byte, error) {
	var (
		ref     models.ResultRef
		payload []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, execution_id, name, scope, tier, physical_uri, size, preview,
		       fields, iteration_index, page, cursor, batch, payload, created_at, expires_at
		FROM result_refs WHERE id = $1`, id).Scan(
		&ref.ID, &ref.ExecutionID, &ref.Name, &ref.Scope, &ref.Tier,
		&ref.PhysicalURI, &ref.Size, &ref.Preview, &ref.Fields,
		&ref.IterationIndex, &ref.Page, &ref.Cursor, &ref.Batch,
		&payload, &ref.CreatedAt, &ref.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: ref %d", ErrNotFound, id)
		}
		return nil, nil, fmt.Errorf("failed to load result ref %d: %w", id, err)
	}
	return &ref, payload, nil
}

func (s *Store) cachePut(id int64, payload []byte) {
	if int64(len(payload)) > cacheBudget {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.cache[id]; ok {
		s.cacheBytes -= int64(len(old))
	} else {
		s.cacheOrder = append(s.cacheOrder, id)
	}
	s.cache[id] = payload
	s.cacheBytes += int64(len(payload))

	// Dropped ids may linger in the order queue; they no longer hold bytes.
	for s.cacheBytes > cacheBudget && len(s.cacheOrder) > 0 {
		victim := s.cacheOrder[0]
		s.cacheOrder = s.cacheOrder[1:]
		if old, ok := s.cache[victim]; ok {
			s.cacheBytes -= int64(len(old))
			delete(s.cache, victim)
		}
	}
}

func (s *Store) cacheGet(id int64) ([]byte, bool) {
	s.mu.Lock()
	payload, ok := s.cache[id]
	s.mu.Unlock()
	return payload, ok
}

func (s *Store) cacheDrop(id int64) {
	s.mu.Lock()
	if payload, ok := s.cache[id]; ok {
		s.cacheBytes -= int64(len(payload))
		delete(s.cache, id)
	}
	s.mu.Unlock()
}

func kvKey(executionID, id int64) string {
	return fmt.Sprintf("result.%d.%d", executionID, id)
}

func preview(payload []byte) string {
	if len(payload) <= previewLimit {
		return string(payload)
	}
	return string(payload[:previewLimit])
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
