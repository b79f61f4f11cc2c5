// Package runtime tracks registered control-plane servers and worker pools
// and their liveness.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
)

// Registry persists runtime registrations.
type Registry struct {
	pool *pgxpool.Pool
	ids  *ident.Allocator
}

// NewRegistry builds a registry.
func NewRegistry(pool *pgxpool.Pool, ids *ident.Allocator) *Registry {
	return &Registry{pool: pool, ids: ids}
}

// Register records a runtime and returns its id.
func (r *Registry) Register(ctx context.Context, reg *models.RuntimeRegistration) (int64, error) {
	id := r.ids.Next()
	capabilities, err := json.Marshal(reg.Capabilities)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO runtimes (id, kind, name, pool, capabilities, capacity, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, reg.Kind, reg.Name, reg.Pool, capabilities, reg.Capacity, models.RuntimeReady)
	if err != nil {
		return 0, fmt.Errorf("failed to register runtime: %w", err)
	}
	return id, nil
}

// Heartbeat refreshes liveness; a stale-marked runtime flips back to ready.
func (r *Registry) Heartbeat(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runtimes SET last_heartbeat = now(), status = $2
		WHERE id = $1 AND status <> $3`,
		id, models.RuntimeReady, models.RuntimeDraining)
	if err != nil {
		return fmt.Errorf("failed to heartbeat runtime %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Draining runtimes keep their status but still prove liveness.
		if _, err := r.pool.Exec(ctx,
			`UPDATE runtimes SET last_heartbeat = now() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to heartbeat runtime %d: %w", id, err)
		}
	}
	return nil
}

// SetStatus changes a runtime's status (e.g. draining before shutdown).
func (r *Registry) SetStatus(ctx context.Context, id int64, status models.RuntimeStatus) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE runtimes SET status = $2 WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("failed to set runtime status: %w", err)
	}
	return nil
}

// MarkStale flips ready runtimes offline once their heartbeat is older than
// the threshold, returning how many were marked.
func (r *Registry) MarkStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runtimes SET status = $1
		WHERE status = $2 AND last_heartbeat < now() - $3::interval`,
		models.RuntimeOffline, models.RuntimeReady,
		fmt.Sprintf("%f seconds", staleAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runtimes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// List returns all registrations, newest first.
func (r *Registry) List(ctx context.Context) ([]models.RuntimeRegistration, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, name, pool, capabilities, capacity, status, registered_at, last_heartbeat
		FROM runtimes ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runtimes: %w", err)
	}
	defer rows.Close()

	var regs []models.RuntimeRegistration
	for rows.Next() {
		var (
			reg          models.RuntimeRegistration
			capabilities []byte
		)
		if err := rows.Scan(&reg.ID, &reg.Kind, &reg.Name, &reg.Pool, &capabilities,
			&reg.Capacity, &reg.Status, &reg.RegisteredAt, &reg.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("failed to scan runtime: %w", err)
		}
		if len(capabilities) > 0 {
			_ = json.Unmarshal(capabilities, &reg.Capabilities)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// Delete removes a registration.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM runtimes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete runtime %d: %w", id, err)
	}
	return nil
}
