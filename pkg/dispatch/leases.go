package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLeaseNotFound reports a heartbeat or release for a lease that no longer
// exists — typically because the supervisor already declared the task lost.
var ErrLeaseNotFound = errors.New("task lease not found")

// TaskLease tracks one dispatched task awaiting a terminal event.
type TaskLease struct {
	ExecutionID int64
	NodeID      string
	NodeName    string
	WorkerID    string
	Attempt     int
	Deadline    time.Time
	CreatedAt   time.Time
}

// LeaseStore persists task leases.
type LeaseStore struct {
	pool *pgxpool.Pool
}

// NewLeaseStore builds a lease store.
func NewLeaseStore(pool *pgxpool.Pool) *LeaseStore {
	return &LeaseStore{pool: pool}
}

// Create records a lease at dispatch time. Re-dispatch of the same node
// replaces the previous lease.
func (s *LeaseStore) Create(ctx context.Context, lease TaskLease) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_leases (execution_id, node_id, node_name, worker_id, attempt, deadline)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (execution_id, node_id)
		DO UPDATE SET worker_id = EXCLUDED.worker_id, attempt = EXCLUDED.attempt,
		              deadline = EXCLUDED.deadline, created_at = now()`,
		lease.ExecutionID, lease.NodeID, lease.NodeName, lease.WorkerID, lease.Attempt, lease.Deadline)
	if err != nil {
		return fmt.Errorf("failed to create task lease: %w", err)
	}
	return nil
}

// Claim stamps the worker id on an unclaimed or redelivered lease.
func (s *LeaseStore) Claim(ctx context.Context, executionID int64, nodeID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_leases SET worker_id = $3
		WHERE execution_id = $1 AND node_id = $2`,
		executionID, nodeID, workerID)
	if err != nil {
		return fmt.Errorf("failed to claim task lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %d node %s", ErrLeaseNotFound, executionID, nodeID)
	}
	return nil
}

// Extend pushes the deadline out; workers call this on every heartbeat.
func (s *LeaseStore) Extend(ctx context.Context, executionID int64, nodeID, workerID string, deadline time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_leases SET deadline = $4
		WHERE execution_id = $1 AND node_id = $2 AND worker_id = $3`,
		executionID, nodeID, workerID, deadline)
	if err != nil {
		return fmt.Errorf("failed to extend task lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %d node %s", ErrLeaseNotFound, executionID, nodeID)
	}
	return nil
}

// Release deletes the lease once a terminal event for the node landed.
// Releasing a missing lease is not an error.
func (s *LeaseStore) Release(ctx context.Context, executionID int64, nodeID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM task_leases WHERE execution_id = $1 AND node_id = $2`,
		executionID, nodeID); err != nil {
		return fmt.Errorf("failed to release task lease: %w", err)
	}
	return nil
}

// ClaimExpired atomically removes and returns up to limit leases past their
// deadline. SKIP LOCKED keeps concurrent supervisors from double-reporting.
func (s *LeaseStore) ClaimExpired(ctx context.Context, limit int) ([]TaskLease, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM task_leases
		WHERE (execution_id, node_id) IN (
			SELECT execution_id, node_id FROM task_leases
			WHERE deadline < now()
			ORDER BY deadline
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING execution_id, node_id, node_name, worker_id, attempt, deadline, created_at`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim expired leases: %w", err)
	}
	defer rows.Close()

	var leases []TaskLease
	for rows.Next() {
		var l TaskLease
		if err := rows.Scan(&l.ExecutionID, &l.NodeID, &l.NodeName, &l.WorkerID,
			&l.Attempt, &l.Deadline, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expired lease: %w", err)
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// Get returns one lease.
func (s *LeaseStore) Get(ctx context.Context, executionID int64, nodeID string) (*TaskLease, error) {
	var l TaskLease
	err := s.pool.QueryRow(ctx, `
		SELECT execution_id, node_id, node_name, worker_id, attempt, deadline, created_at
		FROM task_leases WHERE execution_id = $1 AND node_id = $2`,
		executionID, nodeID).Scan(
		&l.ExecutionID, &l.NodeID, &l.NodeName, &l.WorkerID, &l.Attempt, &l.Deadline, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: execution %d node %s", ErrLeaseNotFound, executionID, nodeID)
		}
		return nil, fmt.Errorf("failed to load task lease: %w", err)
	}
	return &l, nil
}
