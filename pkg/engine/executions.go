package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/models"
)

// ErrExecutionNotFound reports an unknown execution id.
var ErrExecutionNotFound = errors.New("execution not found")

// ExecStore persists execution identity rows. The row's status is a cached
// summary of the event log, updated only at creation and finalization.
type ExecStore struct {
	pool *pgxpool.Pool
}

// NewExecStore builds an execution store.
func NewExecStore(pool *pgxpool.Pool) *ExecStore {
	return &ExecStore{pool: pool}
}

// Create inserts the execution row.
func (s *ExecStore) Create(ctx context.Context, exec *models.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, catalog_id, catalog_path, parent_execution_id, parent_node_id,
			status, workload, started_at, callback_request_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		exec.ID, exec.CatalogID, exec.CatalogPath, exec.ParentExecutionID,
		nullIfEmpty(exec.ParentNodeID), exec.Status, nullableJSON(exec.Workload),
		exec.StartedAt, nullIfEmpty(exec.CallbackRequestID))
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// Get loads one execution row.
func (s *ExecStore) Get(ctx context.Context, id int64) (*models.Execution, error) {
	var (
		exec         models.Execution
		parentNodeID *string
		callbackID   *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, catalog_id, catalog_path, parent_execution_id, parent_node_id,
		       status, workload, started_at, ended_at, COALESCE(error, ''),
		       last_event_id, callback_request_id
		FROM executions WHERE id = $1`, id).Scan(
		&exec.ID, &exec.CatalogID, &exec.CatalogPath, &exec.ParentExecutionID,
		&parentNodeID, &exec.Status, &exec.Workload, &exec.StartedAt,
		&exec.EndedAt, &exec.Error, &exec.LastEventID, &callbackID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("failed to load execution %d: %w", id, err)
	}
	if parentNodeID != nil {
		exec.ParentNodeID = *parentNodeID
	}
	if callbackID != nil {
		exec.CallbackRequestID = *callbackID
	}
	return &exec, nil
}

// Finalize caches the terminal status on the row. Idempotent: a row already
// terminal keeps its first outcome.
func (s *ExecStore) Finalize(ctx context.Context, id int64, status models.ExecutionStatus, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = $2, error = $3, ended_at = now()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)`,
		id, status, errMsg,
		models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled)
	if err != nil {
		return fmt.Errorf("failed to finalize execution %d: %w", id, err)
	}
	return nil
}

// MarkRunning flips a pending row to running.
func (s *ExecStore) MarkRunning(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE executions SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.ExecutionRunning, models.ExecutionPending)
	if err != nil {
		return fmt.Errorf("failed to mark execution %d running: %w", id, err)
	}
	return nil
}

// ListActive returns ids of executions not yet terminal, oldest first. The
// engine reconciles these on startup in case wake notifications were missed.
func (s *ExecStore) ListActive(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM executions
		WHERE status IN ($1, $2)
		ORDER BY id LIMIT $3`,
		models.ExecutionPending, models.ExecutionRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns execution rows filtered by status ("" = all), newest first.
func (s *ExecStore) List(ctx context.Context, status models.ExecutionStatus, limit int) ([]models.Execution, error) {
	query := `
		SELECT id, catalog_id, catalog_path, status, started_at, ended_at, COALESCE(error, '')
		FROM executions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []models.Execution
	for rows.Next() {
		var exec models.Execution
		if err := rows.Scan(&exec.ID, &exec.CatalogID, &exec.CatalogPath,
			&exec.Status, &exec.StartedAt, &exec.EndedAt, &exec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
