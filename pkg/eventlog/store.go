// Package eventlog implements the append-only, range-partitioned event log
// that holds the authoritative state of every execution.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
)

// NotifyChannel is the pg_notify channel carrying "an execution changed"
// signals. The payload is the execution id only; state is re-read from the
// log, never from the notification.
const NotifyChannel = "noetl_events"

// ErrDuplicateEvent reports that an event with the same
// (execution_id, node_id, event_type) idempotence key already exists.
// The returned event id is the id of the original.
var ErrDuplicateEvent = errors.New("duplicate event")

// dedupIndex is the unique index backing the idempotence key.
const dedupIndex = "events_node_dedup_idx"

// Store is the event log store. A single Store serves all executions; writes
// within one execution are serialized by the engine's lease, and the
// primary-key retry below guards the id handoff between the engine and the
// dispatcher RPC path.
type Store struct {
	pool *pgxpool.Pool

	mu         sync.Mutex
	partitions map[string]struct{}
}

// NewStore creates an event log store on the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:       pool,
		partitions: make(map[string]struct{}),
	}
}

// Append assigns the next monotonic event id for the event's execution,
// persists the record durably, and notifies listeners — all in one
// transaction. Duplicate appends on the idempotence key return the original
// event id and ErrDuplicateEvent.
func (s *Store) Append(ctx context.Context, ev *models.Event) (int64, error) {
	if err := s.ensurePartition(ctx, ev.ExecutionID); err != nil {
		return 0, err
	}

	// The insert-select races only with the dispatcher RPC path for the same
	// execution; a primary-key conflict there just means another event won
	// that id, so retry with the next one.
	for attempt := 0; attempt < 10; attempt++ {
		eventID, err := s.tryAppend(ctx, ev)
		if err == nil || errors.Is(err, ErrDuplicateEvent) {
			return eventID, err
		}
		if !isUniqueViolation(err, "events_pkey") {
			return 0, fmt.Errorf("failed to append event: %w", err)
		}
	}
	return 0, fmt.Errorf("failed to append event for execution %d: id contention persisted", ev.ExecutionID)
}

func (s *Store) tryAppend(ctx context.Context, ev *models.Event) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var durationMs *int64
	if ev.Duration != nil {
		ms := ev.Duration.Milliseconds()
		durationMs = &ms
	}

	var eventID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO events (
			execution_id, event_id, parent_event_id, parent_execution_id,
			created_at, event_type, node_id, node_name, node_type, status,
			duration_ms, worker_id, current_index, loop_name, result, context, error
		)
		SELECT $1, COALESCE(MAX(event_id), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9,
		       $10, $11, $12, $13, $14, $15, $16
		FROM events WHERE execution_id = $1
		RETURNING event_id`,
		ev.ExecutionID, ev.ParentEventID, ev.ParentExecutionID,
		ev.CreatedAt, ev.EventType, ev.NodeID, ev.NodeName, ev.NodeType, ev.Status,
		durationMs, ev.WorkerID, ev.CurrentIndex, ev.LoopName,
		nullableJSON(ev.Result), nullableJSON(ev.Context), ev.Error,
	).Scan(&eventID)
	if err != nil {
		if isUniqueViolation(err, dedupIndex) {
			return s.existingEventID(ctx, ev)
		}
		return 0, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE executions SET last_event_id = $2 WHERE id = $1 AND last_event_id < $2`,
		ev.ExecutionID, eventID,
	); err != nil {
		return 0, fmt.Errorf("failed to advance last_event_id: %w", err)
	}

	// pg_notify is transactional: the signal fires only when the insert is
	// durable.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2::text)`,
		NotifyChannel, ev.ExecutionID); err != nil {
		return 0, fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit event transaction: %w", err)
	}

	ev.EventID = eventID
	return eventID, nil
}

// existingEventID resolves the event id of the original append after a
// dedup-index conflict.
func (s *Store) existingEventID(ctx context.Context, ev *models.Event) (int64, error) {
	var eventID int64
	err := s.pool.QueryRow(ctx,
		`SELECT event_id FROM events
		 WHERE execution_id = $1 AND node_id = $2 AND event_type = $3`,
		ev.ExecutionID, ev.NodeID, ev.EventType,
	).Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve duplicate event id: %w", err)
	}
	return eventID, fmt.Errorf("%w: %s for node %s", ErrDuplicateEvent, ev.EventType, ev.NodeID)
}

// Read returns events of an execution in event_id order, starting after
// fromID (0 = from the beginning), up to limit rows (0 = no limit).
func (s *Store) Read(ctx context.Context, executionID, fromID int64, limit int) ([]models.Event, error) {
	query := `
		SELECT execution_id, event_id, parent_event_id, parent_execution_id,
		       created_at, event_type, node_id, node_name, node_type, status,
		       duration_ms, worker_id, current_index, loop_name, result, context, error
		FROM events
		WHERE execution_id = $1 AND event_id > $2
		ORDER BY event_id`
	args := []any{executionID, fromID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// FilterOpts narrows a Filter query. Zero values are ignored.
type FilterOpts struct {
	NodeID    string
	NodeName  string
	EventType models.EventType
	Status    string
	LoopName  string
}

// Filter returns an execution's events matching opts, in event_id order.
func (s *Store) Filter(ctx context.Context, executionID int64, opts FilterOpts) ([]models.Event, error) {
	var conds []string
	args := []any{executionID}
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if opts.NodeID != "" {
		add("node_id = $%d", opts.NodeID)
	}
	if opts.NodeName != "" {
		add("node_name = $%d", opts.NodeName)
	}
	if opts.EventType != "" {
		add("event_type = $%d", opts.EventType)
	}
	if opts.Status != "" {
		add("status = $%d", opts.Status)
	}
	if opts.LoopName != "" {
		add("loop_name = $%d", opts.LoopName)
	}

	query := `
		SELECT execution_id, event_id, parent_event_id, parent_execution_id,
		       created_at, event_type, node_id, node_name, node_type, status,
		       duration_ms, worker_id, current_index, loop_name, result, context, error
		FROM events
		WHERE execution_id = $1`
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY event_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DropRange detaches and drops every partition whose bounds fall entirely
// inside [low, high). Events outside complete partitions are untouched —
// retention works in whole partitions only.
func (s *Store) DropRange(ctx context.Context, low, high int64) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.relname,
		       pg_get_expr(c.relpartbound, c.oid) AS bounds
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'events'`)
	if err != nil {
		return 0, fmt.Errorf("failed to list event partitions: %w", err)
	}

	type part struct{ name, bounds string }
	var parts []part
	for rows.Next() {
		var p part
		if err := rows.Scan(&p.name, &p.bounds); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan partition row: %w", err)
		}
		parts = append(parts, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to list event partitions: %w", err)
	}

	dropped := 0
	for _, p := range parts {
		lo, hi, err := parsePartitionBounds(p.bounds)
		if err != nil {
			slog.Warn("Skipping partition with unparsable bounds", "partition", p.name, "bounds", p.bounds)
			continue
		}
		if lo < low || hi > high {
			continue
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgx.Identifier{p.name}.Sanitize())); err != nil {
			return dropped, fmt.Errorf("failed to drop partition %s: %w", p.name, err)
		}
		s.mu.Lock()
		delete(s.partitions, p.name)
		s.mu.Unlock()
		dropped++
		slog.Info("Dropped event partition", "partition", p.name, "low", lo, "high", hi)
	}
	return dropped, nil
}

// ensurePartition creates the daily partition covering executionID if it
// does not exist yet. Creation is idempotent and cached per process.
func (s *Store) ensurePartition(ctx context.Context, executionID int64) error {
	day := ident.Timestamp(executionID)
	name := partitionName(day)

	s.mu.Lock()
	_, ok := s.partitions[name]
	s.mu.Unlock()
	if ok {
		return nil
	}

	low, high := ident.RangeForDay(day)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF events FOR VALUES FROM (%d) TO (%d)`,
		pgx.Identifier{name}.Sanitize(), low, high,
	))
	if err != nil {
		return fmt.Errorf("failed to create partition %s: %w", name, err)
	}

	s.mu.Lock()
	s.partitions[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

func partitionName(day time.Time) string {
	return "events_p" + day.UTC().Format("20060102")
}

// parsePartitionBounds extracts the numeric bounds from
// "FOR VALUES FROM ('123') TO ('456')".
func parsePartitionBounds(expr string) (low, high int64, err error) {
	clean := strings.NewReplacer("'", "", "(", " ", ")", " ", ",", " ").Replace(expr)
	fields := strings.Fields(clean)
	var vals []int64
	for _, f := range fields {
		var v int64
		if _, scanErr := fmt.Sscanf(f, "%d", &v); scanErr == nil {
			vals = append(vals, v)
		}
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected bounds expression %q", expr)
	}
	return vals[0], vals[1], nil
}

func scanEvents(rows pgx.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var (
			ev         models.Event
			durationMs *int64
		)
		if err := rows.Scan(
			&ev.ExecutionID, &ev.EventID, &ev.ParentEventID, &ev.ParentExecutionID,
			&ev.CreatedAt, &ev.EventType, &ev.NodeID, &ev.NodeName, &ev.NodeType, &ev.Status,
			&durationMs, &ev.WorkerID, &ev.CurrentIndex, &ev.LoopName,
			&ev.Result, &ev.Context, &ev.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if durationMs != nil {
			d := time.Duration(*durationMs) * time.Millisecond
			ev.Duration = &d
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event rows: %w", err)
	}
	return events, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
