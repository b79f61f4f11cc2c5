// Package scheduler turns cron and interval schedules into executions. Any
// number of server instances may run the loop; FOR UPDATE SKIP LOCKED makes
// each due schedule fire exactly once.
package scheduler

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
	"github.com/robfig/cron/v3"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/engine"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrScheduleNotFound reports an unknown schedule id.
var ErrScheduleNotFound = errors.New("schedule not found")

// ExecutionStarter launches the execution of a fired schedule.
type ExecutionStarter interface {
	StartExecution(ctx context.Context, req engine.StartRequest) (*models.Execution, error)
}

// Scheduler claims due schedules and starts their executions.
type Scheduler struct {
	cfg     config.SchedulerConfig
	pool    *pgxpool.Pool
	ids     *ident.Allocator
	starter ExecutionStarter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler.
func New(cfg config.SchedulerConfig, pool *pgxpool.Pool, ids *ident.Allocator, starter ExecutionStarter) *Scheduler {
	return &Scheduler{cfg: cfg, pool: pool, ids: ids, starter: starter}
}

// Start launches the trigger loop when scheduling is enabled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		slog.Info("Scheduler disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("Scheduler tick failed", "error", err)
				}
			}
		}
	}()
	slog.Info("Scheduler started", "poll_interval", s.cfg.PollInterval)
}

// Stop halts the trigger loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Create validates and stores a schedule, computing its first run.
func (s *Scheduler) Create(ctx context.Context, sched *models.Schedule) error {
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", sched.Timezone, err)
	}

	now := time.Now().In(loc)
	next, err := nextRun(sched, now)
	if err != nil {
		return err
	}
	sched.NextRunAt = next
	sched.Enabled = true

	sched.ID = s.ids.Next()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (
			id, playbook_path, kind, cron_expr, interval_seconds, timezone,
			workload, enabled, next_run_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sched.ID, sched.PlaybookPath, sched.Kind, sched.CronExpr,
		int64(sched.Interval.Seconds()), sched.Timezone,
		nullableJSON(sched.Workload), sched.Enabled, sched.NextRunAt)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// SetEnabled pauses or resumes a schedule.
func (s *Scheduler) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrScheduleNotFound, id)
	}
	return nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", id, err)
	}
	return nil
}

// List returns all schedules.
func (s *Scheduler) List(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, playbook_path, kind, cron_expr, interval_seconds, timezone,
		       workload, enabled, next_run_at, last_run_at, last_status, created_at
		FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var scheds []models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, *sched)
	}
	return scheds, rows.Err()
}

// Tick claims every due schedule, starts its execution, and advances its
// next run. Each claim is its own transaction so one bad schedule cannot
// block the rest.
func (s *Scheduler) Tick(ctx context.Context) error {
	for {
		claimed, err := s.fireNext(ctx)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}
}

// fireNext claims and fires at most one due schedule. The claim commits
// next_run_at before the execution starts, so a crash or commit failure
// after the start can never fire the same run twice.
func (s *Scheduler) fireNext(ctx context.Context) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin schedule claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id, playbook_path, kind, cron_expr, interval_seconds, timezone,
		       workload, enabled, next_run_at, last_run_at, last_status, created_at
		FROM schedules
		WHERE enabled AND next_run_at <= now()
		ORDER BY next_run_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		loc = time.UTC
	}
	next, err := nextRun(sched, time.Now().In(loc))
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE schedules SET next_run_at = $2, last_run_at = now()
		WHERE id = $1`, sched.ID, next); err != nil {
		return false, fmt.Errorf("failed to advance schedule %d: %w", sched.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit schedule claim: %w", err)
	}

	// The run is claimed; a start failure is recorded, not re-fired.
	status := "fired"
	exec, startErr := s.starter.StartExecution(ctx, engine.StartRequest{
		Path:     sched.PlaybookPath,
		Workload: sched.Workload,
	})
	if startErr != nil {
		status = fmt.Sprintf("error: %v", startErr)
		slog.Warn("Scheduled start failed",
			"schedule_id", sched.ID, "path", sched.PlaybookPath, "error", startErr)
	} else {
		slog.Info("Schedule fired",
			"schedule_id", sched.ID, "path", sched.PlaybookPath, "execution_id", exec.ID)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE schedules SET last_status = $2 WHERE id = $1`, sched.ID, status); err != nil {
		slog.Warn("Failed to record schedule status", "schedule_id", sched.ID, "error", err)
	}
	return true, nil
}

// nextRun computes the run after now for a schedule in its timezone.
func nextRun(sched *models.Schedule, now time.Time) (time.Time, error) {
	switch sched.Kind {
	case models.TriggerCron:
		spec, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
		}
		return spec.Next(now), nil
	case models.TriggerInterval:
		if sched.Interval <= 0 {
			return time.Time{}, fmt.Errorf("interval schedule needs a positive interval")
		}
		return now.Add(sched.Interval), nil
	default:
		return time.Time{}, fmt.Errorf("unknown trigger kind %q", sched.Kind)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var (
		sched           models.Schedule
		intervalSeconds int64
	)
	err := row.Scan(&sched.ID, &sched.PlaybookPath, &sched.Kind, &sched.CronExpr,
		&intervalSeconds, &sched.Timezone, &sched.Workload, &sched.Enabled,
		&sched.NextRunAt, &sched.LastRunAt, &sched.LastStatus, &sched.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	sched.Interval = time.Duration(intervalSeconds) * time.Second
	return &sched, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
