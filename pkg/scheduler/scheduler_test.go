package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/engine"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/test/util"
)

type stubStarter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubStarter) StartExecution(ctx context.Context, req engine.StartRequest) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &models.Execution{ID: int64(s.calls)}, nil
}

func (s *stubStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestScheduler(t *testing.T, starter ExecutionStarter) *Scheduler {
	pool, _ := util.SetupTestDatabase(t)
	cfg := config.SchedulerConfig{Enabled: true, PollInterval: time.Second}
	ids, err := ident.NewAllocator(1)
	require.NoError(t, err)
	return New(cfg, pool, ids, starter)
}

func makeDue(t *testing.T, s *Scheduler, id int64) {
	t.Helper()
	_, err := s.pool.Exec(context.Background(),
		`UPDATE schedules SET next_run_at = now() - interval '1 minute' WHERE id = $1`, id)
	require.NoError(t, err)
}

func TestTick_FiresDueSchedule(t *testing.T) {
	starter := &stubStarter{}
	s := newTestScheduler(t, starter)
	ctx := context.Background()

	sched := &models.Schedule{PlaybookPath: "examples/nightly", Kind: models.TriggerInterval, Interval: time.Hour}
	require.NoError(t, s.Create(ctx, sched))
	makeDue(t, s, sched.ID)

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 1, starter.count())

	scheds, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	assert.Equal(t, "fired", scheds[0].LastStatus)
	assert.True(t, scheds[0].NextRunAt.After(time.Now().Add(30*time.Minute)))
	require.NotNil(t, scheds[0].LastRunAt)
}

func TestTick_ClaimsRunBeforeStarting(t *testing.T) {
	starter := &stubStarter{err: errors.New("catalog unavailable")}
	s := newTestScheduler(t, starter)
	ctx := context.Background()

	sched := &models.Schedule{PlaybookPath: "examples/nightly", Kind: models.TriggerInterval, Interval: time.Hour}
	require.NoError(t, s.Create(ctx, sched))
	makeDue(t, s, sched.ID)

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 1, starter.count())

	// The run was claimed before the start, so further ticks cannot fire it
	// again even though the start failed.
	require.NoError(t, s.Tick(ctx))
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 1, starter.count())

	scheds, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	assert.Contains(t, scheds[0].LastStatus, "error")
	assert.True(t, scheds[0].NextRunAt.After(time.Now()))
}

func TestTick_SkipsDisabledSchedules(t *testing.T) {
	starter := &stubStarter{}
	s := newTestScheduler(t, starter)
	ctx := context.Background()

	sched := &models.Schedule{PlaybookPath: "examples/nightly", Kind: models.TriggerInterval, Interval: time.Hour}
	require.NoError(t, s.Create(ctx, sched))
	makeDue(t, s, sched.ID)
	require.NoError(t, s.SetEnabled(ctx, sched.ID, false))

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 0, starter.count())
}

func TestNextRun_Cron(t *testing.T) {
	now := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)

	sched := &models.Schedule{Kind: models.TriggerCron, CronExpr: "0 * * * *"}
	next, err := nextRun(sched, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC), next)

	sched.CronExpr = "@daily"
	next, err = nextRun(sched, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), next)
}

func TestNextRun_CronRespectsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 09:30 New York; the next 10:00 fire is 10:00 local, not 10:00 UTC.
	now := time.Date(2025, 6, 15, 9, 30, 0, 0, loc)
	sched := &models.Schedule{Kind: models.TriggerCron, CronExpr: "0 10 * * *"}
	next, err := nextRun(sched, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 15, 10, 0, 0, 0, loc).Unix(), next.Unix())
}

func TestNextRun_Interval(t *testing.T) {
	now := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	sched := &models.Schedule{Kind: models.TriggerInterval, Interval: 15 * time.Minute}
	next, err := nextRun(sched, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), next)
}

func TestNextRun_Invalid(t *testing.T) {
	now := time.Now()

	_, err := nextRun(&models.Schedule{Kind: models.TriggerCron, CronExpr: "not a cron"}, now)
	assert.Error(t, err)

	_, err = nextRun(&models.Schedule{Kind: models.TriggerInterval, Interval: 0}, now)
	assert.Error(t, err)

	_, err = nextRun(&models.Schedule{Kind: "hourly"}, now)
	assert.Error(t, err)
}
