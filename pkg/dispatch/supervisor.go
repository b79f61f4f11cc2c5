package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/models"
)

const supervisorBatch = 100

// Supervisor turns expired task leases into step.lost events. A worker that
// crashed, hung, or lost its network stops heartbeating; once the broker's
// redelivery window has also passed, the lease expires here and the engine
// treats the step as failed with a retryable kind.
type Supervisor struct {
	leases   *LeaseStore
	events   *eventlog.Store
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor builds a supervisor scanning on the given interval.
func NewSupervisor(leases *LeaseStore, events *eventlog.Store, interval time.Duration) *Supervisor {
	return &Supervisor{leases: leases, events: events, interval: interval}
}

// Start launches the scan loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("Task lease sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the scan loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep claims one batch of expired leases and reports each as step.lost.
func (s *Supervisor) Sweep(ctx context.Context) error {
	expired, err := s.leases.ClaimExpired(ctx, supervisorBatch)
	if err != nil {
		return err
	}
	for _, lease := range expired {
		ev := &models.Event{
			ExecutionID: lease.ExecutionID,
			EventType:   models.EventStepLost,
			NodeID:      lease.NodeID,
			NodeName:    lease.NodeName,
			WorkerID:    lease.WorkerID,
			Status:      "task_lost",
			Error: fmt.Sprintf("task lease expired at %s (worker %q)",
				lease.Deadline.UTC().Format(time.RFC3339), lease.WorkerID),
		}
		if _, err := s.events.Append(ctx, ev); err != nil {
			if errors.Is(err, eventlog.ErrDuplicateEvent) {
				// The worker's own terminal event won the race.
				continue
			}
			return fmt.Errorf("failed to report lost task %s: %w", lease.NodeID, err)
		}
		slog.Warn("Declared task lost",
			"execution_id", lease.ExecutionID, "node", lease.NodeName,
			"node_id", lease.NodeID, "worker", lease.WorkerID)
	}
	return nil
}
