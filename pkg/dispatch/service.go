package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/resultstore"
)

// ErrTaskNotFound reports a claim for a node that was never dispatched.
var ErrTaskNotFound = errors.New("task not found")

// Service serves the worker-facing RPCs.
type Service struct {
	events  *eventlog.Store
	leases  *LeaseStore
	results *resultstore.Store

	// leaseExtension is how far each heartbeat pushes the task deadline.
	leaseExtension time.Duration
}

// NewService builds the dispatcher service.
func NewService(events *eventlog.Store, leases *LeaseStore, results *resultstore.Store, leaseExtension time.Duration) *Service {
	return &Service{
		events:         events,
		leases:         leases,
		results:        results,
		leaseExtension: leaseExtension,
	}
}

// GetTask resolves a claimed notification to its full task spec and stamps
// the worker on the lease. Redelivered notifications resolve identically; a
// task whose node already has a terminal event returns ErrTaskNotFound so
// the worker acks and drops it.
func (s *Service) GetTask(ctx context.Context, executionID int64, nodeID, workerID string) (*TaskSpec, error) {
	dispatched, err := s.events.Filter(ctx, executionID, eventlog.FilterOpts{
		NodeID:    nodeID,
		EventType: models.EventStepDispatched,
	})
	if err != nil {
		return nil, err
	}
	if len(dispatched) == 0 {
		return nil, fmt.Errorf("%w: execution %d node %s", ErrTaskNotFound, executionID, nodeID)
	}

	if done, err := s.nodeFinished(ctx, executionID, nodeID); err != nil {
		return nil, err
	} else if done {
		return nil, fmt.Errorf("%w: node %s already finished", ErrTaskNotFound, nodeID)
	}

	var spec TaskSpec
	if err := json.Unmarshal(dispatched[0].Context, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode task spec for node %s: %w", nodeID, err)
	}

	if err := s.leases.Claim(ctx, executionID, nodeID, workerID); err != nil {
		if errors.Is(err, ErrLeaseNotFound) {
			return nil, fmt.Errorf("%w: lease for node %s gone", ErrTaskNotFound, nodeID)
		}
		return nil, err
	}
	return &spec, nil
}

// EmitEvent appends a worker-produced event. Duplicates on the idempotence
// key are reported as success with the original event id — redelivered work
// must converge, not fail. Terminal node events release the task lease.
func (s *Service) EmitEvent(ctx context.Context, ev *models.Event) (int64, error) {
	if ev.ExecutionID == 0 || ev.EventType == "" {
		return 0, fmt.Errorf("event missing execution id or type")
	}

	eventID, err := s.events.Append(ctx, ev)
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return 0, err
	}
	if errors.Is(err, eventlog.ErrDuplicateEvent) {
		slog.Debug("Discarded duplicate event",
			"execution_id", ev.ExecutionID, "node_id", ev.NodeID, "type", ev.EventType)
	}

	if isTerminalNodeEvent(ev.EventType) && ev.NodeID != "" {
		if err := s.leases.Release(ctx, ev.ExecutionID, ev.NodeID); err != nil {
			slog.Warn("Failed to release task lease", "node_id", ev.NodeID, "error", err)
		}
	}
	return eventID, nil
}

// Heartbeat extends the task lease. ErrLeaseNotFound tells the worker its
// task was declared lost; it should abandon the work.
func (s *Service) Heartbeat(ctx context.Context, executionID int64, nodeID, workerID string) (time.Time, error) {
	deadline := time.Now().UTC().Add(s.leaseExtension)
	if err := s.leases.Extend(ctx, executionID, nodeID, workerID, deadline); err != nil {
		return time.Time{}, err
	}
	return deadline, nil
}

// PutResult stores a payload in the result store on a worker's behalf and
// returns the logical reference to embed in its terminal event.
func (s *Service) PutResult(ctx context.Context, req resultstore.PutRequest) (*models.ResultRef, string, error) {
	ref, err := s.results.Put(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return ref, ref.URI(), nil
}

func (s *Service) nodeFinished(ctx context.Context, executionID int64, nodeID string) (bool, error) {
	for _, t := range []models.EventType{
		models.EventStepCompleted, models.EventStepFailed,
		models.EventStepLost, models.EventStepCancelled,
	} {
		evs, err := s.events.Filter(ctx, executionID, eventlog.FilterOpts{NodeID: nodeID, EventType: t})
		if err != nil {
			return false, err
		}
		if len(evs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func isTerminalNodeEvent(t models.EventType) bool {
	switch t {
	case models.EventStepCompleted, models.EventStepFailed,
		models.EventStepLost, models.EventStepSkipped, models.EventStepCancelled:
		return true
	}
	return false
}
