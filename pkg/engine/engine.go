// Package engine is the control plane core: it folds event logs into
// projections, decides which steps are ready, dispatches them to workers,
// and finalizes executions. All decisions replay deterministically from the
// log; the engine itself holds no authoritative state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/loop"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/resultstore"
	"github.com/noetl/noetl/pkg/vars"
)

const wakeQueueDepth = 1024

// Engine advances executions. Multiple instances may run concurrently; the
// per-execution broker lease keeps them from advancing the same execution
// at once.
type Engine struct {
	cfg        config.EngineConfig
	ids        *ident.Allocator
	events     *eventlog.Store
	execs      *ExecStore
	catalog    *catalog.Service
	broker     *broker.Broker
	leases     *broker.LeaseManager
	taskLeases *dispatch.LeaseStore
	results    *resultstore.Store
	vars       *vars.Store
	loops      *loop.Tracker
	listener   *eventlog.Listener

	wake    chan int64
	mu      sync.Mutex
	pending map[int64]struct{}
	timers  map[int64]*time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the engine's collaborators.
type Deps struct {
	IDs        *ident.Allocator
	Events     *eventlog.Store
	Execs      *ExecStore
	Catalog    *catalog.Service
	Broker     *broker.Broker
	Leases     *broker.LeaseManager
	TaskLeases *dispatch.LeaseStore
	Results    *resultstore.Store
	Vars       *vars.Store
	Loops      *loop.Tracker

	// DSN feeds the event listener's dedicated connection.
	DSN string
}

// New builds an engine.
func New(cfg config.EngineConfig, deps Deps) *Engine {
	e := &Engine{
		cfg:        cfg,
		ids:        deps.IDs,
		events:     deps.Events,
		execs:      deps.Execs,
		catalog:    deps.Catalog,
		broker:     deps.Broker,
		leases:     deps.Leases,
		taskLeases: deps.TaskLeases,
		results:    deps.Results,
		vars:       deps.Vars,
		loops:      deps.Loops,
		wake:       make(chan int64, wakeQueueDepth),
		pending:    make(map[int64]struct{}),
		timers:     make(map[int64]*time.Timer),
	}
	e.listener = eventlog.NewListener(deps.DSN, e.Wake)
	return e
}

// Start launches the event listener, the advance workers, and the periodic
// reconcile loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.listener.Start(ctx)

	for i := 0; i < e.cfg.DispatchWorkers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runWakeLoop(ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconcileLoop(ctx)
	}()

	slog.Info("Engine started", "workers", e.cfg.DispatchWorkers, "shard", e.cfg.Shard)
}

// Stop halts all loops and waits for in-flight advances to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.listener.Stop()
	e.mu.Lock()
	for _, t := range e.timers {
		t.Stop()
	}
	e.mu.Unlock()
	e.wg.Wait()
	slog.Info("Engine stopped")
}

// Wake queues an execution for an advance cycle. Duplicate wakes while one
// is queued collapse into a single cycle.
func (e *Engine) Wake(executionID int64) {
	e.mu.Lock()
	if _, queued := e.pending[executionID]; queued {
		e.mu.Unlock()
		return
	}
	e.pending[executionID] = struct{}{}
	e.mu.Unlock()

	select {
	case e.wake <- executionID:
	default:
		// Queue full; the reconcile loop will pick it up.
		e.mu.Lock()
		delete(e.pending, executionID)
		e.mu.Unlock()
		slog.Warn("Wake queue full, deferring to reconcile", "execution_id", executionID)
	}
}

// WakeAfter schedules a wake, collapsing to the earliest pending timer.
func (e *Engine) WakeAfter(executionID int64, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.timers[executionID]; exists {
		return
	}
	e.timers[executionID] = time.AfterFunc(d, func() {
		e.mu.Lock()
		delete(e.timers, executionID)
		e.mu.Unlock()
		e.Wake(executionID)
	})
}

// runWakeLoop drains the wake queue, advancing one execution per wake.
func (e *Engine) runWakeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case executionID := <-e.wake:
			e.mu.Lock()
			delete(e.pending, executionID)
			e.mu.Unlock()

			if err := e.Advance(ctx, executionID); err != nil && ctx.Err() == nil {
				if errors.Is(err, broker.ErrLeaseHeld) {
					// Another instance is on it; its notify will land here too.
					continue
				}
				slog.Error("Advance failed", "execution_id", executionID, "error", err)
				e.WakeAfter(executionID, e.cfg.SupervisorInterval)
			}
		}
	}
}

// reconcileLoop periodically wakes every non-terminal execution. It catches
// missed notifications, expired engine leases, and work left behind by a
// crashed instance.
func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.LeaseTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := e.execs.ListActive(ctx, wakeQueueDepth/2)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("Reconcile scan failed", "error", err)
				}
				continue
			}
			for _, id := range ids {
				e.Wake(id)
			}
		}
	}
}

// StartRequest describes a new execution.
type StartRequest struct {
	Path    string
	Version int
	Workload json.RawMessage

	ParentExecutionID *int64
	ParentNodeID      string
	CallbackRequestID string
}

// StartExecution creates an execution for the named playbook and seeds its
// event log. The first advance cycle follows from the append notification.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*models.Execution, error) {
	entry, err := e.catalog.Fetch(ctx, req.Path, req.Version)
	if err != nil {
		return nil, err
	}
	pb, _, err := e.catalog.LoadPlaybook(ctx, entry.ID)
	if err != nil {
		return nil, err
	}

	workload, err := mergeWorkload(pb.Workload, req.Workload)
	if err != nil {
		return nil, NewStepError(KindInputValidation, "invalid workload: %v", err)
	}

	id := e.ids.Next()

	exec := &models.Execution{
		ID:                id,
		CatalogID:         entry.ID,
		CatalogPath:       entry.Path,
		ParentExecutionID: req.ParentExecutionID,
		ParentNodeID:      req.ParentNodeID,
		Status:            models.ExecutionPending,
		Workload:          workload,
		StartedAt:         time.Now().UTC(),
		CallbackRequestID: req.CallbackRequestID,
	}
	if err := e.execs.Create(ctx, exec); err != nil {
		return nil, err
	}

	ev := &models.Event{
		ExecutionID:       id,
		ParentExecutionID: req.ParentExecutionID,
		EventType:         models.EventPlaybookInitialized,
		Context:           workload,
	}
	if _, err := e.events.Append(ctx, ev); err != nil {
		return nil, err
	}
	if err := e.execs.MarkRunning(ctx, id); err != nil {
		slog.Warn("Failed to mark execution running", "execution_id", id, "error", err)
	}

	slog.Info("Execution started",
		"execution_id", id, "path", entry.Path, "version", entry.Version)
	return exec, nil
}

// CancelExecution requests cooperative cancellation. Running steps finish or
// get cancelled on the next advance cycle; the request itself is an event.
func (e *Engine) CancelExecution(ctx context.Context, executionID int64) error {
	if _, err := e.execs.Get(ctx, executionID); err != nil {
		return err
	}
	_, err := e.events.Append(ctx, &models.Event{
		ExecutionID: executionID,
		EventType:   models.EventExecutionCancelRequested,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}
	return nil
}

// Projection folds and returns the current state of an execution.
func (e *Engine) Projection(ctx context.Context, executionID int64) (*Projection, error) {
	events, err := e.events.Read(ctx, executionID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrExecutionNotFound, executionID)
	}
	return Fold(executionID, events), nil
}

// mergeWorkload lays the submitted workload over the playbook's declared
// defaults, key by key at the top level.
func mergeWorkload(defaults map[string]any, submitted json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]any, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	if len(submitted) > 0 {
		var overlay map[string]any
		if err := json.Unmarshal(submitted, &overlay); err != nil {
			return nil, fmt.Errorf("workload is not a JSON object: %w", err)
		}
		for k, v := range overlay {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// resultPayload resolves an event result to its bytes, following references
// into the result store.
func (e *Engine) resultPayload(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	return e.results.Resolve(ctx, raw)
}
