// Package worker is the task-execution runtime. It consumes task
// notifications for its pool, fetches the full task over RPC, runs the tool
// with heartbeats, routes results through sinks and the result store, and
// reports terminal events back to the control plane.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/client"
	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/template"
)

// inlineThreshold is the largest result a worker embeds directly in its
// terminal event; larger payloads go through the result store.
const inlineThreshold = 4 * 1024

const maxDeliver = 5

// Worker is one task-execution process.
type Worker struct {
	cfg      config.WorkerConfig
	id       string
	broker   *broker.Broker
	api      *client.Client
	registry *Registry

	// ackWait must sit between the step timeout and the engine lease.
	ackWait time.Duration

	runtimeID int64
	sub       *broker.TaskSubscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a worker. ackWait is the broker redelivery window.
func New(cfg config.WorkerConfig, b *broker.Broker, api *client.Client, registry *Registry, ackWait time.Duration) *Worker {
	hostname, _ := os.Hostname()
	return &Worker{
		cfg:      cfg,
		id:       fmt.Sprintf("%s-%s-%s", cfg.Pool, hostname, uuid.NewString()[:8]),
		broker:   b,
		api:      api,
		registry: registry,
		ackWait:  ackWait,
	}
}

// ID returns the worker's unique identity.
func (w *Worker) ID() string { return w.id }

// Start registers the runtime and begins consuming tasks.
func (w *Worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	runtimeID, err := w.api.RegisterRuntime(ctx, client.RegisterRuntimeRequest{
		Kind:         models.RuntimeWorker,
		Name:         w.id,
		Pool:         w.cfg.Pool,
		Capabilities: w.registry.Kinds(),
		Capacity:     w.cfg.Concurrency,
	})
	if err != nil {
		return err
	}
	w.runtimeID = runtimeID

	sub, err := w.broker.ConsumeTasks(ctx, w.cfg.Pool, "worker-"+w.cfg.Pool,
		w.ackWait, maxDeliver, w.cfg.Concurrency, w.handleTask)
	if err != nil {
		return err
	}
	w.sub = sub

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runtimeHeartbeatLoop(ctx)
	}()

	slog.Info("Worker started",
		"worker_id", w.id, "pool", w.cfg.Pool,
		"concurrency", w.cfg.Concurrency, "tools", w.registry.Kinds())
	return nil
}

// Stop drains the task subscription and waits for in-flight tasks.
func (w *Worker) Stop() {
	if w.sub != nil {
		w.sub.Stop()
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("Worker stopped", "worker_id", w.id)
}

func (w *Worker) runtimeHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.api.RuntimeHeartbeat(ctx, w.runtimeID); err != nil && ctx.Err() == nil {
				slog.Warn("Runtime heartbeat failed", "worker_id", w.id, "error", err)
			}
		}
	}
}

// handleTask processes one notification end to end. A nil return acks the
// message; errors leave it for redelivery.
func (w *Worker) handleTask(ctx context.Context, subject string, payload []byte) error {
	note, err := dispatch.ParseNotification(payload)
	if err != nil {
		slog.Warn("Dropping malformed task notification", "subject", subject, "error", err)
		return nil // poison message; acking is the only way out
	}

	spec, err := w.api.GetTask(ctx, client.GetTaskRequest{
		ExecutionID: note.ExecutionID,
		NodeID:      note.NodeID,
		WorkerID:    w.id,
	})
	if err != nil {
		return err // transient; redeliver
	}
	if spec == nil {
		// Task already finished elsewhere or was cancelled.
		return nil
	}

	slog.Info("Executing task",
		"worker_id", w.id, "execution_id", spec.ExecutionID,
		"step", spec.NodeName, "node_id", spec.NodeID,
		"kind", spec.Kind, "attempt", spec.Attempt)

	start := time.Now()
	result, execErr := w.execute(ctx, spec)
	duration := time.Since(start)

	if execErr != nil {
		return w.emitFailure(ctx, spec, execErr, result, duration)
	}

	if spec.Sink != nil {
		if sinkErr := w.runSink(ctx, spec, result); sinkErr != nil {
			return w.emitFailure(ctx, spec, classify(ctx, sinkErr), result, time.Since(start))
		}
	}

	return w.emitSuccess(ctx, spec, result, time.Since(start))
}

// execute runs the tool under the step timeout with lease heartbeats.
func (w *Worker) execute(ctx context.Context, spec *dispatch.TaskSpec) (json.RawMessage, *ExecError) {
	executor, err := w.registry.Lookup(spec.Kind)
	if err != nil {
		return nil, classify(ctx, err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = w.ackWait / 2
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Heartbeats keep the task lease alive; a lost lease aborts the task.
	hbDone := make(chan struct{})
	defer close(hbDone)
	go w.taskHeartbeatLoop(taskCtx, cancel, spec, hbDone)

	result, execErr := executor.Execute(taskCtx, spec)
	if execErr != nil {
		return result, classify(taskCtx, execErr)
	}
	return result, nil
}

func (w *Worker) taskHeartbeatLoop(ctx context.Context, abort context.CancelFunc, spec *dispatch.TaskSpec, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, lost, err := w.api.Heartbeat(ctx, client.HeartbeatRequest{
				ExecutionID: spec.ExecutionID,
				NodeID:      spec.NodeID,
				WorkerID:    w.id,
			})
			if lost {
				slog.Warn("Task lease lost, abandoning task",
					"worker_id", w.id, "node_id", spec.NodeID)
				abort()
				return
			}
			if err != nil && ctx.Err() == nil {
				slog.Warn("Task heartbeat failed", "node_id", spec.NodeID, "error", err)
			}
		}
	}
}

// runSink feeds the step result into the sink tool. Only bounded summaries
// reach the event log; the payload itself goes wherever the sink points.
func (w *Worker) runSink(ctx context.Context, spec *dispatch.TaskSpec, result json.RawMessage) error {
	if _, err := w.api.EmitEvent(ctx, &models.Event{
		ExecutionID:  spec.ExecutionID,
		EventType:    models.EventSinkStarted,
		NodeID:       spec.NodeID,
		NodeName:     spec.NodeName,
		NodeType:     spec.Sink.Kind,
		WorkerID:     w.id,
		LoopName:     spec.LoopName,
		CurrentIndex: spec.CurrentIndex,
	}); err != nil {
		return err
	}

	var resultValue any
	if len(result) > 0 {
		_ = json.Unmarshal(result, &resultValue)
	}
	env := template.Context{"result": resultValue}
	for k, v := range spec.Inputs {
		env[k] = v
	}
	args, err := template.RenderInputs(spec.Sink.Args, env)
	if err != nil {
		return &ExecError{Kind: models.KindInputValidation, Message: fmt.Sprintf("bad sink args: %v", err)}
	}

	sinkSpec := &dispatch.TaskSpec{
		ExecutionID: spec.ExecutionID,
		NodeID:      spec.NodeID,
		NodeName:    spec.NodeName,
		Kind:        spec.Sink.Kind,
		Tool:        spec.Sink.Tool,
		Inputs:      args,
		Timeout:     spec.Timeout,
	}
	executor, err := w.registry.Lookup(spec.Sink.Kind)
	if err != nil {
		return err
	}
	if _, err := executor.Execute(ctx, sinkSpec); err != nil {
		return fmt.Errorf("sink failed: %w", err)
	}

	summary, _ := json.Marshal(map[string]any{
		"sink_kind": spec.Sink.Kind,
		"bytes":     len(result),
	})
	_, err = w.api.EmitEvent(ctx, &models.Event{
		ExecutionID:  spec.ExecutionID,
		EventType:    models.EventSinkCompleted,
		NodeID:       spec.NodeID,
		NodeName:     spec.NodeName,
		NodeType:     spec.Sink.Kind,
		WorkerID:     w.id,
		LoopName:     spec.LoopName,
		CurrentIndex: spec.CurrentIndex,
		Result:       summary,
	})
	return err
}

// emitSuccess stores oversized results out of band and appends
// step.completed.
func (w *Worker) emitSuccess(ctx context.Context, spec *dispatch.TaskSpec, result json.RawMessage, duration time.Duration) error {
	eventResult := result
	if len(result) > inlineThreshold {
		stored, err := w.api.PutResult(ctx, client.PutResultRequest{
			ExecutionID:    spec.ExecutionID,
			Name:           spec.NodeName,
			Scope:          models.ScopeExecution,
			Payload:        result,
			IterationIndex: spec.CurrentIndex,
		})
		if err != nil {
			return err // transient; redeliver and retry
		}
		eventResult, _ = json.Marshal(models.ResultEnvelope{Ref: stored.URI})
	}

	_, err := w.api.EmitEvent(ctx, &models.Event{
		ExecutionID:  spec.ExecutionID,
		EventType:    models.EventStepCompleted,
		NodeID:       spec.NodeID,
		NodeName:     spec.NodeName,
		NodeType:     spec.Kind,
		Status:       string(models.NodeCompleted),
		Duration:     &duration,
		WorkerID:     w.id,
		LoopName:     spec.LoopName,
		CurrentIndex: spec.CurrentIndex,
		Result:       eventResult,
	})
	return err
}

func (w *Worker) emitFailure(ctx context.Context, spec *dispatch.TaskSpec, execErr *ExecError, partial json.RawMessage, duration time.Duration) error {
	slog.Warn("Task failed",
		"worker_id", w.id, "execution_id", spec.ExecutionID,
		"step", spec.NodeName, "attempt", spec.Attempt,
		"kind", execErr.Kind, "error", execErr.Message)

	var result json.RawMessage
	if len(partial) > 0 && len(partial) <= inlineThreshold {
		result = partial
	}
	_, err := w.api.EmitEvent(ctx, &models.Event{
		ExecutionID:  spec.ExecutionID,
		EventType:    models.EventStepFailed,
		NodeID:       spec.NodeID,
		NodeName:     spec.NodeName,
		NodeType:     spec.Kind,
		Status:       string(execErr.Kind),
		Duration:     &duration,
		WorkerID:     w.id,
		LoopName:     spec.LoopName,
		CurrentIndex: spec.CurrentIndex,
		Result:       result,
		Error:        execErr.Message,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
